package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// Optional backends. Empty means the in-process implementation is used.
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	AMQPURL     string `env:"AMQP_URL"`
	MediaURL    string `env:"MEDIA_URL"`

	AppURL             string `env:"APP_URL" default:"http://localhost:8080"`
	JWTSecret          string `env:"JWT_SECRET"`
	MarketplaceURL     string `env:"MARKETPLACE_URL"`
	MediaWebhookSecret string `env:"MEDIA_WEBHOOK_SECRET"`

	ReservationHold time.Duration `env:"RESERVATION_HOLD" default:"120s"`
	HostGracePeriod time.Duration `env:"HOST_GRACE_PERIOD" default:"30s"`

	MediaTimeout      time.Duration `env:"MEDIA_TIMEOUT" default:"5s"`
	MediaRetryBackoff time.Duration `env:"MEDIA_RETRY_BACKOFF" default:"250ms"`
	OrderTimeout      time.Duration `env:"ORDER_TIMEOUT" default:"10s"`

	ChatHistoryLimit     int     `env:"CHAT_HISTORY_LIMIT" default:"50"`
	ReactionWindow       int     `env:"REACTION_WINDOW" default:"15"`
	MaxViewersPerSession int     `env:"MAX_VIEWERS_PER_SESSION" default:"5000"`
	ChatRatePerSecond    float64 `env:"CHAT_RATE_PER_SECOND" default:"1"`
	ChatBurst            int     `env:"CHAT_BURST" default:"5"`
	ReactionRatePerSec   float64 `env:"REACTION_RATE_PER_SECOND" default:"10"`

	PresenceReconcileInterval time.Duration `env:"PRESENCE_RECONCILE_INTERVAL" default:"1m"`
	CheckoutRetention         time.Duration `env:"CHECKOUT_RETENTION" default:"10m"`
	MaxSessionDuration        time.Duration `env:"MAX_SESSION_DURATION" default:"12h"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func validate(cfg *Config) error {
	required := []struct{ name, value string }{
		{"JWT_SECRET", cfg.JWTSecret},
		{"MARKETPLACE_URL", cfg.MarketplaceURL},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	if cfg.MediaURL != "" && cfg.MediaWebhookSecret == "" {
		return errors.New("MEDIA_WEBHOOK_SECRET is required when MEDIA_URL is set")
	}

	if len(cfg.JWTSecret) < 32 {
		return errors.New("JWT_SECRET must be at least 32 characters")
	}

	for name, raw := range map[string]string{"APP_URL": cfg.AppURL, "MARKETPLACE_URL": cfg.MarketplaceURL, "MEDIA_URL": cfg.MediaURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL", name)
		}
	}

	if cfg.ReservationHold <= 0 {
		return errors.New("RESERVATION_HOLD must be positive")
	}
	if cfg.HostGracePeriod <= 0 {
		return errors.New("HOST_GRACE_PERIOD must be positive")
	}
	if cfg.MediaTimeout <= 0 || cfg.OrderTimeout <= 0 {
		return errors.New("MEDIA_TIMEOUT and ORDER_TIMEOUT must be positive")
	}
	if cfg.ChatHistoryLimit < 0 || cfg.ChatHistoryLimit > 500 {
		return errors.New("CHAT_HISTORY_LIMIT must be between 0 and 500")
	}
	if cfg.ReactionWindow < 1 {
		return errors.New("REACTION_WINDOW must be at least 1")
	}
	if cfg.MaxViewersPerSession < 1 {
		return errors.New("MAX_VIEWERS_PER_SESSION must be at least 1")
	}
	if cfg.PresenceReconcileInterval <= 0 || cfg.MaxSessionDuration <= 0 {
		return errors.New("PRESENCE_RECONCILE_INTERVAL and MAX_SESSION_DURATION must be positive")
	}
	if cfg.ChatRatePerSecond <= 0 || cfg.ChatBurst < 1 || cfg.ReactionRatePerSec <= 0 {
		return errors.New("chat and reaction rate limits must be positive")
	}

	return nil
}
