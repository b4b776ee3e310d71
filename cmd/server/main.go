package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyrongau/fudaydiye-live/internal/app"
	"github.com/cyrongau/fudaydiye-live/internal/broadcast"
	"github.com/cyrongau/fudaydiye-live/internal/chat"
	"github.com/cyrongau/fudaydiye-live/internal/checkout"
	"github.com/cyrongau/fudaydiye-live/internal/database"
	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/cyrongau/fudaydiye-live/internal/feature"
	"github.com/cyrongau/fudaydiye-live/internal/marketplace"
	"github.com/cyrongau/fudaydiye-live/internal/media"
	"github.com/cyrongau/fudaydiye-live/internal/memory"
	"github.com/cyrongau/fudaydiye-live/internal/platform/config"
	"github.com/cyrongau/fudaydiye-live/internal/platform/logging"
	"github.com/cyrongau/fudaydiye-live/internal/presence"
	"github.com/cyrongau/fudaydiye-live/internal/queue"
	"github.com/cyrongau/fudaydiye-live/internal/reaction"
	"github.com/cyrongau/fudaydiye-live/internal/redis"
	"github.com/cyrongau/fudaydiye-live/internal/reservation"
	"github.com/cyrongau/fudaydiye-live/internal/server"
	"github.com/cyrongau/fudaydiye-live/internal/session"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

// backends holds the shared infrastructure. Nil fields mean the in-process
// implementation is used instead.
type backends struct {
	pool  *pgxpool.Pool
	redis *goredis.Client
	queue *queue.Publisher
}

func (b backends) close() {
	if b.queue != nil {
		if err := b.queue.Close(); err != nil {
			slog.Warn("Failed to close broker connection", "error", err)
		}
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

func (b backends) healthChecks() []server.HealthCheck {
	var checks []server.HealthCheck
	if b.redis != nil {
		checks = append(checks, server.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return b.redis.Ping(ctx).Err()
		}})
	}
	if b.pool != nil {
		checks = append(checks, server.HealthCheck{Name: "postgres", Check: b.pool.Ping})
	}
	return checks
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config) *pgxpool.Pool {
	if cfg.DatabaseURL == "" {
		slog.Info("DATABASE_URL not set, sessions and chat are kept in memory")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := database.RunMigrationsWithLock(ctx, db); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return db
}

func setupRedis(cfg *config.Config) *goredis.Client {
	if cfg.RedisURL == "" {
		slog.Info("REDIS_URL not set, running as a single instance")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupQueue(cfg *config.Config) *queue.Publisher {
	if cfg.AMQPURL == "" {
		slog.Info("AMQP_URL not set, checkout events are only logged")
		return nil
	}
	return queue.NewPublisher(cfg.AMQPURL)
}

// setupMedia returns the transport the state machine uses, plus the webhook
// receiver when a real SFU is configured.
func setupMedia(cfg *config.Config, clock clockwork.Clock) (domain.MediaTransport, server.MediaEvents) {
	if cfg.MediaURL == "" {
		slog.Info("MEDIA_URL not set, using the loopback media transport")
		return media.NewLoopback(clock), nil
	}

	transport, err := media.NewHTTPTransport(cfg.MediaURL, clock)
	if err != nil {
		slog.Error("Failed to create media transport", "error", err)
		os.Exit(1)
	}
	return media.NewGuard(transport, cfg.MediaTimeout, cfg.MediaRetryBackoff, clock), transport
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

func runGracefulShutdown(srv *server.Server, appSvc *app.Service, machine *session.Machine, hub *broadcast.Hub, stopRelay context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		appSvc.Stop()
		machine.Stop()
		stopRelay()
		hub.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	infra := backends{
		pool:  setupDB(cfg),
		redis: setupRedis(cfg),
		queue: setupQueue(cfg),
	}
	defer infra.close()

	// Each socket holds four subscriptions on its session topic.
	hub := broadcast.NewHub(clock, broadcast.WithMaxSubscribers(cfg.MaxViewersPerSession*4))

	// Storage: Postgres when configured, otherwise in memory.
	var (
		sessions  domain.SessionRepository = memory.NewSessionRepo()
		chatStore domain.ChatStore         = memory.NewChatStore()
	)
	if infra.pool != nil {
		sessions = database.NewSessionRepo(infra.pool)
		chatStore = database.NewChatRepo(infra.pool)
	}

	// Coordination: Redis when configured, otherwise this process only.
	var (
		events       domain.EventPublisher   = hub
		counter      domain.PresenceCounter  = presence.NewCounter()
		memoryLedger *reservation.Ledger
		ledger       domain.ReservationLedger
		appOpts      = []app.Option{
			app.WithReconcileInterval(cfg.PresenceReconcileInterval),
			app.WithMaxSessionDuration(cfg.MaxSessionDuration),
		}
	)
	relayCtx, stopRelay := context.WithCancel(context.Background())
	if infra.redis != nil {
		id := instanceID()
		relay := redis.NewRelay(infra.redis, hub)
		go func() {
			if err := relay.Run(relayCtx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Event relay stopped", "error", err)
			}
		}()
		events = relay
		// Shares survive two missed reconcile passes before they age out.
		counter = redis.NewPresence(infra.redis, id, clock, 3*cfg.PresenceReconcileInterval)
		ledger = redis.NewLedger(infra.redis, clock, cfg.ReservationHold)
		appOpts = append(appOpts, app.WithElector(redis.NewLeaderElector(infra.redis, id)))
		slog.Info("Cluster coordination enabled", "instance_id", id)
	} else {
		memoryLedger = reservation.NewLedger(clock, cfg.ReservationHold)
		ledger = memoryLedger
	}

	var checkoutEvents domain.CheckoutEventPublisher = queue.LogPublisher{}
	if infra.queue != nil {
		checkoutEvents = infra.queue
	}

	market, err := marketplace.NewClient(cfg.MarketplaceURL)
	if err != nil {
		slog.Error("Failed to create marketplace client", "error", err)
		os.Exit(1)
	}

	transport, mediaEvents := setupMedia(cfg, clock)

	channel := chat.NewChannel(sessions, chatStore, events, hub, clock, cfg.ChatHistoryLimit)
	reactions := reaction.NewBroadcaster(sessions, events, hub, clock, cfg.ReactionWindow)
	features := feature.NewRegister(sessions, events, hub)
	tracker := presence.NewTracker(counter, sessions, events)

	machine := session.NewMachine(sessions, events, transport, tracker, features, clock,
		session.WithGracePeriod(cfg.HostGracePeriod),
		session.WithEndHook(func(_ context.Context, sessionID uuid.UUID) { reactions.Forget(sessionID) }),
	)

	flow := checkout.NewFlow(sessions, ledger, market, checkoutEvents, clock, cfg.OrderTimeout, cfg.CheckoutRetention)
	appOpts = append(appOpts, app.WithSweepers(flow))
	if memoryLedger != nil {
		appOpts = append(appOpts, app.WithSweepers(memoryLedger))
	}

	appSvc := app.NewService(app.Deps{
		Sessions:  sessions,
		Lifecycle: machine,
		Chat:      channel,
		Reactions: reactions,
		Features:  features,
		Ledger:    ledger,
		Checkout:  flow,
		Catalog:   market,
		Presence:  tracker,
		Clock:     clock,
	}, appOpts...)

	streams := server.Streams{
		Events:    hub,
		Chat:      channel,
		Reactions: reactions,
		Features:  features,
		Presence:  tracker,
	}

	srv := server.NewServer(cfg, appSvc, streams, mediaEvents, clock, infra.healthChecks())

	done := runGracefulShutdown(srv, appSvc, machine, hub, stopRelay)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
