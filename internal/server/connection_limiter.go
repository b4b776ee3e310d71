package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	rateLimiterIdle     = 10 * time.Minute
	rateCleanupEvery    = 5 * time.Minute
	defaultUpgradeRate  = 5.0
	defaultUpgradeBurst = 10
)

// SessionConnectionLimiter caps concurrent live sockets per session.
type SessionConnectionLimiter struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]int
	maxPer   int
}

func NewSessionConnectionLimiter(maxPer int) *SessionConnectionLimiter {
	return &SessionConnectionLimiter{
		sessions: make(map[uuid.UUID]int),
		maxPer:   maxPer,
	}
}

// Acquire takes a slot for sessionID. Returns false when the session is full.
func (l *SessionConnectionLimiter) Acquire(sessionID uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sessions[sessionID] >= l.maxPer {
		return false
	}
	l.sessions[sessionID]++
	return true
}

func (l *SessionConnectionLimiter) Release(sessionID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := l.sessions[sessionID]; n > 1 {
		l.sessions[sessionID] = n - 1
	} else {
		delete(l.sessions, sessionID)
	}
}

func (l *SessionConnectionLimiter) Count(sessionID uuid.UUID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessions[sessionID]
}

// ConnectionRateLimiter limits how fast one IP may open new sockets.
// Token bucket per IP via golang.org/x/time/rate.
type ConnectionRateLimiter struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	limiters  map[string]*rateLimiterEntry
	rate      rate.Limit
	burst     int
	cleanupAt time.Time
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewConnectionRateLimiter(clock clockwork.Clock, perSecond float64, burst int) *ConnectionRateLimiter {
	return &ConnectionRateLimiter{
		clock:     clock,
		limiters:  make(map[string]*rateLimiterEntry),
		rate:      rate.Limit(perSecond),
		burst:     burst,
		cleanupAt: clock.Now().Add(rateCleanupEvery),
	}
}

// Allow reports whether ip may open another connection now.
func (l *ConnectionRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.cleanupAt) {
		l.cleanup(now)
		l.cleanupAt = now.Add(rateCleanupEvery)
	}

	entry, ok := l.limiters[ip]
	if !ok {
		entry = &rateLimiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// cleanup must be called with mu held.
func (l *ConnectionRateLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-rateLimiterIdle)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}

func (l *ConnectionRateLimiter) ActiveLimiters() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// LimitReason describes why a connection was rejected.
type LimitReason string

const (
	LimitReasonSession LimitReason = "session_full"
	LimitReasonRate    LimitReason = "rate_limit"
)

// ConnectionLimits combines the per-IP upgrade rate with the per-session cap.
type ConnectionLimits struct {
	perSession *SessionConnectionLimiter
	rate       *ConnectionRateLimiter
}

func NewConnectionLimits(clock clockwork.Clock, maxPerSession int) *ConnectionLimits {
	return &ConnectionLimits{
		perSession: NewSessionConnectionLimiter(maxPerSession),
		rate:       NewConnectionRateLimiter(clock, defaultUpgradeRate, defaultUpgradeBurst),
	}
}

// Acquire checks the rate first (cheapest), then takes a session slot.
func (l *ConnectionLimits) Acquire(ip string, sessionID uuid.UUID) (bool, LimitReason) {
	if !l.rate.Allow(ip) {
		return false, LimitReasonRate
	}
	if !l.perSession.Acquire(sessionID) {
		return false, LimitReasonSession
	}
	return true, ""
}

func (l *ConnectionLimits) Release(sessionID uuid.UUID) {
	l.perSession.Release(sessionID)
}
