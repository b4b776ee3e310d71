package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Loopback is an in-process transport for development and tests. Publishing
// on a channel announces a video and an audio track to every other
// connection on it.
type Loopback struct {
	clock clockwork.Clock

	mu    sync.Mutex
	conns map[string]*loopConn
}

type loopConn struct {
	handle    domain.ConnectionHandle
	onTrack   func(domain.TrackInfo)
	onLost    func()
	published bool
}

var _ domain.MediaTransport = (*Loopback)(nil)

func NewLoopback(clock clockwork.Clock) *Loopback {
	return &Loopback{clock: clock, conns: make(map[string]*loopConn)}
}

func (l *Loopback) OpenChannel(_ context.Context, channelID string, role domain.MediaRole) (domain.ConnectionHandle, error) {
	if channelID == "" {
		return domain.ConnectionHandle{}, fmt.Errorf("%w: channel id required", ErrRejected)
	}
	h := domain.ConnectionHandle{
		ChannelID:    channelID,
		ConnectionID: uuid.NewString(),
		Role:         role,
		OpenedAt:     l.clock.Now(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.conns[h.ConnectionID] = &loopConn{handle: h}
	return h, nil
}

// CloseChannel is idempotent.
func (l *Loopback) CloseChannel(_ context.Context, h domain.ConnectionHandle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, h.ConnectionID)
	return nil
}

func (l *Loopback) PublishLocalTracks(_ context.Context, h domain.ConnectionHandle) error {
	if h.Role != domain.MediaPublisher {
		return fmt.Errorf("%w: only publishers publish tracks", ErrRejected)
	}

	l.mu.Lock()
	c, ok := l.conns[h.ConnectionID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: unknown connection", ErrRejected)
	}
	c.published = true
	var fns []func(domain.TrackInfo)
	for _, other := range l.conns {
		if other.handle.ChannelID == h.ChannelID && other.handle.ConnectionID != h.ConnectionID && other.onTrack != nil {
			fns = append(fns, other.onTrack)
		}
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(domain.TrackInfo{TrackID: h.ConnectionID + "-video", Kind: "video"})
		fn(domain.TrackInfo{TrackID: h.ConnectionID + "-audio", Kind: "audio"})
	}
	return nil
}

func (l *Loopback) OnRemoteTrackPublished(h domain.ConnectionHandle, fn func(domain.TrackInfo)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.conns[h.ConnectionID]; ok {
		c.onTrack = fn
	}
}

func (l *Loopback) OnPublisherLost(h domain.ConnectionHandle, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.conns[h.ConnectionID]; ok {
		c.onLost = fn
	}
}

// DropPublisher simulates the host's media dropping out: the connection's
// publisher-lost callback fires and the connection stays registered.
func (l *Loopback) DropPublisher(connectionID string) bool {
	l.mu.Lock()
	c, ok := l.conns[connectionID]
	var fn func()
	if ok {
		fn = c.onLost
	}
	l.mu.Unlock()

	if fn != nil {
		fn()
	}
	return ok
}

// Open reports how many connections are open on channelID.
func (l *Loopback) Open(channelID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.conns {
		if c.handle.ChannelID == channelID {
			n++
		}
	}
	return n
}
