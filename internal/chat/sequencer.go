package chat

import (
	"slices"
	"sync"
	"time"

	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/jonboulle/clockwork"
)

// sequencer hands messages to deliver in Seq order exactly once. Messages
// relayed from other instances can arrive slightly out of order; a gap is
// held for gapWait and then skipped so one lost publish cannot stall a stream.
type sequencer struct {
	mu      sync.Mutex
	next    int64
	pending map[int64]domain.ChatMessage
	deliver func(domain.ChatMessage)
	clock   clockwork.Clock
	gapWait time.Duration
	timer   clockwork.Timer
	gen     int
}

func newSequencer(next int64, clock clockwork.Clock, gapWait time.Duration, deliver func(domain.ChatMessage)) *sequencer {
	return &sequencer{
		next:    next,
		pending: make(map[int64]domain.ChatMessage),
		deliver: deliver,
		clock:   clock,
		gapWait: gapWait,
	}
}

func (s *sequencer) push(msg domain.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Seq < s.next {
		return
	}
	s.pending[msg.Seq] = msg
	s.drain()

	if len(s.pending) > 0 && s.timer == nil {
		s.armTimer()
	}
}

// armTimer starts the gap timer. Callers hold mu.
func (s *sequencer) armTimer() {
	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(s.gapWait, func() { s.skipGap(gen) })
}

func (s *sequencer) drain() {
	for {
		msg, ok := s.pending[s.next]
		if !ok {
			break
		}
		delete(s.pending, s.next)
		s.deliver(msg)
		s.next++
	}
	if len(s.pending) == 0 && s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *sequencer) skipGap(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.timer == nil {
		return
	}
	s.timer = nil
	if len(s.pending) == 0 {
		return
	}
	seqs := make([]int64, 0, len(s.pending))
	for seq := range s.pending {
		seqs = append(seqs, seq)
	}
	s.next = slices.Min(seqs)
	s.drain()

	if len(s.pending) > 0 {
		s.armTimer()
	}
}

func (s *sequencer) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	clear(s.pending)
}
