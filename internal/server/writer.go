package server

import (
	"sync"
	"time"

	"github.com/cyrongau/fudaydiye-live/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	messageBufferSize = 64
	maxInboundFrame   = 4 << 10
)

// liveWriter owns all writes to one socket. Frames are queued on sendCh and
// written by a single goroutine that also pings.
type liveWriter struct {
	conn   *websocket.Conn
	clock  clockwork.Clock
	sendCh chan []byte
	doneCh chan struct{}

	doneOnce sync.Once
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newLiveWriter(conn *websocket.Conn, clock clockwork.Clock) *liveWriter {
	w := &liveWriter{
		conn:   conn,
		clock:  clock,
		sendCh: make(chan []byte, messageBufferSize),
		doneCh: make(chan struct{}),
	}
	conn.SetReadLimit(maxInboundFrame)
	w.configurePongHandler()
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *liveWriter) run() {
	ticker := w.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer w.wg.Done()

	for {
		select {
		case msg := <-w.sendCh:
			start := w.clock.Now()
			w.updateWriteDeadline()
			if err := w.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				w.abort()
				return
			}
			metrics.WebSocketMessageSendDuration.Observe(w.clock.Since(start).Seconds())
		case <-ticker.Chan():
			w.updateWriteDeadline()
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				metrics.WebSocketPingFailures.Inc()
				w.abort()
				return
			}
		case <-w.doneCh:
			return
		}
	}
}

// abort is the write-failure path: it unblocks senders and the read loop.
func (w *liveWriter) abort() {
	w.closeDone()
	_ = w.conn.Close()
}

func (w *liveWriter) closeDone() {
	w.doneOnce.Do(func() { close(w.doneCh) })
}

// send waits for queue space. Used for frames that must not be dropped; if
// the client is too slow the upstream subscription gets evicted instead.
func (w *liveWriter) send(msg []byte) bool {
	select {
	case w.sendCh <- msg:
		return true
	case <-w.doneCh:
		return false
	}
}

// trySend drops the frame when the queue is full.
func (w *liveWriter) trySend(msg []byte) bool {
	select {
	case w.sendCh <- msg:
		return true
	default:
		return false
	}
}

func (w *liveWriter) done() <-chan struct{} {
	return w.doneCh
}

// stopGraceful sends a close frame with reason before closing.
func (w *liveWriter) stopGraceful(reason string) {
	w.stopOnce.Do(func() {
		w.closeDone()

		// The run goroutine must exit before the close frame is written.
		w.wg.Wait()
		w.flush()

		closeMsg := websocket.FormatCloseMessage(closeCode(reason), reason)
		w.updateWriteDeadline()
		_ = w.conn.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = w.conn.Close()
	})
}

// flush writes frames still queued, such as the session.ended event that
// precedes a session_ended close. Only called after run has exited.
func (w *liveWriter) flush() {
	for range cap(w.sendCh) {
		select {
		case msg := <-w.sendCh:
			w.updateWriteDeadline()
			if err := w.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (w *liveWriter) configurePongHandler() {
	w.updateReadDeadline()
	w.conn.SetPongHandler(func(string) error {
		w.updateReadDeadline()
		return nil
	})
}

func (w *liveWriter) updateWriteDeadline() {
	_ = w.conn.SetWriteDeadline(w.clock.Now().Add(writeDeadline))
}

func (w *liveWriter) updateReadDeadline() {
	_ = w.conn.SetReadDeadline(w.clock.Now().Add(pongDeadline))
}

func closeCode(reason string) int {
	switch reason {
	case "shutdown":
		return websocket.CloseGoingAway
	case "slow_consumer":
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseNormalClosure
	}
}
