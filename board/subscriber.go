package board

import "sync"

// DefaultQueueDepth is the bounded-queue policy: a fixed depth per
// subscriber, with overflow closing that subscriber only.
const DefaultQueueDepth = 64

// Subscriber is a live bidirectional-socket peer attached to one session.
// It owns a bounded outbound queue; a dedicated writer goroutine living in
// the transport package (board/wsapi) drains Outbox() to the wire.
type Subscriber struct {
	UserID    string
	SessionID string

	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewSubscriber creates a Subscriber with the given bounded queue depth.
func NewSubscriber(userID, sessionID string, queueDepth int) *Subscriber {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Subscriber{
		UserID:    userID,
		SessionID: sessionID,
		queue:     make(chan []byte, queueDepth),
		done:      make(chan struct{}),
	}
}

// Enqueue attempts to hand frame (already-serialized JSON bytes) to the
// subscriber's outbound queue without blocking. It returns false if the
// subscriber is closed or its queue is already at capacity — the caller
// (Session) treats either as subscriber overflow and tears the subscriber
// down.
func (s *Subscriber) Enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.queue <- frame:
		return true
	default:
		return false
	}
}

// Outbox returns the channel a writer goroutine should drain to the wire.
func (s *Subscriber) Outbox() <-chan []byte {
	return s.queue
}

// Done is closed once the subscriber has been torn down, either because
// its queue overflowed or because it detached normally. A writer
// goroutine should select on this alongside Outbox to know when to stop.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Close idempotently tears the subscriber down. Safe to call from the
// Session (on overflow or detach) and from the transport's writer loop
// (on a read/write error) concurrently.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
