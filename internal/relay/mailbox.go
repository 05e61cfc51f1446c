package relay

import (
	"sync"
	"time"

	"github.com/danmuck/cvdrelay/internal/apr"
	"github.com/google/uuid"
)

// OverflowPolicy decides what happens when a command arrives while the
// previous one is still pending.
type OverflowPolicy string

const (
	// OverflowReplace discards the pending command; the worker sees the latest.
	OverflowReplace OverflowPolicy = "replace"
	// OverflowDrop discards the new arrival and keeps the pending one.
	OverflowDrop OverflowPolicy = "drop"
)

// delivery is one handed-off command.
type delivery struct {
	ID         uuid.UUID
	Packet     apr.Packet
	Length     int
	ReceivedAt time.Time
}

type putResult int

const (
	putStored putResult = iota
	putReplaced
	putDropped
	putClosed
)

func (p putResult) String() string {
	switch p {
	case putStored:
		return "stored"
	case putReplaced:
		return "replaced"
	case putDropped:
		return "dropped"
	default:
		return "closed"
	}
}

// mailbox is a single-slot hand-off. put never blocks; wait blocks until a
// delivery is pending or the mailbox is closed.
type mailbox struct {
	mu     sync.Mutex
	ch     chan delivery
	closed bool
	policy OverflowPolicy
}

func newMailbox(policy OverflowPolicy) *mailbox {
	return &mailbox{
		ch:     make(chan delivery, 1),
		policy: policy,
	}
}

func (m *mailbox) put(d delivery) putResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return putClosed
	}
	select {
	case m.ch <- d:
		return putStored
	default:
	}
	if m.policy == OverflowDrop {
		return putDropped
	}

	replaced := false
	select {
	case <-m.ch:
		replaced = true
	default:
	}
	// Producers are serialized by mu, so the slot is free here.
	m.ch <- d
	if replaced {
		return putReplaced
	}
	return putStored
}

// wait consumes the pending delivery. Receiving empties the slot, which
// re-arms the signal before the caller inspects the packet.
func (m *mailbox) wait() (delivery, bool) {
	d, ok := <-m.ch
	return d, ok
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.ch)
}

func (m *mailbox) pending() int {
	return len(m.ch)
}
