// Package session keeps per-session transcripts in memory for the process
// lifetime, bounded by an LRU/TTL policy.
package session

import (
	"container/list"
	"context"
	"sync"

	ctxpkg "github.com/stupiduntilnot/sia/internal/context"
)

// State is the turn state of a session.
type State string

const (
	StateIdle   State = "IDLE"
	StateInTurn State = "IN_TURN"
)

// Transcript is the ordered message log of one session. It is safe for
// concurrent use; turns are serialized with Acquire.
type Transcript struct {
	id       string
	mu       sync.RWMutex
	messages []ctxpkg.Message

	turnMu  sync.Mutex
	busy    bool
	waiters *list.List
}

type waiter struct {
	ready   chan struct{}
	granted bool
}

func newTranscript(id string) *Transcript {
	return &Transcript{id: id, waiters: list.New()}
}

func (t *Transcript) ID() string {
	return t.id
}

// Append adds messages to the end of the transcript in order.
func (t *Transcript) Append(msgs ...ctxpkg.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, msgs...)
}

// Messages returns a copy of the transcript.
func (t *Transcript) Messages() []ctxpkg.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	copied := make([]ctxpkg.Message, len(t.messages))
	copy(copied, t.messages)
	return copied
}

func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// State reports IN_TURN while a turn holds the session.
func (t *Transcript) State() State {
	t.turnMu.Lock()
	defer t.turnMu.Unlock()
	if t.busy {
		return StateInTurn
	}
	return StateIdle
}

// Pending returns the number of turns waiting for the session.
func (t *Transcript) Pending() int {
	t.turnMu.Lock()
	defer t.turnMu.Unlock()
	return t.waiters.Len()
}

// Acquire blocks until the caller holds the session's turn. Callers are
// granted the turn in the order they called Acquire. The returned release
// func hands the turn to the next waiter and is safe to call more than once.
func (t *Transcript) Acquire(ctx context.Context) (func(), error) {
	t.turnMu.Lock()
	if !t.busy && t.waiters.Len() == 0 {
		t.busy = true
		t.turnMu.Unlock()
		return t.releaser(), nil
	}
	w := &waiter{ready: make(chan struct{})}
	elem := t.waiters.PushBack(w)
	t.turnMu.Unlock()

	select {
	case <-w.ready:
		return t.releaser(), nil
	case <-ctx.Done():
		t.turnMu.Lock()
		if w.granted {
			// Granted while giving up: pass the turn on.
			t.turnMu.Unlock()
			t.release()
			return nil, ctx.Err()
		}
		t.waiters.Remove(elem)
		t.turnMu.Unlock()
		return nil, ctx.Err()
	}
}

func (t *Transcript) releaser() func() {
	var once sync.Once
	return func() { once.Do(t.release) }
}

func (t *Transcript) release() {
	t.turnMu.Lock()
	defer t.turnMu.Unlock()
	front := t.waiters.Front()
	if front == nil {
		t.busy = false
		return
	}
	t.waiters.Remove(front)
	w := front.Value.(*waiter)
	w.granted = true
	close(w.ready)
}
