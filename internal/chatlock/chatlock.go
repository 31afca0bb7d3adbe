// Package chatlock serializes turns per chat. At most one turn runs
// for a chat at any time; what happens to a duplicate trigger is a
// named policy decision, not an accident of scheduling.
package chatlock

import (
	"context"
	"errors"
	"sync"

	"github.com/gryagbot/gryag-backend/internal/logger"
)

type Policy string

const (
	// PolicyFinishInFlight drops a trigger that arrives while the chat
	// already has a turn running. The in-flight turn finishes normally.
	PolicyFinishInFlight Policy = "finish_in_flight"
	// PolicyQueue makes the duplicate trigger wait its turn.
	PolicyQueue Policy = "queue"
)

// ErrBusy is returned under PolicyFinishInFlight when the chat already
// has a turn in flight.
var ErrBusy = errors.New("chat turn already in flight")

// Locker is the per-chat single-flight contract. Acquire returns a
// release function that must be called exactly once.
type Locker interface {
	Acquire(ctx context.Context, chatID int64) (release func(), err error)
}

type entry struct {
	sem  chan struct{}
	refs int
}

// Gate is the in-process Locker. Entries are created on demand and
// dropped as soon as no goroutine references the chat.
type Gate struct {
	policy Policy
	log    *logger.Logger

	mu    sync.Mutex
	chats map[int64]*entry
}

func NewGate(policy Policy, baseLog *logger.Logger) *Gate {
	if policy == "" {
		policy = PolicyFinishInFlight
	}
	return &Gate{
		policy: policy,
		log:    baseLog.With("service", "ChatGate"),
		chats:  make(map[int64]*entry),
	}
}

func (g *Gate) Acquire(ctx context.Context, chatID int64) (func(), error) {
	g.mu.Lock()
	e, ok := g.chats[chatID]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		g.chats[chatID] = e
	}
	e.refs++
	g.mu.Unlock()

	acquired := false
	switch g.policy {
	case PolicyQueue:
		select {
		case e.sem <- struct{}{}:
			acquired = true
		case <-ctx.Done():
		}
	default:
		select {
		case e.sem <- struct{}{}:
			acquired = true
		default:
		}
	}

	if !acquired {
		g.put(chatID, e)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrBusy
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-e.sem
			g.put(chatID, e)
		})
	}
	return release, nil
}

func (g *Gate) put(chatID int64, e *entry) {
	g.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(g.chats, chatID)
	}
	g.mu.Unlock()
}
