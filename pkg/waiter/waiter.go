package waiter

import (
	"sync"

	"github.com/evanphx/meridian/log"
)

type EventType uint64

const (
	EventSignal EventType = 1 << iota
	EventExit
	EventIRQ
)

type Waiter struct {
	mu sync.RWMutex

	waiters map[*Event]struct{}
}

type Event struct {
	Mask     EventType
	Context  interface{}
	Callback func(e *Event)
}

func (w *Waiter) Register(e *Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.waiters == nil {
		w.waiters = make(map[*Event]struct{})
	}

	w.waiters[e] = struct{}{}
}

func triggerChan(e *Event) {
	c := e.Context.(chan struct{})

	select {
	case c <- struct{}{}:
	default:
	}
}

// RegisterChannel arranges for c to receive a token on every matching
// notification. Tokens coalesce when c is full.
func (w *Waiter) RegisterChannel(mask EventType, c chan struct{}) *Event {
	e := &Event{
		Callback: triggerChan,
		Context:  c,
		Mask:     mask,
	}

	w.Register(e)

	return e
}

func (w *Waiter) Unregister(e *Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.waiters, e)
}

func (w *Waiter) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return len(w.waiters)
}

func (w *Waiter) Notify(mask EventType) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	log.L.Trace("waiters-notify", "count", len(w.waiters), "mask", mask)

	for e := range w.waiters {
		if mask&e.Mask != 0 {
			e.Callback(e)
		}
	}
}
