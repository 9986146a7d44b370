package kernel

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/evanphx/meridian/log"
	"github.com/evanphx/meridian/pkg/waiter"
	"github.com/evanphx/meridian/ukernel"
)

// Registry maps badges to tasks. A task's ID doubles as its badge, so ids
// start at 1 and the unbadged value 0 never names a task.
type Registry struct {
	mu        sync.RWMutex
	highWater int
	tasks     map[int]*Task

	events waiter.Waiter
}

func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[int]*Task),
	}
}

// Assign gives t the lowest free id.
func (r *Registry) Assign(t *Task) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 1; i <= r.highWater; i++ {
		if _, ok := r.tasks[i]; !ok {
			r.set(i, t)
			return i
		}
	}

	r.highWater++
	r.set(r.highWater, t)

	return r.highWater
}

func (r *Registry) set(id int, t *Task) {
	t.ID = id
	t.Badge = ukernel.Badge(id)
	r.tasks[id] = t
}

// Lookup finds the task that owns badge b.
func (r *Registry) Lookup(b ukernel.Badge) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[int(b)]
	return t, ok
}

func (r *Registry) Remove(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tasks[t.ID] == t {
		delete(r.tasks, t.ID)
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.tasks)
}

// Live counts tasks that have not exited.
func (r *Registry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, t := range r.tasks {
		if !t.State().Exited() {
			n++
		}
	}

	return n
}

// Tasks returns every registered task ordered by id.
func (r *Registry) Tasks() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

func (r *Registry) exited(t *Task) {
	log.L.Trace("task-exited", "id", t.ID)
	r.events.Notify(waiter.EventExit)
}

// wait blocks until check reports done or ctx ends. check runs once before
// blocking and again after every exit notification.
func (r *Registry) wait(ctx context.Context, check func() (bool, error)) error {
	c := make(chan struct{}, 1)
	ev := r.events.RegisterChannel(waiter.EventExit, c)
	defer r.events.Unregister(ev)

	for {
		done, err := check()
		if err != nil || done {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c:
			// ok, check again
		}
	}
}

// WaitExit blocks until the task with the given id has exited and returns
// its exit status.
func (r *Registry) WaitExit(ctx context.Context, id int) (ExitStatus, error) {
	var status ExitStatus

	err := r.wait(ctx, func() (bool, error) {
		r.mu.RLock()
		t, ok := r.tasks[id]
		r.mu.RUnlock()

		if !ok {
			return false, errors.Wrapf(ErrUnknownTask, "id %d", id)
		}

		var exited bool
		status, exited = t.ExitStatus()

		return exited, nil
	})

	return status, err
}

// WaitIdle blocks until no registered task is live.
func (r *Registry) WaitIdle(ctx context.Context) error {
	return r.wait(ctx, func() (bool, error) {
		return r.Live() == 0, nil
	})
}

// ReapAny removes and returns one exited child of parent. Without block it
// returns nil when no child has exited yet.
func (r *Registry) ReapAny(ctx context.Context, parent int, block bool) (*Task, error) {
	if !block {
		return r.reapOnce(parent), nil
	}

	var found *Task

	err := r.wait(ctx, func() (bool, error) {
		found = r.reapOnce(parent)
		return found != nil, nil
	})

	return found, err
}

func (r *Registry) reapOnce(parent int) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, t := range r.tasks {
		if t.ParentID != parent {
			continue
		}

		if _, exited := t.ExitStatus(); exited {
			delete(r.tasks, id)
			return t
		}
	}

	return nil
}
