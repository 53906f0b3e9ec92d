// Package mirror holds a client's read-only copies of authoritative figure
// snapshots.
package mirror

import (
	"context"
	"slices"
	"sync"

	"golang.org/x/exp/maps"

	"blockpops.ai/internal/sim/figure"
)

// Listener hears every snapshot and forget applied to a Mirror. Callbacks run
// on the applying goroutine, outside the mirror lock.
type Listener interface {
	OnSnapshot(figure.Snapshot)
	OnForget(figure.Pos)
}

// Mirror entries are only ever replaced whole; nothing merges fields.
type Mirror struct {
	mu        sync.RWMutex
	figures   map[figure.Pos]figure.Snapshot
	listeners map[int]Listener
	nextID    int
}

func New() *Mirror {
	return &Mirror{
		figures:   map[figure.Pos]figure.Snapshot{},
		listeners: map[int]Listener{},
	}
}

// Subscribe registers l and returns a func that removes it.
func (m *Mirror) Subscribe(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Mirror) snapshotListeners() []Listener {
	ids := maps.Keys(m.listeners)
	slices.Sort(ids)
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.listeners[id])
	}
	return out
}

// Apply overwrites the entry for s.Pos. It reports whether the stored value
// differed; listeners are told either way.
func (m *Mirror) Apply(s figure.Snapshot) (changed bool) {
	m.mu.Lock()
	prev, ok := m.figures[s.Pos]
	m.figures[s.Pos] = s
	ls := m.snapshotListeners()
	m.mu.Unlock()

	for _, l := range ls {
		l.OnSnapshot(s)
	}
	return !ok || !prev.Same(s)
}

func (m *Mirror) Forget(p figure.Pos) bool {
	m.mu.Lock()
	_, ok := m.figures[p]
	delete(m.figures, p)
	ls := m.snapshotListeners()
	m.mu.Unlock()

	if ok {
		for _, l := range ls {
			l.OnForget(p)
		}
	}
	return ok
}

func (m *Mirror) Get(p figure.Pos) (figure.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.figures[p]
	return s, ok
}

func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.figures)
}

// Snapshots returns every entry ordered by position.
func (m *Mirror) Snapshots() []figure.Snapshot {
	m.mu.RLock()
	out := maps.Values(m.figures)
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b figure.Snapshot) int { return a.Pos.Compare(b.Pos) })
	return out
}

// WaitFor blocks until the entry for p satisfies ok, or ctx ends. The current
// value is checked first.
func (m *Mirror) WaitFor(ctx context.Context, p figure.Pos, ok func(figure.Snapshot) bool) (figure.Snapshot, error) {
	hits := make(chan figure.Snapshot, 1)
	w := waiter{pos: p, ok: ok, hits: hits}
	unsubscribe := m.Subscribe(&w)
	defer unsubscribe()

	if s, found := m.Get(p); found && ok(s) {
		return s, nil
	}
	select {
	case s := <-hits:
		return s, nil
	case <-ctx.Done():
		return figure.Snapshot{}, ctx.Err()
	}
}

type waiter struct {
	pos  figure.Pos
	ok   func(figure.Snapshot) bool
	hits chan figure.Snapshot
}

func (w *waiter) OnSnapshot(s figure.Snapshot) {
	if s.Pos != w.pos || !w.ok(s) {
		return
	}
	select {
	case w.hits <- s:
	default:
	}
}

func (w *waiter) OnForget(figure.Pos) {}
