package state

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnknown  = errors.New("unknown variable")
	ErrDeclared = errors.New("variable already declared")
)

// Change is one variable assignment.
type Change struct {
	Name  string
	Value any
}

// Observer receives the assignments of one Set call and a snapshot of all
// evented variables taken after them. It runs under the table lock and must
// not call back into the table.
type Observer func(changed, evented []Change)

type entry struct {
	value   any
	evented bool
}

// Table holds the state variables of one service.
type Table struct {
	mu        sync.RWMutex
	order     []string
	vars      map[string]*entry
	observers map[int]Observer
	nextObs   int
}

func NewTable() *Table {
	return &Table{
		vars:      make(map[string]*entry),
		observers: make(map[int]Observer),
	}
}

// Declare adds a variable with its initial value.
func (t *Table) Declare(name string, initial any, evented bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.vars[name]; ok {
		return fmt.Errorf("%w: %s", ErrDeclared, name)
	}
	t.vars[name] = &entry{value: initial, evented: evented}
	t.order = append(t.order, name)
	return nil
}

func (t *Table) Get(name string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.vars[name]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Set applies all changes atomically. Observers run when at least one
// evented variable is among them.
func (t *Table) Set(changes ...Change) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range changes {
		if _, ok := t.vars[c.Name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknown, c.Name)
		}
	}
	notify := false
	for _, c := range changes {
		e := t.vars[c.Name]
		e.value = c.Value
		notify = notify || e.evented
	}
	if !notify || len(t.observers) == 0 {
		return nil
	}
	evented := t.snapshot(true)
	for _, fn := range t.observers {
		fn(changes, evented)
	}
	return nil
}

// Snapshot returns variables in declaration order.
func (t *Table) Snapshot(eventedOnly bool) []Change {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshot(eventedOnly)
}

func (t *Table) snapshot(eventedOnly bool) []Change {
	out := make([]Change, 0, len(t.order))
	for _, name := range t.order {
		e := t.vars[name]
		if eventedOnly && !e.evented {
			continue
		}
		out = append(out, Change{Name: name, Value: e.value})
	}
	return out
}

// Observe registers fn and returns a function removing it.
func (t *Table) Observe(fn Observer) (cancel func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextObs
	t.nextObs++
	t.observers[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.observers, id)
	}
}

// Locked runs fn while holding the write lock, so no Set interleaves with it.
func (t *Table) Locked(fn func(evented []Change)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.snapshot(true))
}
