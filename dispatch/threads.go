package dispatch

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Threads is the process-wide table of dispatcher threads. Ids start at 1 so
// that 0 stays free for address.IDUnknown.
type Threads struct {
	mu     sync.RWMutex
	byName map[string]*Thread
	byID   map[uint64]*Thread
	lastID atomic.Uint64
}

func NewThreads() *Threads {
	return &Threads{
		byName: make(map[string]*Thread),
		byID:   make(map[uint64]*Thread),
	}
}

// New creates a thread and adds it to the table. The thread is not started.
func (r *Threads) New(name string, h Handler) (*Thread, error) {
	if name == "" {
		return nil, fmt.Errorf("dispatch: thread name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return nil, fmt.Errorf("dispatch: thread %q already exists", name)
	}
	t := newThread(name, r.lastID.Add(1), h, r)
	r.byName[name] = t
	r.byID[t.id] = t
	return t, nil
}

// FindByName returns the running thread with that name, or nil.
func (r *Threads) FindByName(name string) *Thread {
	r.mu.RLock()
	t := r.byName[name]
	r.mu.RUnlock()
	if t == nil || !t.IsRunning() {
		return nil
	}
	return t
}

// FindByID returns the running thread with that id, or nil.
func (r *Threads) FindByID(id uint64) *Thread {
	r.mu.RLock()
	t := r.byID[id]
	r.mu.RUnlock()
	if t == nil || !t.IsRunning() {
		return nil
	}
	return t
}

func (r *Threads) remove(t *Thread) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byName[t.name] == t {
		delete(r.byName, t.name)
	}
	if r.byID[t.id] == t {
		delete(r.byID, t.id)
	}
}
