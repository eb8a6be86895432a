// Package dispatch provides named event-loop threads and the lookup table the
// service layer uses to turn a channel id into a live delivery target.
//
// A Thread owns one goroutine and one unbounded FIFO mailbox:
//
//	Post(ev) ──► mailbox ──► run loop ──► handler(ev)
//
// Post never blocks the caller. Events left in the mailbox when the thread
// exits are destroyed, never handled.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
)

// Handler consumes events on the thread goroutine.
type Handler func(ev any)

// Destroyer is implemented by events that hold resources to release when they
// are discarded instead of handled.
type Destroyer interface {
	Destroy()
}

// Discard releases ev if it implements Destroyer.
func Discard(ev any) {
	if d, ok := ev.(Destroyer); ok {
		d.Destroy()
	}
}

// Thread is a named single-goroutine event loop.
type Thread struct {
	name    string
	id      uint64
	handler Handler
	owner   *Threads

	box     mailbox
	started chan struct{}
	quit    chan struct{}
	done    chan struct{}

	startOnce sync.Once
	exitOnce  sync.Once
	running   atomic.Bool
}

func newThread(name string, id uint64, h Handler, owner *Threads) *Thread {
	return &Thread{
		name:    name,
		id:      id,
		handler: h,
		owner:   owner,
		box:     mailbox{wake: make(chan struct{}, 1)},
		started: make(chan struct{}),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (t *Thread) Name() string { return t.name }
func (t *Thread) ID() uint64   { return t.id }

// IsRunning reports whether the loop has started and not yet exited.
func (t *Thread) IsRunning() bool { return t.running.Load() }

// Start launches the loop and blocks until it runs or ctx expires.
func (t *Thread) Start(ctx context.Context) error {
	t.startOnce.Do(func() {
		go t.run()
	})
	select {
	case <-t.started:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post queues ev for the loop. It returns false once the thread is exiting,
// in which case ev was destroyed.
func (t *Thread) Post(ev any) bool {
	if !t.box.push(ev) {
		Discard(ev)
		return false
	}
	return true
}

// Exit asks the loop to stop without waiting. Safe to call from the handler.
func (t *Thread) Exit() {
	t.exitOnce.Do(func() {
		close(t.quit)
	})
}

// Wait blocks until the loop has exited or ctx expires.
func (t *Thread) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop is Exit followed by Wait. Must not be called from the handler.
func (t *Thread) Stop(ctx context.Context) error {
	t.Exit()
	return t.Wait(ctx)
}

func (t *Thread) run() {
	t.running.Store(true)
	close(t.started)
	defer func() {
		t.running.Store(false)
		for _, ev := range t.box.close() {
			Discard(ev)
		}
		if t.owner != nil {
			t.owner.remove(t)
		}
		close(t.done)
	}()

	for {
		select {
		case <-t.quit:
			return
		case <-t.box.wake:
		}
		for _, ev := range t.box.drain() {
			select {
			case <-t.quit:
				Discard(ev)
				continue
			default:
			}
			t.handler(ev)
		}
	}
}

// mailbox is an unbounded FIFO with a one-slot wake signal.
type mailbox struct {
	mu     sync.Mutex
	items  []any
	closed bool
	wake   chan struct{}
}

func (m *mailbox) push(ev any) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, ev)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) drain() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

func (m *mailbox) close() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	items := m.items
	m.items = nil
	return items
}
