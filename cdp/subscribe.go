package cdp

import (
	"context"
	"sync"
	"sync/atomic"
)

// Handler handles one event. A returned error is logged and does not affect other subscribers.
type Handler func(ctx context.Context, ev Event) error

// Subscription is one registration of a Handler for an event method.
// It is the identity used for registration and removal.
type Subscription struct {
	method  string
	handler Handler
	async   bool

	registered atomic.Bool
	inflight   inflight
}

type SubscribeOption func(s *Subscription)

// Async runs the handler on its own goroutine instead of the read goroutine.
// Use this for handlers that are slow or that call Execute.
func Async() SubscribeOption {
	return func(s *Subscription) { s.async = true }
}

func (s *Subscription) Method() string { return s.method }

func (s *Subscription) Active() bool { return s.registered.Load() }

// Drain waits for in-flight asynchronous invocations of the handler to return.
func (s *Subscription) Drain(ctx context.Context) error {
	return s.inflight.wait(ctx)
}

// inflight counts running goroutines. Unlike a WaitGroup, it may be incremented while someone is waiting.
type inflight struct {
	mu   sync.Mutex
	n    int
	zero chan struct{}
}

func (f *inflight) add() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		f.zero = make(chan struct{})
	}
	f.n++
}

func (f *inflight) done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n--
	if f.n == 0 {
		close(f.zero)
		f.zero = nil
	}
}

func (f *inflight) wait(ctx context.Context) error {
	f.mu.Lock()
	zero := f.zero
	f.mu.Unlock()
	if zero == nil {
		return nil
	}
	select {
	case <-zero:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers h for events with the given method, after any existing subscribers.
func (c *Conn) Subscribe(method string, h Handler, opts ...SubscribeOption) *Subscription {
	s := &Subscription{method: method, handler: h}
	for _, o := range opts {
		o(s)
	}
	c.Register(s)
	return s
}

// Register adds s back to the registry. It is a no-op if s is already registered.
func (c *Conn) Register(s *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.registered.Load() {
		return
	}
	s.registered.Store(true)
	c.subs[s.method] = append(c.subs[s.method], s)
	c.log.Debugw("subscribed", "Method", s.method, "Async", s.async)
}

// Unsubscribe removes s from the registry. It is a no-op if s is not registered.
func (c *Conn) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !s.registered.Load() {
		return
	}
	s.registered.Store(false)
	subs := c.subs[s.method]
	for i := 0; i < len(subs); i++ {
		if subs[i] == s {
			// copy so that snapshots taken by the dispatcher are not modified
			next := make([]*Subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			subs = next
			break
		}
	}
	if len(subs) == 0 {
		delete(c.subs, s.method)
	} else {
		c.subs[s.method] = subs
	}
	c.log.Debugw("unsubscribed", "Method", s.method)
}

// deliver runs every subscriber in subs for ev. Must be called with dispatchMu held.
func (c *Conn) deliver(ev Event, subs []*Subscription) {
	for _, s := range subs {
		if s.async {
			c.spawn(s, ev)
			continue
		}
		c.invoke(s, ev)
	}
}

func (c *Conn) spawn(s *Subscription, ev Event) {
	s.inflight.add()
	c.tasks.add()
	go func() {
		defer c.tasks.done()
		defer s.inflight.done()
		select {
		case c.asyncSlots <- struct{}{}:
		case <-c.ctx.Done():
			return
		}
		defer func() { <-c.asyncSlots }()
		c.invoke(s, ev)
	}()
}

func (c *Conn) invoke(s *Subscription, ev Event) {
	if !s.registered.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw("event handler panicked", "Method", ev.Method, "Panic", r)
		}
	}()
	if err := s.handler(c.ctx, ev); err != nil {
		c.log.Warnw("event handler error", "Method", ev.Method, "Error", err)
	}
}
