package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultCommandTimeout is used by Execute when no timeout is given.
const DefaultCommandTimeout = 30 * time.Second

type State int

const (
	StateUnconnected State = iota
	StateConnected
	StateReconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Conn is a connection to one target.
// It owns at most one physical channel at a time and replaces it transparently when it drops.
type Conn struct {
	log            *zap.SugaredLogger
	url            string
	dial           Dialer
	commandTimeout time.Duration
	maxRetries     int
	baseDelay      time.Duration
	maxDelay       time.Duration
	jitter         float64
	rnd            func() float64
	readLimit      int64

	nextID atomic.Int64

	// mu guards everything below it.
	mu      sync.Mutex
	state   State
	ch      Channel
	gen     uint64
	ready   chan struct{} // closed while connected
	pending map[int64]*call
	enabled map[string]struct{}
	subs    map[string][]*Subscription
	attempt int
	holding bool
	held    []Event
	err     error

	// dispatchMu serializes delivery so that held events keep their order relative to new ones.
	dispatchMu sync.Mutex

	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	doneOnce   sync.Once
	asyncSlots chan struct{}
	tasks      inflight
	loops      sync.WaitGroup
}

type call struct {
	id     int64
	method string
	gen    uint64
	resp   chan response
}

type response struct {
	result json.RawMessage
	err    error
}

type Option func(c *Conn)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Conn) {
		c.log = l.Named("cdp_conn")
	}
}

func WithDialer(d Dialer) Option {
	return func(c *Conn) {
		c.dial = d
	}
}

// WithCommandTimeout sets the default Execute timeout. Non-positive values keep DefaultCommandTimeout.
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.commandTimeout = d
		}
	}
}

// WithReconnect sets how many times, and how patiently, a dropped channel is redialed.
// maxRetries of zero disables reconnection, so a dropped channel is terminal.
func WithReconnect(maxRetries int, base, max time.Duration) Option {
	return func(c *Conn) {
		c.maxRetries = maxRetries
		c.baseDelay = base
		c.maxDelay = max
	}
}

// WithJitter sets the jitter fraction applied to reconnection delays and its random source.
func WithJitter(fraction float64, rnd func() float64) Option {
	return func(c *Conn) {
		c.jitter = fraction
		if rnd != nil {
			c.rnd = rnd
		}
	}
}

func WithMaxMessageSize(n int64) Option {
	return func(c *Conn) {
		c.readLimit = n
	}
}

// WithMaxAsyncHandlers bounds how many asynchronous handler invocations run at once.
func WithMaxAsyncHandlers(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.asyncSlots = make(chan struct{}, n)
		}
	}
}

// New constructs an unconnected Conn for the given WebSocket URL.
func New(url string, opts ...Option) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		log:            zap.NewNop().Sugar(),
		url:            url,
		commandTimeout: DefaultCommandTimeout,
		maxRetries:     DefaultMaxRetries,
		baseDelay:      DefaultBaseDelay,
		maxDelay:       DefaultMaxDelay,
		jitter:         DefaultJitter,
		rnd:            rand.Float64,
		readLimit:      DefaultMaxMessageSize,
		ready:          make(chan struct{}),
		pending:        map[int64]*call{},
		enabled:        map[string]struct{}{},
		subs:           map[string][]*Subscription{},
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		asyncSlots:     make(chan struct{}, 64),
	}
	for _, o := range opts {
		o(c)
	}
	if c.dial == nil {
		c.dial = WebSocketDialer(nil, c.readLimit)
	}
	return c
}

// Dial constructs a Conn and connects it.
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	c := New(url, opts...)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect establishes the first channel and starts reading from it.
func (c *Conn) Connect(ctx context.Context) error {
	if !strings.HasPrefix(c.url, "ws://") && !strings.HasPrefix(c.url, "wss://") {
		return fmt.Errorf("invalid WebSocket URL %q", c.url)
	}
	c.mu.Lock()
	if c.state != StateUnconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("connect called on %s connection", state)
	}
	c.mu.Unlock()

	c.log.Infow("connecting", "URL", c.url)
	ch, err := c.dial(ctx, c.url)
	if err != nil {
		return &ConnectionError{
			URL:   c.url,
			Cause: err,
			Hint:  "ensure the browser is running with --remote-debugging-port and the target still exists",
		}
	}

	c.mu.Lock()
	if c.state != StateUnconnected {
		c.mu.Unlock()
		ch.Close()
		return &ConnectionError{URL: c.url, Cause: ErrClosed}
	}
	c.gen++
	gen := c.gen
	c.ch = ch
	c.state = StateConnected
	close(c.ready)
	c.mu.Unlock()

	c.loops.Add(1)
	go c.readLoop(ch, gen)
	c.log.Infow("connection established", "URL", c.url)
	return nil
}

func (c *Conn) URL() string { return c.url }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt returns the current reconnection attempt, zero when not reconnecting.
func (c *Conn) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

func (c *Conn) Reconnecting() bool {
	return c.State() == StateReconnecting
}

// EnabledDomains returns the enabled domains in sorted order.
func (c *Conn) EnabledDomains() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabledLocked()
}

func (c *Conn) enabledLocked() []string {
	domains := make([]string, 0, len(c.enabled))
	for d := range c.enabled {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains
}

// Done is closed when the Conn becomes disconnected, either by Close or by exhausting reconnection.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the reason the Conn is disconnected, or nil if it is not.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Execute sends a command and waits up to timeout for its response.
// A zero timeout uses the Conn's default.
func (c *Conn) Execute(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.commandTimeout
	}
	payload, err := encodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params of %s: %w", method, err)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	ch, gen, err := c.waitChannel(ctx, timer.C, method, timeout)
	if err != nil {
		return nil, err
	}
	return c.roundTrip(ctx, ch, gen, method, payload, timer.C, timeout)
}

// waitChannel returns the current channel, waiting for reconnection if necessary.
func (c *Conn) waitChannel(ctx context.Context, expired <-chan time.Time, method string, timeout time.Duration) (Channel, uint64, error) {
	for {
		c.mu.Lock()
		switch c.state {
		case StateConnected:
			ch, gen := c.ch, c.gen
			c.mu.Unlock()
			return ch, gen, nil
		case StateUnconnected:
			c.mu.Unlock()
			return nil, 0, &ConnectionError{URL: c.url, Cause: errors.New("not connected")}
		case StateDisconnected:
			err := c.err
			c.mu.Unlock()
			return nil, 0, err
		}
		ready := c.ready
		c.mu.Unlock()

		c.log.Debugw("waiting for reconnection", "Method", method)
		select {
		case <-ready:
		case <-c.done:
		case <-expired:
			return nil, 0, &TimeoutError{Method: method, Timeout: timeout}
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

func (c *Conn) roundTrip(ctx context.Context, ch Channel, gen uint64, method string, params json.RawMessage, expired <-chan time.Time, timeout time.Duration) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	cl := &call{id: id, method: method, gen: gen, resp: make(chan response, 1)}

	c.mu.Lock()
	if c.gen != gen || c.state == StateDisconnected {
		err := c.err
		c.mu.Unlock()
		if err == nil {
			err = &ConnectionError{URL: c.url, Cause: errors.New("channel replaced before the command was sent")}
		}
		return nil, err
	}
	c.pending[id] = cl
	c.mu.Unlock()

	b, err := json.Marshal(command{ID: id, Method: method, Params: params})
	if err != nil {
		c.retire(id)
		return nil, fmt.Errorf("encoding command %s: %w", method, err)
	}
	c.log.Debugw("sending command", "ID", id, "Method", method)
	// writes use the Conn's context since canceling a WebSocket write tears down the socket
	if err := ch.Write(c.ctx, b); err != nil {
		if c.retire(id) {
			return nil, &ConnectionError{URL: c.url, Cause: fmt.Errorf("writing command %s: %w", method, err)}
		}
		r := <-cl.resp
		return r.result, r.err
	}

	select {
	case r := <-cl.resp:
		if r.err == nil {
			c.trackDomain(method, gen)
		}
		return r.result, r.err
	case <-expired:
		if c.retire(id) {
			c.log.Debugw("command timed out", "ID", id, "Method", method)
			return nil, &TimeoutError{Method: method, ID: id, Timeout: timeout}
		}
	case <-ctx.Done():
		if c.retire(id) {
			return nil, ctx.Err()
		}
	}
	// the response won the race with the timeout, so it is already on its way
	r := <-cl.resp
	if r.err == nil {
		c.trackDomain(method, gen)
	}
	return r.result, r.err
}

// retire removes a pending call, returning false if it was already resolved.
func (c *Conn) retire(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// trackDomain records a successful enable or disable, as long as the channel it succeeded on is still current.
func (c *Conn) trackDomain(method string, gen uint64) {
	domain, action := splitMethod(method)
	if domain == "" || (action != "enable" && action != "disable") {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	if action == "enable" {
		c.enabled[domain] = struct{}{}
	} else {
		delete(c.enabled, domain)
	}
}

func (c *Conn) readLoop(ch Channel, gen uint64) {
	defer c.loops.Done()
	for {
		b, err := ch.Read(c.ctx)
		if err != nil {
			c.channelLost(ch, gen, err)
			return
		}
		c.route(b)
	}
}

func (c *Conn) route(b []byte) {
	var msg message
	if err := json.Unmarshal(b, &msg); err != nil {
		var probe struct {
			ID *int64 `json:"id"`
		}
		if json.Unmarshal(b, &probe) == nil && probe.ID != nil {
			c.log.Warnw("undecodable response", "ID", *probe.ID, "Error", err, "Size", len(b))
			if cl := c.take(*probe.ID); cl != nil {
				cl.resp <- response{err: fmt.Errorf("decoding response to %s: %w", cl.method, err)}
			}
			return
		}
		c.log.Warnw("skipping undecodable message", "Error", err, "Size", len(b))
		return
	}
	switch {
	case msg.ID != nil:
		c.resolve(*msg.ID, msg)
	case msg.Method != "":
		c.dispatch(Event{Method: msg.Method, Params: msg.Params, SessionID: msg.SessionID})
	default:
		c.log.Warnw("skipping message with neither id nor method", "Size", len(b))
	}
}

// take removes and returns the pending call for id, or nil if there is none.
func (c *Conn) take(id int64) *call {
	c.mu.Lock()
	cl, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Debugw("dropping response for unknown command", "ID", id)
		return nil
	}
	return cl
}

func (c *Conn) resolve(id int64, msg message) {
	cl := c.take(id)
	if cl == nil {
		return
	}
	if len(msg.Error) > 0 && string(msg.Error) != "null" {
		e := decodeResponseError(msg.Error)
		cmdErr := &CommandError{Method: cl.method, Code: e.Code, Message: e.Message}
		if len(e.Data) > 0 {
			cmdErr.Data = rawText(e.Data)
		}
		cl.resp <- response{err: cmdErr}
		return
	}
	result := msg.Result
	if len(result) == 0 {
		result = emptyObject
	}
	cl.resp <- response{result: result}
}

func (c *Conn) dispatch(ev Event) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	c.mu.Lock()
	if c.holding {
		c.held = append(c.held, ev)
		c.mu.Unlock()
		return
	}
	subs := c.subs[ev.Method]
	c.mu.Unlock()
	c.deliver(ev, subs)
}

// channelLost fails the commands in flight on the lost channel and starts reconnecting.
func (c *Conn) channelLost(ch Channel, gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.state == StateDisconnected {
		c.mu.Unlock()
		ch.Close()
		return
	}
	if c.state == StateConnected {
		c.ready = make(chan struct{})
	}
	c.state = StateReconnecting
	c.ch = nil
	lost := c.pending
	c.pending = map[int64]*call{}
	c.mu.Unlock()

	ch.Close()
	c.log.Warnw("channel lost", "Error", cause, "PendingCommands", len(lost))
	for _, cl := range lost {
		cl.resp <- response{err: &ConnectionError{URL: c.url, Cause: fmt.Errorf("channel lost while %s was in flight: %w", cl.method, cause)}}
	}
	c.reconnect(cause)
}

func (c *Conn) reconnect(cause error) {
	last := cause
	for {
		c.mu.Lock()
		if c.state == StateDisconnected {
			c.mu.Unlock()
			return
		}
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()

		if attempt > c.maxRetries {
			c.fail(&ConnectionError{URL: c.url, Attempts: attempt - 1, Cause: last})
			return
		}

		delay := ReconnectDelay(attempt, c.baseDelay, c.maxDelay, c.jitter, c.rnd)
		c.log.Infow("reconnecting", "Attempt", attempt, "MaxRetries", c.maxRetries, "Delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			timer.Stop()
			return
		}

		ch, err := c.dial(c.ctx, c.url)
		if err != nil {
			c.log.Debugw("reconnection attempt failed", "Attempt", attempt, "Error", err)
			last = err
			continue
		}
		c.resume(ch)
		return
	}
}

// resume installs a freshly dialed channel, replays enabled domains on it, and then releases held events.
// If the channel drops during replay, the read loop of the new channel takes over reconnection.
func (c *Conn) resume(ch Channel) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		ch.Close()
		return
	}
	c.gen++
	gen := c.gen
	c.ch = ch
	c.holding = true
	domains := c.enabledLocked()
	c.mu.Unlock()

	c.loops.Add(1)
	go c.readLoop(ch, gen)

	for _, domain := range domains {
		timer := time.NewTimer(c.commandTimeout)
		_, err := c.roundTrip(c.ctx, ch, gen, domain+".enable", emptyObject, timer.C, c.commandTimeout)
		timer.Stop()
		if err == nil {
			continue
		}
		var connErr *ConnectionError
		if errors.As(err, &connErr) || errors.Is(err, context.Canceled) {
			c.log.Debugw("channel lost during replay", "Domain", domain, "Error", err)
			return
		}
		c.log.Warnw("replaying domain failed, dropping it from the enabled set", "Domain", domain, "Error", err)
		c.mu.Lock()
		if c.gen == gen {
			delete(c.enabled, domain)
		}
		c.mu.Unlock()
	}

	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	c.mu.Lock()
	if c.gen != gen || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	held := c.held
	c.held = nil
	c.holding = false
	c.state = StateConnected
	c.attempt = 0
	close(c.ready)
	c.mu.Unlock()

	c.log.Infow("reconnected", "ReplayedDomains", domains, "HeldEvents", len(held))
	for _, ev := range held {
		c.mu.Lock()
		subs := c.subs[ev.Method]
		c.mu.Unlock()
		c.deliver(ev, subs)
	}
}

// fail makes the Conn terminally disconnected with err.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.err = err
	ch := c.ch
	c.ch = nil
	lost := c.pending
	c.pending = map[int64]*call{}
	c.held = nil
	c.holding = false
	c.mu.Unlock()

	c.log.Errorw("connection is gone", "Error", err)
	for _, cl := range lost {
		cl.resp <- response{err: err}
	}
	if ch != nil {
		ch.Close()
	}
	c.cancel()
	c.doneOnce.Do(func() { close(c.done) })
}

// Close disconnects the Conn. Commands in flight fail with a ConnectionError wrapping ErrClosed.
// Close must not be called from a synchronous event handler.
func (c *Conn) Close() error {
	c.fail(&ConnectionError{URL: c.url, Cause: ErrClosed, Hint: "the connection was closed by the client"})
	c.loops.Wait()
	return nil
}

// Drain waits for asynchronous handler invocations to return.
func (c *Conn) Drain(ctx context.Context) error {
	return c.tasks.wait(ctx)
}
