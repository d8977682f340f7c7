package collector

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/guseggert/devtrace/artifact"
	"github.com/guseggert/devtrace/cdp"
	"go.uber.org/zap"
)

type State int

const (
	StateCreated State = iota
	StateActive
	StateFinalized
)

// Transform turns one event into a record. A nil record means the event was filtered out.
type Transform func(ctx context.Context, ev cdp.Event) (any, error)

type handlerSpec struct {
	method    string
	transform Transform
	opts      []cdp.SubscribeOption
}

// Base implements the bookkeeping shared by all collectors: enabling domains, subscribing,
// writing records, counting faults, idle detection, and finalization.
// Collectors embed a *Base and register their transforms with Handle before Start.
type Base struct {
	log            *zap.SugaredLogger
	name           string
	conn           *cdp.Conn
	domains        []string
	idleTimeout    time.Duration
	commandTimeout time.Duration
	path           string
	compress       bool
	now            func() time.Time

	handlers []handlerSpec
	// startErr makes Start fail after opening the record stream.
	startErr error

	mu           sync.Mutex
	state        State
	w            *artifact.Writer
	counts       artifact.Counts
	lastActivity time.Time
	subs         []*cdp.Subscription
	degraded     error
	stopping     bool
	final        *artifact.Record

	stopped chan struct{}
}

// NewBase returns a Base that enables domains on start and records to <OutputDir>/<name>.jsonl.
func NewBase(name string, env Env, domains ...string) *Base {
	commandTimeout := env.CommandTimeout
	if commandTimeout <= 0 {
		commandTimeout = cdp.DefaultCommandTimeout
	}
	return &Base{
		log:            env.logger().Named(name + "_collector"),
		name:           name,
		conn:           env.Conn,
		domains:        domains,
		idleTimeout:    env.IdleTimeout,
		commandTimeout: commandTimeout,
		path:           filepath.Join(env.OutputDir, name+".jsonl"),
		compress:       env.Compress,
		now:            time.Now,
		stopped:        make(chan struct{}),
	}
}

func (b *Base) Name() string { return b.name }

func (b *Base) Conn() *cdp.Conn { return b.conn }

func (b *Base) Log() *zap.SugaredLogger { return b.log }

func (b *Base) CommandTimeout() time.Duration { return b.commandTimeout }

// Stopped is closed when Stop begins.
func (b *Base) Stopped() <-chan struct{} { return b.stopped }

// Handle registers a transform for an event method. It must be called before Start.
func (b *Base) Handle(method string, t Transform, opts ...cdp.SubscribeOption) {
	b.handlers = append(b.handlers, handlerSpec{method: method, transform: t, opts: opts})
}

func (b *Base) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateCreated {
		b.mu.Unlock()
		return fmt.Errorf("%s collector already started", b.name)
	}
	var opts []artifact.WriterOption
	if b.compress {
		opts = append(opts, artifact.WithCompression())
	}
	w, err := artifact.Create(b.path, opts...)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("opening %s record stream: %w", b.name, err)
	}
	b.w = w
	b.state = StateActive
	b.lastActivity = b.now()
	b.mu.Unlock()

	if b.startErr != nil {
		b.degrade(b.startErr)
		return b.startErr
	}

	// subscribe before enabling so events triggered by enabling are not missed
	for _, h := range b.handlers {
		sub := b.conn.Subscribe(h.method, b.wrap(h), h.opts...)
		b.mu.Lock()
		b.subs = append(b.subs, sub)
		b.mu.Unlock()
	}

	for _, d := range b.domains {
		if _, err := b.conn.Execute(ctx, d+".enable", nil, b.commandTimeout); err != nil {
			err = fmt.Errorf("enabling %s: %w", d, err)
			b.degrade(err)
			return err
		}
	}

	go b.watch()
	b.log.Debugw("started", "Domains", b.domains, "Path", b.w.Path())
	return nil
}

// watch degrades the collector if the connection is lost for good.
func (b *Base) watch() {
	select {
	case <-b.conn.Done():
		b.degrade(b.conn.Err())
	case <-b.stopped:
	}
}

func (b *Base) degrade(err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.degraded != nil || b.state == StateFinalized {
		return
	}
	b.degraded = err
	b.log.Warnw("collector degraded", "Error", err)
}

// Degraded returns the first error that made the collector's output incomplete.
func (b *Base) Degraded() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.degraded
}

func (b *Base) wrap(h handlerSpec) cdp.Handler {
	return func(ctx context.Context, ev cdp.Event) error {
		if !b.active() {
			return nil
		}
		defer func() {
			if r := recover(); r != nil {
				b.Fault(&Fault{Collector: b.name, Method: ev.Method, Panic: r})
			}
		}()
		rec, err := h.transform(ctx, ev)
		if err != nil {
			b.Fault(&Fault{Collector: b.name, Method: ev.Method, Err: err})
			return nil
		}
		if rec == nil {
			b.Skip()
			return nil
		}
		b.Emit(rec)
		return nil
	}
}

func (b *Base) active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateActive
}

// Emit appends a record and marks the collector as active.
func (b *Base) Emit(rec any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateActive {
		return
	}
	if err := b.w.Append(rec); err != nil {
		b.counts.Errors++
		if b.degraded == nil {
			b.degraded = fmt.Errorf("writing record: %w", err)
			b.log.Errorw("writing record", "Error", err)
		}
		return
	}
	b.counts.Records++
	b.lastActivity = b.now()
}

// Skip counts a filtered event.
func (b *Base) Skip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts.Skipped++
}

// Fault counts and logs a failure to handle one event.
func (b *Base) Fault(f *Fault) {
	b.mu.Lock()
	b.counts.Errors++
	b.mu.Unlock()
	b.log.Warnw("collector fault", "Method", f.Method, "Error", f.Error())
}

func (b *Base) Counts() artifact.Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

func (b *Base) Idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.idleTimeout <= 0 || b.state != StateActive {
		return false
	}
	return b.now().Sub(b.lastActivity) >= b.idleTimeout
}

func (b *Base) Snapshot() artifact.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.final != nil {
		return *b.final
	}
	rec := artifact.Record{Collector: b.name, Status: artifact.StatusPending, Counts: b.counts}
	if b.w != nil {
		rec.Status = artifact.StatusPartial
		rec.OutputPath = b.w.Path()
	}
	if b.degraded != nil {
		rec.Error = b.degraded.Error()
		rec.RecoveryHint = cdp.Hint(b.degraded)
	}
	return rec
}

// Stop unsubscribes, waits for in-flight handlers, disables domains and closes the record stream.
// Calling it again returns the same record.
func (b *Base) Stop(ctx context.Context) artifact.Record {
	b.mu.Lock()
	if b.final != nil {
		rec := *b.final
		b.mu.Unlock()
		return rec
	}
	if b.state == StateCreated {
		b.state = StateFinalized
		b.final = &artifact.Record{Collector: b.name, Status: artifact.StatusPending}
		close(b.stopped)
		b.mu.Unlock()
		return *b.final
	}
	if b.stopping {
		b.mu.Unlock()
		return b.Snapshot()
	}
	b.stopping = true
	subs := b.subs
	b.subs = nil
	close(b.stopped)
	b.mu.Unlock()

	for _, s := range subs {
		b.conn.Unsubscribe(s)
	}
	for _, s := range subs {
		if err := s.Drain(ctx); err != nil {
			b.degrade(fmt.Errorf("waiting for %s handlers: %w", s.Method(), err))
			break
		}
	}

	if b.conn.State() == cdp.StateConnected {
		timeout := b.commandTimeout
		if timeout > 2*time.Second {
			timeout = 2 * time.Second
		}
		for _, d := range b.domains {
			if _, err := b.conn.Execute(ctx, d+".disable", nil, timeout); err != nil {
				b.log.Debugw("disabling domain", "Domain", d, "Error", err)
			}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateFinalized
	rec := artifact.Record{
		Collector:  b.name,
		Status:     artifact.StatusComplete,
		OutputPath: b.w.Path(),
		Counts:     b.counts,
		Checksum:   b.w.Checksum(),
	}
	if err := b.w.Close(); err != nil && b.degraded == nil {
		b.degraded = fmt.Errorf("closing record stream: %w", err)
	}
	if b.degraded != nil {
		rec.Status = artifact.StatusPartial
		rec.Error = b.degraded.Error()
		rec.RecoveryHint = cdp.Hint(b.degraded)
		if rec.RecoveryHint == "" && errors.Is(b.degraded, context.DeadlineExceeded) {
			rec.RecoveryHint = "increase the grace period so collectors can finish writing"
		}
	}
	b.final = &rec
	b.log.Infow("stopped", "Status", rec.Status, "Records", rec.Counts.Records, "Skipped", rec.Counts.Skipped, "Errors", rec.Counts.Errors)
	return rec
}
