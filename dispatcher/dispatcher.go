package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/smnsjas/go-escore/config"
	"github.com/smnsjas/go-escore/messages"
	"github.com/smnsjas/go-escore/metrics"
	"github.com/smnsjas/go-escore/operation"
)

var (
	// ErrConnectionClosed is the cause for operations abandoned at shutdown.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrRetriesExhausted is the cause for operations that used up their retries.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrOperationTimeout is the retry reason when no reply arrived in time.
	ErrOperationTimeout = errors.New("operation timed out")
	// ErrBadRequest is the cause when the server answered BadRequest.
	ErrBadRequest = errors.New("server rejected request")
	// ErrNotHandled is the retry reason when the server answered NotHandled.
	ErrNotHandled = errors.New("server did not handle request")
	// ErrDuplicateCorrelationID is returned when an id is already in flight.
	ErrDuplicateCorrelationID = errors.New("correlation id already in flight")
)

// Transport is the connection the dispatcher drives.
type Transport interface {
	SendPackage(ctx context.Context, pkg *messages.Package) error
	ReceivePackage() (*messages.Package, error)
	Close() error
}

// Config holds the dispatcher policy.
type Config struct {
	// MaxRetries bounds re-sends per operation. Zero or less disables retries.
	MaxRetries int
	// OperationTimeout is how long an attempt may wait for its reply.
	OperationTimeout time.Duration
	// TimeoutCheckInterval is how often attempts are checked for timeouts.
	TimeoutCheckInterval time.Duration
	// InitialBackoff is the first delay before a re-send.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between re-sends.
	MaxBackoff time.Duration
	// LateFrameTTL is how long a retired id is remembered.
	LateFrameTTL time.Duration
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return FromConfig(config.Default().Dispatcher)
}

// FromConfig converts the file configuration.
func FromConfig(c config.DispatcherConfig) Config {
	return Config{
		MaxRetries:           c.MaxRetries,
		OperationTimeout:     c.OperationTimeout,
		TimeoutCheckInterval: c.TimeoutCheckInterval,
		InitialBackoff:       c.InitialBackoff,
		MaxBackoff:           c.MaxBackoff,
		LateFrameTTL:         c.LateFrameTTL,
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConfig sets the dispatcher policy.
func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) {
		d.cfg = cfg
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics records operation metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// entry is one registered operation.
type entry struct {
	op      operation.Handle
	command string
	sentAt  time.Time // guarded by Dispatcher.mu
	retries int       // guarded by Dispatcher.mu
	backoff backoff.BackOff
}

// Dispatcher sends operations over a Transport and routes replies to them.
type Dispatcher struct {
	conn    Transport
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	active   map[uuid.UUID]*entry
	waiting  map[*entry]struct{} // retired, waiting for a backoff delay
	closed   bool
	closeErr error

	// retired correlation ids, for telling late frames from unknown ones
	retired *gocache.Cache

	retryWG   sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Dispatcher. Run must be called to process replies.
func New(conn Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		conn:    conn,
		cfg:     DefaultConfig(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		active:  make(map[uuid.UUID]*entry),
		waiting: make(map[*entry]struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.cfg.TimeoutCheckInterval <= 0 {
		d.cfg.TimeoutCheckInterval = config.DefaultTimeoutCheckInterval
	}
	if d.cfg.LateFrameTTL <= 0 {
		d.cfg.LateFrameTTL = config.DefaultLateFrameTTL
	}
	d.retired = gocache.New(d.cfg.LateFrameTTL, d.cfg.LateFrameTTL)
	return d
}

// Done is closed once the dispatcher has shut down.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// InFlight returns the number of operations not yet ended, including those
// waiting to be re-sent.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active) + len(d.waiting)
}

// Enqueue registers op under its current correlation id and sends it.
// If an error is returned the operation has been abandoned with it.
func (d *Dispatcher) Enqueue(ctx context.Context, op operation.Handle) error {
	e := &entry{
		op:      op,
		command: op.RequestCommand().String(),
		backoff: d.newBackOff(),
	}
	id := op.CorrelationID()
	d.metrics.Started(e.command)

	d.mu.Lock()
	if d.closed {
		cause := d.closeErr
		d.mu.Unlock()
		d.abandon(e, cause)
		return cause
	}
	if _, dup := d.active[id]; dup {
		d.mu.Unlock()
		err := fmt.Errorf("%w: %s", ErrDuplicateCorrelationID, id)
		d.abandon(e, err)
		return err
	}
	e.sentAt = time.Now()
	d.active[id] = e
	d.mu.Unlock()

	d.logger.Debug("enqueue operation", "correlation_id", id, "command", e.command)
	return d.send(ctx, e, id)
}

// Run processes replies and timeouts until ctx is done, the transport fails
// or Close is called. On return every in-flight operation has been abandoned
// with ErrConnectionClosed.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.receiveLoop(gctx)
	})
	g.Go(func() error {
		return d.sweepLoop(gctx)
	})
	g.Go(func() error {
		// ReceivePackage only returns once the connection is closed
		select {
		case <-gctx.Done():
		case <-d.done:
		}
		_ = d.conn.Close()
		return nil
	})

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	cause := ErrConnectionClosed
	if err != nil {
		cause = fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	d.shutdown(cause)
	return err
}

// Close closes the transport and abandons every in-flight operation with
// ErrConnectionClosed. Safe to call more than once.
func (d *Dispatcher) Close() error {
	d.shutdown(ErrConnectionClosed)
	return nil
}

// Cancel gives up on op: its in-flight or pending re-send is dropped, the id
// is retired and the operation is abandoned with cause. A frame already
// written may still be applied by the server. Cancel does nothing if op has
// already ended.
func (d *Dispatcher) Cancel(op operation.Handle, cause error) {
	var found *entry

	d.mu.Lock()
	for id, e := range d.active {
		if e.op == op {
			found = e
			delete(d.active, id)
			d.retired.SetDefault(id.String(), struct{}{})
			break
		}
	}
	if found == nil {
		for e := range d.waiting {
			if e.op == op {
				found = e
				delete(d.waiting, e)
				break
			}
		}
	}
	d.mu.Unlock()

	if found == nil {
		found = &entry{op: op, command: op.RequestCommand().String()}
	}
	d.logger.Debug("operation canceled", "correlation_id", op.CorrelationID(), "command", found.command)
	d.abandon(found, cause)
}

func (d *Dispatcher) receiveLoop(ctx context.Context) error {
	for {
		pkg, err := d.conn.ReceivePackage()
		if err != nil {
			select {
			case <-d.done:
				return nil
			default:
			}
			if ctx.Err() != nil {
				return nil
			}
			// The frame was consumed whole, so the stream is still in sync
			if errors.Is(err, messages.ErrInvalidPackage) || errors.Is(err, messages.ErrPackageTooShort) {
				d.logger.Warn("dropping undecodable package", "error", err)
				continue
			}
			return fmt.Errorf("receive: %w", err)
		}

		if err := d.handle(ctx, pkg); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, pkg *messages.Package) error {
	id := pkg.CorrelationID

	switch pkg.Command {
	case messages.CommandHeartbeatRequest:
		d.logger.Debug("heartbeat request", "correlation_id", id)
		if err := d.conn.SendPackage(ctx, messages.NewHeartbeatResponse(id)); err != nil {
			return fmt.Errorf("send heartbeat response: %w", err)
		}
		return nil
	case messages.CommandHeartbeatResponse, messages.CommandPong:
		d.logger.Debug("connection reply", "correlation_id", id, "command", pkg.Command)
		return nil
	}

	d.mu.Lock()
	e, ok := d.active[id]
	d.mu.Unlock()

	if !ok {
		if _, late := d.retired.Get(id.String()); late {
			d.metrics.LateFrame()
			d.logger.Debug("ignoring late reply", "correlation_id", id, "command", pkg.Command)
		} else {
			d.logger.Warn("reply for unknown correlation id", "correlation_id", id, "command", pkg.Command)
		}
		return nil
	}

	switch pkg.Command {
	case messages.CommandBadRequest:
		if d.remove(id, e) {
			d.reject(e, fmt.Errorf("%w: %s", ErrBadRequest, string(pkg.Data)))
		}
		return nil
	case messages.CommandNotHandled:
		d.retry(id, e, metrics.ReasonNotHandled, ErrNotHandled)
		return nil
	}

	out := e.op.Process(pkg)
	switch out.Status {
	case operation.StatusRetry:
		d.retry(id, e, metrics.ReasonServer, out.Err)
	case operation.StatusSuccess, operation.StatusFailed:
		d.remove(id, e)
		d.finish(e, out)
	case operation.StatusIgnored:
		d.remove(id, e)
	}
	return nil
}

func (d *Dispatcher) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.TimeoutCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.done:
			return nil
		case now := <-ticker.C:
			d.checkTimeouts(now)
		}
	}
}

func (d *Dispatcher) checkTimeouts(now time.Time) {
	if d.cfg.OperationTimeout <= 0 {
		return
	}

	type expired struct {
		id uuid.UUID
		e  *entry
	}
	var list []expired

	d.mu.Lock()
	for id, e := range d.active {
		if now.Sub(e.sentAt) > d.cfg.OperationTimeout {
			list = append(list, expired{id: id, e: e})
		}
	}
	d.mu.Unlock()

	for _, x := range list {
		d.logger.Debug("operation timed out", "correlation_id", x.id, "command", x.e.command)
		d.retry(x.id, x.e, metrics.ReasonTimeout, ErrOperationTimeout)
	}
}

// retry retires id and schedules a re-send, or abandons the operation once
// its retries are used up. It does nothing if id no longer maps to e.
func (d *Dispatcher) retry(id uuid.UUID, e *entry, reason string, cause error) {
	d.mu.Lock()
	if d.active[id] != e {
		d.mu.Unlock()
		return
	}
	delete(d.active, id)
	d.retired.SetDefault(id.String(), struct{}{})

	e.retries++
	if e.retries > max(d.cfg.MaxRetries, 0) {
		attempts := e.op.Attempts()
		d.mu.Unlock()
		// the last cause is kept as text only; retryable errors stay inside the loop
		d.abandon(e, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempts, cause))
		return
	}

	delay := e.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = d.cfg.MaxBackoff
	}
	d.waiting[e] = struct{}{}
	d.retryWG.Add(1)
	attempt := e.retries
	d.mu.Unlock()

	d.metrics.Retried(e.command, reason)
	d.logger.Debug("retrying operation",
		"correlation_id", id,
		"command", e.command,
		"attempt", attempt,
		"delay", delay,
		"reason", cause)

	go d.resend(e, delay)
}

func (d *Dispatcher) resend(e *entry, delay time.Duration) {
	defer d.retryWG.Done()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-d.done:
		return
	}

	d.mu.Lock()
	if _, ok := d.waiting[e]; !ok {
		d.mu.Unlock()
		return
	}
	delete(d.waiting, e)
	// A reply for the retired id may have ended it meanwhile
	if e.op.State() != operation.StatePending {
		d.mu.Unlock()
		return
	}
	id := uuid.New()
	e.op.SetRetryAttempt(id)
	e.sentAt = time.Now()
	d.active[id] = e
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout())
	defer cancel()

	if err := d.send(ctx, e, id); err != nil {
		d.logger.Warn("re-send failed", "correlation_id", id, "command", e.command, "error", err)
	}
}

// send builds the frame for the attempt registered under id and writes it.
// On failure the operation is abandoned.
func (d *Dispatcher) send(ctx context.Context, e *entry, id uuid.UUID) error {
	frame, err := e.op.BuildFrame()
	if err == nil {
		err = d.conn.SendPackage(ctx, frame)
	}
	if err != nil {
		if d.remove(id, e) {
			d.abandon(e, err)
		}
		return err
	}
	return nil
}

// remove retires id if it still maps to e.
func (d *Dispatcher) remove(id uuid.UUID, e *entry) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active[id] != e {
		return false
	}
	delete(d.active, id)
	d.retired.SetDefault(id.String(), struct{}{})
	return true
}

func (d *Dispatcher) finish(e *entry, out operation.Outcome) {
	out.Terminal.Deliver()

	outcome := metrics.OutcomeSuccess
	if out.Status == operation.StatusFailed {
		outcome = metrics.OutcomeFailed
		d.logger.Debug("operation failed", "command", e.command, "attempt", e.op.Attempts(), "error", out.Err)
	}
	d.metrics.Finished(e.command, outcome, time.Since(e.op.Created()))
}

func (d *Dispatcher) reject(e *entry, err error) {
	term, ok := e.op.Fail(err)
	if !ok {
		return
	}
	term.Deliver()

	d.logger.Debug("operation rejected", "command", e.command, "attempt", e.op.Attempts(), "error", err)
	d.metrics.Finished(e.command, metrics.OutcomeFailed, time.Since(e.op.Created()))
}

func (d *Dispatcher) abandon(e *entry, cause error) {
	term, ok := e.op.Abandon(cause)
	if !ok {
		return
	}
	term.Deliver()

	d.logger.Debug("operation abandoned", "command", e.command, "attempt", e.op.Attempts(), "error", cause)
	d.metrics.Finished(e.command, metrics.OutcomeAborted, time.Since(e.op.Created()))
}

func (d *Dispatcher) shutdown(cause error) {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.closeErr = cause

		entries := make([]*entry, 0, len(d.active)+len(d.waiting))
		for id, e := range d.active {
			entries = append(entries, e)
			d.retired.SetDefault(id.String(), struct{}{})
		}
		for e := range d.waiting {
			entries = append(entries, e)
		}
		d.active = make(map[uuid.UUID]*entry)
		d.waiting = make(map[*entry]struct{})
		d.mu.Unlock()

		close(d.done)
		_ = d.conn.Close()

		for _, e := range entries {
			d.abandon(e, cause)
		}
		d.logger.Info("dispatcher closed", "abandoned", len(entries), "reason", cause)
	})
	d.retryWG.Wait()
}

func (d *Dispatcher) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialBackoff
	b.MaxInterval = d.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (d *Dispatcher) sendTimeout() time.Duration {
	if d.cfg.OperationTimeout > 0 {
		return d.cfg.OperationTimeout
	}
	return config.DefaultOperationTimeout
}
