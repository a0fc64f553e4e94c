package escore

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/smnsjas/go-escore/clientmessages"
	"github.com/smnsjas/go-escore/config"
	"github.com/smnsjas/go-escore/dispatcher"
	"github.com/smnsjas/go-escore/metrics"
	"github.com/smnsjas/go-escore/operation"
	"github.com/smnsjas/go-escore/transport"
)

// Client sends requests over one connection.
// Run must be running for requests to complete.
type Client struct {
	dispatcher *dispatcher.Dispatcher
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	config  dispatcher.Config
}

// WithLogger sets the logger used by the client and its dispatcher.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithMetrics records operation metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *clientOptions) {
		o.metrics = m
	}
}

// WithDispatcherConfig sets the retry and timeout policy.
func WithDispatcherConfig(cfg dispatcher.Config) Option {
	return func(o *clientOptions) {
		o.config = cfg
	}
}

// NewClient creates a Client over an established connection.
func NewClient(conn dispatcher.Transport, opts ...Option) *Client {
	o := clientOptions{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		config: dispatcher.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Client{
		dispatcher: dispatcher.New(conn,
			dispatcher.WithConfig(o.config),
			dispatcher.WithLogger(o.logger),
			dispatcher.WithMetrics(o.metrics),
		),
		logger: o.logger,
	}
}

// Dial connects to cfg.Server.Address and creates a Client using the
// dispatcher and framing settings of cfg. Options are applied after cfg.
func Dial(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	conn, err := transport.Dial(ctx, cfg.Server.Address, transport.WithMaxFrameSize(cfg.Framing.MaxFrameSize))
	if err != nil {
		return nil, err
	}

	opts = append([]Option{WithDispatcherConfig(dispatcher.FromConfig(cfg.Dispatcher))}, opts...)
	return NewClient(conn, opts...), nil
}

// Run processes replies until ctx is done, the connection fails or Close is
// called.
func (c *Client) Run(ctx context.Context) error {
	return c.dispatcher.Run(ctx)
}

// Close closes the connection. Requests still in flight fail with
// dispatcher.ErrConnectionClosed.
func (c *Client) Close() error {
	return c.dispatcher.Close()
}

// AppendToStream writes events to stream. Events without an id get a new one.
// expectedVersion is an event number or one of clientmessages.ExpectedVersionAny
// and clientmessages.ExpectedVersionNoStream.
func (c *Client) AppendToStream(ctx context.Context, stream string, expectedVersion int32, events ...clientmessages.NewEvent) (*clientmessages.WriteResult, error) {
	evs := make([]clientmessages.NewEvent, len(events))
	for i, ev := range events {
		if ev.EventID == uuid.Nil {
			ev.EventID = uuid.New()
		}
		evs[i] = ev
	}

	res, err := execute(ctx, c.dispatcher, clientmessages.NewWriteRequest(stream, expectedVersion, evs))
	if err != nil {
		return nil, fmt.Errorf("append to %s: %w", stream, err)
	}
	c.logger.Debug("appended events", "stream", stream, "count", len(evs), "first_event_number", res.FirstEventNumber)
	return &res, nil
}

// DeleteStream deletes stream.
func (c *Client) DeleteStream(ctx context.Context, stream string, expectedVersion int32) (*clientmessages.DeleteResult, error) {
	res, err := execute(ctx, c.dispatcher, clientmessages.NewDeleteRequest(stream, expectedVersion))
	if err != nil {
		return nil, fmt.Errorf("delete %s: %w", stream, err)
	}
	return &res, nil
}

// execute enqueues a request and waits for its result. If ctx ends first the
// operation is canceled, so no later reply or re-send can settle it.
func execute[T any](ctx context.Context, d *dispatcher.Dispatcher, req operation.Request[T]) (T, error) {
	op := operation.New[T](req, uuid.New())
	if err := d.Enqueue(ctx, op); err != nil {
		var zero T
		return zero, err
	}

	stop := context.AfterFunc(ctx, func() {
		d.Cancel(op, ctx.Err())
	})
	defer stop()

	// Cancel settles the completion, so this wait always ends
	return op.Completion().Wait(context.Background())
}
