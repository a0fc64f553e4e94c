package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/smnsjas/go-escore/framing"
	"github.com/smnsjas/go-escore/messages"
)

// ErrClosed is returned by operations on a closed Conn.
var ErrClosed = errors.New("transport closed")

// Conn sends and receives length-prefixed TCP packages.
type Conn struct {
	reader *framing.Reader
	writer io.Writer
	closer io.Closer

	mu     sync.Mutex // Protects writer
	closed chan struct{}
	once   sync.Once
}

// Option configures a Conn.
type Option func(*options)

type options struct {
	maxFrameSize int
}

// WithMaxFrameSize bounds the size of a received package.
func WithMaxFrameSize(n int) Option {
	return func(o *options) {
		o.maxFrameSize = n
	}
}

// NewConn creates a Conn reading from reader and writing to writer.
// If writer implements io.Closer it is closed by Close.
func NewConn(reader io.Reader, writer io.Writer, opts ...Option) *Conn {
	o := options{maxFrameSize: framing.DefaultMaxFrameSize}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Conn{
		reader: framing.NewReader(reader, o.maxFrameSize),
		writer: writer,
		closed: make(chan struct{}),
	}
	if closer, ok := writer.(io.Closer); ok {
		c.closer = closer
	}
	return c
}

// NewConnFromReadWriter creates a Conn over a single io.ReadWriter.
func NewConnFromReadWriter(rw io.ReadWriter, opts ...Option) *Conn {
	return NewConn(rw, rw, opts...)
}

// Dial connects to a server over TCP.
func Dial(ctx context.Context, address string, opts ...Option) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return NewConnFromReadWriter(nc, opts...), nil
}

// SendPackage encodes and writes one package.
// When ctx has a deadline and the writer is a net.Conn, the deadline bounds
// the write.
func (c *Conn) SendPackage(ctx context.Context, pkg *messages.Package) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := pkg.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", pkg.Command, err)
	}
	frame := framing.Encode(data)

	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	if nc, ok := c.writer.(net.Conn); ok {
		deadline, _ := ctx.Deadline()
		_ = nc.SetWriteDeadline(deadline)
		defer func() { _ = nc.SetWriteDeadline(time.Time{}) }()
	}

	if _, err := c.writer.Write(frame); err != nil {
		return fmt.Errorf("write %s: %w", pkg.Command, err)
	}
	return nil
}

// ReceivePackage blocks until the next package arrives.
// io.EOF is returned when the peer closed the stream between packages.
func (c *Conn) ReceivePackage() (*messages.Package, error) {
	frame, err := c.reader.ReadFrame()
	if err != nil {
		select {
		case <-c.closed:
			return nil, ErrClosed
		default:
		}
		return nil, err
	}

	pkg, err := messages.Decode(frame)
	if err != nil {
		return nil, fmt.Errorf("decode package: %w", err)
	}
	return pkg, nil
}

// Done is closed when Close is called.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Close closes the underlying writer, if it can be closed. Safe to call
// more than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		if c.closer != nil {
			err = c.closer.Close()
		}
	})
	return err
}
