// Package fakeserver is an in-process event store that speaks enough of the
// TCP protocol to exercise the client: appends, deletes, heartbeats and a
// scripted sequence of result codes for trying retries and failures.
package fakeserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/smnsjas/go-escore/clientmessages"
	"github.com/smnsjas/go-escore/messages"
	"github.com/smnsjas/go-escore/operation"
	"github.com/smnsjas/go-escore/transport"
)

// Drop is a scripted code that makes the server swallow the request
// without replying, so the client times out.
const Drop operation.ErrorCode = -1

// Server answers client requests.
type Server struct {
	logger            *slog.Logger
	heartbeatInterval time.Duration

	mu       sync.Mutex
	script   []operation.ErrorCode
	streams  map[string]int32 // last event number per stream
	deleted  map[string]bool
	requests int
}

// Option configures a Server.
type Option func(*Server)

// WithScript sets the result codes for the next write or delete requests, in
// order. Once the script is used up every request succeeds.
func WithScript(codes ...operation.ErrorCode) Option {
	return func(s *Server) {
		s.script = append([]operation.ErrorCode(nil), codes...)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHeartbeatInterval makes the server send heartbeat requests.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Server) {
		s.heartbeatInterval = d
	}
}

// New creates a Server.
func New(opts ...Option) *Server {
	s := &Server{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		streams: make(map[string]int32),
		deleted: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Requests returns how many write and delete requests were received.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Serve accepts connections until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				_ = g.Wait()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.logger.Info("client connected", "remote", nc.RemoteAddr().String())

		conn := transport.NewConnFromReadWriter(nc)
		g.Go(func() error {
			if err := s.ServeConn(gctx, conn); err != nil {
				s.logger.Warn("connection ended", "error", err)
			}
			return nil
		})
	}
}

// ServeConn answers requests on one connection until it closes or ctx is done.
func (s *Server) ServeConn(ctx context.Context, conn *transport.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	if s.heartbeatInterval > 0 {
		go s.heartbeat(ctx, conn)
	}

	for {
		pkg, err := conn.ReceivePackage()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		reply := s.handle(pkg)
		if reply == nil {
			continue
		}
		if err := conn.SendPackage(ctx, reply); err != nil {
			return err
		}
	}
}

func (s *Server) heartbeat(ctx context.Context, conn *transport.Conn) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.SendPackage(ctx, &messages.Package{
				Command:       messages.CommandHeartbeatRequest,
				CorrelationID: uuid.New(),
			}); err != nil {
				return
			}
		}
	}
}

func (s *Server) handle(pkg *messages.Package) *messages.Package {
	s.logger.Debug("request", "command", pkg.Command, "correlation_id", pkg.CorrelationID)

	switch pkg.Command {
	case messages.CommandPing:
		return &messages.Package{Command: messages.CommandPong, CorrelationID: pkg.CorrelationID}
	case messages.CommandHeartbeatResponse:
		return nil
	case messages.CommandWriteEvents:
		return s.write(pkg)
	case messages.CommandDeleteStream:
		return s.delete(pkg)
	default:
		return badRequest(pkg.CorrelationID, fmt.Sprintf("unsupported command %s", pkg.Command))
	}
}

func (s *Server) write(pkg *messages.Package) *messages.Package {
	var req clientmessages.WriteEvents
	if err := req.Unmarshal(pkg.Data); err != nil {
		return badRequest(pkg.CorrelationID, err.Error())
	}

	s.mu.Lock()
	code := s.nextCode()
	if code == Drop {
		s.mu.Unlock()
		return nil
	}
	last, exists := s.streams[req.EventStreamID]
	if !exists {
		last = -1
	}
	resp := clientmessages.WriteEventsCompleted{
		CorrelationID: req.CorrelationID,
		EventStreamID: req.EventStreamID,
	}
	switch {
	case code != operation.ErrorCodeSuccess:
		resp.ErrorCode = int32(code)
	case s.deleted[req.EventStreamID]:
		resp.ErrorCode = int32(operation.ErrorCodeStreamDeleted)
	case !versionMatches(req.ExpectedVersion, last, exists):
		resp.ErrorCode = int32(operation.ErrorCodeWrongExpectedVersion)
		resp.Error = fmt.Sprintf("expected version %d, stream is at %d", req.ExpectedVersion, last)
	default:
		resp.FirstEventNumber = last + 1
		s.streams[req.EventStreamID] = last + int32(len(req.Events))
	}
	s.mu.Unlock()

	return completed(messages.CommandWriteEventsCompleted, pkg.CorrelationID, &resp)
}

func (s *Server) delete(pkg *messages.Package) *messages.Package {
	var req clientmessages.DeleteStream
	if err := req.Unmarshal(pkg.Data); err != nil {
		return badRequest(pkg.CorrelationID, err.Error())
	}

	s.mu.Lock()
	code := s.nextCode()
	if code == Drop {
		s.mu.Unlock()
		return nil
	}
	resp := clientmessages.DeleteStreamCompleted{
		CorrelationID: req.CorrelationID,
		EventStreamID: req.EventStreamID,
	}
	switch {
	case code != operation.ErrorCodeSuccess:
		resp.ErrorCode = int32(code)
	case s.deleted[req.EventStreamID]:
		resp.ErrorCode = int32(operation.ErrorCodeStreamDeleted)
	default:
		s.deleted[req.EventStreamID] = true
	}
	s.mu.Unlock()

	return completed(messages.CommandDeleteStreamCompleted, pkg.CorrelationID, &resp)
}

// nextCode must be called with s.mu held.
func (s *Server) nextCode() operation.ErrorCode {
	s.requests++
	if len(s.script) == 0 {
		return operation.ErrorCodeSuccess
	}
	code := s.script[0]
	s.script = s.script[1:]
	return code
}

func versionMatches(expected, last int32, exists bool) bool {
	switch expected {
	case clientmessages.ExpectedVersionAny:
		return true
	case clientmessages.ExpectedVersionNoStream:
		return !exists
	default:
		return exists && expected == last
	}
}

type marshaler interface {
	Marshal() ([]byte, error)
}

func completed(cmd messages.Command, id uuid.UUID, body marshaler) *messages.Package {
	data, err := body.Marshal()
	if err != nil {
		return badRequest(id, err.Error())
	}
	return &messages.Package{Command: cmd, CorrelationID: id, Data: data}
}

func badRequest(id uuid.UUID, msg string) *messages.Package {
	return &messages.Package{Command: messages.CommandBadRequest, CorrelationID: id, Data: []byte(msg)}
}
