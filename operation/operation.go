package operation

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/smnsjas/go-escore/messages"
)

// State represents the lifecycle state of an Operation.
type State int32

const (
	// StatePending is the initial state; retries stay here.
	StatePending State = iota
	// StateCompleted indicates a successful reply was recorded.
	StateCompleted
	// StateFailed indicates the operation ended with an error.
	StateFailed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(s))
	}
}

// Status is the result of processing one reply.
type Status int

const (
	// StatusSuccess means the operation completed; deliver Outcome.Terminal.
	StatusSuccess Status = iota
	// StatusRetry means the request must be re-sent under a new correlation id.
	StatusRetry
	// StatusFailed means the operation failed; deliver Outcome.Terminal.
	StatusFailed
	// StatusIgnored means the operation had already ended and the reply was dropped.
	StatusIgnored
)

// String returns a string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusRetry:
		return "Retry"
	case StatusFailed:
		return "Failed"
	case StatusIgnored:
		return "Ignored"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Outcome is returned by Process.
type Outcome struct {
	Status Status
	// Err is the retry reason for StatusRetry and the failure for StatusFailed.
	Err error
	// Terminal is set only for the call that ended the operation.
	Terminal *Terminal
}

// Request describes one kind of request: how to serialize it under a
// correlation id and how to read the reply that completes it.
// Implementations must be immutable; they are shared by every attempt.
type Request[T any] interface {
	// RequestCommand is the command of the outbound package.
	RequestCommand() messages.Command
	// CompletedCommand is the only command accepted as a reply.
	CompletedCommand() messages.Command
	// MarshalRequest serializes the request body.
	MarshalRequest(correlationID uuid.UUID) ([]byte, error)
	// UnmarshalResponse decodes a reply body.
	UnmarshalResponse(data []byte) (Response[T], error)
}

// Response is a decoded reply.
type Response[T any] struct {
	Code ErrorCode
	// Message is the server's error text, if any.
	Message string
	// Value is the result delivered to the caller on success.
	Value T
}

// Handle is the view of an Operation the dispatcher works with, independent
// of the result type.
type Handle interface {
	CorrelationID() uuid.UUID
	SetRetryAttempt(correlationID uuid.UUID)
	Attempts() int
	RequestCommand() messages.Command
	BuildFrame() (*messages.Package, error)
	Process(pkg *messages.Package) Outcome
	Abandon(cause error) (*Terminal, bool)
	Fail(err error) (*Terminal, bool)
	State() State
	Created() time.Time
	Done() <-chan struct{}
}

// Operation is one logical request, possibly sent several times under
// different correlation ids.
type Operation[T any] struct {
	mu            sync.RWMutex
	correlationID uuid.UUID
	attempts      int

	request    Request[T]
	completion *Completion[T]
	state      atomic.Int32
	response   atomic.Pointer[Response[T]]
	created    time.Time
}

var _ Handle = (*Operation[struct{}])(nil)

// New creates a Pending operation for request, first sent under correlationID.
func New[T any](request Request[T], correlationID uuid.UUID) *Operation[T] {
	return &Operation[T]{
		correlationID: correlationID,
		attempts:      1,
		request:       request,
		completion:    newCompletion[T](),
		created:       time.Now(),
	}
}

// Completion returns the caller-facing result handle.
func (o *Operation[T]) Completion() *Completion[T] {
	return o.completion
}

// Done is closed once the completion has been resolved or rejected.
func (o *Operation[T]) Done() <-chan struct{} {
	return o.completion.Done()
}

// CorrelationID returns the id of the current attempt.
func (o *Operation[T]) CorrelationID() uuid.UUID {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.correlationID
}

// SetRetryAttempt replaces the correlation id ahead of a re-send.
func (o *Operation[T]) SetRetryAttempt(correlationID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.correlationID = correlationID
	o.attempts++
}

// Attempts returns how many correlation ids the operation has used.
func (o *Operation[T]) Attempts() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.attempts
}

// RequestCommand returns the command of the outbound package.
func (o *Operation[T]) RequestCommand() messages.Command {
	return o.request.RequestCommand()
}

// Created returns when the operation was created.
func (o *Operation[T]) Created() time.Time {
	return o.created
}

// State returns the current state.
func (o *Operation[T]) State() State {
	return State(o.state.Load())
}

// LastResponse returns the recorded successful reply, or nil.
func (o *Operation[T]) LastResponse() *Response[T] {
	return o.response.Load()
}

// BuildFrame serializes the request under the current correlation id.
// The read lock is held for the whole serialization so the header and the
// body always carry the same id.
func (o *Operation[T]) BuildFrame() (*messages.Package, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	data, err := o.request.MarshalRequest(o.correlationID)
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", o.request.RequestCommand(), err)
	}

	return &messages.Package{
		Command:       o.request.RequestCommand(),
		Flags:         messages.FlagsNone,
		CorrelationID: o.correlationID,
		Data:          data,
	}, nil
}

// Process handles a reply routed to this operation.
//
// It never panics: a panic while decoding is converted to a failure so the
// receive loop survives. Replies arriving after the operation ended are
// ignored.
func (o *Operation[T]) Process(pkg *messages.Package) (out Outcome) {
	if o.State() != StatePending {
		return Outcome{Status: StatusIgnored}
	}

	defer func() {
		if r := recover(); r != nil {
			out = o.fail(fmt.Errorf("%w: %v", ErrInternal, r))
		}
	}()

	if pkg == nil {
		return o.fail(fmt.Errorf("%w: nil package", ErrDeserialization))
	}

	expected := o.request.CompletedCommand()
	if pkg.Command != expected {
		return o.fail(&CommandMismatchError{Expected: expected, Actual: pkg.Command})
	}

	resp, err := o.request.UnmarshalResponse(pkg.Data)
	if err != nil {
		return o.fail(fmt.Errorf("%w: %w", ErrDeserialization, err))
	}

	c := Classify(resp.Code)
	if se, ok := c.Err.(*ServerError); ok {
		se.Message = resp.Message
	}

	switch c.Disposition {
	case DispositionSuccess:
		return o.complete(resp)
	case DispositionRetry:
		return Outcome{Status: StatusRetry, Err: c.Err}
	default:
		return o.fail(c.Err)
	}
}

// Abandon ends a Pending operation without a reply, for when the dispatcher
// gives up (timeout, retries exhausted, connection lost). The completion is
// rejected with ErrNoResult wrapping cause. It returns false if the operation
// had already ended.
func (o *Operation[T]) Abandon(cause error) (*Terminal, bool) {
	err := ErrNoResult
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrNoResult, cause)
	}
	out := o.fail(err)
	return out.Terminal, out.Terminal != nil
}

// Fail ends a Pending operation with err as reported, for rejections the
// server sends outside a completion reply. It returns false if the operation
// had already ended.
func (o *Operation[T]) Fail(err error) (*Terminal, bool) {
	out := o.fail(err)
	return out.Terminal, out.Terminal != nil
}

func (o *Operation[T]) complete(resp Response[T]) Outcome {
	if !o.state.CompareAndSwap(int32(StatePending), int32(StateCompleted)) {
		return Outcome{Status: StatusIgnored}
	}
	o.response.Store(&resp)

	return Outcome{
		Status:   StatusSuccess,
		Terminal: o.terminal(StateCompleted, nil),
	}
}

func (o *Operation[T]) fail(err error) Outcome {
	if !o.state.CompareAndSwap(int32(StatePending), int32(StateFailed)) {
		return Outcome{Status: StatusIgnored}
	}

	return Outcome{
		Status:   StatusFailed,
		Err:      err,
		Terminal: o.terminal(StateFailed, err),
	}
}

// terminal binds the delivery for a state the caller has just won.
func (o *Operation[T]) terminal(state State, err error) *Terminal {
	return &Terminal{
		state: state,
		err:   err,
		deliver: func() {
			if err != nil {
				o.completion.reject(err)
				return
			}
			resp := o.response.Load()
			if resp == nil {
				o.completion.reject(ErrNoResult)
				return
			}
			o.completion.resolve(resp.Value)
		},
	}
}
