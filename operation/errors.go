package operation

import (
	"errors"
	"fmt"

	"github.com/smnsjas/go-escore/messages"
)

var (
	// ErrProtocolMismatch is returned when a reply carries an unexpected command.
	ErrProtocolMismatch = errors.New("command not expected")
	// ErrDeserialization is returned when a reply body cannot be decoded.
	ErrDeserialization = errors.New("deserialize response")
	// ErrServerFatal matches server-reported errors that end the operation.
	ErrServerFatal = errors.New("server reported fatal error")
	// ErrServerRetryable matches server-reported errors that trigger a retry.
	ErrServerRetryable = errors.New("server reported retryable error")
	// ErrNoResult is returned when an operation ends without a recorded reply.
	ErrNoResult = errors.New("no result available")
	// ErrUnrecognizedCode matches result codes outside the known set.
	ErrUnrecognizedCode = errors.New("unrecognized error code")
	// ErrInternal is returned when processing a reply panicked.
	ErrInternal = errors.New("internal error processing response")
)

// CommandMismatchError reports a reply whose command does not complete the
// request that owns its correlation id.
type CommandMismatchError struct {
	Expected messages.Command
	Actual   messages.Command
}

func (e *CommandMismatchError) Error() string {
	return fmt.Sprintf("command not expected: expected %s, got %s", e.Expected, e.Actual)
}

// Is reports whether target is ErrProtocolMismatch.
func (e *CommandMismatchError) Is(target error) bool {
	return target == ErrProtocolMismatch
}

// ServerError is a known result code reported by the server.
type ServerError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches ErrServerRetryable or ErrServerFatal.
func (e *ServerError) Is(target error) bool {
	if e.Retryable {
		return target == ErrServerRetryable
	}
	return target == ErrServerFatal
}

// UnrecognizedCodeError is a result code outside the known set.
type UnrecognizedCodeError struct {
	Code ErrorCode
}

func (e *UnrecognizedCodeError) Error() string {
	return fmt.Sprintf("unrecognized error code %d", int32(e.Code))
}

// Is reports whether target is ErrUnrecognizedCode.
func (e *UnrecognizedCodeError) Is(target error) bool {
	return target == ErrUnrecognizedCode
}
