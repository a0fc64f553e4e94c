package clientmessages

import (
	"github.com/google/uuid"

	"github.com/smnsjas/go-escore/messages"
	"github.com/smnsjas/go-escore/operation"
)

// WriteResult is delivered when an append succeeds.
type WriteResult struct {
	Stream           string
	FirstEventNumber int32
	Code             operation.ErrorCode
}

// WriteRequest appends events to a stream.
type WriteRequest struct {
	stream          string
	expectedVersion int32
	events          []NewEvent
}

var _ operation.Request[WriteResult] = (*WriteRequest)(nil)

// NewWriteRequest creates a WriteRequest. The events slice is copied; the
// byte slices inside each event are not and must not be modified afterwards.
func NewWriteRequest(stream string, expectedVersion int32, events []NewEvent) *WriteRequest {
	evs := make([]NewEvent, len(events))
	copy(evs, events)
	return &WriteRequest{
		stream:          stream,
		expectedVersion: expectedVersion,
		events:          evs,
	}
}

// Stream returns the target stream.
func (r *WriteRequest) Stream() string { return r.stream }

// RequestCommand implements operation.Request.
func (r *WriteRequest) RequestCommand() messages.Command {
	return messages.CommandWriteEvents
}

// CompletedCommand implements operation.Request.
func (r *WriteRequest) CompletedCommand() messages.Command {
	return messages.CommandWriteEventsCompleted
}

// MarshalRequest implements operation.Request.
func (r *WriteRequest) MarshalRequest(correlationID uuid.UUID) ([]byte, error) {
	w := WriteEvents{
		CorrelationID:   correlationID,
		EventStreamID:   r.stream,
		ExpectedVersion: r.expectedVersion,
		Events:          r.events,
	}
	return w.Marshal()
}

// UnmarshalResponse implements operation.Request.
func (r *WriteRequest) UnmarshalResponse(data []byte) (operation.Response[WriteResult], error) {
	var dto WriteEventsCompleted
	if err := dto.Unmarshal(data); err != nil {
		return operation.Response[WriteResult]{}, err
	}
	code := operation.ErrorCode(dto.ErrorCode)
	return operation.Response[WriteResult]{
		Code:    code,
		Message: dto.Error,
		Value: WriteResult{
			Stream:           dto.EventStreamID,
			FirstEventNumber: dto.FirstEventNumber,
			Code:             code,
		},
	}, nil
}

// DeleteResult is delivered when a stream delete succeeds.
type DeleteResult struct {
	Stream string
}

// DeleteRequest deletes a stream.
type DeleteRequest struct {
	stream          string
	expectedVersion int32
}

var _ operation.Request[DeleteResult] = (*DeleteRequest)(nil)

// NewDeleteRequest creates a DeleteRequest.
func NewDeleteRequest(stream string, expectedVersion int32) *DeleteRequest {
	return &DeleteRequest{stream: stream, expectedVersion: expectedVersion}
}

// RequestCommand implements operation.Request.
func (r *DeleteRequest) RequestCommand() messages.Command {
	return messages.CommandDeleteStream
}

// CompletedCommand implements operation.Request.
func (r *DeleteRequest) CompletedCommand() messages.Command {
	return messages.CommandDeleteStreamCompleted
}

// MarshalRequest implements operation.Request.
func (r *DeleteRequest) MarshalRequest(correlationID uuid.UUID) ([]byte, error) {
	d := DeleteStream{
		CorrelationID:   correlationID,
		EventStreamID:   r.stream,
		ExpectedVersion: r.expectedVersion,
	}
	return d.Marshal()
}

// UnmarshalResponse implements operation.Request.
func (r *DeleteRequest) UnmarshalResponse(data []byte) (operation.Response[DeleteResult], error) {
	var dto DeleteStreamCompleted
	if err := dto.Unmarshal(data); err != nil {
		return operation.Response[DeleteResult]{}, err
	}
	return operation.Response[DeleteResult]{
		Code:    operation.ErrorCode(dto.ErrorCode),
		Message: dto.Error,
		Value:   DeleteResult{Stream: dto.EventStreamID},
	}, nil
}
