package clientmessages

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/smnsjas/go-escore/messages"
	"github.com/smnsjas/go-escore/operation"
)

func TestWriteEvents_RoundTrip(t *testing.T) {
	in := WriteEvents{
		CorrelationID:   uuid.New(),
		EventStreamID:   "orders-1",
		ExpectedVersion: ExpectedVersionNoStream,
		Events: []NewEvent{
			{EventID: uuid.New(), EventType: "OrderPlaced", Data: []byte(`{"total":10}`)},
			{EventID: uuid.New(), EventType: "OrderPaid", Data: []byte{}, Metadata: []byte("m")},
		},
	}

	data, err := in.Marshal()
	require.NoError(t, err)

	var out WriteEvents
	require.NoError(t, out.Unmarshal(data))
	assert.Equal(t, in.CorrelationID, out.CorrelationID)
	assert.Equal(t, in.EventStreamID, out.EventStreamID)
	assert.Equal(t, ExpectedVersionNoStream, out.ExpectedVersion)
	require.Len(t, out.Events, 2)
	assert.Equal(t, in.Events[0].EventID, out.Events[0].EventID)
	assert.Equal(t, "OrderPaid", out.Events[1].EventType)
	assert.Equal(t, []byte("m"), out.Events[1].Metadata)
}

func TestWriteEvents_MarshalValidation(t *testing.T) {
	tests := []struct {
		name string
		in   WriteEvents
	}{
		{"empty stream", WriteEvents{ExpectedVersion: ExpectedVersionAny}},
		{"bad expected version", WriteEvents{EventStreamID: "s", ExpectedVersion: -3}},
		{"event without type", WriteEvents{EventStreamID: "s", Events: []NewEvent{{EventID: uuid.New()}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.in.Marshal()
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestWriteEventsCompleted_ZeroCodeIsWritten(t *testing.T) {
	in := WriteEventsCompleted{CorrelationID: uuid.New(), EventStreamID: "s"}
	data, err := in.Marshal()
	require.NoError(t, err)

	var out WriteEventsCompleted
	require.NoError(t, out.Unmarshal(data))
	assert.Equal(t, int32(0), out.ErrorCode)
	assert.Equal(t, "s", out.EventStreamID)
}

func TestWriteEventsCompleted_MissingFields(t *testing.T) {
	var noCode []byte
	noCode = appendString(noCode, 4, "s")

	var noStream []byte
	noStream = appendInt32(noStream, 2, 0)

	var out WriteEventsCompleted
	err := out.Unmarshal(noCode)
	assert.ErrorIs(t, err, ErrMissingField)
	assert.Contains(t, err.Error(), "error_code")

	err = out.Unmarshal(noStream)
	assert.ErrorIs(t, err, ErrMissingField)
	assert.Contains(t, err.Error(), "event_stream_id")

	err = out.Unmarshal(nil)
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestUnmarshal_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"truncated tag", []byte{0x80}},
		{"truncated bytes", []byte{0x22, 0x05, 'a'}},
		{"code as bytes", []byte{0x12, 0x00}},
		{"group", []byte{0x0B}},
		{"short guid", []byte{0x0A, 0x02, 0x01, 0x02}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out WriteEventsCompleted
			assert.ErrorIs(t, out.Unmarshal(tt.data), ErrMalformed)
		})
	}
}

func TestUnmarshal_SkipsUnknownFields(t *testing.T) {
	in := DeleteStreamCompleted{CorrelationID: uuid.New(), ErrorCode: 5, Error: "gone", EventStreamID: "s"}
	data, err := in.Marshal()
	require.NoError(t, err)

	data = protowire.AppendTag(data, 99, protowire.Fixed64Type)
	data = protowire.AppendFixed64(data, 7)
	data = protowire.AppendTag(data, 100, protowire.BytesType)
	data = protowire.AppendBytes(data, []byte("future"))

	var out DeleteStreamCompleted
	require.NoError(t, out.Unmarshal(data))
	assert.Equal(t, in, out)
}

func TestNegativeVersionEncoding(t *testing.T) {
	b := appendInt32(nil, 3, ExpectedVersionAny)
	// tag + ten byte varint
	assert.Len(t, b, 11)

	var d DeleteStream
	data, err := (&DeleteStream{EventStreamID: "s", ExpectedVersion: ExpectedVersionAny}).Marshal()
	require.NoError(t, err)
	require.NoError(t, d.Unmarshal(data))
	assert.Equal(t, ExpectedVersionAny, d.ExpectedVersion)
}

func TestDeleteStream_RoundTrip(t *testing.T) {
	in := DeleteStream{CorrelationID: uuid.New(), EventStreamID: "orders-1", ExpectedVersion: 12}
	data, err := in.Marshal()
	require.NoError(t, err)

	var out DeleteStream
	require.NoError(t, out.Unmarshal(data))
	assert.Equal(t, in, out)

	_, err = (&DeleteStream{}).Marshal()
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestWriteRequest(t *testing.T) {
	events := []NewEvent{{EventID: uuid.New(), EventType: "A"}}
	req := NewWriteRequest("orders-1", 3, events)
	events[0].EventType = "mutated"

	assert.Equal(t, "orders-1", req.Stream())
	assert.Equal(t, messages.CommandWriteEvents, req.RequestCommand())
	assert.Equal(t, messages.CommandWriteEventsCompleted, req.CompletedCommand())

	id := uuid.New()
	data, err := req.MarshalRequest(id)
	require.NoError(t, err)

	var body WriteEvents
	require.NoError(t, body.Unmarshal(data))
	assert.Equal(t, id, body.CorrelationID)
	assert.Equal(t, int32(3), body.ExpectedVersion)
	assert.Equal(t, "A", body.Events[0].EventType)

	reply, err := (&WriteEventsCompleted{
		CorrelationID:    id,
		ErrorCode:        int32(operation.ErrorCodeWrongExpectedVersion),
		Error:            "expected 3",
		EventStreamID:    "orders-1",
		FirstEventNumber: 4,
	}).Marshal()
	require.NoError(t, err)

	resp, err := req.UnmarshalResponse(reply)
	require.NoError(t, err)
	assert.Equal(t, operation.ErrorCodeWrongExpectedVersion, resp.Code)
	assert.Equal(t, "expected 3", resp.Message)
	assert.Equal(t, WriteResult{Stream: "orders-1", FirstEventNumber: 4, Code: operation.ErrorCodeWrongExpectedVersion}, resp.Value)
}

func TestDeleteRequest(t *testing.T) {
	req := NewDeleteRequest("orders-1", ExpectedVersionAny)
	assert.Equal(t, messages.CommandDeleteStream, req.RequestCommand())
	assert.Equal(t, messages.CommandDeleteStreamCompleted, req.CompletedCommand())

	id := uuid.New()
	data, err := req.MarshalRequest(id)
	require.NoError(t, err)

	var body DeleteStream
	require.NoError(t, body.Unmarshal(data))
	assert.Equal(t, id, body.CorrelationID)

	_, err = req.UnmarshalResponse([]byte{0xFF})
	assert.Error(t, err)
}
