package clientmessages

import (
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// NewEvent is one event to append.
type NewEvent struct {
	EventID   uuid.UUID
	EventType string
	Data      []byte
	Metadata  []byte
}

// Marshal encodes the event.
func (e *NewEvent) Marshal() ([]byte, error) {
	if e.EventType == "" {
		return nil, fmt.Errorf("%w: event %s has no type", ErrInvalidRequest, e.EventID)
	}
	var b []byte
	b = appendGUID(b, 1, e.EventID)
	b = appendString(b, 2, e.EventType)
	b = appendBytes(b, 3, e.Data)
	b = appendBytes(b, 4, e.Metadata)
	return b, nil
}

// Unmarshal decodes the event.
func (e *NewEvent) Unmarshal(b []byte) error {
	*e = NewEvent{}
	return walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			e.EventID, err = f.guid()
		case 2:
			e.EventType, err = f.str()
		case 3:
			e.Data, err = f.bytes()
		case 4:
			e.Metadata, err = f.bytes()
		}
		return err
	})
}

// WriteEvents is the request body of a WriteEvents package.
type WriteEvents struct {
	CorrelationID   uuid.UUID
	EventStreamID   string
	ExpectedVersion int32
	Events          []NewEvent
}

// Marshal encodes the request.
func (w *WriteEvents) Marshal() ([]byte, error) {
	if w.EventStreamID == "" {
		return nil, fmt.Errorf("%w: empty stream name", ErrInvalidRequest)
	}
	if w.ExpectedVersion < ExpectedVersionAny {
		return nil, fmt.Errorf("%w: expected version %d", ErrInvalidRequest, w.ExpectedVersion)
	}

	var b []byte
	b = appendGUID(b, 1, w.CorrelationID)
	b = appendString(b, 2, w.EventStreamID)
	b = appendInt32(b, 3, w.ExpectedVersion)
	for i := range w.Events {
		ev, err := w.Events[i].Marshal()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, ev)
	}
	return b, nil
}

// Unmarshal decodes the request.
func (w *WriteEvents) Unmarshal(b []byte) error {
	*w = WriteEvents{}
	var hasStream bool
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			w.CorrelationID, err = f.guid()
		case 2:
			w.EventStreamID, err = f.str()
			hasStream = true
		case 3:
			w.ExpectedVersion, err = f.int32()
		case 4:
			if err = f.expect(protowire.BytesType); err != nil {
				return err
			}
			var ev NewEvent
			if err = ev.Unmarshal(f.payload); err != nil {
				return fmt.Errorf("event %d: %w", len(w.Events), err)
			}
			w.Events = append(w.Events, ev)
		}
		return err
	})
	if err != nil {
		return err
	}
	if !hasStream {
		return missing("WriteEvents", "event_stream_id")
	}
	return nil
}

// WriteEventsCompleted is the reply body of a WriteEventsCompleted package.
type WriteEventsCompleted struct {
	CorrelationID    uuid.UUID
	ErrorCode        int32
	Error            string
	EventStreamID    string
	FirstEventNumber int32
}

// Marshal encodes the reply.
func (w *WriteEventsCompleted) Marshal() ([]byte, error) {
	var b []byte
	b = appendGUID(b, 1, w.CorrelationID)
	b = appendInt32(b, 2, w.ErrorCode)
	if w.Error != "" {
		b = appendString(b, 3, w.Error)
	}
	b = appendString(b, 4, w.EventStreamID)
	b = appendInt32(b, 5, w.FirstEventNumber)
	return b, nil
}

// Unmarshal decodes the reply.
func (w *WriteEventsCompleted) Unmarshal(b []byte) error {
	*w = WriteEventsCompleted{}
	var hasCode, hasStream bool
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			w.CorrelationID, err = f.guid()
		case 2:
			w.ErrorCode, err = f.int32()
			hasCode = true
		case 3:
			w.Error, err = f.str()
		case 4:
			w.EventStreamID, err = f.str()
			hasStream = true
		case 5:
			w.FirstEventNumber, err = f.int32()
		}
		return err
	})
	if err != nil {
		return err
	}
	if !hasCode {
		return missing("WriteEventsCompleted", "error_code")
	}
	if !hasStream {
		return missing("WriteEventsCompleted", "event_stream_id")
	}
	return nil
}
