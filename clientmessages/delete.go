package clientmessages

import (
	"fmt"

	"github.com/google/uuid"
)

// DeleteStream is the request body of a DeleteStream package.
type DeleteStream struct {
	CorrelationID   uuid.UUID
	EventStreamID   string
	ExpectedVersion int32
}

// Marshal encodes the request.
func (d *DeleteStream) Marshal() ([]byte, error) {
	if d.EventStreamID == "" {
		return nil, fmt.Errorf("%w: empty stream name", ErrInvalidRequest)
	}
	var b []byte
	b = appendGUID(b, 1, d.CorrelationID)
	b = appendString(b, 2, d.EventStreamID)
	b = appendInt32(b, 3, d.ExpectedVersion)
	return b, nil
}

// Unmarshal decodes the request.
func (d *DeleteStream) Unmarshal(b []byte) error {
	*d = DeleteStream{}
	var hasStream bool
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			d.CorrelationID, err = f.guid()
		case 2:
			d.EventStreamID, err = f.str()
			hasStream = true
		case 3:
			d.ExpectedVersion, err = f.int32()
		}
		return err
	})
	if err != nil {
		return err
	}
	if !hasStream {
		return missing("DeleteStream", "event_stream_id")
	}
	return nil
}

// DeleteStreamCompleted is the reply body of a DeleteStreamCompleted package.
type DeleteStreamCompleted struct {
	CorrelationID uuid.UUID
	ErrorCode     int32
	Error         string
	EventStreamID string
}

// Marshal encodes the reply.
func (d *DeleteStreamCompleted) Marshal() ([]byte, error) {
	var b []byte
	b = appendGUID(b, 1, d.CorrelationID)
	b = appendInt32(b, 2, d.ErrorCode)
	if d.Error != "" {
		b = appendString(b, 3, d.Error)
	}
	b = appendString(b, 4, d.EventStreamID)
	return b, nil
}

// Unmarshal decodes the reply.
func (d *DeleteStreamCompleted) Unmarshal(b []byte) error {
	*d = DeleteStreamCompleted{}
	var hasCode, hasStream bool
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			d.CorrelationID, err = f.guid()
		case 2:
			d.ErrorCode, err = f.int32()
			hasCode = true
		case 3:
			d.Error, err = f.str()
		case 4:
			d.EventStreamID, err = f.str()
			hasStream = true
		}
		return err
	})
	if err != nil {
		return err
	}
	if !hasCode {
		return missing("DeleteStreamCompleted", "error_code")
	}
	if !hasStream {
		return missing("DeleteStreamCompleted", "event_stream_id")
	}
	return nil
}
