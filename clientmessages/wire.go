package clientmessages

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/smnsjas/go-escore/messages"
)

var (
	// ErrMalformed is returned when a payload is not valid protobuf.
	ErrMalformed = errors.New("malformed payload")
	// ErrMissingField is returned when a required field is absent.
	ErrMissingField = errors.New("missing required field")
	// ErrInvalidRequest is returned when a request cannot be serialized.
	ErrInvalidRequest = errors.New("invalid request")
)

func appendGUID(b []byte, num protowire.Number, id uuid.UUID) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, messages.GUIDBytes(id))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// appendInt32 writes v with proto int32 semantics: negatives are sign
// extended to ten bytes.
func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

// field is one decoded top-level field.
type field struct {
	num     protowire.Number
	typ     protowire.Type
	varint  uint64
	payload []byte
}

// walk iterates over the fields of a message. Unknown wire types are
// skipped; groups are rejected.
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			f.varint = v
			n = m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			f.payload = v
			n = m
		case protowire.StartGroupType, protowire.EndGroupType:
			return fmt.Errorf("%w: field %d: groups are not supported", ErrMalformed, num)
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			n = m
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (f field) expect(typ protowire.Type) error {
	if f.typ != typ {
		return fmt.Errorf("%w: field %d has wire type %d, want %d", ErrMalformed, f.num, f.typ, typ)
	}
	return nil
}

func (f field) guid() (uuid.UUID, error) {
	if err := f.expect(protowire.BytesType); err != nil {
		return uuid.Nil, err
	}
	id, err := messages.ParseGUIDBytes(f.payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, f.num, err)
	}
	return id, nil
}

func (f field) str() (string, error) {
	if err := f.expect(protowire.BytesType); err != nil {
		return "", err
	}
	return string(f.payload), nil
}

func (f field) bytes() ([]byte, error) {
	if err := f.expect(protowire.BytesType); err != nil {
		return nil, err
	}
	out := make([]byte, len(f.payload))
	copy(out, f.payload)
	return out, nil
}

func (f field) int32() (int32, error) {
	if err := f.expect(protowire.VarintType); err != nil {
		return 0, err
	}
	return int32(f.varint), nil // #nosec G115 -- proto int32 truncation
}

func missing(message, name string) error {
	return fmt.Errorf("%w: %s.%s", ErrMissingField, message, name)
}
