// Package messages defines the TCP package exchanged with the event store and
// its encoding/decoding.
//
// A package is the unit the connection carries once length framing has been
// removed (see the framing package). Every request and every response is one
// package, tied together by the correlation id.
//
// # Package Structure
//
//	┌─────────────────────────────────────────────────────────┐
//	│  Command (1 byte)                                       │
//	├─────────────────────────────────────────────────────────┤
//	│  Flags (1 byte)                                         │
//	├─────────────────────────────────────────────────────────┤
//	│  CorrelationID (16 bytes) - GUID                        │
//	├─────────────────────────────────────────────────────────┤
//	│  Data (variable) - protobuf encoded payload             │
//	└─────────────────────────────────────────────────────────┘
//
// # Byte Order
//
// The correlation id uses the .NET GUID serialization format (RFC 4122
// mixed-endian): the first three components (time-low, time-mid, time-hi)
// are little-endian, the last two (clock-seq, node) are big-endian. The server
// is a .NET process and writes Guid.ToByteArray() verbatim.
package messages

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Command identifies the type of a TCP package.
type Command byte

// Connection level commands.
const (
	CommandHeartbeatRequest  Command = 0x01
	CommandHeartbeatResponse Command = 0x02
	CommandPing              Command = 0x03
	CommandPong              Command = 0x04
)

// Write commands.
const (
	CommandWriteEvents           Command = 0x82
	CommandWriteEventsCompleted  Command = 0x83
	CommandDeleteStream          Command = 0x8A
	CommandDeleteStreamCompleted Command = 0x8B
)

// Server error replies. Both carry the correlation id of the request that
// could not be handled.
const (
	CommandBadRequest Command = 0xF0
	CommandNotHandled Command = 0xF1
)

// String returns the command name as used by the server logs.
func (c Command) String() string {
	switch c {
	case CommandHeartbeatRequest:
		return "HeartbeatRequestCommand"
	case CommandHeartbeatResponse:
		return "HeartbeatResponseCommand"
	case CommandPing:
		return "Ping"
	case CommandPong:
		return "Pong"
	case CommandWriteEvents:
		return "WriteEvents"
	case CommandWriteEventsCompleted:
		return "WriteEventsCompleted"
	case CommandDeleteStream:
		return "DeleteStream"
	case CommandDeleteStreamCompleted:
		return "DeleteStreamCompleted"
	case CommandBadRequest:
		return "BadRequest"
	case CommandNotHandled:
		return "NotHandled"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", byte(c))
	}
}

// Flags carries per-package options. Only FlagsNone is produced by this
// client; authenticated packages are not supported.
type Flags byte

const (
	// FlagsNone marks a package without options.
	FlagsNone Flags = 0x00
	// FlagsAuthenticated marks a package carrying credentials after the header.
	FlagsAuthenticated Flags = 0x01
)

// HeaderSize is the package header size in bytes.
const HeaderSize = 18 // 1 (Command) + 1 (Flags) + 16 (CorrelationID)

var (
	// ErrInvalidPackage is returned when a package cannot be decoded.
	ErrInvalidPackage = errors.New("invalid TCP package")
	// ErrPackageTooShort is returned when a package is smaller than the header size.
	ErrPackageTooShort = errors.New("package too short")
)

// Package represents one TCP package.
type Package struct {
	Command       Command
	Flags         Flags
	CorrelationID uuid.UUID
	Data          []byte // protobuf encoded
}

// Encode serializes the package to bytes.
func (p *Package) Encode() ([]byte, error) {
	if p.Flags&FlagsAuthenticated != 0 {
		return nil, fmt.Errorf("%w: authenticated packages are not supported", ErrInvalidPackage)
	}

	buf := make([]byte, HeaderSize+len(p.Data))
	buf[0] = byte(p.Command)
	buf[1] = byte(p.Flags)
	copy(buf[2:18], uuidToLittleEndianBytes(p.CorrelationID))
	copy(buf[18:], p.Data)

	return buf, nil
}

// Decode deserializes a package from bytes.
func Decode(data []byte) (*Package, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: got %d bytes, need at least %d", ErrPackageTooShort, len(data), HeaderSize)
	}

	p := &Package{
		Command: Command(data[0]),
		Flags:   Flags(data[1]),
	}
	if p.Flags&FlagsAuthenticated != 0 {
		return nil, fmt.Errorf("%w: unexpected authenticated package for %s", ErrInvalidPackage, p.Command)
	}

	id, err := uuidFromLittleEndianBytes(data[2:18])
	if err != nil {
		return nil, fmt.Errorf("decode correlation id: %w", err)
	}
	p.CorrelationID = id

	if len(data) > HeaderSize {
		p.Data = make([]byte, len(data)-HeaderSize)
		copy(p.Data, data[HeaderSize:])
	}

	return p, nil
}

// GUIDBytes returns the .NET byte representation of id. Payloads that embed
// GUIDs (event ids, correlation ids) use the same layout as the header.
func GUIDBytes(id uuid.UUID) []byte {
	return uuidToLittleEndianBytes(id)
}

// ParseGUIDBytes is the inverse of GUIDBytes.
func ParseGUIDBytes(b []byte) (uuid.UUID, error) {
	return uuidFromLittleEndianBytes(b)
}

// uuidToLittleEndianBytes converts a UUID to the .NET byte representation.
// The first three components are byte-swapped, the last two kept as-is.
func uuidToLittleEndianBytes(u uuid.UUID) []byte {
	b := make([]byte, 16)
	ub := u[:]

	// Time-low (4 bytes)
	b[0], b[1], b[2], b[3] = ub[3], ub[2], ub[1], ub[0]
	// Time-mid (2 bytes)
	b[4], b[5] = ub[5], ub[4]
	// Time-hi-and-version (2 bytes)
	b[6], b[7] = ub[7], ub[6]
	// Clock-seq and node (8 bytes)
	copy(b[8:], ub[8:])

	return b
}

// uuidFromLittleEndianBytes converts .NET GUID bytes to a UUID.
func uuidFromLittleEndianBytes(b []byte) (uuid.UUID, error) {
	if len(b) != 16 {
		return uuid.Nil, fmt.Errorf("invalid GUID bytes: expected 16, got %d", len(b))
	}

	var u uuid.UUID
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:], b[8:])

	return u, nil
}

// Helper functions for creating specific packages

// NewWriteEvents creates a WriteEvents package.
// data should contain the serialized WriteEvents request.
func NewWriteEvents(correlationID uuid.UUID, data []byte) *Package {
	return &Package{
		Command:       CommandWriteEvents,
		Flags:         FlagsNone,
		CorrelationID: correlationID,
		Data:          data,
	}
}

// NewDeleteStream creates a DeleteStream package.
func NewDeleteStream(correlationID uuid.UUID, data []byte) *Package {
	return &Package{
		Command:       CommandDeleteStream,
		Flags:         FlagsNone,
		CorrelationID: correlationID,
		Data:          data,
	}
}

// NewHeartbeatResponse creates the reply to a server heartbeat request.
// The server matches it by correlation id, so the request's id must be reused.
func NewHeartbeatResponse(correlationID uuid.UUID) *Package {
	return &Package{
		Command:       CommandHeartbeatResponse,
		Flags:         FlagsNone,
		CorrelationID: correlationID,
	}
}

// NewPing creates a Ping package.
func NewPing(correlationID uuid.UUID) *Package {
	return &Package{
		Command:       CommandPing,
		Flags:         FlagsNone,
		CorrelationID: correlationID,
	}
}
