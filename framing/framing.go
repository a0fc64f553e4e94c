// Package framing handles the length prefix that delimits TCP packages on
// the connection.
//
// A TCP connection is a byte stream, so every package is preceded by its
// length and reassembled on receipt.
//
// # Frame Structure
//
//	┌─────────────────────────────────────────────────────────┐
//	│  Length (4 bytes, little-endian) - size of the package │
//	├─────────────────────────────────────────────────────────┤
//	│  Package (Length bytes)                                 │
//	└─────────────────────────────────────────────────────────┘
//
// # Usage
//
// To frame a package:
//
//	frame := framing.Encode(encodedPackage)
//
// To reassemble frames from arbitrary reads:
//
//	assembler := framing.NewAssembler()
//	for chunk := range chunks {
//	    frames, err := assembler.Add(chunk)
//	    for _, f := range frames {
//	        // f is one complete package
//	    }
//	}
package framing

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// PrefixSize is the length prefix size in bytes.
const PrefixSize = 4

// DefaultMaxFrameSize bounds the declared length of a single frame.
const DefaultMaxFrameSize = 64 * 1024 * 1024

var (
	// ErrFrameTooLarge is returned when a declared frame length exceeds the limit.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrEmptyFrame is returned for a zero length prefix.
	ErrEmptyFrame = errors.New("empty frame")
)

// Encode prefixes payload with its length.
func Encode(payload []byte) []byte {
	if uint64(len(payload)) > math.MaxUint32 {
		// Should never happen; DefaultMaxFrameSize is far below this
		panic("frame payload too large")
	}
	buf := make([]byte, PrefixSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload))) // #nosec G115 -- checked above
	copy(buf[PrefixSize:], payload)
	return buf
}

// Assembler reassembles frames from chunks of arbitrary size.
// It is not safe for concurrent use.
type Assembler struct {
	buf     []byte
	maxSize int
}

// NewAssembler creates an Assembler with DefaultMaxFrameSize.
func NewAssembler() *Assembler {
	return NewAssemblerWithLimit(DefaultMaxFrameSize)
}

// NewAssemblerWithLimit creates an Assembler with a custom frame size limit.
func NewAssemblerWithLimit(maxSize int) *Assembler {
	return &Assembler{maxSize: maxSize}
}

// Add appends chunk and returns every frame it completed, in order.
// After an error the assembler must be discarded: the stream position is lost.
func (a *Assembler) Add(chunk []byte) ([][]byte, error) {
	a.buf = append(a.buf, chunk...)

	var frames [][]byte
	for len(a.buf) >= PrefixSize {
		n, err := checkLength(binary.LittleEndian.Uint32(a.buf[0:4]), a.maxSize)
		if err != nil {
			a.buf = nil
			return frames, err
		}
		if len(a.buf) < PrefixSize+n {
			break
		}

		frame := make([]byte, n)
		copy(frame, a.buf[PrefixSize:PrefixSize+n])
		frames = append(frames, frame)
		a.buf = a.buf[PrefixSize+n:]
	}

	// Release the backing array once drained
	if len(a.buf) == 0 {
		a.buf = nil
	}
	return frames, nil
}

// Pending returns the number of buffered bytes not yet part of a complete frame.
func (a *Assembler) Pending() int {
	return len(a.buf)
}

// Reader reads whole frames from a stream.
type Reader struct {
	r       *bufio.Reader
	maxSize int
}

// NewReader creates a Reader with the given frame size limit.
// A limit <= 0 selects DefaultMaxFrameSize.
func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Reader{r: bufio.NewReader(r), maxSize: maxSize}
}

// ReadFrame blocks until one complete frame is available.
// io.EOF is returned unwrapped when the stream ends on a frame boundary.
func (r *Reader) ReadFrame() ([]byte, error) {
	var prefix [PrefixSize]byte
	if _, err := io.ReadFull(r.r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	n, err := checkLength(binary.LittleEndian.Uint32(prefix[:]), r.maxSize)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, n)
	if _, err := io.ReadFull(r.r, frame); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return frame, nil
}

func checkLength(declared uint32, maxSize int) (int, error) {
	if declared == 0 {
		return 0, ErrEmptyFrame
	}
	if uint64(declared) > uint64(maxSize) {
		return 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, declared, maxSize)
	}
	return int(declared), nil
}
