// Package codec implements the line-oriented wire protocol spoken by local
// tool servers. A frame is a JSON header line followed by exactly the
// declared number of payload bytes and a trailing newline:
//
//	{"type":"chunk","corr":"c1","len":5}\n
//	hello\n
//
// Encoding is pure. Decoding validates the declared length against the
// actual payload and distinguishes fatal framing violations from unknown
// frame types, which are skippable.
package codec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// FrameType identifies the kind of a protocol frame.
type FrameType string

const (
	TypeHello   FrameType = "hello"
	TypeHelloOK FrameType = "hello_ok"
	TypeRequest FrameType = "req"
	TypeChunk   FrameType = "chunk"
	TypeFinal   FrameType = "final"
	TypeError   FrameType = "err"
	TypeCancel  FrameType = "cancel"
	TypeCredit  FrameType = "credit"
)

// MaxPayloadSize bounds a single frame payload. Larger frames are a
// protocol violation.
const MaxPayloadSize = 4 << 20

var knownTypes = map[FrameType]bool{
	TypeHello:   true,
	TypeHelloOK: true,
	TypeRequest: true,
	TypeChunk:   true,
	TypeFinal:   true,
	TypeError:   true,
	TypeCancel:  true,
	TypeCredit:  true,
}

// Message is the structured form of a frame.
type Message struct {
	Type    FrameType
	Corr    string
	Payload []byte
}

type frameHeader struct {
	Type FrameType `json:"type"`
	Corr string    `json:"corr,omitempty"`
	Len  int       `json:"len"`
}

// FramingKind classifies a framing violation.
type FramingKind string

const (
	FramingBadHeader      FramingKind = "bad_header"
	FramingLengthMismatch FramingKind = "length_mismatch"
	FramingUnknownType    FramingKind = "unknown_type"
)

// FramingError reports malformed wire data.
type FramingError struct {
	Kind   FramingKind
	Detail string
}

// Error implements the error interface
func (e *FramingError) Error() string {
	return fmt.Sprintf("framing error (%s): %s", e.Kind, e.Detail)
}

// Fatal reports whether the violation must terminate the session.
// Unknown frame types are skipped; everything else poisons the stream
// because the byte boundary can no longer be trusted.
func (e *FramingError) Fatal() bool {
	return e.Kind != FramingUnknownType
}

// Encode serializes a message into its wire form. It is pure and
// side-effect free.
func Encode(msg Message) ([]byte, error) {
	if !knownTypes[msg.Type] {
		return nil, fmt.Errorf("cannot encode unknown frame type %q", msg.Type)
	}
	if len(msg.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload of %d bytes exceeds frame limit", len(msg.Payload))
	}

	header, err := json.Marshal(frameHeader{
		Type: msg.Type,
		Corr: msg.Corr,
		Len:  len(msg.Payload),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame header: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(header) + len(msg.Payload) + 2)
	buf.Write(header)
	buf.WriteByte('\n')
	buf.Write(msg.Payload)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Decoder reads frames from an underlying stream.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder creates a decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next reads the next frame. It returns *FramingError for protocol
// violations; callers check Fatal() to decide between skipping the frame
// and tearing the session down. For unknown frame types the payload has
// already been consumed, so the decoder stays aligned and the next call
// resumes at the following frame. Transport errors (including io.EOF) are
// returned as-is.
func (d *Decoder) Next() (*Message, error) {
	line, err := d.r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) == 0 {
			return nil, io.EOF
		}
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	var header frameHeader
	if err := json.Unmarshal(line, &header); err != nil {
		return nil, &FramingError{Kind: FramingBadHeader, Detail: err.Error()}
	}
	if header.Type == "" {
		return nil, &FramingError{Kind: FramingBadHeader, Detail: "missing frame type"}
	}
	if header.Len < 0 || header.Len > MaxPayloadSize {
		return nil, &FramingError{
			Kind:   FramingLengthMismatch,
			Detail: fmt.Sprintf("declared length %d out of bounds", header.Len),
		}
	}

	payload := make([]byte, header.Len)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, &FramingError{
			Kind:   FramingLengthMismatch,
			Detail: fmt.Sprintf("payload shorter than declared length %d", header.Len),
		}
	}

	// The byte after the payload must be the frame terminator. Anything
	// else means the declared length did not match the actual payload.
	term, err := d.r.ReadByte()
	if err != nil || term != '\n' {
		return nil, &FramingError{
			Kind:   FramingLengthMismatch,
			Detail: fmt.Sprintf("declared length %d does not match actual payload", header.Len),
		}
	}

	if !knownTypes[header.Type] {
		return nil, &FramingError{
			Kind:   FramingUnknownType,
			Detail: fmt.Sprintf("unknown frame type %q", header.Type),
		}
	}

	return &Message{Type: header.Type, Corr: header.Corr, Payload: payload}, nil
}
