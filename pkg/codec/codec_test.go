package codec

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"request with payload", Message{Type: TypeRequest, Corr: "c1", Payload: []byte(`{"tool":"echo"}`)}},
		{"chunk", Message{Type: TypeChunk, Corr: "c2", Payload: []byte("partial output")}},
		{"final with empty payload", Message{Type: TypeFinal, Corr: "c3"}},
		{"payload containing newlines", Message{Type: TypeChunk, Corr: "c4", Payload: []byte("line1\nline2\n")}},
		{"hello without correlation", Message{Type: TypeHello}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Encode(tt.msg)
			require.NoError(t, err)

			dec := NewDecoder(bytes.NewReader(frame))
			got, err := dec.Next()
			require.NoError(t, err)

			assert.Equal(t, tt.msg.Type, got.Type)
			assert.Equal(t, tt.msg.Corr, got.Corr)
			assert.Equal(t, string(tt.msg.Payload), string(got.Payload))
		})
	}
}

func TestEncodeIsPure(t *testing.T) {
	msg := Message{Type: TypeChunk, Corr: "c1", Payload: []byte("abc")}

	first, err := Encode(msg)
	require.NoError(t, err)
	second, err := Encode(msg)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestDecodeLengthMismatch(t *testing.T) {
	// Declared length is larger than the actual payload.
	frame := []byte(`{"type":"chunk","corr":"c1","len":100}` + "\nshort\n")

	dec := NewDecoder(bytes.NewReader(frame))
	_, err := dec.Next()

	var fe *FramingError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FramingLengthMismatch, fe.Kind)
	assert.True(t, fe.Fatal())
}

func TestDecodeDeclaredLengthTooShort(t *testing.T) {
	// Declared length smaller than actual payload: terminator check fails.
	frame := []byte(`{"type":"chunk","corr":"c1","len":2}` + "\npayload\n")

	dec := NewDecoder(bytes.NewReader(frame))
	_, err := dec.Next()

	var fe *FramingError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FramingLengthMismatch, fe.Kind)
}

func TestDecodeUnknownTypeIsSkippable(t *testing.T) {
	unknown := []byte(`{"type":"telemetry","corr":"c1","len":4}` + "\nbeat\n")
	chunk, err := Encode(Message{Type: TypeChunk, Corr: "c2", Payload: []byte("ok")})
	require.NoError(t, err)

	dec := NewDecoder(bytes.NewReader(append(unknown, chunk...)))

	_, err = dec.Next()
	var fe *FramingError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FramingUnknownType, fe.Kind)
	assert.False(t, fe.Fatal(), "unknown type must not close the session")

	// Decoder stays aligned: the next frame decodes cleanly.
	got, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, TypeChunk, got.Type)
	assert.Equal(t, "c2", got.Corr)
}

func TestDecodeBadHeader(t *testing.T) {
	dec := NewDecoder(bytes.NewReader([]byte("not json at all\n")))
	_, err := dec.Next()

	var fe *FramingError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FramingBadHeader, fe.Kind)
	assert.True(t, fe.Fatal())
}

func TestDecodeMissingType(t *testing.T) {
	dec := NewDecoder(bytes.NewReader([]byte(`{"corr":"c1","len":0}` + "\n\n")))
	_, err := dec.Next()

	var fe *FramingError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FramingBadHeader, fe.Kind)
}

func TestDecodeNegativeLength(t *testing.T) {
	dec := NewDecoder(bytes.NewReader([]byte(`{"type":"chunk","corr":"c1","len":-1}` + "\n")))
	_, err := dec.Next()

	var fe *FramingError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FramingLengthMismatch, fe.Kind)
}

func TestDecodeEOF(t *testing.T) {
	dec := NewDecoder(bytes.NewReader(nil))
	_, err := dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeTruncatedStream(t *testing.T) {
	frame, err := Encode(Message{Type: TypeChunk, Corr: "c1", Payload: []byte("abcdef")})
	require.NoError(t, err)

	dec := NewDecoder(bytes.NewReader(frame[:len(frame)-4]))
	_, err = dec.Next()

	var fe *FramingError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FramingLengthMismatch, fe.Kind)
}

func TestEncodeRejectsUnknownType(t *testing.T) {
	_, err := Encode(Message{Type: "bogus"})
	require.Error(t, err)
}

func TestDecodeMultipleFrames(t *testing.T) {
	var stream bytes.Buffer
	for i := 0; i < 5; i++ {
		frame, err := Encode(Message{Type: TypeChunk, Corr: "c1", Payload: []byte(fmt.Sprintf("part-%d", i))})
		require.NoError(t, err)
		stream.Write(frame)
	}

	dec := NewDecoder(&stream)
	for i := 0; i < 5; i++ {
		msg, err := dec.Next()
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("part-%d", i), string(msg.Payload))
	}
	_, err := dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}
