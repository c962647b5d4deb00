package protocol

import (
	"bytes"
	"errors"
	"io"

	"mini-jsonrpc/codec"
)

var errEmbeddedDelimiter = errors.New("encoded value contains a raw newline")

// Encoder turns one message into delimiter-terminated bytes. It holds no
// per-message state and is safe for concurrent use.
type Encoder struct {
	codec codec.Codec
}

// NewEncoder returns an encoder backed by c, or by the JSON codec when c is nil.
func NewEncoder(c codec.Codec) *Encoder {
	if c == nil {
		c = codec.JSON
	}
	return &Encoder{codec: c}
}

// Encode serializes v on a single line and appends the delimiter.
func (e *Encoder) Encode(v any) ([]byte, error) {
	data, err := e.codec.Marshal(v)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	if bytes.IndexByte(data, Delimiter) >= 0 {
		return nil, &SerializationError{Err: errEmbeddedDelimiter}
	}
	return append(data, Delimiter), nil
}

// Write encodes v and writes the frame to w in one call. Callers sharing w
// must serialize Write themselves or frames will interleave.
func (e *Encoder) Write(w io.Writer, v any) error {
	frame, err := e.Encode(v)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

var defaultEncoder = NewEncoder(nil)

// Encode serializes v with the JSON codec.
func Encode(v any) ([]byte, error) {
	return defaultEncoder.Encode(v)
}

// Write encodes v with the JSON codec and writes it to w.
func Write(w io.Writer, v any) error {
	return defaultEncoder.Write(w, v)
}
