package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrame bounds a single framed message. JSON envelopes are a few hundred
// bytes; anything near the limit indicates a corrupt or hostile stream.
const MaxFrame = 16 * 1024

var (
	ErrFrameTooLarge = errors.New("protocol: frame exceeds MaxFrame")
	ErrEmptyFrame    = errors.New("protocol: zero-length frame")
)

// WriteFrame writes a 2-byte big-endian length prefix followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if len(payload) > MaxFrame {
		return ErrFrameTooLarge
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame. The returned slice is freshly
// allocated and safe to retain.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	sz := int(binary.BigEndian.Uint16(hdr[:]))
	if sz == 0 {
		return nil, ErrEmptyFrame
	}
	if sz > MaxFrame {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, sz)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteMessage encodes and frames an envelope in one step.
func WriteMessage(w io.Writer, m Message) error {
	payload, err := m.Encode()
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadMessage reads and decodes one framed envelope.
func ReadMessage(r io.Reader) (Message, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return Message{}, err
	}
	m, err := Decode(payload)
	if err != nil {
		return Message{}, fmt.Errorf("protocol: bad frame: %w", err)
	}
	return m, nil
}
