package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single length-prefixed frame. Larger inbound frames
// close the connection.
const MaxFrameSize = 8 << 20

const headerSize = 1 + 16 + 32 + 32 + 1 + 4

var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrTruncated     = errors.New("truncated envelope")
)

// Encode serializes the envelope: type u8, msg_id 16B, origin 32B,
// destination 32B, ttl u8, payload u32be length + bytes.
func (e *Envelope) Encode() []byte {
	out := make([]byte, 0, headerSize+len(e.Payload))
	out = append(out, byte(e.Type))
	out = append(out, e.MsgID[:]...)
	out = append(out, e.Origin[:]...)
	out = append(out, e.Dest[:]...)
	out = append(out, e.TTL)
	out = binary.BigEndian.AppendUint32(out, uint32(len(e.Payload)))
	out = append(out, e.Payload...)
	return out
}

// Decode parses an envelope from b. Unknown types decode successfully with
// an opaque payload; the caller decides to drop them.
func Decode(b []byte) (*Envelope, error) {
	if len(b) < headerSize {
		return nil, ErrTruncated
	}
	e := &Envelope{Type: MsgType(b[0])}
	copy(e.MsgID[:], b[1:17])
	copy(e.Origin[:], b[17:49])
	copy(e.Dest[:], b[49:81])
	e.TTL = b[81]
	n := binary.BigEndian.Uint32(b[82:86])
	if int(n) != len(b)-headerSize {
		return nil, ErrTruncated
	}
	if n > 0 {
		e.Payload = make([]byte, n)
		copy(e.Payload, b[headerSize:])
	}
	return e, nil
}

// WriteEnvelope writes a u32be length-prefixed frame containing the
// serialized envelope.
func WriteEnvelope(w io.Writer, e *Envelope) error {
	body := e.Encode()
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	_, err := w.Write(frame)
	return err
}

// ReadEnvelope reads one frame and decodes it. io.EOF is returned verbatim
// on a clean close between frames.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return Decode(body)
}
