package message

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed part of an encoded message:
// size(4) entity(4) seq(8) sec(4) usec(4) ping(4).
const HeaderSize = 28

var (
	ErrShortBuffer  = errors.New("message: buffer shorter than header")
	ErrSizeMismatch = errors.New("message: payload length does not match size field")
)

// Marshal encodes m into a new buffer.
func Marshal(m *Message) []byte {
	return AppendMarshal(make([]byte, 0, HeaderSize+len(m.Payload)), m)
}

// AppendMarshal appends the encoding of m to dst.
func AppendMarshal(dst []byte, m *Message) []byte {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(m.RawSize()))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(m.EntityID))
	binary.BigEndian.PutUint64(hdr[8:16], m.SeqNum)
	binary.BigEndian.PutUint32(hdr[16:20], m.TimestampSec)
	binary.BigEndian.PutUint32(hdr[20:24], m.TimestampUsec)
	binary.BigEndian.PutUint32(hdr[24:28], uint32(m.LatencyPing))

	dst = append(dst, hdr[:]...)
	if m.Kind == Data {
		payload := m.Payload
		if len(payload) > m.Size {
			payload = payload[:m.Size]
		}
		dst = append(dst, payload...)
		// Short payload buffers are zero padded up to Size.
		for i := len(payload); i < m.Size; i++ {
			dst = append(dst, 0)
		}
	}
	return dst
}

// Unmarshal decodes buf. This is the only place raw sizes are turned into a
// Kind. The returned payload aliases buf.
func Unmarshal(buf []byte) (*Message, error) {
	if len(buf) < HeaderSize {
		return nil, ErrShortBuffer
	}

	raw := int32(binary.BigEndian.Uint32(buf[0:4]))
	m := &Message{
		Kind:          KindOf(raw),
		EntityID:      int32(binary.BigEndian.Uint32(buf[4:8])),
		SeqNum:        binary.BigEndian.Uint64(buf[8:16]),
		TimestampSec:  binary.BigEndian.Uint32(buf[16:20]),
		TimestampUsec: binary.BigEndian.Uint32(buf[20:24]),
		LatencyPing:   int32(binary.BigEndian.Uint32(buf[24:28])),
	}

	body := buf[HeaderSize:]
	if m.Kind == Data {
		if raw < 0 || int(raw) != len(body) {
			return nil, fmt.Errorf("%w: size=%d body=%d", ErrSizeMismatch, raw, len(body))
		}
		m.Size = int(raw)
		m.Payload = body
	}
	return m, nil
}
