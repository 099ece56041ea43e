// Package message defines the envelope exchanged between perftest peers and
// its binary encoding.
package message

import "fmt"

// Reserved size values. They never collide with a payload length as long as
// DataLen-OverheadBytes stays away from 1234..1236, which is documented rather
// than enforced.
const (
	InitializeSize    = 1234
	FinishedSize      = 1235
	LengthChangedSize = 1236
)

const (
	// OverheadBytes is added to every payload length when counting bytes.
	OverheadBytes = 28

	// NoPing marks a sample that nobody should echo.
	NoPing = -1

	// MinDataLen and MaxDataLen bound the total sample size (payload + overhead).
	MinDataLen = OverheadBytes
	MaxDataLen = 63000
)

// ============================================================================
// Kind
// ============================================================================

// Kind is the decoded meaning of the size field.
type Kind uint8

const (
	Data Kind = iota
	Initialize
	Finished
	LengthChanged
)

func (k Kind) String() string {
	switch k {
	case Data:
		return "data"
	case Initialize:
		return "initialize"
	case Finished:
		return "finished"
	case LengthChanged:
		return "length_changed"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// KindOf decodes a raw size field.
func KindOf(rawSize int32) Kind {
	switch rawSize {
	case InitializeSize:
		return Initialize
	case FinishedSize:
		return Finished
	case LengthChangedSize:
		return LengthChanged
	default:
		return Data
	}
}

// ============================================================================
// Message
// ============================================================================

// Message is one sample on any of the three perftest topics.
type Message struct {
	Kind Kind
	// Size is the payload length. Only meaningful for Data.
	Size int

	EntityID int32
	SeqNum   uint64

	// Send time as a 64-bit microsecond clock split in two halves.
	TimestampSec  uint32
	TimestampUsec uint32

	LatencyPing int32
	Payload     []byte
}

// New returns a data message of the given payload length.
func New(entityID int32, size int) *Message {
	return &Message{
		Kind:        Data,
		Size:        size,
		EntityID:    entityID,
		LatencyPing: NoPing,
		Payload:     make([]byte, size),
	}
}

// RawSize is the value carried on the wire in the size field.
func (m *Message) RawSize() int32 {
	switch m.Kind {
	case Initialize:
		return InitializeSize
	case Finished:
		return FinishedSize
	case LengthChanged:
		return LengthChangedSize
	default:
		return int32(m.Size)
	}
}

// SetSentTime splits a microsecond timestamp into the two 32-bit fields.
func (m *Message) SetSentTime(usec uint64) {
	m.TimestampSec = uint32(usec >> 32)
	m.TimestampUsec = uint32(usec & 0xFFFFFFFF)
}

// SentTime reassembles the send time.
func (m *Message) SentTime() uint64 {
	return uint64(m.TimestampSec)<<32 | uint64(m.TimestampUsec)
}

// IsPing reports whether some subscriber is asked to echo this sample.
func (m *Message) IsPing() bool {
	return m.LatencyPing != NoPing
}

// WireBytes is the byte count a receiver accounts for this sample.
func (m *Message) WireBytes() uint64 {
	return uint64(m.Size + OverheadBytes)
}

// Clone copies the message including its payload.
func (m *Message) Clone() *Message {
	c := *m
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	return &c
}

func (m *Message) String() string {
	return fmt.Sprintf("%s(size=%d entity=%d seq=%d ping=%d)",
		m.Kind, m.Size, m.EntityID, m.SeqNum, m.LatencyPing)
}
