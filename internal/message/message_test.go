package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		raw  int32
		want Kind
	}{
		{0, Data},
		{100, Data},
		{InitializeSize, Initialize},
		{FinishedSize, Finished},
		{LengthChangedSize, LengthChanged},
		{LengthChangedSize + 1, Data},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(tt.raw), "raw=%d", tt.raw)
	}
}

func TestSentTimeSplit(t *testing.T) {
	var m Message
	now := uint64(0x0000_0123_89AB_CDEF)
	m.SetSentTime(now)

	assert.Equal(t, uint32(0x123), m.TimestampSec)
	assert.Equal(t, uint32(0x89ABCDEF), m.TimestampUsec)
	assert.Equal(t, now, m.SentTime())
}

func TestCodecData(t *testing.T) {
	m := New(3, 16)
	m.SeqNum = 42
	m.LatencyPing = 1
	m.SetSentTime(1_700_000_000_000_000)
	copy(m.Payload, "hello")

	buf := Marshal(m)
	require.Len(t, buf, HeaderSize+16)

	got, err := Unmarshal(buf)
	require.NoError(t, err)
	assert.Equal(t, Data, got.Kind)
	assert.Equal(t, 16, got.Size)
	assert.Equal(t, int32(3), got.EntityID)
	assert.Equal(t, uint64(42), got.SeqNum)
	assert.Equal(t, int32(1), got.LatencyPing)
	assert.Equal(t, m.SentTime(), got.SentTime())
	assert.Equal(t, "hello", string(got.Payload[:5]))
}

func TestCodecSentinelCarriesNoPayload(t *testing.T) {
	m := New(1, 64)
	m.Kind = Finished

	buf := Marshal(m)
	require.Len(t, buf, HeaderSize)

	got, err := Unmarshal(buf)
	require.NoError(t, err)
	assert.Equal(t, Finished, got.Kind)
	assert.Equal(t, int32(1), got.EntityID)
	assert.Equal(t, int32(NoPing), got.LatencyPing)
	assert.Empty(t, got.Payload)
}

func TestCodecPadsShortPayload(t *testing.T) {
	m := &Message{Kind: Data, Size: 8, LatencyPing: NoPing, Payload: []byte{1, 2}}
	got, err := Unmarshal(Marshal(m))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 0, 0, 0, 0, 0, 0}, got.Payload)
}

func TestUnmarshalErrors(t *testing.T) {
	_, err := Unmarshal(make([]byte, HeaderSize-1))
	assert.ErrorIs(t, err, ErrShortBuffer)

	buf := Marshal(New(0, 10))
	_, err = Unmarshal(buf[:len(buf)-1])
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestWireBytes(t *testing.T) {
	assert.Equal(t, uint64(100), New(0, 72).WireBytes())
}
