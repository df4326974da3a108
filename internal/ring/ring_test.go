package ring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func freshName(t *testing.T) string {
	return fmt.Sprintf("/fwa_ring_test_%s", t.Name())
}

func TestCreateOpenRoundTrip(t *testing.T) {
	name := freshName(t)
	cfg := Config{Capacity: 8, SampleRateHz: 48000, ChannelCount: 2, BytesPerFrame: 8}

	w, err := Create(name, cfg)
	require.NoError(t, err)
	defer func() { w.Close(); w.Unlink() }()

	r, err := Open(name, cfg)
	require.NoError(t, err)
	defer r.Close()

	require.EqualValues(t, 8, r.Capacity())
}

func TestOpenRejectsCapacityMismatch(t *testing.T) {
	name := freshName(t)
	w, err := Create(name, Config{Capacity: 4, SampleRateHz: 48000, ChannelCount: 2, BytesPerFrame: 8})
	require.NoError(t, err)
	defer func() { w.Close(); w.Unlink() }()

	_, err = Open(name, Config{Capacity: 8})
	require.Error(t, err)
}

func TestPushPopPreservesOrderAndIndicesConverge(t *testing.T) {
	name := freshName(t)
	cfg := Config{Capacity: 4, SampleRateHz: 48000, ChannelCount: 2, BytesPerFrame: 8}
	r, err := Create(name, cfg)
	require.NoError(t, err)
	defer func() { r.Close(); r.Unlink() }()

	for i := 0; i < 3; i++ {
		r.Push(Chunk{TimestampNanos: uint64(i), Data: []byte{byte(i)}})
	}
	require.EqualValues(t, 3, r.Len())

	for i := 0; i < 3; i++ {
		c, ok := r.Pop()
		require.True(t, ok)
		require.EqualValues(t, i, c.TimestampNanos)
		require.Equal(t, []byte{byte(i)}, c.Data)
	}
	require.EqualValues(t, 0, r.Len())

	// once drained, the ring reports nothing to pop
	_, ok := r.Pop()
	require.False(t, ok)
}

func TestPushOverwritesOldestWhenFull(t *testing.T) {
	name := freshName(t)
	cfg := Config{Capacity: 2, SampleRateHz: 48000, ChannelCount: 2, BytesPerFrame: 8}
	r, err := Create(name, cfg)
	require.NoError(t, err)
	defer func() { r.Close(); r.Unlink() }()

	r.Push(Chunk{TimestampNanos: 1})
	r.Push(Chunk{TimestampNanos: 2})
	before := r.UnderrunCount()
	r.Push(Chunk{TimestampNanos: 3}) // ring full, drops oldest (ts=1)

	require.Greater(t, r.UnderrunCount(), before)

	c, ok := r.Pop()
	require.True(t, ok)
	require.EqualValues(t, 2, c.TimestampNanos)

	c, ok = r.Pop()
	require.True(t, ok)
	require.EqualValues(t, 3, c.TimestampNanos)
}

func TestPopOnEmptyIncrementsUnderrun(t *testing.T) {
	name := freshName(t)
	cfg := Config{Capacity: 2, SampleRateHz: 48000, ChannelCount: 2, BytesPerFrame: 8}
	r, err := Create(name, cfg)
	require.NoError(t, err)
	defer func() { r.Close(); r.Unlink() }()

	before := r.UnderrunCount()
	_, ok := r.Pop()
	require.False(t, ok)
	require.Equal(t, before+1, r.UnderrunCount())
}

func TestStreamActiveRoundTrip(t *testing.T) {
	name := freshName(t)
	cfg := Config{Capacity: 2, SampleRateHz: 48000, ChannelCount: 2, BytesPerFrame: 8}
	r, err := Create(name, cfg)
	require.NoError(t, err)
	defer func() { r.Close(); r.Unlink() }()

	require.False(t, r.StreamActive())
	r.SetStreamActive(true)
	require.True(t, r.StreamActive())
}
