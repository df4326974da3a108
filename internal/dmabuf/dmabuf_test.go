package dmabuf

import (
	"testing"

	"github.com/fwaudio/amdtp-xmit/internal/errs"
	"github.com/stretchr/testify/require"
)

func testLayout() Layout {
	return Layout{
		DescriptorCount: 16,
		MaxPayloadBytes: 64,
		TemplateBytes:   16,
		TimestampBytes:  8,
	}
}

func TestNewManagerRejectsBadLayout(t *testing.T) {
	_, err := NewManager(Layout{})
	require.True(t, errs.Is(err, errs.BadArgument))
}

func TestAreasAreDisjointAndPageRounded(t *testing.T) {
	m, err := NewManager(testLayout())
	require.NoError(t, err)
	require.Zero(t, m.Size()%PageSize)
	require.GreaterOrEqual(t, m.Size(), testLayout().DescriptorCount*(64+8+16+8))
}

func TestSlotAccessorsAreIndependentAndInRange(t *testing.T) {
	layout := testLayout()
	m, err := NewManager(layout)
	require.NoError(t, err)

	a0, err := m.Audio(0)
	require.NoError(t, err)
	require.Len(t, a0, 64)

	c0, err := m.CIPHeader(0)
	require.NoError(t, err)
	require.Len(t, c0, 8)

	a0[0] = 0xaa
	c0[0] = 0xbb
	require.Equal(t, byte(0xaa), a0[0])
	require.Equal(t, byte(0xbb), c0[0])

	_, err = m.Audio(layout.DescriptorCount)
	require.True(t, errs.Is(err, errs.BadArgument))

	_, err = m.Audio(-1)
	require.True(t, errs.Is(err, errs.BadArgument))
}

func TestWritesToDifferentSlotsDoNotAlias(t *testing.T) {
	m, err := NewManager(testLayout())
	require.NoError(t, err)

	s0, _ := m.Audio(0)
	s1, _ := m.Audio(1)
	s0[0] = 1
	s1[0] = 2
	require.Equal(t, byte(1), s0[0])
	require.Equal(t, byte(2), s1[0])
}
