package dcl

import (
	"testing"

	"github.com/fwaudio/amdtp-xmit/amdtp"
	"github.com/fwaudio/amdtp-xmit/internal/dmabuf"
	"github.com/stretchr/testify/require"
)

func newTestBufs(t *testing.T) *dmabuf.Manager {
	t.Helper()
	m, err := dmabuf.NewManager(dmabuf.Layout{DescriptorCount: 8, MaxPayloadBytes: 64, TemplateBytes: 8, TimestampBytes: 8})
	require.NoError(t, err)
	return m
}

func TestCreateProgramChainsRingInOrder(t *testing.T) {
	bufs := newTestBufs(t)
	p, err := CreateProgram(bufs, 8, 4, 63)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		d, err := p.Descriptor(i)
		require.NoError(t, err)
		require.Equal(t, (i+1)%8, d.Next)
	}
}

func TestCreateProgramRejectsBadSegmentSize(t *testing.T) {
	bufs := newTestBufs(t)
	_, err := CreateProgram(bufs, 8, 0, 1)
	require.Error(t, err)
	_, err = CreateProgram(bufs, 8, 9, 1)
	require.Error(t, err)
}

func TestUpdatePacketMarksDirtyUntilSegmentFlush(t *testing.T) {
	bufs := newTestBufs(t)
	p, err := CreateProgram(bufs, 8, 4, 1)
	require.NoError(t, err)

	pkt := amdtp.PrecalculatedPacket{Header: amdtp.CIPHeader{DBS: 2}, DBCIncrement: 8}
	require.NoError(t, p.UpdatePacket(2, pkt, 64))

	committed, err := p.NotifySegmentUpdate(0)
	require.NoError(t, err)
	require.Equal(t, []int{2}, committed)

	// A second flush of the same segment has nothing new to report.
	committed, err = p.NotifySegmentUpdate(0)
	require.NoError(t, err)
	require.Empty(t, committed)
}

func TestNotifySegmentUpdateOnlyReportsOwnSegment(t *testing.T) {
	bufs := newTestBufs(t)
	p, err := CreateProgram(bufs, 8, 4, 1)
	require.NoError(t, err)

	pkt := amdtp.PrecalculatedPacket{Header: amdtp.CIPHeader{DBS: 2}}
	require.NoError(t, p.UpdatePacket(1, pkt, 32))
	require.NoError(t, p.UpdatePacket(5, pkt, 32))

	committed, err := p.NotifySegmentUpdate(0) // segment [0,4)
	require.NoError(t, err)
	require.Equal(t, []int{1}, committed)

	committed, err = p.NotifySegmentUpdate(4) // segment [4,8)
	require.NoError(t, err)
	require.Equal(t, []int{5}, committed)
}

func TestIsochHeaderFieldsMatchTagAndSY(t *testing.T) {
	bufs := newTestBufs(t)
	p, err := CreateProgram(bufs, 4, 4, 17)
	require.NoError(t, err)

	pkt := amdtp.PrecalculatedPacket{Header: amdtp.CIPHeader{DBS: 2}}
	require.NoError(t, p.UpdatePacket(0, pkt, 16))

	d, err := p.Descriptor(0)
	require.NoError(t, err)
	require.Equal(t, uint32(0x4000), d.IsochHeaderValue)
	require.Equal(t, uint32(0x0000C00F), d.IsochHeaderMask)
	require.Equal(t, 17, p.Channel())
}
