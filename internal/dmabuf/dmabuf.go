// Package dmabuf implements the buffer manager: a single page-rounded
// allocation divided into four fixed areas — audio payload,
// CIP header, isoch packet template, and timestamp — indexed by
// descriptor slot.
package dmabuf

import (
	"fmt"

	"github.com/fwaudio/amdtp-xmit/internal/errs"
)

// PageSize is the allocation granularity every area is rounded up to.
const PageSize = 4096

// roundUp rounds n up to the next multiple of PageSize.
func roundUp(n int) int {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// Layout describes the shape of one Manager's allocation.
type Layout struct {
	DescriptorCount int // number of packet slots (DCL program depth)
	MaxPayloadBytes int // worst-case per-packet audio payload size
	TemplateBytes   int // bytes reserved per slot for the isoch header template
	TimestampBytes  int // bytes reserved per slot for the host-clock timestamp
}

func (l Layout) validate() error {
	if l.DescriptorCount <= 0 {
		return fmt.Errorf("%w: descriptor count must be positive", errs.BadArgument)
	}
	if l.MaxPayloadBytes <= 0 {
		return fmt.Errorf("%w: max payload bytes must be positive", errs.BadArgument)
	}
	if l.TemplateBytes < 0 || l.TimestampBytes < 0 {
		return fmt.Errorf("%w: negative area size", errs.BadArgument)
	}
	return nil
}

const cipHeaderBytes = 8

// area describes one of the four per-slot regions within the backing
// allocation: its per-slot stride and the byte offset of slot 0.
type area struct {
	stride int
	base   int
}

// Manager owns the single contiguous, page-rounded allocation backing a
// transmitter's audio, CIP header, isoch template and timestamp areas, and
// hands out slices into it by descriptor index.
type Manager struct {
	mem    []byte
	layout Layout

	audio     area
	cipHeader area
	template  area
	timestamp area

	total int
}

// NewManager allocates and lays out the four areas for the given Layout.
// The backing allocation is a single Go byte slice; each area is rounded
// up to PageSize, but the slice itself carries no page alignment or
// DMA-coherent mapping.
func NewManager(layout Layout) (*Manager, error) {
	if err := layout.validate(); err != nil {
		return nil, err
	}

	n := layout.DescriptorCount

	m := &Manager{layout: layout}
	offset := 0

	m.audio = area{stride: layout.MaxPayloadBytes, base: offset}
	offset += roundUp(layout.MaxPayloadBytes * n)

	m.cipHeader = area{stride: cipHeaderBytes, base: offset}
	offset += roundUp(cipHeaderBytes * n)

	m.template = area{stride: layout.TemplateBytes, base: offset}
	offset += roundUp(layout.TemplateBytes * n)

	m.timestamp = area{stride: layout.TimestampBytes, base: offset}
	offset += roundUp(layout.TimestampBytes * n)

	m.total = offset
	m.mem = make([]byte, m.total)

	return m, nil
}

// Size returns the total page-rounded allocation size in bytes.
func (m *Manager) Size() int { return m.total }

func (m *Manager) slotSlice(a area, index int) ([]byte, error) {
	if index < 0 || index >= m.layout.DescriptorCount {
		return nil, fmt.Errorf("%w: descriptor index %d out of range [0,%d)", errs.BadArgument, index, m.layout.DescriptorCount)
	}
	if a.stride == 0 {
		return nil, nil
	}
	start := a.base + index*a.stride
	return m.mem[start : start+a.stride], nil
}

// Audio returns the audio payload slot for the given descriptor index.
func (m *Manager) Audio(index int) ([]byte, error) { return m.slotSlice(m.audio, index) }

// CIPHeader returns the 8-byte CIP header slot for the given descriptor
// index.
func (m *Manager) CIPHeader(index int) ([]byte, error) { return m.slotSlice(m.cipHeader, index) }

// Template returns the isoch packet header template slot for the given
// descriptor index.
func (m *Manager) Template(index int) ([]byte, error) { return m.slotSlice(m.template, index) }

// Timestamp returns the timestamp slot for the given descriptor index.
func (m *Manager) Timestamp(index int) ([]byte, error) { return m.slotSlice(m.timestamp, index) }

// AudioCapacity returns the fixed per-slot audio payload capacity in
// bytes.
func (m *Manager) AudioCapacity() int { return m.audio.stride }
