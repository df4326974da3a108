// Package dcl implements the DMA command list manager: a circular ring
// of isochronous transfer descriptors the controller walks autonomously,
// each pointing at one CIP header slot and one audio payload slot in the
// buffer manager. Descriptor updates are batched into segments and
// flushed to the controller as a group rather than one update per
// descriptor, since there is no real DMA-coherency domain to manage in a
// software simulation.
package dcl

import (
	"fmt"
	"sync"

	"github.com/fwaudio/amdtp-xmit/amdtp"
	"github.com/fwaudio/amdtp-xmit/internal/dmabuf"
	"github.com/fwaudio/amdtp-xmit/internal/errs"
)

// Descriptor is one slot of the circular DMA program: an isoch packet
// header match/mask pair plus pointers (by index) into the buffer
// manager's CIP header and audio areas, and the index of the descriptor
// the controller jumps to next.
type Descriptor struct {
	Index            int
	IsochHeaderValue uint32
	IsochHeaderMask  uint32
	AudioLength      int
	Next             int
}

// Program is the circular descriptor ring for one transmit stream.
type Program struct {
	mu          sync.Mutex
	bufs        *dmabuf.Manager
	descriptors []Descriptor
	dirty       []bool
	segmentSize int
	channel     int
}

// CreateProgram builds a Program of count descriptors over bufs, chained
// into a ring of segmentSize-descriptor batches. Each batch is the unit
// NotifySegmentUpdate flushes to the controller, so the caller round
// -trips once per segment rather than once per packet.
func CreateProgram(bufs *dmabuf.Manager, count, segmentSize, isochChannel int) (*Program, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: descriptor count must be positive", errs.BadArgument)
	}
	if segmentSize <= 0 || segmentSize > count {
		return nil, fmt.Errorf("%w: segment size must be in (0,%d]", errs.BadArgument, count)
	}

	p := &Program{
		bufs:        bufs,
		descriptors: make([]Descriptor, count),
		dirty:       make([]bool, count),
		segmentSize: segmentSize,
		channel:     isochChannel,
	}
	for i := range p.descriptors {
		p.descriptors[i].Index = i
	}
	p.FixupJumpTargets()
	return p, nil
}

// FixupJumpTargets rewires every descriptor's Next field into a single
// circular chain. Called once at creation; exported so a resized or
// partially rebuilt program can re-establish the ring.
func (p *Program) FixupJumpTargets() {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.descriptors)
	for i := range p.descriptors {
		p.descriptors[i].Next = (i + 1) % n
	}
}

// isochHeaderValueMask returns the fixed tag/sy match fields every
// isochronous packet header carries: tag=1 (CIP header present), sy=0.
// The channel is not part of this match/mask pair; it is resolved
// separately when the port manager allocates the isochronous channel.
func isochHeaderValueMask() (value, mask uint32) {
	const tag = uint32(1) << 14
	return tag, 0x0000C00F
}

// UpdatePacket recomputes descriptor index's isoch header fields and
// audio length from a freshly filled packet, and marks it dirty for the
// next NotifySegmentUpdate.
func (p *Program) UpdatePacket(index int, pkt amdtp.PrecalculatedPacket, audioBytes int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.descriptors) {
		return fmt.Errorf("%w: descriptor index %d out of range", errs.BadArgument, index)
	}

	value, mask := isochHeaderValueMask()
	d := &p.descriptors[index]
	d.IsochHeaderValue = value
	d.IsochHeaderMask = mask
	d.AudioLength = audioBytes
	p.dirty[index] = true
	return nil
}

// NotifySegmentUpdate commits every dirty descriptor in the segment
// containing index and returns their indices in ring order, clearing
// their dirty flags. A real controller would be told via one batched
// register write here; the software simulator just reads this result.
func (p *Program) NotifySegmentUpdate(index int) ([]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.descriptors)
	if index < 0 || index >= n {
		return nil, fmt.Errorf("%w: descriptor index %d out of range", errs.BadArgument, index)
	}

	segStart := (index / p.segmentSize) * p.segmentSize
	segEnd := segStart + p.segmentSize
	if segEnd > n {
		segEnd = n
	}

	var committed []int
	for i := segStart; i < segEnd; i++ {
		if p.dirty[i] {
			committed = append(committed, i)
			p.dirty[i] = false
		}
	}
	return committed, nil
}

// Descriptor returns a copy of the descriptor at index.
func (p *Program) Descriptor(index int) (Descriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.descriptors) {
		return Descriptor{}, fmt.Errorf("%w: descriptor index %d out of range", errs.BadArgument, index)
	}
	return p.descriptors[index], nil
}

// Len returns the descriptor ring depth.
func (p *Program) Len() int { return len(p.descriptors) }

// Channel returns the isochronous channel this program was created for.
func (p *Program) Channel() int { return p.channel }

// SegmentSize returns the configured batching granularity.
func (p *Program) SegmentSize() int { return p.segmentSize }
