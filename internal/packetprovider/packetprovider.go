// Package packetprovider binds the shared-memory audio ring to the
// buffer manager: it fills one descriptor slot's audio area per call,
// substituting silence and counting an underrun whenever the ring can't
// supply enough audio in time. It knows nothing about CIP headers or SYT
// timing; that is the transmitter's responsibility once it has a
// precalculated packet in hand.
package packetprovider

import (
	"fmt"
	"sync/atomic"

	"github.com/fwaudio/amdtp-xmit/amdtp"
	"github.com/fwaudio/amdtp-xmit/internal/dmabuf"
	"github.com/fwaudio/amdtp-xmit/internal/errs"
	"github.com/fwaudio/amdtp-xmit/internal/logging"
	"github.com/fwaudio/amdtp-xmit/internal/ring"
)

// Diagnostics is a snapshot of packet-provider counters, surfaced through
// the transmitter's Snapshot method.
type Diagnostics struct {
	PacketsFilled   uint64
	DataPackets     uint64
	NoDataPackets   uint64
	UnderrunPackets uint64
}

// Provider fills one DCL descriptor slot's audio area at a time from a
// ring.
type Provider struct {
	r             *ring.Ring
	bufs          *dmabuf.Manager
	bytesPerFrame int

	spill []byte // leftover audio bytes from the last ring pop, not yet consumed

	packetsFilled   uint64
	dataPackets     uint64
	noDataPackets   uint64
	underrunPackets uint64

	log *logging.Hot
}

// New binds a Provider to the given ring and buffer manager.
// bytesPerFrame is the wire size of one AM824 frame (4 bytes per
// channel).
func New(r *ring.Ring, bufs *dmabuf.Manager, bytesPerFrame int) (*Provider, error) {
	if bytesPerFrame <= 0 {
		return nil, fmt.Errorf("%w: bytes per frame must be positive", errs.BadArgument)
	}
	return &Provider{
		r:             r,
		bufs:          bufs,
		bytesPerFrame: bytesPerFrame,
		log:           logging.NewHot(logging.For("packetprovider"), 0),
	}, nil
}

// fillFromRing appends to p.spill until it holds at least n bytes,
// substituting silence (and counting an underrun) if the ring has
// nothing queued.
func (p *Provider) fillFromRing(n int) {
	for len(p.spill) < n {
		c, ok := p.r.Pop()
		if !ok {
			atomic.AddUint64(&p.underrunPackets, 1)
			pad := n - len(p.spill)
			p.spill = append(p.spill, make([]byte, pad)...)
			return
		}
		p.spill = append(p.spill, c.Data...)
	}
}

// FillAudio writes the audio payload for one descriptor slot. frames is
// the number of audio frames the packet carries; zero means NO-DATA and
// the slot is filled with AM824 silence without touching the ring.
func (p *Provider) FillAudio(descriptorIndex int, frames int) error {
	audioSlot, err := p.bufs.Audio(descriptorIndex)
	if err != nil {
		return err
	}

	if frames == 0 {
		atomic.AddUint64(&p.noDataPackets, 1)
		amdtp.FormatAM824Silence(audioSlot)
		atomic.AddUint64(&p.packetsFilled, 1)
		return nil
	}

	atomic.AddUint64(&p.dataPackets, 1)
	needed := frames * p.bytesPerFrame
	if needed > len(audioSlot) {
		return fmt.Errorf("%w: packet needs %d audio bytes, slot holds %d", errs.InternalError, needed, len(audioSlot))
	}
	p.fillFromRing(needed)
	amdtp.FormatAM824Buffer(audioSlot[:needed], p.spill[:needed])
	p.spill = p.spill[needed:]

	atomic.AddUint64(&p.packetsFilled, 1)
	return nil
}

// FillSilence writes NO-DATA silence into descriptorIndex's audio slot
// without touching the ring, for priming the DCL program before
// transmission starts.
func (p *Provider) FillSilence(descriptorIndex int) error {
	return p.FillAudio(descriptorIndex, 0)
}

// Snapshot returns the current counters.
func (p *Provider) Snapshot() Diagnostics {
	return Diagnostics{
		PacketsFilled:   atomic.LoadUint64(&p.packetsFilled),
		DataPackets:     atomic.LoadUint64(&p.dataPackets),
		NoDataPackets:   atomic.LoadUint64(&p.noDataPackets),
		UnderrunPackets: atomic.LoadUint64(&p.underrunPackets),
	}
}
