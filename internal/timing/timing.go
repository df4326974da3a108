// Package timing converts between the FireWire bus cycle-time register
// (seconds:cycles:offsets) and host nanoseconds, caching the host's
// monotonic-to-cycle-register reference once at Start rather than
// re-deriving it on every call.
package timing

import "time"

const (
	// SecondsBits is the width of the seconds field; it wraps every 128 s.
	SecondsBits = 7
	secondsMod  = uint32(1) << SecondsBits // 128

	cyclesPerSecond = 8000 // each cycle is 125 microseconds
	offsetsPerCycle = 3072 // each offset is ~40.69 nanoseconds

	nanosPerSecond     = uint64(1_000_000_000)
	nanosPerCycle      = nanosPerSecond / cyclesPerSecond                    // 125_000 ns
	picosPerOffsetX1e3 = 1000 * nanosPerCycle * 1000 / uint64(offsetsPerCycle) // scaled to avoid truncation below 1ns

	// WrapPeriod is the 128-second span the seconds field wraps at.
	WrapPeriod = time.Duration(secondsMod) * time.Second
)

// Encoded is the 32-bit FireWire cycle-time register:
// bits 25-31 seconds (0-127), bits 12-24 cycles (0-7999), bits 0-11 offset (0-3071).
type Encoded uint32

func pack(seconds, cycles, offset uint32) Encoded {
	return Encoded((seconds&0x7f)<<25 | (cycles&0x1fff)<<12 | (offset & 0xfff))
}

// Seconds extracts the 0-127 seconds field.
func (e Encoded) Seconds() uint32 { return (uint32(e) >> 25) & 0x7f }

// Cycles extracts the 0-7999 cycles field.
func (e Encoded) Cycles() uint32 { return (uint32(e) >> 12) & 0x1fff }

// Offset extracts the 0-3071 offset field.
func (e Encoded) Offset() uint32 { return uint32(e) & 0xfff }

// EncodedToNanos converts a cycle-time register value to nanoseconds since
// the start of its current 128-second wrap window. All arithmetic stays
// within uint64; a 128s window spans only ~1.28e11 ns.
func EncodedToNanos(e Encoded) uint64 {
	seconds := uint64(e.Seconds())
	cycles := uint64(e.Cycles())
	offset := uint64(e.Offset())

	nanos := seconds*nanosPerSecond + cycles*nanosPerCycle
	// offset contributes offset * (nanosPerCycle / offsetsPerCycle) ns;
	// do the division last, scaled up, to avoid losing sub-nanosecond bits.
	nanos += (offset * nanosPerCycle) / offsetsPerCycle
	return nanos
}

// NanosToEncoded converts nanoseconds (modulo the 128s wrap) back to a
// cycle-time register value.
func NanosToEncoded(nanos uint64) Encoded {
	nanos %= secondsMod_nanos()
	seconds := uint32(nanos / nanosPerSecond)
	rem := nanos % nanosPerSecond
	cycles := uint32(rem / nanosPerCycle)
	rem = rem % nanosPerCycle
	offset := uint32((rem * offsetsPerCycle) / nanosPerCycle)
	return pack(seconds, cycles, offset)
}

func secondsMod_nanos() uint64 {
	return uint64(secondsMod) * nanosPerSecond
}

// DeltaNanos returns b-a in nanoseconds, choosing the minimal signed path
// across the 128-second wrap (the result's magnitude never exceeds 64s).
func DeltaNanos(a, b Encoded) int64 {
	na := int64(EncodedToNanos(a))
	nb := int64(EncodedToNanos(b))
	period := int64(secondsMod_nanos())

	d := nb - na
	// Normalize into (-period/2, period/2].
	half := period / 2
	for d > half {
		d -= period
	}
	for d <= -half {
		d += period
	}
	return d
}

// HostClock caches the host monotonic-clock reference fetched once at
// Start, and converts host ticks to nanoseconds relative to it.
type HostClock struct {
	epoch time.Time
}

// Start fetches the host monotonic reference point.
func Start() *HostClock {
	return &HostClock{epoch: time.Now()}
}

// NowNanos returns nanoseconds elapsed since Start was called.
func (c *HostClock) NowNanos() uint64 {
	return uint64(time.Since(c.epoch).Nanoseconds())
}
