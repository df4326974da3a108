// Package precalc implements the CIP pre-calculator: a background
// goroutine that fills a small look-ahead ring of precalculated groups so
// the DCL-complete hot path never has to do per-rate SYT/DBC arithmetic
// while the controller's completion callback is running. The look-ahead
// ring holds whole groups rather than single packets, each published
// through a seqlock so concurrent readers never observe a torn group, and
// a hardware completion callback that must never block can poll it
// without taking a lock.
package precalc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fwaudio/amdtp-xmit/amdtp"
	"github.com/fwaudio/amdtp-xmit/internal/errs"
	"github.com/fwaudio/amdtp-xmit/internal/logging"
	"github.com/fwaudio/amdtp-xmit/internal/timing"
)

// GroupDepth is the look-ahead ring size: the number of whole groups the
// pre-calculator keeps ready ahead of the hot path.
const GroupDepth = 4

// MaxPacketsPerGroup bounds the fixed-size packet array carried inside
// one GroupState.
const MaxPacketsPerGroup = 32

// Style selects which SYT-offset generation rule a Calculator uses for
// rates that need Blocking-mode NO-DATA packets (the 44.1kHz family).
type Style int

const (
	// StylePhaseAccumulator is the IEC 61883-6 Blocking transfer rule:
	// accumulate rate against an 8-sample threshold and emit a fixed-size
	// DATA block whenever the accumulator crosses it, NO-DATA otherwise.
	StylePhaseAccumulator Style = iota
	// StyleAppleDDA drives the DATA/NO-DATA decision by comparing a
	// half-cycle-advancing decision-time reference against an
	// ideal-data-time reference seeded from real hardware cycle time and
	// advanced by a Bresenham (DDA) accumulator, rather than a single
	// running threshold.
	StyleAppleDDA
)

// Config parameterizes a Calculator for one transmit stream.
type Config struct {
	SampleRateHz    int
	SID             byte
	DBS             byte
	Style           Style
	PacketsPerGroup int // defaults to MaxPacketsPerGroup if zero
}

// GroupState is a point-in-time snapshot of one fully pre-calculated
// group: up to MaxPacketsPerGroup packets, the group's final running DBC,
// how many of the packets are meaningful, and when the group was written.
type GroupState struct {
	GroupNumber uint64
	PacketCount int
	FinalDBC    byte
	PreparedAt  time.Time
	Packets     [MaxPacketsPerGroup]amdtp.PrecalculatedPacket
}

// groupCell is one slot of the look-ahead ring: an even/odd version
// counter guarding a GroupState. The writer bumps the version to odd
// before touching state and back to even once it is consistent; readers
// only accept an even version, giving a wait-free seqlock.
type groupCell struct {
	version uint64
	state   GroupState
}

const (
	appleScale           = 10000
	appleWrapScaled      = 491520000
	appleThresholdScaled = 2048 * appleScale
	appleAdvanceScaled   = uint64(amdtp.OffsetsPerCycle/2) * appleScale
	appleBaseOffsetTicks = 2506
)

// Calculator produces CIP groups ahead of time into a fixed-depth
// wait-free ring. One background goroutine is the sole writer; any
// number of readers may poll GetGroupState concurrently.
type Calculator struct {
	cfg             Config
	fdf             byte
	packetsPerGroup int

	cells [GroupDepth]groupCell

	mu         sync.Mutex // serializes continuity state between the background writer and EmergencyCalculate
	cumulative byte       // running data-block count mod 256
	phaseAcc   uint32     // Blocking-rule sample accumulator
	offsetNum  uint64     // Bresenham fractional remainder for the SYT offset
	offsetTick uint32     // running SYT offset, 0..OffsetsPerCycle-1
	cycleLow   uint8      // running SYT cycle-low nibble

	// Apple-style DDA state, meaningful only when cfg.Style == StyleAppleDDA.
	appleSeeded   bool
	appleDecision uint64 // decision-time reference, scaled ticks
	appleIdeal    uint64 // ideal-data-time reference, scaled ticks
	appleDDAWhole uint64
	appleDDARem   uint64
	appleDDADenom uint64
	appleDDAAcc   int64
	lastAppleBase uint64 // ideal-data-time used for the packet just computed

	nextGroupToWrite uint64 // atomic, absolute group number the writer produces next
	lastConsumed     int64  // atomic; -1 means nothing consumed yet

	stop chan struct{}
	done chan struct{}

	log *logging.Hot
}

// NewCalculator validates cfg and returns an idle Calculator; call Start
// to begin filling the look-ahead ring.
func NewCalculator(cfg Config) (*Calculator, error) {
	fdf, ok := amdtp.FDFForRate(cfg.SampleRateHz)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported sample rate %d", errs.BadArgument, cfg.SampleRateHz)
	}
	if cfg.DBS == 0 {
		return nil, fmt.Errorf("%w: dbs must be nonzero", errs.BadArgument)
	}
	if cfg.PacketsPerGroup == 0 {
		cfg.PacketsPerGroup = MaxPacketsPerGroup
	}
	if cfg.PacketsPerGroup < 0 || cfg.PacketsPerGroup > MaxPacketsPerGroup {
		return nil, fmt.Errorf("%w: packets per group must be in (0,%d]", errs.BadArgument, MaxPacketsPerGroup)
	}

	c := &Calculator{
		cfg:             cfg,
		fdf:             fdf,
		packetsPerGroup: cfg.PacketsPerGroup,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
		log:             logging.NewHot(logging.For("precalc"), time.Second),
		lastConsumed:    -1,
	}
	if cfg.Style == StyleAppleDDA {
		c.initAppleDDALocked()
	}
	for i := range c.cells {
		c.cells[i].version = 1 // odd: never valid until the writer first publishes it
	}
	return c, nil
}

func (c *Calculator) initAppleDDALocked() {
	dividend := uint64(amdtp.OffsetsPerCycle) * uint64(amdtp.CyclesPerSecond) * uint64(amdtp.SYTInterval) * appleScale
	denom := uint64(c.cfg.SampleRateHz)
	c.appleDDAWhole = dividend / denom
	c.appleDDARem = dividend % denom
	c.appleDDADenom = denom
	c.appleDDAAcc = int64(c.appleDDARem / 2)
}

// samplesPerCycleIsExact reports the number of audio frames per 125us
// isochronous cycle when the configured rate is a whole multiple of 8000;
// otherwise it returns frames 0 and exact false.
func (c *Calculator) samplesPerCycleIsExact() (frames int, exact bool) {
	rate := c.cfg.SampleRateHz
	if rate%amdtp.CyclesPerSecond == 0 {
		return rate / amdtp.CyclesPerSecond, true
	}
	return 0, false
}

// decide runs the configured rate rule and returns whether the next
// packet is NO-DATA and, if not, how many frames it carries. Must be
// called with c.mu held.
func (c *Calculator) decide() (isNoData bool, frames int) {
	if n, exact := c.samplesPerCycleIsExact(); exact {
		// Integer-multiple rates (48k family): every cycle carries a
		// fixed block, Blocking transfer and NO-DATA are never needed.
		return false, n
	}

	switch c.cfg.Style {
	case StyleAppleDDA:
		if !c.appleSeeded {
			// No real hardware timestamp has arrived yet (e.g. before the
			// first DCL completion); fall back to the threshold rule
			// rather than stalling continuity.
			return c.decidePhaseAccumulator()
		}
		return c.decideAppleDDA()
	default: // StylePhaseAccumulator
		return c.decidePhaseAccumulator()
	}
}

func (c *Calculator) decidePhaseAccumulator() (bool, int) {
	threshold := uint32(amdtp.SYTInterval) * amdtp.CyclesPerSecond
	c.phaseAcc += uint32(c.cfg.SampleRateHz)
	if c.phaseAcc >= threshold {
		c.phaseAcc -= threshold
		return false, amdtp.SYTInterval
	}
	return true, 0
}

// decideAppleDDA advances the decision-time reference by half a cycle and
// compares it against the ideal-data-time reference: NO-DATA when
// decision time has not yet caught up to (or is within a small wrap-aware
// threshold of) ideal time, DATA otherwise, with ideal time then advanced
// by a Bresenham accumulator. Both references wrap at the same modulus so
// neither grows unbounded between reseeds from real hardware time.
func (c *Calculator) decideAppleDDA() (bool, int) {
	c.appleDecision = (c.appleDecision + appleAdvanceScaled) % appleWrapScaled
	sct, idt := c.appleDecision, c.appleIdeal

	noData := sct <= idt
	if !noData && (idt-sct+appleWrapScaled) <= appleThresholdScaled {
		noData = true
	}
	if noData {
		return true, 0
	}

	c.lastAppleBase = idt
	inc := c.appleDDAWhole
	c.appleDDAAcc += int64(c.appleDDARem)
	if c.appleDDAAcc >= int64(c.appleDDADenom) {
		inc++
		c.appleDDAAcc -= int64(c.appleDDADenom)
	}
	c.appleIdeal = (idt + inc) % appleWrapScaled
	return false, amdtp.SYTInterval
}

// advanceSYT moves the running ideal-presentation-time accumulator
// forward by frames audio frames and returns the SYT field for the
// packet that just carried them. Must be called with c.mu held.
func (c *Calculator) advanceSYT(frames int) uint16 {
	c.offsetNum += uint64(frames) * uint64(amdtp.OffsetsPerCycle) * uint64(amdtp.CyclesPerSecond)
	denom := uint64(c.cfg.SampleRateHz)
	ticks := c.offsetNum / denom
	c.offsetNum -= ticks * denom

	total := uint64(c.offsetTick) + ticks
	c.offsetTick = uint32(total % uint64(amdtp.OffsetsPerCycle))
	carry := total / uint64(amdtp.OffsetsPerCycle)
	c.cycleLow = uint8((uint64(c.cycleLow) + carry) & 0xf)

	return amdtp.EncodeSYT(c.cycleLow, uint16(c.offsetTick))
}

// nextLocked computes the next precalculated packet from the current
// continuity state. Must be called with c.mu held.
func (c *Calculator) nextLocked() amdtp.PrecalculatedPacket {
	isNoData, frames := c.decide()

	h := amdtp.CIPHeader{
		SID: c.cfg.SID,
		DBS: c.cfg.DBS,
		FDF: c.fdf,
		DBC: c.cumulative,
	}

	if isNoData {
		h.SYT = amdtp.NoDataSYT
		return amdtp.PrecalculatedPacket{Header: h, IsNoData: true}
	}

	if c.cfg.Style == StyleAppleDDA && c.appleSeeded {
		unscaled := c.lastAppleBase / appleScale
		off := (appleBaseOffsetTicks + unscaled) % uint64(amdtp.OffsetsPerCycle)
		h.SYT = amdtp.EncodeSYT(0, uint16(off))
	} else {
		h.SYT = c.advanceSYT(frames)
	}
	c.cumulative += byte(frames)
	return amdtp.PrecalculatedPacket{Header: h, IsNoData: false, DBCIncrement: byte(frames)}
}

// writeGroupLocked fills one ring cell with a freshly computed group,
// bumping its version to odd before writing and back to even once the
// group is complete and consistent. Must NOT be called with c.mu held;
// it takes the lock itself around each packet's continuity step.
func (c *Calculator) writeGroupLocked(cellIdx int, group uint64) {
	cell := &c.cells[cellIdx]
	v := atomic.LoadUint64(&cell.version)
	atomic.StoreUint64(&cell.version, v+1) // -> odd: readers must now retry

	cell.state.GroupNumber = group
	cell.state.PreparedAt = time.Now()
	n := c.packetsPerGroup

	c.mu.Lock()
	for i := 0; i < n; i++ {
		cell.state.Packets[i] = c.nextLocked()
	}
	cell.state.FinalDBC = c.cumulative
	c.mu.Unlock()

	cell.state.PacketCount = n
	atomic.StoreUint64(&cell.version, v+2) // -> even: group is now readable
}

// SeedAppleClock seeds both Apple-DDA reference times from a real
// hardware cycle-time value. Call once, from the first DCL completion.
func (c *Calculator) SeedAppleClock(reg timing.Encoded) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seedAppleClockLocked(reg)
}

func (c *Calculator) seedAppleClockLocked(reg timing.Encoded) {
	v := appleScaledTicks(reg)
	c.appleDecision = v
	c.appleIdeal = v
	c.appleDDAAcc = int64(c.appleDDARem / 2)
	c.appleSeeded = true
}

// UpdateAppleClock re-aligns the decision-time reference to a fresh
// hardware cycle-time value; the ideal-data-time reference is left alone
// to continue its own DDA progression. Call once per group completion
// after the first.
func (c *Calculator) UpdateAppleClock(reg timing.Encoded) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.appleSeeded {
		c.seedAppleClockLocked(reg)
		return
	}
	c.appleDecision = appleScaledTicks(reg)
}

func appleScaledTicks(reg timing.Encoded) uint64 {
	total := uint64(reg.Seconds())*uint64(amdtp.OffsetsPerCycle)*uint64(amdtp.CyclesPerSecond) +
		uint64(reg.Cycles())*uint64(amdtp.OffsetsPerCycle) +
		uint64(reg.Offset())
	return (total * appleScale) % appleWrapScaled
}

// ForceSync realigns continuity state after a recovery event (for example
// a DCL overrun restart): the next packet produced carries dbc exactly,
// every ring cell is invalidated, and absolute group numbering restarts at
// zero since the prior wire timing reference is no longer valid.
// prevWasNoData is accepted but not used: under the running-count rule dbc
// is already the value the next packet carries, whatever came before it.
func (c *Calculator) ForceSync(dbc byte, prevWasNoData bool) {
	c.mu.Lock()
	c.cumulative = dbc
	c.phaseAcc = 0
	c.offsetNum = 0
	c.offsetTick = 0
	c.cycleLow = 0
	c.appleSeeded = false
	c.appleDecision = 0
	c.appleIdeal = 0
	if c.cfg.Style == StyleAppleDDA {
		c.appleDDAAcc = int64(c.appleDDARem / 2)
	}
	_ = prevWasNoData
	c.mu.Unlock()

	for i := range c.cells {
		atomic.StoreUint64(&c.cells[i].version, 1) // odd: unreadable until rewritten
	}
	atomic.StoreUint64(&c.nextGroupToWrite, 0)
	atomic.StoreInt64(&c.lastConsumed, -1)
}

// ResyncAfterEmergency realigns continuity state after the hot path has
// computed group's packets inline (because the background writer had not
// reached it yet), and makes sure the writer resumes after group rather
// than redoing it against a continuity reference that has since moved on.
func (c *Calculator) ResyncAfterEmergency(group uint64, dbc byte, prevWasNoData bool) {
	c.mu.Lock()
	c.cumulative = dbc
	_ = prevWasNoData
	c.mu.Unlock()

	for {
		cur := atomic.LoadUint64(&c.nextGroupToWrite)
		if cur > group {
			return
		}
		if atomic.CompareAndSwapUint64(&c.nextGroupToWrite, cur, group+1) {
			return
		}
	}
}

// EmergencyCalculate synchronously computes one packet inline, bypassing
// the look-ahead ring. Callers use this from the hot path only when a
// group is not yet ready; it takes the same lock the background goroutine
// uses, and so is serialized with it, but never blocks for long since
// nextLocked does a fixed, small amount of integer arithmetic.
func (c *Calculator) EmergencyCalculate() amdtp.PrecalculatedPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Warn("emergency", "pre-calculator ring starved, computing inline")
	return c.nextLocked()
}

// Start launches the background fill goroutine.
func (c *Calculator) Start() {
	go c.run()
}

// Stop signals the background goroutine to exit and waits for it.
func (c *Calculator) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Calculator) run() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		g := atomic.LoadUint64(&c.nextGroupToWrite)
		lastConsumed := atomic.LoadInt64(&c.lastConsumed)
		overshoot := int64(g) - lastConsumed - GroupDepth
		if overshoot > 0 {
			// Ring full: the consumer hasn't caught up yet. A short
			// adaptive sleep avoids spinning without risking overwriting
			// a cell the hot path hasn't consumed.
			c.sleepAdaptive(overshoot)
			continue
		}

		c.writeGroupLocked(int(g%GroupDepth), g)
		atomic.CompareAndSwapUint64(&c.nextGroupToWrite, g, g+1)
	}
}

func (c *Calculator) sleepAdaptive(overshoot int64) {
	d := 5 * time.Microsecond
	if overshoot > 1 {
		d = time.Duration(overshoot) * 20 * time.Microsecond
	}
	if d > 200*time.Microsecond {
		d = 200 * time.Microsecond
	}
	select {
	case <-c.stop:
	case <-time.After(d):
	}
}

// GetGroupState returns a copy of the fully pre-calculated group with the
// given absolute group number, making up to three attempts in all if the
// writer is mid-update. ok is false if the group is not (yet) ready, or the ring
// cell currently holds a different group entirely.
func (c *Calculator) GetGroupState(group uint64) (GroupState, bool) {
	cell := &c.cells[group%GroupDepth]
	for attempt := 0; attempt < 3; attempt++ {
		v1 := atomic.LoadUint64(&cell.version)
		if v1%2 != 0 {
			continue
		}
		state := cell.state
		v2 := atomic.LoadUint64(&cell.version)
		if v2 != v1 {
			continue
		}
		if state.GroupNumber != group {
			return GroupState{}, false
		}
		return state, true
	}
	return GroupState{}, false
}

// MarkGroupConsumed records that group (and everything before it) has
// been read by the hot path, so the background writer may reuse its ring
// cell. Safe to call concurrently; out-of-order or repeated calls only
// ever move the recorded high-water mark forward.
func (c *Calculator) MarkGroupConsumed(group uint64) {
	for {
		cur := atomic.LoadInt64(&c.lastConsumed)
		if int64(group) <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(&c.lastConsumed, cur, int64(group)) {
			return
		}
	}
}

// Pending returns the number of whole groups currently prepared ahead of
// the hot path.
func (c *Calculator) Pending() int {
	lastConsumed := atomic.LoadInt64(&c.lastConsumed)
	g := atomic.LoadUint64(&c.nextGroupToWrite)
	return int(int64(g) - lastConsumed - 1)
}

// PacketsPerGroup returns the configured group size.
func (c *Calculator) PacketsPerGroup() int { return c.packetsPerGroup }
