// Package transmitter implements the transmit core's orchestration
// layer: the state machine and hot-path group-complete handler that wire
// the buffer manager, pre-calculator, packet provider and DCL program
// into one running stream, reacting to hardware completion and overrun
// callbacks a whole group at a time.
package transmitter

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fwaudio/amdtp-xmit/amdtp"
	"github.com/fwaudio/amdtp-xmit/internal/dcl"
	"github.com/fwaudio/amdtp-xmit/internal/dmabuf"
	"github.com/fwaudio/amdtp-xmit/internal/errs"
	"github.com/fwaudio/amdtp-xmit/internal/logging"
	"github.com/fwaudio/amdtp-xmit/internal/packetprovider"
	"github.com/fwaudio/amdtp-xmit/internal/precalc"
	"github.com/fwaudio/amdtp-xmit/internal/ring"
	"github.com/fwaudio/amdtp-xmit/internal/timing"
	"github.com/fwaudio/amdtp-xmit/internal/transport"
)

// TraceFunc receives one call per transmitted packet, after its audio and
// CIP header have been written. Used to feed internal/tracelog without
// coupling this package to it; must not block.
type TraceFunc func(descriptorIndex int, pkt amdtp.PrecalculatedPacket)

// State is one position in the transmitter's lifecycle state machine.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// NotificationKind enumerates the events a Transmitter reports to its
// client listeners.
type NotificationKind int

const (
	Underrun NotificationKind = iota
	OverrunRecovered
	OverrunRecoveryFailed
	Started
	Stopped
)

// Notification is one client-facing event.
type Notification struct {
	Kind    NotificationKind
	Attempt int
}

// Listener receives transmitter notifications. It must not block.
type Listener func(Notification)

// Config parameterizes one transmit stream. The descriptor ring is
// organized as NumGroups groups of PacketsPerGroup packets each; the
// hardware completion callback fires once every CallbackGroupInterval
// groups rather than once per packet, so CallbackGroupInterval must
// divide NumGroups and NumGroups must be at least three times
// CallbackGroupInterval to keep the look-ahead ring from starving.
type Config struct {
	SampleRateHz               int
	SID                        byte
	DBS                        byte
	BytesPerFrame              int
	NumGroups                  int
	PacketsPerGroup            int
	CallbackGroupInterval      int
	IsochChannel               int
	Style                      precalc.Style
	MaxOverrunRecoveryAttempts int // default 3 if zero
	UnderrunNotifyEveryGroups  int // default 1 (no throttling) if zero
}

func (c Config) withDefaults() Config {
	if c.MaxOverrunRecoveryAttempts == 0 {
		c.MaxOverrunRecoveryAttempts = 3
	}
	if c.UnderrunNotifyEveryGroups == 0 {
		c.UnderrunNotifyEveryGroups = 1
	}
	if c.CallbackGroupInterval == 0 {
		c.CallbackGroupInterval = 1
	}
	return c
}

func (c Config) validate() error {
	if c.NumGroups <= 0 || c.PacketsPerGroup <= 0 || c.BytesPerFrame <= 0 {
		return fmt.Errorf("%w: num groups, packets per group and bytes per frame must be positive", errs.BadArgument)
	}
	if c.NumGroups%c.CallbackGroupInterval != 0 {
		return fmt.Errorf("%w: callback group interval must divide num groups", errs.BadArgument)
	}
	if c.NumGroups < 3*c.CallbackGroupInterval {
		return fmt.Errorf("%w: num groups must be at least 3x callback group interval", errs.BadArgument)
	}
	return nil
}

func (c Config) descriptorCount() int { return c.NumGroups * c.PacketsPerGroup }

// Diagnostics is a full point-in-time snapshot of transmitter state: no
// JSON/HTTP surface, just an in-process struct.
type Diagnostics struct {
	State             string
	PacketProvider    packetprovider.Diagnostics
	OverrunAttempts   uint64
	OverrunRecoveries uint64
	OverrunFailures   uint64
	DBCMismatches     uint64
}

// Transmitter owns one isochronous transmit stream end to end.
type Transmitter struct {
	mu    sync.Mutex
	state State
	cfg   Config
	fdf   byte

	bufs     *dmabuf.Manager
	calc     *precalc.Calculator
	provider *packetprovider.Provider
	program  *dcl.Program
	nub      transport.HardwareNub
	ringBuf  *ring.Ring
	clock    *timing.HostClock

	cancel context.CancelFunc

	overrunAttempts   uint64
	overrunRecoveries uint64
	overrunFailures   uint64
	underrunGroups    uint64
	dbcMismatches     uint64
	callbackCount     uint64
	nextGroupToPrep   uint64

	lastDBC              byte
	lastWasNoData        bool
	expectedNextDBC      byte
	expectedNextDBCValid bool
	appleClockSeeded     bool

	listeners []Listener
	trace     TraceFunc
	log       *logging.Hot
}

// New returns an uninitialized Transmitter.
func New() *Transmitter {
	return &Transmitter{
		state: StateUninitialized,
		log:   logging.NewHot(logging.For("transmitter"), 500*time.Millisecond),
	}
}

// AddListener registers a notification listener. Must be called before
// StartTransmit; listeners are invoked synchronously from the hot path,
// so they must not block or allocate heavily.
func (t *Transmitter) AddListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// SetTrace installs a per-packet trace hook, replacing any previous one.
// Must be called before StartTransmit.
func (t *Transmitter) SetTrace(fn TraceFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trace = fn
}

func (t *Transmitter) notify(n Notification) {
	for _, l := range t.listeners {
		l(n)
	}
}

// Initialize validates cfg, allocates the buffer manager, pre-calculator
// and DCL program, and binds them to r and nub. Valid only from
// StateUninitialized.
func (t *Transmitter) Initialize(cfg Config, r *ring.Ring, nub transport.HardwareNub) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateUninitialized {
		return fmt.Errorf("%w: initialize requires state uninitialized, got %s", errs.NotReady, t.state)
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}

	fdf, ok := amdtp.FDFForRate(cfg.SampleRateHz)
	if !ok {
		return fmt.Errorf("%w: unsupported sample rate %d", errs.BadArgument, cfg.SampleRateHz)
	}

	descriptorCount := cfg.descriptorCount()

	bufs, err := dmabuf.NewManager(dmabuf.Layout{
		DescriptorCount: descriptorCount,
		MaxPayloadBytes: cfg.BytesPerFrame * 64, // generous per-packet ceiling across supported rates
		TemplateBytes:   16,
		TimestampBytes:  8,
	})
	if err != nil {
		return err
	}

	calc, err := precalc.NewCalculator(precalc.Config{
		SampleRateHz:    cfg.SampleRateHz,
		SID:             cfg.SID,
		DBS:             cfg.DBS,
		Style:           cfg.Style,
		PacketsPerGroup: cfg.PacketsPerGroup,
	})
	if err != nil {
		return err
	}

	provider, err := packetprovider.New(r, bufs, cfg.BytesPerFrame)
	if err != nil {
		return err
	}

	program, err := dcl.CreateProgram(bufs, descriptorCount, cfg.PacketsPerGroup, cfg.IsochChannel)
	if err != nil {
		return err
	}

	t.cfg = cfg
	t.fdf = fdf
	t.bufs = bufs
	t.calc = calc
	t.provider = provider
	t.program = program
	t.nub = nub
	t.ringBuf = r
	t.state = StateInitialized
	return nil
}

// Configure updates the stream configuration. Valid only while
// Initialized; reconfiguring a running stream requires StopTransmit
// first.
func (t *Transmitter) Configure(cfg Config) error {
	t.mu.Lock()
	state := t.state
	if state != StateInitialized {
		t.mu.Unlock()
		return fmt.Errorf("%w: configure requires state initialized, got %s", errs.NotReady, state)
	}
	t.state = StateUninitialized
	r, nub := t.ringBuf, t.nub
	t.mu.Unlock()

	if err := t.Initialize(cfg, r, nub); err != nil {
		t.mu.Lock()
		t.state = StateInitialized
		t.mu.Unlock()
		return err
	}
	return nil
}

// PushAudioData writes one chunk of audio into the bound ring. This is
// the client control-thread path; it never touches hot-path state.
func (t *Transmitter) PushAudioData(c ring.Chunk) error {
	t.mu.Lock()
	r := t.ringBuf
	t.mu.Unlock()
	if r == nil {
		return fmt.Errorf("%w: transmitter not initialized", errs.NotReady)
	}
	r.Push(c)
	return nil
}

// primeRing walks every descriptor and loads it with a NO-DATA/silence
// packet before the hardware nub ever starts, so the controller never
// walks a descriptor the pre-calculator hasn't reached yet.
func (t *Transmitter) primeRing() error {
	silent := amdtp.PrecalculatedPacket{
		Header: amdtp.CIPHeader{
			SID: t.cfg.SID,
			DBS: t.cfg.DBS,
			FDF: t.fdf,
			DBC: 0,
			SYT: amdtp.NoDataSYT,
		},
		IsNoData: true,
	}

	n := t.cfg.descriptorCount()
	for idx := 0; idx < n; idx++ {
		hdr, err := t.bufs.CIPHeader(idx)
		if err != nil {
			return err
		}
		silent.Header.MarshalTo(hdr)

		if err := t.provider.FillSilence(idx); err != nil {
			return err
		}
		if err := t.program.UpdatePacket(idx, silent, 0); err != nil {
			return err
		}
	}

	t.program.FixupJumpTargets()

	for g := 0; g < t.cfg.NumGroups; g++ {
		if _, err := t.program.NotifySegmentUpdate(g * t.cfg.PacketsPerGroup); err != nil {
			return err
		}
	}
	return nil
}

// StartTransmit primes the descriptor ring with silence, resets
// continuity state, and begins driving the hardware nub. Valid only from
// StateInitialized.
func (t *Transmitter) StartTransmit(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateInitialized {
		t.mu.Unlock()
		return fmt.Errorf("%w: start_transmit requires state initialized, got %s", errs.NotReady, t.state)
	}
	t.mu.Unlock()

	t.calc.ForceSync(0, false)
	t.lastDBC = 0
	t.lastWasNoData = false
	t.expectedNextDBCValid = false
	t.appleClockSeeded = false
	atomic.StoreUint64(&t.callbackCount, 0)
	atomic.StoreUint64(&t.nextGroupToPrep, 0)
	atomic.StoreUint64(&t.dbcMismatches, 0)
	atomic.StoreUint64(&t.overrunAttempts, 0)

	if err := t.primeRing(); err != nil {
		return err
	}

	t.mu.Lock()
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.clock = timing.Start()
	t.calc.Start()
	t.state = StateRunning
	t.mu.Unlock()

	if err := t.nub.Start(runCtx, t.cfg.IsochChannel, t.cfg.NumGroups, t.cfg.CallbackGroupInterval, t.onGroupsComplete, t.onOverrun); err != nil {
		t.mu.Lock()
		t.state = StateInitialized
		t.mu.Unlock()
		t.calc.Stop()
		return err
	}

	t.notify(Notification{Kind: Started})
	return nil
}

// StopTransmit halts the hardware nub and the pre-calculator, returning
// to StateInitialized. Valid from StateRunning.
func (t *Transmitter) StopTransmit() error {
	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return fmt.Errorf("%w: stop_transmit requires state running, got %s", errs.NotReady, t.state)
	}
	t.state = StateStopping
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := t.nub.Stop(); err != nil {
		return err
	}
	t.calc.Stop()

	t.mu.Lock()
	t.state = StateInitialized
	t.mu.Unlock()

	t.notify(Notification{Kind: Stopped})
	return nil
}

// onGroupsComplete is the hot-path handler invoked by the hardware nub
// once every Config.CallbackGroupInterval groups. It must never block:
// prepareGroup falls back to an inline emergency calculation rather than
// waiting on the pre-calculator. The first callback catches the pipeline
// up by one extra group so steady-state preparation stays ahead of the
// controller even though the ring was only primed with silence.
func (t *Transmitter) onGroupsComplete() {
	count := atomic.AddUint64(&t.callbackCount, 1)

	groupsToPrepare := t.cfg.CallbackGroupInterval
	if count == 1 {
		groupsToPrepare++
	}

	for i := 0; i < groupsToPrepare; i++ {
		g := atomic.AddUint64(&t.nextGroupToPrep, 1) - 1
		t.prepareGroup(g)
	}
}

// prepareGroup fills every descriptor in group g from the pre-calculator
// (or, if the look-ahead ring hasn't reached it yet, inline via
// EmergencyCalculate), marshals each packet's CIP header, and commits the
// whole group to the controller with exactly one NotifySegmentUpdate.
func (t *Transmitter) prepareGroup(g uint64) {
	n := t.cfg.PacketsPerGroup
	packets := make([]amdtp.PrecalculatedPacket, n)

	state, ok := t.calc.GetGroupState(g)
	if ok {
		copy(packets, state.Packets[:state.PacketCount])
	} else {
		for i := 0; i < n; i++ {
			packets[i] = t.calc.EmergencyCalculate()
		}
		last := packets[n-1]
		finalDBC := last.Header.DBC
		if !last.IsNoData {
			finalDBC += last.DBCIncrement
		}
		t.calc.ResyncAfterEmergency(g, finalDBC, last.IsNoData)
	}

	base := int(g%uint64(t.cfg.NumGroups)) * t.cfg.PacketsPerGroup

	for i, pkt := range packets {
		idx := base + i

		hdr, err := t.bufs.CIPHeader(idx)
		if err != nil {
			t.log.Warn("cip_header_error", "failed to access cip header slot", "index", idx, "err", err)
			continue
		}
		pkt.Header.MarshalTo(hdr)

		audioLen := 0
		if pkt.IsNoData {
			if err := t.provider.FillSilence(idx); err != nil {
				t.log.Warn("fill_silence_error", "failed to fill descriptor", "index", idx, "err", err)
				continue
			}
			t.lastDBC = pkt.Header.DBC
			t.lastWasNoData = true
		} else {
			audioLen = int(pkt.DBCIncrement) * t.cfg.BytesPerFrame
			if err := t.provider.FillAudio(idx, int(pkt.DBCIncrement)); err != nil {
				t.log.Warn("fill_audio_error", "failed to fill descriptor", "index", idx, "err", err)
				continue
			}
			t.lastDBC = pkt.Header.DBC + pkt.DBCIncrement
			t.lastWasNoData = false
		}

		t.checkDBCContinuity(pkt)

		if err := t.program.UpdatePacket(idx, pkt, audioLen); err != nil {
			t.log.Warn("update_packet_error", "failed to update descriptor", "index", idx, "err", err)
			continue
		}

		if t.trace != nil {
			t.trace(idx, pkt)
		}
	}

	if _, err := t.program.NotifySegmentUpdate(base); err != nil {
		t.log.Warn("notify_segment_error", "failed to notify segment", "base", base, "err", err)
	}

	if ok {
		t.calc.MarkGroupConsumed(g)
	}

	if t.cfg.Style == precalc.StyleAppleDDA {
		t.updateAppleClock(base)
	}

	if t.ringBuf != nil && t.ringBuf.Len() == 0 {
		groups := atomic.AddUint64(&t.underrunGroups, 1)
		if groups%uint64(t.cfg.UnderrunNotifyEveryGroups) == 0 {
			t.notify(Notification{Kind: Underrun})
		}
	}
}

// checkDBCContinuity compares pkt's DBC against the value carried forward
// from the previous packet. There is no independent hardware feedback
// path in a software simulation, so this is the closest available
// approximation to validating the controller actually transmitted what
// was programmed: self-consistency of the running counter.
func (t *Transmitter) checkDBCContinuity(pkt amdtp.PrecalculatedPacket) {
	if t.expectedNextDBCValid && pkt.Header.DBC != t.expectedNextDBC {
		atomic.AddUint64(&t.dbcMismatches, 1)
		t.log.Warn("dbc_discontinuity", "packet dbc does not match expected continuity",
			"expected", t.expectedNextDBC, "got", pkt.Header.DBC)
	}

	if pkt.IsNoData {
		t.expectedNextDBC = pkt.Header.DBC
	} else {
		t.expectedNextDBC = pkt.Header.DBC + pkt.DBCIncrement
	}
	t.expectedNextDBCValid = true
}

// updateAppleClock feeds a synthetic hardware cycle-time reading into the
// Apple-DDA generator and records it alongside the group's base
// descriptor, standing in for the real cycle-time register a hardware
// nub would expose.
func (t *Transmitter) updateAppleClock(base int) {
	reg := timing.NanosToEncoded(t.clock.NowNanos())

	if ts, err := t.bufs.Timestamp(base); err == nil && len(ts) >= 4 {
		binary.BigEndian.PutUint32(ts[:4], uint32(reg))
	}

	if !t.appleClockSeeded {
		t.calc.SeedAppleClock(reg)
		t.appleClockSeeded = true
		return
	}
	t.calc.UpdateAppleClock(reg)
}

// onOverrun is invoked by the hardware nub when the DCL ring wrapped
// unrefilled. It retries recovery up to Config.MaxOverrunRecoveryAttempts
// times; beyond that it gives up and stops the stream rather than spin
// forever.
func (t *Transmitter) onOverrun() {
	attempts := atomic.AddUint64(&t.overrunAttempts, 1)

	if attempts > uint64(t.cfg.MaxOverrunRecoveryAttempts) {
		atomic.AddUint64(&t.overrunFailures, 1)
		t.notify(Notification{Kind: OverrunRecoveryFailed, Attempt: int(attempts)})
		go t.StopTransmit()
		return
	}

	t.calc.ForceSync(t.lastDBC, t.lastWasNoData)
	atomic.StoreUint64(&t.nextGroupToPrep, 0)
	t.expectedNextDBCValid = false
	t.program.FixupJumpTargets()
	atomic.AddUint64(&t.overrunRecoveries, 1)
	t.notify(Notification{Kind: OverrunRecovered, Attempt: int(attempts)})
}

// Snapshot returns a point-in-time diagnostics view.
func (t *Transmitter) Snapshot() Diagnostics {
	t.mu.Lock()
	state := t.state
	var pd packetprovider.Diagnostics
	if t.provider != nil {
		pd = t.provider.Snapshot()
	}
	t.mu.Unlock()

	return Diagnostics{
		State:             state.String(),
		PacketProvider:    pd,
		OverrunAttempts:   atomic.LoadUint64(&t.overrunAttempts),
		OverrunRecoveries: atomic.LoadUint64(&t.overrunRecoveries),
		OverrunFailures:   atomic.LoadUint64(&t.overrunFailures),
		DBCMismatches:     atomic.LoadUint64(&t.dbcMismatches),
	}
}

// State returns the current lifecycle state.
func (t *Transmitter) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
