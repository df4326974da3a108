package transmitter

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fwaudio/amdtp-xmit/internal/ring"
	"github.com/fwaudio/amdtp-xmit/internal/transport"
	"github.com/stretchr/testify/require"
)

func newTestRing(t *testing.T) *ring.Ring {
	t.Helper()
	name := fmt.Sprintf("/fwa_xmit_test_%s", t.Name())
	r, err := ring.Create(name, ring.Config{Capacity: 8, SampleRateHz: 48000, ChannelCount: 2, BytesPerFrame: 8})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close(); r.Unlink() })
	return r
}

func testConfig() Config {
	return Config{
		SampleRateHz:          48000,
		SID:                   1,
		DBS:                   2,
		BytesPerFrame:         8,
		NumGroups:             8,
		PacketsPerGroup:       4,
		CallbackGroupInterval: 1,
		IsochChannel:          5,
	}
}

func TestLifecycleStateMachine(t *testing.T) {
	r := newTestRing(t)
	nub := &transport.Simulator{CyclePeriod: time.Millisecond}
	tr := New()

	require.Equal(t, StateUninitialized, tr.State())

	require.NoError(t, tr.Initialize(testConfig(), r, nub))
	require.Equal(t, StateInitialized, tr.State())

	require.Error(t, tr.StopTransmit()) // not running yet

	require.NoError(t, tr.StartTransmit(context.Background()))
	require.Equal(t, StateRunning, tr.State())

	require.Error(t, tr.StartTransmit(context.Background())) // already running

	require.NoError(t, tr.StopTransmit())
	require.Equal(t, StateInitialized, tr.State())
}

func TestStartTransmitPrimesRingBeforeRunning(t *testing.T) {
	r := newTestRing(t)
	nub := &transport.Simulator{CyclePeriod: time.Millisecond}
	tr := New()

	require.NoError(t, tr.Initialize(testConfig(), r, nub))

	// Priming happens synchronously inside StartTransmit, before the nub
	// is ever started, so every descriptor should already be filled the
	// instant the call returns.
	require.NoError(t, tr.StartTransmit(context.Background()))
	defer tr.StopTransmit()

	require.GreaterOrEqual(t, tr.Snapshot().PacketProvider.PacketsFilled, uint64(32))
}

func TestStartTransmitAdvancesGroupsAndFillsPackets(t *testing.T) {
	r := newTestRing(t)
	nub := &transport.Simulator{CyclePeriod: time.Millisecond}
	tr := New()

	require.NoError(t, tr.Initialize(testConfig(), r, nub))
	require.NoError(t, tr.StartTransmit(context.Background()))
	defer tr.StopTransmit()

	require.Eventually(t, func() bool {
		return tr.Snapshot().PacketProvider.PacketsFilled >= 64
	}, time.Second, time.Millisecond)
}

func TestOverrunRecoveryNotifiesAndResyncs(t *testing.T) {
	r := newTestRing(t)
	nub := &transport.Simulator{CyclePeriod: time.Millisecond, InjectOverrunEvery: 3}
	tr := New()

	var recovered int
	tr.AddListener(func(n Notification) {
		if n.Kind == OverrunRecovered {
			recovered++
		}
	})

	require.NoError(t, tr.Initialize(testConfig(), r, nub))
	require.NoError(t, tr.StartTransmit(context.Background()))
	defer tr.StopTransmit()

	require.Eventually(t, func() bool {
		return tr.Snapshot().OverrunRecoveries >= 2
	}, time.Second, time.Millisecond)
}

func TestOverrunExceedingBudgetStopsStream(t *testing.T) {
	r := newTestRing(t)
	nub := &transport.Simulator{CyclePeriod: time.Millisecond, InjectOverrunEvery: 1}
	cfg := testConfig()
	cfg.MaxOverrunRecoveryAttempts = 2
	tr := New()

	var failed bool
	tr.AddListener(func(n Notification) {
		if n.Kind == OverrunRecoveryFailed {
			failed = true
		}
	})

	require.NoError(t, tr.Initialize(cfg, r, nub))
	require.NoError(t, tr.StartTransmit(context.Background()))

	require.Eventually(t, func() bool { return failed }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return tr.State() == StateInitialized }, time.Second, time.Millisecond)
}

func TestPushAudioDataBeforeInitializeErrors(t *testing.T) {
	tr := New()
	err := tr.PushAudioData(ring.Chunk{})
	require.Error(t, err)
}

func TestConfigureRequiresInitializedState(t *testing.T) {
	tr := New()
	err := tr.Configure(testConfig())
	require.Error(t, err)
}

func TestInitializeRejectsIntervalNotDividingGroups(t *testing.T) {
	r := newTestRing(t)
	nub := &transport.Simulator{CyclePeriod: time.Millisecond}
	cfg := testConfig()
	cfg.NumGroups = 8
	cfg.CallbackGroupInterval = 3
	tr := New()

	err := tr.Initialize(cfg, r, nub)
	require.Error(t, err)
}

func TestInitializeRejectsTooFewGroupsForInterval(t *testing.T) {
	r := newTestRing(t)
	nub := &transport.Simulator{CyclePeriod: time.Millisecond}
	cfg := testConfig()
	cfg.NumGroups = 2
	cfg.CallbackGroupInterval = 1
	tr := New()

	err := tr.Initialize(cfg, r, nub)
	require.Error(t, err)
}
