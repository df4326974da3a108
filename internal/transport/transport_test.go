package transport

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSimulatorInvokesOnCompleteEveryCallbackInterval(t *testing.T) {
	s := &Simulator{CyclePeriod: time.Millisecond}
	var calls int32

	err := s.Start(context.Background(), 3, 16, 4, func() {
		atomic.AddInt32(&calls, 1)
	}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 2
	}, time.Second, time.Millisecond)

	require.NoError(t, s.Stop())
}

func TestSimulatorRejectsDoubleStart(t *testing.T) {
	s := &Simulator{CyclePeriod: time.Millisecond}
	require.NoError(t, s.Start(context.Background(), 1, 4, 1, nil, nil))
	defer s.Stop()

	err := s.Start(context.Background(), 1, 4, 1, nil, nil)
	require.Error(t, err)
}

func TestSimulatorRejectsNonPositiveGroupCount(t *testing.T) {
	s := &Simulator{CyclePeriod: time.Millisecond}
	err := s.Start(context.Background(), 1, 0, 1, nil, nil)
	require.Error(t, err)
}

func TestSimulatorStopWithoutStartErrors(t *testing.T) {
	s := &Simulator{}
	require.Error(t, s.Stop())
}

func TestSimulatorInjectsOverrun(t *testing.T) {
	s := &Simulator{CyclePeriod: time.Millisecond, InjectOverrunEvery: 2}
	var overruns int32
	err := s.Start(context.Background(), 1, 4, 1, func() {}, func() {
		atomic.AddInt32(&overruns, 1)
	})
	require.NoError(t, err)
	defer s.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&overruns) >= 2
	}, time.Second, time.Millisecond)
}

func TestSimulatorDefaultsMissingCallbackIntervalToOne(t *testing.T) {
	s := &Simulator{CyclePeriod: time.Millisecond}
	var calls int32
	err := s.Start(context.Background(), 1, 4, 0, func() {
		atomic.AddInt32(&calls, 1)
	}, nil)
	require.NoError(t, err)
	defer s.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 3
	}, time.Second, time.Millisecond)
}
