// Package transport implements the isochronous transport adapter: the
// thin start/stop boundary between a transmitter and whatever actually
// drives an isochronous channel — a real 1394 OHCI controller, or a
// software simulator for development and testing — open a handle, wait
// for in-flight work to drain before stopping, close. Simulator fires one
// completion callback per callbackGroupInterval completed groups on a
// time.Ticker instead of a real controller's per-group hardware
// interrupt, so the batched-notification path can be exercised without
// real hardware.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fwaudio/amdtp-xmit/internal/errs"
)

// CompleteFunc is invoked once every callbackGroupInterval groups the
// transport finishes transmitting. It carries no group number: the
// transmitter tracks which groups it has prepared so far on its own and
// decides how many to prepare next from that state alone.
type CompleteFunc func()

// OverrunFunc is invoked when the transport detects it has wrapped the
// descriptor ring faster than the caller refilled it.
type OverrunFunc func()

// HardwareNub is the interface a transmitter drives; Simulator and a real
// OHCI-backed implementation both satisfy it.
type HardwareNub interface {
	// Start begins isochronous transmission on channel across a ring of
	// numGroups groups, invoking onComplete once every
	// callbackGroupInterval groups and onOverrun if the ring wraps
	// unrefilled.
	Start(ctx context.Context, channel int, numGroups int, callbackGroupInterval int, onComplete CompleteFunc, onOverrun OverrunFunc) error
	// Stop halts transmission, blocking until any in-flight callback has
	// returned.
	Stop() error
}

// Simulator is a software HardwareNub: it advances through a fixed-depth
// group ring on a fixed-period ticker, standing in for a real
// controller's per-group completion interrupt, and batches its callback
// the same way real hardware would.
type Simulator struct {
	CyclePeriod time.Duration // defaults to 125us, the nominal per-group simulated period

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	// InjectOverrunEvery, if nonzero, fires onOverrun every N simulated
	// group periods instead of onComplete, for exercising overrun recovery
	// without real hardware.
	InjectOverrunEvery int
}

// Start launches the simulator's ticker goroutine.
func (s *Simulator) Start(ctx context.Context, channel int, numGroups int, callbackGroupInterval int, onComplete CompleteFunc, onOverrun OverrunFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("%w: simulator already running", errs.Busy)
	}
	if numGroups <= 0 {
		return fmt.Errorf("%w: num groups must be positive", errs.BadArgument)
	}
	if callbackGroupInterval <= 0 {
		callbackGroupInterval = 1
	}

	period := s.CyclePeriod
	if period <= 0 {
		period = 125 * time.Microsecond
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		completedGroups := 0
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				completedGroups++
				if s.InjectOverrunEvery > 0 && completedGroups%s.InjectOverrunEvery == 0 {
					if onOverrun != nil {
						onOverrun()
					}
					continue
				}
				if completedGroups%callbackGroupInterval == 0 && onComplete != nil {
					onComplete()
				}
			}
		}
	}()

	return nil
}

// Stop cancels the ticker goroutine and waits for it to exit.
func (s *Simulator) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("%w: simulator not running", errs.NotReady)
	}
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}
