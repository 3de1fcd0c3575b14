// Package network tracks whether the device can currently reach the
// network, and over what kind of interface.
package network

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hyperengineering/tether/internal/notify"
	"github.com/hyperengineering/tether/internal/types"
)

var (
	// ErrTimeout is returned by AwaitConnection when no connection appeared
	// in time.
	ErrTimeout = errors.New("timed out waiting for connectivity")
	ErrClosed  = errors.New("network monitor closed")
)

// Prober answers whether a usable network path exists right now.
type Prober interface {
	Probe(ctx context.Context) (types.ConnectivityState, error)
}

// Monitor publishes connectivity transitions. It starts Disconnected and
// only reports Connected after a probe or a host signal says so.
type Monitor struct {
	state    *notify.Broadcaster[types.ConnectivityState]
	prober   Prober
	interval time.Duration
}

// NewMonitor creates a monitor. prober may be nil when the host pushes
// signals with Report instead of polling.
func NewMonitor(prober Prober, interval time.Duration) *Monitor {
	return &Monitor{
		state: notify.New(types.Disconnected(), func(a, b types.ConnectivityState) bool {
			return a == b
		}),
		prober:   prober,
		interval: interval,
	}
}

// Current returns the latest known connectivity.
func (m *Monitor) Current() types.ConnectivityState {
	return m.state.Current()
}

// Changes streams connectivity. The first value is the current state and
// later values are transitions only.
func (m *Monitor) Changes(ctx context.Context) <-chan types.ConnectivityState {
	return m.state.Subscribe(ctx)
}

// Report records an OS-level reachability signal.
func (m *Monitor) Report(s types.ConnectivityState) {
	if m.state.Publish(s) {
		slog.Info("connectivity changed",
			"component", "network",
			"action", "transition",
			"state", s.String(),
		)
	}
}

// AwaitConnection blocks until connected, ctx ends or timeout elapses.
func (m *Monitor) AwaitConnection(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for s := range m.Changes(ctx) {
		if s.Connected {
			return nil
		}
	}
	switch err := ctx.Err(); {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case err != nil:
		return err
	default:
		return ErrClosed
	}
}

// Run polls the prober until ctx is cancelled. A failed probe counts as
// Disconnected. Run returns immediately when there is no prober.
func (m *Monitor) Run(ctx context.Context) {
	if m.prober == nil || m.interval <= 0 {
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	s, err := m.prober.Probe(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Debug("connectivity probe failed",
			"component", "network",
			"error", err,
		)
		s = types.Disconnected()
	}
	m.Report(s)
}

// Close ends every Changes subscription.
func (m *Monitor) Close() {
	m.state.Close()
}
