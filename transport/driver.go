// Package transport defines C4: the capability set a single protocol
// endpoint exposes (connect/send/recv/close + state), shared by the three
// concrete drivers in transport/ws, transport/sse and transport/wt.
package transport

import (
	"context"
	"time"

	"github.com/odin-rt/core/message"
)

// Item is what the receive stream yields: either an envelope or a
// Disconnect signal, per §4.4.
type Item struct {
	Msg        message.Message
	Disconnect bool
	Reason     error
}

// Driver is the capability set every transport implements. A driver is
// single-protocol, single-connection: the adaptive layer (C6) composes
// several behind one logical client; the connection supervisor (C5) wraps
// exactly one.
type Driver interface {
	// Connect moves state from Disconnected through Connecting to
	// Connected or Failed. url's scheme has already been validated by the
	// caller (§6 — invalid scheme is a ProtocolError raised before any
	// network activity, so Connect itself never sees one).
	Connect(ctx context.Context, url string) error

	// Send transmits a single envelope. No implicit batching; the driver
	// must not reorder messages (§4.4).
	Send(ctx context.Context, msg message.Message) error

	// Recv returns a channel yielding inbound items until the connection
	// closes, at which point the channel is closed.
	Recv() <-chan Item

	// Close is idempotent and transitions state to Disconnected.
	Close() error

	// State returns a snapshot of the current connection state.
	State() message.ConnSnapshot

	// Protocol identifies which of the three protocols this driver speaks.
	Protocol() message.Protocol

	// Healthy is the narrow capability perf.Pool needs to decide reuse
	// eligibility (see perf.PooledDriver).
	Healthy() bool
}

// Metrics is a single protocol's rolling health data, per §3 "Transport
// metrics". EWMA fields use α=0.125 throughout the runtime, matching the
// teacher's EWMA latency convention
// (internal/shared/connection.go's buffering rationale uses the same
// smoothing constant for its own latency accounting).
type Metrics struct {
	Attempts  int64
	Successes int64
	Failures  int64

	EWMARTTMillis      float64
	EWMAThroughputBps  float64

	LastSuccessAt time.Time
	LastFailureAt time.Time

	// window is a ring buffer of the last N=128 attempt outcomes (true =
	// success) used to compute ErrorRate over a sliding window rather than
	// since-inception, per §3.
	window    [128]bool
	windowLen int
	windowPos int
}

// RecordAttempt folds one connection attempt's outcome into the rolling
// metrics. rttMillis and throughputBps are ignored (pass 0) for failed
// attempts.
func (m *Metrics) RecordAttempt(success bool, rttMillis, throughputBps float64) {
	const alpha = 0.125

	m.Attempts++
	now := time.Now()
	if success {
		m.Successes++
		m.LastSuccessAt = now
		if m.EWMARTTMillis == 0 {
			m.EWMARTTMillis = rttMillis
		} else {
			m.EWMARTTMillis = alpha*rttMillis + (1-alpha)*m.EWMARTTMillis
		}
		if m.EWMAThroughputBps == 0 {
			m.EWMAThroughputBps = throughputBps
		} else {
			m.EWMAThroughputBps = alpha*throughputBps + (1-alpha)*m.EWMAThroughputBps
		}
	} else {
		m.Failures++
		m.LastFailureAt = now
	}

	m.window[m.windowPos] = success
	m.windowPos = (m.windowPos + 1) % len(m.window)
	if m.windowLen < len(m.window) {
		m.windowLen++
	}
}

// ErrorRate is failures / max(1, attempts) over the last 128 attempts
// (§3), not since-inception.
func (m *Metrics) ErrorRate() float64 {
	if m.windowLen == 0 {
		return 0
	}
	var failures int
	for i := 0; i < m.windowLen; i++ {
		if !m.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(max(1, m.windowLen))
}
