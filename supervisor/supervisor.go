// Package supervisor implements C5: the state machine, reconnection
// policy, heartbeat and bounded outbound queue wrapped around exactly
// one transport.Driver. Grounded on the teacher's writePump/readPump
// pair (internal/shared/pump_write.go, pump_read.go) for the
// select-loop-plus-ping-ticker shape, generalized from a server pushing
// to many clients into a client driving a single outbound connection.
package supervisor

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/odin-rt/core/message"
	"github.com/odin-rt/core/observability"
	"github.com/odin-rt/core/rterr"
	"github.com/odin-rt/core/transport"
)

// ReconnectStrategy selects the backoff shape §4.5 names.
type ReconnectStrategy int

const (
	ReconnectNone ReconnectStrategy = iota
	ReconnectImmediate
	ReconnectLinear
	ReconnectExponential
)

// ReconnectPolicy configures backoff timing. Jitter is applied as
// ±JitterFraction of the computed delay (§4.5: "jitter ±10%" is the
// default).
type ReconnectPolicy struct {
	Strategy      ReconnectStrategy
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxAttempts   int // 0 = unlimited
	JitterFraction float64
}

// DefaultReconnectPolicy mirrors the teacher's conservative defaults
// (pingPeriod-scaled backoff, capped).
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Strategy:       ReconnectExponential,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		MaxAttempts:    0,
		JitterFraction: 0.10,
	}
}

// delay computes the backoff for the given 1-indexed attempt, with
// jitter applied.
func (p ReconnectPolicy) delay(attempt int) time.Duration {
	var base time.Duration
	switch p.Strategy {
	case ReconnectNone:
		return 0
	case ReconnectImmediate:
		base = 0
	case ReconnectLinear:
		base = p.BaseDelay * time.Duration(attempt)
	case ReconnectExponential:
		base = p.BaseDelay * time.Duration(1<<uint(min(attempt-1, 20)))
	}
	if p.MaxDelay > 0 && base > p.MaxDelay {
		base = p.MaxDelay
	}
	if p.JitterFraction <= 0 || base <= 0 {
		return base
	}
	jitter := (rand.Float64()*2 - 1) * p.JitterFraction
	jittered := float64(base) * (1 + jitter)
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered)
}

// HeartbeatConfig controls ping/pong liveness detection.
type HeartbeatConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Config aggregates every C5 policy knob.
type Config struct {
	URL          string
	Reconnect    ReconnectPolicy
	Heartbeat    HeartbeatConfig
	QueueCapacity int
	Name         string // label used on every observability counter
}

// Counters is the set §4.5 names: messages/bytes sent/received,
// reconnection count, error count, uptime, last-message-at, EWMA
// latency.
type Counters struct {
	MessagesSent     int64
	MessagesReceived int64
	BytesSent        int64
	BytesReceived    int64
	ReconnectCount   int64
	ErrorCount       int64

	connectedSince atomic.Int64 // unix nano; 0 if not connected
	lastMessageAt  atomic.Int64

	mu           sync.Mutex
	ewmaLatency  float64
}

func (c *Counters) recordLatency(sample time.Duration) {
	const alpha = 0.125
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := float64(sample.Microseconds()) / 1000.0
	if c.ewmaLatency == 0 {
		c.ewmaLatency = ms
	} else {
		c.ewmaLatency = alpha*ms + (1-alpha)*c.ewmaLatency
	}
}

// EWMALatencyMillis returns the current smoothed latency estimate.
func (c *Counters) EWMALatencyMillis() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ewmaLatency
}

// Uptime returns how long the supervisor has been continuously
// connected, or 0 if not currently connected.
func (c *Counters) Uptime() time.Duration {
	since := c.connectedSince.Load()
	if since == 0 {
		return 0
	}
	return time.Since(time.Unix(0, since))
}

// LastMessageAt returns the timestamp of the last message sent or
// received, or the zero time if none yet.
func (c *Counters) LastMessageAt() time.Time {
	v := c.lastMessageAt.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

// Supervisor owns exactly one transport.Driver's lifecycle: connect,
// reconnect-with-backoff, heartbeat, and a bounded outbound FIFO queue
// that survives transient disconnects (messages queued while
// Reconnecting are flushed once Connected resumes). Outbound items also
// feed the adaptive layer's queue-drain on transport switch (§6).
type Supervisor struct {
	cfg    Config
	driver transport.Driver
	logger zerolog.Logger
	metrics *observability.Metrics

	Counters Counters

	mu      sync.RWMutex
	state   message.ConnSnapshot
	attempt int

	// skipNextDial is set by Replace: the lifecycle loop's next iteration
	// picks up the swapped-in driver as already connected instead of
	// calling Connect on it again.
	skipNextDial bool

	// connCancel tears down the current connected session's reader/writer
	// goroutines; Replace calls it after swapping the driver so the
	// lifecycle loop's next iteration picks up the new one deterministically
	// instead of racing the old driver's own disconnect.
	connCancel context.CancelFunc

	outbound chan message.Message
	inbound  chan message.Message

	lastPongAt atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Supervisor around driver, not yet connected. Call Run to
// start the supervisor's lifecycle goroutines.
func New(cfg Config, driver transport.Driver, logger zerolog.Logger, metrics *observability.Metrics) *Supervisor {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	return &Supervisor{
		cfg:      cfg,
		driver:   driver,
		logger:   logger,
		metrics:  metrics,
		state:    message.ConnSnapshot{State: message.Disconnected, ObservedAt: time.Now()},
		outbound: make(chan message.Message, cfg.QueueCapacity),
		inbound:  make(chan message.Message, cfg.QueueCapacity),
	}
}

func (s *Supervisor) setState(snap message.ConnSnapshot) {
	snap.ObservedAt = time.Now()
	s.mu.Lock()
	s.state = snap
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ConnState.WithLabelValues(s.cfg.Name).Set(float64(snap.State))
	}
}

// State returns a read-only snapshot, per §5's "other components read
// snapshots" rule.
func (s *Supervisor) State() message.ConnSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Inbound returns the channel of messages received from the transport,
// with Ping/Pong/Close already consumed by the supervisor.
func (s *Supervisor) Inbound() <-chan message.Message { return s.inbound }

// Send enqueues a message for delivery. Returns QueueFull if the
// outbound queue is at capacity (§4.5).
func (s *Supervisor) Send(msg message.Message) error {
	select {
	case s.outbound <- msg:
		return nil
	default:
		return rterr.QueueFull()
	}
}

// DrainOutbound non-blockingly removes and returns every message
// currently sitting in the outbound queue, in FIFO order. Used by the
// adaptive layer's transport switch (§4.6) to hand pending outbound
// traffic to the new driver instead of losing it when the old one is
// torn down.
func (s *Supervisor) DrainOutbound() []message.Message {
	var drained []message.Message
	for {
		select {
		case msg := <-s.outbound:
			drained = append(drained, msg)
		default:
			return drained
		}
	}
}

// Replace swaps in an already-connected driver in place of the one the
// supervisor is currently running, for the adaptive layer's transport
// switch (§4.6: "the connection supervisor hands off to the new driver
// without dropping the reconnect/heartbeat state machine"). It cancels
// the current connected session's reader/writer goroutines directly
// (rather than relying on the old driver's own disconnect to unblock
// them) so the lifecycle loop's next iteration deterministically picks
// up driver without redialing it, since Switch has already connected it.
func (s *Supervisor) Replace(driver transport.Driver) {
	s.mu.Lock()
	s.driver = driver
	s.skipNextDial = true
	cancel := s.connCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run starts the supervisor's connect/reconnect loop, heartbeat and
// writer goroutines, blocking until ctx is canceled or Close is called.
func (s *Supervisor) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.lifecycleLoop(ctx)
	s.wg.Wait()
}

func (s *Supervisor) lifecycleLoop(ctx context.Context) {
	defer s.wg.Done()
	defer observability.RecoverPanic(s.logger, "supervisor.lifecycleLoop", map[string]any{"name": s.cfg.Name})

	for {
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		skipDial := s.skipNextDial
		s.skipNextDial = false
		s.mu.Unlock()

		if !skipDial {
			s.setState(message.ConnSnapshot{State: message.Connecting})
			if err := s.driver.Connect(ctx, s.cfg.URL); err != nil {
				if !s.scheduleReconnect(ctx, err) {
					return
				}
				continue
			}
		}

		s.attempt = 0
		s.Counters.connectedSince.Store(time.Now().UnixNano())
		s.setState(message.ConnSnapshot{State: message.Connected})
		s.lastPongAt.Store(time.Now().UnixNano())

		s.runConnected(ctx)

		s.Counters.connectedSince.Store(0)
		if ctx.Err() != nil {
			return
		}
	}
}

// scheduleReconnect transitions to Reconnecting and sleeps for the
// policy's backoff, or to Failed{Recoverable:false} once MaxAttempts is
// exhausted. Returns false if the loop should stop entirely.
func (s *Supervisor) scheduleReconnect(ctx context.Context, cause error) bool {
	s.attempt++
	atomic.AddInt64(&s.Counters.ErrorCount, 1)
	atomic.AddInt64(&s.Counters.ReconnectCount, 1)
	if s.metrics != nil {
		s.metrics.ErrorCount.WithLabelValues(s.cfg.Name, "connect").Inc()
		s.metrics.ReconnectCount.WithLabelValues(s.cfg.Name).Inc()
	}

	if !rterr.Retryable(cause) {
		s.setState(message.ConnSnapshot{State: message.Failed, FailReason: cause.Error(), FailRecoverable: false})
		return false
	}
	if s.cfg.Reconnect.Strategy == ReconnectNone {
		s.setState(message.ConnSnapshot{State: message.Failed, FailReason: cause.Error(), FailRecoverable: false})
		return false
	}
	if s.cfg.Reconnect.MaxAttempts > 0 && s.attempt > s.cfg.Reconnect.MaxAttempts {
		s.setState(message.ConnSnapshot{State: message.Failed, FailReason: cause.Error(), FailRecoverable: false})
		return false
	}

	// A driver reporting a server retry hint (SSE's retry: field) sets the
	// reconnect base delay.
	s.mu.RLock()
	drv := s.driver
	s.mu.RUnlock()
	if h, ok := drv.(interface{ RetryHint() time.Duration }); ok {
		if hint := h.RetryHint(); hint > 0 {
			s.cfg.Reconnect.BaseDelay = hint
		}
	}

	d := s.cfg.Reconnect.delay(s.attempt)
	s.setState(message.ConnSnapshot{
		State:       message.Reconnecting,
		Attempt:     s.attempt,
		NextRetryAt: time.Now().Add(d),
	})

	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// runConnected drives the read/write/heartbeat loops for one connection
// lifetime. It returns once the driver disconnects or ctx is canceled.
func (s *Supervisor) runConnected(ctx context.Context) {
	connCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.connCancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.connCancel = nil
		s.mu.Unlock()
		cancel()
	}()

	var inner sync.WaitGroup
	inner.Add(2)
	go func() {
		defer inner.Done()
		defer observability.RecoverPanic(s.logger, "supervisor.reader", nil)
		s.readerLoop(connCtx)
	}()
	go func() {
		defer inner.Done()
		defer observability.RecoverPanic(s.logger, "supervisor.writer", nil)
		s.writerLoop(connCtx)
	}()
	inner.Wait()
}

func (s *Supervisor) readerLoop(ctx context.Context) {
	for {
		select {
		case item, ok := <-s.driver.Recv():
			if !ok {
				return
			}
			if item.Disconnect {
				s.driver.Close()
				return
			}
			s.handleInbound(item.Msg)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) handleInbound(msg message.Message) {
	now := time.Now()
	s.Counters.lastMessageAt.Store(now.UnixNano())
	atomic.AddInt64(&s.Counters.MessagesReceived, 1)
	atomic.AddInt64(&s.Counters.BytesReceived, int64(len(msg.Payload)))
	if s.metrics != nil {
		s.metrics.MessagesReceived.WithLabelValues(s.cfg.Name).Inc()
		s.metrics.BytesReceived.WithLabelValues(s.cfg.Name).Add(float64(len(msg.Payload)))
	}

	switch msg.Kind {
	case message.Pong:
		s.lastPongAt.Store(now.UnixNano())
		return
	case message.Ping:
		// Drivers auto-pong at the transport level; the supervisor only
		// tracks liveness here.
		return
	case message.Close:
		return
	}

	select {
	case s.inbound <- msg:
	default:
		// Inbound consumer is lagging; drop rather than block the reader
		// and stall heartbeat detection (§4.5 prioritizes liveness).
		atomic.AddInt64(&s.Counters.ErrorCount, 1)
	}
}

func (s *Supervisor) writerLoop(ctx context.Context) {
	var heartbeatC <-chan time.Time
	var ticker *time.Ticker
	if s.cfg.Heartbeat.Interval > 0 {
		ticker = time.NewTicker(s.cfg.Heartbeat.Interval)
		defer ticker.Stop()
		heartbeatC = ticker.C
	}

	for {
		select {
		case msg := <-s.outbound:
			if err := s.driver.Send(ctx, msg); err != nil {
				atomic.AddInt64(&s.Counters.ErrorCount, 1)
				if s.metrics != nil {
					s.metrics.ErrorCount.WithLabelValues(s.cfg.Name, "send").Inc()
				}
				if !rterr.Retryable(err) {
					return
				}
				continue
			}
			now := time.Now()
			s.Counters.lastMessageAt.Store(now.UnixNano())
			atomic.AddInt64(&s.Counters.MessagesSent, 1)
			atomic.AddInt64(&s.Counters.BytesSent, int64(len(msg.Payload)))
			if s.metrics != nil {
				s.metrics.MessagesSent.WithLabelValues(s.cfg.Name).Inc()
				s.metrics.BytesSent.WithLabelValues(s.cfg.Name).Add(float64(len(msg.Payload)))
			}

		case <-heartbeatC:
			if s.heartbeatTimedOut() {
				s.driver.Close()
				return
			}
			s.driver.Send(ctx, message.Message{Kind: message.Ping, CreatedAt: time.Now()})

		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) heartbeatTimedOut() bool {
	if s.cfg.Heartbeat.Timeout <= 0 {
		return false
	}
	last := s.lastPongAt.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) > s.cfg.Heartbeat.Timeout
}

// Close stops the supervisor's lifecycle goroutines and closes the
// underlying driver.
func (s *Supervisor) Close() error {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	return s.driver.Close()
}
