// Package adaptive implements C6: protocol capability detection,
// scoring, and fallback switching across the WebSocket/WebTransport/SSE
// drivers. Grounded structurally on the teacher's ReplayBuffer
// (src/replay_buffer.go) for the bounded fallback audit log, and on
// transport.Metrics for the scoring inputs.
package adaptive

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/odin-rt/core/message"
	"github.com/odin-rt/core/rterr"
	"github.com/odin-rt/core/transport"
)

// Requirements is the capability filter a caller can impose on
// candidate protocols (§6: "requirements filter").
type Requirements struct {
	RequireBidirectional bool
	RequireStreaming     bool
	RequireMultiplexing  bool
}

func (r Requirements) satisfiedBy(c message.Capabilities) bool {
	if r.RequireBidirectional && !c.Bidirectional {
		return false
	}
	if r.RequireStreaming && !c.Streaming {
		return false
	}
	if r.RequireMultiplexing && !c.Multiplexing {
		return false
	}
	return true
}

// FallbackStrategy selects how a switch from one transport to another is
// carried out (§6).
type FallbackStrategy int

const (
	Immediate FallbackStrategy = iota
	Delayed
	Gradual
	Conditional
)

// Candidate binds a driver factory to the protocol it produces, plus the
// URL scheme to detect it from.
type Candidate struct {
	Protocol message.Protocol
	Scheme   string
	New      func() transport.Driver
}

// DetectCandidates inspects a URL's scheme and returns the subset of
// registered candidates it can address (§6 "capability detection from
// URL scheme"): ws/wss -> WebSocket, https -> WebTransport and SSE both
// listen on https, so both are returned for the caller's scoring pass to
// rank.
func DetectCandidates(rawURL string, registered []Candidate) ([]Candidate, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, rterr.ProtocolError("invalid URL: " + err.Error())
	}
	var out []Candidate
	for _, c := range registered {
		if schemeMatches(u.Scheme, c.Scheme) {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, rterr.ProtocolError("no registered transport matches scheme " + u.Scheme)
	}
	return out, nil
}

func schemeMatches(scheme, candidateScheme string) bool {
	if candidateScheme == "https" {
		return scheme == "https"
	}
	return scheme == candidateScheme
}

// FallbackEvent is one audit-log entry: a switch from one protocol to
// another (or an initial selection, From == To's zero value distinction
// left to Reason).
type FallbackEvent struct {
	From   message.Protocol
	To     message.Protocol
	Reason string
	At     time.Time
}

// auditLog is a bounded ring buffer of fallback events, so a misbehaving
// network can't grow the audit trail without bound. The teacher's
// ReplayBuffer (src/replay_buffer.go) bounds message history the same
// way but evicts with an O(n) slice shift; its own comment sketches the
// head/tail % capacity approach as a "production optimization" without
// implementing it, which is what auditLog does here.
type auditLog struct {
	mu      sync.Mutex
	entries []FallbackEvent
	cap     int
	pos     int
	full    bool
}

func newAuditLog(capacity int) *auditLog {
	if capacity <= 0 {
		capacity = 64
	}
	return &auditLog{entries: make([]FallbackEvent, capacity), cap: capacity}
}

func (a *auditLog) append(e FallbackEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[a.pos] = e
	a.pos = (a.pos + 1) % a.cap
	if a.pos == 0 {
		a.full = true
	}
}

// Snapshot returns the audit log's entries in chronological order.
func (a *auditLog) Snapshot() []FallbackEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.full {
		out := make([]FallbackEvent, a.pos)
		copy(out, a.entries[:a.pos])
		return out
	}
	out := make([]FallbackEvent, a.cap)
	copy(out, a.entries[a.pos:])
	copy(out[a.cap-a.pos:], a.entries[:a.pos])
	return out
}

// ScoreWeights are the scoring formula's coefficients (§6): protocol base
// score plus weighted success rate, latency and throughput terms, with
// requirement-match/-violation adjustments.
type ScoreWeights struct {
	SuccessRateWeight float64
	LatencyWeight     float64
	ThroughputWeight  float64

	RequirementMatchBonus    float64
	RequirementViolationPenalty float64
}

// DefaultScoreWeights matches §6's example coefficients.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		SuccessRateWeight:           0.3,
		LatencyWeight:               0.2,
		ThroughputWeight:            0.1,
		RequirementMatchBonus:       0.2,
		RequirementViolationPenalty: 0.3,
	}
}

func protocolBaseScore(p message.Protocol) float64 {
	switch p {
	case message.WebTransport:
		return 0.9
	case message.WebSocket:
		return 0.8
	case message.SSE:
		return 0.5
	default:
		return 0
	}
}

// Score computes a candidate's fitness score from its rolling metrics and
// the active requirements. Latency and throughput terms are normalized
// against reference constants (250ms RTT, 1MBps) since raw units aren't
// directly comparable to the [0,1] success-rate term.
func Score(p message.Protocol, m *transport.Metrics, req Requirements, w ScoreWeights) float64 {
	score := protocolBaseScore(p)

	successRate := 1.0
	if m != nil && m.Attempts > 0 {
		successRate = 1 - m.ErrorRate()
	}
	score += w.SuccessRateWeight * successRate

	if m != nil && m.EWMARTTMillis > 0 {
		latencyTerm := 1 - clamp01(m.EWMARTTMillis/250.0)
		score += w.LatencyWeight * latencyTerm
	}
	if m != nil && m.EWMAThroughputBps > 0 {
		throughputTerm := clamp01(m.EWMAThroughputBps / (1024 * 1024))
		score += w.ThroughputWeight * throughputTerm
	}

	caps := message.CapabilitiesFor(p)
	if req.satisfiedBy(caps) {
		score += w.RequirementMatchBonus
	} else {
		score -= w.RequirementViolationPenalty
	}

	return score
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Observer is the read-only metrics capability §6 names for the adaptive
// layer: fallback/switch events and per-protocol scores, mirroring
// perf.Observer's and rpcx.Observer's "opaque observer capability" design.
type Observer interface {
	ObserveFallback(from, to, reason string)
	ObserveScore(protocol string, score float64)
}

type noopObserver struct{}

func (noopObserver) ObserveFallback(string, string, string) {}
func (noopObserver) ObserveScore(string, float64)           {}

// HealthPredicate reports whether a driver is healthy enough to remain
// the active transport. The default predicate consults Driver.Healthy
// and the rolling error rate.
type HealthPredicate func(d transport.Driver, m *transport.Metrics) bool

// DefaultHealthPredicate fails a transport once its sliding-window error
// rate exceeds 50% (§6's fallback trigger).
func DefaultHealthPredicate(d transport.Driver, m *transport.Metrics) bool {
	if !d.Healthy() {
		return false
	}
	if m != nil && m.ErrorRate() > 0.5 {
		return false
	}
	return true
}

// Selector is C6: it holds the currently active driver plus its
// registered fallback candidates, scores and switches between them, and
// re-emits queued outbound messages across a switch (§6: "re-emit A's
// queue, close A gracefully").
type Selector struct {
	candidates []Candidate
	weights    ScoreWeights
	strategy   FallbackStrategy
	predicate  HealthPredicate
	observer   Observer

	mu      sync.RWMutex
	active  transport.Driver
	metrics map[message.Protocol]*transport.Metrics

	audit *auditLog
}

// New builds a Selector over the given candidates. Connect ranks them by
// Score; candidates with equal scores keep the order given here.
// observer may be nil, in which case metrics are dropped.
func New(candidates []Candidate, strategy FallbackStrategy, observer Observer) *Selector {
	if observer == nil {
		observer = noopObserver{}
	}
	metrics := make(map[message.Protocol]*transport.Metrics, len(candidates))
	for _, c := range candidates {
		metrics[c.Protocol] = &transport.Metrics{}
	}
	return &Selector{
		candidates: candidates,
		weights:    DefaultScoreWeights(),
		strategy:   strategy,
		predicate:  DefaultHealthPredicate,
		observer:   observer,
		metrics:    metrics,
		audit:      newAuditLog(64),
	}
}

// Active returns the currently selected driver, or nil if none has been
// established yet.
func (s *Selector) Active() transport.Driver {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// AuditLog returns the fallback event history.
func (s *Selector) AuditLog() []FallbackEvent { return s.audit.Snapshot() }

// Connect selects the highest-scoring candidate satisfying req and
// connects it. If it fails, lower-ranked candidates are tried in order
// until one succeeds or all fail (AllFallbacksFailed, §6).
func (s *Selector) Connect(ctx context.Context, rawURL string, req Requirements) error {
	candidates, err := DetectCandidates(rawURL, s.candidates)
	if err != nil {
		return err
	}

	ranked := s.rank(candidates, req)

	var lastErr error
	for _, c := range ranked {
		driver := c.New()
		if err := driver.Connect(ctx, rawURL); err != nil {
			lastErr = err
			s.recordAttempt(c.Protocol, false, 0, 0)
			continue
		}
		s.recordAttempt(c.Protocol, true, 0, 0)
		s.mu.Lock()
		s.active = driver
		s.mu.Unlock()
		s.audit.append(FallbackEvent{To: c.Protocol, Reason: "initial connect", At: time.Now()})
		s.observer.ObserveFallback("", c.Protocol.String(), "initial connect")
		return nil
	}

	if lastErr == nil {
		lastErr = rterr.AllFallbacksFailed()
	}
	return rterr.AllFallbacksFailed()
}

func (s *Selector) rank(candidates []Candidate, req Requirements) []Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scored := make([]Candidate, len(candidates))
	copy(scored, candidates)
	scores := make(map[message.Protocol]float64, len(scored))
	for _, c := range scored {
		score := Score(c.Protocol, s.metrics[c.Protocol], req, s.weights)
		scores[c.Protocol] = score
		s.observer.ObserveScore(c.Protocol.String(), score)
	}

	for i := 1; i < len(scored); i++ {
		for j := i; j > 0 && scores[scored[j].Protocol] > scores[scored[j-1].Protocol]; j-- {
			scored[j], scored[j-1] = scored[j-1], scored[j]
		}
	}
	return scored
}

func (s *Selector) recordAttempt(p message.Protocol, success bool, rttMillis, throughputBps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metrics[p]
	if !ok {
		m = &transport.Metrics{}
		s.metrics[p] = m
	}
	m.RecordAttempt(success, rttMillis, throughputBps)
}

// Switch tears down the active driver and opens the best remaining
// candidate, re-emitting pendingOutbound (the supervisor's queued
// messages) onto the new driver in order before returning. reason is
// recorded in the audit log.
func (s *Selector) Switch(ctx context.Context, rawURL string, req Requirements, reason string, pendingOutbound []message.Message) error {
	s.mu.Lock()
	old := s.active
	oldProto := message.Protocol(-1)
	if old != nil {
		oldProto = old.Protocol()
	}
	s.mu.Unlock()

	if err := s.Connect(ctx, rawURL, req); err != nil {
		return rterr.AllFallbacksFailed()
	}

	newDriver := s.Active()
	for _, msg := range pendingOutbound {
		if err := newDriver.Send(ctx, msg); err != nil {
			// abort-with-reason-if-B-fails (§6): the failure is recorded in
			// the audit log and returned; the remaining messages are not
			// sent and the old driver is not closed.
			s.audit.append(FallbackEvent{From: oldProto, To: newDriver.Protocol(), Reason: "queue re-emit failed: " + err.Error(), At: time.Now()})
			return err
		}
	}

	if old != nil {
		old.Close()
	}
	s.audit.append(FallbackEvent{From: oldProto, To: newDriver.Protocol(), Reason: reason, At: time.Now()})
	s.observer.ObserveFallback(oldProto.String(), newDriver.Protocol().String(), reason)
	return nil
}

// CheckHealth runs the configured HealthPredicate against the active
// driver and returns false if it should be replaced.
func (s *Selector) CheckHealth() bool {
	s.mu.RLock()
	active := s.active
	var m *transport.Metrics
	if active != nil {
		m = s.metrics[active.Protocol()]
	}
	s.mu.RUnlock()
	if active == nil {
		return false
	}
	return s.predicate(active, m)
}
