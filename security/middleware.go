package security

import (
	"time"

	"github.com/odin-rt/core/message"
)

// Middleware is C2: rate limiting, input validation and threat scoring
// applied to every message in both directions (§4.2). Auth holds the
// authenticator; neither ValidateOutgoing nor ValidateIncoming calls it.
// It is constructed once per runtime and shared by every supervisor via a
// capability reference, never a process-wide singleton (§9 "Global
// middleware state").
type Middleware struct {
	Limiter   RateLimiter
	Validator *Validator
	Threats   *ThreatDetector
	Auth      Authenticator
}

// Config aggregates the four subcomponents' configuration, mirroring the
// security.* keys in §6.
type Config struct {
	RateLimit RateLimitConfig
	Validator ValidatorConfig
	Auth      AuthConfig
}

// RateLimitConfig selects and parameterizes one of the two supported
// algorithms.
type RateLimitConfig struct {
	Algorithm string // "token_bucket" (default) or "sliding_window"

	// token_bucket
	Capacity       float64
	RefillRate     float64
	RefillInterval time.Duration

	// sliding_window
	Window time.Duration
	Max    int
}

// AuthConfig selects the authenticator mode.
type AuthConfig struct {
	Mode      string // "none" (default), "jwt", "custom"
	JWTSecret []byte
	JWTAlg    string
	Custom    Authenticator
}

// New builds a Middleware from Config, choosing sane defaults for anything
// left zero.
func New(cfg Config) (*Middleware, error) {
	var limiter RateLimiter
	switch cfg.RateLimit.Algorithm {
	case "sliding_window":
		window := cfg.RateLimit.Window
		max := cfg.RateLimit.Max
		if max <= 0 {
			max = 100
		}
		if window <= 0 {
			window = time.Second
		}
		limiter = NewSlidingWindowLimiter(window, max)
	default:
		capacity := cfg.RateLimit.Capacity
		refillRate := cfg.RateLimit.RefillRate
		interval := cfg.RateLimit.RefillInterval
		if capacity <= 0 {
			capacity = 100
		}
		if refillRate <= 0 {
			refillRate = 10
		}
		if interval <= 0 {
			interval = time.Second
		}
		limiter = NewTokenBucketLimiter(capacity, refillRate, interval)
	}

	validator, err := NewValidator(cfg.Validator)
	if err != nil {
		return nil, err
	}

	var auth Authenticator
	switch cfg.Auth.Mode {
	case "jwt":
		auth = NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWTAlg)
	case "custom":
		auth = cfg.Auth.Custom
	default:
		auth = NoneAuthenticator{}
	}

	return &Middleware{
		Limiter:   limiter,
		Validator: validator,
		Threats:   NewThreatDetector(),
		Auth:      auth,
	}, nil
}

// ValidateOutgoing applies rate limiting, structural validation and threat
// scoring to a message about to leave the client, per §4.2. Auth is not
// re-checked on outgoing traffic — the session was established at connect
// time.
func (m *Middleware) ValidateOutgoing(msg message.Message, clientID string) error {
	if err := m.Limiter.Check(clientID); err != nil {
		return err
	}
	if err := m.Validator.Validate(msg.Payload); err != nil {
		return err
	}
	if err := m.Threats.Check(msg.Payload, clientID); err != nil {
		return err
	}
	return nil
}

// ValidateIncoming applies the same checks to inbound traffic. origin is
// optional (e.g. an SSE Last-Event-ID or a WebTransport server
// certificate fingerprint) and currently informational.
func (m *Middleware) ValidateIncoming(msg message.Message, clientID string, origin string) error {
	if err := m.Limiter.Check(clientID); err != nil {
		return err
	}
	if err := m.Validator.Validate(msg.Payload); err != nil {
		return err
	}
	if err := m.Threats.Check(msg.Payload, clientID); err != nil {
		return err
	}
	return nil
}

// RemoveClient releases rate-limit state for a client-id. Callers must
// ensure no pending request for that id remains outstanding first
// (invariant 4).
func (m *Middleware) RemoveClient(clientID string) {
	m.Limiter.Remove(clientID)
}
