package core

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/odin-rt/core/adaptive"
	"github.com/odin-rt/core/message"
	"github.com/odin-rt/core/observability"
	"github.com/odin-rt/core/perf"
	"github.com/odin-rt/core/platform"
	"github.com/odin-rt/core/rpcx"
	"github.com/odin-rt/core/security"
	"github.com/odin-rt/core/supervisor"
	"github.com/odin-rt/core/transport"
	"github.com/odin-rt/core/transport/sse"
	"github.com/odin-rt/core/transport/ws"
	"github.com/odin-rt/core/transport/wt"
)

// Runtime is the public entry point wiring C1 (codec, applied at the
// message-construction boundary by callers), C2 (security.Middleware),
// C3 (perf.Middleware), C4/C6 (adaptive.Selector over the three
// transport drivers), C5 (supervisor.Supervisor) and C7 (rpcx.Correlator)
// into one client. Construction order follows the teacher's
// NewServer(config, logger)-then-Start() shape.
type Runtime struct {
	cfg    *Config
	logger zerolog.Logger

	Security *security.Middleware
	Perf     *perf.Middleware
	Metrics  *observability.Metrics
	Sampler  *platform.Sampler
	Workers  *WorkerPool

	selector   *adaptive.Selector
	supervisor *supervisor.Supervisor
	Correlator *rpcx.Correlator

	clientID string
	lastReq  adaptive.Requirements
	cancel   context.CancelFunc
}

// senderAdapter lets rpcx.Correlator (which wants a narrow Sender) drive
// a *supervisor.Supervisor without an import cycle.
type senderAdapter struct{ sup *supervisor.Supervisor }

func (s senderAdapter) Send(msg message.Message) error { return s.sup.Send(msg) }

// New builds a Runtime from cfg but does not connect; call Connect to
// start it. clientID identifies this runtime's traffic to the security
// middleware's rate limiter and threat detector.
func New(cfg *Config, clientID string, logger zerolog.Logger) (*Runtime, error) {
	secMW, err := security.New(security.Config{
		RateLimit: security.RateLimitConfig{
			Algorithm:      "token_bucket",
			Capacity:       cfg.RateLimitCapacity,
			RefillRate:     cfg.RateLimitRefillRate,
			RefillInterval: cfg.RateLimitInterval,
		},
		Validator: security.ValidatorConfig{MaxMessageSize: cfg.MaxMessageBytes},
		Auth: security.AuthConfig{
			Mode:      authMode(cfg.JWTSecret),
			JWTSecret: []byte(cfg.JWTSecret),
			JWTAlg:    "HS256",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("security middleware: %w", err)
	}

	metrics := observability.NewMetrics()

	perfMW := perf.New(perf.Config{
		Pool: perf.PoolConfig{
			MaxIdle:    cfg.PoolMaxIdle,
			MaxTotal:   cfg.PoolMaxTotal,
			MaxIdleAge: cfg.PoolIdleTimeout,
		},
		Batcher: perf.BatcherConfig{
			BatchSize:         cfg.BatchMaxSize,
			BatchTimeout:      cfg.BatchMaxWait,
			CompressThreshold: cfg.BatchCompressionBytes,
		},
		Cache: perf.CacheConfig{
			MaxSize:  cfg.CacheCapacity,
			Eviction: cacheEviction(cfg.CacheEviction),
			TTL:      cfg.CacheTTL,
		},
	}, poolFactory(cfg), metrics)

	sampler := platform.NewSampler(cfg.ResourceSampleInterval)

	candidates := []adaptive.Candidate{
		{Protocol: message.WebSocket, Scheme: "ws", New: func() transport.Driver { return ws.New() }},
		{Protocol: message.WebSocket, Scheme: "wss", New: func() transport.Driver { return ws.New() }},
		{Protocol: message.WebTransport, Scheme: "https", New: func() transport.Driver {
			return wt.New(wt.StreamConfig{Reliability: wt.Reliable, Ordering: wt.Ordered, CongestionControl: wt.Cubic, MaxRetransmissions: 3})
		}},
		{Protocol: message.SSE, Scheme: "https", New: func() transport.Driver { return sse.New() }},
	}
	selector := adaptive.New(candidates, adaptive.Immediate, metrics)

	workers := NewWorkerPool(cfg.WorkerPoolSize, cfg.WorkerQueueSize, logger)

	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		Security: secMW,
		Perf:     perfMW,
		Metrics:  metrics,
		Sampler:  sampler,
		Workers:  workers,
		selector: selector,
		clientID: clientID,
	}, nil
}

func authMode(secret string) string {
	if secret == "" {
		return "none"
	}
	return "jwt"
}

func cacheEviction(s string) perf.Eviction {
	switch s {
	case "lfu":
		return perf.EvictLFU
	case "ttl":
		return perf.EvictTTL
	default:
		return perf.EvictLRU
	}
}

// poolFactory adapts ws.New into perf.Pool's PooledDriver factory
// signature (WebSocket is the only pooled transport: SSE is half-duplex
// and WebTransport sessions aren't re-dialable the same way).
func poolFactory(cfg *Config) func(url string) (perf.PooledDriver, error) {
	return func(url string) (perf.PooledDriver, error) {
		d := ws.New()
		ctx, cancel := context.WithTimeout(context.Background(), cfg.HandshakeTimeout)
		defer cancel()
		if err := d.Connect(ctx, url); err != nil {
			return nil, err
		}
		return d, nil
	}
}

// Connect establishes the supervised connection: the adaptive selector
// picks and connects the best transport for URL, then a supervisor and
// RPC correlator are wired around it.
func (r *Runtime) Connect(ctx context.Context, req adaptive.Requirements) error {
	if err := r.selector.Connect(ctx, r.cfg.URL, req); err != nil {
		return err
	}
	r.lastReq = req

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	sup := supervisor.New(supervisor.Config{
		URL: r.cfg.URL,
		Reconnect: supervisor.ReconnectPolicy{
			Strategy:       reconnectStrategy(r.cfg.ReconnectStrategy),
			BaseDelay:      r.cfg.ReconnectBaseDelay,
			MaxDelay:       r.cfg.ReconnectMaxDelay,
			MaxAttempts:    r.cfg.ReconnectMaxAttempts,
			JitterFraction: r.cfg.ReconnectJitter,
		},
		Heartbeat: supervisor.HeartbeatConfig{
			Interval: r.cfg.HeartbeatInterval,
			Timeout:  r.cfg.HeartbeatTimeout,
		},
		QueueCapacity: r.cfg.QueueCapacity,
		Name:          r.clientID,
	}, r.selector.Active(), r.logger, r.Metrics)

	r.supervisor = sup

	r.Correlator = rpcx.New(senderAdapter{sup}, rpcx.RetryPolicy{
		MaxAttempts: r.cfg.RPCMaxAttempts,
		BaseDelay:   r.cfg.RPCRetryBaseDelay,
	}, r.cfg.RPCUseUUID, r.Metrics)

	r.Sampler.Start()
	r.Workers.Start(ctx)

	go sup.Run(ctx)
	go r.dispatchInbound(ctx)
	go r.maintenanceLoop(ctx)

	return nil
}

// maintenanceLoop runs the performance middleware's background health
// sweep (§4.3): on every tick it closes pool connections that have sat
// idle past MaxIdleAge, reports the cache's current hit ratio to the
// observer, and — when the host is under memory pressure per the
// platform sampler — logs a warning; the pool's limits are not changed
// by it. It also re-evaluates the active transport's health (§4.6) and switches
// away from a degraded one. Ticks on the same interval as the sampler
// itself, since there's no point sweeping more often than the pressure
// reading can change.
func (r *Runtime) maintenanceLoop(ctx context.Context) {
	defer observability.RecoverPanic(r.logger, "runtime.maintenanceLoop", nil)
	ticker := time.NewTicker(r.cfg.ResourceSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if closed := r.Perf.Pool.SweepStale(); closed > 0 {
				r.logger.Debug().Int("closed", closed).Msg("pool health sweep closed stale connections")
			}
			r.Perf.ReportCacheHitRatio()
			if r.Sampler.UnderPressure(r.cfg.MemoryPressureThreshold) {
				r.logger.Warn().Float64("memory_percent", r.Sampler.Last().MemoryPercent).Msg("host under memory pressure")
			}
			r.checkTransportHealth(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// checkTransportHealth asks the adaptive selector whether the active
// transport still satisfies the configured health predicate (§4.6) and,
// if not, switches to the next-best candidate — draining the
// supervisor's pending outbound queue first so nothing queued during the
// switch is lost, then handing the supervisor the newly connected
// driver in place of the old one.
func (r *Runtime) checkTransportHealth(ctx context.Context) {
	if r.selector.CheckHealth() {
		return
	}
	pending := r.supervisor.DrainOutbound()
	if err := r.selector.Switch(ctx, r.cfg.URL, r.lastReq, "health check failed", pending); err != nil {
		r.logger.Warn().Err(err).Msg("adaptive transport switch failed")
		return
	}
	r.supervisor.Replace(r.selector.Active())
	r.logger.Info().Str("protocol", r.selector.Active().Protocol().String()).Msg("switched active transport")
}

// dispatchInbound reads every inbound message off the supervisor and hands
// it to the worker pool for security validation and RPC correlation, so a
// slow handler (or a correlator callback doing real work) never backs up
// the reader loop feeding Inbound(). Messages that resolve no pending call
// and match no subscription are dropped by HandleInbound; the Runtime has
// no other path that hands raw inbound messages to application code.
func (r *Runtime) dispatchInbound(ctx context.Context) {
	defer observability.RecoverPanic(r.logger, "runtime.dispatchInbound", nil)
	for {
		select {
		case msg, ok := <-r.supervisor.Inbound():
			if !ok {
				return
			}
			r.Workers.Submit(func() { r.handleInboundMessage(msg) })
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runtime) handleInboundMessage(msg message.Message) {
	if err := r.Security.ValidateIncoming(msg, r.clientID, ""); err != nil {
		r.logger.Warn().Err(err).Msg("inbound message rejected by security middleware")
		return
	}
	if err := r.Correlator.HandleInbound(msg); err != nil {
		r.logger.Warn().Err(err).Msg("inbound message rejected by correlator")
	}
}

func reconnectStrategy(s string) supervisor.ReconnectStrategy {
	switch s {
	case "none":
		return supervisor.ReconnectNone
	case "immediate":
		return supervisor.ReconnectImmediate
	case "linear":
		return supervisor.ReconnectLinear
	default:
		return supervisor.ReconnectExponential
	}
}

// Send validates msg against the security middleware, then enqueues it
// on the supervisor's outbound queue.
func (r *Runtime) Send(msg message.Message) error {
	if err := r.Security.ValidateOutgoing(msg, r.clientID); err != nil {
		return err
	}
	return r.supervisor.Send(msg)
}

// State returns the active supervisor's connection snapshot.
func (r *Runtime) State() message.ConnSnapshot { return r.supervisor.State() }

// Close tears down the dispatch pool, supervisor, and resource sampler.
func (r *Runtime) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.Workers.Stop()
	r.Sampler.Stop()
	if r.supervisor != nil {
		return r.supervisor.Close()
	}
	return nil
}
