package perf

import (
	"time"
)

// Observer is the read-only metrics capability named in §4.3: "The
// middleware reports metrics via an opaque observer capability: counters
// for cache hit ratio, pool acquisition time, batch sizes emitted." The
// observability package implements this against Prometheus; tests can
// supply a no-op.
type Observer interface {
	ObserveCacheHitRatio(ratio float64)
	ObservePoolAcquisition(d time.Duration)
	ObserveBatchSize(n int)
}

type noopObserver struct{}

func (noopObserver) ObserveCacheHitRatio(float64)    {}
func (noopObserver) ObservePoolAcquisition(time.Duration) {}
func (noopObserver) ObserveBatchSize(int)            {}

// Middleware is C3: the pool, batcher and cache wired together behind a
// single capability, reported through Observer. Like security.Middleware,
// it is constructed once per runtime and passed to supervisors by
// reference (§9).
type Middleware struct {
	Pool    *Pool
	Batcher *Batcher
	Cache   *Cache

	observer Observer
}

// Config aggregates the three subcomponents, per performance.* in §6.
type Config struct {
	Pool    PoolConfig
	Batcher BatcherConfig
	Cache   CacheConfig
}

// New builds a Middleware. factory is the pool's driver constructor (see
// Pool.Acquire); observer may be nil, in which case metrics are dropped.
func New(cfg Config, factory func(url string) (PooledDriver, error), observer Observer) *Middleware {
	if observer == nil {
		observer = noopObserver{}
	}
	return &Middleware{
		Pool:     NewPool(cfg.Pool, factory),
		Batcher:  NewBatcher(cfg.Batcher),
		Cache:    NewCache(cfg.Cache),
		observer: observer,
	}
}

// AcquireDriver times a pool acquisition and reports it to the observer.
func (m *Middleware) AcquireDriver(url string) (PooledDriver, error) {
	start := time.Now()
	d, err := m.Pool.Acquire(url)
	m.observer.ObservePoolAcquisition(time.Since(start))
	return d, err
}

// FlushBatch forces a flush and reports the resulting batch size.
func (m *Middleware) FlushBatch() []Item {
	items := m.Batcher.Flush()
	if len(items) > 0 {
		m.observer.ObserveBatchSize(len(items))
	}
	return items
}

// ReportCacheHitRatio pushes the cache's current hit ratio to the
// observer; intended to be called from a periodic metrics tick rather
// than per-request.
func (m *Middleware) ReportCacheHitRatio() {
	m.observer.ObserveCacheHitRatio(m.Cache.HitRatio())
}
