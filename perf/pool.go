// Package perf implements C3: connection pooling hints, outbound batching,
// an inbound cache and metrics counters — the performance middleware every
// message traverses on its way to/from C6 (§4.3).
package perf

import (
	"sync"
	"time"
)

// PooledDriver is the narrow capability the pool needs from a transport
// driver to judge health and reuse eligibility, without importing the
// transport package (which would create an import cycle: transport
// drivers are wrapped by supervisors, which are selected by adaptive,
// which is fed by perf).
type PooledDriver interface {
	Healthy() bool
	Close() error
}

type pooledEntry struct {
	driver     PooledDriver
	acquiredAt time.Time
	idleSince  time.Time
	requests   int
}

// PoolConfig mirrors performance.pool in §6.
type PoolConfig struct {
	MaxTotal            int
	MaxPerURL           int
	MaxIdle             int
	MaxRequestsPerConn  int
	MaxIdleAge          time.Duration // used by the background health sweep
}

// Pool is the keyed multiset of idle drivers described in §4.3. acquire
// returns the least-recently-used healthy idle driver, or creates one
// through the factory if under caps; release returns a driver to the
// pool unless it's unhealthy or has exceeded its limits.
type Pool struct {
	cfg PoolConfig

	mu    sync.Mutex
	byURL map[string][]*pooledEntry
	total int

	// factory constructs a new driver for a URL when the pool is empty and
	// under capacity. Supplied by the caller (adaptive/supervisor) since
	// perf has no knowledge of concrete transport protocols.
	factory func(url string) (PooledDriver, error)
}

// NewPool builds a Pool. factory is invoked with the lock NOT held ("no
// user-supplied code runs while the lock is held", §5).
func NewPool(cfg PoolConfig, factory func(url string) (PooledDriver, error)) *Pool {
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = 256
	}
	if cfg.MaxPerURL <= 0 {
		cfg.MaxPerURL = 32
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 8
	}
	if cfg.MaxIdleAge <= 0 {
		cfg.MaxIdleAge = 2 * time.Minute
	}
	return &Pool{cfg: cfg, byURL: make(map[string][]*pooledEntry), factory: factory}
}

// Acquire returns the least-recently-used healthy idle driver for url, or
// creates one if under the per-URL and global caps.
func (p *Pool) Acquire(url string) (PooledDriver, error) {
	p.mu.Lock()
	entries := p.byURL[url]
	for i, e := range entries {
		if !e.driver.Healthy() {
			continue
		}
		// LRU: entries are kept oldest-idle-first by Release, so the
		// first healthy entry found is the least-recently-used one.
		p.byURL[url] = append(entries[:i], entries[i+1:]...)
		p.mu.Unlock()
		e.acquiredAt = time.Now()
		return e.driver, nil
	}
	canCreate := p.total < p.cfg.MaxTotal && len(entries) < p.cfg.MaxPerURL
	p.mu.Unlock()

	if !canCreate {
		return nil, errPoolExhausted
	}

	// factory runs outside the lock.
	driver, err := p.factory(url)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.total++
	p.mu.Unlock()

	return driver, nil
}

// Release returns driver to the pool for reuse unless it's unhealthy, has
// served max_requests, or url's idle list already holds MaxIdle drivers,
// in which case it is closed instead.
func (p *Pool) Release(url string, driver PooledDriver, requestsServed int) {
	exceededRequests := p.cfg.MaxRequestsPerConn > 0 && requestsServed >= p.cfg.MaxRequestsPerConn
	if !driver.Healthy() || exceededRequests {
		driver.Close()
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	full := len(p.byURL[url]) >= p.cfg.MaxIdle
	if !full {
		p.byURL[url] = append(p.byURL[url], &pooledEntry{
			driver:    driver,
			idleSince: time.Now(),
			requests:  requestsServed,
		})
	} else {
		p.total--
	}
	p.mu.Unlock()

	if full {
		driver.Close()
	}
}

// SweepStale closes idle drivers that have sat longer than MaxIdleAge,
// implementing the "background health sweep" named in §4.3. Intended to
// run on a ticker owned by the runtime, not the pool itself.
func (p *Pool) SweepStale() (closed int) {
	p.mu.Lock()
	now := time.Now()
	var toClose []PooledDriver
	for url, entries := range p.byURL {
		kept := entries[:0:0]
		for _, e := range entries {
			if now.Sub(e.idleSince) > p.cfg.MaxIdleAge || !e.driver.Healthy() {
				toClose = append(toClose, e.driver)
				p.total--
				continue
			}
			kept = append(kept, e)
		}
		p.byURL[url] = kept
	}
	p.mu.Unlock()

	for _, d := range toClose {
		d.Close()
	}
	return len(toClose)
}

// Stats reports current pool occupancy for the observer capability.
func (p *Pool) Stats() (total int, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entries := range p.byURL {
		idle += len(entries)
	}
	return p.total, idle
}

var errPoolExhausted = poolError("perf: pool exhausted for url")

type poolError string

func (e poolError) Error() string { return string(e) }
