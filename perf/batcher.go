package perf

import (
	"crypto/sha256"
	"sort"
	"sync"
	"time"

	"github.com/odin-rt/core/message"
)

// Priority orders messages within a single batch flush. Higher sorts
// first.
type Priority int

// Item is a message queued for batching, with the extra fields the
// batcher needs (priority, arrival time) that message.Message doesn't
// carry on its own.
type Item struct {
	Msg      message.Message
	Priority Priority
	QueuedAt time.Time
}

// BatcherConfig mirrors performance.batcher in §6.
type BatcherConfig struct {
	BatchSize        int
	BatchTimeout     time.Duration
	Deduplicate      bool
	CompressThreshold int // item count above which a flush is merged into one binary envelope
}

// Batcher accumulates outbound messages in a FIFO buffer and flushes when
// any of: buffer length >= BatchSize, oldest message age >= BatchTimeout,
// or the caller forces a flush (§4.3). Order across flushes is preserved;
// within a flush, post-sort order is the emitted order.
type Batcher struct {
	cfg BatcherConfig

	mu     sync.Mutex
	buffer []Item

	// flushSeq increments on every flush; nothing outside Batcher reads
	// it.
	flushSeq uint64
}

func NewBatcher(cfg BatcherConfig) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	return &Batcher{cfg: cfg}
}

// Add enqueues an item. It never blocks.
func (b *Batcher) Add(item Item) {
	if item.QueuedAt.IsZero() {
		item.QueuedAt = time.Now()
	}
	b.mu.Lock()
	b.buffer = append(b.buffer, item)
	b.mu.Unlock()
}

// ReadyToFlush reports whether the buffer currently meets a flush
// condition, for callers driving their own ticker loop.
func (b *Batcher) ReadyToFlush() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readyLocked()
}

func (b *Batcher) readyLocked() bool {
	if len(b.buffer) == 0 {
		return false
	}
	if len(b.buffer) >= b.cfg.BatchSize {
		return true
	}
	oldest := b.buffer[0].QueuedAt
	return time.Since(oldest) >= b.cfg.BatchTimeout
}

// Flush drains the buffer unconditionally (a forced flush), applying
// dedup and priority sort. Returns nil if nothing was queued.
func (b *Batcher) Flush() []Item {
	b.mu.Lock()
	items := b.buffer
	b.buffer = nil
	b.flushSeq++
	b.mu.Unlock()

	if len(items) == 0 {
		return nil
	}

	if b.cfg.Deduplicate {
		items = dedupeByPayloadHash(items)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Priority > items[j].Priority
	})

	return items
}

// FlushIfReady flushes only when a flush condition holds, so periodic
// callers can poll cheaply without forcing empty flushes.
func (b *Batcher) FlushIfReady() []Item {
	b.mu.Lock()
	ready := b.readyLocked()
	b.mu.Unlock()
	if !ready {
		return nil
	}
	return b.Flush()
}

// ShouldCompress reports whether a flushed batch's item count warrants
// merging into a single binary envelope, per §4.3.
func (b *Batcher) ShouldCompress(n int) bool {
	return b.cfg.CompressThreshold > 0 && n > b.cfg.CompressThreshold
}

func dedupeByPayloadHash(items []Item) []Item {
	seen := make(map[[32]byte]struct{}, len(items))
	out := items[:0:0]
	for _, it := range items {
		h := sha256.Sum256(it.Msg.Payload)
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, it)
	}
	return out
}

// Compress merges a batch's payloads into one Binary envelope, each
// length-prefixed so the peer can split them back apart. This is a simple
// framing the core owns; codecs remain free to interpret the inner
// payloads however they like.
func Compress(items []Item) message.Message {
	var total int
	for _, it := range items {
		total += 4 + len(it.Msg.Payload)
	}
	buf := make([]byte, 0, total)
	for _, it := range items {
		n := len(it.Msg.Payload)
		buf = append(buf, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
		buf = append(buf, it.Msg.Payload...)
	}
	return message.NewBinary(buf)
}
