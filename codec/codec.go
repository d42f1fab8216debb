// Package codec implements C1: encode/decode between typed values and the
// bytes carried by message.Message. The core treats codecs as opaque
// capabilities (§4.1) — transports, middleware and the RPC correlator
// never know which concrete codec they're handed.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Codec is the capability set every concrete codec implements.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	ContentType() string
}

// JSON is the default codec, backed by encoding/json. It is also the
// fallback target of Hybrid's discriminator sniff.
type JSON struct{}

func (JSON) Encode(v any) ([]byte, error) { return json.Marshal(v) }
func (JSON) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
func (JSON) ContentType() string { return "application/json" }

// Binary is a stand-in zero-copy codec for values that already know how to
// marshal themselves to bytes (the concrete wire format is pluggable per
// §1 scope; this implementation accepts []byte and gob.GobEncoder-style
// values via a narrow interface to keep the core dependency-free).
type Binary struct{}

// BinaryMarshaler is the minimal capability Binary requires of a value.
// Callers that already have bytes should pass them as-is; Binary.Encode
// special-cases []byte to avoid an unnecessary copy.
type BinaryMarshaler interface {
	MarshalBinary() ([]byte, error)
}

// BinaryUnmarshaler is the decode-side counterpart.
type BinaryUnmarshaler interface {
	UnmarshalBinary(data []byte) error
}

func (Binary) Encode(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case BinaryMarshaler:
		return t.MarshalBinary()
	default:
		return nil, fmt.Errorf("codec: binary encode: %T does not implement BinaryMarshaler", v)
	}
}

func (Binary) Decode(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = data
		return nil
	case BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	default:
		return fmt.Errorf("codec: binary decode: %T does not implement BinaryUnmarshaler", v)
	}
}

func (Binary) ContentType() string { return "application/octet-stream" }

// SelectionPolicy controls which of Hybrid's two codecs encodes a given
// value.
type SelectionPolicy int

const (
	// BySize picks Binary when the JSON-encoded size would exceed
	// SizeThreshold, JSON otherwise. Requires a cheap pre-encode, so this
	// policy always round-trips through JSON first; use ForceBinary/
	// ForceJSON when that cost matters.
	BySize SelectionPolicy = iota
	// ByLatency picks whichever codec had the lower EWMA encode latency
	// last time it was measured (every Encode measures the codecs it calls).
	ByLatency
	ForceJSON
	ForceBinary
)

// Hybrid holds two codecs and picks the faster per policy on encode; on
// decode it sniffs a single-byte discriminator and never lets decode
// errors from the primary silently fall through unless the discriminator
// itself was ambiguous (§4.1 — "silent format confusion is forbidden").
type Hybrid struct {
	JSON   Codec
	Binary Codec

	Policy        SelectionPolicy
	SizeThreshold int // bytes; only consulted under BySize

	// EWMA encode latencies in nanoseconds, updated by observe, which
	// Encode runs after each codec call. Guarded by no lock: both fields are
	// only ever written from the goroutine that calls Encode, matching the "values, not
	// shared singletons" design note (§9).
	jsonLatencyNs   float64
	binaryLatencyNs float64
}

// NewHybrid builds a Hybrid codec defaulting to BySize with a 256-byte
// threshold, a reasonable point where JSON's textual overhead starts to
// dominate small binary payloads.
func NewHybrid(json, binary Codec) *Hybrid {
	return &Hybrid{JSON: json, Binary: binary, Policy: BySize, SizeThreshold: 256}
}

func (h *Hybrid) ContentType() string { return "application/hybrid" }

func (h *Hybrid) Encode(v any) ([]byte, error) {
	switch h.Policy {
	case ForceBinary:
		return h.encodeWith(h.Binary, v)
	case ForceJSON:
		return h.encodeWith(h.JSON, v)
	case ByLatency:
		if h.binaryLatencyNs > 0 && h.binaryLatencyNs < h.jsonLatencyNs {
			return h.encodeWith(h.Binary, v)
		}
		return h.encodeWith(h.JSON, v)
	default: // BySize
		data, err := h.encodeWith(h.JSON, v)
		if err != nil {
			return nil, err
		}
		if len(data) > h.SizeThreshold {
			if bdata, berr := h.encodeWith(h.Binary, v); berr == nil {
				return bdata, nil
			}
		}
		return data, nil
	}
}

func (h *Hybrid) encodeWith(c Codec, v any) ([]byte, error) {
	start := time.Now()
	data, err := c.Encode(v)
	elapsed := float64(time.Since(start).Nanoseconds())
	h.observe(c, elapsed)
	return data, err
}

func (h *Hybrid) observe(c Codec, elapsedNs float64) {
	const alpha = 0.125
	switch c {
	case h.JSON:
		if h.jsonLatencyNs == 0 {
			h.jsonLatencyNs = elapsedNs
		} else {
			h.jsonLatencyNs = alpha*elapsedNs + (1-alpha)*h.jsonLatencyNs
		}
	case h.Binary:
		if h.binaryLatencyNs == 0 {
			h.binaryLatencyNs = elapsedNs
		} else {
			h.binaryLatencyNs = alpha*elapsedNs + (1-alpha)*h.binaryLatencyNs
		}
	}
}

// Decode sniffs a single leading byte: '{' or '[' means JSON, anything
// else falls through to Binary. Per §4.1, a decode error from the sniffed
// codec surfaces directly — it only falls through to the other codec when
// the discriminator itself couldn't decide, which with this byte-based
// sniff is only the empty-payload case.
func (h *Hybrid) Decode(data []byte, v any) error {
	if len(data) == 0 {
		// Ambiguous: no discriminator byte at all. Try JSON first (it
		// handles "null"/empty object expectations better), fall through
		// to Binary only here.
		if err := h.JSON.Decode(data, v); err == nil {
			return nil
		}
		return h.Binary.Decode(data, v)
	}

	switch data[0] {
	case '{', '[':
		return h.JSON.Decode(data, v)
	default:
		return h.Binary.Decode(data, v)
	}
}

// looksLikeJSON backs the exported LooksLikeJSON, for drivers/middleware
// that want to classify a payload without a full Hybrid instance.
func looksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// LooksLikeJSON reports whether payload begins with '{' or '[' after
// trimming leading whitespace.
func LooksLikeJSON(data []byte) bool { return looksLikeJSON(data) }
