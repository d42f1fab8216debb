package security

import (
	"regexp"
	"strings"

	"github.com/odin-rt/core/rterr"
)

// ThreatLevel buckets a threat score per the thresholds in §4.2:
// None < 0.3 <= Low < 0.5 <= Medium < 0.7 <= High < 0.9 <= Critical.
type ThreatLevel int

const (
	ThreatNone ThreatLevel = iota
	ThreatLow
	ThreatMedium
	ThreatHigh
	ThreatCritical
)

func (l ThreatLevel) String() string {
	switch l {
	case ThreatNone:
		return "none"
	case ThreatLow:
		return "low"
	case ThreatMedium:
		return "medium"
	case ThreatHigh:
		return "high"
	case ThreatCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func levelForScore(score float64) ThreatLevel {
	switch {
	case score >= 0.9:
		return ThreatCritical
	case score >= 0.7:
		return ThreatHigh
	case score >= 0.5:
		return ThreatMedium
	case score >= 0.3:
		return ThreatLow
	default:
		return ThreatNone
	}
}

// rule is a single weighted pattern or behavior check contributing to a
// message's threat score.
type rule struct {
	name   string
	weight float64
	match  func(payload []byte, clientID string) bool
}

// ThreatDetector scores incoming messages by summing weighted rule hits
// (§4.2). High and Critical scores reject the message.
type ThreatDetector struct {
	rules []rule
}

// NewThreatDetector builds a detector with the default pattern/behavior
// rule set. Scenario S6 ("<script>alert(1)</script>") must score High or
// above, which the xssRule weight (0.8) alone satisfies.
func NewThreatDetector() *ThreatDetector {
	xssRule := regexp.MustCompile(`(?i)<script[^>]*>|on\w+\s*=\s*["']?javascript:|<iframe`)
	sqlRule := regexp.MustCompile(`(?i)(\bunion\b.*\bselect\b|\bor\b\s+1=1|;\s*drop\s+table)`)
	cmdRule := regexp.MustCompile("[;&|`]\\s*(rm|wget|curl|nc|bash)\\b")

	return &ThreatDetector{
		rules: []rule{
			{name: "xss_pattern", weight: 0.8, match: func(p []byte, _ string) bool { return xssRule.Match(p) }},
			{name: "sqli_pattern", weight: 0.6, match: func(p []byte, _ string) bool { return sqlRule.Match(p) }},
			{name: "cmd_injection_pattern", weight: 0.6, match: func(p []byte, _ string) bool { return cmdRule.Match(p) }},
			{name: "null_byte", weight: 0.3, match: func(p []byte, _ string) bool { return strings.Contains(string(p), "\x00") }},
			{name: "path_traversal", weight: 0.3, match: func(p []byte, _ string) bool { return strings.Contains(string(p), "../../") }},
		},
	}
}

// AddRule registers an additional scoring rule, letting callers extend the
// default set with behavior-based signals (e.g. per-client burst shape)
// without forking the detector.
func (d *ThreatDetector) AddRule(name string, weight float64, match func(payload []byte, clientID string) bool) {
	d.rules = append(d.rules, rule{name: name, weight: weight, match: match})
}

// Score sums weighted hits, capped at 1.0.
func (d *ThreatDetector) Score(payload []byte, clientID string) float64 {
	var score float64
	for _, r := range d.rules {
		if r.match(payload, clientID) {
			score += r.weight
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// Check scores the payload and rejects with ThreatBlocked if the resulting
// level is High or above.
func (d *ThreatDetector) Check(payload []byte, clientID string) error {
	level := levelForScore(d.Score(payload, clientID))
	if level >= ThreatHigh {
		return rterr.ThreatBlocked(int(level))
	}
	return nil
}
