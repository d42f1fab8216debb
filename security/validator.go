package security

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/odin-rt/core/rterr"
)

// ValidatorConfig carries the structural limits from §4.2 / §6. Zero
// values fall back to the documented defaults in NewValidator.
type ValidatorConfig struct {
	MaxMessageSize    int // bytes
	MaxNestingDepth   int // default 10
	MaxArrayLength    int // default 1000
	MaxStringLength   int // default 10000
	ForbiddenPatterns []string
	SuspiciousSubstrings []string
}

// defaultForbiddenPatterns seeds the SQLi/XSS/command-injection blocklist
// named in §4.2. Configurable, per §6 (security.forbidden_patterns).
var defaultForbiddenPatterns = []string{
	`(?i)(union\s+select|or\s+1=1|drop\s+table|;\s*--)`,
	`(?i)<script[^>]*>.*?</script>`,
	`(?i)javascript:`,
	`(?i)on(error|load|click)\s*=`,
	"(?:[;&|`]\\s*(rm|cat|wget|curl|nc|bash|sh)\\s)",
}

var defaultSuspiciousSubstrings = []string{
	"../../", "%00", "eval(", "base64_decode(",
}

// Validator enforces size/structure/pattern limits (§4.2 "Input
// validator"). Structural scanning is O(payload); everything else is O(1).
type Validator struct {
	maxMessageSize  int
	maxNestingDepth int
	maxArrayLength  int
	maxStringLength int

	forbidden  []*regexp.Regexp
	suspicious []string
}

// NewValidator builds a Validator, applying the documented defaults for
// any zero-valued limit and compiling the forbidden-pattern blocklist.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	v := &Validator{
		maxMessageSize:  cfg.MaxMessageSize,
		maxNestingDepth: cfg.MaxNestingDepth,
		maxArrayLength:  cfg.MaxArrayLength,
		maxStringLength: cfg.MaxStringLength,
	}
	if v.maxMessageSize <= 0 {
		v.maxMessageSize = 1 << 20 // 1MiB
	}
	if v.maxNestingDepth <= 0 {
		v.maxNestingDepth = 10
	}
	if v.maxArrayLength <= 0 {
		v.maxArrayLength = 1000
	}
	if v.maxStringLength <= 0 {
		v.maxStringLength = 10000
	}

	patterns := cfg.ForbiddenPatterns
	if len(patterns) == 0 {
		patterns = defaultForbiddenPatterns
	}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("security: invalid forbidden pattern %q: %w", p, err)
		}
		v.forbidden = append(v.forbidden, re)
	}

	v.suspicious = cfg.SuspiciousSubstrings
	if len(v.suspicious) == 0 {
		v.suspicious = defaultSuspiciousSubstrings
	}

	return v, nil
}

// Validate rejects a payload exceeding size limits, structural limits (for
// JSON-parsable payloads), or matching a forbidden pattern/substring.
func (v *Validator) Validate(payload []byte) error {
	if len(payload) > v.maxMessageSize {
		return rterr.ValidationError(fmt.Sprintf("payload size %d exceeds max_message_size %d", len(payload), v.maxMessageSize))
	}

	text := string(payload)
	for _, re := range v.forbidden {
		if re.Match(payload) {
			return rterr.ValidationError(fmt.Sprintf("payload matches forbidden pattern %q", re.String()))
		}
	}
	for _, s := range v.suspicious {
		if strings.Contains(text, s) {
			return rterr.ValidationError(fmt.Sprintf("payload contains suspicious substring %q", s))
		}
	}

	if looksLikeJSON(payload) {
		var v2 any
		if err := json.Unmarshal(payload, &v2); err == nil {
			if err := v.validateStructure(v2, 0); err != nil {
				return err
			}
		}
		// Malformed JSON that merely looked structured is not itself a
		// validation failure here — that's the codec's problem to surface.
	}

	return nil
}

func (v *Validator) validateStructure(node any, depth int) error {
	if depth > v.maxNestingDepth {
		return rterr.ValidationError(fmt.Sprintf("nesting depth exceeds max_nesting_depth %d", v.maxNestingDepth))
	}

	switch t := node.(type) {
	case []any:
		if len(t) > v.maxArrayLength {
			return rterr.ValidationError(fmt.Sprintf("array length %d exceeds max_array_length %d", len(t), v.maxArrayLength))
		}
		for _, child := range t {
			if err := v.validateStructure(child, depth+1); err != nil {
				return err
			}
		}
	case map[string]any:
		for key, child := range t {
			if len(key) > v.maxStringLength {
				return rterr.ValidationError(fmt.Sprintf("object key length exceeds max_string_length %d", v.maxStringLength))
			}
			if err := v.validateStructure(child, depth+1); err != nil {
				return err
			}
		}
	case string:
		if len(t) > v.maxStringLength {
			return rterr.ValidationError(fmt.Sprintf("string length %d exceeds max_string_length %d", len(t), v.maxStringLength))
		}
	}
	return nil
}

func looksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}
