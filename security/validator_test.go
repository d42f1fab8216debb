package security

import (
	"bytes"
	"strings"
	"testing"
)

func TestValidatorRejectsOversizedPayload(t *testing.T) {
	v, err := NewValidator(ValidatorConfig{MaxMessageSize: 10})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	if err := v.Validate(bytes.Repeat([]byte("a"), 11)); err == nil {
		t.Fatal("expected validation error for oversized payload")
	}
	if err := v.Validate(bytes.Repeat([]byte("a"), 10)); err != nil {
		t.Fatalf("expected payload at exactly the limit to pass, got %v", err)
	}
}

func TestValidatorRejectsForbiddenPattern(t *testing.T) {
	v, err := NewValidator(ValidatorConfig{})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	if err := v.Validate([]byte(`<script>alert(1)</script>`)); err == nil {
		t.Fatal("expected validation error for script tag")
	}
	if err := v.Validate([]byte(`'; DROP TABLE users; --`)); err == nil {
		t.Fatal("expected validation error for SQL injection")
	}
}

func TestValidatorRejectsSuspiciousSubstring(t *testing.T) {
	v, err := NewValidator(ValidatorConfig{})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	if err := v.Validate([]byte("path=../../etc/passwd")); err == nil {
		t.Fatal("expected validation error for path traversal substring")
	}
}

func TestValidatorAcceptsCleanPayload(t *testing.T) {
	v, err := NewValidator(ValidatorConfig{})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	if err := v.Validate([]byte(`{"hello":"world"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidatorStructuralLimits(t *testing.T) {
	v, err := NewValidator(ValidatorConfig{MaxNestingDepth: 2, MaxArrayLength: 2, MaxStringLength: 5})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	if err := v.Validate([]byte(`{"a":{"b":{"c":1}}}`)); err == nil {
		t.Fatal("expected nesting depth violation")
	}

	if err := v.Validate([]byte(`[1,2,3]`)); err == nil {
		t.Fatal("expected array length violation")
	}

	if err := v.Validate([]byte(`{"a":"toolongstring"}`)); err == nil {
		t.Fatal("expected string length violation")
	}

	if err := v.Validate([]byte(`{"a":1}`)); err != nil {
		t.Fatalf("expected shallow small payload to pass, got %v", err)
	}
}

func TestValidatorIgnoresMalformedJSONStructurally(t *testing.T) {
	v, err := NewValidator(ValidatorConfig{})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	// Looks JSON-ish but is malformed; not a validator concern.
	if err := v.Validate([]byte(`{not valid json`)); err != nil {
		t.Fatalf("expected malformed JSON to pass structural validation, got %v", err)
	}
}

func TestValidatorCustomForbiddenPatterns(t *testing.T) {
	v, err := NewValidator(ValidatorConfig{ForbiddenPatterns: []string{`(?i)forbidden-word`}})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	if err := v.Validate([]byte("this contains a Forbidden-Word here")); err == nil {
		t.Fatal("expected custom pattern to match")
	}
}

func TestValidatorInvalidPatternErrors(t *testing.T) {
	_, err := NewValidator(ValidatorConfig{ForbiddenPatterns: []string{"("}})
	if err == nil {
		t.Fatal("expected error building validator with invalid regex")
	}
	if !strings.Contains(err.Error(), "invalid forbidden pattern") {
		t.Errorf("got %v", err)
	}
}

func TestLooksLikeJSONHelper(t *testing.T) {
	if !looksLikeJSON([]byte(`{"a":1}`)) {
		t.Error("expected object to look like JSON")
	}
	if looksLikeJSON([]byte("plain text")) {
		t.Error("expected plain text not to look like JSON")
	}
}
