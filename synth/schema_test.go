package synth

import (
	"strings"
	"testing"
)

func TestCompileSchemaEscapesBraces(t *testing.T) {
	s, err := CompileSchema()
	if err != nil {
		t.Fatalf("CompileSchema: %v", err)
	}
	if !containsAll(s.EscapedJSON, "{{", "}}") {
		t.Errorf("expected escaped schema to double literal braces, got prefix %q", s.EscapedJSON[:40])
	}
}

func TestApplyDefaultsFillsMissingArrays(t *testing.T) {
	s, err := CompileSchema()
	if err != nil {
		t.Fatalf("CompileSchema: %v", err)
	}
	data := map[string]any{"abstain": false, "answer": "hi"}
	if err := s.ApplyDefaults(data); err != nil {
		t.Fatalf("ApplyDefaults: %v", err)
	}
	for _, key := range []string{"bullets", "conflicts", "sources"} {
		v, ok := data[key]
		if !ok {
			t.Errorf("expected default for %q to be applied", key)
			continue
		}
		arr, ok := v.([]any)
		if !ok || len(arr) != 0 {
			t.Errorf("expected %q to default to empty array, got %v (%T)", key, v, v)
		}
	}
}

func TestApplyDefaultsLeavesExistingValues(t *testing.T) {
	s, err := CompileSchema()
	if err != nil {
		t.Fatalf("CompileSchema: %v", err)
	}
	data := map[string]any{
		"abstain": false, "answer": "hi",
		"sources": []any{map[string]any{"id": "doc1", "loc": "L1-L5"}},
	}
	if err := s.ApplyDefaults(data); err != nil {
		t.Fatalf("ApplyDefaults: %v", err)
	}
	sources, ok := data["sources"].([]any)
	if !ok || len(sources) != 1 {
		t.Errorf("expected existing sources to be preserved, got %v", data["sources"])
	}
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	s, err := CompileSchema()
	if err != nil {
		t.Fatalf("CompileSchema: %v", err)
	}
	data := map[string]any{"abstain": false}
	if err := s.Validate(data); err == nil {
		t.Error("expected validation error for missing required 'answer' field")
	}
}

func TestValidateAcceptsWellFormedAnswer(t *testing.T) {
	s, err := CompileSchema()
	if err != nil {
		t.Fatalf("CompileSchema: %v", err)
	}
	data := map[string]any{
		"abstain": false, "answer": "hi",
		"bullets": []any{}, "conflicts": []any{}, "sources": []any{},
	}
	if err := s.Validate(data); err != nil {
		t.Errorf("expected valid answer to pass, got %v", err)
	}
}

func TestDecodeAnswerRoundTrips(t *testing.T) {
	data := map[string]any{
		"abstain": true,
		"answer":  "insufficient context",
		"bullets": []any{"a", "b"},
		"conflicts": []any{},
		"sources": []any{},
	}
	answer, err := DecodeAnswer(data)
	if err != nil {
		t.Fatalf("DecodeAnswer: %v", err)
	}
	if !answer.Abstain || answer.AnswerText != "insufficient context" || len(answer.Bullets) != 2 {
		t.Errorf("unexpected decoded answer: %+v", answer)
	}
}

func containsAll(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
