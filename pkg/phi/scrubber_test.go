package phi

import "testing"

func TestScrubberMasksIdentifiers(t *testing.T) {
	scrubber, err := NewScrubber(DefaultRules())
	if err != nil {
		t.Fatalf("failed to create scrubber: %v", err)
	}

	details := map[string]interface{}{
		"note":   "patient raw id 123456789012 phone 555-123-4567",
		"nested": map[string]interface{}{"contact": "john@example.com"},
		"seq":    int64(4),
	}

	scrubbed := scrubber.Scrub(details)

	note := scrubbed["note"].(string)
	if note == details["note"].(string) {
		t.Fatal("expected note to be masked")
	}
	if scrubber.Detects(note) {
		t.Fatalf("masked note still matches rules: %q", note)
	}

	nested := scrubbed["nested"].(map[string]interface{})
	if nested["contact"].(string) != "***@***" {
		t.Fatalf("email not masked: %q", nested["contact"])
	}

	if scrubbed["seq"].(int64) != 4 {
		t.Fatal("non-string values must pass through")
	}

	// Original map must be untouched.
	if details["note"].(string) != "patient raw id 123456789012 phone 555-123-4567" {
		t.Fatal("input map was mutated")
	}
}

func TestScrubberDisabledRulesSkipped(t *testing.T) {
	cfg := RulesConfig{Rules: []Rule{
		{Name: "Email", Type: "email", Pattern: `@`, Mask: "#", Enabled: false},
	}}
	scrubber, err := NewScrubber(cfg)
	if err != nil {
		t.Fatalf("failed to create scrubber: %v", err)
	}
	out := scrubber.Scrub(map[string]interface{}{"v": "a@b"})
	if out["v"].(string) != "a@b" {
		t.Fatal("disabled rule must not apply")
	}
}

func TestScrubberInvalidPattern(t *testing.T) {
	cfg := RulesConfig{Rules: []Rule{{Name: "bad", Pattern: `(`, Enabled: true}}}
	if _, err := NewScrubber(cfg); err == nil {
		t.Fatal("expected compile error")
	}
}
