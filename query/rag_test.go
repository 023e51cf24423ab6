package query

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSubstituteMessagesReplacesPlaceholder(t *testing.T) {
	messages := []json.RawMessage{
		json.RawMessage(`{"role":"system","content":"Answer using: {context}"}`),
		json.RawMessage(`{"role":"user","content":"What is this about?"}`),
	}
	compiled := map[string]compiledSubquery{
		"context": {aggregate: "chunk one\nchunk two"},
	}

	out := substituteMessages(messages, compiled)
	if len(out) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(out))
	}
	if strings.Contains(string(out[0]), "{context}") {
		t.Fatal("expected placeholder to be substituted")
	}
	if !strings.Contains(string(out[0]), "chunk one") {
		t.Fatalf("expected aggregate text inside substituted message, got %s", out[0])
	}

	var decoded map[string]string
	if err := json.Unmarshal(out[0], &decoded); err != nil {
		t.Fatalf("expected substituted message to remain valid JSON: %v", err)
	}
}

func TestSubstituteMessagesLeavesUnmatchedPlaceholdersAlone(t *testing.T) {
	messages := []json.RawMessage{json.RawMessage(`{"role":"user","content":"{unknown}"}`)}
	out := substituteMessages(messages, map[string]compiledSubquery{})
	if !strings.Contains(string(out[0]), "{unknown}") {
		t.Fatal("expected placeholder with no matching subquery to remain untouched")
	}
}

func TestCounterNextIsMonotonic(t *testing.T) {
	c := newCounter()
	a := c.next()
	b := c.next()
	if b <= a {
		t.Fatalf("expected monotonically increasing counter, got %d then %d", a, b)
	}
}
