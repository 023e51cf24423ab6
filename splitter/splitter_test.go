package splitter

import (
	"strings"
	"testing"
)

func TestNewUnknownModel(t *testing.T) {
	if _, err := New("not-a-real-model", nil); err == nil {
		t.Fatal("expected error for unknown splitter model")
	}
}

func TestRecursiveCharacterSplitsLongText(t *testing.T) {
	s, err := New("recursive_character", map[string]any{"chunk_size": float64(50)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := strings.Repeat("word ", 40)
	chunks := s.Split(text)
	if len(chunks) < 2 {
		t.Fatalf("expected more than one chunk, got %d", len(chunks))
	}
	for _, c := range chunks {
		if len(c) > 50+10 { // allow a little slack for boundary rounding
			t.Fatalf("chunk exceeds configured size: %q (%d bytes)", c, len(c))
		}
	}
}

func TestRecursiveCharacterEmptyText(t *testing.T) {
	s, err := New("recursive_character", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chunks := s.Split("   "); len(chunks) != 0 {
		t.Fatalf("expected no chunks for blank text, got %v", chunks)
	}
}

func TestRecursiveCharacterShortTextSingleChunk(t *testing.T) {
	s, err := New("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chunks := s.Split("a short sentence.")
	if len(chunks) != 1 {
		t.Fatalf("expected exactly one chunk, got %d: %v", len(chunks), chunks)
	}
}

func TestTokenSplitterProducesNonEmptyChunks(t *testing.T) {
	s, err := New("token", map[string]any{"chunk_size": float64(20)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 10)
	chunks := s.Split(text)
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	for _, c := range chunks {
		if strings.TrimSpace(c) == "" {
			t.Fatal("token splitter produced a blank chunk")
		}
	}
}
