package schema

import (
	"errors"
	"testing"

	"github.com/vectorhub/pgml-go/pgmlerr"
)

func TestParseEmpty(t *testing.T) {
	_, err := Parse(nil)
	var pe *pgmlerr.Error
	if !errors.As(err, &pe) || pe.Kind != pgmlerr.SchemaMissing {
		t.Fatalf("expected SchemaMissing, got %v", err)
	}
}

func TestParseTopLevelNotObject(t *testing.T) {
	_, err := Parse([]byte(`[1,2,3]`))
	var pe *pgmlerr.Error
	if !errors.As(err, &pe) || pe.Kind != pgmlerr.SchemaInvalid {
		t.Fatalf("expected SchemaInvalid, got %v", err)
	}
}

func TestParseFieldWithNoAction(t *testing.T) {
	_, err := Parse([]byte(`{"body": {}}`))
	var pe *pgmlerr.Error
	if !errors.As(err, &pe) || pe.Kind != pgmlerr.SchemaInvalid {
		t.Fatalf("expected SchemaInvalid, got %v", err)
	}
}

func TestParseFillsHNSWDefaults(t *testing.T) {
	s, err := Parse([]byte(`{"body": {"semantic_search": {"model": "intfloat/e5-small"}}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ss := s.Fields["body"].SemanticSearch
	if ss == nil {
		t.Fatal("expected semantic_search action")
	}
	if ss.HNSW.M != DefaultHNSWM || ss.HNSW.EFConstruction != DefaultHNSWEFConstruction {
		t.Fatalf("expected default HNSW params, got %+v", ss.HNSW)
	}
}

func TestParseRejectsNonPositiveHNSW(t *testing.T) {
	_, err := Parse([]byte(`{"body": {"semantic_search": {"model": "m", "hnsw": {"m": 0}}}}`))
	var pe *pgmlerr.Error
	if !errors.As(err, &pe) || pe.Kind != pgmlerr.SchemaInvalid {
		t.Fatalf("expected SchemaInvalid, got %v", err)
	}
}

func TestIsRemote(t *testing.T) {
	local := SemanticSearch{Source: ""}
	if local.IsRemote() {
		t.Fatal("empty source should be local")
	}
	explicit := SemanticSearch{Source: "local"}
	if explicit.IsRemote() {
		t.Fatal(`"local" source should be local`)
	}
	remote := SemanticSearch{Source: "openai"}
	if !remote.IsRemote() {
		t.Fatal("openai source should be remote")
	}
}

func TestParsePreservesFieldOrder(t *testing.T) {
	s, err := Parse([]byte(`{"title": {"splitter": {"model": "recursive_character"}}, "body": {"splitter": {"model": "recursive_character"}}, "summary": {"splitter": {"model": "recursive_character"}}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"title", "body", "summary"}
	if len(s.Order) != len(want) {
		t.Fatalf("expected %d fields in order, got %d", len(want), len(s.Order))
	}
	for i, name := range want {
		if s.Order[i] != name {
			t.Fatalf("expected declaration order %v, got %v", want, s.Order)
		}
	}
}
