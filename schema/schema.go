// Package schema implements the Schema Parser (C2): validating a pipeline
// schema JSON document and turning it into a field -> FieldAction map with
// defaults filled in, grounded on
// original_source/pgml-sdks/pgml/src/multi_field_pipeline.rs's
// json_to_schema/ValidFieldAction logic.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vectorhub/pgml-go/pgmlerr"
)

const (
	DefaultHNSWM              = 16
	DefaultHNSWEFConstruction = 64
)

// Splitter configures how a field's text is broken into chunks.
type Splitter struct {
	Model      string         `json:"model"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// HNSW configures the vector index built over a field's embeddings.
type HNSW struct {
	M              int `json:"m"`
	EFConstruction int `json:"ef_construction"`
}

// SemanticSearch configures embedding generation and indexing for a field.
type SemanticSearch struct {
	Model      string         `json:"model"`
	Source     string         `json:"source,omitempty"` // "" or "local" means local model; any other value is a remote provider name
	Parameters map[string]any `json:"parameters,omitempty"`
	HNSW       HNSW           `json:"hnsw"`
}

// IsRemote reports whether this field's embeddings are produced by the
// Remote-Embedding Adapter (C3) rather than an in-database model.
func (s SemanticSearch) IsRemote() bool {
	return s.Source != "" && s.Source != "local"
}

// FullTextSearch configures the tsvector built over a field.
type FullTextSearch struct {
	Configuration string `json:"configuration"`
}

// FieldAction is the per-field portion of a pipeline schema (spec §3).
type FieldAction struct {
	Splitter       *Splitter       `json:"splitter,omitempty"`
	SemanticSearch *SemanticSearch `json:"semantic_search,omitempty"`
	FullTextSearch *FullTextSearch `json:"full_text_search,omitempty"`
}

// Schema is the parsed, defaulted field -> FieldAction mapping. Go maps do
// not preserve insertion order, so Order additionally records
// schema-declaration order for the sync ordering guarantee in spec §5.
type Schema struct {
	Fields map[string]FieldAction
	Order  []string
}

// rawFieldAction mirrors FieldAction but every field is a json.RawMessage so
// we can distinguish "absent" from "present but invalid" during validation.
type rawFieldAction struct {
	Splitter       json.RawMessage `json:"splitter"`
	SemanticSearch json.RawMessage `json:"semantic_search"`
	FullTextSearch json.RawMessage `json:"full_text_search"`
}

// Parse validates and interprets raw pipeline schema JSON (C2). Fails with
// *pgmlerr.Error{Kind: SchemaMissing} if raw is empty, and with
// *pgmlerr.Error{Kind: SchemaInvalid} per spec §4.2's contract.
func Parse(raw json.RawMessage) (*Schema, error) {
	if len(raw) == 0 {
		return nil, pgmlerr.New(pgmlerr.SchemaMissing, "pipeline schema is empty")
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, pgmlerr.Wrap(pgmlerr.SchemaInvalid, "top-level schema must be a JSON object", err)
	}

	// json.Unmarshal into a map loses field declaration order, but spec §5's
	// sync ordering guarantee requires fields to sync in the order they were
	// declared. Walk the raw token stream once to recover that order instead
	// of ranging over top, whose iteration order Go deliberately randomizes.
	order, err := topLevelKeyOrder(raw)
	if err != nil {
		return nil, pgmlerr.Wrap(pgmlerr.SchemaInvalid, "top-level schema must be a JSON object", err)
	}

	fields := make(map[string]FieldAction, len(top))

	for _, name := range order {
		if _, dup := fields[name]; dup {
			return nil, pgmlerr.New(pgmlerr.SchemaInvalid, fmt.Sprintf("duplicate field %q", name))
		}

		var raf rawFieldAction
		if err := json.Unmarshal(top[name], &raf); err != nil {
			return nil, pgmlerr.Wrap(pgmlerr.SchemaInvalid, fmt.Sprintf("field %q entry must be an object", name), err)
		}

		action, err := parseFieldAction(name, raf)
		if err != nil {
			return nil, err
		}

		fields[name] = action
	}

	return &Schema{Fields: fields, Order: order}, nil
}

// topLevelKeyOrder returns the top-level object keys of raw in declaration
// order, using json.Decoder's token stream since unmarshaling into a map
// does not preserve it.
func topLevelKeyOrder(raw json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil { // consume opening '{'
		return nil, err
	}

	var order []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected string key, got %v", tok)
		}
		order = append(order, key)

		var discard json.RawMessage
		if err := dec.Decode(&discard); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func parseFieldAction(name string, raf rawFieldAction) (FieldAction, error) {
	var action FieldAction

	if len(raf.Splitter) > 0 {
		var s Splitter
		if err := json.Unmarshal(raf.Splitter, &s); err != nil {
			return action, pgmlerr.Wrap(pgmlerr.SchemaInvalid, fmt.Sprintf("field %q splitter", name), err)
		}
		action.Splitter = &s
	}

	if len(raf.SemanticSearch) > 0 {
		var raw struct {
			Model      string         `json:"model"`
			Source     string         `json:"source"`
			Parameters map[string]any `json:"parameters"`
			HNSW       *struct {
				M              *int `json:"m"`
				EFConstruction *int `json:"ef_construction"`
			} `json:"hnsw"`
		}
		if err := json.Unmarshal(raf.SemanticSearch, &raw); err != nil {
			return action, pgmlerr.Wrap(pgmlerr.SchemaInvalid, fmt.Sprintf("field %q semantic_search", name), err)
		}
		if raw.Model == "" {
			return action, pgmlerr.New(pgmlerr.SchemaInvalid, fmt.Sprintf("field %q semantic_search.model is required", name))
		}
		ss := &SemanticSearch{
			Model:      raw.Model,
			Source:     raw.Source,
			Parameters: raw.Parameters,
			HNSW:       HNSW{M: DefaultHNSWM, EFConstruction: DefaultHNSWEFConstruction},
		}
		if raw.HNSW != nil {
			if raw.HNSW.M != nil {
				if *raw.HNSW.M <= 0 {
					return action, pgmlerr.New(pgmlerr.SchemaInvalid, fmt.Sprintf("field %q hnsw.m must be a positive integer", name))
				}
				ss.HNSW.M = *raw.HNSW.M
			}
			if raw.HNSW.EFConstruction != nil {
				if *raw.HNSW.EFConstruction <= 0 {
					return action, pgmlerr.New(pgmlerr.SchemaInvalid, fmt.Sprintf("field %q hnsw.ef_construction must be a positive integer", name))
				}
				ss.HNSW.EFConstruction = *raw.HNSW.EFConstruction
			}
		}
		action.SemanticSearch = ss
	}

	if len(raf.FullTextSearch) > 0 {
		var fts FullTextSearch
		if err := json.Unmarshal(raf.FullTextSearch, &fts); err != nil {
			return action, pgmlerr.Wrap(pgmlerr.SchemaInvalid, fmt.Sprintf("field %q full_text_search", name), err)
		}
		if fts.Configuration == "" {
			fts.Configuration = "english"
		}
		action.FullTextSearch = &fts
	}

	if action.Splitter == nil && action.SemanticSearch == nil && action.FullTextSearch == nil {
		return action, pgmlerr.New(pgmlerr.SchemaInvalid,
			fmt.Sprintf("field %q declares none of splitter/semantic_search/full_text_search", name))
	}

	return action, nil
}

// Marshal serializes the parsed field actions, with defaults filled in,
// back to JSON for storage in <collection>.pipelines.schema.
func (s *Schema) Marshal() (json.RawMessage, error) {
	out := make(map[string]FieldAction, len(s.Fields))
	for k, v := range s.Fields {
		out[k] = v
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, pgmlerr.Wrap(pgmlerr.SchemaInvalid, "marshal schema", err)
	}
	return b, nil
}
