// Package model holds the data-transfer shapes shared by collection,
// pipeline, and query, adapted from the teacher's convention of keeping all
// DTOs in one internal/model package (internal/model/types.go), generalized
// from the teacher's query/citation-specific types to this system's
// document/search/vector-search/RAG shapes.
package model

import (
	"encoding/json"
	"time"
)

// Document is one row of <collection>.documents (spec §3).
type Document struct {
	RowID      int64                `json:"row_id"`
	CreatedAt  time.Time            `json:"created_at"`
	SourceUUID string               `json:"source_uuid"`
	Body       map[string]any       `json:"document"`
	Version    map[string]FieldMeta `json:"version"`
}

// FieldMeta is the per-field version bookkeeping stored in
// documents.version, used for dirty-field detection (spec §3 invariant 3).
type FieldMeta struct {
	LastUpdatedMS int64  `json:"last_updated_ms"`
	MD5           string `json:"md5"`
}

// UpsertOptions are the recognized upsert_documents options (spec §4.5.2).
type UpsertOptions struct {
	BatchSize       int
	ParallelBatches int
	Merge           bool
}

// DefaultUpsertOptions matches spec §4.5.2's defaults.
func DefaultUpsertOptions() UpsertOptions {
	return UpsertOptions{BatchSize: 100, ParallelBatches: 1, Merge: false}
}

// GetDocumentsOptions covers spec §4.5.3's retrieval parameters.
type GetDocumentsOptions struct {
	Limit      int
	LastRowID  *int64 // keyset pagination, strictly greater-than
	Offset     *int64 // offset pagination; mutually exclusive with LastRowID
	Filter     map[string]any
	OrderBy    string // JSON path, NULLs-last
	OrderDesc  bool
	Keys       []string // projection of document JSON keys
}

// DefaultGetDocumentsOptions matches spec §4.5.3's default limit.
func DefaultGetDocumentsOptions() GetDocumentsOptions {
	return GetDocumentsOptions{Limit: 1000}
}

// FieldStatus is one derived-table's sync status (spec §4.4.4).
type FieldStatus struct {
	Synced    int64 `json:"synced"`
	NotSynced int64 `json:"not_synced"`
	Total     int64 `json:"total"`
}

// PipelineStatus is the per-field status map returned by
// get_pipeline_status.
type PipelineStatus map[string]struct {
	Chunks     FieldStatus `json:"chunks"`
	Embeddings FieldStatus `json:"embeddings"`
	TSVectors  FieldStatus `json:"tsvectors"`
}

// VectorSearchField is one field's query within a VectorSearch request
// (spec §4.7.1).
type VectorSearchField struct {
	Query          string         `json:"query"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	FullTextFilter string         `json:"full_text_filter,omitempty"`
}

// RerankSpec requests reranking of VectorSearch candidates (spec §4.7.1).
type RerankSpec struct {
	Model                string         `json:"model"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	NumDocumentsToRerank int            `json:"num_documents_to_rerank,omitempty"`
}

// VectorSearchRequest is the input to VectorSearch (spec §4.7.1).
type VectorSearchRequest struct {
	Fields     map[string]VectorSearchField `json:"fields"`
	Filter     map[string]any               `json:"filter,omitempty"`
	Keys       []string                     `json:"keys,omitempty"`
	Limit      int                          `json:"limit,omitempty"`
	Rerank     *RerankSpec                  `json:"rerank,omitempty"`
}

// VectorSearchRow is one output row of VectorSearch/Search (spec §4.7.1).
type VectorSearchRow struct {
	Document    map[string]any `json:"document"`
	Chunk       string         `json:"chunk"`
	Score       float64        `json:"score"`
	RerankScore *float64       `json:"rerank_score,omitempty"`
}

// SearchSemantic is one field's semantic sub-scorer within a Search request
// (spec §4.7.2).
type SearchSemantic struct {
	Query      string         `json:"query"`
	Boost      float64        `json:"boost,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// SearchFullText is one field's keyword sub-scorer within a Search request.
type SearchFullText struct {
	Query         string  `json:"query"`
	Boost         float64 `json:"boost,omitempty"`
	Configuration string  `json:"configuration,omitempty"`
}

// SearchField is one field's hybrid query within a Search request.
type SearchField struct {
	SemanticSearch *SearchSemantic `json:"semantic_search,omitempty"`
	FullTextSearch *SearchFullText `json:"full_text_search,omitempty"`
	Filter         map[string]any  `json:"filter,omitempty"`
}

// SearchRequest is the input to Search (spec §4.7.2).
type SearchRequest struct {
	Fields map[string]SearchField `json:"fields"`
	Filter map[string]any         `json:"filter,omitempty"`
	Keys   []string               `json:"keys,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
}

// SearchResponse wraps the ranked rows plus the search_id allocated for
// feedback (spec §4.7.2).
type SearchResponse struct {
	SearchID int64              `json:"search_id"`
	Results  []VectorSearchRow  `json:"results"`
}

// ChatSpec is the reserved "chat" key of a RAG request (spec §4.7.3).
type ChatSpec struct {
	Model     string           `json:"model"`
	Messages  []json.RawMessage `json:"messages"`
	MaxTokens int              `json:"max_tokens,omitempty"`
	Params    map[string]any   `json:"params,omitempty"`
}

// RAGAggregate describes how to fold a sub-query's rows into a single
// string substituted for its {NAME} placeholder (spec §4.7.3).
type RAGAggregate struct {
	Join string `json:"join"`
}

// RAGSubquery is a named sub-query: either a vector_search+aggregate pair,
// or a raw sql string.
type RAGSubquery struct {
	VectorSearch *VectorSearchRequest `json:"vector_search,omitempty"`
	Aggregate    *RAGAggregate        `json:"aggregate,omitempty"`
	SQL          string               `json:"sql,omitempty"`
}

// RAGRequest is the input to RAG: Chat holds the reserved "chat" spec and
// Subqueries holds the named RAGSubquery entries, keyed by name (spec
// §4.7.3). It is a plain struct with no custom JSON decoding, so a single
// object with sub-queries as sibling keys of "chat" does not decode into
// Subqueries.
type RAGRequest struct {
	Chat      ChatSpec
	Subqueries map[string]RAGSubquery
}

// RAGResponse is the non-streaming RAG output (spec §4.7.3).
type RAGResponse struct {
	RAG     []string                     `json:"rag"`
	Sources map[string][]map[string]any `json:"sources"`
}
