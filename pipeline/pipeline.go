// Package pipeline implements the Pipeline Engine (C4): creating and
// evolving a pipeline's derived schema, running incremental and full sync,
// and reporting status, grounded on
// original_source/pgml-sdks/pgml/src/multi_field_pipeline.rs's
// create_tables/sync_document/sync_chunks_for_document/
// sync_embeddings_for_chunks/sync_tsvectors_for_chunks/resync/get_status
// methods.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/vectorhub/pgml-go/embedding"
	"github.com/vectorhub/pgml-go/pgmlerr"
	"github.com/vectorhub/pgml-go/schema"
)

// localProbeText is embedded once per field to discover a local model's
// output dimension, per spec §4.4.1.
const localProbeText = "Hello, World!"

// Queryer is the subset of pgx.Tx / *pgxpool.Pool this package needs,
// letting ProbeDimensions and Status run either inside a caller's
// transaction or directly against the pool.
type Queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Pipeline is one row of <collection>.pipelines plus its parsed schema and
// the tables it owns under <collection>_<pipeline>.
type Pipeline struct {
	Name             string
	CollectionSchema string
	Schema           *schema.Schema

	dims map[string]int // field -> probed embedding dimension
	log  *slog.Logger
}

// New parses rawSchema (C2) and returns an unregistered Pipeline. Fails with
// *pgmlerr.Error{Kind: SchemaMissing} if rawSchema is empty.
func New(name, collectionSchema string, rawSchema []byte, log *slog.Logger) (*Pipeline, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(rawSchema) == 0 {
		return nil, pgmlerr.New(pgmlerr.SchemaMissing, fmt.Sprintf("pipeline %q has no schema", name))
	}
	parsed, err := schema.Parse(rawSchema)
	if err != nil {
		return nil, err
	}
	return &Pipeline{Name: name, CollectionSchema: collectionSchema, Schema: parsed, dims: map[string]int{}, log: log}, nil
}

// Dimension exposes a field's probed embedding dimension once
// ProbeDimensions has run, for callers that need to validate testable
// property 4 (spec §8).
func (p *Pipeline) Dimension(field string) (int, bool) {
	d, ok := p.dims[field]
	return d, ok
}

// SchemaName is the Postgres schema this pipeline's derived tables live
// under: <collection>_<pipeline>.
func (p *Pipeline) SchemaName() string {
	return p.CollectionSchema + "_" + p.Name
}

func (p *Pipeline) chunksTable(field string) string     { return p.qualified(field + "_chunks") }
func (p *Pipeline) embeddingsTable(field string) string { return p.qualified(field + "_embeddings") }
func (p *Pipeline) tsvectorsTable(field string) string  { return p.qualified(field + "_tsvectors") }
func (p *Pipeline) qualified(table string) string       { return pgx.Identifier{p.SchemaName(), table}.Sanitize() }
func (p *Pipeline) documentsTable() string              { return pgx.Identifier{p.CollectionSchema, "documents"}.Sanitize() }

// ChunksTable, EmbeddingsTable, and TSVectorsTable expose the qualified
// derived-table names for field so the query package (C7) can build
// cross-pipeline SQL without reaching into this package's internals.
func (p *Pipeline) ChunksTable(field string) string     { return p.chunksTable(field) }
func (p *Pipeline) EmbeddingsTable(field string) string { return p.embeddingsTable(field) }
func (p *Pipeline) TSVectorsTable(field string) string  { return p.tsvectorsTable(field) }

// ProbeDimensions determines the embedding dimension for every
// semantic_search field that does not already have one cached, per spec
// §4.4.1. Local models are probed with a SQL call to the model runtime's
// embed() function over localProbeText; remote models go through the
// Remote-Embedding Adapter (C3). Must run before CreateTables.
func (p *Pipeline) ProbeDimensions(ctx context.Context, db Queryer) error {
	for field, action := range p.Schema.Fields {
		if action.SemanticSearch == nil {
			continue
		}
		if _, ok := p.dims[field]; ok {
			continue
		}

		ss := action.SemanticSearch
		if ss.IsRemote() {
			dim, err := embedding.Dimension(ctx, ss.Source, ss.Model)
			if err != nil {
				return pgmlerr.WrapField(pgmlerr.SyncFailed, field, "probe remote embedding dimension", err)
			}
			p.dims[field] = dim
			continue
		}

		var vec pgvector.Vector
		err := db.QueryRow(ctx, "SELECT embed($1, $2, $3)", ss.Model, localProbeText, paramsJSON(ss.Parameters)).Scan(&vec)
		if err != nil {
			return pgmlerr.WrapField(pgmlerr.SyncFailed, field, "probe local embedding dimension", err)
		}
		p.dims[field] = len(vec.Slice())
	}
	return nil
}

// CreateTables creates this pipeline's schema and its K_chunks/K_embeddings/
// K_tsvectors tables and indexes for every field, per spec §3 and §4.4.1.
// ProbeDimensions must be called first for semantic_search fields.
func (p *Pipeline) CreateTables(ctx context.Context, tx pgx.Tx) error {
	schemaName := p.SchemaName()
	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{schemaName}.Sanitize())); err != nil {
		return pgmlerr.Wrap(pgmlerr.Database, "create pipeline schema", err)
	}

	for _, field := range p.Schema.Order {
		action := p.Schema.Fields[field]

		chunks := p.chunksTable(field)
		if _, err := tx.Exec(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
				created_at timestamptz NOT NULL DEFAULT now(),
				document_id bigint NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
				chunk_index int NOT NULL,
				chunk text NOT NULL,
				UNIQUE (document_id, chunk_index)
			)`, chunks, p.documentsTable())); err != nil {
			return pgmlerr.WrapField(pgmlerr.Database, field, "create chunks table", err)
		}

		if action.SemanticSearch != nil {
			dim, ok := p.dims[field]
			if !ok {
				return pgmlerr.WrapField(pgmlerr.SyncFailed, field, "embedding dimension not probed", nil)
			}
			embeddings := p.embeddingsTable(field)
			if _, err := tx.Exec(ctx, fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
					created_at timestamptz NOT NULL DEFAULT now(),
					chunk_id bigint NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
					document_id bigint NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
					embedding vector(%d) NOT NULL
				)`, embeddings, chunks, p.documentsTable(), dim)); err != nil {
				return pgmlerr.WrapField(pgmlerr.Database, field, "create embeddings table", err)
			}
			if _, err := tx.Exec(ctx, fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops) WITH (m = %d, ef_construction = %d)",
				pgx.Identifier{field + "_embeddings_hnsw_idx"}.Sanitize(), embeddings,
				action.SemanticSearch.HNSW.M, action.SemanticSearch.HNSW.EFConstruction)); err != nil {
				return pgmlerr.WrapField(pgmlerr.Database, field, "create hnsw index", err)
			}
		}

		if action.FullTextSearch != nil {
			tsvectors := p.tsvectorsTable(field)
			if _, err := tx.Exec(ctx, fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
					created_at timestamptz NOT NULL DEFAULT now(),
					chunk_id bigint NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
					document_id bigint NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
					ts tsvector NOT NULL
				)`, tsvectors, chunks, p.documentsTable())); err != nil {
				return pgmlerr.WrapField(pgmlerr.Database, field, "create tsvectors table", err)
			}
			if _, err := tx.Exec(ctx, fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s USING gin (ts)",
				pgx.Identifier{field + "_tsvectors_gin_idx"}.Sanitize(), tsvectors)); err != nil {
				return pgmlerr.WrapField(pgmlerr.Database, field, "create gin index", err)
			}
		}
	}

	return nil
}

func paramsJSON(m map[string]any) []byte {
	if m == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return b
}
