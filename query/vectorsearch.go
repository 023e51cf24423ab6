// Package query implements the Search/VectorSearch/RAG compilers (C7) and
// the Query Runner (C8): translating the three user-facing query shapes into
// parameterized SQL over a collection's documents table and a pipeline's
// derived tables, and executing that SQL against the pool. Grounded on
// original_source/pgml-sdks/pgml/src/collection.rs's vector_search/search/
// rag methods and pipeline.rs's retrieval dispatch; the teacher's
// internal/service/retrieval.go contributes the fan-out-then-merge idiom
// for combining several per-field scorers into one ranked list.
package query

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/vectorhub/pgml-go/collection"
	"github.com/vectorhub/pgml-go/embedding"
	"github.com/vectorhub/pgml-go/internal/filter"
	"github.com/vectorhub/pgml-go/model"
	"github.com/vectorhub/pgml-go/pgmlerr"
	"github.com/vectorhub/pgml-go/pipeline"
	"github.com/vectorhub/pgml-go/schema"
)

const defaultLimit = 10

// candidateMultiplier over-fetches per field before the cross-field merge so
// deduplication and reranking have enough material to choose from (spec
// §4.7.1).
const candidateMultiplier = 4

type candidate struct {
	documentID int64
	chunkID    int64
	chunk      string
	score      float64
	rerank     *float64
}

// VectorSearch compiles and executes a VectorSearch request against c using
// p's semantic_search fields (spec §4.7.1).
func VectorSearch(ctx context.Context, c *collection.Collection, p *pipeline.Pipeline, req model.VectorSearchRequest) ([]model.VectorSearchRow, error) {
	if len(req.Fields) == 0 {
		return nil, pgmlerr.New(pgmlerr.FilterInvalid, "vector_search requires at least one field query")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	pool := c.Pool()
	byKey := map[string]candidate{}

	for field, fq := range req.Fields {
		action, ok := p.Schema.Fields[field]
		if !ok || action.SemanticSearch == nil {
			return nil, pgmlerr.New(pgmlerr.SchemaInvalid, fmt.Sprintf("field %q has no semantic_search action in pipeline %q", field, p.Name))
		}

		qvec, err := queryEmbedding(ctx, pool, action.SemanticSearch, fq.Query)
		if err != nil {
			return nil, err
		}

		cands, err := vectorSearchField(ctx, pool, p, field, qvec, fq, limit*candidateMultiplier)
		if err != nil {
			return nil, err
		}
		for _, cd := range cands {
			key := fmt.Sprintf("%d:%d", cd.documentID, cd.chunkID)
			if existing, ok := byKey[key]; !ok || cd.score > existing.score {
				byKey[key] = cd
			}
		}
	}

	merged := make([]candidate, 0, len(byKey))
	for _, cd := range byKey {
		merged = append(merged, cd)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].score > merged[j].score })

	if req.Rerank != nil {
		n := req.Rerank.NumDocumentsToRerank
		if n <= 0 || n > len(merged) {
			n = len(merged)
		}
		if err := rerankCandidates(ctx, pool, req.Rerank, firstQuery(req.Fields), merged[:n]); err != nil {
			return nil, err
		}
		sort.Slice(merged, func(i, j int) bool {
			return rerankOrScore(merged[i]) > rerankOrScore(merged[j])
		})
	}

	if len(merged) > limit {
		merged = merged[:limit]
	}

	rows, _, err := hydrateRows(ctx, pool, c.DocumentsTable(), req.Filter, req.Keys, merged)
	return rows, err
}

func firstQuery(fields map[string]model.VectorSearchField) string {
	for _, f := range fields {
		return f.Query
	}
	return ""
}

func rerankOrScore(c candidate) float64 {
	if c.rerank != nil {
		return *c.rerank
	}
	return c.score
}

// queryEmbedding computes the embedding for a query string through the same
// local/remote path as the pipeline's ingest-time embedding (spec §4.4.1).
func queryEmbedding(ctx context.Context, pool *pgxpool.Pool, ss *schema.SemanticSearch, text string) (pgvector.Vector, error) {
	if ss.IsRemote() {
		e, err := embedding.Build(ss.Source, ss.Model)
		if err != nil {
			return pgvector.Vector{}, pgmlerr.Wrap(pgmlerr.RemoteEmbedding, "build remote embedder", err)
		}
		vs, err := e.Embed(ctx, []string{text})
		if err != nil {
			return pgvector.Vector{}, err
		}
		if len(vs) != 1 {
			return pgvector.Vector{}, pgmlerr.New(pgmlerr.RemoteEmbedding, "expected exactly one query embedding")
		}
		return pgvector.NewVector(vs[0]), nil
	}

	var vec pgvector.Vector
	err := pool.QueryRow(ctx, "SELECT embed($1, $2, $3)", ss.Model, text, paramsJSON(ss.Parameters)).Scan(&vec)
	if err != nil {
		return pgvector.Vector{}, pgmlerr.Wrap(pgmlerr.Database, "compute query embedding", err)
	}
	return vec, nil
}

func vectorSearchField(ctx context.Context, pool *pgxpool.Pool, p *pipeline.Pipeline, field string, qvec pgvector.Vector, fq model.VectorSearchField, limit int) ([]candidate, error) {
	embeddings := p.EmbeddingsTable(field)
	chunks := p.ChunksTable(field)

	args := []any{qvec}
	q := fmt.Sprintf(`
		SELECT c.document_id, c.id, c.chunk, 1 - (e.embedding <=> $1) AS score
		FROM %s e
		JOIN %s c ON c.id = e.chunk_id`, embeddings, chunks)

	if fq.FullTextFilter != "" {
		tsvectors := p.TSVectorsTable(field)
		args = append(args, fq.FullTextFilter)
		q += fmt.Sprintf(" JOIN %s t ON t.chunk_id = c.id WHERE t.ts @@ websearch_to_tsquery($%d)", tsvectors, len(args))
	}

	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY e.embedding <=> $1 LIMIT $%d", len(args))

	rows, err := pool.Query(ctx, q, args...)
	if err != nil {
		return nil, pgmlerr.WrapField(pgmlerr.Database, field, "vector_search field query", err)
	}
	defer rows.Close()

	var out []candidate
	for rows.Next() {
		var cd candidate
		if err := rows.Scan(&cd.documentID, &cd.chunkID, &cd.chunk, &cd.score); err != nil {
			return nil, pgmlerr.WrapField(pgmlerr.Database, field, "scan vector_search row", err)
		}
		out = append(out, cd)
	}
	if err := rows.Err(); err != nil {
		return nil, pgmlerr.WrapField(pgmlerr.Database, field, "vector_search field query", err)
	}
	return out, nil
}

// rerankCandidates invokes the model runtime's SQL-callable rerank function
// over the candidate chunks and fills in their rerank score in place (spec
// §4.7.1, §6).
func rerankCandidates(ctx context.Context, pool *pgxpool.Pool, spec *model.RerankSpec, query string, cands []candidate) error {
	if len(cands) == 0 {
		return nil
	}
	docs := make([]string, len(cands))
	for i, cd := range cands {
		docs[i] = cd.chunk
	}

	rows, err := pool.Query(ctx, "SELECT * FROM rerank($1, $2, $3::text[], $4)", spec.Model, query, docs, paramsJSON(spec.Parameters))
	if err != nil {
		return pgmlerr.Wrap(pgmlerr.Database, "rerank candidates", err)
	}
	defer rows.Close()

	scores := make(map[int]float64, len(cands))
	for rows.Next() {
		var idx int
		var score float64
		if err := rows.Scan(&idx, &score); err != nil {
			return pgmlerr.Wrap(pgmlerr.Database, "scan rerank row", err)
		}
		scores[idx] = score
	}
	if err := rows.Err(); err != nil {
		return pgmlerr.Wrap(pgmlerr.Database, "rerank candidates", err)
	}

	for i := range cands {
		if s, ok := scores[i]; ok {
			v := s
			cands[i].rerank = &v
		}
	}
	return nil
}

// hydrateRows joins the merged candidates back to their parent documents,
// applies the document-level filter and projection, and returns them in the
// candidates' existing order. The second return value is the subset of
// cands that survived the filter, in the same order as the returned rows,
// for callers that need to persist which result each position corresponds
// to (recordSearch).
func hydrateRows(ctx context.Context, pool *pgxpool.Pool, documentsTable string, f map[string]any, keys []string, cands []candidate) ([]model.VectorSearchRow, []candidate, error) {
	if len(cands) == 0 {
		return nil, nil, nil
	}

	where, args, err := filter.Compile(f, filter.Options{JSONColumn: "document"})
	if err != nil {
		return nil, nil, err
	}

	ids := make([]int64, len(cands))
	orderOf := make(map[int64]int, len(cands))
	for i, cd := range cands {
		ids[i] = cd.documentID
		orderOf[cd.documentID] = i
	}
	args = append(args, ids)
	idsPH := fmt.Sprintf("$%d", len(args))

	projection := "document"
	if len(keys) > 0 {
		projection = "jsonb_build_object(" + keysProjection(keys) + ")"
	}

	q := fmt.Sprintf("SELECT id, %s FROM %s WHERE (%s) AND id = ANY(%s)", projection, documentsTable, where, idsPH)
	rows, err := pool.Query(ctx, q, args...)
	if err != nil {
		return nil, nil, pgmlerr.Wrap(pgmlerr.Database, "hydrate vector_search documents", err)
	}
	defer rows.Close()

	docs := map[int64]map[string]any{}
	for rows.Next() {
		var id int64
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, nil, pgmlerr.Wrap(pgmlerr.Database, "scan hydrated document", err)
		}
		var body map[string]any
		if err := jsonUnmarshal(raw, &body); err != nil {
			return nil, nil, pgmlerr.Wrap(pgmlerr.Database, "unmarshal hydrated document", err)
		}
		docs[id] = body
	}
	if err := rows.Err(); err != nil {
		return nil, nil, pgmlerr.Wrap(pgmlerr.Database, "hydrate vector_search documents", err)
	}

	out := make([]model.VectorSearchRow, 0, len(cands))
	survived := make([]candidate, 0, len(cands))
	for _, cd := range cands {
		body, ok := docs[cd.documentID]
		if !ok {
			continue // excluded by the document-level filter
		}
		out = append(out, model.VectorSearchRow{
			Document:    body,
			Chunk:       cd.chunk,
			Score:       cd.score,
			RerankScore: cd.rerank,
		})
		survived = append(survived, cd)
	}
	return out, survived, nil
}

func keysProjection(keys []string) string {
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "'%s', document -> '%s'", k, k)
	}
	return b.String()
}
