package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vectorhub/pgml-go/collection"
	"github.com/vectorhub/pgml-go/model"
	"github.com/vectorhub/pgml-go/pgmlerr"
	"github.com/vectorhub/pgml-go/pipeline"
)

type scoredCandidate struct {
	documentID int64
	chunkID    int64
	chunk      string
	total      float64
}

// Search compiles and executes a hybrid search request: each field
// contributes boost × normalized_score from its semantic and/or full-text
// sub-scorer, summed across fields, and records the compiled query and the
// returned result ids under a fresh search_id, positioned so result_index N
// addresses results[N] (spec §4.7.2). This package has no call that writes
// search events against that row.
func Search(ctx context.Context, c *collection.Collection, p *pipeline.Pipeline, req model.SearchRequest) (model.SearchResponse, error) {
	if len(req.Fields) == 0 {
		return model.SearchResponse{}, pgmlerr.New(pgmlerr.FilterInvalid, "search requires at least one field query")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	pool := c.Pool()
	byKey := map[string]*scoredCandidate{}

	for field, fq := range req.Fields {
		action, ok := p.Schema.Fields[field]
		if !ok {
			return model.SearchResponse{}, pgmlerr.New(pgmlerr.SchemaInvalid, fmt.Sprintf("field %q is not declared in pipeline %q", field, p.Name))
		}

		if fq.SemanticSearch != nil {
			if action.SemanticSearch == nil {
				return model.SearchResponse{}, pgmlerr.New(pgmlerr.SchemaInvalid, fmt.Sprintf("field %q has no semantic_search action", field))
			}
			qvec, err := queryEmbedding(ctx, pool, action.SemanticSearch, fq.SemanticSearch.Query)
			if err != nil {
				return model.SearchResponse{}, err
			}
			cands, err := vectorSearchField(ctx, pool, p, field, qvec, model.VectorSearchField{Query: fq.SemanticSearch.Query}, limit*candidateMultiplier)
			if err != nil {
				return model.SearchResponse{}, err
			}
			boost := fq.SemanticSearch.Boost
			if boost == 0 {
				boost = 1
			}
			accumulateNormalized(byKey, cands, boost)
		}

		if fq.FullTextSearch != nil {
			if action.FullTextSearch == nil {
				return model.SearchResponse{}, pgmlerr.New(pgmlerr.SchemaInvalid, fmt.Sprintf("field %q has no full_text_search action", field))
			}
			configuration := fq.FullTextSearch.Configuration
			if configuration == "" {
				configuration = action.FullTextSearch.Configuration
			}
			cands, err := fullTextSearchField(ctx, pool, p, field, configuration, fq.FullTextSearch.Query, limit*candidateMultiplier)
			if err != nil {
				return model.SearchResponse{}, err
			}
			boost := fq.FullTextSearch.Boost
			if boost == 0 {
				boost = 1
			}
			accumulateNormalized(byKey, cands, boost)
		}
	}

	merged := make([]scoredCandidate, 0, len(byKey))
	for _, cd := range byKey {
		merged = append(merged, *cd)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].total > merged[j].total })
	if len(merged) > limit {
		merged = merged[:limit]
	}

	cands := make([]candidate, len(merged))
	for i, cd := range merged {
		cands[i] = candidate{documentID: cd.documentID, chunkID: cd.chunkID, chunk: cd.chunk, score: cd.total}
	}
	rows, survived, err := hydrateRows(ctx, pool, c.DocumentsTable(), req.Filter, req.Keys, cands)
	if err != nil {
		return model.SearchResponse{}, err
	}

	searchID, err := recordSearch(ctx, pool, p, req, survived)
	if err != nil {
		return model.SearchResponse{}, err
	}

	return model.SearchResponse{SearchID: searchID, Results: rows}, nil
}

// accumulateNormalized min-max normalizes one scorer's candidate scores to
// [0, 1] and adds boost × normalized_score into byKey, creating entries for
// chunks not yet seen by another scorer.
func accumulateNormalized(byKey map[string]*scoredCandidate, cands []candidate, boost float64) {
	if len(cands) == 0 {
		return
	}
	lo, hi := cands[0].score, cands[0].score
	for _, cd := range cands {
		if cd.score < lo {
			lo = cd.score
		}
		if cd.score > hi {
			hi = cd.score
		}
	}
	spread := hi - lo

	for _, cd := range cands {
		norm := 1.0
		if spread > 0 {
			norm = (cd.score - lo) / spread
		}
		key := fmt.Sprintf("%d:%d", cd.documentID, cd.chunkID)
		entry, ok := byKey[key]
		if !ok {
			entry = &scoredCandidate{documentID: cd.documentID, chunkID: cd.chunkID, chunk: cd.chunk}
			byKey[key] = entry
		}
		entry.total += boost * norm
	}
}

func fullTextSearchField(ctx context.Context, pool *pgxpool.Pool, p *pipeline.Pipeline, field, configuration, query string, limit int) ([]candidate, error) {
	tsvectors := p.TSVectorsTable(field)
	chunks := p.ChunksTable(field)

	q := fmt.Sprintf(`
		SELECT c.document_id, c.id, c.chunk, ts_rank(t.ts, websearch_to_tsquery($1, $2)) AS score
		FROM %s t
		JOIN %s c ON c.id = t.chunk_id
		WHERE t.ts @@ websearch_to_tsquery($1, $2)
		ORDER BY score DESC
		LIMIT $3`, tsvectors, chunks)

	rows, err := pool.Query(ctx, q, configuration, query, limit)
	if err != nil {
		return nil, pgmlerr.WrapField(pgmlerr.Database, field, "full_text_search field query", err)
	}
	defer rows.Close()

	var out []candidate
	for rows.Next() {
		var cd candidate
		if err := rows.Scan(&cd.documentID, &cd.chunkID, &cd.chunk, &cd.score); err != nil {
			return nil, pgmlerr.WrapField(pgmlerr.Database, field, "scan full_text_search row", err)
		}
		out = append(out, cd)
	}
	if err := rows.Err(); err != nil {
		return nil, pgmlerr.WrapField(pgmlerr.Database, field, "full_text_search field query", err)
	}
	return out, nil
}

// recordSearch ensures <collection>_<pipeline>.search_results exists and
// inserts a row recording the compiled request together with the returned
// result ids, in the same order as the response, returning the new
// search_id (spec §4.7.2). results holds the document/chunk pair surviving
// at each position, so a (search_id, result_index) pair identifies one
// result without a second per-result table. No search_events table is
// created here.
func recordSearch(ctx context.Context, pool *pgxpool.Pool, p *pipeline.Pipeline, req model.SearchRequest, results []candidate) (int64, error) {
	schemaName := p.SchemaName()
	table := schemaName + ".search_results"

	if _, err := pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			created_at timestamptz NOT NULL DEFAULT now(),
			query jsonb NOT NULL,
			results jsonb NOT NULL DEFAULT '[]'::jsonb
		)`, table)); err != nil {
		return 0, pgmlerr.Wrap(pgmlerr.Database, "create search_results table", err)
	}

	queryJSON := paramsJSON(searchRequestToMap(req))
	resultsJSON := arrayJSON(resultIDsMap(results))
	var id int64
	if err := pool.QueryRow(ctx,
		fmt.Sprintf("INSERT INTO %s (query, results) VALUES ($1, $2) RETURNING id", table),
		queryJSON, resultsJSON,
	).Scan(&id); err != nil {
		return 0, pgmlerr.Wrap(pgmlerr.Database, "insert search_results row", err)
	}
	return id, nil
}

// resultIDsMap turns results into a JSON array positioned exactly as the
// response's Results slice, so result_index N addresses results[N].
func resultIDsMap(results []candidate) []map[string]any {
	out := make([]map[string]any, len(results))
	for i, cd := range results {
		out[i] = map[string]any{"document_id": cd.documentID, "chunk_id": cd.chunkID}
	}
	return out
}

func searchRequestToMap(req model.SearchRequest) map[string]any {
	return map[string]any{
		"fields": req.Fields,
		"filter": req.Filter,
		"keys":   req.Keys,
		"limit":  req.Limit,
	}
}
