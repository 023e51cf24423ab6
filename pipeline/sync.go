package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/vectorhub/pgml-go/embedding"
	"github.com/vectorhub/pgml-go/pgmlerr"
	"github.com/vectorhub/pgml-go/model"
	"github.com/vectorhub/pgml-go/schema"
	"github.com/vectorhub/pgml-go/splitter"
)

// chunkRow is one new-or-changed K_chunks row produced by syncChunksForField;
// only these chunks need their embeddings/tsvectors recomputed, per spec
// §4.4.2 step 1→2/3 ordering.
type chunkRow struct {
	ID         int64
	DocumentID int64
	Chunk      string
}

// SyncDocuments runs incremental sync (spec §4.4.2) for documentIDs within
// tx, which the Collection Manager shares across every pipeline touched by
// one upsert_documents batch so the whole batch commits atomically.
func (p *Pipeline) SyncDocuments(ctx context.Context, tx pgx.Tx, documentIDs []int64) error {
	for _, field := range p.Schema.Order {
		action := p.Schema.Fields[field]

		changed, err := p.syncChunksForField(ctx, tx, field, action, documentIDs)
		if err != nil {
			return err
		}
		if len(changed) == 0 {
			continue
		}

		if action.SemanticSearch != nil {
			if err := p.syncEmbeddingsForField(ctx, tx, field, action, changed); err != nil {
				return err
			}
		}
		if action.FullTextSearch != nil {
			if err := p.syncTSVectorsForField(ctx, tx, field, action, changed); err != nil {
				return err
			}
		}
	}
	return nil
}

// Resync fully repopulates every derived table from the current documents
// (spec §4.4.3). It is its own unit of work, run outside the ingest
// transaction, so it opens and commits its own transaction against pool.
func (p *Pipeline) Resync(ctx context.Context, pool Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return pgmlerr.Wrap(pgmlerr.Database, "begin resync transaction", err)
	}
	defer tx.Rollback(ctx)

	for _, field := range p.Schema.Order {
		if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s", p.chunksTable(field))); err != nil {
			return pgmlerr.WrapField(pgmlerr.SyncFailed, field, "clear chunks for resync", err)
		}
	}

	var ids []int64
	rows, err := tx.Query(ctx, fmt.Sprintf("SELECT id FROM %s.documents", p.CollectionSchema))
	if err != nil {
		return pgmlerr.Wrap(pgmlerr.Database, "list documents for resync", err)
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return pgmlerr.Wrap(pgmlerr.Database, "scan document id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return pgmlerr.Wrap(pgmlerr.Database, "list documents for resync", err)
	}

	if len(ids) > 0 {
		if err := p.SyncDocuments(ctx, tx, ids); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return pgmlerr.Wrap(pgmlerr.Database, "commit resync", err)
	}
	return nil
}

// Pool is the subset of *pgxpool.Pool this package needs for Resync, i.e.
// the ability to start its own transactions.
type Pool interface {
	Queryer
	Begin(ctx context.Context) (pgx.Tx, error)
}

func (p *Pipeline) syncChunksForField(ctx context.Context, tx pgx.Tx, field string, action schema.FieldAction, documentIDs []int64) ([]chunkRow, error) {
	rows, err := tx.Query(ctx,
		fmt.Sprintf("SELECT id, COALESCE(document->>$1, '') FROM %s.documents WHERE id = ANY($2) ORDER BY id", p.CollectionSchema),
		field, documentIDs)
	if err != nil {
		return nil, pgmlerr.WrapField(pgmlerr.SyncFailed, field, "fetch documents for chunking", err)
	}

	type docText struct {
		id   int64
		text string
	}
	var docs []docText
	for rows.Next() {
		var d docText
		if err := rows.Scan(&d.id, &d.text); err != nil {
			rows.Close()
			return nil, pgmlerr.WrapField(pgmlerr.SyncFailed, field, "scan document text", err)
		}
		docs = append(docs, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, pgmlerr.WrapField(pgmlerr.SyncFailed, field, "fetch documents for chunking", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}

	var split splitter.Splitter
	if action.Splitter != nil {
		var params map[string]any
		if action.Splitter.Parameters != nil {
			params = action.Splitter.Parameters
		}
		split, err = splitter.New(action.Splitter.Model, params)
		if err != nil {
			return nil, pgmlerr.WrapField(pgmlerr.SchemaInvalid, field, "build splitter", err)
		}
	}

	// Build one dynamic multi-row upsert, following collection.rs's
	// _upsert_documents idiom of hand-assembling a positional-placeholder
	// VALUES list rather than issuing one statement per row.
	var placeholders []string
	var args []any
	maxIndex := map[int64]int{}
	n := 0
	for _, d := range docs {
		var chunks []string
		if split != nil {
			chunks = split.Split(d.text)
			if len(chunks) == 0 {
				chunks = []string{d.text}
			}
		} else {
			chunks = []string{d.text}
		}
		for i, c := range chunks {
			idx := i + 1
			placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d)", n*3+1, n*3+2, n*3+3))
			args = append(args, d.id, idx, c)
			n++
			if idx > maxIndex[d.id] {
				maxIndex[d.id] = idx
			}
		}
	}
	if n == 0 {
		return nil, nil
	}

	table := p.chunksTable(field)
	sqlStmt := fmt.Sprintf(`
		INSERT INTO %s (document_id, chunk_index, chunk)
		VALUES %s
		ON CONFLICT (document_id, chunk_index) DO UPDATE SET chunk = EXCLUDED.chunk
		WHERE %s.chunk IS DISTINCT FROM EXCLUDED.chunk
		RETURNING id, document_id, chunk`, table, strings.Join(placeholders, ", "), table)

	changedRows, err := tx.Query(ctx, sqlStmt, args...)
	if err != nil {
		return nil, pgmlerr.WrapField(pgmlerr.SyncFailed, field, "upsert chunks", err)
	}
	var changed []chunkRow
	for changedRows.Next() {
		var c chunkRow
		if err := changedRows.Scan(&c.ID, &c.DocumentID, &c.Chunk); err != nil {
			changedRows.Close()
			return nil, pgmlerr.WrapField(pgmlerr.SyncFailed, field, "scan upserted chunk", err)
		}
		changed = append(changed, c)
	}
	changedRows.Close()
	if err := changedRows.Err(); err != nil {
		return nil, pgmlerr.WrapField(pgmlerr.SyncFailed, field, "upsert chunks", err)
	}

	// Drop chunks left over from a document that now splits into fewer
	// pieces than before, so K_chunks stays exactly sized to the current
	// content (testable property 1).
	var delPlaceholders []string
	var delArgs []any
	j := 0
	for docID, maxIdx := range maxIndex {
		delPlaceholders = append(delPlaceholders, fmt.Sprintf("($%d, $%d)", j*2+1, j*2+2))
		delArgs = append(delArgs, docID, maxIdx)
		j++
	}
	if len(delPlaceholders) > 0 {
		delSQL := fmt.Sprintf(`
			DELETE FROM %s c USING (VALUES %s) AS m(document_id, max_index)
			WHERE c.document_id = m.document_id AND c.chunk_index > m.max_index`,
			table, strings.Join(delPlaceholders, ", "))
		if _, err := tx.Exec(ctx, delSQL, delArgs...); err != nil {
			return nil, pgmlerr.WrapField(pgmlerr.SyncFailed, field, "trim stale chunks", err)
		}
	}

	// Any chunk whose text changed needs its embedding/tsvector
	// recomputed; the old derived rows are stale the moment the chunk text
	// itself changed even though the chunk row id is reused.
	if len(changed) > 0 {
		ids := make([]int64, len(changed))
		for i, c := range changed {
			ids[i] = c.ID
		}
		if action.SemanticSearch != nil {
			if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE chunk_id = ANY($1)", p.embeddingsTable(field)), ids); err != nil {
				return nil, pgmlerr.WrapField(pgmlerr.SyncFailed, field, "clear stale embeddings", err)
			}
		}
		if action.FullTextSearch != nil {
			if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE chunk_id = ANY($1)", p.tsvectorsTable(field)), ids); err != nil {
				return nil, pgmlerr.WrapField(pgmlerr.SyncFailed, field, "clear stale tsvectors", err)
			}
		}
	}

	return changed, nil
}

func (p *Pipeline) syncEmbeddingsForField(ctx context.Context, tx pgx.Tx, field string, action schema.FieldAction, changed []chunkRow) error {
	ss := action.SemanticSearch
	texts := make([]string, len(changed))
	for i, c := range changed {
		texts[i] = c.Chunk
	}

	var vectors [][]float32
	if ss.IsRemote() {
		e, err := embedding.Build(ss.Source, ss.Model)
		if err != nil {
			return pgmlerr.WrapField(pgmlerr.SyncFailed, field, "build remote embedder", err)
		}
		vs, err := e.Embed(ctx, texts)
		if err != nil {
			return pgmlerr.WrapField(pgmlerr.SyncFailed, field, "compute remote embeddings", err)
		}
		vectors = vs
	} else {
		rows, err := tx.Query(ctx, "SELECT * FROM embed($1, $2::text[], $3)", ss.Model, texts, paramsJSON(ss.Parameters))
		if err != nil {
			return pgmlerr.WrapField(pgmlerr.SyncFailed, field, "compute local embeddings", err)
		}
		for rows.Next() {
			var v pgvector.Vector
			if err := rows.Scan(&v); err != nil {
				rows.Close()
				return pgmlerr.WrapField(pgmlerr.SyncFailed, field, "scan local embedding", err)
			}
			vectors = append(vectors, v.Slice())
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return pgmlerr.WrapField(pgmlerr.SyncFailed, field, "compute local embeddings", err)
		}
	}

	if len(vectors) != len(changed) {
		return pgmlerr.WrapField(pgmlerr.SyncFailed, field,
			fmt.Sprintf("embedding count %d does not match chunk count %d", len(vectors), len(changed)), nil)
	}

	var placeholders []string
	var args []any
	for i, c := range changed {
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d)", i*3+1, i*3+2, i*3+3))
		args = append(args, c.ID, c.DocumentID, pgvector.NewVector(vectors[i]))
	}

	sqlStmt := fmt.Sprintf("INSERT INTO %s (chunk_id, document_id, embedding) VALUES %s",
		p.embeddingsTable(field), strings.Join(placeholders, ", "))
	if _, err := tx.Exec(ctx, sqlStmt, args...); err != nil {
		return pgmlerr.WrapField(pgmlerr.SyncFailed, field, "insert embeddings", err)
	}
	return nil
}

func (p *Pipeline) syncTSVectorsForField(ctx context.Context, tx pgx.Tx, field string, action schema.FieldAction, changed []chunkRow) error {
	ids := make([]int64, len(changed))
	for i, c := range changed {
		ids[i] = c.ID
	}
	sqlStmt := fmt.Sprintf(`
		INSERT INTO %s (chunk_id, document_id, ts)
		SELECT id, document_id, to_tsvector($1, chunk) FROM %s WHERE id = ANY($2)`,
		p.tsvectorsTable(field), p.chunksTable(field))
	if _, err := tx.Exec(ctx, sqlStmt, action.FullTextSearch.Configuration, ids); err != nil {
		return pgmlerr.WrapField(pgmlerr.SyncFailed, field, "insert tsvectors", err)
	}
	return nil
}

// Status computes get_pipeline_status (spec §4.4.4).
func (p *Pipeline) Status(ctx context.Context, db Queryer) (model.PipelineStatus, error) {
	var totalDocs int64
	if err := db.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s.documents", p.CollectionSchema)).Scan(&totalDocs); err != nil {
		return nil, pgmlerr.Wrap(pgmlerr.Database, "count documents", err)
	}

	out := make(model.PipelineStatus, len(p.Schema.Order))
	for _, field := range p.Schema.Order {
		var entry struct {
			Chunks     model.FieldStatus `json:"chunks"`
			Embeddings model.FieldStatus `json:"embeddings"`
			TSVectors  model.FieldStatus `json:"tsvectors"`
		}

		if err := fieldStatus(ctx, db, p.chunksTable(field), totalDocs, &entry.Chunks); err != nil {
			return nil, pgmlerr.WrapField(pgmlerr.Database, field, "chunk status", err)
		}
		action := p.Schema.Fields[field]
		if action.SemanticSearch != nil {
			if err := fieldStatus(ctx, db, p.embeddingsTable(field), totalDocs, &entry.Embeddings); err != nil {
				return nil, pgmlerr.WrapField(pgmlerr.Database, field, "embedding status", err)
			}
		}
		if action.FullTextSearch != nil {
			if err := fieldStatus(ctx, db, p.tsvectorsTable(field), totalDocs, &entry.TSVectors); err != nil {
				return nil, pgmlerr.WrapField(pgmlerr.Database, field, "tsvector status", err)
			}
		}

		out[field] = entry
	}
	return out, nil
}

func fieldStatus(ctx context.Context, db Queryer, table string, totalDocs int64, out *model.FieldStatus) error {
	var syncedDocs, totalRows int64
	err := db.QueryRow(ctx, fmt.Sprintf(
		"SELECT COUNT(DISTINCT document_id), COUNT(id) FROM %s", table,
	)).Scan(&syncedDocs, &totalRows)
	if err != nil {
		return err
	}
	out.Synced = syncedDocs
	out.NotSynced = totalDocs - syncedDocs
	out.Total = totalRows
	return nil
}
