package collection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/vectorhub/pgml-go/model"
	"github.com/vectorhub/pgml-go/pgmlerr"
)

// UpsertDocuments runs the upsert protocol (spec §4.5.2): partitions docs
// into batch_size chunks, runs up to parallel_batches of them concurrently
// (bounded by an errgroup, the teacher/pack idiom replacing Rust's
// JoinSet), and within each batch's own transaction computes dirty fields
// per pipeline and drives incremental sync. A failure in one batch does not
// abort the others; the aggregate error is inspectable with errors.Is /
// errors.As against the individual batch errors via Unwrap() []error.
func (c *Collection) UpsertDocuments(ctx context.Context, docs []map[string]any, opts model.UpsertOptions) error {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.ParallelBatches <= 0 {
		opts.ParallelBatches = 1
	}

	var batches [][]map[string]any
	for i := 0; i < len(docs); i += opts.BatchSize {
		end := min(i+opts.BatchSize, len(docs))
		batches = append(batches, docs[i:end])
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.ParallelBatches)

	errs := make([]error, len(batches))
	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			if err := c.upsertBatch(gctx, batch, opts.Merge); err != nil {
				errs[i] = err
			}
			return nil // batch errors are per-batch; do not cancel sibling batches
		})
	}
	_ = g.Wait()

	var joined []error
	for _, e := range errs {
		if e != nil {
			joined = append(joined, e)
		}
	}
	if len(joined) > 0 {
		return errors.Join(joined...)
	}
	return nil
}

func (c *Collection) upsertBatch(ctx context.Context, batch []map[string]any, merge bool) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return pgmlerr.Wrap(pgmlerr.Database, "begin upsert batch", err)
	}
	defer tx.Rollback(ctx)

	pipelines := c.ActivePipelines()
	dirtyByPipeline := make(map[string][]int64, len(pipelines))

	for _, doc := range batch {
		id, ok := doc["id"]
		if !ok {
			return pgmlerr.New(pgmlerr.SyncFailed, "document is missing required \"id\" field")
		}
		su := sourceUUID(id)

		var prevDoc map[string]any
		var prevVersion map[string]model.FieldMeta
		row := tx.QueryRow(ctx, fmt.Sprintf(
			"SELECT document, version FROM %s.documents WHERE source_uuid = $1 FOR UPDATE", c.Name), su)
		var prevDocRaw, prevVersionRaw []byte
		err := row.Scan(&prevDocRaw, &prevVersionRaw)
		hasPrev := err == nil
		if hasPrev {
			_ = json.Unmarshal(prevDocRaw, &prevDoc)
			_ = json.Unmarshal(prevVersionRaw, &prevVersion)
		}

		newDoc := doc
		if hasPrev && merge {
			newDoc = deepMerge(prevDoc, doc)
		}

		newVersion := make(map[string]model.FieldMeta, len(newDoc))
		for field, val := range newDoc {
			newVersion[field] = model.FieldMeta{LastUpdatedMS: nowMS(), MD5: md5Hex(val)}
		}

		docJSON, err := json.Marshal(newDoc)
		if err != nil {
			return pgmlerr.Wrap(pgmlerr.SyncFailed, "marshal document", err)
		}
		versionJSON, err := json.Marshal(newVersion)
		if err != nil {
			return pgmlerr.Wrap(pgmlerr.SyncFailed, "marshal version map", err)
		}

		var newID int64
		err = tx.QueryRow(ctx, fmt.Sprintf(`
			INSERT INTO %s.documents (source_uuid, document, version)
			VALUES ($1, $2, $3)
			ON CONFLICT (source_uuid) DO UPDATE SET document = EXCLUDED.document, version = EXCLUDED.version
			RETURNING id`, c.Name), su, docJSON, versionJSON).Scan(&newID)
		if err != nil {
			return pgmlerr.Wrap(pgmlerr.SyncFailed, "upsert document row", err)
		}

		for _, p := range pipelines {
			dirty := !hasPrev
			if !dirty {
				for field := range p.Schema.Fields {
					oldMeta, hadField := prevVersion[field]
					newMeta, hasField := newVersion[field]
					if hadField != hasField || oldMeta.MD5 != newMeta.MD5 {
						dirty = true
						break
					}
				}
			}
			if dirty {
				dirtyByPipeline[p.Name] = append(dirtyByPipeline[p.Name], newID)
			}
		}
	}

	for _, p := range pipelines {
		ids := dirtyByPipeline[p.Name]
		if len(ids) == 0 {
			continue
		}
		if err := p.SyncDocuments(ctx, tx, ids); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return pgmlerr.Wrap(pgmlerr.Database, "commit upsert batch", err)
	}
	return nil
}

// deepMerge merges overlay into base, last-writer-wins per key, recursing
// when both sides hold a JSON object at the same key (spec §4.5.2.b).
func deepMerge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if bv, ok := out[k]; ok {
			if bm, isMap1 := bv.(map[string]any); isMap1 {
				if ov, isMap2 := v.(map[string]any); isMap2 {
					out[k] = deepMerge(bm, ov)
					continue
				}
			}
		}
		out[k] = v
	}
	return out
}

// GetDocuments implements retrieval (spec §4.5.3).
func (c *Collection) GetDocuments(ctx context.Context, opts model.GetDocumentsOptions) ([]model.Document, error) {
	if opts.Limit <= 0 {
		opts.Limit = 1000
	}

	where, args, err := filterCompile(opts.Filter, "document")
	if err != nil {
		return nil, err
	}

	if opts.LastRowID != nil {
		args = append(args, *opts.LastRowID)
		where = fmt.Sprintf("%s AND id > $%d", where, len(args))
	}

	order := "id ASC"
	if opts.OrderBy != "" {
		dir := "ASC"
		if opts.OrderDesc {
			dir = "DESC"
		}
		order = fmt.Sprintf("document -> '%s' %s NULLS LAST", opts.OrderBy, dir)
	}

	projection := "document"
	if len(opts.Keys) > 0 {
		projection = "jsonb_build_object(" + keysProjection(opts.Keys) + ")"
	}

	var offsetClause string
	if opts.Offset != nil {
		args = append(args, *opts.Offset)
		offsetClause = fmt.Sprintf(" OFFSET $%d", len(args))
	}

	args = append(args, opts.Limit)
	limitPH := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(
		"SELECT id, created_at, source_uuid, %s FROM %s.documents WHERE %s ORDER BY %s%s LIMIT %s",
		projection, c.Name, where, order, offsetClause, limitPH)

	rows, err := c.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, pgmlerr.Wrap(pgmlerr.Database, "get_documents query", err)
	}
	defer rows.Close()

	var out []model.Document
	for rows.Next() {
		var d model.Document
		var raw []byte
		var su string
		if err := rows.Scan(&d.RowID, &d.CreatedAt, &su, &raw); err != nil {
			return nil, pgmlerr.Wrap(pgmlerr.Database, "scan document row", err)
		}
		d.SourceUUID = su
		if err := json.Unmarshal(raw, &d.Body); err != nil {
			return nil, pgmlerr.Wrap(pgmlerr.Database, "unmarshal document json", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, pgmlerr.Wrap(pgmlerr.Database, "get_documents query", err)
	}
	return out, nil
}

func keysProjection(keys []string) string {
	parts := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("'%s', document -> '%s'", k, k))
	}
	s := ""
	for i, p := range parts {
		if i > 0 {
			s += ", "
		}
		s += p
	}
	return s
}

// DeleteDocuments compiles filter via C6 and issues one DELETE against
// documents; foreign keys cascade into every derived table (spec §4.5.4).
func (c *Collection) DeleteDocuments(ctx context.Context, f map[string]any) (int64, error) {
	where, args, err := filterCompile(f, "document")
	if err != nil {
		return 0, err
	}
	tag, err := c.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s.documents WHERE %s", c.Name, where), args...)
	if err != nil {
		return 0, pgmlerr.Wrap(pgmlerr.Database, "delete_documents", err)
	}
	return tag.RowsAffected(), nil
}
