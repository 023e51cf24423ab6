package collection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/vectorhub/pgml-go/model"
	"github.com/vectorhub/pgml-go/pgmlerr"
	"github.com/vectorhub/pgml-go/pipeline"
)

// AddPipeline registers pipeline p (spec §4.4.1): probes embedding
// dimensions, creates the derived tables in one transaction, then runs a
// full resync, and only then flips the pipelines row active — the
// "not queryable until populated" invariant. Adding a pipeline that already
// exists active is a no-op with a warning log; schema-missing failures
// surface before this method is ever reached (pipeline.New already
// validates the schema).
func (c *Collection) AddPipeline(ctx context.Context, p *pipeline.Pipeline) error {
	c.mu.RLock()
	_, already := c.pipelines[p.Name]
	c.mu.RUnlock()

	var active bool
	err := c.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT active FROM %s.pipelines WHERE name = $1", c.Name), p.Name,
	).Scan(&active)
	rowExists := err == nil

	if rowExists && active {
		if already {
			c.log.Warn("add_pipeline: pipeline already registered and active, no-op", "collection", c.Name, "pipeline", p.Name)
			return nil
		}
		c.log.Warn("add_pipeline: pipeline already active in database, no-op", "collection", c.Name, "pipeline", p.Name)
		c.registerLoaded(p)
		return nil
	}

	// Probing remote embedding dimensions makes an HTTP call; do it before
	// opening the table-creation transaction so that transaction never
	// holds open across network I/O.
	if err := p.ProbeDimensions(ctx, c.pool); err != nil {
		return err
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return pgmlerr.Wrap(pgmlerr.Database, "begin add_pipeline", err)
	}
	defer tx.Rollback(ctx)

	schemaJSON, err := p.Schema.Marshal()
	if err != nil {
		return err
	}

	if rowExists {
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			"UPDATE %s.pipelines SET schema = $1 WHERE name = $2", c.Name), schemaJSON, p.Name); err != nil {
			return pgmlerr.Wrap(pgmlerr.Database, "update pipeline row", err)
		}
	} else {
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			"INSERT INTO %s.pipelines (name, created_at, active, schema) VALUES ($1, now(), false, $2)", c.Name),
			p.Name, schemaJSON); err != nil {
			return pgmlerr.Wrap(pgmlerr.Database, "insert pipeline row", err)
		}
	}

	if err := p.CreateTables(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return pgmlerr.Wrap(pgmlerr.Database, "commit add_pipeline table creation", err)
	}

	if err := p.Resync(ctx, c.pool); err != nil {
		return err
	}

	if _, err := c.pool.Exec(ctx, fmt.Sprintf(
		"UPDATE %s.pipelines SET active = true WHERE name = $1", c.Name), p.Name); err != nil {
		return pgmlerr.Wrap(pgmlerr.Database, "activate pipeline", err)
	}

	c.registerLoaded(p)
	c.log.Info("pipeline registered", "collection", c.Name, "pipeline", p.Name)
	return nil
}

func (c *Collection) registerLoaded(p *pipeline.Pipeline) {
	c.mu.Lock()
	c.pipelines[p.Name] = p
	c.mu.Unlock()
}

// GetPipeline returns a previously registered, active pipeline by name.
// Fails with *pgmlerr.Error{Kind: NotFound} if it is not registered or
// inactive (spec §7) — this implementation never retries or re-verifies
// against the database on a failed lookup (spec §9's flagged anti-pattern).
func (c *Collection) GetPipeline(name string) (*pipeline.Pipeline, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pipelines[name]
	if !ok {
		return nil, pgmlerr.New(pgmlerr.NotFound, fmt.Sprintf("pipeline %q is not registered on collection %q", name, c.Name))
	}
	return p, nil
}

// LoadPipelines loads every active pipeline row for this collection from
// the database and parses its schema, populating the in-memory registry
// used by GetPipeline/Search/VectorSearch/RAG and by UpsertDocuments's
// dirty-field computation. Call once after construction for an existing
// collection.
func (c *Collection) LoadPipelines(ctx context.Context, log *slog.Logger) error {
	rows, err := c.pool.Query(ctx, fmt.Sprintf(
		"SELECT name, schema FROM %s.pipelines WHERE active = true", c.Name))
	if err != nil {
		return pgmlerr.Wrap(pgmlerr.Database, "list active pipelines", err)
	}
	defer rows.Close()

	type row struct {
		name   string
		schema json.RawMessage
	}
	var loaded []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.name, &r.schema); err != nil {
			return pgmlerr.Wrap(pgmlerr.Database, "scan pipeline row", err)
		}
		loaded = append(loaded, r)
	}
	if err := rows.Err(); err != nil {
		return pgmlerr.Wrap(pgmlerr.Database, "list active pipelines", err)
	}

	for _, r := range loaded {
		p, err := pipeline.New(r.name, c.Name, r.schema, log)
		if err != nil {
			return err
		}
		if err := p.ProbeDimensions(ctx, c.pool); err != nil {
			return err
		}
		c.registerLoaded(p)
	}
	return nil
}

// ActivePipelines returns every currently registered pipeline, in no
// particular order, for callers that need to fan a write out to all of
// them (UpsertDocuments does this internally).
func (c *Collection) ActivePipelines() []*pipeline.Pipeline {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*pipeline.Pipeline, 0, len(c.pipelines))
	for _, p := range c.pipelines {
		out = append(out, p)
	}
	return out
}

// GetPipelineStatus reports per-field sync status for a registered
// pipeline (spec §4.4.4).
func (c *Collection) GetPipelineStatus(ctx context.Context, name string) (model.PipelineStatus, error) {
	p, err := c.GetPipeline(name)
	if err != nil {
		return nil, err
	}
	return p.Status(ctx, c.pool)
}
