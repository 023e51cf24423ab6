package collection

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vectorhub/pgml-go/pgmlerr"
	"github.com/vectorhub/pgml-go/pipeline"
)

// Archive renames every pipeline schema, then the collection schema, then
// renames the pgml.collections row's name to match and flips active to
// false, in that order, all within one transaction (spec §4.5.5 /
// collection.rs's archive). Renaming the row, not just the schema, is what
// makes the original name immediately reusable: VerifyInDatabase's
// existence check looks up pgml.collections by name, and a stale row there
// would make it skip provisioning a fresh schema for a new collection that
// reuses the old name. The collection is unusable afterward; callers must
// construct a fresh Collection against the renamed schema if they need the
// old data again.
func (c *Collection) Archive(ctx context.Context) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return pgmlerr.Wrap(pgmlerr.Database, "begin archive", err)
	}
	defer tx.Rollback(ctx)

	suffix := fmt.Sprintf("_archive_%d", time.Now().UnixNano())

	rows, err := tx.Query(ctx, fmt.Sprintf("SELECT name FROM %s.pipelines", c.Name))
	if err != nil {
		return pgmlerr.Wrap(pgmlerr.Database, "list pipelines for archive", err)
	}
	pipelineNames, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return pgmlerr.Wrap(pgmlerr.Database, "list pipelines for archive", err)
	}
	for _, name := range pipelineNames {
		oldName := c.Name + "_" + name
		newName := oldName + suffix
		if err := renameSchema(ctx, tx, oldName, newName); err != nil {
			return err
		}
	}

	oldCollectionSchema := c.Name
	newCollectionSchema := c.Name + suffix
	if err := renameSchema(ctx, tx, oldCollectionSchema, newCollectionSchema); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		"UPDATE pgml.collections SET name = $1, active = false WHERE name = $2", newCollectionSchema, c.Name,
	); err != nil {
		return pgmlerr.Wrap(pgmlerr.Database, "rename and deactivate collection row", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return pgmlerr.Wrap(pgmlerr.Database, "commit archive", err)
	}

	c.mu.Lock()
	c.pipelines = map[string]*pipeline.Pipeline{}
	c.mu.Unlock()

	return nil
}

func renameSchema(ctx context.Context, tx pgx.Tx, oldName, newName string) error {
	oldIdent := pgx.Identifier{oldName}.Sanitize()
	newIdent := pgx.Identifier{newName}.Sanitize()
	if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER SCHEMA %s RENAME TO %s", oldIdent, newIdent)); err != nil {
		return pgmlerr.Wrap(pgmlerr.Database, fmt.Sprintf("rename schema %s", oldName), err)
	}
	return nil
}
