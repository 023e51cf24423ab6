// Package collection implements the Collection Manager (C5): schema
// provisioning, the document upsert protocol, retrieval, deletion, and
// archival, grounded on
// original_source/pgml-sdks/pgml/src/collection.rs's verify_in_database,
// add_pipeline, upsert_documents/_upsert_documents, get_documents, and
// archive methods.
package collection

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vectorhub/pgml-go/internal/filter"
	"github.com/vectorhub/pgml-go/pgmlerr"
	"github.com/vectorhub/pgml-go/pipeline"
)

// nameRE is the collection name validation rule (spec §4.5.1).
var nameRE = regexp.MustCompile(`^[A-Za-z0-9 _-]+$`)

// Collection owns one <name> schema, its documents/pipelines tables, and
// its registered Pipelines.
type Collection struct {
	Name string
	pool *pgxpool.Pool
	log  *slog.Logger

	mu        sync.RWMutex
	pipelines map[string]*pipeline.Pipeline
}

// New validates name (spec §4.5.1: [A-Za-z0-9 _-]+, else NameInvalid) and
// returns a Collection bound to pool. It does not touch the database; call
// VerifyInDatabase to provision schema on first use.
func New(name string, pool *pgxpool.Pool, log *slog.Logger) (*Collection, error) {
	if !nameRE.MatchString(name) {
		return nil, pgmlerr.New(pgmlerr.NameInvalid, fmt.Sprintf("collection name %q must match [A-Za-z0-9 _-]+", name))
	}
	if log == nil {
		log = slog.Default()
	}
	return &Collection{Name: name, pool: pool, log: log, pipelines: map[string]*pipeline.Pipeline{}}, nil
}

// VerifyInDatabase provisions this collection's schema on first use (spec
// §4.5.1): ensures pgml.collections/pgml.projects bootstrap tables, the
// row for this collection, the collection's own schema, and its documents/
// pipelines tables, all under one transaction.
func (c *Collection) VerifyInDatabase(ctx context.Context) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return pgmlerr.Wrap(pgmlerr.Database, "begin verify_in_database", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureBootstrapTables(ctx, tx); err != nil {
		return err
	}

	var exists bool
	if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM pgml.collections WHERE name = $1)", c.Name).Scan(&exists); err != nil {
		return pgmlerr.Wrap(pgmlerr.Database, "check collection row", err)
	}

	if !exists {
		var projectID int64
		err := tx.QueryRow(ctx, `
			INSERT INTO pgml.projects (name, task, created_at) VALUES ($1, 'embedding', now())
			ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			RETURNING id`, c.Name).Scan(&projectID)
		if err != nil {
			return pgmlerr.Wrap(pgmlerr.Database, "ensure project row", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO pgml.collections (name, active, project_id, sdk_version, created_at)
			VALUES ($1, true, $2, $3, now())`, c.Name, projectID, sdkVersion); err != nil {
			return pgmlerr.Wrap(pgmlerr.Database, "insert collection row", err)
		}

		schemaIdent := pgx.Identifier{c.Name}.Sanitize()
		if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schemaIdent)); err != nil {
			return pgmlerr.Wrap(pgmlerr.Database, "create collection schema", err)
		}

		if _, err := tx.Exec(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.documents (
				id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
				created_at timestamptz NOT NULL DEFAULT now(),
				source_uuid uuid UNIQUE NOT NULL,
				document jsonb NOT NULL,
				version jsonb NOT NULL DEFAULT '{}'::jsonb
			)`, c.Name)); err != nil {
			return pgmlerr.Wrap(pgmlerr.Database, "create documents table", err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS documents_document_idx ON %s.documents USING gin (document jsonb_path_ops)", c.Name)); err != nil {
			return pgmlerr.Wrap(pgmlerr.Database, "create documents gin index", err)
		}

		if _, err := tx.Exec(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.pipelines (
				id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
				name text UNIQUE NOT NULL,
				created_at timestamptz NOT NULL DEFAULT now(),
				active bool NOT NULL DEFAULT false,
				schema jsonb NOT NULL
			)`, c.Name)); err != nil {
			return pgmlerr.Wrap(pgmlerr.Database, "create pipelines table", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return pgmlerr.Wrap(pgmlerr.Database, "commit verify_in_database", err)
	}
	return nil
}

// sdkVersion is recorded on every collection row so future migrations can
// detect layout drift (spec §6).
const sdkVersion = "pgml-go/1"

func ensureBootstrapTables(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS pgml"); err != nil {
		return pgmlerr.Wrap(pgmlerr.Database, "create pgml schema", err)
	}
	if _, err := tx.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS pgml.projects (
			id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			name text UNIQUE NOT NULL,
			task text NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now()
		)`); err != nil {
		return pgmlerr.Wrap(pgmlerr.Database, "create pgml.projects", err)
	}
	if _, err := tx.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS pgml.collections (
			id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			name text UNIQUE NOT NULL,
			active bool NOT NULL DEFAULT true,
			project_id bigint NOT NULL REFERENCES pgml.projects(id),
			sdk_version text NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now()
		)`); err != nil {
		return pgmlerr.Wrap(pgmlerr.Database, "create pgml.collections", err)
	}
	return nil
}

// sourceUUID derives the deterministic upsert key from a document's
// user-visible id field: MD5 of its string form, reinterpreted as a UUID
// (spec §3).
func sourceUUID(id any) uuid.UUID {
	s := fmt.Sprintf("%v", id)
	sum := md5.Sum([]byte(s))
	return uuid.Must(uuid.FromBytes(sum[:]))
}

func md5Hex(v any) string {
	b, _ := json.Marshal(v)
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func nowMS() int64 { return time.Now().UnixMilli() }

// Pool exposes the underlying connection pool for the query package (C7/C8),
// which issues Search/VectorSearch/RAG SQL directly against it alongside
// this collection's and its pipelines' table names.
func (c *Collection) Pool() *pgxpool.Pool { return c.pool }

// DocumentsTable is the qualified name of this collection's documents table.
func (c *Collection) DocumentsTable() string {
	return pgx.Identifier{c.Name, "documents"}.Sanitize()
}

// filterCompile is a thin indirection so this package's exported API does
// not need to import internal/filter's types directly in signatures.
func filterCompile(f map[string]any, jsonColumn string) (string, []any, error) {
	return filter.Compile(f, filter.Options{JSONColumn: jsonColumn})
}
