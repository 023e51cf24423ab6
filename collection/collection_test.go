package collection

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestNewRejectsInvalidName(t *testing.T) {
	if _, err := New("bad/name!", nil, nil); err == nil {
		t.Fatal("expected error for name with disallowed characters")
	}
}

func TestNewAcceptsValidName(t *testing.T) {
	if _, err := New("My Collection_1-2", nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSourceUUIDDeterministic(t *testing.T) {
	a := sourceUUID("doc-42")
	b := sourceUUID("doc-42")
	if a != b {
		t.Fatalf("expected sourceUUID to be deterministic, got %v and %v", a, b)
	}
	c := sourceUUID("doc-43")
	if a == c {
		t.Fatal("expected different ids to produce different UUIDs")
	}
}

func TestSourceUUIDStringifiesNonStringIDs(t *testing.T) {
	a := sourceUUID(float64(42))
	b := sourceUUID("42")
	if a != b {
		t.Fatalf("expected numeric and string forms of the same id to match, got %v and %v", a, b)
	}
}

func TestDeepMergeOverwritesScalarKeys(t *testing.T) {
	base := map[string]any{"title": "old", "views": 1.0}
	overlay := map[string]any{"title": "new"}
	merged := deepMerge(base, overlay)
	if merged["title"] != "new" {
		t.Fatalf("expected overlay to win on title, got %v", merged["title"])
	}
	if merged["views"] != 1.0 {
		t.Fatalf("expected base-only key to survive, got %v", merged["views"])
	}
}

func TestDeepMergeRecursesIntoNestedObjects(t *testing.T) {
	base := map[string]any{"meta": map[string]any{"author": "ada", "year": 1840.0}}
	overlay := map[string]any{"meta": map[string]any{"year": 1843.0}}
	merged := deepMerge(base, overlay)
	meta := merged["meta"].(map[string]any)
	if meta["author"] != "ada" {
		t.Fatalf("expected nested base-only key to survive, got %v", meta["author"])
	}
	if meta["year"] != 1843.0 {
		t.Fatalf("expected nested overlay value to win, got %v", meta["year"])
	}
}

func TestDeepMergeOverlayTypeMismatchReplacesWholeValue(t *testing.T) {
	base := map[string]any{"meta": map[string]any{"author": "ada"}}
	overlay := map[string]any{"meta": "flattened"}
	merged := deepMerge(base, overlay)
	if merged["meta"] != "flattened" {
		t.Fatalf("expected overlay scalar to replace base object wholesale, got %v", merged["meta"])
	}
}

func TestMD5HexDeterministic(t *testing.T) {
	a := md5Hex(map[string]any{"a": 1.0, "b": "x"})
	b := md5Hex(map[string]any{"a": 1.0, "b": "x"})
	if a != b {
		t.Fatalf("expected md5Hex to be deterministic for identical input, got %q and %q", a, b)
	}
}

// archiveTestPool connects to a real database for the Archive integration
// test below, following the pack's convention of skipping DB-backed tests
// rather than mocking pgx when no database is reachable (grounded on
// vasic-digital-SuperAgent's internal/database/*_repository_test.go
// setup/skip pattern).
func archiveTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("PGML_TEST_DATABASE_URL")
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		t.Skip("skipping: PGML_TEST_DATABASE_URL / DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Skipf("skipping: database not available: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skipping: database ping failed: %v", err)
	}
	return pool
}

// TestArchiveRenamesCollectionRowSoNameIsReusable exercises spec scenario S5
// (archive then reuse the name): after Archive, a brand new Collection
// constructed with the same original name must provision a fresh schema
// rather than finding the old, renamed-away one through a stale
// pgml.collections row.
func TestArchiveRenamesCollectionRowSoNameIsReusable(t *testing.T) {
	pool := archiveTestPool(t)
	defer pool.Close()

	ctx := context.Background()
	name := fmt.Sprintf("archive_test_%d", time.Now().UnixNano())

	c, err := New(name, pool, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.VerifyInDatabase(ctx); err != nil {
		t.Fatalf("VerifyInDatabase: %v", err)
	}

	var archivedSchema string
	t.Cleanup(func() {
		cleanupCtx := context.Background()
		if archivedSchema != "" {
			pool.Exec(cleanupCtx, fmt.Sprintf("DROP SCHEMA IF EXISTS %q CASCADE", archivedSchema))
			pool.Exec(cleanupCtx, "DELETE FROM pgml.collections WHERE name = $1", archivedSchema)
		}
		pool.Exec(cleanupCtx, fmt.Sprintf("DROP SCHEMA IF EXISTS %q CASCADE", name))
		pool.Exec(cleanupCtx, "DELETE FROM pgml.collections WHERE name = $1", name)
	})

	if err := c.Archive(ctx); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	var newName string
	var active bool
	err = pool.QueryRow(ctx,
		"SELECT name, active FROM pgml.collections WHERE name LIKE $1", name+"_archive_%",
	).Scan(&newName, &active)
	if err != nil {
		t.Fatalf("expected a renamed pgml.collections row, got error: %v", err)
	}
	archivedSchema = newName
	if active {
		t.Fatal("expected archived collection row to be inactive")
	}

	var staleRowExists bool
	if err := pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM pgml.collections WHERE name = $1)", name,
	).Scan(&staleRowExists); err != nil {
		t.Fatalf("check for stale row: %v", err)
	}
	if staleRowExists {
		t.Fatal("expected no pgml.collections row left under the original name after archive")
	}

	reused, err := New(name, pool, nil)
	if err != nil {
		t.Fatalf("New (reuse): %v", err)
	}
	if err := reused.VerifyInDatabase(ctx); err != nil {
		t.Fatalf("VerifyInDatabase (reuse): %v", err)
	}

	var reusedActive bool
	if err := pool.QueryRow(ctx,
		"SELECT active FROM pgml.collections WHERE name = $1", name,
	).Scan(&reusedActive); err != nil {
		t.Fatalf("expected a fresh pgml.collections row for the reused name: %v", err)
	}
	if !reusedActive {
		t.Fatal("expected the reused collection's row to be freshly active")
	}
}
