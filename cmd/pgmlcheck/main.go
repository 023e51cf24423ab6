// Command pgmlcheck is a thin CLI smoke-test entrypoint for this module,
// replacing the teacher's HTTP server (cmd/server/main.go) with the
// wiring order a library caller goes through: load config, connect a pool,
// run startup checks, then drive one collection through verify / add-pipeline
// / upsert / status / search.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vectorhub/pgml-go/collection"
	"github.com/vectorhub/pgml-go/config"
	"github.com/vectorhub/pgml-go/internal/dbpool"
	"github.com/vectorhub/pgml-go/model"
	"github.com/vectorhub/pgml-go/pipeline"
	"github.com/vectorhub/pgml-go/query"
)

func main() {
	cfg := config.Load()
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := dbpool.New(dbpool.Options{
		MaxConns:       int32(cfg.PoolMaxConns),
		MinConns:       int32(cfg.PoolMinConns),
		ConnectTimeout: cfg.PoolConnectTimeout,
	}, logger)
	defer registry.Close()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	if err := run(ctx, registry, logger, cmd, args); err != nil {
		slog.Error("command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: pgmlcheck <verify|add-pipeline|upsert|status|search> [flags]")
}

func run(ctx context.Context, registry *dbpool.Registry, logger *slog.Logger, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	dbURL := fs.String("db", "", "database URL (falls back to DATABASE_URL)")
	collectionName := fs.String("collection", "", "collection name")
	pipelineName := fs.String("pipeline", "", "pipeline name")
	schemaFile := fs.String("schema", "", "path to pipeline schema JSON (add-pipeline)")
	docsFile := fs.String("docs", "", "path to newline-delimited document JSON (upsert)")
	queryText := fs.String("query", "", "query text (search)")
	queryField := fs.String("field", "", "field to query (search)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *collectionName == "" {
		return fmt.Errorf("-collection is required")
	}

	pool, err := registry.Get(ctx, *dbURL)
	if err != nil {
		return err
	}

	c, err := collection.New(*collectionName, pool, logger)
	if err != nil {
		return err
	}
	if err := c.VerifyInDatabase(ctx); err != nil {
		return err
	}
	if err := c.LoadPipelines(ctx, logger); err != nil {
		return err
	}

	switch cmd {
	case "verify":
		logger.Info("collection verified", "collection", *collectionName)
		return nil

	case "add-pipeline":
		if *pipelineName == "" || *schemaFile == "" {
			return fmt.Errorf("add-pipeline requires -pipeline and -schema")
		}
		raw, err := os.ReadFile(*schemaFile)
		if err != nil {
			return err
		}
		p, err := pipeline.New(*pipelineName, *collectionName, raw, logger)
		if err != nil {
			return err
		}
		if err := c.AddPipeline(ctx, p); err != nil {
			return err
		}
		logger.Info("pipeline added", "pipeline", *pipelineName)
		return nil

	case "upsert":
		if *docsFile == "" {
			return fmt.Errorf("upsert requires -docs")
		}
		docs, err := readDocuments(*docsFile)
		if err != nil {
			return err
		}
		if err := c.UpsertDocuments(ctx, docs, model.DefaultUpsertOptions()); err != nil {
			return err
		}
		logger.Info("documents upserted", "count", len(docs))
		return nil

	case "status":
		if *pipelineName == "" {
			return fmt.Errorf("status requires -pipeline")
		}
		status, err := c.GetPipelineStatus(ctx, *pipelineName)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(status)

	case "search":
		if *pipelineName == "" || *queryField == "" || *queryText == "" {
			return fmt.Errorf("search requires -pipeline, -field, and -query")
		}
		p, err := c.GetPipeline(*pipelineName)
		if err != nil {
			return err
		}
		req := model.VectorSearchRequest{
			Fields: map[string]model.VectorSearchField{*queryField: {Query: *queryText}},
			Limit:  10,
		}
		rows, err := query.VectorSearch(ctx, c, p, req)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(rows)

	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// readDocuments parses one JSON object per line (not a JSON array), so
// large document sets can be streamed from a file without loading one
// giant array into memory first.
func readDocuments(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	var docs []map[string]any
	for {
		var doc map[string]any
		if err := dec.Decode(&doc); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
