package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/vectorhub/pgml-go/collection"
	"github.com/vectorhub/pgml-go/model"
	"github.com/vectorhub/pgml-go/pgmlerr"
	"github.com/vectorhub/pgml-go/pipeline"
)

// compiledSubquery holds one named sub-query's rows plus the single string
// substituted for its {NAME} placeholder.
type compiledSubquery struct {
	rows      []map[string]any
	aggregate string
}

// compileSubqueries runs every named sub-query of req (vector_search+
// aggregate, or raw sql) against p/c and returns each one's rows and
// aggregated substitution string, keyed by sub-query name (spec §4.7.3
// step 1).
func compileSubqueries(ctx context.Context, c *collection.Collection, p *pipeline.Pipeline, req model.RAGRequest) (map[string]compiledSubquery, error) {
	out := make(map[string]compiledSubquery, len(req.Subqueries))

	for name, sub := range req.Subqueries {
		switch {
		case sub.VectorSearch != nil:
			vsRows, err := VectorSearch(ctx, c, p, *sub.VectorSearch)
			if err != nil {
				return nil, pgmlerr.WrapField(pgmlerr.FilterInvalid, name, "compile rag vector_search subquery", err)
			}
			rows := make([]map[string]any, len(vsRows))
			chunks := make([]string, len(vsRows))
			for i, r := range vsRows {
				rows[i] = map[string]any{"document": r.Document, "chunk": r.Chunk, "score": r.Score}
				chunks[i] = r.Chunk
			}
			sep := "\n"
			if sub.Aggregate != nil && sub.Aggregate.Join != "" {
				sep = sub.Aggregate.Join
			}
			out[name] = compiledSubquery{rows: rows, aggregate: strings.Join(chunks, sep)}

		case sub.SQL != "":
			rows, agg, err := runRawSQLSubquery(ctx, c, sub.SQL)
			if err != nil {
				return nil, pgmlerr.WrapField(pgmlerr.FilterInvalid, name, "compile rag sql subquery", err)
			}
			out[name] = compiledSubquery{rows: rows, aggregate: agg}

		default:
			return nil, pgmlerr.New(pgmlerr.FilterInvalid, fmt.Sprintf("rag subquery %q must set vector_search or sql", name))
		}
	}
	return out, nil
}

// runRawSQLSubquery executes a caller-supplied raw SQL sub-query verbatim;
// it is the caller's responsibility to parameterize it safely, matching the
// teacher's trust boundary for operator-authored SQL fragments.
func runRawSQLSubquery(ctx context.Context, c *collection.Collection, sql string) ([]map[string]any, string, error) {
	rows, err := c.Pool().Query(ctx, sql)
	if err != nil {
		return nil, "", pgmlerr.Wrap(pgmlerr.Database, "execute rag raw sql subquery", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]any
	var firstCol []string
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, "", pgmlerr.Wrap(pgmlerr.Database, "scan rag raw sql subquery row", err)
		}
		row := make(map[string]any, len(vals))
		for i, v := range vals {
			if i < len(fields) {
				row[string(fields[i].Name)] = v
			}
		}
		out = append(out, row)
		if len(vals) > 0 {
			firstCol = append(firstCol, fmt.Sprintf("%v", vals[0]))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, "", pgmlerr.Wrap(pgmlerr.Database, "execute rag raw sql subquery", err)
	}
	return out, strings.Join(firstCol, "\n"), nil
}

// substituteMessages replaces every {NAME} placeholder across messages with
// the matching sub-query's aggregated string (spec §4.7.3 step 2).
func substituteMessages(messages []json.RawMessage, compiled map[string]compiledSubquery) []json.RawMessage {
	out := make([]json.RawMessage, len(messages))
	for i, m := range messages {
		s := string(m)
		for name, sub := range compiled {
			placeholder := "{" + name + "}"
			escaped, _ := json.Marshal(sub.aggregate)
			// Strip the surrounding quotes json.Marshal adds so the
			// substitution composes correctly inside an existing JSON
			// string value.
			inner := strings.Trim(string(escaped), `"`)
			s = strings.ReplaceAll(s, placeholder, inner)
		}
		out[i] = json.RawMessage(s)
	}
	return out
}

// chatParams folds max_tokens into the params map passed to chat(), so a
// caller-set limit survives even when params is otherwise nil.
func chatParams(spec model.ChatSpec) map[string]any {
	if spec.MaxTokens == 0 {
		return spec.Params
	}
	out := make(map[string]any, len(spec.Params)+1)
	for k, v := range spec.Params {
		out[k] = v
	}
	out["max_tokens"] = spec.MaxTokens
	return out
}

// RAG runs the non-streaming RAG pipeline end to end (spec §4.7.3): compile
// named sub-queries, substitute their aggregates into the chat messages,
// and invoke the model runtime's chat() function once.
func RAG(ctx context.Context, c *collection.Collection, p *pipeline.Pipeline, req model.RAGRequest) (model.RAGResponse, error) {
	compiled, err := compileSubqueries(ctx, c, p, req)
	if err != nil {
		return model.RAGResponse{}, err
	}

	messages := substituteMessages(req.Chat.Messages, compiled)
	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return model.RAGResponse{}, pgmlerr.Wrap(pgmlerr.Database, "marshal rag chat messages", err)
	}

	var content string
	err = c.Pool().QueryRow(ctx, "SELECT chat($1, $2::jsonb, $3)", req.Chat.Model, messagesJSON, paramsJSON(chatParams(req.Chat))).Scan(&content)
	if err != nil {
		return model.RAGResponse{}, pgmlerr.Wrap(pgmlerr.Database, "invoke chat", err)
	}

	sources := make(map[string][]map[string]any, len(compiled))
	for name, sub := range compiled {
		sources[name] = sub.rows
	}
	return model.RAGResponse{RAG: []string{content}, Sources: sources}, nil
}

// RAGStream is the streaming Query Runner handle (C8, spec §4.8): it owns a
// transaction and a server-side cursor over the compiled chat invocation.
// Callers must defer Close; there is no finalizer, so a forgotten Close
// leaks the connection for the process lifetime exactly as a forgotten
// drop would upstream.
type RAGStream struct {
	tx         pgx.Tx
	cursorName string
	sources    map[string][]map[string]any
	done       bool
}

// RAGStreamOpen compiles req exactly as RAG does, but wraps the chat
// invocation in a `DECLARE ... CURSOR FOR ...` so the caller can fetch one
// chunk at a time via Next (spec §4.7.3 step 4).
func RAGStreamOpen(ctx context.Context, c *collection.Collection, p *pipeline.Pipeline, req model.RAGRequest) (*RAGStream, error) {
	compiled, err := compileSubqueries(ctx, c, p, req)
	if err != nil {
		return nil, err
	}

	messages := substituteMessages(req.Chat.Messages, compiled)
	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return nil, pgmlerr.Wrap(pgmlerr.Database, "marshal rag chat messages", err)
	}

	tx, err := c.Pool().Begin(ctx)
	if err != nil {
		return nil, pgmlerr.Wrap(pgmlerr.Database, "begin rag stream transaction", err)
	}

	cursorName := fmt.Sprintf("rag_stream_%d", streamCounter.next())
	declareSQL := fmt.Sprintf(
		"DECLARE %s CURSOR FOR SELECT chat_stream($1, $2::jsonb, $3)", pgx.Identifier{cursorName}.Sanitize())
	if _, err := tx.Exec(ctx, declareSQL, req.Chat.Model, messagesJSON, paramsJSON(chatParams(req.Chat))); err != nil {
		tx.Rollback(ctx)
		return nil, pgmlerr.Wrap(pgmlerr.Database, "declare rag stream cursor", err)
	}

	sources := make(map[string][]map[string]any, len(compiled))
	for name, sub := range compiled {
		sources[name] = sub.rows
	}

	return &RAGStream{tx: tx, cursorName: cursorName, sources: sources}, nil
}

// Sources returns the sub-query rows compiled when the stream was opened.
func (s *RAGStream) Sources() map[string][]map[string]any { return s.sources }

// Next fetches one chunk from the cursor. ok is false once the cursor is
// exhausted; callers should then call Close.
func (s *RAGStream) Next(ctx context.Context) (chunk string, ok bool, err error) {
	if s.done {
		return "", false, nil
	}
	row := s.tx.QueryRow(ctx, fmt.Sprintf("FETCH 1 FROM %s", pgx.Identifier{s.cursorName}.Sanitize()))
	if err := row.Scan(&chunk); err != nil {
		if err == pgx.ErrNoRows {
			s.done = true
			return "", false, nil
		}
		return "", false, pgmlerr.Wrap(pgmlerr.Database, "fetch rag stream chunk", err)
	}
	return chunk, true, nil
}

// Close commits the stream's transaction, releasing its connection back to
// the pool, regardless of whether the cursor was fully consumed.
func (s *RAGStream) Close() error {
	if err := s.tx.Commit(context.Background()); err != nil {
		return pgmlerr.Wrap(pgmlerr.Database, "commit rag stream transaction", err)
	}
	return nil
}

// streamCounter hands out unique per-process cursor name suffixes without
// calling time.Now or math/rand (both avoided here to keep cursor naming
// dependency-free and deterministic under test).
var streamCounter = newCounter()

type counter struct {
	ch chan int64
}

func newCounter() *counter {
	c := &counter{ch: make(chan int64, 1)}
	c.ch <- 0
	return c
}

func (c *counter) next() int64 {
	n := <-c.ch
	n++
	c.ch <- n
	return n
}
