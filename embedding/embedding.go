// Package embedding implements the Remote-Embedding Adapter (C3): a
// provider-keyed capability set {get_embedding_size, embed(batch)} for
// embedding models that live outside the database, grounded on
// original_source/pgml-sdks/rust/pgml/src/remote_embeddings.rs's provider
// factory and dimension-probe-memoization pattern, with the teacher's
// internal/service/embed.go HTTP client idiom (context-bound http.Client,
// JSON request/response structs, status-code error wrapping).
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/vectorhub/pgml-go/pgmlerr"
)

// probeText is embedded once per (provider, model) to discover the vector
// dimension, matching remote_embeddings.rs's get_embedding_size probe.
const probeText = "PostgresML call to get embeddings size"

// Embedder is the capability set a remote-embedding provider must implement.
type Embedder interface {
	// Embed returns one vector per input string, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Factory builds an Embedder for a given model name.
type Factory func(model string) Embedder

var (
	mu        sync.RWMutex
	factories = map[string]Factory{
		"openai": newOpenAIEmbedder,
	}
)

// Register adds or replaces the factory for a provider name. Exported so
// callers can plug in additional providers without modifying this package.
func Register(provider string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[provider] = f
}

// Build returns the Embedder for provider/model, failing with
// *pgmlerr.Error{Kind: Configuration} if provider is unregistered.
func Build(provider, model string) (Embedder, error) {
	mu.RLock()
	f, ok := factories[provider]
	mu.RUnlock()
	if !ok {
		return nil, pgmlerr.New(pgmlerr.Configuration, fmt.Sprintf("unknown remote embedding provider %q", provider))
	}
	return f(model), nil
}

// dimCache memoizes get_embedding_size per (provider, model) for the
// process, per spec §4.3.
var dimCache sync.Map // map[string]int, key = provider+"/"+model

// Dimension probes and memoizes the embedding dimension for provider/model.
func Dimension(ctx context.Context, provider, model string) (int, error) {
	key := provider + "/" + model
	if v, ok := dimCache.Load(key); ok {
		return v.(int), nil
	}

	e, err := Build(provider, model)
	if err != nil {
		return 0, err
	}
	vecs, err := e.Embed(ctx, []string{probeText})
	if err != nil {
		return 0, err
	}
	if len(vecs) == 0 {
		return 0, pgmlerr.New(pgmlerr.RemoteEmbedding, "embedding size probe returned empty response")
	}

	dim := len(vecs[0])
	dimCache.Store(key, dim)
	return dim, nil
}

// openaiEmbedder calls https://api.openai.com/v1/embeddings, per
// remote_embeddings.rs's OpenAIRemoteEmbeddings.
type openaiEmbedder struct {
	model  string
	apiKey string
	client *http.Client
}

func newOpenAIEmbedder(model string) Embedder {
	return &openaiEmbedder{
		model:  model,
		apiKey: os.Getenv("OPENAI_API_KEY"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type openaiEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openaiEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (o *openaiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if o.apiKey == "" {
		return nil, pgmlerr.New(pgmlerr.Configuration, "OPENAI_API_KEY is not set")
	}

	body, err := json.Marshal(openaiEmbeddingRequest{Model: o.model, Input: texts})
	if err != nil {
		return nil, pgmlerr.Wrap(pgmlerr.RemoteEmbedding, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://api.openai.com/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, pgmlerr.Wrap(pgmlerr.RemoteEmbedding, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, pgmlerr.Wrap(pgmlerr.RemoteEmbedding, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pgmlerr.Wrap(pgmlerr.RemoteEmbedding, "read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, pgmlerr.New(pgmlerr.RemoteEmbedding,
			fmt.Sprintf("openai embeddings returned %d: %s", resp.StatusCode, string(respBody)))
	}

	var parsed openaiEmbeddingResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, pgmlerr.Wrap(pgmlerr.RemoteEmbedding, "malformed response body", err)
	}
	if len(parsed.Data) == 0 {
		return nil, pgmlerr.New(pgmlerr.RemoteEmbedding, "empty data array in response")
	}

	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		out[i] = d.Embedding
	}
	return out, nil
}
