package embedding

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/vectorhub/pgml-go/pgmlerr"
)

type fakeEmbedder struct {
	calls *int64
	dim   int
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	atomic.AddInt64(f.calls, 1)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
	}
	return out, nil
}

func TestBuildUnknownProvider(t *testing.T) {
	_, err := Build("does-not-exist", "m")
	var pe *pgmlerr.Error
	if !errors.As(err, &pe) || pe.Kind != pgmlerr.Configuration {
		t.Fatalf("expected Configuration error, got %v", err)
	}
}

func TestDimensionMemoizesPerProviderModel(t *testing.T) {
	var calls int64
	Register("fake-memo", func(model string) Embedder { return &fakeEmbedder{calls: &calls, dim: 384} })

	dim1, err := Dimension(context.Background(), "fake-memo", "model-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dim2, err := Dimension(context.Background(), "fake-memo", "model-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dim1 != 384 || dim2 != 384 {
		t.Fatalf("expected dimension 384, got %d and %d", dim1, dim2)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one Embed call across both Dimension lookups, got %d", calls)
	}
}

func TestOpenAIEmbedderRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	e, err := Build("openai", "text-embedding-3-small")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = e.Embed(context.Background(), []string{"hello"})
	var pe *pgmlerr.Error
	if !errors.As(err, &pe) || pe.Kind != pgmlerr.Configuration {
		t.Fatalf("expected Configuration error for missing API key, got %v", err)
	}
}
