package query

import "testing"

func TestAccumulateNormalizedMinMax(t *testing.T) {
	byKey := map[string]*scoredCandidate{}
	cands := []candidate{
		{documentID: 1, chunkID: 1, chunk: "a", score: 0.2},
		{documentID: 1, chunkID: 2, chunk: "b", score: 0.8},
	}
	accumulateNormalized(byKey, cands, 1.0)

	low := byKey["1:1"]
	high := byKey["1:2"]
	if low.total != 0 {
		t.Fatalf("expected lowest score to normalize to 0, got %v", low.total)
	}
	if high.total != 1 {
		t.Fatalf("expected highest score to normalize to 1, got %v", high.total)
	}
}

func TestAccumulateNormalizedAppliesBoostAndSums(t *testing.T) {
	byKey := map[string]*scoredCandidate{}
	semantic := []candidate{{documentID: 1, chunkID: 1, chunk: "a", score: 1.0}}
	fullText := []candidate{{documentID: 1, chunkID: 1, chunk: "a", score: 1.0}}

	accumulateNormalized(byKey, semantic, 0.7)
	accumulateNormalized(byKey, fullText, 0.3)

	entry := byKey["1:1"]
	if entry == nil {
		t.Fatal("expected an entry for document 1 chunk 1")
	}
	if diff := entry.total - 1.0; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected boosts to sum to 1.0, got %v", entry.total)
	}
}

func TestAccumulateNormalizedFlatScoresAllOne(t *testing.T) {
	byKey := map[string]*scoredCandidate{}
	cands := []candidate{
		{documentID: 2, chunkID: 1, chunk: "a", score: 0.5},
		{documentID: 2, chunkID: 2, chunk: "b", score: 0.5},
	}
	accumulateNormalized(byKey, cands, 1.0)
	for key, entry := range byKey {
		if entry.total != 1 {
			t.Fatalf("expected flat score spread to normalize to 1, got %v for %s", entry.total, key)
		}
	}
}

func TestKeysProjection(t *testing.T) {
	got := keysProjection([]string{"title", "author"})
	want := "'title', document -> 'title', 'author', document -> 'author'"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
