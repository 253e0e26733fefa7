package memory

import (
	"math"
	"testing"
)

func TestNewEmbedder_Selection(t *testing.T) {
	if got := NewEmbedder("").ModelID(); got != defaultEmbeddingModel {
		t.Errorf("default embedder = %s", got)
	}
	if got := NewEmbedder("hash-256").ModelID(); got != hashEmbeddingModel {
		t.Errorf("hash embedder = %s", got)
	}
	// Unknown names fall back rather than fail.
	if got := NewEmbedder("nonexistent-model").ModelID(); got != defaultEmbeddingModel {
		t.Errorf("fallback embedder = %s", got)
	}
}

func TestEmbed_DeterministicAndNormalized(t *testing.T) {
	for _, name := range []string{"", "hash-256"} {
		e := NewEmbedder(name)
		a := e.Embed("the quick brown fox")
		b := e.Embed("the quick brown fox")
		if len(a) == 0 {
			t.Fatalf("%s: empty vector", e.ModelID())
		}
		for i := range a {
			if a[i] != b[i] {
				t.Fatalf("%s: embedding is not deterministic at %d", e.ModelID(), i)
			}
		}
		if n := vectorNorm(a); math.Abs(n-1) > 1e-5 {
			t.Errorf("%s: norm = %v, want 1", e.ModelID(), n)
		}
	}
}

func TestEmbed_SimilarTextScoresHigher(t *testing.T) {
	e := NewEmbedder("")
	query := e.Embed("user prefers dark mode themes")
	near := e.Embed("the user prefers dark mode")
	far := e.Embed("quarterly revenue spreadsheet totals")

	if cosineSimilarity(query, near) <= cosineSimilarity(query, far) {
		t.Error("related text should score higher than unrelated text")
	}
}

func TestEmbed_EmptyText(t *testing.T) {
	e := NewEmbedder("")
	vec := e.Embed("   ")
	if len(vec) == 0 {
		t.Fatal("empty text should still yield a fixed-dimension vector")
	}
	if vectorNorm(vec) != 0 {
		t.Error("empty text should embed to the zero vector")
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	if got := cosineSimilarity(a, a); math.Abs(got-1) > 1e-9 {
		t.Errorf("self similarity = %v", got)
	}
	if got := cosineSimilarity(a, b); got != 0 {
		t.Errorf("orthogonal similarity = %v", got)
	}
	if got := cosineSimilarity(nil, a); got != 0 {
		t.Errorf("nil similarity = %v", got)
	}
}

func TestTokenize(t *testing.T) {
	got := tokenize("Hello, World! foo_bar-baz 42")
	want := []string{"hello", "world", "foo_bar-baz", "42"}
	if len(got) != len(want) {
		t.Fatalf("tokenize = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token %d = %q, want %q", i, got[i], want[i])
		}
	}
}
