package corpus

import (
	"math"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1},
		{"orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"scaled", []float32{2, 0}, []float32{5, 0}, 1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosineSimilarity(tt.a, tt.b)
			if math.Abs(float64(got-tt.want)) > 1e-6 {
				t.Errorf("cosineSimilarity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func mkCandidate(text string, embedding []float32) candidate {
	return candidate{
		passage:   Passage{Text: text},
		embedding: embedding,
	}
}

func texts(selected []candidate) []string {
	out := make([]string, len(selected))
	for i, c := range selected {
		out[i] = c.passage.Text
	}
	return out
}

func TestSelectMMR_PureRelevance(t *testing.T) {
	query := []float32{1, 0}
	// a and b are near-duplicates close to the query, c is off-axis.
	pool := []candidate{
		mkCandidate("a", []float32{1, 0}),
		mkCandidate("b", []float32{0.99, 0.01}),
		mkCandidate("c", []float32{0, 1}),
	}

	got := texts(selectMMR(query, pool, 2, 1.0))
	want := []string{"a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("lambda=1 selection = %v, want %v", got, want)
		}
	}
}

func TestSelectMMR_DiversityPenalizesDuplicates(t *testing.T) {
	query := []float32{1, 0}
	pool := []candidate{
		mkCandidate("a", []float32{1, 0}),
		mkCandidate("dup", []float32{1, 0}),
		mkCandidate("c", []float32{0.7, 0.7}),
	}

	got := texts(selectMMR(query, pool, 2, 0.3))
	if got[0] != "a" {
		t.Fatalf("first pick = %q, want most relevant %q", got[0], "a")
	}
	if got[1] != "c" {
		t.Fatalf("second pick = %q, want diverse %q over duplicate", got[1], "c")
	}
}

func TestSelectMMR_DeterministicTieBreak(t *testing.T) {
	query := []float32{1, 0}
	pool := []candidate{
		mkCandidate("first", []float32{1, 0}),
		mkCandidate("second", []float32{1, 0}),
		mkCandidate("third", []float32{1, 0}),
	}

	for i := 0; i < 10; i++ {
		got := texts(selectMMR(query, pool, 3, 0.5))
		want := []string{"first", "second", "third"}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("run %d: selection = %v, want pool order %v", i, got, want)
			}
		}
	}
}

func TestSelectMMR_KLargerThanPool(t *testing.T) {
	query := []float32{1, 0}
	pool := []candidate{
		mkCandidate("a", []float32{1, 0}),
		mkCandidate("b", []float32{0, 1}),
	}

	got := selectMMR(query, pool, 10, 0.5)
	if len(got) != 2 {
		t.Fatalf("len(selected) = %d, want 2", len(got))
	}
}

func TestSelectMMR_EmptyPool(t *testing.T) {
	if got := selectMMR([]float32{1, 0}, nil, 5, 0.5); got != nil {
		t.Fatalf("selectMMR on empty pool = %v, want nil", got)
	}
}

func TestPassage_Document(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]string
		want     string
	}{
		{"source key", map[string]string{"source": "handbook.pdf"}, "handbook.pdf"},
		{"document key", map[string]string{"document": "guide"}, "guide"},
		{"filename key", map[string]string{"filename": "notes.txt"}, "notes.txt"},
		{"source wins", map[string]string{"source": "a", "document": "b"}, "a"},
		{"empty value skipped", map[string]string{"source": "", "document": "b"}, "b"},
		{"no metadata", nil, "Unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Passage{Metadata: tt.metadata}
			if got := p.Document(); got != tt.want {
				t.Errorf("Document() = %q, want %q", got, tt.want)
			}
		})
	}
}
