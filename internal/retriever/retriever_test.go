package retriever

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"scaled", []float32{1, 1}, []float32{3, 3}, 1},
		{"length mismatch", []float32{1, 2}, []float32{1, 2, 3}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-6)
		})
	}
}

func TestSearch_OrdersByDescendingSimilarity(t *testing.T) {
	matrix := [][]float32{
		{0, 1, 0},
		{1, 0, 0},
		{0.9, 0.1, 0},
		{-1, 0, 0},
	}

	got := Search([]float32{1, 0, 0}, matrix)
	assert.Equal(t, []int{1, 2, 0, 3}, got)
}

func TestSearch_TiesKeepRowOrder(t *testing.T) {
	matrix := [][]float32{
		{0, 1},
		{1, 0},
		{2, 0},
		{0, 3},
		{5, 0},
	}

	got := Search([]float32{1, 0}, matrix)
	assert.Equal(t, []int{1, 2, 4, 0, 3}, got)
}

func TestTopK(t *testing.T) {
	matrix := [][]float32{{1, 0}, {0, 1}, {1, 1}}
	query := []float32{1, 0.1}

	tests := []struct {
		name string
		k    int
		want []int
	}{
		{"k smaller than corpus", 2, []int{0, 2}},
		{"k equals corpus", 3, []int{0, 2, 1}},
		{"k exceeds corpus", 10, []int{0, 2, 1}},
		{"zero k", 0, []int{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TopK(query, matrix, tt.k))
		})
	}
}

func TestTopK_Deterministic(t *testing.T) {
	matrix := make([][]float32, 50)
	for i := range matrix {
		matrix[i] = []float32{float32(i % 3), 1}
	}
	query := []float32{1, 1}

	first := TopK(query, matrix, 10)
	for range 5 {
		assert.Equal(t, first, TopK(query, matrix, 10))
	}
}

func TestTopK_EmptyCorpus(t *testing.T) {
	assert.Empty(t, TopK([]float32{1}, nil, 3))
}
