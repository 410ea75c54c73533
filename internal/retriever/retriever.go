// Package retriever ranks corpus rows by cosine similarity to a query vector.
package retriever

import (
	"math"
	"sort"
)

// Match is a corpus row index and its similarity to the query.
type Match struct {
	Index      int
	Similarity float32
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// the lengths differ or either vector is zero.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// Rank scores every row of matrix against query and orders them by
// descending similarity. Equal scores keep row order.
func Rank(query []float32, matrix [][]float32) []Match {
	matches := make([]Match, len(matrix))
	for i, row := range matrix {
		matches[i] = Match{Index: i, Similarity: CosineSimilarity(query, row)}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	return matches
}

// Search returns every row index of matrix, most similar first.
func Search(query []float32, matrix [][]float32) []int {
	ranked := Rank(query, matrix)
	indices := make([]int, len(ranked))
	for i, m := range ranked {
		indices[i] = m.Index
	}
	return indices
}

// TopK returns the k most similar row indices, or all of them when k exceeds
// the number of rows.
func TopK(query []float32, matrix [][]float32, k int) []int {
	if k <= 0 {
		return []int{}
	}
	indices := Search(query, matrix)
	if k < len(indices) {
		indices = indices[:k]
	}
	return indices
}
