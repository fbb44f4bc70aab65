// Package math holds the vector helpers shared by the consolidation stages.
package math

import (
	stdmath "math"
)

// CosineSimilarity returns the cosine of the angle between a and b in [-1, 1].
// Mismatched lengths and zero vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (stdmath.Sqrt(normA) * stdmath.Sqrt(normB))
	// float error can push identical vectors slightly past 1
	if sim > 1 {
		return 1
	}
	if sim < -1 {
		return -1
	}
	return sim
}

// CosineDistance returns 1 - CosineSimilarity(a, b), in [0, 2].
func CosineDistance(a, b []float32) float64 {
	return 1 - CosineSimilarity(a, b)
}

// Centroid returns the element-wise mean of vectors. Vectors whose length
// differs from the first one are ignored.
func Centroid(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	n := 0
	for _, v := range vectors {
		if len(v) != dim {
			continue
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
		n++
	}
	if n == 0 {
		return nil
	}
	out := make([]float32, dim)
	for i := range sum {
		out[i] = float32(sum[i] / float64(n))
	}
	return out
}

// WeightedCentroid combines two centroids weighted by their member counts.
func WeightedCentroid(a []float32, wa int, b []float32, wb int) []float32 {
	if len(a) != len(b) || wa+wb == 0 {
		return Centroid([][]float32{a, b})
	}
	out := make([]float32, len(a))
	total := float64(wa + wb)
	for i := range a {
		out[i] = float32((float64(a[i])*float64(wa) + float64(b[i])*float64(wb)) / total)
	}
	return out
}

// MeanSimilarity is the mean cosine similarity of each vector to center,
// clamped to [0, 1]. It is the coherence measure for a group of vectors.
func MeanSimilarity(vectors [][]float32, center []float32) float64 {
	if len(vectors) == 0 {
		return 0
	}
	var total float64
	for _, v := range vectors {
		total += CosineSimilarity(v, center)
	}
	mean := total / float64(len(vectors))
	return stdmath.Max(0, stdmath.Min(1, mean))
}

// Jaccard returns |a ∩ b| / |a ∪ b| for two string sets.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
