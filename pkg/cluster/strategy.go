package cluster

import (
	"math"
	"sort"
)

// dbscanStrategy is DBSCAN over cosine distance. eps tightens as the sample
// grows, and a core point needs minSize-1 neighbours including itself.
type dbscanStrategy struct{}

func (dbscanStrategy) algorithm() Algorithm { return AlgorithmDBSCAN }

// adaptiveEps returns the neighbourhood radius in cosine distance.
func adaptiveEps(n int) float64 {
	switch {
	case n < 50:
		return 0.5
	case n < 200:
		return 0.4
	}
	return 0.3
}

func (dbscanStrategy) group(sim [][]float64, minSize int) [][]int {
	n := len(sim)
	eps := adaptiveEps(n)
	minSamples := max(2, minSize-1)

	const (
		unvisited = 0
		noise     = -1
	)
	labels := make([]int, n)
	neighbours := func(i int) []int {
		var out []int
		for j := 0; j < n; j++ {
			if 1-sim[i][j] <= eps {
				out = append(out, j)
			}
		}
		return out
	}

	cluster := 0
	for i := 0; i < n; i++ {
		if labels[i] != unvisited {
			continue
		}
		nb := neighbours(i)
		if len(nb) < minSamples {
			labels[i] = noise
			continue
		}
		cluster++
		labels[i] = cluster
		queue := append([]int(nil), nb...)
		for k := 0; k < len(queue); k++ {
			j := queue[k]
			if labels[j] == noise {
				labels[j] = cluster
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = cluster
			if jn := neighbours(j); len(jn) >= minSamples {
				queue = append(queue, jn...)
			}
		}
	}

	groups := make([][]int, cluster)
	for i, l := range labels {
		if l > 0 {
			groups[l-1] = append(groups[l-1], i)
		}
	}
	return groups
}

// hierarchicalStrategy is average-linkage agglomerative clustering stopped
// at an estimated cluster count.
type hierarchicalStrategy struct{}

func (hierarchicalStrategy) algorithm() Algorithm { return AlgorithmHierarchical }

// estimateK is round(sqrt(n/2)), bounded to [2, n/minSize].
func estimateK(n, minSize int) int {
	k := int(math.Round(math.Sqrt(float64(n) / 2)))
	upper := max(2, n/minSize)
	return max(2, min(k, upper))
}

func (hierarchicalStrategy) group(sim [][]float64, minSize int) [][]int {
	n := len(sim)
	k := estimateK(n, minSize)

	groups := make([][]int, n)
	link := make([][]float64, n)
	for i := range groups {
		groups[i] = []int{i}
		link[i] = append([]float64(nil), sim[i]...)
	}
	active := make([]bool, n)
	for i := range active {
		active[i] = true
	}

	// link[i][j] holds the average linkage of groups i and j; a merge
	// updates it with the Lance-Williams rule for average linkage.
	for remaining := n; remaining > k; remaining-- {
		bi, bj, best := -1, -1, math.Inf(-1)
		for i := 0; i < n; i++ {
			if !active[i] {
				continue
			}
			for j := i + 1; j < n; j++ {
				if active[j] && link[i][j] > best {
					bi, bj, best = i, j, link[i][j]
				}
			}
		}

		ni, nj := float64(len(groups[bi])), float64(len(groups[bj]))
		for x := 0; x < n; x++ {
			if !active[x] || x == bi || x == bj {
				continue
			}
			l := (ni*link[bi][x] + nj*link[bj][x]) / (ni + nj)
			link[bi][x], link[x][bi] = l, l
		}
		groups[bi] = append(groups[bi], groups[bj]...)
		groups[bj] = nil
		active[bj] = false
	}

	out := make([][]int, 0, k)
	for i, g := range groups {
		if !active[i] {
			continue
		}
		sort.Ints(g)
		out = append(out, g)
	}
	return out
}

// thresholdStrategy seeds a group from each unclaimed point and claims every
// unclaimed point at or above the similarity threshold. It needs nothing
// beyond the similarity matrix.
type thresholdStrategy struct {
	threshold float64
}

func (thresholdStrategy) algorithm() Algorithm { return AlgorithmThreshold }

func (s thresholdStrategy) group(sim [][]float64, minSize int) [][]int {
	n := len(sim)
	claimed := make([]bool, n)
	var groups [][]int
	for i := 0; i < n; i++ {
		if claimed[i] {
			continue
		}
		g := []int{i}
		for j := i + 1; j < n; j++ {
			if !claimed[j] && sim[i][j] >= s.threshold {
				g = append(g, j)
			}
		}
		if len(g) < minSize {
			continue
		}
		for _, j := range g {
			claimed[j] = true
		}
		groups = append(groups, g)
	}
	return groups
}
