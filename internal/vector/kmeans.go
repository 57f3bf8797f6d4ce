package vector

import (
	"math"
	"math/rand"
)

// kMeans runs Lloyd's algorithm and returns k centroids. Centroids are
// seeded by sampling the data (with replacement when k > len(data)), and
// clusters that empty out are re-seeded from random points, so the result
// always holds exactly k centroids.
func kMeans(data [][]float32, k, iters int, rng *rand.Rand) [][]float32 {
	if len(data) == 0 || k <= 0 {
		return nil
	}
	dim := len(data[0])

	centroids := make([][]float32, k)
	perm := rng.Perm(len(data))
	for i := range centroids {
		var src []float32
		if i < len(perm) {
			src = data[perm[i]]
		} else {
			src = data[rng.Intn(len(data))]
		}
		c := make([]float32, dim)
		copy(c, src)
		centroids[i] = c
	}

	assign := make([]int, len(data))
	for i := range assign {
		assign[i] = -1
	}

	for iter := 0; iter < iters; iter++ {
		changed := false
		for i, v := range data {
			best, bestD := 0, float32(math.MaxFloat32)
			for j, c := range centroids {
				if d := L2Squared(v, c); d < bestD {
					best, bestD = j, d
				}
			}
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for j := range sums {
			sums[j] = make([]float64, dim)
		}
		for i, v := range data {
			j := assign[i]
			counts[j]++
			for d := range v {
				sums[j][d] += float64(v[d])
			}
		}
		for j := range centroids {
			if counts[j] == 0 {
				copy(centroids[j], data[rng.Intn(len(data))])
				continue
			}
			for d := 0; d < dim; d++ {
				centroids[j][d] = float32(sums[j][d] / float64(counts[j]))
			}
		}
	}
	return centroids
}

// nearestCentroid returns the index of the closest centroid to v.
func nearestCentroid(v []float32, centroids [][]float32) int {
	best, bestD := 0, float32(math.MaxFloat32)
	for j, c := range centroids {
		if d := L2Squared(v, c); d < bestD {
			best, bestD = j, d
		}
	}
	return best
}
