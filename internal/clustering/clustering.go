// Package clustering groups stores with K-means++ over standardized store
// features.
package clustering

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/ILLUVRSE/season-planner/internal/models"
)

const maxIterations = 100

type Result struct {
	Clusters   []models.StoreCluster `json:"clusters"`
	Assignment map[string]string     `json:"assignment"`
}

// ClusterOf returns the cluster id assigned to a store.
func (r Result) ClusterOf(storeID string) string {
	return r.Assignment[storeID]
}

// Cluster partitions stores into k non-empty clusters. The same stores, k
// and seed always yield the same partition regardless of input order.
func Cluster(stores []models.Store, k int, seed int64) (Result, error) {
	if k < 1 {
		return Result{}, fmt.Errorf("%w: cluster count must be >= 1, got %d", models.ErrInvalidParameters, k)
	}
	if len(stores) < k {
		return Result{}, fmt.Errorf("%w: %d stores for %d clusters", models.ErrInsufficientStores, len(stores), k)
	}

	sorted := append([]models.Store(nil), stores...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	raw := make([][]float64, len(sorted))
	for i, s := range sorted {
		raw[i] = s.Features()
	}
	points := Standardize(raw)

	rng := rand.New(rand.NewSource(seed))
	centroids := seedCentroids(points, k, rng)
	assign := make([]int, len(points))
	for i := range assign {
		assign[i] = -1
	}

	for iter := 0; iter < maxIterations; iter++ {
		changed := false
		for i, p := range points {
			c := nearest(p, centroids)
			if assign[i] >= 0 && floats.Distance(p, centroids[assign[i]], 2) <= floats.Distance(p, centroids[c], 2) {
				continue
			}
			if c != assign[i] {
				assign[i] = c
				changed = true
			}
		}
		if fillEmpty(points, assign, centroids) {
			changed = true
		}
		if !changed {
			break
		}
		recompute(points, assign, centroids)
	}

	res := Result{
		Clusters:   make([]models.StoreCluster, k),
		Assignment: make(map[string]string, len(sorted)),
	}
	for c := range res.Clusters {
		res.Clusters[c] = models.StoreCluster{
			ID:       ClusterID(c),
			Centroid: append([]float64(nil), centroids[c]...),
		}
	}
	for i, s := range sorted {
		c := assign[i]
		res.Clusters[c].StoreIDs = append(res.Clusters[c].StoreIDs, s.ID)
		res.Assignment[s.ID] = res.Clusters[c].ID
	}
	return res, nil
}

func ClusterID(index int) string {
	return fmt.Sprintf("cluster-%d", index+1)
}

// Standardize rescales each column to zero mean and unit standard
// deviation. Columns with no spread become all zeros.
func Standardize(rows [][]float64) [][]float64 {
	if len(rows) == 0 {
		return nil
	}
	dims := len(rows[0])
	out := make([][]float64, len(rows))
	for i := range out {
		out[i] = make([]float64, dims)
	}
	col := make([]float64, len(rows))
	for d := 0; d < dims; d++ {
		for i, r := range rows {
			col[i] = r[d]
		}
		mean, std := stat.MeanStdDev(col, nil)
		if std == 0 || math.IsNaN(std) {
			continue
		}
		for i := range rows {
			out[i][d] = (col[i] - mean) / std
		}
	}
	return out
}

func seedCentroids(points [][]float64, k int, rng *rand.Rand) [][]float64 {
	centroids := make([][]float64, 0, k)
	first := rng.Intn(len(points))
	centroids = append(centroids, append([]float64(nil), points[first]...))

	dist := make([]float64, len(points))
	for len(centroids) < k {
		total := 0.0
		for i, p := range points {
			d := floats.Distance(p, centroids[nearest(p, centroids)], 2)
			dist[i] = d * d
			total += dist[i]
		}
		next := rng.Intn(len(points))
		if total > 0 {
			target := rng.Float64() * total
			acc := 0.0
			for i, d := range dist {
				acc += d
				if acc >= target && d > 0 {
					next = i
					break
				}
			}
		}
		centroids = append(centroids, append([]float64(nil), points[next]...))
	}
	return centroids
}

func nearest(p []float64, centroids [][]float64) int {
	best, bestDist := 0, math.Inf(1)
	for c, centroid := range centroids {
		d := floats.Distance(p, centroid, 2)
		if d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func recompute(points [][]float64, assign []int, centroids [][]float64) {
	counts := make([]int, len(centroids))
	for c := range centroids {
		for d := range centroids[c] {
			centroids[c][d] = 0
		}
	}
	for i, p := range points {
		floats.Add(centroids[assign[i]], p)
		counts[assign[i]]++
	}
	for c, n := range counts {
		if n > 0 {
			floats.Scale(1/float64(n), centroids[c])
		}
	}
}

// fillEmpty moves the point farthest from its centroid into each empty
// cluster. Only points from clusters with more than one member are eligible,
// so a fill never empties another cluster.
func fillEmpty(points [][]float64, assign []int, centroids [][]float64) bool {
	moved := false
	counts := make([]int, len(centroids))
	for _, c := range assign {
		counts[c]++
	}
	for c := range centroids {
		if counts[c] > 0 {
			continue
		}
		far, farDist := -1, -1.0
		for i, p := range points {
			if counts[assign[i]] < 2 {
				continue
			}
			d := floats.Distance(p, centroids[assign[i]], 2)
			if d > farDist {
				far, farDist = i, d
			}
		}
		if far < 0 {
			continue
		}
		counts[assign[far]]--
		assign[far] = c
		counts[c]++
		copy(centroids[c], points[far])
		moved = true
	}
	return moved
}
