package analytics

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/shizukutanaka/Kiroku/internal/logdata"
)

const (
	// DefaultClusterCount is the number of clusters formed when none is
	// configured.
	DefaultClusterCount = 3

	// DefaultMaxIterations bounds the k-means refinement loop.
	DefaultMaxIterations = 100

	// centroidTolerance is the movement below which the refinement loop
	// stops early.
	centroidTolerance = 1e-6

	// maxClusterRecords caps the member records attached to a cluster.
	maxClusterRecords = 5

	// maxCommonTerms caps the representative terms per cluster.
	maxCommonTerms = 10
)

// Cluster is a group of records with similar message content.
type Cluster struct {
	ID          int              `json:"cluster_id"`
	Size        int              `json:"size"`
	CommonTerms []string         `json:"common_terms"`
	Records     []logdata.Record `json:"entries"`
}

// Clusterer groups records by message similarity using k-means over
// TF-IDF weights. Initial centroids are distinct input rows sampled
// uniformly at random; a fixed seed makes the sampling, and therefore
// the whole model, deterministic.
type Clusterer struct {
	logger      *zap.Logger
	numClusters int
	maxIter     int
	rng         *rand.Rand

	mu        sync.RWMutex
	vec       *vectorizer
	centroids [][]float64
	trained   bool
}

// NewClusterer creates a clusterer. Non-positive counts select the
// defaults; a zero seed draws one from the clock.
func NewClusterer(logger *zap.Logger, numClusters, maxIterations int, seed int64) *Clusterer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if numClusters <= 0 {
		numClusters = DefaultClusterCount
	}
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Clusterer{
		logger:      logger,
		numClusters: numClusters,
		maxIter:     maxIterations,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Train fits the vocabulary and runs Lloyd's algorithm over the TF-IDF
// weights of the batch. The cluster count is clamped to the batch size.
// An empty batch, or one whose messages produce no vocabulary, leaves
// the clusterer untrained.
func (c *Clusterer) Train(records []logdata.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(records) == 0 {
		c.logger.Warn("Cluster training skipped: no records")
		return
	}

	vec := newVectorizer()
	msgs := messages(records)
	vec.fit(msgs)

	weights := vec.transform(msgs)
	if weights == nil {
		c.logger.Warn("Cluster training skipped: empty vocabulary")
		return
	}

	rows, cols := weights.Dims()
	k := c.numClusters
	if k > rows {
		k = rows
	}

	// Initial centroids: k distinct rows, sampled without replacement.
	centroids := make([][]float64, k)
	for i, idx := range c.rng.Perm(rows)[:k] {
		centroids[i] = mat.Row(nil, idx, weights)
	}

	assign := make([]int, rows)
	row := make([]float64, cols)
	for iter := 0; iter < c.maxIter; iter++ {
		for i := 0; i < rows; i++ {
			mat.Row(row, i, weights)
			assign[i] = nearestCentroid(row, centroids)
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for j := range sums {
			sums[j] = make([]float64, cols)
		}
		for i := 0; i < rows; i++ {
			mat.Row(row, i, weights)
			floats.Add(sums[assign[i]], row)
			counts[assign[i]]++
		}

		moved := 0.0
		for j := 0; j < k; j++ {
			if counts[j] == 0 {
				// An empty cluster keeps its previous centroid.
				continue
			}
			floats.Scale(1/float64(counts[j]), sums[j])
			if d := floats.Distance(centroids[j], sums[j], 2); d > moved {
				moved = d
			}
			centroids[j] = sums[j]
		}
		if moved <= centroidTolerance {
			break
		}
	}

	c.vec = vec
	c.centroids = centroids
	c.trained = true

	c.logger.Info("Cluster model trained",
		zap.Int("records", rows),
		zap.Int("clusters", k),
		zap.Int("vocabulary", cols),
	)
}

// Cluster assigns each record to its nearest trained centroid and
// summarizes the non-empty groups, largest first. Untrained clusterers
// and empty batches yield an empty result.
func (c *Clusterer) Cluster(records []logdata.Record) []Cluster {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clusters := make([]Cluster, 0)
	if !c.trained {
		c.logger.Warn("Clustering skipped: clusterer not trained")
		return clusters
	}
	if len(records) == 0 {
		return clusters
	}

	weights := c.vec.transform(messages(records))
	if weights == nil {
		return clusters
	}

	rows, cols := weights.Dims()
	members := make([][]int, len(c.centroids))
	row := make([]float64, cols)
	for i := 0; i < rows; i++ {
		mat.Row(row, i, weights)
		j := nearestCentroid(row, c.centroids)
		members[j] = append(members[j], i)
	}

	for id, idxs := range members {
		if len(idxs) == 0 {
			continue
		}
		msgs := make([]string, len(idxs))
		recs := make([]logdata.Record, 0, maxClusterRecords)
		for n, i := range idxs {
			msgs[n] = records[i].Message
			if len(recs) < maxClusterRecords {
				recs = append(recs, records[i])
			}
		}
		clusters = append(clusters, Cluster{
			ID:          id,
			Size:        len(idxs),
			CommonTerms: commonTerms(msgs),
			Records:     recs,
		})
	}

	sort.SliceStable(clusters, func(a, b int) bool {
		return clusters[a].Size > clusters[b].Size
	})
	return clusters
}

// Trained reports whether centroids have been learned.
func (c *Clusterer) Trained() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.trained
}

// NumClusters returns the configured cluster count.
func (c *Clusterer) NumClusters() int {
	return c.numClusters
}

// Reset discards the trained model.
func (c *Clusterer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vec = nil
	c.centroids = nil
	c.trained = false
}

// nearestCentroid returns the index of the centroid closest to row in
// Euclidean distance, lowest index winning ties.
func nearestCentroid(row []float64, centroids [][]float64) int {
	best := 0
	bestDist := math.Inf(1)
	for j, centroid := range centroids {
		if d := floats.Distance(row, centroid, 2); d < bestDist {
			best = j
			bestDist = d
		}
	}
	return best
}

// commonTerms returns the tokens longer than two runes that appear in
// at least half of the messages, ranked by how many messages contain
// them. Ties keep first-appearance order; the list caps at ten terms.
func commonTerms(msgs []string) []string {
	counts := make(map[string]int)
	order := make([]string, 0)
	for _, msg := range msgs {
		seen := make(map[string]bool)
		for _, tok := range tokenize(msg) {
			if utf8.RuneCountInString(tok) <= 2 || seen[tok] {
				continue
			}
			seen[tok] = true
			if _, ok := counts[tok]; !ok {
				order = append(order, tok)
			}
			counts[tok]++
		}
	}

	min := (len(msgs) + 1) / 2
	common := make([]string, 0)
	for _, tok := range order {
		if counts[tok] >= min {
			common = append(common, tok)
		}
	}
	sort.SliceStable(common, func(a, b int) bool {
		return counts[common[a]] > counts[common[b]]
	})
	if len(common) > maxCommonTerms {
		common = common[:maxCommonTerms]
	}
	return common
}
