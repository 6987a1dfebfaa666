// Package cluster groups similar error signatures and picks a best fix per group.
//
// Build loads a hashed term vector for every known normalized signature into
// an in-memory chromem-go collection and runs DBSCAN over cosine distance,
// asking the collection for each point's neighbourhood. The resulting
// clusters replace the contents of the "clusters" table.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixnet/internal/consensus"
	"github.com/fyrsmithlabs/fixnet/internal/fixstore"
	"github.com/fyrsmithlabs/fixnet/internal/kv"
	"github.com/fyrsmithlabs/fixnet/internal/similarity"
)

// Table holds the last built clusters.
const Table = "clusters"

// ErrClusterNotFound indicates an unknown cluster id.
var ErrClusterNotFound = errors.New("cluster not found")

// Cluster is a group of similar normalized signatures.
type Cluster struct {
	ID             string   `json:"cluster_id"`
	Members        []string `json:"members"`
	Representative string   `json:"representative"`
	Size           int      `json:"size"`
}

type document struct {
	Clusters []Cluster `json:"clusters"`
}

// Config tunes clustering.
type Config struct {
	// Eps is the minimum cosine similarity between neighbours (default: 0.6)
	Eps float64

	// MatchThreshold is the ratio a signature needs against a representative
	// to belong to its cluster (default: 0.6)
	MatchThreshold float64

	// Dimensions is the term vector size (default: similarity.DefaultDimensions)
	Dimensions int
}

// DefaultConfig returns the standard clustering parameters.
func DefaultConfig() *Config {
	return &Config{
		Eps:            0.6,
		MatchThreshold: 0.6,
		Dimensions:     similarity.DefaultDimensions,
	}
}

// Fixes is the part of the fix store the index reads.
type Fixes interface {
	NormalizedKeys(ctx context.Context) ([]string, error)
	FixesForKeys(ctx context.Context, keys ...string) ([]fixstore.FixRecord, error)
}

// Consensus computes the community result used to rank fixes.
type Consensus interface {
	Calculate(ctx context.Context, hash string) (*consensus.Result, error)
}

// Index builds and queries clusters.
type Index struct {
	cfg       *Config
	doc       *kv.Doc[document]
	fixes     Fixes
	consensus Consensus
	logger    *zap.Logger
}

// New returns a cluster index.
func New(cfg *Config, kvs kv.Store, fixes Fixes, cons Consensus, logger *zap.Logger) (*Index, error) {
	if kvs == nil {
		return nil, errors.New("kv store is required")
	}
	if fixes == nil {
		return nil, errors.New("fix store is required")
	}
	if cons == nil {
		return nil, errors.New("consensus calculator is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = similarity.DefaultDimensions
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		cfg:       cfg,
		doc:       kv.NewDoc[document](kvs, Table),
		fixes:     fixes,
		consensus: cons,
		logger:    logger,
	}, nil
}

// Build clusters every known signature and persists the result. Noise points
// and clusters smaller than minClusterSize are dropped; singletons never form
// a cluster.
func (x *Index) Build(ctx context.Context, minClusterSize int) ([]Cluster, error) {
	if minClusterSize < 2 {
		minClusterSize = 2
	}
	keys, err := x.fixes.NormalizedKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading signatures: %w", err)
	}

	points, vectors := x.vectorize(keys)
	labels, err := x.dbscan(ctx, vectors, minClusterSize)
	if err != nil {
		return nil, err
	}

	byLabel := make(map[int][]int)
	for i, label := range labels {
		if label > 0 {
			byLabel[label] = append(byLabel[label], i)
		}
	}
	ordered := make([]int, 0, len(byLabel))
	for label := range byLabel {
		ordered = append(ordered, label)
	}
	sort.Ints(ordered)

	clusters := make([]Cluster, 0, len(ordered))
	for _, label := range ordered {
		idx := byLabel[label]
		if len(idx) < minClusterSize {
			continue
		}
		sort.Ints(idx)
		members := make([]string, len(idx))
		for i, p := range idx {
			members[i] = points[p]
		}
		clusters = append(clusters, Cluster{
			ID:             "cluster-" + strconv.Itoa(len(clusters)+1),
			Members:        members,
			Representative: members[0],
			Size:           len(members),
		})
	}

	err = x.doc.Update(ctx, func(doc *document) error {
		doc.Clusters = clusters
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("saving clusters: %w", err)
	}

	x.logger.Info("clusters built",
		zap.Int("signatures", len(points)),
		zap.Int("clusters", len(clusters)),
		zap.Int("min_cluster_size", minClusterSize),
	)
	return clusters, nil
}

// vectorize drops signatures without tokens, which have no direction.
func (x *Index) vectorize(keys []string) ([]string, [][]float32) {
	points := make([]string, 0, len(keys))
	vectors := make([][]float32, 0, len(keys))
	for _, key := range keys {
		vec := similarity.Vectorize(key, x.cfg.Dimensions)
		if vec == nil {
			continue
		}
		points = append(points, key)
		vectors = append(vectors, vec)
	}
	return points, vectors
}

// dbscan labels each point with a cluster number starting at 1, or 0 for noise.
func (x *Index) dbscan(ctx context.Context, vectors [][]float32, minPts int) ([]int, error) {
	labels := make([]int, len(vectors))
	if len(vectors) == 0 {
		return labels, nil
	}

	db := chromem.NewDB()
	col, err := db.CreateCollection("signatures", nil, x.embed)
	if err != nil {
		return nil, fmt.Errorf("creating signature collection: %w", err)
	}
	docs := make([]chromem.Document, len(vectors))
	for i, vec := range vectors {
		docs[i] = chromem.Document{ID: strconv.Itoa(i), Embedding: vec}
	}
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		return nil, fmt.Errorf("indexing signatures: %w", err)
	}

	neighbours := func(p int) ([]int, error) {
		results, err := col.QueryEmbedding(ctx, vectors[p], col.Count(), nil, nil)
		if err != nil {
			return nil, fmt.Errorf("querying neighbours: %w", err)
		}
		out := make([]int, 0, len(results))
		for _, r := range results {
			if float64(r.Similarity) < x.cfg.Eps {
				continue
			}
			id, err := strconv.Atoi(r.ID)
			if err != nil {
				return nil, fmt.Errorf("unexpected document id %q", r.ID)
			}
			out = append(out, id)
		}
		return out, nil
	}

	const unvisited, noise = 0, -1
	cluster := 0
	for p := range vectors {
		if labels[p] != unvisited {
			continue
		}
		seeds, err := neighbours(p)
		if err != nil {
			return nil, err
		}
		if len(seeds) < minPts {
			labels[p] = noise
			continue
		}
		cluster++
		labels[p] = cluster
		for i := 0; i < len(seeds); i++ {
			q := seeds[i]
			if labels[q] == noise {
				labels[q] = cluster
			}
			if labels[q] != unvisited {
				continue
			}
			labels[q] = cluster
			more, err := neighbours(q)
			if err != nil {
				return nil, err
			}
			if len(more) >= minPts {
				seeds = append(seeds, more...)
			}
		}
	}

	for i, l := range labels {
		if l == noise {
			labels[i] = 0
		}
	}
	return labels, nil
}

func (x *Index) embed(_ context.Context, text string) ([]float32, error) {
	vec := similarity.Vectorize(text, x.cfg.Dimensions)
	if vec == nil {
		return nil, errors.New("text has no tokens")
	}
	return vec, nil
}

// Clusters returns the last built clusters.
func (x *Index) Clusters(ctx context.Context) ([]Cluster, error) {
	doc, err := x.doc.Load(ctx)
	if err != nil {
		return nil, err
	}
	return doc.Clusters, nil
}

// ClusterFor returns the id of the first cluster whose representative is
// similar to errText, or "" when none is.
func (x *Index) ClusterFor(ctx context.Context, errText string) (string, error) {
	doc, err := x.doc.Load(ctx)
	if err != nil {
		return "", err
	}
	key := similarity.Normalize(errText)
	for _, c := range doc.Clusters {
		if similarity.Ratio(key, c.Representative) > x.cfg.MatchThreshold {
			return c.ID, nil
		}
	}
	return "", nil
}

// BestFixForCluster returns the fix attached to any member signature with the
// highest consensus success rate. Fraud-quarantined fixes are skipped. It
// returns nil when the cluster has no eligible fixes.
func (x *Index) BestFixForCluster(ctx context.Context, id string) (*fixstore.FixRecord, error) {
	doc, err := x.doc.Load(ctx)
	if err != nil {
		return nil, err
	}
	var members []string
	found := false
	for _, c := range doc.Clusters {
		if c.ID == id {
			members, found = c.Members, true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrClusterNotFound, id)
	}

	fixes, err := x.fixes.FixesForKeys(ctx, members...)
	if err != nil {
		return nil, err
	}
	var best *fixstore.FixRecord
	bestRate := -1.0
	for i := range fixes {
		if fixes[i].Quarantined {
			continue
		}
		res, err := x.consensus.Calculate(ctx, fixes[i].FixHash)
		if err != nil {
			return nil, fmt.Errorf("consensus for %s: %w", fixes[i].FixHash, err)
		}
		if res.SuccessRate > bestRate {
			best, bestRate = &fixes[i], res.SuccessRate
		}
	}
	return best, nil
}
