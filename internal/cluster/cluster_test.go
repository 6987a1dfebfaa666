package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/fixnet/internal/clock"
	"github.com/fyrsmithlabs/fixnet/internal/consensus"
	"github.com/fyrsmithlabs/fixnet/internal/fixstore"
	"github.com/fyrsmithlabs/fixnet/internal/identity"
	"github.com/fyrsmithlabs/fixnet/internal/kv"
	"github.com/fyrsmithlabs/fixnet/internal/remote"
	"github.com/fyrsmithlabs/fixnet/internal/reputation"
	"github.com/fyrsmithlabs/fixnet/internal/similarity"
)

type fixture struct {
	index  *Index
	fixes  *fixstore.Store
	source *remote.StaticSource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kvs := kv.NewMemoryStore(time.Second)
	clk := clock.NewManual(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
	fixes, err := fixstore.New(nil, kvs, clk, nil)
	require.NoError(t, err)
	ledger, err := reputation.New(kvs, identity.MustPatternProvider(""), nil)
	require.NoError(t, err)
	source := remote.NewStaticSource("me")
	calc, err := consensus.New(nil, fixes, source, ledger, ledger, nil, consensus.WithClock(clk))
	require.NoError(t, err)
	index, err := New(nil, kvs, fixes, calc, nil)
	require.NoError(t, err)
	return &fixture{index: index, fixes: fixes, source: source}
}

func (f *fixture) add(t *testing.T, sig, solution string) string {
	t.Helper()
	res, err := f.fixes.AddFix(context.Background(), &fixstore.AddRequest{
		ErrorSignature: sig,
		Solution:       solution,
		AuthorID:       "alice",
		Keywords:       []string{"python"},
	})
	require.NoError(t, err)
	return res.FixHash
}

func (f *fixture) seed(t *testing.T) (numpy, pandas string) {
	t.Helper()
	numpy = f.add(t, "ModuleNotFoundError: No module named 'numpy'", "pip install numpy")
	f.add(t, "PermissionError: [Errno 13] Permission denied: 'out.txt'", "chmod u+w out.txt")
	pandas = f.add(t, "ModuleNotFoundError: No module named 'pandas'", "pip install pandas")
	f.add(t, "ModuleNotFoundError: No module named 'requests'", "pip install requests")
	return numpy, pandas
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(nil, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestBuild_GroupsSimilarSignatures(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	clusters, err := f.index.Build(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, clusters, 1)

	c := clusters[0]
	assert.Equal(t, "cluster-1", c.ID)
	assert.Equal(t, 3, c.Size)
	assert.Equal(t, []string{
		"modulenotfounderror: no module named 'numpy'",
		"modulenotfounderror: no module named 'pandas'",
		"modulenotfounderror: no module named 'requests'",
	}, c.Members)
	assert.Equal(t, c.Members[0], c.Representative)

	stored, err := f.index.Clusters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, clusters, stored)
}

func TestBuild_MinClusterSize(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	clusters, err := f.index.Build(context.Background(), 4)
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

func TestBuild_SingletonsAreNeverClusters(t *testing.T) {
	f := newFixture(t)
	f.add(t, "ModuleNotFoundError: No module named 'numpy'", "pip install numpy")

	clusters, err := f.index.Build(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

func TestBuild_WeaklyRelatedSignaturesStayApart(t *testing.T) {
	f := newFixture(t)
	timeout := "TimeoutError: request timed out"
	value := "ValueError: request body out of range"
	f.add(t, timeout, "raise the client timeout")
	f.add(t, value, "validate the body length")

	cos := similarity.Cosine(
		similarity.Vectorize(similarity.Normalize(timeout), similarity.DefaultDimensions),
		similarity.Vectorize(similarity.Normalize(value), similarity.DefaultDimensions),
	)
	require.InDelta(t, 0.41, cos, 0.01)

	clusters, err := f.index.Build(context.Background(), 2)
	require.NoError(t, err)
	assert.Empty(t, clusters, "cosine %.3f is below eps", cos)
}

func TestBuild_Empty(t *testing.T) {
	f := newFixture(t)
	clusters, err := f.index.Build(context.Background(), 2)
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

func TestClusterFor(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	_, err := f.index.Build(ctx, 2)
	require.NoError(t, err)

	id, err := f.index.ClusterFor(ctx, "ModuleNotFoundError: No module named 'scipy'")
	require.NoError(t, err)
	assert.Equal(t, "cluster-1", id)

	none, err := f.index.ClusterFor(ctx, "PermissionError: [Errno 13] Permission denied: 'log.txt'")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestBestFixForCluster(t *testing.T) {
	f := newFixture(t)
	numpy, pandas := f.seed(t)
	ctx := context.Background()
	_, err := f.index.Build(ctx, 2)
	require.NoError(t, err)

	f.source.Set(
		remote.Record{FixHash: numpy, UserID: "u1", Attempts: 10, Successes: 4},
		remote.Record{FixHash: pandas, UserID: "u2", Attempts: 10, Successes: 9},
	)
	best, err := f.index.BestFixForCluster(ctx, "cluster-1")
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, pandas, best.FixHash)

	_, err = f.fixes.Quarantine(ctx, pandas)
	require.NoError(t, err)
	best, err = f.index.BestFixForCluster(ctx, "cluster-1")
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, numpy, best.FixHash)

	_, err = f.index.BestFixForCluster(ctx, "cluster-9")
	assert.ErrorIs(t, err, ErrClusterNotFound)
}
