package fixstore

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixnet/internal/clock"
	"github.com/fyrsmithlabs/fixnet/internal/kv"
	"github.com/fyrsmithlabs/fixnet/internal/remote"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	nameErr    = "NameError: name 'json' is not defined"
	importJSON = "import json"
)

func newTestStore(t *testing.T, cfg *Config) (*Store, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0)
	s, err := New(cfg, kv.NewMemoryStore(time.Second), clk, zap.NewNop())
	require.NoError(t, err)
	return s, clk
}

func addNameError(t *testing.T, s *Store, keywords ...string) *AddResult {
	t.Helper()
	res, err := s.AddFix(context.Background(), &AddRequest{
		ErrorSignature: nameErr,
		ErrorType:      "NameError",
		Solution:       importJSON,
		AuthorID:       "alice",
		Keywords:       keywords,
		Program:        "python",
	})
	require.NoError(t, err)
	return res
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestAddFix_NewRecordDefaults(t *testing.T) {
	s, _ := newTestStore(t, nil)
	res := addNameError(t, s, "json", "NameError")

	assert.False(t, res.Merged)
	assert.Equal(t, "nameerror: name 'json' is not defined", res.NormalizedKey)
	assert.Len(t, res.FixHash, 16)
	assert.Equal(t, FixHash(nameErr, importJSON, "alice", 0), res.FixHash)

	fix, err := s.Get(context.Background(), res.FixHash)
	require.NoError(t, err)
	assert.Equal(t, 1, fix.Version)
	assert.Equal(t, 1, fix.UsageCount)
	assert.Equal(t, 1, fix.SuccessCount)
	assert.Equal(t, 1.0, fix.RelevanceScore)
	assert.Equal(t, []string{"json", "nameerror"}, fix.Keywords)
	require.NotNil(t, fix.CreatedAt)
	assert.True(t, fix.CreatedAt.Equal(t0))
}

func TestAddFix_MergesDuplicateAndUnionsKeywords(t *testing.T) {
	s, _ := newTestStore(t, nil)
	first := addNameError(t, s, "json", "nameerror")
	second := addNameError(t, s, "json", "python")

	assert.True(t, second.Merged)
	assert.Equal(t, first.FixHash, second.FixHash)
	assert.Equal(t, 2, second.Version)

	all, err := s.All(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, []string{"json", "nameerror", "python"}, all[0].Keywords)
	assert.Equal(t, 2, all[0].Version)
}

func TestAddFix_FirstSimilarMatchWins(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()

	a, err := s.AddFix(ctx, &AddRequest{ErrorSignature: nameErr, Solution: "import json as json", AuthorID: "a1", Keywords: []string{"json"}})
	require.NoError(t, err)
	_, err = s.AddFix(ctx, &AddRequest{ErrorSignature: nameErr, Solution: "import json", AuthorID: "a2", Keywords: []string{"json"}, Context: map[string]string{"x": "1"}})
	require.NoError(t, err)

	hash, ok, err := s.FindSimilar(ctx, nameErr, "import json as json")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.FixHash, hash)

	_, ok, err = s.FindSimilar(ctx, "ZeroDivisionError: division by zero", "check the divisor")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAddFix_DifferentSolutionSameKeyAppendsToGroup(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()
	addNameError(t, s, "json")

	res, err := s.AddFix(ctx, &AddRequest{ErrorSignature: nameErr, Solution: "pip install simplejson and alias it", AuthorID: "bob", Keywords: []string{"json"}})
	require.NoError(t, err)
	assert.False(t, res.Merged)

	keys, err := s.NormalizedKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	fixes, err := s.FixesForKeys(ctx, keys...)
	require.NoError(t, err)
	assert.Len(t, fixes, 2)
}

func TestAddFix_Validation(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *AddRequest
		want error
	}{
		{"nil", nil, ErrValidation},
		{"no signature", &AddRequest{Solution: "x", Keywords: []string{"a"}}, ErrValidation},
		{"no solution", &AddRequest{ErrorSignature: nameErr, Keywords: []string{"a"}}, ErrValidation},
		{"no keywords", &AddRequest{ErrorSignature: nameErr, Solution: importJSON}, ErrNoKeywords},
		{"blank keywords", &AddRequest{ErrorSignature: nameErr, Solution: importJSON, Keywords: []string{" ", ""}}, ErrNoKeywords},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.AddFix(ctx, tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	all, err := s.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	matches, err := s.Search(ctx, &Query{Error: nameErr, MinRelevance: relevance(0.01)})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestAddFix_HashCollisionIsSalted(t *testing.T) {
	// Thresholds above 1 disable dedup so identical input collides on hash.
	s, _ := newTestStore(t, &Config{KeyThreshold: 1.1, SolutionThreshold: 1.1, GroupThreshold: 0.5, MinRelevance: 0.5, RemoteDiscount: 0.8})
	first := addNameError(t, s, "json")
	second := addNameError(t, s, "json")

	assert.NotEqual(t, first.FixHash, second.FixHash)
	assert.Equal(t, FixHash(nameErr, importJSON, "alice", 1), second.FixHash)

	all, err := s.All(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRecordUsage_RelevanceFormula(t *testing.T) {
	s, clk := newTestStore(t, nil)
	ctx := context.Background()
	res := addNameError(t, s, "json")

	fix, err := s.RecordUsage(ctx, res.FixHash, true)
	require.NoError(t, err)
	// 1*0.4 + 1*0.3 + 1*0.2 + 0.2*0.1
	assert.InDelta(t, 0.92, fix.RelevanceScore, 1e-9)

	clk.Advance(365 * 24 * time.Hour)
	fix, err = s.RecordUsage(ctx, res.FixHash, false)
	require.NoError(t, err)
	// 0.4 + (2/3)*0.3 + 0 + 0.3*0.1
	assert.InDelta(t, 0.63, fix.RelevanceScore, 1e-9)
	assert.Equal(t, 3, fix.UsageCount)
	assert.Equal(t, 2, fix.SuccessCount)
}

func TestRecordUsage_UntrustedClockUsesNeutralRecency(t *testing.T) {
	s, err := New(nil, kv.NewMemoryStore(time.Second), clock.Untrusted{}, nil)
	require.NoError(t, err)
	res := addNameError(t, s, "json")

	fix, err := s.RecordUsage(context.Background(), res.FixHash, true)
	require.NoError(t, err)
	assert.Nil(t, fix.CreatedAt)
	// 0.4 + 0.3 + 0.5*0.2 + 0.2*0.1
	assert.InDelta(t, 0.82, fix.RelevanceScore, 1e-9)
}

func TestRecordUsage_UnknownHash(t *testing.T) {
	s, _ := newTestStore(t, nil)
	_, err := s.RecordUsage(context.Background(), "deadbeef", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordUsage_InvariantsHoldUnderRandomSequence(t *testing.T) {
	s, clk := newTestStore(t, nil)
	ctx := context.Background()
	res := addNameError(t, s, "json")
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 200; i++ {
		clk.Advance(time.Duration(rng.IntN(72)) * time.Hour)
		fix, err := s.RecordUsage(ctx, res.FixHash, rng.IntN(3) > 0)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, fix.RelevanceScore, 0.0)
		assert.LessOrEqual(t, fix.RelevanceScore, 1.0)
		assert.LessOrEqual(t, fix.SuccessCount, fix.UsageCount)
	}
}

func TestRecordUsage_ConcurrentCallsLoseNothing(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()
	res := addNameError(t, s, "json")

	const workers = 40
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.RecordUsage(ctx, res.FixHash, i%2 == 0)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	fix, err := s.Get(ctx, res.FixHash)
	require.NoError(t, err)
	assert.Equal(t, workers+1, fix.UsageCount)
	assert.Equal(t, workers/2+1, fix.SuccessCount)
}

func TestQuarantine(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()
	res := addNameError(t, s, "json")

	changed, err := s.Quarantine(ctx, res.FixHash)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.Quarantine(ctx, res.FixHash)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = s.Quarantine(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVariants(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()
	parent := addNameError(t, s, "json")

	child, err := s.AddFix(ctx, &AddRequest{
		ErrorSignature:  nameErr,
		Solution:        "from json import loads, dumps",
		AuthorID:        "bob",
		Keywords:        []string{"json"},
		InspiredBy:      parent.FixHash,
		VariationReason: "python 2",
	})
	require.NoError(t, err)

	variants, err := s.Variants(ctx, parent.FixHash)
	require.NoError(t, err)
	require.Len(t, variants, 1)
	assert.Equal(t, child.FixHash, variants[0].FixHash)
}

func TestCleanupNoKeywords(t *testing.T) {
	kvs := kv.NewMemoryStore(time.Second)
	s, err := New(nil, kvs, clock.NewManual(t0), nil)
	require.NoError(t, err)
	ctx := context.Background()
	good := addNameError(t, s, "json")

	// Legacy data written before keyword validation existed.
	legacy := kv.NewDoc[document](kvs, Table)
	require.NoError(t, legacy.Update(ctx, func(d *document) error {
		d.Groups = append(d.Groups, &group{
			NormalizedKey: "legacy",
			Fixes:         []*FixRecord{{FixHash: "legacy1", NormalizedKey: "legacy", Solution: "x"}},
		})
		return nil
	}))

	removed, err := s.CleanupNoKeywords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	keys, err := s.NormalizedKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{good.NormalizedKey}, keys)
}

func TestStore_RoundTripThroughSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fixnet.db")

	kvs, err := kv.OpenSQLite(path, time.Second, zap.NewNop())
	require.NoError(t, err)
	s, err := New(nil, kvs, clock.NewManual(t0), nil)
	require.NoError(t, err)

	res := addNameError(t, s, "json", "nameerror")
	_, err = s.AddFix(ctx, &AddRequest{
		ErrorSignature: "KeyError: 'id'",
		ErrorType:      "KeyError",
		Solution:       "use dict.get('id')",
		AuthorID:       "bob",
		Keywords:       []string{"dict", "keyerror"},
		Context:        map[string]string{"version": "3.12"},
		InspiredBy:     res.FixHash,
	})
	require.NoError(t, err)
	_, err = s.RecordUsage(ctx, res.FixHash, false)
	require.NoError(t, err)
	_, err = s.Quarantine(ctx, res.FixHash)
	require.NoError(t, err)

	before, err := s.All(ctx)
	require.NoError(t, err)
	require.NoError(t, kvs.Close())

	reopened, err := kv.OpenSQLite(path, time.Second, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()
	s2, err := New(nil, reopened, clock.NewManual(t0), nil)
	require.NoError(t, err)

	after, err := s2.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestStore_BusyIsReported(t *testing.T) {
	kvs := kv.NewMemoryStore(20 * time.Millisecond)
	s, err := New(nil, kvs, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	hold := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = kvs.Update(ctx, Table, func(cur []byte) ([]byte, error) {
			close(held)
			<-hold
			return cur, nil
		})
	}()
	<-held
	defer close(hold)

	_, err = s.AddFix(ctx, &AddRequest{ErrorSignature: nameErr, Solution: importJSON, Keywords: []string{"json"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, kv.ErrStoreBusy))
	assert.True(t, kv.IsRetryable(err))
}

func TestSearchRemote_Heuristics(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()
	local := addNameError(t, s, "json")

	records := []remote.Record{
		{FixHash: local.FixHash, UserID: "u1", Attempts: 10, Successes: 10},
		{FixHash: local.FixHash, UserID: "u2", Attempts: 10, Successes: 5},
		{FixHash: "r-sig", UserID: "u3", Attempts: 4, Successes: 4, Context: map[string]string{
			ContextErrorSignature: nameErr,
			ContextSolution:       "import json at top",
		}},
		{FixHash: "r-type", UserID: "u4", Attempts: 10, Successes: 10, Context: map[string]string{ContextErrorType: "NameError"}},
		{FixHash: "r-none", UserID: "u5", Attempts: 10, Successes: 10},
	}

	matches, err := s.SearchRemote(ctx, &Query{Error: nameErr, ErrorType: "NameError", MinRelevance: relevance(0.01)}, records)
	require.NoError(t, err)

	byHash := map[string]Match{}
	for _, m := range matches {
		assert.Equal(t, SourceRemote, m.Source)
		byHash[m.Fix.FixHash] = m
	}
	require.Contains(t, byHash, local.FixHash)
	require.Contains(t, byHash, "r-sig")
	require.Contains(t, byHash, "r-type")
	assert.NotContains(t, byHash, "r-none")

	l := byHash[local.FixHash]
	assert.Equal(t, 20, l.Remote.Attempts)
	assert.Equal(t, 2, l.Remote.UniqueUsers)
	// (0.4 + 0.75*0.3 + 0.5*0.2 + 0.1) * 0.8
	assert.InDelta(t, 0.66, l.Relevance, 1e-9)
	assert.Equal(t, importJSON, l.Fix.Solution)

	assert.Equal(t, "import json at top", byHash["r-sig"].Fix.Solution)
	assert.InDelta(t, 0.5, byHash["r-type"].Similarity, 1e-9)
}

func TestSearch_RequiresError(t *testing.T) {
	s, _ := newTestStore(t, nil)
	_, err := s.Search(context.Background(), &Query{})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = s.SearchRemote(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrValidation)
}
