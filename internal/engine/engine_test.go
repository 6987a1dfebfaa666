package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/fixnet/internal/abtest"
	"github.com/fyrsmithlabs/fixnet/internal/clock"
	"github.com/fyrsmithlabs/fixnet/internal/consensus"
	"github.com/fyrsmithlabs/fixnet/internal/fixstore"
	"github.com/fyrsmithlabs/fixnet/internal/fraud"
	"github.com/fyrsmithlabs/fixnet/internal/identity"
	"github.com/fyrsmithlabs/fixnet/internal/kv"
	"github.com/fyrsmithlabs/fixnet/internal/lineage"
	"github.com/fyrsmithlabs/fixnet/internal/logging"
	"github.com/fyrsmithlabs/fixnet/internal/remote"
	"github.com/fyrsmithlabs/fixnet/internal/reputation"
)

const nameErr = "NameError: name 'json' is not defined"

type fixture struct {
	engine *Engine
	source *remote.StaticSource
	clock  *clock.Manual
	logs   *logging.TestLogger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fraudCfg := fraud.DefaultConfig()
	fraudCfg.ScanSecrets = false

	source := remote.NewStaticSource("me")
	clk := clock.NewManual(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	logs := logging.NewTestLogger()
	e, err := Open(&Config{Fraud: fraudCfg}, kv.NewMemoryStore(time.Second), source,
		identity.MustPatternProvider(""), clk, logs.Underlying())
	require.NoError(t, err)
	return &fixture{engine: e, source: source, clock: clk, logs: logs}
}

func (f *fixture) add(t *testing.T, req AddFixRequest) *AddFixResult {
	t.Helper()
	if req.ErrorSignature == "" {
		req.ErrorSignature = nameErr
	}
	if req.AuthorID == "" {
		req.AuthorID = "alice_dev"
	}
	if len(req.Keywords) == 0 {
		req.Keywords = []string{"json"}
	}
	res, err := f.engine.AddFix(context.Background(), &req)
	require.NoError(t, err)
	return res
}

func TestNew_RequiresComponents(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestAddFix_EndToEndMergesDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.add(t, AddFixRequest{AddRequest: fixstore.AddRequest{
		ErrorType: "NameError", Solution: "import json", Keywords: []string{"json", "nameerror"},
	}})
	assert.False(t, first.Merged)
	assert.Equal(t, "nameerror: name 'json' is not defined", first.NormalizedKey)

	second := f.add(t, AddFixRequest{AddRequest: fixstore.AddRequest{
		ErrorType: "NameError", Solution: "import json", Keywords: []string{"json", "python"},
	}})
	assert.True(t, second.Merged)
	assert.Equal(t, first.FixHash, second.FixHash)

	fix, err := f.engine.GetFix(ctx, first.FixHash)
	require.NoError(t, err)
	assert.Equal(t, []string{"json", "nameerror", "python"}, fix.Keywords)

	matches, err := f.engine.SearchSimilarFixes(ctx, &fixstore.Query{Error: nameErr})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, first.FixHash, matches[0].Fix.FixHash)

	f.logs.AssertLogged(t, zapcore.InfoLevel, "fix added")
	f.logs.AssertField(t, "fix added", "author", "al*****ev")
}

func TestAddFix_RejectsEmptyKeywords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.AddFix(ctx, &AddFixRequest{AddRequest: fixstore.AddRequest{
		ErrorSignature: nameErr, Solution: "import json", AuthorID: "alice_dev",
	}})
	assert.ErrorIs(t, err, fixstore.ErrValidation)

	matches, err := f.engine.SearchSimilarFixes(ctx, &fixstore.Query{Error: nameErr})
	require.NoError(t, err)
	assert.Empty(t, matches)

	_, err = f.engine.AddFix(ctx, nil)
	assert.ErrorIs(t, err, fixstore.ErrValidation)
}

func TestAddFix_WritesLineage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent := f.add(t, AddFixRequest{AddRequest: fixstore.AddRequest{Solution: "import json"}})
	_, err := f.engine.CreateFixVersion(ctx, nameErr, parent.FixHash, "import json", "")
	require.NoError(t, err)

	child := f.add(t, AddFixRequest{
		AddRequest: fixstore.AddRequest{
			Solution:        "from json import loads",
			AuthorID:        "bobby",
			InspiredBy:      parent.FixHash,
			VariationReason: "only loads is needed",
		},
		Supersedes:    parent.FixHash,
		ScriptContext: "etl.py",
	})
	assert.Empty(t, child.Warnings)
	require.NotNil(t, child.Branch)
	assert.Equal(t, lineage.RelContextVariant, child.Branch.Relationship)
	require.NotNil(t, child.VersionEntry)
	assert.Equal(t, 2, child.VersionEntry.VersionNumber)

	tree, err := f.engine.GetBranchTree(ctx, parent.FixHash, 2)
	require.NoError(t, err)
	require.Len(t, tree.Children, 1)
	assert.Equal(t, child.FixHash, tree.Children[0].FixHash)
	assert.Equal(t, "etl.py", tree.Children[0].ScriptContext)
	assert.Equal(t, lineage.RelContextVariant, tree.Children[0].Relationship)

	latest, err := f.engine.GetLatestFixVersion(ctx, nameErr)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, child.FixHash, latest.FixHash)

	path, err := f.engine.GetEvolutionPath(ctx, child.FixHash)
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, lineage.StatusSuperseded, path[0].Status)
	assert.Equal(t, child.FixHash, path[0].SupersededBy)
}

func TestAddFix_LineageFailureIsAWarning(t *testing.T) {
	f := newFixture(t)
	res := f.add(t, AddFixRequest{
		AddRequest: fixstore.AddRequest{Solution: "import json"},
		Supersedes: "0000000000000000",
	})
	require.Len(t, res.Warnings, 1)
	assert.Nil(t, res.VersionEntry)

	_, err := f.engine.GetFix(context.Background(), res.FixHash)
	require.NoError(t, err)
	f.logs.AssertLogged(t, zapcore.WarnLevel, "failed to version fix")
}

func TestVariantInvalidatesParentConsensus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent := f.add(t, AddFixRequest{AddRequest: fixstore.AddRequest{Solution: "import json"}})
	f.source.Set(remote.Record{FixHash: parent.FixHash, UserID: "u1", Attempts: 10, Successes: 0})

	before, err := f.engine.CalculateConsensus(ctx, parent.FixHash)
	require.NoError(t, err)
	assert.Equal(t, 10.0, before.TotalAttempts)

	child := f.add(t, AddFixRequest{AddRequest: fixstore.AddRequest{
		Solution: "from json import loads", AuthorID: "bobby", InspiredBy: parent.FixHash,
	}})
	f.source.Set(
		remote.Record{FixHash: parent.FixHash, UserID: "u1", Attempts: 10, Successes: 0},
		remote.Record{FixHash: child.FixHash, UserID: "u2", Attempts: 10, Successes: 10},
	)

	after, err := f.engine.CalculateConsensus(ctx, parent.FixHash)
	require.NoError(t, err)
	assert.InDelta(t, 15.0, after.TotalAttempts, 1e-12)
}

func TestSearchSimilarFixes_MergesRemote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	local := f.add(t, AddFixRequest{AddRequest: fixstore.AddRequest{ErrorType: "NameError", Solution: "import json"}})
	f.source.Set(
		remote.Record{FixHash: local.FixHash, UserID: "u1", Attempts: 5, Successes: 5},
		remote.Record{FixHash: "r1", UserID: "u2", Attempts: 10, Successes: 10, Context: map[string]string{
			fixstore.ContextErrorSignature: nameErr,
			fixstore.ContextSolution:       "pip install simplejson",
		}},
	)

	matches, err := f.engine.SearchSimilarFixes(ctx, &fixstore.Query{Error: nameErr})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, local.FixHash, matches[0].Fix.FixHash)
	assert.Equal(t, fixstore.SourceLocal, matches[0].Source)
	assert.Equal(t, "r1", matches[1].Fix.FixHash)
	assert.Equal(t, fixstore.SourceRemote, matches[1].Source)

	limited, err := f.engine.SearchSimilarFixes(ctx, &fixstore.Query{Error: nameErr, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestVoteOnFixSuccess_CreditsAuthor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fix := f.add(t, AddFixRequest{AddRequest: fixstore.AddRequest{Solution: "import json"}})

	_, err := f.engine.VoteOnFixSuccess(ctx, fix.FixHash, "voter_1", true)
	require.NoError(t, err)
	before, err := f.engine.GetVoteStatistics(ctx, fix.FixHash)
	require.NoError(t, err)

	_, err = f.engine.VoteOnFixSuccess(ctx, fix.FixHash, "voter_1", false)
	var dup *reputation.DuplicateVoteError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, reputation.VoteSuccess, dup.Prior)

	after, err := f.engine.GetVoteStatistics(ctx, fix.FixHash)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	author, err := f.engine.GetReputation(ctx, "alice_dev")
	require.NoError(t, err)
	assert.Equal(t, 1, author.Upvotes)

	_, err = f.engine.VoteOnFixSuccess(ctx, fix.FixHash, "x", true)
	assert.ErrorIs(t, err, reputation.ErrInvalidVoter)
}

func TestReportSpam_QuarantinesAfterThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fix := f.add(t, AddFixRequest{AddRequest: fixstore.AddRequest{Solution: "import json"}})
	f.source.Set(remote.Record{FixHash: fix.FixHash, UserID: "u1", Attempts: 10, Successes: 10})

	before, err := f.engine.CalculateConsensus(ctx, fix.FixHash)
	require.NoError(t, err)
	assert.False(t, before.Quarantined)

	for i := 0; i < 2; i++ {
		res, err := f.engine.ReportSpam(ctx, fix.FixHash, "malicious")
		require.NoError(t, err)
		assert.False(t, res.Quarantined)
	}
	res, err := f.engine.ReportSpam(ctx, fix.FixHash, "malicious")
	require.NoError(t, err)
	assert.True(t, res.Quarantined)

	after, err := f.engine.CalculateConsensus(ctx, fix.FixHash)
	require.NoError(t, err)
	assert.True(t, after.Quarantined)

	safety, err := f.engine.IsSafeToUse(ctx, fix.FixHash, "")
	require.NoError(t, err)
	assert.False(t, safety.Safe)

	best, err := f.engine.GetBestFixForError(ctx, &consensus.BestFixQuery{Error: nameErr})
	require.NoError(t, err)
	assert.Nil(t, best)

	author, err := f.engine.GetReputation(ctx, "alice_dev")
	require.NoError(t, err)
	assert.Equal(t, 1, author.SpamReports)
}

func TestIsSafeToUse_DestructiveCommand(t *testing.T) {
	f := newFixture(t)
	safety, err := f.engine.IsSafeToUse(context.Background(), "", "rm -rf /")
	require.NoError(t, err)
	assert.False(t, safety.Safe)
	assert.NotEmpty(t, safety.Reason)

	v, err := f.engine.CheckFix(context.Background(), "", "rm -rf /")
	require.NoError(t, err)
	assert.Equal(t, fraud.RiskHigh, v.RiskLevel)
}

func TestABTestFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.add(t, AddFixRequest{AddRequest: fixstore.AddRequest{Solution: "import json"}})
	b := f.add(t, AddFixRequest{AddRequest: fixstore.AddRequest{Solution: "pip install simplejson and import it"}})

	id, err := f.engine.CreateABTest(ctx, nameErr, a.FixHash, b.FixHash, 7)
	require.NoError(t, err)

	variant, err := f.engine.GetABTestVariant(ctx, nameErr)
	require.NoError(t, err)
	assert.Contains(t, []string{a.FixHash, b.FixHash}, variant)

	for i := 0; i < 12; i++ {
		_, err := f.engine.RecordABTestResult(ctx, nameErr, a.FixHash, i < 10)
		require.NoError(t, err)
		_, err = f.engine.RecordABTestResult(ctx, nameErr, b.FixHash, i < 6)
		require.NoError(t, err)
	}

	test, err := f.engine.FinalizeABTest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, abtest.WinnerA, test.Winner)

	stored, err := f.engine.GetABTest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, abtest.StatusCompleted, stored.Status)
}

func TestClusterFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	numpy := f.add(t, AddFixRequest{AddRequest: fixstore.AddRequest{
		ErrorSignature: "ModuleNotFoundError: No module named 'numpy'", Solution: "pip install numpy",
	}})
	pandas := f.add(t, AddFixRequest{AddRequest: fixstore.AddRequest{
		ErrorSignature: "ModuleNotFoundError: No module named 'pandas'", Solution: "pip install pandas",
	}})
	f.source.Set(
		remote.Record{FixHash: numpy.FixHash, UserID: "u1", Attempts: 4, Successes: 1},
		remote.Record{FixHash: pandas.FixHash, UserID: "u2", Attempts: 4, Successes: 4},
	)

	clusters, err := f.engine.ClusterSimilarErrors(ctx, 2)
	require.NoError(t, err)
	require.Len(t, clusters, 1)

	id, err := f.engine.GetClusterForError(ctx, "ModuleNotFoundError: No module named 'torch'")
	require.NoError(t, err)
	assert.Equal(t, clusters[0].ID, id)

	best, err := f.engine.GetClusterBestFix(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, pandas.FixHash, best.FixHash)
}

func TestReputationOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	neutral, err := f.engine.GetReputation(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, reputation.NeutralScore, neutral.ReputationScore)

	rep, err := f.engine.RecordFixOutcome(ctx, "carol", true, &reputation.VoteCounts{Up: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.SuccessfulFixes)
	assert.Equal(t, 2, rep.Upvotes)

	f.source.Set(remote.Record{FixHash: "h", UserID: "carol", Attempts: 4, Successes: 3})
	weighted, err := f.engine.ReputationWeightedConsensus(ctx, "h")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, weighted, 1e-12)
}

func TestRecordFixUsageAndCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fix := f.add(t, AddFixRequest{AddRequest: fixstore.AddRequest{Solution: "import json", Program: "python3"}})

	rec, err := f.engine.RecordFixUsage(ctx, fix.FixHash, false)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.UsageCount)
	assert.Equal(t, 1, rec.SuccessCount)

	byProgram, err := f.engine.SearchByProgram(ctx, "PYTHON3")
	require.NoError(t, err)
	require.Len(t, byProgram, 1)

	byKeyword, err := f.engine.SearchByKeywords(ctx, "json")
	require.NoError(t, err)
	require.Len(t, byKeyword, 1)

	n, err := f.engine.CleanupInvalidFixes(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.engine.RecordFixUsage(ctx, "missing", true)
	assert.ErrorIs(t, err, fixstore.ErrNotFound)
}
