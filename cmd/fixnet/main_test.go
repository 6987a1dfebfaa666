package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/fixnet/internal/kv"
	"github.com/fyrsmithlabs/fixnet/internal/reputation"
)

// setupCLI points the CLI at a throwaway home and database.
func setupCLI(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("FIXNET_STORE_PATH", filepath.Join(home, "fixnet.db"))
	t.Setenv("FIXNET_FRAUD_DISABLE_SECRET_SCAN", "true")
	t.Setenv("FIXNET_LOGGING_LEVEL", "debug")
	return home
}

// run executes one CLI invocation and returns stdout and stderr.
func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func runJSON(t *testing.T, v any, args ...string) {
	t.Helper()
	out, stderr, err := run(t, args...)
	require.NoError(t, err, "stderr: %s", stderr)
	require.NoError(t, json.Unmarshal([]byte(out), v), "stdout: %s", out)
}

const numpyErr = "ModuleNotFoundError: No module named 'numpy'"

func addNumpyFix(t *testing.T, user, solution string) string {
	t.Helper()
	var res struct {
		FixHash string `json:"fix_hash"`
		Merged  bool   `json:"merged"`
	}
	runJSON(t, &res, "add", "--user", user,
		"--error", numpyErr, "--type", "ModuleNotFoundError",
		"--solution", solution, "--keyword", "numpy", "--keyword", "pip",
		"--program", "python")
	require.NotEmpty(t, res.FixHash)
	return res.FixHash
}

func TestCLI_AddSearchShowUsage(t *testing.T) {
	setupCLI(t)

	hash := addNumpyFix(t, "octocat", "pip install numpy")

	var matches []struct {
		Fix struct {
			FixHash string `json:"fix_hash"`
		} `json:"fix"`
		Relevance float64 `json:"relevance"`
	}
	runJSON(t, &matches, "search", numpyErr)
	require.NotEmpty(t, matches)
	assert.Equal(t, hash, matches[0].Fix.FixHash)
	assert.Greater(t, matches[0].Relevance, 0.0)

	var fix struct {
		FixHash    string   `json:"fix_hash"`
		AuthorID   string   `json:"author_id"`
		Keywords   []string `json:"keywords"`
		UsageCount int      `json:"usage_count"`
	}
	runJSON(t, &fix, "show", hash)
	assert.Equal(t, "octocat", fix.AuthorID)
	assert.Equal(t, []string{"numpy", "pip"}, fix.Keywords)

	runJSON(t, &fix, "usage", hash)
	assert.Equal(t, 1, fix.UsageCount)

	var byProgram []struct {
		FixHash string `json:"fix_hash"`
	}
	runJSON(t, &byProgram, "program", "python")
	require.Len(t, byProgram, 1)
	assert.Equal(t, hash, byProgram[0].FixHash)
}

func TestCLI_SearchMinRelevanceFlag(t *testing.T) {
	setupCLI(t)
	addNumpyFix(t, "octocat", "pip install numpy")

	var matches []struct {
		Relevance float64 `json:"relevance"`
	}
	const pandasErr = "ModuleNotFoundError: No module named 'pandas'"
	runJSON(t, &matches, "search", pandasErr)
	require.Len(t, matches, 1)
	assert.Less(t, matches[0].Relevance, 0.95)

	matches = nil
	runJSON(t, &matches, "search", pandasErr, "--min-relevance", "0.95")
	assert.Empty(t, matches)
}

func TestCLI_AddRequiresFlags(t *testing.T) {
	setupCLI(t)

	_, _, err := run(t, "add", "--user", "octocat", "--solution", "pip install numpy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error")
}

func TestCLI_AddRequiresUser(t *testing.T) {
	setupCLI(t)

	_, _, err := run(t, "add", "--error", numpyErr, "--solution", "pip install numpy", "--keyword", "numpy")
	require.ErrorIs(t, err, errUserRequired)
}

func TestCLI_Votes(t *testing.T) {
	setupCLI(t)
	hash := addNumpyFix(t, "octocat", "pip install numpy")

	_, _, err := run(t, "vote", hash)
	require.ErrorIs(t, err, errUserRequired)

	var vote struct {
		Seq uint64 `json:"seq"`
	}
	runJSON(t, &vote, "vote", hash, "--user", "hubot")
	assert.NotZero(t, vote.Seq)

	_, _, err = run(t, "vote", hash, "--user", "hubot", "--failed")
	require.ErrorIs(t, err, reputation.ErrDuplicateVote)

	var rep struct {
		UserID string `json:"user_id"`
	}
	runJSON(t, &rep, "reputation", "show", "octocat")
	assert.Equal(t, "octocat", rep.UserID)
}

func TestCLI_ABTestFlow(t *testing.T) {
	setupCLI(t)
	t.Setenv("FIXNET_ABTEST_MIN_SAMPLES", "1")

	a := addNumpyFix(t, "octocat", "pip install numpy")
	b := addNumpyFix(t, "hubot", "conda install -c conda-forge numpy scipy pandas")
	require.NotEqual(t, a, b)

	var created struct {
		TestID string `json:"test_id"`
	}
	runJSON(t, &created, "ab", "create", numpyErr, a, b, "--days", "3")
	require.NotEmpty(t, created.TestID)

	var variant struct {
		FixHash string `json:"fix_hash"`
	}
	runJSON(t, &variant, "ab", "variant", numpyErr)
	assert.Contains(t, []string{a, b}, variant.FixHash)

	var test struct {
		Status string `json:"status"`
		Winner string `json:"winner"`
	}
	runJSON(t, &test, "ab", "record", numpyErr, a)
	runJSON(t, &test, "ab", "record", numpyErr, b, "--failed")
	runJSON(t, &test, "ab", "finalize", created.TestID)
	assert.Equal(t, "completed", test.Status)
	assert.Equal(t, "a", test.Winner)
}

func TestCLI_MetricsFile(t *testing.T) {
	home := setupCLI(t)
	metrics := filepath.Join(home, "fixnet.prom")
	t.Setenv("FIXNET_TELEMETRY_METRICS_FILE", metrics)

	addNumpyFix(t, "octocat", "pip install numpy")

	data, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(data), "fixnet_kv_updates_total")
}

func TestCLI_LogsGoToStderr(t *testing.T) {
	setupCLI(t)

	out, stderr, err := run(t, "cleanup")
	require.NoError(t, err)
	assert.JSONEq(t, `{"removed":0}`, out)
	assert.Contains(t, stderr, "command finished")
	assert.Contains(t, stderr, `"operation":"fixnet cleanup"`)
	assert.Contains(t, stderr, `"service":"fixnet"`)
}

func TestReportError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"plain", fmt.Errorf("boom"), "error: boom\n"},
		{"busy store", fmt.Errorf("loading votes: %w", kv.ErrStoreBusy), "(retryable)\n"},
		{"unavailable store", kv.ErrStoreUnavailable, "(retryable)\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			assert.Equal(t, 1, reportError(&buf, tt.err))
			assert.Contains(t, buf.String(), tt.want)
		})
	}
}
