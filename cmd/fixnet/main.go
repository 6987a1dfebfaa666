// Command fixnet records fixes for recurring errors, ranks them by community
// consensus and vets them for spam and unsafe commands.
//
// Every subcommand opens the configured store, runs one engine operation,
// prints the result as JSON on stdout and exits. Logs go to stderr.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/fixnet/internal/clock"
	"github.com/fyrsmithlabs/fixnet/internal/config"
	"github.com/fyrsmithlabs/fixnet/internal/engine"
	"github.com/fyrsmithlabs/fixnet/internal/identity"
	"github.com/fyrsmithlabs/fixnet/internal/kv"
	"github.com/fyrsmithlabs/fixnet/internal/logging"
	"github.com/fyrsmithlabs/fixnet/internal/remote"
	"github.com/fyrsmithlabs/fixnet/internal/telemetry"
)

// version is set at build time.
var version = "dev"

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(reportError(os.Stderr, err))
	}
}

// reportError prints err for the user and returns the exit code. Store
// contention and I/O faults are marked retryable.
func reportError(w io.Writer, err error) int {
	if kv.IsRetryable(err) {
		fmt.Fprintf(w, "error: %v (retryable)\n", err)
	} else {
		fmt.Fprintf(w, "error: %v\n", err)
	}
	return 1
}

// errUserRequired is returned by commands that attribute an action.
var errUserRequired = errors.New("user is required (set --user or identity.user_id)")

// app holds the flags and the per-invocation state of one command run.
type app struct {
	configPath string
	userID     string

	out    io.Writer
	errOut io.Writer

	cfg    *config.Config
	logger *logging.Logger
	tel    *telemetry.Telemetry
	store  kv.Store
	ids    identity.Provider
	engine *engine.Engine
	cancel context.CancelFunc
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "fixnet",
		Short: "Collaborative fix knowledge for recurring errors",
		Long: `fixnet stores fixes for error messages, merges duplicates, ranks candidates
by community consensus and guards against spam and destructive commands.

Configuration is read from ~/.config/fixnet/config.yaml and FIXNET_*
environment variables.

Examples:
  # Record a fix
  fixnet add --user octocat --error "ModuleNotFoundError: No module named 'numpy'" \
    --solution "pip install numpy" --keyword numpy --keyword pip

  # Find the best fix for an error
  fixnet best "ModuleNotFoundError: No module named 'numpy'"`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default ~/.config/fixnet/config.yaml)")
	root.PersistentFlags().StringVar(&a.userID, "user", "", "acting user id (overrides identity.user_id)")

	root.AddCommand(
		a.addCmd(), a.searchCmd(), a.keywordsCmd(), a.programCmd(), a.bestCmd(),
		a.usageCmd(), a.showCmd(), a.cleanupCmd(),
		a.branchCmd(), a.versionCmd(),
		a.voteCmd(), a.votesCmd(), a.reportSpamCmd(), a.safeCmd(), a.checkCmd(),
		a.consensusCmd(), a.reputationCmd(),
		a.abCmd(), a.clusterCmd(),
	)
	return root
}

// action wraps fn with opening and closing the engine.
func (a *app) action(fn func(ctx context.Context, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, err := a.open(cmd.Context())
		if err != nil {
			return err
		}
		ctx = logging.WithOperation(ctx, cmd.CommandPath())
		start := time.Now()
		runErr := fn(ctx, args)

		fields := []zap.Field{zap.Duration("duration", time.Since(start))}
		if runErr != nil {
			a.logger.Warn(ctx, "command failed", append(fields, zap.Error(runErr))...)
		} else {
			a.logger.Debug(ctx, "command finished", fields...)
		}
		return errors.Join(runErr, a.close(ctx))
	}
}

// open loads configuration and builds the engine for one command.
func (a *app) open(parent context.Context) (context.Context, error) {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := config.LoadWithFile(a.configPath)
	if err != nil {
		return nil, err
	}
	if a.userID != "" {
		cfg.Identity.UserID = a.userID
	}
	a.cfg = cfg

	lc, err := cfg.LoggerConfig()
	if err != nil {
		return nil, err
	}
	lc.Output.Stderr = false
	lc.Output.Writer = zapcore.AddSync(a.errOut)
	logger, err := logging.NewLogger(lc, global.GetLoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	a.logger = logger

	ctx, cancel := context.WithCancel(parent)
	a.cancel = cancel

	tel, err := telemetry.New(ctx, cfg.TelemetryOptions(version), logger.Named("telemetry").Underlying())
	if err != nil {
		return nil, errors.Join(err, a.close(ctx))
	}
	a.tel = tel

	store, err := a.openStore()
	if err != nil {
		return nil, errors.Join(err, a.close(ctx))
	}
	a.store = store

	ids, err := identity.NewPatternProvider(cfg.Identity.VoterPattern, cfg.Identity.Labels)
	if err != nil {
		return nil, errors.Join(err, a.close(ctx))
	}
	a.ids = ids

	source, err := a.openSource(ctx)
	if err != nil {
		return nil, errors.Join(err, a.close(ctx))
	}

	ec, err := cfg.EngineConfig()
	if err != nil {
		return nil, errors.Join(err, a.close(ctx))
	}
	eng, err := engine.Open(ec, store, source, ids, clock.System{}, logger.Underlying())
	if err != nil {
		return nil, errors.Join(err, a.close(ctx))
	}
	a.engine = eng

	ctx = logging.WithRequestID(ctx, uuid.NewString())
	if cfg.Identity.UserID != "" {
		ctx = logging.WithUser(ctx, ids.Label(cfg.Identity.UserID))
	}
	return logging.WithLogger(ctx, logger), nil
}

func (a *app) openStore() (kv.Store, error) {
	timeout := a.cfg.Store.LockTimeout.Duration()
	if a.cfg.Store.Backend == config.BackendMemory {
		return kv.NewMemoryStore(timeout), nil
	}
	path := config.ExpandHome(a.cfg.Store.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return kv.OpenSQLite(path, timeout, a.logger.Named("kv").Underlying())
}

func (a *app) openSource(ctx context.Context) (remote.Source, error) {
	own := a.cfg.Identity.UserID
	if a.cfg.Remote.RecordsFile == "" {
		return remote.NewStaticSource(own), nil
	}
	src := remote.NewFileSource(config.ExpandHome(a.cfg.Remote.RecordsFile), own, a.logger.Named("remote").Underlying())
	if a.cfg.Remote.Watch {
		if err := src.Watch(ctx); err != nil {
			return nil, err
		}
	}
	return src, nil
}

// close releases everything open opened and writes the metrics textfile.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if path := a.cfg.Telemetry.MetricsFile; path != "" {
		if err := prometheus.WriteToTextfile(config.ExpandHome(path), prometheus.DefaultGatherer); err != nil {
			errs = append(errs, fmt.Errorf("writing metrics file: %w", err))
		}
	}
	if a.tel != nil {
		if err := a.tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
		a.store = nil
	}
	if a.cancel != nil {
		a.cancel()
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

// user returns the acting user or errUserRequired.
func (a *app) user() (string, error) {
	if a.cfg.Identity.UserID == "" {
		return "", errUserRequired
	}
	return a.cfg.Identity.UserID, nil
}

// printJSON writes v as indented JSON.
func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
