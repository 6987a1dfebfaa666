// Package logging provides structured logging with OpenTelemetry integration.
//
// Logger wraps Zap with:
//   - a Trace level (-2, below Debug)
//   - output to stderr, OpenTelemetry, or both
//   - context field injection (trace_id, span_id, user, request.id)
//   - key and value redaction of credentials
//   - per-level sampling (Error and above never sampled)
//
// Components take a plain *zap.Logger; the CLI builds a Logger and hands
// them Underlying().
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRequestID(ctx, uuid.NewString())
//	logger.Info(ctx, "command finished", zap.String("command", "search"))
//
// In tests, NewTestLogger records every entry for assertions:
//
//	tl := logging.NewTestLogger()
//	store, _ := fixstore.New(nil, kvs, clk, tl.Underlying())
//	tl.AssertLogged(t, zapcore.InfoLevel, "fix added")
package logging
