// Package observability provides logging, metrics, and tracing for the
// orchestrator core.
package observability

import (
	"log/slog"
	"os"
)

// SetupLogger configures a JSON slog logger with service fields and installs
// it as the default.
func SetupLogger(service, env string) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if env == "dev" {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", service),
		slog.String("env", env),
	)
	slog.SetDefault(logger)
	return logger
}
