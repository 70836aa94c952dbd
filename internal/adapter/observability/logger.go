// Package observability provides logging, metrics and context helpers for
// the dispatch core.
package observability

import (
	"log/slog"
	"os"

	"github.com/cncaiprojem/jobcore/internal/config"
)

// SetupLogger builds the process-wide JSON logger. Dev runs log at debug
// with source locations; everything else stays at info.
func SetupLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.IsDev() {
		level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.IsDev(),
	})
	return slog.New(h).With(
		slog.String("service", cfg.ServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
