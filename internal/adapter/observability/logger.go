// Package observability wires logging and process metrics.
package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/moneyclaw/moneyclaw/internal/config"
)

// SetupLogger configures a JSON slog logger with service fields. When a
// log file path is given the stream is mirrored there; journald picks up
// stdout when the runtime is installed as a service.
func SetupLogger(cfg config.Config, logPath string) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	var w io.Writer = os.Stdout
	if logPath != "" {
		if f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
			w = io.MultiWriter(os.Stdout, f)
		}
	}
	h := slog.NewJSONHandler(w, opts)
	logger := slog.New(h).With(
		slog.String("service", "automaton"),
		slog.String("env", cfg.AppEnv),
	)
	slog.SetDefault(logger)
	return logger
}
