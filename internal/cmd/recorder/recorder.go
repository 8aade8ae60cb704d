// Package recorder parses recorder command flags and launches the recorder server.
package recorder

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/streamkit/giftledger/internal/platform/cmd"
	recorderapp "github.com/streamkit/giftledger/internal/recorder/app"
)

// Config holds recorder command configuration.
type Config struct {
	HTTPAddr          string        `env:"GIFTLEDGER_RECORDER_HTTP_ADDR" envDefault:":8080"`
	DBPath            string        `env:"GIFTLEDGER_RECORDER_DB_PATH" envDefault:"data/sessions.db"`
	HistoryLimit      int           `env:"GIFTLEDGER_RECORDER_HISTORY_LIMIT" envDefault:"10"`
	ReadHeaderTimeout time.Duration `env:"GIFTLEDGER_RECORDER_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout   time.Duration `env:"GIFTLEDGER_RECORDER_SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The recorder HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The session SQLite database path")
	fs.IntVar(&cfg.HistoryLimit, "history-limit", cfg.HistoryLimit, "Default closed-session history page size")
	fs.DurationVar(&cfg.ReadHeaderTimeout, "read-header-timeout", cfg.ReadHeaderTimeout, "HTTP read header timeout")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Graceful shutdown timeout")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the recorder server.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRecorder, func(ctx context.Context) error {
		return recorderapp.Run(ctx, recorderapp.Config{
			HTTPAddr:          cfg.HTTPAddr,
			DBPath:            cfg.DBPath,
			HistoryLimit:      cfg.HistoryLimit,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			ShutdownTimeout:   cfg.ShutdownTimeout,
		})
	})
}
