package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jgivc/ingramsync/internal/adapter/ftpadapter"
	"github.com/jgivc/ingramsync/internal/config"
	"github.com/jgivc/ingramsync/internal/entity"
	"github.com/jgivc/ingramsync/internal/repository/history"
	srvdownload "github.com/jgivc/ingramsync/internal/service/download"
	srvextract "github.com/jgivc/ingramsync/internal/service/extract"
	srvsync "github.com/jgivc/ingramsync/internal/service/sync"
	"github.com/jgivc/ingramsync/internal/storage/archive"
	"github.com/spf13/afero"
)

// Exit statuses. Downstream automation keys off these to decide whether a
// run needs attention.
const (
	ExitOK        = 0
	ExitFatal     = 1
	ExitBadConfig = 2
	ExitPartial   = 3
)

// Overrides are the CLI flags that take precedence over the config file.
type Overrides struct {
	Workers   int
	CoverSize string
}

type App struct {
	cfgPath   string
	overrides Overrides
}

func New(cfgPath string, overrides Overrides) *App {
	return &App{
		cfgPath:   cfgPath,
		overrides: overrides,
	}
}

// Run executes one sync and returns the process exit status.
func (a *App) Run(ctx context.Context) int {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ingramsync: %s\n", err)

		return ExitBadConfig
	}

	if a.overrides.Workers > 0 {
		cfg.Workers = a.overrides.Workers
	}
	if a.overrides.CoverSize != "" {
		cfg.Feed.CoverSize = a.overrides.CoverSize
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "ingramsync: invalid config: %s\n", err)

		return ExitBadConfig
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ingramsync: %s\n", err)

		return ExitBadConfig
	}

	svc := wire(cfg, log)

	report, err := svc.Run(ctx)
	if report != nil {
		printReport(report, log)
	}
	if err != nil {
		log.Error("Sync failed", slog.Any("error", err))

		return ExitFatal
	}
	if report.FailureCount() > 0 {
		return ExitPartial
	}

	return ExitOK
}

func wire(cfg *config.Config, log *slog.Logger) *srvsync.Service {
	fs := afero.NewOsFs()
	opener := ftpadapter.NewOpener(&cfg.FTP, log)

	hist := history.New(fs, cfg.HistoryFilePath(), log)
	store := archive.New(fs, cfg.ShardWidth, log)

	dispatcher := srvdownload.New(func(ctx context.Context) (srvdownload.Session, error) {
		return opener.Open(ctx)
	}, cfg.Workers, cfg.Retry, log)

	extractor := srvextract.New(store, cfg.Workers, log)

	return srvsync.New(cfg, func(ctx context.Context) (srvsync.Lister, error) {
		return opener.Open(ctx)
	}, dispatcher, store, extractor, hist, log)
}

func newLogger(level string) (*slog.Logger, error) {
	lo := &slog.HandlerOptions{}
	switch level {
	case config.LogLevelInfo:
		lo.Level = slog.LevelInfo
	case config.LogLevelWarn:
		lo.Level = slog.LevelWarn
	case config.LogLevelError:
		lo.Level = slog.LevelError
	case config.LogLevelDebug:
		lo.Level = slog.LevelDebug
	default:
		return nil, errors.New("unknown log level")
	}

	return slog.New(slog.NewTextHandler(os.Stderr, lo)), nil
}

// printReport writes the operator-facing summary to stdout and the failed
// items to the log.
func printReport(report *entity.RunReport, log *slog.Logger) {
	fmt.Printf("Run %s finished in %s\n", report.RunID, report.Duration().Round(time.Millisecond))
	for _, cat := range report.Categories {
		fmt.Printf("  %-14s listed: %d, new: %d, downloaded: %d, archives: %d, extracted: %d, skipped: %d, failed: %d\n",
			cat.Category, cat.Listed, cat.New, cat.Downloaded, cat.Archives,
			cat.Extracted, cat.Skipped, cat.FailedDownloads+cat.FailedExtracts)
	}

	if report.CheckpointWritten {
		fmt.Println("Checkpoint written.")
	} else {
		fmt.Println("Checkpoint NOT written.")
	}

	for _, item := range report.Failures {
		log.Warn("Failed item", slog.String("category", item.Category.String()),
			slog.String("stage", item.Stage), slog.String("path", item.Path), slog.String("error", item.Err))
	}
}
