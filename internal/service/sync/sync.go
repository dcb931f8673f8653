package sync

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jgivc/ingramsync/internal/common"
	"github.com/jgivc/ingramsync/internal/config"
	"github.com/jgivc/ingramsync/internal/entity"
)

const zipPattern = "*.zip"

// Lister is the discovery slice of a feed session.
type Lister interface {
	List(category entity.Category, dir, pattern string) ([]entity.RemoteFile, error)
	Close() error
}

// OpenListerFunc opens the single session used for discovery.
type OpenListerFunc func(ctx context.Context) (Lister, error)

type Downloader interface {
	DownloadAll(ctx context.Context, items []entity.WorkItem) []entity.DownloadResult
}

type Extractor interface {
	ExtractAll(ctx context.Context, targets []entity.ExtractionTarget) []entity.ExtractResult
}

type ArchiveFinder interface {
	FindArchives(dir string) ([]string, error)
}

type HistoryRepository interface {
	LastRun() (time.Time, bool, error)
	RecordRun(t time.Time) error
}

// Service sequences discovery, filtering, download and extraction across
// the enabled feed categories and commits the run checkpoint at the end.
type Service struct {
	running    atomic.Bool
	cfg        *config.Config
	openLister OpenListerFunc
	downloader Downloader
	finder     ArchiveFinder
	extractor  Extractor
	history    HistoryRepository
	log        *slog.Logger
}

func New(cfg *config.Config, openLister OpenListerFunc, downloader Downloader, finder ArchiveFinder, extractor Extractor, history HistoryRepository, log *slog.Logger) *Service {
	return &Service{
		cfg:        cfg,
		openLister: openLister,
		downloader: downloader,
		finder:     finder,
		extractor:  extractor,
		history:    history,
		log:        log.With(slog.String("item", "SyncService")),
	}
}

// Run executes one full sync. Fatal errors (discovery, checkpoint
// persistence) abort the run and leave the history untouched; per-file
// failures are collected into the report. The returned report is valid
// even when err is non-nil.
func (s *Service) Run(ctx context.Context) (*entity.RunReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, common.ErrSyncProcessHasAlreadyStarted
	}
	defer s.running.Store(false)

	report := &entity.RunReport{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}
	defer func() {
		report.FinishedAt = time.Now()
	}()

	log := s.log.With(slog.String("run_id", report.RunID))

	lastRun, haveCheckpoint, err := s.history.LastRun()
	if err != nil {
		return report, fmt.Errorf("cannot read run history: %w", err)
	}
	if haveCheckpoint {
		log.Info("Starting sync", slog.Time("last_run", lastRun))
	} else {
		log.Info("Starting first ever sync")
	}

	categories, err := s.cfg.Categories()
	if err != nil {
		return report, err
	}

	listings, err := s.discover(ctx, categories, log)
	if err != nil {
		return report, err
	}

	for _, category := range categories {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		catReport := s.syncCategory(ctx, category, listings[category], lastRun, haveCheckpoint, report, log)
		report.Categories = append(report.Categories, catReport)
	}

	if err := ctx.Err(); err != nil {
		return report, err
	}

	if report.FailureCount() > 0 && !s.cfg.AllowPartialCheckpoint {
		log.Warn("Checkpoint withheld, failed files will be re-attempted next run",
			slog.Int("failures", report.FailureCount()))

		return report, nil
	}

	if err := s.history.RecordRun(report.StartedAt); err != nil {
		return report, fmt.Errorf("cannot record run: %w", err)
	}
	report.CheckpointWritten = true

	log.Info("Sync finished", slog.Duration("duration", report.Duration()),
		slog.Int("failures", report.FailureCount()))

	return report, nil
}

// discover lists every enabled category over one session. A listing
// failure here is connection-level and fatal: without a complete picture
// of the feed the run cannot safely checkpoint.
func (s *Service) discover(ctx context.Context, categories []entity.Category, log *slog.Logger) (map[entity.Category][]entity.RemoteFile, error) {
	lister, err := s.openLister(ctx)
	if err != nil {
		return nil, err
	}
	defer lister.Close()

	listings := make(map[entity.Category][]entity.RemoteFile, len(categories))
	for _, category := range categories {
		files, err := lister.List(category, s.remoteDir(category), s.listPattern(category))
		if err != nil {
			return nil, fmt.Errorf("cannot discover %s: %w", category, err)
		}

		log.Info("Discovered", slog.String("category", category.String()), slog.Int("files", len(files)))
		listings[category] = files
	}

	return listings, nil
}

func (s *Service) syncCategory(ctx context.Context, category entity.Category, listing []entity.RemoteFile, lastRun time.Time, haveCheckpoint bool, report *entity.RunReport, log *slog.Logger) entity.CategoryReport {
	catReport := entity.CategoryReport{
		Category: category,
		Listed:   len(listing),
	}

	var items []entity.WorkItem
	for _, f := range listing {
		// The boundary is exclusive: a file stamped exactly at the
		// checkpoint was already delivered by the previous run.
		if haveCheckpoint && !f.ModifiedAt.After(lastRun) {
			continue
		}

		items = append(items, entity.NewWorkItem(f, s.cfg.DownloadDir))
	}
	catReport.New = len(items)

	log.Info("Category scheduled", slog.String("category", category.String()),
		slog.Int("listed", catReport.Listed), slog.Int("new", catReport.New))

	for _, res := range s.downloader.DownloadAll(ctx, items) {
		if res.Err != nil {
			catReport.FailedDownloads++
			report.Failures = append(report.Failures, entity.FailedItem{
				Category: category,
				Stage:    entity.StageDownload,
				Path:     res.Item.File.Path,
				Err:      res.Err.Error(),
			})

			continue
		}

		catReport.Downloaded++
	}

	archives, err := s.finder.FindArchives(s.categoryDownloadDir(category))
	if err != nil {
		log.Error("Cannot find archives", slog.String("category", category.String()), slog.Any("error", err))
		report.Failures = append(report.Failures, entity.FailedItem{
			Category: category,
			Stage:    entity.StageExtract,
			Path:     s.categoryDownloadDir(category),
			Err:      err.Error(),
		})

		return catReport
	}
	catReport.Archives = len(archives)

	targets := make([]entity.ExtractionTarget, 0, len(archives))
	for _, archive := range archives {
		targets = append(targets, s.extractionTarget(category, archive))
	}

	for _, res := range s.extractor.ExtractAll(ctx, targets) {
		if res.Err != nil {
			catReport.FailedExtracts++
			report.Failures = append(report.Failures, entity.FailedItem{
				Category: category,
				Stage:    entity.StageExtract,
				Path:     res.Target.ArchivePath,
				Err:      res.Err.Error(),
			})

			continue
		}

		catReport.Extracted += res.Stats.Extracted
		catReport.Skipped += res.Stats.Skipped
	}

	return catReport
}

func (s *Service) remoteDir(category entity.Category) string {
	switch category {
	case entity.CategoryCover:
		return path.Join(s.cfg.Feed.CoverDir, s.cfg.Feed.CoverSize)
	case entity.CategoryOnix:
		return s.cfg.Feed.OnixDir
	case entity.CategoryOnixBacklist:
		return s.cfg.Feed.BacklistDir
	default:
		return s.cfg.Feed.ReferenceDir
	}
}

// listPattern keeps discovery to archives for the bulk feeds; the
// reference dir also publishes loose companion files, so it is listed
// unfiltered and only its zips go through extraction.
func (s *Service) listPattern(category entity.Category) string {
	if category == entity.CategoryReference {
		return ""
	}

	return zipPattern
}

func (s *Service) categoryDownloadDir(category entity.Category) string {
	return filepath.Join(s.cfg.DownloadDir, filepath.FromSlash(s.remoteDir(category)))
}

// extractionTarget computes where an archive unpacks to. Covers shard by
// trailing identifier digits under the image tree; everything else
// extracts flat, mirroring the archive's position under the download dir.
func (s *Service) extractionTarget(category entity.Category, archivePath string) entity.ExtractionTarget {
	target := entity.ExtractionTarget{
		ArchivePath: archivePath,
		Category:    category,
	}

	if category == entity.CategoryCover {
		target.DestDir = filepath.Join(s.cfg.WorkingDir, s.cfg.Feed.CoverDir, s.cfg.Feed.CoverSize)
		target.Strategy = entity.ShardTrailingDigits

		return target
	}

	rel, err := filepath.Rel(s.cfg.DownloadDir, filepath.Dir(archivePath))
	if err != nil {
		rel = filepath.FromSlash(s.remoteDir(category))
	}

	target.DestDir = filepath.Join(s.cfg.WorkingDir, rel)
	target.Strategy = entity.ShardNone

	return target
}
