package extract

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jgivc/ingramsync/internal/entity"
)

// ArchiveStore unpacks a single archive into the staged layout.
type ArchiveStore interface {
	ExtractFlat(archivePath, destDir string) (entity.ExtractStats, error)
	ExtractSharded(archivePath, destDir string) (entity.ExtractStats, error)
	EnsureShardDirs(destDir string) error
}

// Service extracts batches of independent archives across a fixed-size
// worker pool.
type Service struct {
	store   ArchiveStore
	workers int
	log     *slog.Logger
}

func New(store ArchiveStore, workers int, log *slog.Logger) *Service {
	return &Service{
		store:   store,
		workers: workers,
		log:     log.With(slog.String("item", "ExtractService")),
	}
}

// ExtractAll unpacks every target and returns one result per target, in no
// particular order. Shard directories for every sharded destination are
// created before any worker starts, so workers never race on mkdir. A
// corrupt archive fails only its own result.
func (s *Service) ExtractAll(ctx context.Context, targets []entity.ExtractionTarget) []entity.ExtractResult {
	if len(targets) == 0 {
		return nil
	}

	if err := s.prepareShardDirs(targets); err != nil {
		results := make([]entity.ExtractResult, 0, len(targets))
		for _, target := range targets {
			results = append(results, entity.ExtractResult{Target: target, Err: err})
		}

		return results
	}

	in := make(chan entity.ExtractionTarget, len(targets))
	out := make(chan entity.ExtractResult, len(targets))

	for _, target := range targets {
		in <- target
	}
	close(in)

	workers := s.workers
	if workers > len(targets) {
		workers = len(targets)
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for n := 0; n < workers; n++ {
		go s.worker(ctx, n, in, out, &wg)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	results := make([]entity.ExtractResult, 0, len(targets))
	for res := range out {
		results = append(results, res)
	}

	return results
}

func (s *Service) prepareShardDirs(targets []entity.ExtractionTarget) error {
	seen := make(map[string]struct{})
	for _, target := range targets {
		if target.Strategy != entity.ShardTrailingDigits {
			continue
		}
		if _, ok := seen[target.DestDir]; ok {
			continue
		}
		seen[target.DestDir] = struct{}{}

		if err := s.store.EnsureShardDirs(target.DestDir); err != nil {
			return fmt.Errorf("cannot prepare shard dirs under %s: %w", target.DestDir, err)
		}
	}

	return nil
}

func (s *Service) worker(ctx context.Context, n int, in chan entity.ExtractionTarget, out chan entity.ExtractResult, wg *sync.WaitGroup) {
	defer wg.Done()

	log := s.log.With(slog.Int("worker_id", n))
	log.Debug("Started")

	for target := range in {
		select {
		case <-ctx.Done():
			log.Debug("Interrupted")

			return
		default:
		}

		var stats entity.ExtractStats
		var err error
		switch target.Strategy {
		case entity.ShardTrailingDigits:
			stats, err = s.store.ExtractSharded(target.ArchivePath, target.DestDir)
		default:
			stats, err = s.store.ExtractFlat(target.ArchivePath, target.DestDir)
		}

		if err != nil {
			log.Error("Cannot extract archive", slog.String("archive", target.ArchivePath), slog.Any("error", err))
		} else {
			log.Info("Extracted", slog.String("archive", target.ArchivePath),
				slog.Int("extracted", stats.Extracted), slog.Int("skipped", stats.Skipped))
		}

		out <- entity.ExtractResult{Target: target, Stats: stats, Err: err}
	}

	log.Debug("Done")
}
