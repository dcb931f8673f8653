package download

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/jgivc/ingramsync/internal/common"
	"github.com/jgivc/ingramsync/internal/config"
	"github.com/jgivc/ingramsync/internal/entity"
)

// Session is one authenticated feed connection. It supports a single
// in-flight transfer, so a session is owned by exactly one worker and
// closed before the worker moves on.
type Session interface {
	Download(ctx context.Context, remotePath, localPath string) error
	Close() error
}

// OpenSessionFunc hands out a fresh session per call. Every download
// attempt gets its own; sessions are never pooled or shared.
type OpenSessionFunc func(ctx context.Context) (Session, error)

// Dispatcher fans file transfers out across a fixed-size worker pool.
type Dispatcher struct {
	open    OpenSessionFunc
	workers int
	retry   config.RetryConfig
	log     *slog.Logger
}

func New(open OpenSessionFunc, workers int, retry config.RetryConfig, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		open:    open,
		workers: workers,
		retry:   retry,
		log:     log.With(slog.String("item", "DownloadDispatcher")),
	}
}

// DownloadAll transfers every item and returns one result per item, in no
// particular order. A failed item never disturbs its siblings; a cancelled
// context stops workers from starting new items.
func (d *Dispatcher) DownloadAll(ctx context.Context, items []entity.WorkItem) []entity.DownloadResult {
	if len(items) == 0 {
		return nil
	}

	in := make(chan entity.WorkItem, len(items))
	out := make(chan entity.DownloadResult, len(items))

	for _, item := range items {
		in <- item
	}
	close(in)

	workers := d.workers
	if workers > len(items) {
		workers = len(items)
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for n := 0; n < workers; n++ {
		go d.worker(ctx, n, in, out, &wg)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	results := make([]entity.DownloadResult, 0, len(items))
	for res := range out {
		results = append(results, res)
	}

	return results
}

func (d *Dispatcher) worker(ctx context.Context, n int, in chan entity.WorkItem, out chan entity.DownloadResult, wg *sync.WaitGroup) {
	defer wg.Done()

	log := d.log.With(slog.Int("worker_id", n))
	log.Debug("Started")

	for item := range in {
		select {
		case <-ctx.Done():
			log.Debug("Interrupted")

			return
		default:
		}

		err := d.downloadWithRetry(ctx, item)
		if err != nil {
			log.Error("Cannot download file", slog.String("remote_path", item.File.Path), slog.Any("error", err))
		} else {
			log.Info("Downloaded", slog.String("remote_path", item.File.Path), slog.String("local_path", item.LocalPath))
		}

		out <- entity.DownloadResult{Item: item, Err: err}
	}

	log.Debug("Done")
}

func (d *Dispatcher) downloadWithRetry(ctx context.Context, item entity.WorkItem) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(d.retry.Backoff.Std()),
			backoff.WithMaxInterval(d.retry.MaxBackoff.Std()),
		),
		uint64(d.retry.Attempts-1),
	), ctx)

	return backoff.Retry(func() error {
		err := d.downloadOnce(ctx, item)
		// Rejected credentials will not get better on retry.
		if errors.Is(err, common.ErrAuthFailed) {
			return backoff.Permanent(err)
		}

		return err
	}, bo)
}

// downloadOnce opens a fresh session for the item and closes it before
// returning, honoring the one-transfer-per-session constraint.
func (d *Dispatcher) downloadOnce(ctx context.Context, item entity.WorkItem) error {
	s, err := d.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	return s.Download(ctx, item.File.Path, item.LocalPath)
}
