package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jgivc/ingramsync/internal/common"
	"github.com/jgivc/ingramsync/internal/config"
	"github.com/jgivc/ingramsync/internal/entity"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func testRetry() config.RetryConfig {
	return config.RetryConfig{
		Attempts:   3,
		Backoff:    config.Duration(time.Millisecond),
		MaxBackoff: config.Duration(5 * time.Millisecond),
	}
}

// fakeSession records transfers and guards the one-transfer-per-session
// rule: a concurrent second Download on the same instance fails the test.
type fakeSession struct {
	mu         sync.Mutex
	inUse      bool
	closed     bool
	failWith   error
	onDownload func(remotePath string)
	t          *testing.T
}

func (s *fakeSession) Download(ctx context.Context, remotePath, localPath string) error {
	s.mu.Lock()
	require.False(s.t, s.inUse, "session shared across concurrent transfers")
	require.False(s.t, s.closed, "download on closed session")
	s.inUse = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inUse = false
		s.mu.Unlock()
	}()

	if s.onDownload != nil {
		s.onDownload(remotePath)
	}

	return s.failWith
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true

	return nil
}

func items(n int) []entity.WorkItem {
	out := make([]entity.WorkItem, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, entity.NewWorkItem(entity.RemoteFile{
			Path:     fmt.Sprintf("ONIX/delta%d.zip", i),
			Category: entity.CategoryOnix,
		}, "/download"))
	}

	return out
}

func TestDownloadAllSuccess(t *testing.T) {
	var opened atomic.Int32
	open := func(ctx context.Context) (Session, error) {
		opened.Add(1)

		return &fakeSession{t: t}, nil
	}

	d := New(open, 4, testRetry(), testLogger())

	results := d.DownloadAll(context.Background(), items(10))
	require.Len(t, results, 10)
	for _, res := range results {
		require.NoError(t, res.Err)
	}

	// One fresh session per item, none reused.
	require.Equal(t, int32(10), opened.Load())
}

func TestDownloadAllEmpty(t *testing.T) {
	d := New(nil, 4, testRetry(), testLogger())
	require.Empty(t, d.DownloadAll(context.Background(), nil))
}

func TestFailedItemDoesNotDisturbSiblings(t *testing.T) {
	failing := "ONIX/delta3.zip"
	openSelective := func(ctx context.Context) (Session, error) {
		s := &fakeSession{t: t}
		s.onDownload = func(remotePath string) {
			if remotePath == failing {
				s.failWith = fmt.Errorf("%w: connection reset", common.ErrTransfer)
			} else {
				s.failWith = nil
			}
		}

		return s, nil
	}

	d := New(openSelective, 4, testRetry(), testLogger())

	results := d.DownloadAll(context.Background(), items(8))
	require.Len(t, results, 8)

	var failed, succeeded int
	for _, res := range results {
		if res.Err != nil {
			failed++
			require.Equal(t, failing, res.Item.File.Path)
		} else {
			succeeded++
		}
	}
	require.Equal(t, 1, failed)
	require.Equal(t, 7, succeeded)
}

func TestRetryOpensFreshSessionPerAttempt(t *testing.T) {
	var opened atomic.Int32
	open := func(ctx context.Context) (Session, error) {
		n := opened.Add(1)
		s := &fakeSession{t: t}
		if n < 3 {
			s.failWith = fmt.Errorf("%w: flaky", common.ErrTransfer)
		}

		return s, nil
	}

	d := New(open, 1, testRetry(), testLogger())

	results := d.DownloadAll(context.Background(), items(1))
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.Equal(t, int32(3), opened.Load())
}

func TestRetryGivesUpAfterConfiguredAttempts(t *testing.T) {
	var opened atomic.Int32
	open := func(ctx context.Context) (Session, error) {
		opened.Add(1)

		return &fakeSession{t: t, failWith: fmt.Errorf("%w: down", common.ErrTransfer)}, nil
	}

	d := New(open, 1, testRetry(), testLogger())

	results := d.DownloadAll(context.Background(), items(1))
	require.Len(t, results, 1)
	require.ErrorIs(t, results[0].Err, common.ErrTransfer)
	require.Equal(t, int32(3), opened.Load())
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	var opened atomic.Int32
	open := func(ctx context.Context) (Session, error) {
		opened.Add(1)

		return nil, fmt.Errorf("%w: bad password", common.ErrAuthFailed)
	}

	d := New(open, 1, testRetry(), testLogger())

	results := d.DownloadAll(context.Background(), items(1))
	require.Len(t, results, 1)
	require.ErrorIs(t, results[0].Err, common.ErrAuthFailed)
	require.Equal(t, int32(1), opened.Load())
}

func TestCancelledContextStopsNewItems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var started atomic.Int32
	open := func(ctx context.Context) (Session, error) {
		started.Add(1)
		cancel()

		return &fakeSession{t: t}, nil
	}

	d := New(open, 1, testRetry(), testLogger())

	results := d.DownloadAll(ctx, items(5))
	// The single worker starts at most one item after cancellation.
	require.Less(t, len(results), 5)
	require.LessOrEqual(t, started.Load(), int32(1))
}

func TestLocalPathIsDeterministic(t *testing.T) {
	f := entity.RemoteFile{Path: "ONIX/DELTA/update.zip", Category: entity.CategoryOnix}

	a := entity.NewWorkItem(f, "/download")
	b := entity.NewWorkItem(f, "/download")
	require.Equal(t, a.LocalPath, b.LocalPath)
	require.Equal(t, "/download/ONIX/DELTA/update.zip", a.LocalPath)
}

func TestSessionAlwaysClosed(t *testing.T) {
	var sessions []*fakeSession
	var mu sync.Mutex

	open := func(ctx context.Context) (Session, error) {
		s := &fakeSession{t: t, failWith: errors.New("boom")}
		mu.Lock()
		sessions = append(sessions, s)
		mu.Unlock()

		return s, nil
	}

	d := New(open, 2, testRetry(), testLogger())
	d.DownloadAll(context.Background(), items(4))

	for _, s := range sessions {
		require.True(t, s.closed)
	}
}
