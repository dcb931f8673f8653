package history

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jgivc/ingramsync/internal/common"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"
)

type runDocument struct {
	LastRun string `yaml:"last_run"`
}

// Repository persists the checkpoint of the most recent fully successful
// sync as a single YAML document at a well-known path.
type Repository struct {
	fs   afero.Fs
	path string
	log  *slog.Logger
}

func New(fs afero.Fs, path string, log *slog.Logger) *Repository {
	return &Repository{
		fs:   fs,
		path: path,
		log:  log.With(slog.String("item", "HistoryRepository")),
	}
}

// LastRun returns the persisted checkpoint. ok is false on the first ever
// run, when no checkpoint file exists yet; the caller then treats every
// remote file as new.
func (r *Repository) LastRun() (time.Time, bool, error) {
	exists, err := afero.Exists(r.fs, r.path)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("cannot stat %s: %w: %w", r.path, common.ErrPersistence, err)
	}
	if !exists {
		return time.Time{}, false, nil
	}

	data, err := afero.ReadFile(r.fs, r.path)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("cannot read %s: %w: %w", r.path, common.ErrPersistence, err)
	}

	var doc runDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return time.Time{}, false, fmt.Errorf("cannot parse %s: %w: %w", r.path, common.ErrPersistence, err)
	}

	t, err := time.Parse(time.RFC3339, doc.LastRun)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("bad timestamp in %s: %w: %w", r.path, common.ErrPersistence, err)
	}

	return t, true, nil
}

// RecordRun persists t as the new checkpoint. The write is atomic: bytes
// land in a temp file renamed into place, so a concurrent reader never sees
// a torn document. The checkpoint is monotonic; an earlier t than the one
// on disk is ignored.
func (r *Repository) RecordRun(t time.Time) error {
	prev, ok, err := r.LastRun()
	if err != nil {
		return err
	}
	if ok && t.Before(prev) {
		r.log.Warn("Refusing to move checkpoint backwards",
			slog.Time("stored", prev), slog.Time("proposed", t))

		return nil
	}

	if err := r.fs.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("cannot create history dir: %w: %w", common.ErrPersistence, err)
	}

	data, err := yaml.Marshal(runDocument{LastRun: t.UTC().Format(time.RFC3339)})
	if err != nil {
		return fmt.Errorf("cannot marshal history: %w: %w", common.ErrPersistence, err)
	}

	tmpPath := fmt.Sprintf("%s.%s", r.path, uuid.NewString())
	if err := afero.WriteFile(r.fs, tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("cannot write %s: %w: %w", tmpPath, common.ErrPersistence, err)
	}

	// Rename over the old document is atomic on a real filesystem; the
	// in-memory fs used in tests refuses it, so fall back to replace.
	if err := r.fs.Rename(tmpPath, r.path); err != nil {
		if rerr := r.fs.Remove(r.path); rerr != nil {
			_ = r.fs.Remove(tmpPath)

			return fmt.Errorf("cannot finalize %s: %w: %w", r.path, common.ErrPersistence, err)
		}
		if err := r.fs.Rename(tmpPath, r.path); err != nil {
			_ = r.fs.Remove(tmpPath)

			return fmt.Errorf("cannot finalize %s: %w: %w", r.path, common.ErrPersistence, err)
		}
	}

	r.log.Debug("Checkpoint written", slog.Time("last_run", t))

	return nil
}
