package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jgivc/ingramsync/internal/common"
	"github.com/jgivc/ingramsync/internal/entity"
	"github.com/spf13/afero"
)

const zipExt = ".zip"

// Store unpacks downloaded zip archives into the staged directory layout
// downstream ingestion reads from.
type Store struct {
	fs         afero.Fs
	shardWidth int
	log        *slog.Logger
}

func New(fs afero.Fs, shardWidth int, log *slog.Logger) *Store {
	return &Store{
		fs:         fs,
		shardWidth: shardWidth,
		log:        log.With(slog.String("item", "ArchiveStore")),
	}
}

// FindArchives walks dir recursively and returns every zip archive below
// it. Extraction input is everything present, not only this run's
// downloads, so a rerun finishes what a partial run left behind.
func (s *Store) FindArchives(dir string) ([]string, error) {
	exists, err := afero.DirExists(s.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("cannot stat %s: %w", dir, err)
	}
	if !exists {
		return nil, nil
	}

	var archives []string
	err = afero.Walk(s.fs, dir, func(path string, info os.FileInfo, errIn error) error {
		if errIn != nil {
			return errIn
		}
		if !info.IsDir() && strings.EqualFold(filepath.Ext(path), zipExt) {
			archives = append(archives, path)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cannot walk %s: %w", dir, err)
	}

	return archives, nil
}

// ExtractFlat unpacks every entry of the archive under destDir, preserving
// the entry's archive-internal relative path. Entries already present at
// their destination are skipped, which makes reruns cheap and idempotent.
func (s *Store) ExtractFlat(archivePath, destDir string) (entity.ExtractStats, error) {
	return s.extract(archivePath, destDir, func(name string) (string, error) {
		return secureJoin(destDir, name)
	})
}

// ExtractSharded unpacks cover images bucketed by the trailing shardWidth
// characters of each entry's stem, so no single directory accumulates
// hundreds of thousands of files. EnsureShardDirs must have run before
// concurrent extractions start.
func (s *Store) ExtractSharded(archivePath, destDir string) (entity.ExtractStats, error) {
	return s.extract(archivePath, destDir, func(name string) (string, error) {
		base := filepath.Base(name)

		return secureJoin(destDir, filepath.Join(ShardKey(base, s.shardWidth), base))
	})
}

// EnsureShardDirs pre-creates every bucket of the shard keyspace (0000 to
// 9999 at width 4). Creating them up front keeps concurrent workers from
// ever racing on directory creation.
func (s *Store) EnsureShardDirs(destDir string) error {
	buckets := 1
	for i := 0; i < s.shardWidth; i++ {
		buckets *= 10
	}

	for i := 0; i < buckets; i++ {
		dir := filepath.Join(destDir, fmt.Sprintf("%0*d", s.shardWidth, i))
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cannot create shard dir %s: %w", dir, err)
		}
	}

	s.log.Debug("Shard dirs ready", slog.String("dest_dir", destDir), slog.Int("buckets", buckets))

	return nil
}

func (s *Store) extract(archivePath, destDir string, destFor func(name string) (string, error)) (entity.ExtractStats, error) {
	var stats entity.ExtractStats

	f, err := s.fs.Open(archivePath)
	if err != nil {
		return stats, fmt.Errorf("cannot open %s: %w: %w", archivePath, common.ErrExtract, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return stats, fmt.Errorf("cannot stat %s: %w: %w", archivePath, common.ErrExtract, err)
	}

	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return stats, fmt.Errorf("cannot read archive %s: %w: %w", archivePath, common.ErrExtract, err)
	}

	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() {
			continue
		}

		dest, err := destFor(entry.Name)
		if err != nil {
			return stats, fmt.Errorf("bad entry in %s: %w: %w", archivePath, common.ErrExtract, err)
		}

		exists, err := afero.Exists(s.fs, dest)
		if err != nil {
			return stats, fmt.Errorf("cannot stat %s: %w: %w", dest, common.ErrExtract, err)
		}
		if exists {
			stats.Skipped++

			continue
		}

		if err := s.writeEntry(entry, dest); err != nil {
			return stats, fmt.Errorf("cannot extract %s from %s: %w: %w", entry.Name, archivePath, common.ErrExtract, err)
		}

		stats.Extracted++
	}

	s.log.Debug("Extracted archive", slog.String("archive", archivePath),
		slog.Int("extracted", stats.Extracted), slog.Int("skipped", stats.Skipped))

	return stats, nil
}

func (s *Store) writeEntry(entry *zip.File, dest string) error {
	rc, err := entry.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	if dir := filepath.Dir(dest); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	out, err := s.fs.Create(dest)
	if err != nil {
		return err
	}

	_, err = io.Copy(out, rc)
	if cerr := out.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		_ = s.fs.Remove(dest)

		return err
	}

	return nil
}

// ShardKey returns the bucket for a file name: the trailing width
// characters of the name without its extension, or the whole stem when it
// is shorter than width.
func ShardKey(name string, width int) string {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	if len(stem) <= width {
		return stem
	}

	return stem[len(stem)-width:]
}

// secureJoin joins name under dir, rejecting entries that would escape it.
func secureJoin(dir, name string) (string, error) {
	cleaned := filepath.Clean(filepath.Join(dir, filepath.FromSlash(name)))
	if cleaned != dir && !strings.HasPrefix(cleaned, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q escapes destination", name)
	}

	return cleaned, nil
}
