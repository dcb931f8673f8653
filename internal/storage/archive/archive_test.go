package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/jgivc/ingramsync/internal/common"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func writeZip(t *testing.T, fs afero.Fs, path string, entries map[string]string) {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	require.NoError(t, afero.WriteFile(fs, path, buf.Bytes(), 0o644))
}

func TestShardKey(t *testing.T) {
	tests := []struct {
		name  string
		width int
		want  string
	}{
		{"9780141439518.jpg", 4, "9518"},
		{"9780141439518.jpg", 2, "18"},
		{"42.jpg", 4, "42"},
		{"9518.jpg", 4, "9518"},
		{"noext", 3, "ext"},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, ShardKey(tt.name, tt.width), tt.name)
	}
}

func TestExtractFlatPreservesRelativePaths(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeZip(t, fs, "/download/onix/delta.zip", map[string]string{
		"DELTA/update1.xml": "<onix/>",
		"readme.txt":        "notes",
	})

	store := New(fs, 4, testLogger())

	stats, err := store.ExtractFlat("/download/onix/delta.zip", "/work/onix")
	require.NoError(t, err)
	require.Equal(t, 2, stats.Extracted)
	require.Equal(t, 0, stats.Skipped)

	content, err := afero.ReadFile(fs, "/work/onix/DELTA/update1.xml")
	require.NoError(t, err)
	require.Equal(t, "<onix/>", string(content))
}

func TestExtractShardedPlacesByTrailingDigits(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeZip(t, fs, "/download/covers.zip", map[string]string{
		"9780141439518.jpg": "jpeg-bytes",
		"9780000000042.jpg": "other-bytes",
	})

	store := New(fs, 4, testLogger())

	stats, err := store.ExtractSharded("/download/covers.zip", "/work/Imageswk/400")
	require.NoError(t, err)
	require.Equal(t, 2, stats.Extracted)

	content, err := afero.ReadFile(fs, "/work/Imageswk/400/9518/9780141439518.jpg")
	require.NoError(t, err)
	require.Equal(t, "jpeg-bytes", string(content))

	exists, err := afero.Exists(fs, "/work/Imageswk/400/0042/9780000000042.jpg")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestExtractSkipsExistingEntries(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeZip(t, fs, "/download/covers.zip", map[string]string{
		"9780141439518.jpg": "fresh-bytes",
	})
	require.NoError(t, afero.WriteFile(fs, "/work/Imageswk/400/9518/9780141439518.jpg", []byte("original"), 0o644))

	store := New(fs, 4, testLogger())

	stats, err := store.ExtractSharded("/download/covers.zip", "/work/Imageswk/400")
	require.NoError(t, err)
	require.Equal(t, 0, stats.Extracted)
	require.Equal(t, 1, stats.Skipped)

	// The bytes on disk are untouched.
	content, err := afero.ReadFile(fs, "/work/Imageswk/400/9518/9780141439518.jpg")
	require.NoError(t, err)
	require.Equal(t, "original", string(content))
}

func TestExtractRerunIsIdempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeZip(t, fs, "/download/onix/delta.zip", map[string]string{
		"update1.xml": "<onix/>",
	})

	store := New(fs, 4, testLogger())

	first, err := store.ExtractFlat("/download/onix/delta.zip", "/work/onix")
	require.NoError(t, err)
	require.Equal(t, 1, first.Extracted)

	second, err := store.ExtractFlat("/download/onix/delta.zip", "/work/onix")
	require.NoError(t, err)
	require.Equal(t, 0, second.Extracted)
	require.Equal(t, 1, second.Skipped)
}

func TestExtractCorruptArchive(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/download/broken.zip", []byte("not a zip at all"), 0o644))

	store := New(fs, 4, testLogger())

	_, err := store.ExtractFlat("/download/broken.zip", "/work/onix")
	require.ErrorIs(t, err, common.ErrExtract)
}

func TestExtractRejectsTraversal(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeZip(t, fs, "/download/evil.zip", map[string]string{
		"../outside.txt": "escape",
	})

	store := New(fs, 4, testLogger())

	_, err := store.ExtractFlat("/download/evil.zip", "/work/onix")
	require.ErrorIs(t, err, common.ErrExtract)

	exists, err := afero.Exists(fs, "/work/outside.txt")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestEnsureShardDirsCoversKeyspace(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := New(fs, 2, testLogger())

	require.NoError(t, store.EnsureShardDirs("/work/Imageswk/400"))

	for i := 0; i < 100; i++ {
		ok, err := afero.DirExists(fs, fmt.Sprintf("/work/Imageswk/400/%02d", i))
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestConcurrentShardedExtraction(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := New(fs, 2, testLogger())

	const archives = 8
	paths := make([]string, 0, archives)
	for i := 0; i < archives; i++ {
		entries := make(map[string]string)
		for b := 0; b < 100; b++ {
			name := fmt.Sprintf("9%d8014143%03d.jpg", i, b)
			entries[name] = name
		}

		path := fmt.Sprintf("/download/covers%d.zip", i)
		writeZip(t, fs, path, entries)
		paths = append(paths, path)
	}

	require.NoError(t, store.EnsureShardDirs("/work/Imageswk/400"))

	var wg sync.WaitGroup
	errs := make([]error, archives)
	for i, path := range paths {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()

			_, errs[i] = store.ExtractSharded(path, "/work/Imageswk/400")
		}(i, path)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestFindArchives(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeZip(t, fs, "/download/onix/a.zip", map[string]string{"a.xml": "a"})
	writeZip(t, fs, "/download/onix/DELTA/b.ZIP", map[string]string{"b.xml": "b"})
	require.NoError(t, afero.WriteFile(fs, "/download/onix/notes.txt", []byte("x"), 0o644))

	store := New(fs, 4, testLogger())

	archives, err := store.FindArchives("/download/onix")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"/download/onix/a.zip", "/download/onix/DELTA/b.ZIP"}, archives)
}

func TestFindArchivesMissingDir(t *testing.T) {
	store := New(afero.NewMemMapFs(), 4, testLogger())

	archives, err := store.FindArchives("/download/never")
	require.NoError(t, err)
	require.Empty(t, archives)
}
