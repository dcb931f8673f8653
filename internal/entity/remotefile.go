package entity

import (
	"fmt"
	"path/filepath"
	"time"
)

const (
	CategoryCover Category = iota
	CategoryOnix
	CategoryOnixBacklist
	CategoryReference
)

// Category identifies one of the feed folders the server publishes.
type Category int

func (c Category) String() string {
	return [...]string{"covers", "onix", "onix_backlist", "reference"}[c]
}

func ParseCategory(s string) (Category, error) {
	for _, c := range AllCategories {
		if c.String() == s {
			return c, nil
		}
	}

	return 0, fmt.Errorf("unknown category: %s", s)
}

var AllCategories = []Category{CategoryCover, CategoryOnix, CategoryOnixBacklist, CategoryReference}

// RemoteFile is an immutable snapshot of one server listing entry.
type RemoteFile struct {
	Path       string // Path on the feed server, relative to the server root
	Category   Category
	Size       int64
	ModifiedAt time.Time // Server-side modification time at discovery
}

// WorkItem pairs a remote file with the local path it downloads to.
type WorkItem struct {
	File      RemoteFile
	LocalPath string
}

// NewWorkItem derives the deterministic local download path for f: the
// download dir mirrors the remote tree, so the path is a pure function of
// the remote path and re-downloads land on the same artifact.
func NewWorkItem(f RemoteFile, downloadDir string) WorkItem {
	return WorkItem{
		File:      f,
		LocalPath: filepath.Join(downloadDir, filepath.FromSlash(f.Path)),
	}
}

// DownloadResult reports the outcome of a single transfer.
type DownloadResult struct {
	Item WorkItem
	Err  error
}

const (
	ShardNone ShardStrategy = iota
	ShardTrailingDigits
)

// ShardStrategy selects how extracted entries are placed under the
// destination directory.
type ShardStrategy int

func (s ShardStrategy) String() string {
	return [...]string{"none", "trailing_digits"}[s]
}

// ExtractionTarget describes one downloaded archive and where to unpack it.
type ExtractionTarget struct {
	ArchivePath string
	DestDir     string
	Strategy    ShardStrategy
	Category    Category
}

// ExtractStats counts what a single extraction actually wrote.
type ExtractStats struct {
	Extracted int
	Skipped   int // Entries already present at their destination
}

// ExtractResult reports the outcome of a single archive extraction.
type ExtractResult struct {
	Target ExtractionTarget
	Stats  ExtractStats
	Err    error
}
