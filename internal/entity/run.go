package entity

import "time"

const (
	StageDownload = "download"
	StageExtract  = "extract"
)

// RunRecord is the persisted checkpoint of the most recent fully
// successful sync.
type RunRecord struct {
	LastRunAt time.Time
}

// FailedItem is one file-level failure kept for the end-of-run summary.
type FailedItem struct {
	Category Category
	Stage    string
	Path     string
	Err      string
}

// CategoryReport tallies what happened to one feed category during a run.
type CategoryReport struct {
	Category        Category
	Listed          int // Files present in the server listing
	New             int // Files newer than the checkpoint, scheduled for download
	Downloaded      int
	FailedDownloads int
	Archives        int // Zip archives found in the download dir for extraction
	Extracted       int
	Skipped         int
	FailedExtracts  int
}

// RunReport summarizes one orchestration run.
type RunReport struct {
	RunID             string
	StartedAt         time.Time
	FinishedAt        time.Time
	Categories        []CategoryReport
	Failures          []FailedItem
	CheckpointWritten bool
}

func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *RunReport) FailureCount() int {
	return len(r.Failures)
}
