package request

import (
	"encoding/json"
	"time"
)

// Replay outcome kinds.
const (
	ResultIdentical    = "identical"
	ResultMismatch     = "mismatch"
	ResultBackendError = "backend_error"
	ResultArchiveError = "archive_error"
)

// ReplayRecord is the persisted outcome of replaying one request.
type ReplayRecord struct {
	ID         int64           `json:"id"`
	RunID      string          `json:"run_id"`
	Timestamp  time.Time       `json:"timestamp"`
	View       string          `json:"view"`
	FullPath   string          `json:"full_path"`
	Result     string          `json:"result"`
	ProdRows   int             `json:"prod_rows"`
	NewRows    int             `json:"new_rows"`
	DiffRows   int             `json:"diff_rows"`
	Diff       json.RawMessage `json:"diff,omitempty"`
	ArchiveDir string          `json:"archive_dir,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	Error      string          `json:"error,omitempty"`
}

// RunRecord summarizes one invocation of a pipeline command.
type RunRecord struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Lines      int        `json:"lines"`
	Unique     int        `json:"unique"`
	Identical  int        `json:"identical"`
	Mismatched int        `json:"mismatched"`
	Failed     int        `json:"failed"`
}
