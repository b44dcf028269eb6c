package journal

import "time"

// Run statuses
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// Run is one engine run as recorded in the journal
type Run struct {
	ID           string     `json:"id"`
	ObservedAt   string     `json:"observedAt"`
	StartedAt    time.Time  `json:"startedAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	Phase        string     `json:"phase"`
	Status       string     `json:"status"`
	DryRun       bool       `json:"dryRun"`
	Scopes       int        `json:"scopes"`
	Records      int        `json:"records"`
	Upserted     int        `json:"upserted"`
	FailedItems  int        `json:"failedItems"`
	Tombstoned   int        `json:"tombstoned"`
	SkipReason   string     `json:"skipReason,omitempty"`
	ErrorCode    string     `json:"errorCode,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// ScopeRun is the traversal of one team folder within a run
type ScopeRun struct {
	RunID     string        `json:"runId"`
	Scope     string        `json:"scope"`
	Pages     int           `json:"pages"`
	Records   int           `json:"records"`
	Dropped   int           `json:"dropped"`
	Malformed int           `json:"malformed"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Download is one file fetched by the download command
type Download struct {
	Folder       string     `json:"folder"`
	Name         string     `json:"name"`
	FileID       string     `json:"fileId,omitempty"`
	Size         int64      `json:"size"`
	DownloadedAt time.Time  `json:"downloadedAt"`
	ProcessedAt  *time.Time `json:"processedAt,omitempty"`
}
