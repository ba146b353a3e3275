//revive:disable-next-line:var-naming // legacy package name widely used across the project
package model

// JobListBySourceOptions groups parameters for listing jobs that ran against a source.
type JobListBySourceOptions struct {
	SourceID string
	Limit    int
	Offset   int
}

// JobListOptions groups parameters for listing all jobs with optional filters (admin view).
type JobListOptions struct {
	Status        *JobStatus // Optional filter by status
	Type          *JobType   // Optional filter by type (ingest, rescore, quality_report)
	ScheduledTask *string    // Optional filter by originating scheduler task
	SortBy        string     // Sort field: "created_at", "status", "type", "priority" (default: "created_at")
	SortOrder     string     // Sort order: "asc", "desc" (default: "desc")
	Limit         int        // Pagination limit
	Offset        int        // Pagination offset
}

// JobWithSourceCounts represents a job with its per-source rollup for list views.
type JobWithSourceCounts struct {
	Job
	SourceCount     int   `json:"source_count"     db:"source_count"`
	SourcesDone     int   `json:"sources_done"     db:"sources_done"`
	RecordsIngested int64 `json:"records_ingested" db:"records_ingested"`
}

// SourceJobCounts aggregates job participation for one source.
type SourceJobCounts struct {
	Total           int   `json:"total"`
	RecordsIngested int64 `json:"records_ingested"`
}
