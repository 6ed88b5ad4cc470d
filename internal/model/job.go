package model

import "time"

// JobStatus is the persisted status of a dossier execution job.
type JobStatus string

// Stable values, stored as-is in the progress_threads table.
const (
	JobStatusPrepared JobStatus = "PREPARED"
	JobStatusStarted  JobStatus = "STARTED"
	JobStatusDownload JobStatus = "DOWNLOAD"
	JobStatusError    JobStatus = "ERROR"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDownload || s == JobStatusError
}

// Job is the progress record of one dossier execution.
type Job struct {
	ID        int64     `json:"id"`
	Status    JobStatus `json:"status"`
	Partial   int       `json:"partial"` // documents processed so far
	Total     int       `json:"total"`
	RandomKey string    `json:"random_key"` // output folder under dossierExecution/
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
