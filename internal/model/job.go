package model

import "time"

// JobStatus represents the current state of an extraction job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusSkipped    JobStatus = "skipped"
)

// DefaultMaxAttempts is the attempt budget of a newly created job.
const DefaultMaxAttempts = 3

// IsTerminal reports whether no further transitions are expected.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusSkipped:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusSkipped:
		return true
	}
	return false
}

// ExtractionJob tracks extraction of a single document.
type ExtractionJob struct {
	ID             string     `json:"id"`
	DocumentID     string     `json:"documentId"`
	ClientID       string     `json:"clientId"`
	ProjectID      string     `json:"projectId,omitempty"`
	FileRef        string     `json:"fileRef"`
	DocumentName   string     `json:"documentName"`
	Status         JobStatus  `json:"status"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"maxAttempts"`
	LastError      string     `json:"lastError,omitempty"`
	Result         *JobResult `json:"result,omitempty"`
	LastAttemptAt  *time.Time `json:"lastAttemptAt,omitempty"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// AttemptsRemaining is how many more claims the job may receive.
func (j *ExtractionJob) AttemptsRemaining() int {
	return max(0, j.MaxAttempts-j.Attempts)
}

// JobResult summarizes a completed extraction.
type JobResult struct {
	ItemCount      int           `json:"itemCount"`
	MatchedCount   int           `json:"matchedCount"`
	PendingCount   int           `json:"pendingCount"`
	Confidence     float64       `json:"confidence"`
	TokensUsed     int           `json:"tokensUsed"`
	Notes          string        `json:"notes,omitempty"`
	Discrepancies  []Discrepancy `json:"discrepancies,omitempty"`
	StagesDegraded []string      `json:"stagesDegraded,omitempty"`
	DurationMs     int64         `json:"durationMs"`
}

// NewJob describes a document to enqueue.
type NewJob struct {
	DocumentID   string `json:"documentId"`
	ClientID     string `json:"clientId"`
	ProjectID    string `json:"projectId,omitempty"`
	FileRef      string `json:"fileRef"`
	DocumentName string `json:"documentName"`
}
