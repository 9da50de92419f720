package domain

import "time"

// JobStatus tracks each pipeline stage for a single upload or extraction job.
type JobStatus string

const (
	JobStatusUploaded            JobStatus = "uploaded"
	JobStatusValidated           JobStatus = "validated"
	JobStatusStaged              JobStatus = "staged"
	JobStatusTranscribing        JobStatus = "transcribing"
	JobStatusTranscribed         JobStatus = "transcribed"
	JobStatusExtracting          JobStatus = "extracting"
	JobStatusExtracted           JobStatus = "extracted"
	JobStatusRejected            JobStatus = "rejected"
	JobStatusStagingFailed       JobStatus = "staging_failed"
	JobStatusTranscriptionFailed JobStatus = "transcription_failed"
	JobStatusExtractionFailed    JobStatus = "extraction_failed"
	JobStatusCancelled           JobStatus = "cancelled"
)

// JobKind distinguishes the two request types that drive the pipeline.
type JobKind string

const (
	JobKindUpload     JobKind = "upload"
	JobKindExtraction JobKind = "extraction"
)

// Job is one in-flight upload or extraction. It is never persisted.
type Job struct {
	ID           string    `json:"id"`
	Kind         JobKind   `json:"kind"`
	Status       JobStatus `json:"status"`
	OriginalName string    `json:"originalName,omitempty"`
	StagedPath   string    `json:"-"`
	DeclaredSize int64     `json:"declaredSize,omitempty"`
	Extension    string    `json:"extension,omitempty"`
	TranscriptID string    `json:"transcriptId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// IsTerminal reports whether no further transition can leave the status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusExtracted,
		JobStatusRejected,
		JobStatusStagingFailed,
		JobStatusTranscriptionFailed,
		JobStatusExtractionFailed,
		JobStatusCancelled:
		return true
	default:
		return false
	}
}
