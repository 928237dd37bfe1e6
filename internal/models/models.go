package models

import (
	"strings"
	"time"
)

// UploadStatus is the durable processing state recorded for a video.
type UploadStatus string

const (
	UploadStatusProcessing UploadStatus = "processing"
	UploadStatusCompleted  UploadStatus = "completed"
	UploadStatusFailed     UploadStatus = "failed"
)

// VideoRecord is the persisted representation of one video and its
// transcoding outcome. Exactly one terminal mutation is applied per record:
// either a completion carrying the transcoded URL and output size, or a
// failure carrying an error message.
type VideoRecord struct {
	ID            string
	OwnerID       string
	Title         string
	StoragePath   string
	ProductID     string
	ASIN          string
	UploadStatus  UploadStatus
	TranscodedURL *string
	ErrorMessage  *string
	FileSize      int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Completed reports whether the record reached the completed terminal state
// with a playable artifact URL.
func (r VideoRecord) Completed() bool {
	return r.UploadStatus == UploadStatusCompleted && r.TranscodedURL != nil && r.ErrorMessage == nil
}

// Job is one end-to-end execution of the download, transcode, and upload
// pipeline for a single video. The ID is derived from the video record
// identifier and is never reused.
type Job struct {
	ID         string
	VideoID    string
	Source     string
	Credential string
	OwnerID    string
	CreatedAt  time.Time
}

// JobIDPrefix distinguishes job identifiers from the video record
// identifiers they are derived from.
const JobIDPrefix = "job-"

// JobIDFor returns the job identifier for a video record.
func JobIDFor(videoID string) string { return JobIDPrefix + videoID }

// VideoIDFromJobID recovers the video record identifier embedded in a job
// identifier. Identifiers without the prefix are returned unchanged so
// callers can accept either form.
func VideoIDFromJobID(jobID string) string {
	return strings.TrimPrefix(jobID, JobIDPrefix)
}

// JobState labels the pipeline stage a job is currently in. States advance
// strictly in declaration order; failed is terminal and reachable from any
// non-terminal state.
type JobState string

const (
	JobStateDownloading JobState = "processing:downloading"
	JobStateTranscoding JobState = "processing:transcoding"
	JobStateUploading   JobState = "processing:uploading"
	JobStateCompleted   JobState = "completed"
	JobStateFailed      JobState = "failed"
)

// Terminal reports whether no further transitions occur from the state.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// JobStatus is the ephemeral, process-local snapshot of a job's progress.
// Snapshots are stored by value and replaced whole, never mutated in place.
type JobStatus struct {
	JobID     string
	State     JobState
	Progress  int
	ResultURL string
	Error     string
	UpdatedAt time.Time
}
