package models

import "time"

// Job statuses recorded in the ledger.
const (
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// Job sources.
const (
	SourceHTTP = "http"
	SourceGCS  = "gcs"
)

// Job is the ledger record for one anonymization run in Firestore.
// It tracks the status and metadata of the uploaded document, never its content.
type Job struct {
	JobID            string    `firestore:"jobId"`
	Source           string    `firestore:"source,omitempty"`
	OriginalFilename string    `firestore:"originalFilename,omitempty"`
	FileHash         string    `firestore:"fileHash,omitempty"`
	FileSize         int64     `firestore:"fileSize,omitempty"`
	Status           string    `firestore:"status,omitempty"`
	Entities         []string  `firestore:"entities,omitempty"`
	ErrorDetails     string    `firestore:"errorDetails,omitempty"`
	PageCount        int       `firestore:"pageCount,omitempty"`
	RedactionCount   int       `firestore:"redactionCount,omitempty"`
	OutputGCSUri     string    `firestore:"outputGcsUri,omitempty"`
	CreatedAt        time.Time `firestore:"createdAt,omitempty"`
	CompletedAt      time.Time `firestore:"completedAt,omitempty"`
}
