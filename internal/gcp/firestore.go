package gcp

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/Lllllllleong/resumeanonymizer/internal/models"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// JobLedger records anonymization jobs, one document per job keyed by job ID.
type JobLedger struct {
	client     *firestore.Client
	collection string
}

func NewJobLedger(client *firestore.Client, collection string) *JobLedger {
	return &JobLedger{client: client, collection: collection}
}

// Start creates the job document in PROCESSING state.
func (l *JobLedger) Start(ctx context.Context, job models.Job) error {
	job.Status = models.StatusProcessing
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if _, err := l.doc(job.JobID).Set(ctx, job); err != nil {
		return fmt.Errorf("failed to create job document: %w", err)
	}
	return nil
}

// Complete marks the job COMPLETED with its results.
func (l *JobLedger) Complete(ctx context.Context, jobID string, pageCount, redactions int, outputURI string) error {
	updates := []firestore.Update{
		{Path: "status", Value: models.StatusCompleted},
		{Path: "pageCount", Value: pageCount},
		{Path: "redactionCount", Value: redactions},
		{Path: "completedAt", Value: time.Now()},
	}
	if outputURI != "" {
		updates = append(updates, firestore.Update{Path: "outputGcsUri", Value: outputURI})
	}
	if _, err := l.doc(jobID).Update(ctx, updates); err != nil {
		return fmt.Errorf("failed to update status to %s: %w", models.StatusCompleted, err)
	}
	return nil
}

// Fail marks the job FAILED with the error details.
func (l *JobLedger) Fail(ctx context.Context, jobID, errDetails string) error {
	updates := []firestore.Update{
		{Path: "status", Value: models.StatusFailed},
		{Path: "completedAt", Value: time.Now()},
	}
	if errDetails != "" {
		updates = append(updates, firestore.Update{Path: "errorDetails", Value: errDetails})
	}
	if _, err := l.doc(jobID).Update(ctx, updates); err != nil {
		return fmt.Errorf("failed to update status to %s: %w", models.StatusFailed, err)
	}
	return nil
}

func (l *JobLedger) doc(jobID string) *firestore.DocumentRef {
	return l.client.Collection(l.collection).Doc(jobID)
}
