package services

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/Lllllllleong/resumeanonymizer/internal/gcp"
	"github.com/Lllllllleong/resumeanonymizer/internal/models"
	"github.com/Lllllllleong/resumeanonymizer/internal/redact"
)

const anonymizedSuffix = "_anonymized.pdf"

// ObjectAnonymizerConfig holds configuration for the bucket-triggered function.
type ObjectAnonymizerConfig struct {
	ProjectID        string
	OutputBucket     string
	WorkflowID       string
	WorkflowLocation string
}

// ObjectAnonymizer anonymizes PDFs as they land in a Cloud Storage bucket.
type ObjectAnonymizer struct {
	anonymizer    *Anonymizer
	storageClient *storage.Client
	workflows     *gcp.WorkflowTrigger
	config        ObjectAnonymizerConfig
}

// NewObjectAnonymizer creates the bucket-triggered variant around an
// existing pipeline.
func NewObjectAnonymizer(ctx context.Context, anonymizer *Anonymizer) (*ObjectAnonymizer, error) {
	config := ObjectAnonymizerConfig{
		ProjectID:        gcp.GetEnv("PROJECT_ID", ""),
		OutputBucket:     gcp.GetEnv("OUTPUT_BUCKET", ""),
		WorkflowID:       gcp.GetEnv("WORKFLOW_ID", ""),
		WorkflowLocation: gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
	}
	if config.OutputBucket == "" {
		return nil, fmt.Errorf("OUTPUT_BUCKET environment variable must be set")
	}

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	f := &ObjectAnonymizer{
		anonymizer:    anonymizer,
		storageClient: storageClient,
		config:        config,
	}

	if config.WorkflowID != "" {
		if config.ProjectID == "" {
			return nil, fmt.Errorf("PROJECT_ID environment variable must be set when WORKFLOW_ID is used")
		}
		f.workflows, err = gcp.NewWorkflowTrigger(ctx, config.ProjectID, config.WorkflowLocation, config.WorkflowID)
		if err != nil {
			return nil, err
		}
	}
	slog.Info("Object anonymizer initialized.", "outputBucket", config.OutputBucket, "workflowId", config.WorkflowID)
	return f, nil
}

// Process anonymizes one finalized object and writes the result to the
// output bucket.
func (f *ObjectAnonymizer) Process(ctx context.Context, e models.GCSEvent) error {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)

	outputObject, ok := outputObjectName(e.Name)
	if !ok {
		logCtx.Info("Skipping object that is not an original PDF.")
		return nil
	}
	logCtx.Info("Processing new GCS object.")

	gcsReader, err := f.storageClient.Bucket(e.Bucket).Object(e.Name).NewReader(ctx)
	if err != nil {
		logCtx.Error("Failed to open source PDF", "error", err)
		return fmt.Errorf("failed to get GCS object reader for %s: %w", gcp.ObjectURI(e.Bucket, e.Name), err)
	}
	defer gcsReader.Close()

	res, err := f.anonymizer.Process(ctx, gcsReader, Request{
		Filename: e.Name,
		Entities: redact.DefaultEntities,
		Source:   models.SourceGCS,
	})
	if err != nil {
		// Already logged with job context by the pipeline.
		return err
	}
	logCtx = logCtx.With("jobId", res.JobID)

	bucket := f.storageClient.Bucket(f.config.OutputBucket)
	if err := gcp.SaveToGCSAtomically(ctx, bucket, outputObject, bytes.NewReader(res.PDF), "application/pdf"); err != nil {
		logCtx.Error("Failed to upload anonymized PDF", "error", err, "outputBucket", f.config.OutputBucket)
		return err
	}
	outputURI := gcp.ObjectURI(f.config.OutputBucket, outputObject)
	logCtx.Info("Anonymized PDF uploaded.", "outputGcsUri", outputURI)

	if f.workflows == nil {
		return nil
	}
	execName, err := f.workflows.Trigger(ctx, models.WorkflowPayload{
		JobID:        res.JobID,
		SourceGCSUri: gcp.ObjectURI(e.Bucket, e.Name),
		OutputGCSUri: outputURI,
		PageCount:    res.PageCount,
	})
	if err != nil {
		logCtx.Error("Failed to trigger workflow", "error", err)
		return err
	}
	logCtx.Info("Hand-off to workflow complete.", "execution", execName)
	return nil
}

// outputObjectName maps a source object to its anonymized name. It reports
// false for objects that are not PDFs or are already anonymized output, so
// a shared input/output bucket does not retrigger itself.
func outputObjectName(name string) (string, bool) {
	if strings.HasSuffix(name, "/") || !strings.EqualFold(path.Ext(name), ".pdf") {
		return "", false
	}
	if strings.HasSuffix(strings.ToLower(name), anonymizedSuffix) {
		return "", false
	}
	return strings.TrimSuffix(name, path.Ext(name)) + anonymizedSuffix, true
}
