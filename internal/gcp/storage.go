package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// SaveToGCSAtomically writes content to a GCS object only if it doesn't already exist.
// A 412 precondition failure means an earlier delivery already wrote it and is not an error.
func SaveToGCSAtomically(ctx context.Context, bucket *storage.BucketHandle, objectName string, content io.Reader, contentType string) error {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := io.Copy(writer, content); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			slog.Info("Object already exists. Skipping write.", "gcsObject", objectName)
			return nil
		}
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("Object already exists. Skipping write.", "gcsObject", objectName)
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 412
}

// ObjectURI formats a gs:// URI.
func ObjectURI(bucket, object string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, object)
}

// BucketArchiver stores finished documents in a single bucket.
type BucketArchiver struct {
	bucket *storage.BucketHandle
	name   string
}

// NewBucketArchiver returns an archiver writing to bucketName.
func NewBucketArchiver(client *storage.Client, bucketName string) *BucketArchiver {
	return &BucketArchiver{bucket: client.Bucket(bucketName), name: bucketName}
}

// Archive writes data to objectName and returns its gs:// URI.
func (a *BucketArchiver) Archive(ctx context.Context, objectName string, content io.Reader) (string, error) {
	if err := SaveToGCSAtomically(ctx, a.bucket, objectName, content, "application/pdf"); err != nil {
		return "", err
	}
	return ObjectURI(a.name, objectName), nil
}
