package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/resumeanonymizer/internal/models"
	"github.com/Lllllllleong/resumeanonymizer/internal/redact"
)

var (
	// ErrInvalidPDF means the upload could not be read as a PDF.
	ErrInvalidPDF = errors.New("invalid PDF")
	// ErrEmptyDocument means the PDF has no pages to anonymize.
	ErrEmptyDocument = errors.New("document has no pages")
)

// Rasterizer renders a single 1-based PDF page to a PNG file.
type Rasterizer interface {
	RasterizePage(ctx context.Context, pdfPath string, page, dpi int, outPath string) error
}

// PageRedactor masks the requested entities on a page image file and
// reports how many regions it masked.
type PageRedactor interface {
	RedactFile(ctx context.Context, inPath, outPath string, entities []redact.Entity) (int, error)
}

// JobLedger records job progress. Ledger failures never fail a job.
type JobLedger interface {
	Start(ctx context.Context, job models.Job) error
	Complete(ctx context.Context, jobID string, pageCount, redactions int, outputURI string) error
	Fail(ctx context.Context, jobID, errDetails string) error
}

// Archiver keeps a copy of each anonymized document.
type Archiver interface {
	Archive(ctx context.Context, objectName string, content io.Reader) (string, error)
}

// Request describes one document to anonymize.
type Request struct {
	Filename string
	Entities []redact.Entity
	Source   string
}

// Result is the anonymized document.
type Result struct {
	JobID      string
	Filename   string
	PDF        []byte
	PageCount  int
	Redactions int
	OutputURI  string
}

// Anonymizer runs the rasterize, redact and reassemble pipeline for one
// document at a time per call. Calls may run concurrently.
type Anonymizer struct {
	rasterizer Rasterizer
	redactor   PageRedactor
	ledger     JobLedger
	archiver   Archiver
	config     AnonymizerConfig
}

// NewAnonymizer builds a pipeline over the given rasterizer and redactor.
func NewAnonymizer(config AnonymizerConfig, rasterizer Rasterizer, redactor PageRedactor) *Anonymizer {
	if config.DPI <= 0 {
		config.DPI = DefaultDPI
	}
	if config.PageWorkers <= 0 {
		config.PageWorkers = 1
	}
	return &Anonymizer{rasterizer: rasterizer, redactor: redactor, config: config}
}

// WithLedger records every job in l.
func (a *Anonymizer) WithLedger(l JobLedger) *Anonymizer {
	a.ledger = l
	return a
}

// WithArchiver stores every successful result with ar.
func (a *Anonymizer) WithArchiver(ar Archiver) *Anonymizer {
	a.archiver = ar
	return a
}

// Process anonymizes the PDF read from src. Either the full redacted
// document is returned or an error; the job directory is removed on every
// path.
func (a *Anonymizer) Process(ctx context.Context, src io.Reader, req Request) (*Result, error) {
	jobID := uuid.NewString()
	logCtx := slog.With("jobId", jobID, "originalFilename", req.Filename)
	logCtx.Info("Processing new document.")

	entities := req.Entities
	if len(entities) == 0 {
		entities = redact.DefaultEntities
	}
	if a.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.JobTimeout)
		defer cancel()
	}

	tempDir, err := os.MkdirTemp(a.config.WorkDir, "anonymize-"+jobID+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			logCtx.Warn("Failed to remove job directory.", "path", tempDir, "error", err)
		}
	}()

	inputPath := filepath.Join(tempDir, jobID+".pdf")
	fileHash, size, err := stageUpload(src, inputPath)
	if err != nil {
		logCtx.Error("Failed to stage upload", "error", err)
		return nil, fmt.Errorf("failed to stage upload: %w", err)
	}
	logCtx = logCtx.With("fileHash", fileHash)

	a.startJob(ctx, logCtx, models.Job{
		JobID:            jobID,
		Source:           req.Source,
		OriginalFilename: req.Filename,
		FileHash:         fileHash,
		FileSize:         size,
		Entities:         redact.Strings(entities),
		CreatedAt:        time.Now(),
	})

	pageCount, err := validatePDF(inputPath)
	if err != nil {
		return nil, a.handleError(ctx, logCtx, jobID, "failed to validate PDF", err)
	}
	logCtx.Info("PDF validated.", "pageCount", pageCount)

	pagesDir := filepath.Join(tempDir, jobID+"_pages")
	if err := os.Mkdir(pagesDir, 0o700); err != nil {
		return nil, a.handleError(ctx, logCtx, jobID, "failed to create pages dir", err)
	}
	redactedPages, redactions, err := a.redactPages(ctx, logCtx, inputPath, pagesDir, pageCount, entities)
	if err != nil {
		return nil, a.handleError(ctx, logCtx, jobID, "failed to redact pages", err)
	}

	outputPath := filepath.Join(tempDir, jobID+"_anon.pdf")
	outCount, err := reassemble(redactedPages, outputPath, a.config.DPI)
	if err != nil {
		return nil, a.handleError(ctx, logCtx, jobID, "failed to reassemble PDF", err)
	}
	if outCount != pageCount {
		return nil, a.handleError(ctx, logCtx, jobID, "reassembled PDF is incomplete",
			fmt.Errorf("got %d pages, want %d", outCount, pageCount))
	}
	data, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, a.handleError(ctx, logCtx, jobID, "failed to read reassembled PDF", err)
	}

	filename := fmt.Sprintf("anonymized_resume_%s.pdf", jobID)
	var outputURI string
	if a.archiver != nil {
		outputURI, err = a.archiver.Archive(ctx, jobID+"/"+filename, bytes.NewReader(data))
		if err != nil {
			return nil, a.handleError(ctx, logCtx, jobID, "failed to archive anonymized PDF", err)
		}
		logCtx.Info("Archived anonymized PDF.", "outputGcsUri", outputURI)
	}

	if a.ledger != nil {
		if err := a.ledger.Complete(ctx, jobID, pageCount, redactions, outputURI); err != nil {
			logCtx.Error("Failed to mark job completed in ledger", "error", err)
		}
	}
	logCtx.Info("Document anonymized.", "pageCount", pageCount, "redactions", redactions, "bytes", len(data))

	return &Result{
		JobID:      jobID,
		Filename:   filename,
		PDF:        data,
		PageCount:  pageCount,
		Redactions: redactions,
		OutputURI:  outputURI,
	}, nil
}

// redactPages rasterizes and redacts every page. Results are stored by page
// index so they stay in document order whatever the worker count.
func (a *Anonymizer) redactPages(ctx context.Context, logCtx *slog.Logger, inputPath, pagesDir string, pageCount int, entities []redact.Entity) ([]string, int, error) {
	redacted := make([]string, pageCount)
	counts := make([]int, pageCount)

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(a.config.PageWorkers)
	for i := 0; i < pageCount; i++ {
		idx := i
		eg.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			pagePath := filepath.Join(pagesDir, fmt.Sprintf("page_%d.png", idx))
			redactedPath := filepath.Join(pagesDir, fmt.Sprintf("redacted_page_%d.png", idx))

			if err := a.rasterizer.RasterizePage(gctx, inputPath, idx+1, a.config.DPI, pagePath); err != nil {
				return fmt.Errorf("page %d: %w", idx+1, err)
			}
			n, err := a.redactor.RedactFile(gctx, pagePath, redactedPath, entities)
			if err != nil {
				return fmt.Errorf("page %d: %w", idx+1, err)
			}
			redacted[idx] = redactedPath
			counts[idx] = n
			logCtx.Info("Page redacted.", "page", idx+1, "redactions", n)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, 0, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	return redacted, total, nil
}

func (a *Anonymizer) startJob(ctx context.Context, logCtx *slog.Logger, job models.Job) {
	if a.ledger == nil {
		return
	}
	if err := a.ledger.Start(ctx, job); err != nil {
		logCtx.Error("Failed to create job document in ledger", "error", err)
	}
}

func (a *Anonymizer) handleError(ctx context.Context, logCtx *slog.Logger, jobID, message string, originalErr error) error {
	fullError := fmt.Errorf("%s: %w", message, originalErr)
	logCtx.Error(message, "error", originalErr)
	if a.ledger != nil {
		// The job context may already be cancelled; the failure still has to be recorded.
		ledgerCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := a.ledger.Fail(ledgerCtx, jobID, fullError.Error()); err != nil {
			logCtx.Error("CRITICAL: Failed to update ledger status to FAILED after a processing error.", "updateError", err)
		}
	}
	return fullError
}

// stageUpload copies src verbatim to path and returns its sha256 and size.
func stageUpload(src io.Reader, path string) (string, int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create input file at %s: %w", path, err)
	}
	hash := sha256.New()
	n, err := io.Copy(f, io.TeeReader(src, hash))
	if err != nil {
		f.Close()
		return "", 0, fmt.Errorf("failed to copy upload to local file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to finalize input file: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), n, nil
}

// validatePDF reports the page count of the staged upload. pdfcpu can panic
// on damaged cross-reference data, so panics are reported as ErrInvalidPDF.
func validatePDF(path string) (pageCount int, err error) {
	defer func() {
		if r := recover(); r != nil {
			pageCount, err = 0, fmt.Errorf("%w: pdfcpu panic: %v", ErrInvalidPDF, r)
		}
	}()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.ValidateFile(path, conf); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}
	pageCount, err = api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}
	if pageCount == 0 {
		return 0, ErrEmptyDocument
	}
	return pageCount, nil
}

// reassemble writes one PDF page per image, in order, each page sized to its
// image, and returns the page count of the written file.
func reassemble(pages []string, outPath string, dpi int) (pageCount int, err error) {
	defer func() {
		if r := recover(); r != nil {
			pageCount, err = 0, fmt.Errorf("pdfcpu panic: %v", r)
		}
	}()

	imp := pdfcpu.DefaultImportConfig()
	imp.DPI = dpi
	if err := api.ImportImagesFile(pages, outPath, imp, model.NewDefaultConfiguration()); err != nil {
		return 0, err
	}
	return api.PageCountFile(outPath)
}
