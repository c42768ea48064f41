// Package api serves the anonymization pipeline over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/Lllllllleong/resumeanonymizer/internal/models"
	"github.com/Lllllllleong/resumeanonymizer/internal/redact"
	"github.com/Lllllllleong/resumeanonymizer/internal/services"
)

const (
	// FileField is the multipart field carrying the PDF.
	FileField = "file"
	// EntitiesField optionally lists the entity labels to redact.
	EntitiesField = "entities"

	maxMemory = 32 << 20
)

// Processor runs the pipeline for one document.
type Processor interface {
	Process(ctx context.Context, src io.Reader, req services.Request) (*services.Result, error)
}

// Handler accepts a multipart PDF upload and responds with the anonymized PDF.
type Handler struct {
	processor      Processor
	maxUploadBytes int64
}

// NewHandler returns a handler. maxUploadBytes of 0 disables the size cap.
func NewHandler(processor Processor, maxUploadBytes int64) *Handler {
	return &Handler{processor: processor, maxUploadBytes: maxUploadBytes}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}

	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			slog.Warn("Upload exceeds size limit", "limit", maxErr.Limit)
			http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
			return
		}
		slog.Warn("Could not parse multipart request", "error", err)
		http.Error(w, "Bad Request: expected a multipart/form-data upload", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	entities, err := redact.ParseEntities(r.FormValue(EntitiesField))
	if err != nil {
		slog.Warn("Rejected entity selection", "error", err)
		http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile(FileField)
	if err != nil {
		slog.Warn("Upload has no file field", "error", err)
		http.Error(w, "Bad Request: missing \"file\" field", http.StatusBadRequest)
		return
	}
	defer file.Close()
	slog.Info("Received file for anonymization.", "filename", header.Filename, "size", header.Size)

	res, err := h.processor.Process(r.Context(), file, services.Request{
		Filename: header.Filename,
		Entities: entities,
		Source:   models.SourceHTTP,
	})
	if err != nil {
		// The specific error is already logged inside the Process method.
		switch {
		case errors.Is(err, services.ErrInvalidPDF):
			http.Error(w, "Bad Request: upload is not a readable PDF", http.StatusBadRequest)
		case errors.Is(err, services.ErrEmptyDocument):
			http.Error(w, "Bad Request: PDF has no pages", http.StatusBadRequest)
		default:
			http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": res.Filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(res.PDF)))
	w.Header().Set("X-Job-Id", res.JobID)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.PDF); err != nil {
		slog.Error("Failed to write response", "error", err, "jobId", res.JobID)
	}
}
