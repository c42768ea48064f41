package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/storage"

	"github.com/Lllllllleong/resumeanonymizer/internal/gcp"
	"github.com/Lllllllleong/resumeanonymizer/internal/raster"
	"github.com/Lllllllleong/resumeanonymizer/internal/redact"
)

const (
	DefaultDPI        = 300
	DefaultJobTimeout = 5 * time.Minute
	// MinOCRDPI is the resolution text detection runs at when pages are
	// rasterized below it.
	MinOCRDPI = 300

	NameDetectionHeuristic = "heuristic"
	NameDetectionVertex    = "vertex"
)

// AnonymizerConfig holds all configuration for the anonymizer service.
type AnonymizerConfig struct {
	WorkDir        string
	DPI            int
	PageWorkers    int
	JobTimeout     time.Duration
	MaxUploadBytes int64
	PdftoppmPath   string
	OCRLanguages   []string
	MinConfidence  float64
	MaskPadding    int
	NameDetection  string
	ProjectID      string
	CollectionName string
	ArchiveBucket  string
	VertexAIRegion string
}

// LoadAnonymizerConfig loads and validates all environment variables for this service.
func LoadAnonymizerConfig() (*AnonymizerConfig, error) {
	config := &AnonymizerConfig{
		WorkDir:        gcp.GetEnv("WORK_DIR", os.TempDir()),
		PdftoppmPath:   gcp.GetEnv("PDFTOPPM_PATH", "pdftoppm"),
		OCRLanguages:   gcp.GetEnvList("OCR_LANGUAGES", []string{"eng"}),
		NameDetection:  gcp.GetEnv("NAME_DETECTION", NameDetectionHeuristic),
		ProjectID:      gcp.GetEnv("PROJECT_ID", ""),
		CollectionName: gcp.GetEnv("FIRESTORE_COLLECTION", "anonymization_jobs"),
		ArchiveBucket:  gcp.GetEnv("ARCHIVE_BUCKET", ""),
		VertexAIRegion: gcp.GetEnv("VERTEX_AI_REGION", "us-central1"),
	}

	var err error
	if config.DPI, err = gcp.GetEnvInt("RASTER_DPI", DefaultDPI); err != nil {
		return nil, err
	}
	if config.DPI <= 0 {
		return nil, fmt.Errorf("RASTER_DPI must be positive, got %d", config.DPI)
	}
	if config.PageWorkers, err = gcp.GetEnvInt("PAGE_WORKERS", 1); err != nil {
		return nil, err
	}
	if config.PageWorkers < 1 {
		return nil, fmt.Errorf("PAGE_WORKERS must be at least 1, got %d", config.PageWorkers)
	}
	if config.JobTimeout, err = gcp.GetEnvDuration("JOB_TIMEOUT", DefaultJobTimeout); err != nil {
		return nil, err
	}
	if config.MaxUploadBytes, err = gcp.GetEnvInt64("MAX_UPLOAD_BYTES", 0); err != nil {
		return nil, err
	}
	if config.MaxUploadBytes < 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_BYTES cannot be negative")
	}
	if config.MinConfidence, err = gcp.GetEnvFloat("MIN_CONFIDENCE", 0); err != nil {
		return nil, err
	}
	if config.MinConfidence < 0 || config.MinConfidence > 100 {
		return nil, fmt.Errorf("MIN_CONFIDENCE must be between 0 and 100, got %v", config.MinConfidence)
	}
	if config.MaskPadding, err = gcp.GetEnvInt("MASK_PADDING", 2); err != nil {
		return nil, err
	}
	if config.MaskPadding < 0 {
		return nil, fmt.Errorf("MASK_PADDING cannot be negative")
	}

	switch config.NameDetection {
	case NameDetectionHeuristic:
	case NameDetectionVertex:
		if config.ProjectID == "" {
			return nil, fmt.Errorf("PROJECT_ID environment variable must be set when NAME_DETECTION=%s", NameDetectionVertex)
		}
	default:
		return nil, fmt.Errorf("NAME_DETECTION must be %q or %q, got %q", NameDetectionHeuristic, NameDetectionVertex, config.NameDetection)
	}
	if config.ArchiveBucket != "" && config.ProjectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set when ARCHIVE_BUCKET is used")
	}
	return config, nil
}

// NewAnonymizerFromConfig wires the production pipeline: pdftoppm for
// rasterization, the given text detector for OCR, and the optional Firestore
// ledger, GCS archive and Vertex AI name detector.
func NewAnonymizerFromConfig(ctx context.Context, config AnonymizerConfig, detector redact.TextDetector) (*Anonymizer, error) {
	rasterizer, err := raster.NewPdftoppm(config.PdftoppmPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create rasterizer: %w", err)
	}

	recognizers := []redact.Recognizer{
		redact.NewEmailRecognizer(),
		redact.NewPhoneRecognizer(),
		redact.NewURLRecognizer(),
	}
	if config.NameDetection == NameDetectionVertex {
		names, err := gcp.NewVertexNameRecognizer(ctx, config.ProjectID, config.VertexAIRegion)
		if err != nil {
			return nil, fmt.Errorf("failed to create vertex name recognizer: %w", err)
		}
		recognizers = append(recognizers, names)
	} else {
		recognizers = append(recognizers, redact.NewHeuristicNameRecognizer())
	}
	engine := redact.NewEngine(detector, redact.EngineConfig{
		Padding:       config.MaskPadding,
		MinConfidence: config.MinConfidence,
		OCRScale:      OCRScale(config.DPI),
	}, recognizers...)

	a := NewAnonymizer(config, rasterizer, engine)

	if config.ProjectID != "" {
		firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		a.WithLedger(gcp.NewJobLedger(firestoreClient, config.CollectionName))
	}
	if config.ArchiveBucket != "" {
		storageClient, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		a.WithArchiver(gcp.NewBucketArchiver(storageClient, config.ArchiveBucket))
	}

	slog.Info("Anonymizer initialized.",
		"dpi", config.DPI,
		"pageWorkers", config.PageWorkers,
		"nameDetection", config.NameDetection,
		"ledger", config.ProjectID != "",
		"archiveBucket", config.ArchiveBucket,
	)
	return a, nil
}

// OCRScale is the factor a page rendered at dpi is enlarged by before text
// detection.
func OCRScale(dpi int) float64 {
	if dpi <= 0 || dpi >= MinOCRDPI {
		return 1
	}
	return float64(MinOCRDPI) / float64(dpi)
}

// OCRDPI is the resolution the text detector sees for pages rendered at dpi.
func OCRDPI(dpi int) int {
	return max(dpi, MinOCRDPI)
}
