package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/funcframework"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	pdfcpuapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/Lllllllleong/resumeanonymizer/internal/api"
	"github.com/Lllllllleong/resumeanonymizer/internal/gcp"
	"github.com/Lllllllleong/resumeanonymizer/internal/models"
	"github.com/Lllllllleong/resumeanonymizer/internal/ocr"
	"github.com/Lllllllleong/resumeanonymizer/internal/services"
)

var (
	anonymizerInstance *services.Anonymizer
	httpHandler        *api.Handler
	once               sync.Once
	initErr            error

	objectInstance *services.ObjectAnonymizer
	objectOnce     sync.Once
	objectInitErr  error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// pdfcpu must not create a config directory in the function's read-only home.
	pdfcpuapi.DisableConfigDir()

	// Without FUNCTION_TARGET the framework serves each function at "/<name>".
	functions.HTTP("anonymize", handleAnonymize)
	functions.CloudEvent("AnonymizeObject", anonymizeObject)
}

func main() {
	port := gcp.GetEnv("PORT", "8080")
	slog.Info("Starting anonymizer.", "port", port)
	if err := funcframework.Start(port); err != nil {
		slog.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}

func initAnonymizer() {
	ctx := context.Background()
	config, err := services.LoadAnonymizerConfig()
	if err != nil {
		initErr = fmt.Errorf("failed to load configuration: %w", err)
		return
	}
	detector := ocr.NewTesseract(config.OCRLanguages, services.OCRDPI(config.DPI))
	anonymizerInstance, initErr = services.NewAnonymizerFromConfig(ctx, *config, detector)
	if initErr != nil {
		return
	}
	httpHandler = api.NewHandler(anonymizerInstance, config.MaxUploadBytes)
}

// handleAnonymize is the HTTP entry point for POST /anonymize.
func handleAnonymize(w http.ResponseWriter, r *http.Request) {
	// Use sync.Once for robust, one-time initialization of clients.
	once.Do(initAnonymizer)
	if initErr != nil {
		slog.Error("Critical: Anonymizer initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	httpHandler.ServeHTTP(w, r)
}

// anonymizeObject is the CloudEvent entry point for Cloud Storage uploads.
func anonymizeObject(ctx context.Context, e cloudevents.Event) error {
	once.Do(initAnonymizer)
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}
	objectOnce.Do(func() {
		objectInstance, objectInitErr = services.NewObjectAnonymizer(context.Background(), anonymizerInstance)
	})
	if objectInitErr != nil {
		slog.Error("Critical error during function initialization", "error", objectInitErr)
		return objectInitErr
	}

	var gcsEvent models.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	// Returning an error marks the invocation as failed.
	return objectInstance.Process(ctx, gcsEvent)
}
