package redact

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"os"
)

// TextDetector reads the words printed on an encoded page image.
type TextDetector interface {
	DetectWords(ctx context.Context, img []byte) ([]Word, error)
}

// EngineConfig tunes how findings are turned into masks.
type EngineConfig struct {
	// Padding is added around every mask, in pixels.
	Padding int
	// MinConfidence drops OCR words below this score (0-100).
	MinConfidence float64
	// Fill is the mask colour. Nil means black.
	Fill color.Color
	// OCRScale upscales the page before text detection when above 1. Word
	// boxes are mapped back to page pixels.
	OCRScale float64
}

// Engine detects the requested entities on a page image and masks them.
type Engine struct {
	detector    TextDetector
	recognizers map[Entity][]Recognizer
	config      EngineConfig
}

// NewEngine builds an engine over a text detector. With no recognizers the
// built-in set from DefaultRecognizers is used.
func NewEngine(detector TextDetector, config EngineConfig, recognizers ...Recognizer) *Engine {
	if len(recognizers) == 0 {
		recognizers = DefaultRecognizers()
	}
	byEntity := make(map[Entity][]Recognizer)
	for _, r := range recognizers {
		byEntity[r.Entity()] = append(byEntity[r.Entity()], r)
	}
	return &Engine{detector: detector, recognizers: byEntity, config: config}
}

// Analyze returns every finding for the requested entities. Entities with no
// registered recognizer are skipped.
func (e *Engine) Analyze(ctx context.Context, img []byte, entities []Entity) ([]Finding, error) {
	words, err := e.detect(ctx, img)
	if err != nil {
		return nil, err
	}
	if e.config.MinConfidence > 0 {
		var kept []Word
		for _, w := range words {
			if w.Confidence >= e.config.MinConfidence {
				kept = append(kept, w)
			}
		}
		words = kept
	}
	lines := GroupLines(words)

	var findings []Finding
	for _, ent := range entities {
		for _, r := range e.recognizers[ent] {
			found, err := r.Recognize(ctx, lines)
			if err != nil {
				return nil, fmt.Errorf("recognizer for %s failed: %w", ent, err)
			}
			findings = append(findings, found...)
		}
	}
	return findings, nil
}

func (e *Engine) detect(ctx context.Context, img []byte) ([]Word, error) {
	if e.config.OCRScale <= 1 {
		words, err := e.detector.DetectWords(ctx, img)
		if err != nil {
			return nil, fmt.Errorf("failed to detect text: %w", err)
		}
		return words, nil
	}

	src, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("failed to decode page image: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, Scale(src, e.config.OCRScale)); err != nil {
		return nil, fmt.Errorf("failed to encode upscaled page: %w", err)
	}
	words, err := e.detector.DetectWords(ctx, buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to detect text: %w", err)
	}
	mapped := make([]Word, len(words))
	for i, w := range words {
		w.Bounds = Unscale(w.Bounds, e.config.OCRScale, src.Bounds().Min)
		mapped[i] = w
	}
	return mapped, nil
}

// Redact decodes img, masks every finding and returns the masked image.
func (e *Engine) Redact(ctx context.Context, img []byte, entities []Entity) (*image.RGBA, []Finding, error) {
	src, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode page image: %w", err)
	}
	findings, err := e.Analyze(ctx, img, entities)
	if err != nil {
		return nil, nil, err
	}
	boxes := make([]image.Rectangle, len(findings))
	for i, f := range findings {
		boxes[i] = Pad(f.Bounds, e.config.Padding)
	}
	return Mask(src, boxes, e.config.Fill), findings, nil
}

// RedactFile reads a page image from inPath and writes the masked page as
// PNG to outPath. It returns the number of masked regions.
func (e *Engine) RedactFile(ctx context.Context, inPath, outPath string, entities []Entity) (int, error) {
	data, err := os.ReadFile(inPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read page image %s: %w", inPath, err)
	}
	masked, findings, err := e.Redact(ctx, data, entities)
	if err != nil {
		return 0, err
	}

	out, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create redacted page %s: %w", outPath, err)
	}
	if err := png.Encode(out, masked); err != nil {
		out.Close()
		return 0, fmt.Errorf("failed to encode redacted page: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("failed to finalize redacted page %s: %w", outPath, err)
	}
	return len(findings), nil
}
