// Package ocr reads word boxes off page images with Tesseract.
package ocr

import (
	"context"
	"fmt"
	"strconv"

	"github.com/otiai10/gosseract/v2"

	"github.com/Lllllllleong/resumeanonymizer/internal/redact"
)

// Tesseract implements redact.TextDetector using a gosseract client per
// call. Tesseract handles are not safe for concurrent use, so concurrent
// pages each get their own.
type Tesseract struct {
	languages     []string
	dpi           int
	clientFactory func() *gosseract.Client
}

// NewTesseract builds a detector for the given languages (e.g. "eng") and
// source resolution.
func NewTesseract(languages []string, dpi int) *Tesseract {
	return &Tesseract{
		languages:     append([]string(nil), languages...),
		dpi:           dpi,
		clientFactory: gosseract.NewClient,
	}
}

// DetectWords returns every word Tesseract finds on the encoded image.
func (t *Tesseract) DetectWords(ctx context.Context, img []byte) ([]redact.Word, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := t.clientFactory()
	defer c.Close()

	if len(t.languages) > 0 {
		if err := c.SetLanguage(t.languages...); err != nil {
			return nil, fmt.Errorf("set languages: %w", err)
		}
	}
	if t.dpi > 0 {
		if err := c.SetVariable(gosseract.SettableVariable("user_defined_dpi"), strconv.Itoa(t.dpi)); err != nil {
			return nil, fmt.Errorf("set dpi: %w", err)
		}
	}
	if err := c.SetImageFromBytes(img); err != nil {
		return nil, fmt.Errorf("set image: %w", err)
	}

	// The verbose call is word level and is the only one that fills the
	// block, paragraph and line numbers.
	boxes, err := c.GetBoundingBoxesVerbose()
	if err != nil {
		return nil, fmt.Errorf("get word boxes: %w", err)
	}
	return wordsFromBoxes(boxes), nil
}

func wordsFromBoxes(boxes []gosseract.BoundingBox) []redact.Word {
	words := make([]redact.Word, 0, len(boxes))
	for _, b := range boxes {
		words = append(words, redact.Word{
			Text:       b.Word,
			Bounds:     b.Box,
			Line:       lineKey(b),
			Confidence: b.Confidence,
		})
	}
	return words
}

func lineKey(b gosseract.BoundingBox) int {
	return b.BlockNum*1_000_000 + b.ParNum*1_000 + b.LineNum
}
