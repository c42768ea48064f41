// Package raster renders PDF pages to bitmap images.
package raster

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

const defaultBinary = "pdftoppm"

// executor abstracts command execution for testing.
type executor interface {
	LookPath(file string) (string, error)
	Run(ctx context.Context, name string, args []string, stderr io.Writer) error
}

type osExecutor struct{}

func (o *osExecutor) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

func (o *osExecutor) Run(ctx context.Context, name string, args []string, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = stderr
	return cmd.Run()
}

// Pdftoppm renders pages with poppler's pdftoppm, one page per call.
type Pdftoppm struct {
	bin  string
	exec executor
}

// NewPdftoppm locates the pdftoppm binary. An empty bin means "pdftoppm" on
// PATH.
func NewPdftoppm(bin string) (*Pdftoppm, error) {
	return newPdftoppm(bin, &osExecutor{})
}

func newPdftoppm(bin string, exec executor) (*Pdftoppm, error) {
	if bin == "" {
		bin = defaultBinary
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("pdftoppm binary %q not available: %w", bin, err)
	}
	return &Pdftoppm{bin: path, exec: exec}, nil
}

// RasterizePage renders 1-based page of pdfPath at dpi and writes a PNG to
// outPath, which must end in ".png".
func (p *Pdftoppm) RasterizePage(ctx context.Context, pdfPath string, page, dpi int, outPath string) error {
	if page < 1 {
		return fmt.Errorf("invalid page number %d", page)
	}
	if dpi <= 0 {
		return fmt.Errorf("invalid resolution %d dpi", dpi)
	}
	prefix, ok := strings.CutSuffix(outPath, ".png")
	if !ok {
		return fmt.Errorf("output path %s must have a .png extension", outPath)
	}

	n := strconv.Itoa(page)
	args := []string{
		"-f", n, "-l", n,
		"-r", strconv.Itoa(dpi),
		"-png", "-singlefile",
		pdfPath, prefix,
	}
	var stderr bytes.Buffer
	if err := p.exec.Run(ctx, p.bin, args, &stderr); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("rasterizing page %d: %w", page, ctxErr)
		}
		return fmt.Errorf("rasterizing page %d: %w: %s", page, err, strings.TrimSpace(stderr.String()))
	}
	if _, err := os.Stat(outPath); err != nil {
		return fmt.Errorf("rasterizing page %d produced no image: %w", page, err)
	}
	return nil
}
