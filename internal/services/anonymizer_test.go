package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/resumeanonymizer/internal/models"
	"github.com/Lllllllleong/resumeanonymizer/internal/redact"
)

func TestMain(m *testing.M) {
	api.DisableConfigDir()
	os.Exit(m.Run())
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.White)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

// makePDF builds a real n-page PDF and returns its bytes.
func makePDF(t *testing.T, n int) []byte {
	t.Helper()
	dir := t.TempDir()
	var pages []string
	for i := 0; i < n; i++ {
		p := filepath.Join(dir, fmt.Sprintf("src_%d.png", i))
		writePNG(t, p, 60, 80)
		pages = append(pages, p)
	}
	out := filepath.Join(dir, "src.pdf")
	require.NoError(t, api.ImportImagesFile(pages, out, pdfcpu.DefaultImportConfig(), model.NewDefaultConfiguration()))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	return data
}

// pageWidths returns the width of every page in a PDF, in order.
func pageWidths(t *testing.T, data []byte) []float64 {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.pdf")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	ctx, err := api.ReadContextFile(path)
	require.NoError(t, err)
	dims, err := ctx.PageDims()
	require.NoError(t, err)
	widths := make([]float64, len(dims))
	for i, d := range dims {
		widths[i] = d.Width
	}
	return widths
}

// fakeRasterizer renders page p as a white PNG 100+10p pixels wide, so page
// order is visible in the output page sizes.
type fakeRasterizer struct {
	mu       sync.Mutex
	pages    []int
	failPage int
}

func (f *fakeRasterizer) RasterizePage(ctx context.Context, pdfPath string, page, dpi int, outPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.pages = append(f.pages, page)
	f.mu.Unlock()
	if page == f.failPage {
		return errors.New("syntax error in page content stream")
	}
	if _, err := os.Stat(pdfPath); err != nil {
		return err
	}
	img := image.NewRGBA(image.Rect(0, 0, 100+10*page, 120))
	for y := 0; y < img.Bounds().Dy(); y++ {
		for x := 0; x < img.Bounds().Dx(); x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return err
	}
	return os.WriteFile(outPath, buf.Bytes(), 0o600)
}

type fixedDetector struct{ words []redact.Word }

func (d fixedDetector) DetectWords(context.Context, []byte) ([]redact.Word, error) {
	return d.words, nil
}

func emailEngine() *redact.Engine {
	return redact.NewEngine(fixedDetector{words: []redact.Word{
		{Text: "jane@example.com", Bounds: image.Rect(10, 10, 60, 20), Line: 1, Confidence: 95},
	}}, redact.EngineConfig{})
}

// recordingRedactor copies pages through unchanged and records the entities.
type recordingRedactor struct {
	mu       sync.Mutex
	entities [][]redact.Entity
}

func (r *recordingRedactor) RedactFile(_ context.Context, inPath, outPath string, entities []redact.Entity) (int, error) {
	r.mu.Lock()
	r.entities = append(r.entities, entities)
	r.mu.Unlock()
	data, err := os.ReadFile(inPath)
	if err != nil {
		return 0, err
	}
	return 0, os.WriteFile(outPath, data, 0o600)
}

type fakeLedger struct {
	mu        sync.Mutex
	started   []models.Job
	completed map[string]int
	failed    map[string]string
	outputURI string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{completed: map[string]int{}, failed: map[string]string{}}
}

func (l *fakeLedger) Start(_ context.Context, job models.Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, job)
	return nil
}

func (l *fakeLedger) Complete(_ context.Context, jobID string, pageCount, _ int, outputURI string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed[jobID] = pageCount
	l.outputURI = outputURI
	return nil
}

func (l *fakeLedger) Fail(ctx context.Context, jobID, errDetails string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed[jobID] = errDetails
	return nil
}

type fakeArchiver struct {
	objects map[string][]byte
}

func (a *fakeArchiver) Archive(_ context.Context, objectName string, content io.Reader) (string, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return "", err
	}
	a.objects[objectName] = data
	return "gs://archive/" + objectName, nil
}

func assertDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "job directory should be removed")
}

func TestProcessPreservesPageCountAndOrder(t *testing.T) {
	workDir := t.TempDir()
	rast := &fakeRasterizer{}
	a := NewAnonymizer(AnonymizerConfig{WorkDir: workDir}, rast, emailEngine())

	res, err := a.Process(context.Background(), bytes.NewReader(makePDF(t, 3)), Request{Filename: "resume.pdf"})
	require.NoError(t, err)

	assert.Equal(t, 3, res.PageCount)
	assert.Equal(t, 3, res.Redactions)
	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, "anonymized_resume_"+res.JobID+".pdf", res.Filename)
	assert.True(t, bytes.HasPrefix(res.PDF, []byte("%PDF-")))
	assert.Equal(t, []int{1, 2, 3}, rast.pages)

	widths := pageWidths(t, res.PDF)
	require.Len(t, widths, 3)
	assert.Less(t, widths[0], widths[1])
	assert.Less(t, widths[1], widths[2])

	assertDirEmpty(t, workDir)
}

func TestProcessParallelPagesKeepOrder(t *testing.T) {
	workDir := t.TempDir()
	a := NewAnonymizer(AnonymizerConfig{WorkDir: workDir, PageWorkers: 4}, &fakeRasterizer{}, emailEngine())

	res, err := a.Process(context.Background(), bytes.NewReader(makePDF(t, 6)), Request{})
	require.NoError(t, err)

	widths := pageWidths(t, res.PDF)
	require.Len(t, widths, 6)
	for i := 1; i < len(widths); i++ {
		assert.Less(t, widths[i-1], widths[i], "page %d out of order", i+1)
	}
	assertDirEmpty(t, workDir)
}

func TestProcessRejectsNonPDF(t *testing.T) {
	workDir := t.TempDir()
	rast := &fakeRasterizer{}
	ledger := newFakeLedger()
	a := NewAnonymizer(AnonymizerConfig{WorkDir: workDir}, rast, emailEngine()).WithLedger(ledger)

	res, err := a.Process(context.Background(), strings.NewReader("Jane Doe\njane@example.com\n"), Request{Filename: "resume.txt"})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrInvalidPDF)
	assert.Empty(t, rast.pages)

	require.Len(t, ledger.started, 1)
	assert.Contains(t, ledger.failed[ledger.started[0].JobID], "failed to validate PDF")
	assertDirEmpty(t, workDir)
}

// zeroPagePDF is a well-formed PDF whose page tree is empty.
func zeroPagePDF() []byte {
	objs := []string{
		"<</Type /Catalog /Pages 2 0 R>>",
		"<</Type /Pages /Kids [] /Count 0>>",
	}
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, o := range objs {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, o)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<</Size %d /Root 1 0 R>>\nstartxref\n%d\n%%EOF\n", len(objs)+1, xref)
	return buf.Bytes()
}

// xrefLessPDF has objects and a trailer but no cross-reference table.
const xrefLessPDF = "%PDF-1.4\n1 0 obj\n<</Type /Catalog /Pages 2 0 R>>\nendobj\n" +
	"2 0 obj\n<</Type /Pages /Kids [] /Count 0>>\nendobj\n" +
	"trailer\n<</Size 3 /Root 1 0 R>>\nstartxref\n0\n%EOF\n"

func TestProcessRejectsMalformedPDF(t *testing.T) {
	full := makePDF(t, 2)
	tests := []struct {
		name  string
		input []byte
		want  []error
	}{
		{name: "no xref table", input: []byte(xrefLessPDF), want: []error{ErrInvalidPDF, ErrEmptyDocument}},
		{name: "truncated", input: full[:len(full)/2], want: []error{ErrInvalidPDF}},
		{name: "header only", input: []byte("%PDF-1.7\n"), want: []error{ErrInvalidPDF}},
		// An empty page tree is either refused by pdfcpu or counted as zero
		// pages; both reject the upload.
		{name: "zero pages", input: zeroPagePDF(), want: []error{ErrEmptyDocument, ErrInvalidPDF}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			workDir := t.TempDir()
			rast := &fakeRasterizer{}
			ledger := newFakeLedger()
			a := NewAnonymizer(AnonymizerConfig{WorkDir: workDir}, rast, emailEngine()).WithLedger(ledger)

			var res *Result
			var err error
			require.NotPanics(t, func() {
				res, err = a.Process(context.Background(), bytes.NewReader(tt.input), Request{Filename: "resume.pdf"})
			})
			require.Error(t, err)
			assert.Nil(t, res)
			matched := false
			for _, want := range tt.want {
				matched = matched || errors.Is(err, want)
			}
			assert.True(t, matched, "unexpected error: %v", err)
			assert.Empty(t, rast.pages)

			require.Len(t, ledger.started, 1)
			assert.Contains(t, ledger.failed[ledger.started[0].JobID], "failed to validate PDF")
			assertDirEmpty(t, workDir)
		})
	}
}

func TestValidatePDFDoesNotPanic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.pdf")
	require.NoError(t, os.WriteFile(path, []byte(xrefLessPDF), 0o600))

	var err error
	require.NotPanics(t, func() { _, err = validatePDF(path) })
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidPDF) || errors.Is(err, ErrEmptyDocument), "unexpected error: %v", err)
}

func TestValidatePDFCountsPages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ok.pdf")
	require.NoError(t, os.WriteFile(path, makePDF(t, 3), 0o600))

	n, err := validatePDF(path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestReassembleReportsMissingImage(t *testing.T) {
	dir := t.TempDir()
	var n int
	var err error
	require.NotPanics(t, func() {
		n, err = reassemble([]string{filepath.Join(dir, "missing.png")}, filepath.Join(dir, "out.pdf"), 300)
	})
	assert.Error(t, err)
	assert.Zero(t, n)
}

func TestProcessAbortsOnPageFailure(t *testing.T) {
	workDir := t.TempDir()
	ledger := newFakeLedger()
	archiver := &fakeArchiver{objects: map[string][]byte{}}
	a := NewAnonymizer(AnonymizerConfig{WorkDir: workDir}, &fakeRasterizer{failPage: 2}, emailEngine()).
		WithLedger(ledger).
		WithArchiver(archiver)

	res, err := a.Process(context.Background(), bytes.NewReader(makePDF(t, 3)), Request{})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "page 2")

	assert.Empty(t, archiver.objects)
	assert.Empty(t, ledger.completed)
	assert.Len(t, ledger.failed, 1)
	assertDirEmpty(t, workDir)
}

func TestProcessRecordsLedgerAndArchive(t *testing.T) {
	ledger := newFakeLedger()
	archiver := &fakeArchiver{objects: map[string][]byte{}}
	a := NewAnonymizer(AnonymizerConfig{WorkDir: t.TempDir()}, &fakeRasterizer{}, emailEngine()).
		WithLedger(ledger).
		WithArchiver(archiver)

	input := makePDF(t, 2)
	res, err := a.Process(context.Background(), bytes.NewReader(input), Request{
		Filename: "cv.pdf",
		Entities: []redact.Entity{redact.EmailAddress},
		Source:   models.SourceHTTP,
	})
	require.NoError(t, err)

	require.Len(t, ledger.started, 1)
	job := ledger.started[0]
	assert.Equal(t, res.JobID, job.JobID)
	assert.Equal(t, "cv.pdf", job.OriginalFilename)
	assert.Equal(t, models.SourceHTTP, job.Source)
	assert.Equal(t, []string{"EMAIL_ADDRESS"}, job.Entities)
	assert.Equal(t, int64(len(input)), job.FileSize)
	assert.Len(t, job.FileHash, 64)
	assert.Equal(t, 2, ledger.completed[res.JobID])

	object := res.JobID + "/" + res.Filename
	assert.Equal(t, res.PDF, archiver.objects[object])
	assert.Equal(t, "gs://archive/"+object, res.OutputURI)
	assert.Equal(t, res.OutputURI, ledger.outputURI)
}

func TestProcessDefaultsEntities(t *testing.T) {
	red := &recordingRedactor{}
	a := NewAnonymizer(AnonymizerConfig{WorkDir: t.TempDir()}, &fakeRasterizer{}, red)

	_, err := a.Process(context.Background(), bytes.NewReader(makePDF(t, 1)), Request{})
	require.NoError(t, err)
	require.Len(t, red.entities, 1)
	assert.Equal(t, redact.DefaultEntities, red.entities[0])
}

func TestProcessConcurrentJobsAreIsolated(t *testing.T) {
	workDir := t.TempDir()
	a := NewAnonymizer(AnonymizerConfig{WorkDir: workDir, PageWorkers: 2}, &fakeRasterizer{}, emailEngine())

	inputs := map[int][]byte{2: makePDF(t, 2), 4: makePDF(t, 4)}
	var wg sync.WaitGroup
	results := make(map[int]*Result)
	errs := make(map[int]error)
	var mu sync.Mutex
	for pages, data := range inputs {
		wg.Add(1)
		go func(pages int, data []byte) {
			defer wg.Done()
			res, err := a.Process(context.Background(), bytes.NewReader(data), Request{})
			mu.Lock()
			defer mu.Unlock()
			results[pages], errs[pages] = res, err
		}(pages, data)
	}
	wg.Wait()

	for pages := range inputs {
		require.NoError(t, errs[pages])
		assert.Equal(t, pages, results[pages].PageCount)
		assert.Len(t, pageWidths(t, results[pages].PDF), pages)
	}
	assert.NotEqual(t, results[2].JobID, results[4].JobID)
	assert.NotEqual(t, results[2].Filename, results[4].Filename)
	assertDirEmpty(t, workDir)
}

func TestProcessHonoursCancellation(t *testing.T) {
	workDir := t.TempDir()
	ledger := newFakeLedger()
	a := NewAnonymizer(AnonymizerConfig{WorkDir: workDir}, &fakeRasterizer{}, emailEngine()).WithLedger(ledger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Process(ctx, bytes.NewReader(makePDF(t, 2)), Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	// The failure is recorded even though the job context is gone.
	assert.Len(t, ledger.failed, 1)
	assertDirEmpty(t, workDir)
}

func TestNewAnonymizerDefaults(t *testing.T) {
	a := NewAnonymizer(AnonymizerConfig{}, &fakeRasterizer{}, &recordingRedactor{})
	assert.Equal(t, DefaultDPI, a.config.DPI)
	assert.Equal(t, 1, a.config.PageWorkers)
}

func TestOutputObjectName(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{in: "uploads/jane.pdf", want: "uploads/jane_anonymized.pdf", wantOK: true},
		{in: "CV.PDF", want: "CV_anonymized.pdf", wantOK: true},
		{in: "uploads/jane_anonymized.pdf", wantOK: false},
		{in: "uploads/notes.txt", wantOK: false},
		{in: "uploads/", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := outputObjectName(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
