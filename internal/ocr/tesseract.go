// Package ocr turns a rendered page into a single-page PDF that carries the
// page image and an invisible, positioned text layer, using Tesseract's pdf
// renderer.
package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/local/pdfocr/internal/imagerender"
)

// Fragment is the OCR result for one page: a complete one-page PDF.
type Fragment struct {
	Index int
	PDF   []byte
}

// RecognitionError is an OCR backend failure for one page.
type RecognitionError struct {
	Page   int // 1-based
	Stderr string
	Err    error
}

func (e *RecognitionError) Error() string {
	msg := fmt.Sprintf("recognize page %d: %v", e.Page, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *RecognitionError) Unwrap() error { return e.Err }

// Options configures the Tesseract invocation.
type Options struct {
	Path      string   // tesseract binary, "tesseract" when empty
	Languages []string // joined with '+', eng when empty
	PSM       int      // page segmentation mode, 0 leaves tesseract's default
}

// TesseractEngine shells out to the tesseract CLI, one process per page.
type TesseractEngine struct {
	opts   Options
	runner Runner
}

// NewTesseractEngine constructs an engine; a nil runner uses ExecRunner.
func NewTesseractEngine(opts Options, runner Runner) *TesseractEngine {
	if opts.Path == "" {
		opts.Path = "tesseract"
	}
	if len(opts.Languages) == 0 {
		opts.Languages = []string{"eng"}
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &TesseractEngine{opts: opts, runner: runner}
}

func (e *TesseractEngine) Name() string { return "tesseract" }

// Recognize runs OCR over img and returns the page PDF.
func (e *TesseractEngine) Recognize(ctx context.Context, img imagerender.PageImage) (Fragment, error) {
	page := img.Index + 1
	fail := func(err error, stderr []byte) (Fragment, error) {
		return Fragment{}, &RecognitionError{Page: page, Stderr: strings.TrimSpace(truncate(string(stderr), 2<<10)), Err: err}
	}
	if len(img.JPEG) == 0 {
		return fail(fmt.Errorf("empty page image"), nil)
	}

	dir, err := os.MkdirTemp("", TempPrefix+"*")
	if err != nil {
		return fail(fmt.Errorf("create temp dir: %w", err), nil)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "page.jpg")
	if err := os.WriteFile(in, img.JPEG, 0o600); err != nil {
		return fail(fmt.Errorf("write page image: %w", err), nil)
	}
	outBase := filepath.Join(dir, "page")

	_, stderr, err := e.runner.Run(ctx, []string{"OMP_THREAD_LIMIT=1"}, e.opts.Path, e.args(in, outBase, img.DPI)...)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return fail(err, stderr)
	}

	data, err := os.ReadFile(outBase + ".pdf")
	if err != nil {
		return fail(fmt.Errorf("read tesseract output: %w", err), stderr)
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return fail(fmt.Errorf("tesseract output is not a PDF (%d bytes)", len(data)), stderr)
	}
	return Fragment{Index: img.Index, PDF: data}, nil
}

func (e *TesseractEngine) args(in, outBase string, dpi int) []string {
	args := []string{in, outBase, "-l", strings.Join(e.opts.Languages, "+")}
	if dpi > 0 {
		args = append(args, "--dpi", strconv.Itoa(dpi))
	}
	if e.opts.PSM > 0 {
		args = append(args, "--psm", strconv.Itoa(e.opts.PSM))
	}
	return append(args, "pdf")
}

// TempPrefix names the scratch directories created per page.
const TempPrefix = "pdfocr-ocr-"
