package imagerender

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"

	"github.com/gen2brain/go-fitz"
	"github.com/rs/zerolog/log"

	"github.com/local/pdfocr/internal/filetype"
)

// DefaultDPI is the resolution pages are rendered at for OCR.
const DefaultDPI = 300

// PageImage is one rendered page, JPEG encoded.
type PageImage struct {
	Index  int // 0-based page index
	DPI    int
	Width  int
	Height int
	JPEG   []byte
}

// Options controls rendering.
type Options struct {
	DPI       int
	Quality   int
	Grayscale bool
}

// UnreadablePdfError means the input cannot be rendered: empty, not a PDF,
// corrupt, encrypted or without pages.
type UnreadablePdfError struct {
	Path string
	Err  error
}

func (e *UnreadablePdfError) Error() string {
	return fmt.Sprintf("unreadable pdf %s: %v", e.Path, e.Err)
}

func (e *UnreadablePdfError) Unwrap() error { return e.Err }

// Rasterizer opens PDFs for page-by-page rendering.
type Rasterizer struct {
	opts     Options
	detector *filetype.Detector
}

// New returns a Rasterizer; zero options fall back to 300 DPI and quality 85.
func New(opts Options) *Rasterizer {
	if opts.DPI <= 0 {
		opts.DPI = DefaultDPI
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = 85
	}
	return &Rasterizer{opts: opts, detector: filetype.New()}
}

// Open validates pdfPath and returns its pages. Rendering is lazy; the
// returned Pages can be rendered in any order and any number of times.
func (r *Rasterizer) Open(pdfPath string) (*Pages, error) {
	if err := r.detector.RequirePDF(pdfPath); err != nil {
		return nil, &UnreadablePdfError{Path: pdfPath, Err: err}
	}
	doc, err := fitz.New(pdfPath)
	if err != nil {
		return nil, &UnreadablePdfError{Path: pdfPath, Err: fmt.Errorf("failed to open PDF: %w", err)}
	}
	n := doc.NumPage()
	if n <= 0 {
		doc.Close()
		return nil, &UnreadablePdfError{Path: pdfPath, Err: fmt.Errorf("document has no pages")}
	}
	return &Pages{doc: doc, path: pdfPath, n: n, opts: r.opts}, nil
}

// Pages is an opened document. Render may be called from several goroutines;
// go-fitz serializes access to the underlying MuPDF context.
type Pages struct {
	doc  *fitz.Document
	path string
	n    int
	opts Options
}

func (p *Pages) Len() int { return p.n }

// Render rasterizes page i (0-based) and encodes it as JPEG.
func (p *Pages) Render(ctx context.Context, i int) (PageImage, error) {
	if err := ctx.Err(); err != nil {
		return PageImage{}, err
	}
	if i < 0 || i >= p.n {
		return PageImage{}, fmt.Errorf("page %d out of range (document has %d pages)", i+1, p.n)
	}

	img, err := p.doc.ImageDPI(i, float64(p.opts.DPI))
	if err != nil {
		return PageImage{}, &UnreadablePdfError{Path: p.path, Err: fmt.Errorf("failed to render page %d: %w", i+1, err)}
	}

	bounds := img.Bounds()
	var finalImg image.Image = img
	if p.opts.Grayscale {
		grayImg := image.NewGray(bounds)
		draw.Draw(grayImg, bounds, img, bounds.Min, draw.Src)
		finalImg = grayImg
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, finalImg, &jpeg.Options{Quality: p.opts.Quality}); err != nil {
		return PageImage{}, fmt.Errorf("failed to encode JPEG: %w", err)
	}

	log.Debug().
		Int("page", i+1).
		Int("width", bounds.Dx()).
		Int("height", bounds.Dy()).
		Int("jpeg_size", buf.Len()).
		Int("dpi", p.opts.DPI).
		Msg("rendered page")

	return PageImage{
		Index:  i,
		DPI:    p.opts.DPI,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		JPEG:   buf.Bytes(),
	}, nil
}

func (p *Pages) Close() error { return p.doc.Close() }
