package mupdf

import (
	"fmt"
	"image"

	"github.com/gen2brain/go-fitz"
	"github.com/rs/zerolog/log"
)

// Info summarizes a PDF without rendering it.
type Info struct {
	Pages       int
	LargestPage image.Rectangle // in points (1/72 inch)
}

// Inspector reads page geometry with go-fitz.
type Inspector struct{}

// NewInspector creates a new go-fitz based inspector
func NewInspector() *Inspector {
	return &Inspector{}
}

// Inspect returns the page count and the bounds of the largest page by area.
func (g *Inspector) Inspect(pdfPath string) (Info, error) {
	doc, err := fitz.New(pdfPath)
	if err != nil {
		return Info{}, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()

	info := Info{Pages: doc.NumPage()}
	for i := 0; i < info.Pages; i++ {
		b, err := doc.Bound(i)
		if err != nil {
			log.Debug().Err(err).Str("pdf", pdfPath).Int("page", i+1).Msg("page bounds unavailable")
			continue
		}
		if area(b) > area(info.LargestPage) {
			info.LargestPage = b
		}
	}
	return info, nil
}

// RasterBytes estimates the RGBA buffer size of the largest page at dpi.
func (i Info) RasterBytes(dpi int) int64 {
	if dpi <= 0 {
		return 0
	}
	w := int64(i.LargestPage.Dx()) * int64(dpi) / 72
	h := int64(i.LargestPage.Dy()) * int64(dpi) / 72
	return w * h * 4
}

func area(r image.Rectangle) int64 { return int64(r.Dx()) * int64(r.Dy()) }
