// Package testpdf builds small image-only PDFs for tests: each page is a
// raster of some text, the way a scanner would produce it.
package testpdf

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

func init() {
	api.DisableConfigDir()
}

// TextImage renders text in black on white, upscaled so OCR can read it.
func TextImage(text string, scale int) image.Image {
	if scale < 1 {
		scale = 1
	}
	face := basicfont.Face7x13
	w := font.MeasureString(face, text).Ceil() + 20
	small := image.NewRGBA(image.Rect(0, 0, w, 30))
	xdraw.Draw(small, small.Bounds(), &image.Uniform{C: color.White}, image.Point{}, xdraw.Src)
	d := &font.Drawer{Dst: small, Src: image.Black, Face: face, Dot: fixed.P(10, 20)}
	d.DrawString(text)

	big := image.NewRGBA(image.Rect(0, 0, w*scale, 30*scale))
	xdraw.NearestNeighbor.Scale(big, big.Bounds(), small, small.Bounds(), xdraw.Src, nil)
	return big
}

// Write creates path as a PDF with one image page per entry in pages.
func Write(tb testing.TB, path string, pages ...string) {
	tb.Helper()
	if err := Build(path, tb.TempDir(), pages...); err != nil {
		tb.Fatalf("build fixture %s: %v", path, err)
	}
}

// Build is Write without testing.TB; scratch holds the intermediate JPEGs.
func Build(path, scratch string, pages ...string) error {
	if len(pages) == 0 {
		return fmt.Errorf("no pages")
	}
	imgs := make([]string, 0, len(pages))
	for i, text := range pages {
		p := filepath.Join(scratch, fmt.Sprintf("page-%03d.jpg", i+1))
		if err := writeJPEG(p, TextImage(text, 8)); err != nil {
			return err
		}
		imgs = append(imgs, p)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return api.ImportImagesFile(imgs, path, pdfcpu.DefaultImportConfig(), model.NewDefaultConfiguration())
}

// PageCount returns the number of pages pdfcpu sees in path.
func PageCount(tb testing.TB, path string) int {
	tb.Helper()
	n, err := api.PageCountFile(path)
	if err != nil {
		tb.Fatalf("page count %s: %v", path, err)
	}
	return n
}

func writeJPEG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 90}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
