// Package pdftest probes the text layer of a PDF. The pipeline uses it to
// confirm that a saved output is actually searchable.
package pdftest

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// PageProbe captures the result of probing a single PDF page.
type PageProbe struct {
	PageIndex int    `json:"page_index"`
	CharCount int    `json:"char_count"`
	Err       string `json:"err,omitempty"`
}

// Report summarizes the text layer of a document.
type Report struct {
	FilePath       string      `json:"file_path"`
	TotalPages     int         `json:"total_pages"`
	TotalChars     int         `json:"total_chars"`
	PagesWithText  int         `json:"pages_with_text"`
	Probes         []PageProbe `json:"probes"`
	DurationMs     int64       `json:"duration_ms"`
}

// Searchable reports whether every page carries some text.
func (r *Report) Searchable() bool {
	return r.TotalPages > 0 && r.PagesWithText == r.TotalPages
}

var whitespaceRegex = regexp.MustCompile(`\s+`)

func stripWhitespace(s string) string {
	return whitespaceRegex.ReplaceAllString(s, "")
}

// Doc abstracts a PDF document for text extraction.
type Doc interface {
	NumPage() int
	Page(i int) (Page, error)
	Close() error
}

// Page abstracts a single PDF page for text extraction.
type Page interface {
	Text() (string, error)
	Close()
}

// Opener abstracts opening a PDF path into a Doc.
type Opener interface {
	Open(path string) (Doc, error)
}

// defaultOpener is provided in doc_open_fitz.go using go-fitz.
var defaultOpener Opener

func setDefaultOpener(o Opener) { defaultOpener = o }

// PageTexts returns the extracted text of every page, in order.
func PageTexts(pdfPath string) ([]string, error) {
	d, err := open(pdfPath)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	out := make([]string, d.NumPage())
	for i := range out {
		p, err := d.Page(i)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i+1, err)
		}
		text, err := p.Text()
		p.Close()
		if err != nil {
			return nil, fmt.Errorf("page %d text: %w", i+1, err)
		}
		out[i] = text
	}
	return out, nil
}

// Probe counts non-whitespace characters on every page. Page-level errors
// are recorded in the report rather than returned.
func Probe(pdfPath string) (*Report, error) {
	start := time.Now()
	d, err := open(pdfPath)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	rep := &Report{FilePath: pdfPath, TotalPages: d.NumPage()}
	rep.Probes = make([]PageProbe, 0, rep.TotalPages)
	for i := 0; i < rep.TotalPages; i++ {
		probe := PageProbe{PageIndex: i}
		p, perr := d.Page(i)
		if perr != nil {
			probe.Err = perr.Error()
			rep.Probes = append(rep.Probes, probe)
			continue
		}
		text, terr := p.Text()
		p.Close()
		if terr != nil {
			probe.Err = terr.Error()
			rep.Probes = append(rep.Probes, probe)
			continue
		}
		// count runes, not bytes
		probe.CharCount = len([]rune(stripWhitespace(text)))
		rep.TotalChars += probe.CharCount
		if probe.CharCount > 0 {
			rep.PagesWithText++
		}
		rep.Probes = append(rep.Probes, probe)
	}
	rep.DurationMs = time.Since(start).Milliseconds()
	return rep, nil
}

func open(pdfPath string) (Doc, error) {
	if defaultOpener == nil {
		return nil, errors.New("no PDF opener configured")
	}
	d, err := defaultOpener.Open(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	return d, nil
}
