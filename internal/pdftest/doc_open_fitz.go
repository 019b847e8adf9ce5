package pdftest

import (
	fitz "github.com/gen2brain/go-fitz"
)

type fitzOpener struct{}

func (fitzOpener) Open(path string) (Doc, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, err
	}
	return fitzDoc{doc}, nil
}

func init() {
	setDefaultOpener(fitzOpener{})
}

type fitzDoc struct{ *fitz.Document }

// Page defers extraction to Text so callers that only need a count of pages
// never touch MuPDF's text device.
func (d fitzDoc) Page(i int) (Page, error) {
	return fitzPage{doc: d.Document, index: i}, nil
}

type fitzPage struct {
	doc   *fitz.Document
	index int
}

func (p fitzPage) Text() (string, error) { return p.doc.Text(p.index) }
func (p fitzPage) Close()                {}
