// Package assemble merges per-page OCR fragments into one PDF and persists it
// atomically next to its final location.
package assemble

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rs/zerolog/log"

	"github.com/local/pdfocr/internal/ocr"
)

// TempPrefix names the per-document staging directories.
const TempPrefix = "pdfocr-doc-"

func init() {
	// pdfcpu would otherwise create a config dir under the user's home
	api.DisableConfigDir()
}

// WriteError means the output could not be persisted. No file is left at Path.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string { return fmt.Sprintf("write %s: %v", e.Path, e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// Document is a merged, not yet saved, output.
type Document struct {
	Pages  int
	dir    string
	merged string
}

// Close removes the staging directory. Safe to call twice.
func (d *Document) Close() error {
	if d == nil || d.dir == "" {
		return nil
	}
	err := os.RemoveAll(d.dir)
	d.dir = ""
	return err
}

// Assembler wraps the pdfcpu operations used to build outputs.
type Assembler struct{}

func New() *Assembler { return &Assembler{} }

func configuration() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	conf.WriteObjectStream = true
	conf.WriteXRefStream = true
	conf.Optimize = true
	return conf
}

// Assemble concatenates fragments in slice order. Fragment i must carry
// Index i; anything else means a page was lost or reordered upstream.
func (a *Assembler) Assemble(ctx context.Context, frags []ocr.Fragment) (*Document, error) {
	if len(frags) == 0 {
		return nil, fmt.Errorf("no fragments to assemble")
	}
	for i, f := range frags {
		if f.Index != i {
			return nil, fmt.Errorf("fragment %d carries page index %d", i, f.Index)
		}
	}

	dir, err := os.MkdirTemp("", TempPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	doc := &Document{dir: dir}

	files := make([]string, len(frags))
	for i, f := range frags {
		if err := ctx.Err(); err != nil {
			doc.Close()
			return nil, err
		}
		files[i] = filepath.Join(dir, fmt.Sprintf("frag-%05d.pdf", i+1))
		if err := os.WriteFile(files[i], f.PDF, 0o600); err != nil {
			doc.Close()
			return nil, fmt.Errorf("stage page %d: %w", i+1, err)
		}
	}

	if len(files) == 1 {
		doc.merged = files[0]
	} else {
		doc.merged = filepath.Join(dir, "merged.pdf")
		if err := api.MergeCreateFile(files, doc.merged, false, configuration()); err != nil {
			doc.Close()
			return nil, fmt.Errorf("merge %d pages: %w", len(files), err)
		}
	}

	n, err := api.PageCountFile(doc.merged)
	if err != nil {
		doc.Close()
		return nil, fmt.Errorf("count merged pages: %w", err)
	}
	if n != len(frags) {
		doc.Close()
		return nil, fmt.Errorf("merged document has %d pages, expected %d", n, len(frags))
	}
	doc.Pages = n
	return doc, nil
}

// Save optimizes doc (drops unreferenced objects, writes compressed object and
// xref streams) into a hidden file beside outputPath and renames it into
// place. Missing parent directories are created.
func (a *Assembler) Save(ctx context.Context, doc *Document, outputPath string) error {
	if doc == nil || doc.merged == "" || doc.dir == "" {
		return &WriteError{Path: outputPath, Err: fmt.Errorf("document already closed")}
	}
	if err := ctx.Err(); err != nil {
		return &WriteError{Path: outputPath, Err: err}
	}

	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &WriteError{Path: outputPath, Err: err}
	}

	staged := filepath.Join(dir, fmt.Sprintf(".%s.part-%s", filepath.Base(outputPath), uuid.NewString()))
	committed := false
	defer func() {
		if !committed {
			if err := os.Remove(staged); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("file", staged).Msg("could not remove staged output")
			}
		}
	}()

	if err := api.OptimizeFile(doc.merged, staged, configuration()); err != nil {
		return &WriteError{Path: outputPath, Err: fmt.Errorf("optimize: %w", err)}
	}
	n, err := api.PageCountFile(staged)
	if err != nil {
		return &WriteError{Path: outputPath, Err: fmt.Errorf("verify staged output: %w", err)}
	}
	if n != doc.Pages {
		return &WriteError{Path: outputPath, Err: fmt.Errorf("staged output has %d pages, expected %d", n, doc.Pages)}
	}
	if err := syncFile(staged); err != nil {
		return &WriteError{Path: outputPath, Err: err}
	}
	if err := os.Rename(staged, outputPath); err != nil {
		return &WriteError{Path: outputPath, Err: err}
	}
	committed = true
	return nil
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
