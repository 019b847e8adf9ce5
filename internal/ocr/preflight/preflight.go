// Package preflight checks the tesseract installation before a run starts.
// It links libtesseract through gosseract, so only the binary and the health
// check import it; the per-page engine in package ocr drives the CLI.
package preflight

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/local/pdfocr/internal/ocr"
)

// availableLanguages is swapped in tests.
var availableLanguages = gosseract.GetAvailableLanguages

// Report describes the installation that passed the check.
type Report struct {
	Binary    string
	Library   string
	Languages []string
	// Unverified is set when libtesseract could not list its language
	// models; the CLI may still find them through its own tessdata path.
	Unverified error
}

// Check makes sure the tesseract binary can be found and that every requested
// language model is installed. A missing model would otherwise fail every job
// of the run one page at a time. Check does not log; callers decide how loud
// a passing check should be.
func Check(opts ocr.Options) (Report, error) {
	path := opts.Path
	if path == "" {
		path = "tesseract"
	}
	bin, err := exec.LookPath(path)
	if err != nil {
		return Report{}, fmt.Errorf("tesseract not found: %w", err)
	}
	rep := Report{Binary: bin, Library: gosseract.Version(), Languages: opts.Languages}

	installed, err := availableLanguages()
	if err != nil {
		rep.Unverified = err
		return rep, nil
	}
	have := make(map[string]bool, len(installed))
	for _, l := range installed {
		have[l] = true
	}
	var missing []string
	for _, l := range opts.Languages {
		if !have[l] {
			missing = append(missing, l)
		}
	}
	if len(missing) > 0 {
		return rep, fmt.Errorf("missing tesseract language models: %s (installed: %s)",
			strings.Join(missing, ", "), strings.Join(installed, ", "))
	}
	return rep, nil
}
