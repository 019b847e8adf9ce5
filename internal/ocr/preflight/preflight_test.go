package preflight

import (
	"errors"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/pdfocr/internal/ocr"
)

func TestCheck(t *testing.T) {
	orig := availableLanguages
	t.Cleanup(func() { availableLanguages = orig })
	availableLanguages = func() ([]string, error) { return []string{"eng", "osd"}, nil }

	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no sh in PATH")
	}

	rep, err := Check(ocr.Options{Path: sh, Languages: []string{"eng"}})
	require.NoError(t, err)
	assert.Equal(t, sh, rep.Binary)
	assert.Equal(t, []string{"eng"}, rep.Languages)
	assert.NoError(t, rep.Unverified)

	_, err = Check(ocr.Options{Path: sh, Languages: []string{"eng", "deu"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deu")

	_, err = Check(ocr.Options{Path: filepath.Join(t.TempDir(), "no-such-tesseract"), Languages: []string{"eng"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tesseract not found")
}

func TestCheckUnverifiedLanguagesPass(t *testing.T) {
	orig := availableLanguages
	t.Cleanup(func() { availableLanguages = orig })
	availableLanguages = func() ([]string, error) { return nil, errors.New("no tessdata") }

	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no sh in PATH")
	}

	rep, err := Check(ocr.Options{Path: sh, Languages: []string{"klingon"}})
	require.NoError(t, err)
	assert.EqualError(t, rep.Unverified, "no tessdata")
}
