package imagerender

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/pdfocr/internal/testpdf"
)

func TestRenderPagesInOrder(t *testing.T) {
	src := filepath.Join(t.TempDir(), "two.pdf")
	testpdf.Write(t, src, "FIRST", "SECOND")

	pages, err := New(Options{DPI: 72}).Open(src)
	require.NoError(t, err)
	defer pages.Close()
	require.Equal(t, 2, pages.Len())

	for i := 0; i < pages.Len(); i++ {
		img, err := pages.Render(context.Background(), i)
		require.NoError(t, err)
		assert.Equal(t, i, img.Index)
		assert.Equal(t, 72, img.DPI)

		decoded, err := jpeg.Decode(bytes.NewReader(img.JPEG))
		require.NoError(t, err)
		assert.Equal(t, img.Width, decoded.Bounds().Dx())
		assert.Equal(t, img.Height, decoded.Bounds().Dy())
	}

	// restartable
	again, err := pages.Render(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Index)

	_, err = pages.Render(context.Background(), 2)
	assert.Error(t, err)
}

func TestRenderScalesWithDPI(t *testing.T) {
	src := filepath.Join(t.TempDir(), "one.pdf")
	testpdf.Write(t, src, "HELLO")

	low, err := New(Options{DPI: 72}).Open(src)
	require.NoError(t, err)
	defer low.Close()
	high, err := New(Options{DPI: 144, Grayscale: true}).Open(src)
	require.NoError(t, err)
	defer high.Close()

	a, err := low.Render(context.Background(), 0)
	require.NoError(t, err)
	b, err := high.Render(context.Background(), 0)
	require.NoError(t, err)
	assert.InDelta(t, a.Width*2, b.Width, 2)
}

func TestOpenRejectsUnreadableInput(t *testing.T) {
	dir := t.TempDir()
	cases := map[string][]byte{
		"empty.pdf":   nil,
		"text.pdf":    []byte("this is not a pdf at all"),
		"corrupt.pdf": []byte("%PDF-1.4\n%garbage without any objects or trailer"),
	}
	r := New(Options{})
	for name, data := range cases {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, data, 0o644))

		_, err := r.Open(p)
		var ue *UnreadablePdfError
		require.Error(t, err, name)
		assert.True(t, errors.As(err, &ue), name)
	}
}

func TestRenderHonorsCancelledContext(t *testing.T) {
	src := filepath.Join(t.TempDir(), "one.pdf")
	testpdf.Write(t, src, "HELLO")
	pages, err := New(Options{}).Open(src)
	require.NoError(t, err)
	defer pages.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pages.Render(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
