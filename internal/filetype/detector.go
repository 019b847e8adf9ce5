package filetype

import (
	"errors"
	"fmt"
	"os"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

const pdfMIME = "application/pdf"

// ErrEmpty is returned for zero-length files.
var ErrEmpty = errors.New("file is empty")

// FileTypeInfo contains detected file type information
type FileTypeInfo struct {
	MIMEType  string
	Extension string
	Size      int64
	IsPDF     bool
}

// Detector handles file type detection using magic bytes
type Detector struct{}

// New creates a new file type detector
func New() *Detector {
	return &Detector{}
}

// Detect sniffs the file content; the file name is not consulted.
func (d *Detector) Detect(filePath string) (*FileTypeInfo, error) {
	st, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", filePath, err)
	}
	if st.Size() == 0 {
		return &FileTypeInfo{Size: 0}, ErrEmpty
	}

	mtype, err := mimetype.DetectFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to detect file type: %w", err)
	}

	info := &FileTypeInfo{
		MIMEType:  mtype.String(),
		Extension: mtype.Extension(),
		Size:      st.Size(),
		IsPDF:     mtype.Is(pdfMIME),
	}
	log.Debug().Str("mime", info.MIMEType).Int64("size", info.Size).Str("file", filePath).Msg("detected file type")
	return info, nil
}

// RequirePDF fails unless filePath is a non-empty file whose content is a PDF.
func (d *Detector) RequirePDF(filePath string) error {
	info, err := d.Detect(filePath)
	if err != nil {
		return err
	}
	if !info.IsPDF {
		return fmt.Errorf("content is %s, not a PDF", info.MIMEType)
	}
	return nil
}
