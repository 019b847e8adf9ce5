package job

import (
	"context"
	"errors"

	"github.com/local/pdfocr/internal/assemble"
	"github.com/local/pdfocr/internal/imagerender"
	"github.com/local/pdfocr/internal/layout"
	"github.com/local/pdfocr/internal/ocr"
)

// Kind names the class of a job failure in logs, metrics and the ledger.
type Kind string

const (
	KindNone        Kind = ""
	KindLayout      Kind = "layout"
	KindUnreadable  Kind = "unreadable"
	KindRecognition Kind = "recognition"
	KindWrite       Kind = "write"
	KindCancelled   Kind = "cancelled"
	KindInternal    Kind = "internal"
)

// Classify maps err to a Kind. Typed errors win; untyped ones are attributed
// to the stage the job was in when it failed.
func Classify(err error, in State) Kind {
	if err == nil {
		return KindNone
	}
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		return KindInternal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}

	var layoutErr *layout.InvalidLayoutError
	if errors.As(err, &layoutErr) {
		return KindLayout
	}
	var unreadable *imagerender.UnreadablePdfError
	if errors.As(err, &unreadable) {
		return KindUnreadable
	}
	var recog *ocr.RecognitionError
	if errors.As(err, &recog) {
		return KindRecognition
	}
	var writeErr *assemble.WriteError
	if errors.As(err, &writeErr) {
		return KindWrite
	}

	switch in {
	case Rasterizing:
		return KindUnreadable
	case Recognizing:
		return KindRecognition
	case Assembling, Saving:
		return KindWrite
	default:
		return KindInternal
	}
}
