// Package job runs one input PDF through rasterize, recognize, assemble,
// save and delete. A job owns its outcome; nothing it does can fail another
// job.
package job

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/local/pdfocr/internal/assemble"
	"github.com/local/pdfocr/internal/imagerender"
	"github.com/local/pdfocr/internal/layout"
	"github.com/local/pdfocr/internal/metrics"
	"github.com/local/pdfocr/internal/ocr"
	"github.com/local/pdfocr/internal/pdftest"
)

// Pages is an opened source document.
type Pages interface {
	Len() int
	Render(ctx context.Context, i int) (imagerender.PageImage, error)
	Close() error
}

type Source interface {
	Open(path string) (Pages, error)
}

type Engine interface {
	Recognize(ctx context.Context, img imagerender.PageImage) (ocr.Fragment, error)
}

type Assembler interface {
	Assemble(ctx context.Context, frags []ocr.Fragment) (*assemble.Document, error)
	Save(ctx context.Context, doc *assemble.Document, outputPath string) error
}

// Archiver receives a copy of every saved output.
type Archiver interface {
	Archive(ctx context.Context, localPath, rel string, meta map[string]string) error
}

// Outcome is what a finished job reports.
type Outcome struct {
	Job        layout.Job
	State      State // Done or Failed
	FailedIn   State // stage that failed, when State is Failed
	Kind       Kind
	Err        error
	CleanupErr error // source removal failed; the job is still Done
	Pages      int
	Start      time.Time
	Duration   time.Duration
}

func (o Outcome) Succeeded() bool { return o.State == Done }

// Runner holds the collaborators shared by every job of a run.
type Runner struct {
	Source    Source
	Engine    Engine
	Assembler Assembler

	// PageWorkers > 1 recognizes that many pages of one file at a time.
	PageWorkers int

	// Remove deletes the source after a confirmed save. Defaults to os.Remove.
	Remove func(path string) error
	// Verify, when set, probes the saved output for a text layer.
	Verify func(path string) (*pdftest.Report, error)
	// Archive, when set, gets a copy of the saved output.
	Archive Archiver
}

// PanicError is a panic recovered while a page was being processed.
type PanicError struct {
	Page  int
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("page %d: panic: %v", e.Page, e.Value)
}

// RasterSource adapts an imagerender.Rasterizer to Source.
func RasterSource(r *imagerender.Rasterizer) Source { return rasterSource{r} }

type rasterSource struct{ r *imagerender.Rasterizer }

func (s rasterSource) Open(path string) (Pages, error) {
	p, err := s.r.Open(path)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// tracker enforces the transition table and times each stage.
type tracker struct {
	state   State
	entered time.Time
	lg      zerolog.Logger
}

func (t *tracker) to(s State) {
	if !CanTransition(t.state, s) {
		panic(fmt.Sprintf("job: illegal transition %s -> %s", t.state, s))
	}
	now := time.Now()
	if t.state != Pending {
		metrics.ObserveStage(t.state.String(), now.Sub(t.entered))
	}
	t.lg.Debug().Str("from", t.state.String()).Str("state", s.String()).Msg("job transition")
	t.state = s
	t.entered = now
}

// Run processes j to Done or Failed. Errors are reported in the Outcome and
// never returned; the source file is removed only after a successful save.
func (r *Runner) Run(ctx context.Context, j layout.Job) Outcome {
	lg := loggerFrom(ctx).With().Str("file", j.RelPath).Logger()
	out := Outcome{Job: j, Start: time.Now()}
	t := &tracker{state: Pending, entered: out.Start, lg: lg}

	metrics.JobStarted()
	defer metrics.JobFinished()

	lg.Info().Msgf("Processing %s...", j.RelPath)

	fail := func(err error) Outcome {
		out.FailedIn = t.state
		out.Kind = Classify(err, t.state)
		out.Err = err
		t.to(Failed)
		out.State = Failed
		out.Duration = time.Since(out.Start)
		metrics.ObserveJob("failed", string(out.Kind), out.Duration)
		lg.Error().Err(err).Str("kind", string(out.Kind)).Str("state", out.FailedIn.String()).
			Msgf("Failed %s", j.RelPath)
		return out
	}

	t.to(Rasterizing)
	pages, err := r.Source.Open(j.InputPath)
	if err != nil {
		return fail(err)
	}
	defer pages.Close()
	out.Pages = pages.Len()

	t.to(Recognizing)
	frags, err := r.recognize(ctx, pages, lg)
	if err != nil {
		return fail(err)
	}

	t.to(Assembling)
	doc, err := r.Assembler.Assemble(ctx, frags)
	if err != nil {
		return fail(err)
	}
	defer doc.Close()
	if doc.Pages != out.Pages {
		return fail(fmt.Errorf("assembled %d pages from a %d page source", doc.Pages, out.Pages))
	}

	t.to(Saving)
	if err := r.Assembler.Save(ctx, doc, j.OutputPath); err != nil {
		return fail(err)
	}
	r.afterSave(ctx, j, out.Pages, lg)

	t.to(Deleting)
	remove := r.Remove
	if remove == nil {
		remove = os.Remove
	}
	if err := remove(j.InputPath); err != nil {
		out.CleanupErr = err
		metrics.IncCleanupFailure()
		lg.Warn().Err(err).Msg("output saved but source could not be removed")
	}

	t.to(Done)
	out.State = Done
	out.Duration = time.Since(out.Start)
	metrics.ObserveJob("done", "", out.Duration)
	lg.Info().Int("pages", out.Pages).Dur("took", out.Duration).Msgf("Processed %s", j.RelPath)
	return out
}

// recognize returns one fragment per page, fragment i for page i. Page images
// are released as soon as their fragment exists.
func (r *Runner) recognize(ctx context.Context, pages Pages, lg zerolog.Logger) ([]ocr.Fragment, error) {
	n := pages.Len()
	frags := make([]ocr.Fragment, n)

	one := func(ctx context.Context, i int) error {
		img, err := pages.Render(ctx, i)
		if err != nil {
			return err
		}
		f, err := r.Engine.Recognize(ctx, img)
		if err != nil {
			return err
		}
		if f.Index != i {
			return fmt.Errorf("recognizer returned page %d for page %d", f.Index+1, i+1)
		}
		frags[i] = f
		metrics.AddPages(1)
		lg.Debug().Int("page", i+1).Int("pages", n).Msg("page recognized")
		return nil
	}

	if r.PageWorkers <= 1 || n == 1 {
		for i := 0; i < n; i++ {
			if err := one(ctx, i); err != nil {
				return nil, err
			}
		}
		return frags, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.PageWorkers)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() (err error) {
			// errgroup goroutines are outside the scheduler's recover
			defer func() {
				if p := recover(); p != nil {
					lg.Error().Str("stack", string(debug.Stack())).Int("page", i+1).Msgf("panic: %v", p)
					err = &PanicError{Page: i + 1, Value: p}
				}
			}()
			return one(gctx, i)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return frags, nil
}

// afterSave runs the optional post-save steps. Their failures are logged and
// never fail the job.
func (r *Runner) afterSave(ctx context.Context, j layout.Job, pages int, lg zerolog.Logger) {
	if r.Verify != nil {
		rep, err := r.Verify(j.OutputPath)
		switch {
		case err != nil:
			lg.Warn().Err(err).Msg("could not verify output text layer")
		case !rep.Searchable():
			lg.Warn().Int("pages_with_text", rep.PagesWithText).Int("pages", rep.TotalPages).
				Msg("output has pages without recognized text")
		default:
			lg.Debug().Int("chars", rep.TotalChars).Msg("output text layer verified")
		}
	}
	if r.Archive != nil {
		meta := map[string]string{"source": j.RelPath, "pages": strconv.Itoa(pages)}
		if err := r.Archive.Archive(ctx, j.OutputPath, j.RelPath, meta); err != nil {
			lg.Warn().Err(err).Msg("archive upload failed")
		}
	}
}

func loggerFrom(ctx context.Context) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return log.Logger
}
