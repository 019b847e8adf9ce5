// Package scheduler discovers the PDFs waiting in a tree and runs one job per
// file on a bounded worker pool, under a shared memory budget.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/local/pdfocr/internal/job"
	"github.com/local/pdfocr/internal/layout"
	"github.com/local/pdfocr/internal/limiter"
	"github.com/local/pdfocr/internal/logger"
	"github.com/local/pdfocr/internal/mupdf"
	"github.com/local/pdfocr/internal/store"
)

// LockFile is created in the base directory for the duration of a run.
const LockFile = ".pdfocr.lock"

// ErrLocked means another process is already running on the same tree.
var ErrLocked = errors.New("another run holds the lock on this tree")

// Inspector estimates the raster size of a document before it is opened for real.
type Inspector interface {
	Inspect(path string) (mupdf.Info, error)
}

// Ledger records outcomes. Failures to record are logged, never fatal.
type Ledger interface {
	Record(ctx context.Context, e store.Entry) error
	RecordRun(ctx context.Context, r store.RunSummary) error
}

// Summary counts what one run did.
type Summary struct {
	RunID         string
	Discovered    int
	Succeeded     int
	Failed        int
	CleanupFailed int // succeeded, but the source is still in todo
	Outcomes      []job.Outcome
}

type Scheduler struct {
	Runner *job.Runner

	// Concurrency is the number of files processed at once; <= 0 means one per CPU.
	Concurrency int

	// Budget gates jobs by estimated memory; nil disables gating.
	Budget         *limiter.MemoryBudget
	Inspector      Inspector
	DPI            int
	OverheadFactor float64

	// StaleTempAge is how old a leftover scratch dir must be before it is removed.
	StaleTempAge time.Duration
	TempDir      string // defaults to os.TempDir()

	Ledger Ledger
}

func (s *Scheduler) workers(jobs int) int {
	n := s.Concurrency
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n > jobs {
		n = jobs
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Run processes every PDF below base/todo once. The returned error is only
// for failures that stop the whole run; per-file failures are in the Summary.
func (s *Scheduler) Run(ctx context.Context, base string) (Summary, error) {
	sum := Summary{RunID: uuid.NewString()}
	lg := logger.ForRun(sum.RunID)
	ctx = lg.WithContext(ctx)
	started := time.Now()

	tree, err := layout.EnsureTree(base)
	if err != nil {
		return sum, err
	}

	lock := flock.New(filepath.Join(tree.Base, LockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return sum, fmt.Errorf("lock %s: %w", tree.Base, err)
	}
	if !locked {
		return sum, ErrLocked
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			lg.Warn().Err(err).Msg("failed to release run lock")
		}
	}()

	s.cleanup(tree, lg)

	jobs, err := layout.Discover(tree)
	if err != nil {
		return sum, err
	}
	sum.Discovered = len(jobs)
	if len(jobs) == 0 {
		lg.Info().Str("todo", tree.Todo).Msg("nothing to process")
		s.recordRun(ctx, tree, sum, started, lg)
		return sum, nil
	}

	workers := s.workers(len(jobs))
	lg.Info().Int("files", len(jobs)).Int("workers", workers).Str("base", tree.Base).Msg("run started")

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	queue := make(chan layout.Job)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range queue {
				out := s.runOne(ctx, j, lg)
				s.record(ctx, sum.RunID, out, lg)
				mu.Lock()
				sum.add(out)
				mu.Unlock()
			}
		}()
	}

feed:
	for _, j := range jobs {
		select {
		case queue <- j:
		case <-ctx.Done():
			break feed
		}
	}
	close(queue)
	wg.Wait()

	if ctx.Err() != nil {
		lg.Warn().Int("left", sum.Discovered-sum.Succeeded-sum.Failed).Msg("run interrupted; remaining files stay in todo")
	}
	lg.Info().
		Int("discovered", sum.Discovered).
		Int("succeeded", sum.Succeeded).
		Int("failed", sum.Failed).
		Int("cleanup_failed", sum.CleanupFailed).
		Dur("took", time.Since(started)).
		Msg("run finished")
	s.recordRun(ctx, tree, sum, started, lg)
	return sum, nil
}

func (sum *Summary) add(o job.Outcome) {
	sum.Outcomes = append(sum.Outcomes, o)
	if o.Succeeded() {
		sum.Succeeded++
		if o.CleanupErr != nil {
			sum.CleanupFailed++
		}
		return
	}
	sum.Failed++
}

// runOne is the isolation boundary: whatever happens inside a job, including
// a panic, ends up as that job's Outcome.
func (s *Scheduler) runOne(ctx context.Context, j layout.Job, lg zerolog.Logger) (out job.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			lg.Error().Str("file", j.RelPath).Str("stack", string(debug.Stack())).Msgf("Failed %s: panic: %v", j.RelPath, r)
			out = job.Outcome{
				Job:   j,
				State: job.Failed,
				Kind:  job.KindInternal,
				Err:   fmt.Errorf("panic: %v", r),
			}
		}
	}()

	if s.Budget != nil {
		weight := s.weight(j, lg)
		release, err := s.Budget.Acquire(ctx, weight)
		if err != nil {
			return job.Outcome{Job: j, State: job.Failed, FailedIn: job.Pending, Kind: job.Classify(err, job.Pending), Err: err}
		}
		defer release()
	}
	return s.Runner.Run(ctx, j)
}

// weight estimates the peak memory of j: the largest page at the run's DPI,
// times the pages in flight, times a factor for encoder and OCR overhead.
func (s *Scheduler) weight(j layout.Job, lg zerolog.Logger) int64 {
	if s.Inspector == nil {
		return 1
	}
	info, err := s.Inspector.Inspect(j.InputPath)
	if err != nil {
		// the job will fail on open; let it do so quickly
		lg.Debug().Err(err).Str("file", j.RelPath).Msg("cannot inspect input")
		return 1
	}
	pages := s.Runner.PageWorkers
	if pages < 1 {
		pages = 1
	}
	if pages > info.Pages {
		pages = info.Pages
	}
	factor := s.OverheadFactor
	if factor < 1 {
		factor = 1
	}
	return int64(float64(info.RasterBytes(s.DPI)*int64(pages)) * factor)
}

func (s *Scheduler) cleanup(tree layout.Tree, lg zerolog.Logger) {
	if n := CleanupStaging(tree, lg); n > 0 {
		lg.Info().Int("removed", n).Msg("removed orphaned staging files")
	}
	if s.StaleTempAge <= 0 {
		return
	}
	dir := s.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	if n := CleanupTemps(dir, s.StaleTempAge, lg); n > 0 {
		lg.Info().Int("removed", n).Msg("removed stale temp dirs")
	}
}

func (s *Scheduler) record(ctx context.Context, runID string, o job.Outcome, lg zerolog.Logger) {
	if s.Ledger == nil {
		return
	}
	e := store.Entry{
		RunID:      runID,
		RelPath:    o.Job.RelPath,
		State:      o.State.String(),
		Kind:       string(o.Kind),
		Pages:      o.Pages,
		OutputPath: o.Job.OutputPath,
		Start:      o.Start,
		End:        o.Start.Add(o.Duration),
	}
	if o.Err != nil {
		e.Error = o.Err.Error()
	}
	// the run context may already be cancelled; the record should still land
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.Ledger.Record(rctx, e); err != nil {
		lg.Warn().Err(err).Str("file", o.Job.RelPath).Msg("failed to record outcome")
	}
}

func (s *Scheduler) recordRun(ctx context.Context, tree layout.Tree, sum Summary, started time.Time, lg zerolog.Logger) {
	if s.Ledger == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := s.Ledger.RecordRun(rctx, store.RunSummary{
		RunID:         sum.RunID,
		Base:          tree.Base,
		Discovered:    sum.Discovered,
		Succeeded:     sum.Succeeded,
		Failed:        sum.Failed,
		CleanupFailed: sum.CleanupFailed,
		Start:         started,
		End:           time.Now(),
	})
	if err != nil {
		lg.Warn().Err(err).Msg("failed to record run")
	}
}
