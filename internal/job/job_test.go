package job

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/pdfocr/internal/assemble"
	"github.com/local/pdfocr/internal/imagerender"
	"github.com/local/pdfocr/internal/layout"
	"github.com/local/pdfocr/internal/ocr"
	"github.com/local/pdfocr/internal/pdftest"
)

type fakePages struct {
	n         int
	renderErr map[int]error
	closed    bool
}

func (p *fakePages) Len() int { return p.n }
func (p *fakePages) Render(ctx context.Context, i int) (imagerender.PageImage, error) {
	if err := ctx.Err(); err != nil {
		return imagerender.PageImage{}, err
	}
	if err := p.renderErr[i]; err != nil {
		return imagerender.PageImage{}, err
	}
	return imagerender.PageImage{Index: i, DPI: 300, JPEG: []byte{byte(i)}}, nil
}
func (p *fakePages) Close() error { p.closed = true; return nil }

type fakeSource struct {
	pages *fakePages
	err   error
}

func (s *fakeSource) Open(string) (Pages, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.pages, nil
}

type fakeEngine struct {
	failAt  int
	panicAt int
	jitter  bool
}

func (e *fakeEngine) Recognize(ctx context.Context, img imagerender.PageImage) (ocr.Fragment, error) {
	if e.jitter {
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
	}
	if e.panicAt > 0 && img.Index+1 == e.panicAt {
		panic("engine exploded")
	}
	if e.failAt > 0 && img.Index+1 == e.failAt {
		return ocr.Fragment{}, &ocr.RecognitionError{Page: e.failAt, Err: errors.New("engine crashed")}
	}
	return ocr.Fragment{Index: img.Index, PDF: []byte(fmt.Sprintf("%%PDF-page-%d", img.Index))}, nil
}

type fakeAssembler struct {
	mu      sync.Mutex
	order   []int
	saveErr error
}

func (a *fakeAssembler) Assemble(_ context.Context, frags []ocr.Fragment) (*assemble.Document, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, f := range frags {
		a.order = append(a.order, f.Index)
	}
	return &assemble.Document{Pages: len(frags)}, nil
}

func (a *fakeAssembler) Save(_ context.Context, doc *assemble.Document, out string) error {
	if a.saveErr != nil {
		return &assemble.WriteError{Path: out, Err: a.saveErr}
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	return os.WriteFile(out, []byte(fmt.Sprintf("%d pages", doc.Pages)), 0o644)
}

type fakeArchive struct {
	calls int
	err   error
}

func (f *fakeArchive) Archive(context.Context, string, string, map[string]string) error {
	f.calls++
	return f.err
}

func newJob(t *testing.T) layout.Job {
	t.Helper()
	base := t.TempDir()
	in := filepath.Join(base, "todo", "sub", "b.pdf")
	require.NoError(t, os.MkdirAll(filepath.Dir(in), 0o755))
	require.NoError(t, os.WriteFile(in, []byte("%PDF-source"), 0o644))
	return layout.Job{
		InputPath:  in,
		OutputPath: filepath.Join(base, "done", "sub", "b.pdf"),
		RelPath:    filepath.Join("sub", "b.pdf"),
	}
}

func TestRunSuccessRemovesSource(t *testing.T) {
	j := newJob(t)
	pages := &fakePages{n: 3}
	asm := &fakeAssembler{}
	r := &Runner{Source: &fakeSource{pages: pages}, Engine: &fakeEngine{}, Assembler: asm}

	out := r.Run(context.Background(), j)

	require.NoError(t, out.Err)
	assert.Equal(t, Done, out.State)
	assert.True(t, out.Succeeded())
	assert.Equal(t, 3, out.Pages)
	assert.Equal(t, []int{0, 1, 2}, asm.order)
	assert.FileExists(t, j.OutputPath)
	assert.NoFileExists(t, j.InputPath)
	assert.True(t, pages.closed)
}

func TestRunPageWorkersKeepOrder(t *testing.T) {
	j := newJob(t)
	asm := &fakeAssembler{}
	r := &Runner{
		Source:      &fakeSource{pages: &fakePages{n: 40}},
		Engine:      &fakeEngine{jitter: true},
		Assembler:   asm,
		PageWorkers: 6,
	}

	out := r.Run(context.Background(), j)
	require.Equal(t, Done, out.State, "err: %v", out.Err)

	want := make([]int, 40)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, asm.order)
}

func TestRunFailuresKeepSource(t *testing.T) {
	tests := []struct {
		name     string
		runner   func() *Runner
		kind     Kind
		failedIn State
	}{
		{
			name: "unreadable",
			runner: func() *Runner {
				return &Runner{
					Source:    &fakeSource{err: &imagerender.UnreadablePdfError{Path: "x", Err: errors.New("bad xref")}},
					Engine:    &fakeEngine{},
					Assembler: &fakeAssembler{},
				}
			},
			kind:     KindUnreadable,
			failedIn: Rasterizing,
		},
		{
			name: "recognition on page 2",
			runner: func() *Runner {
				return &Runner{Source: &fakeSource{pages: &fakePages{n: 3}}, Engine: &fakeEngine{failAt: 2}, Assembler: &fakeAssembler{}}
			},
			kind:     KindRecognition,
			failedIn: Recognizing,
		},
		{
			name: "recognition with page workers",
			runner: func() *Runner {
				return &Runner{Source: &fakeSource{pages: &fakePages{n: 8}}, Engine: &fakeEngine{failAt: 5}, Assembler: &fakeAssembler{}, PageWorkers: 3}
			},
			kind:     KindRecognition,
			failedIn: Recognizing,
		},
		{
			name: "render error",
			runner: func() *Runner {
				pages := &fakePages{n: 2, renderErr: map[int]error{1: &imagerender.UnreadablePdfError{Path: "x", Err: errors.New("broken page")}}}
				return &Runner{Source: &fakeSource{pages: pages}, Engine: &fakeEngine{}, Assembler: &fakeAssembler{}}
			},
			kind:     KindUnreadable,
			failedIn: Recognizing,
		},
		{
			name: "save",
			runner: func() *Runner {
				return &Runner{Source: &fakeSource{pages: &fakePages{n: 1}}, Engine: &fakeEngine{}, Assembler: &fakeAssembler{saveErr: errors.New("disk full")}}
			},
			kind:     KindWrite,
			failedIn: Saving,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := newJob(t)
			out := tt.runner().Run(context.Background(), j)

			assert.Equal(t, Failed, out.State)
			assert.Equal(t, tt.kind, out.Kind)
			assert.Equal(t, tt.failedIn, out.FailedIn)
			assert.Error(t, out.Err)
			assert.FileExists(t, j.InputPath)
			assert.NoFileExists(t, j.OutputPath)
		})
	}
}

func TestRunPagePanicWithPageWorkersFailsOnlyTheJob(t *testing.T) {
	j := newJob(t)
	r := &Runner{
		Source:      &fakeSource{pages: &fakePages{n: 6}},
		Engine:      &fakeEngine{panicAt: 4},
		Assembler:   &fakeAssembler{},
		PageWorkers: 3,
	}

	var out Outcome
	require.NotPanics(t, func() { out = r.Run(context.Background(), j) })

	assert.Equal(t, Failed, out.State)
	assert.Equal(t, Recognizing, out.FailedIn)
	assert.Equal(t, KindInternal, out.Kind)
	var pe *PanicError
	require.ErrorAs(t, out.Err, &pe)
	assert.Equal(t, 4, pe.Page)
	assert.FileExists(t, j.InputPath)
	assert.NoFileExists(t, j.OutputPath)
}

func TestRunDeleteFailureIsStillDone(t *testing.T) {
	j := newJob(t)
	r := &Runner{
		Source:    &fakeSource{pages: &fakePages{n: 2}},
		Engine:    &fakeEngine{},
		Assembler: &fakeAssembler{},
		Remove:    func(string) error { return os.ErrPermission },
	}

	out := r.Run(context.Background(), j)

	assert.Equal(t, Done, out.State)
	assert.NoError(t, out.Err)
	assert.ErrorIs(t, out.CleanupErr, os.ErrPermission)
	assert.FileExists(t, j.OutputPath)
	assert.FileExists(t, j.InputPath)
}

func TestRunCancelled(t *testing.T) {
	j := newJob(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &Runner{Source: &fakeSource{pages: &fakePages{n: 2}}, Engine: &fakeEngine{}, Assembler: &fakeAssembler{}}

	out := r.Run(ctx, j)

	assert.Equal(t, Failed, out.State)
	assert.Equal(t, KindCancelled, out.Kind)
	assert.FileExists(t, j.InputPath)
}

func TestRunPostSaveStepsNeverFail(t *testing.T) {
	j := newJob(t)
	arch := &fakeArchive{err: errors.New("bucket gone")}
	verified := 0
	r := &Runner{
		Source:    &fakeSource{pages: &fakePages{n: 1}},
		Engine:    &fakeEngine{},
		Assembler: &fakeAssembler{},
		Archive:   arch,
		Verify: func(string) (*pdftest.Report, error) {
			verified++
			return &pdftest.Report{TotalPages: 1}, nil
		},
	}

	out := r.Run(context.Background(), j)

	assert.Equal(t, Done, out.State)
	assert.Equal(t, 1, arch.calls)
	assert.Equal(t, 1, verified)
	assert.NoFileExists(t, j.InputPath)
}

func TestRunCorruptInputWithRasterizer(t *testing.T) {
	j := newJob(t)
	require.NoError(t, os.WriteFile(j.InputPath, []byte("%PDF-1.4\nthis is not really a pdf"), 0o644))
	r := &Runner{
		Source:    RasterSource(imagerender.New(imagerender.Options{DPI: 72})),
		Engine:    &fakeEngine{},
		Assembler: assemble.New(),
	}

	out := r.Run(context.Background(), j)

	assert.Equal(t, Failed, out.State)
	assert.Equal(t, KindUnreadable, out.Kind)
	assert.FileExists(t, j.InputPath)
	assert.NoFileExists(t, j.OutputPath)
}

func TestTransitions(t *testing.T) {
	path := []State{Pending, Rasterizing, Recognizing, Assembling, Saving, Deleting, Done}
	for i := 0; i+1 < len(path); i++ {
		assert.True(t, CanTransition(path[i], path[i+1]), "%s -> %s", path[i], path[i+1])
		assert.True(t, CanTransition(path[i], Failed), "%s -> Failed", path[i])
	}
	assert.False(t, CanTransition(Pending, Saving))
	assert.False(t, CanTransition(Saving, Done), "deletion may not be skipped")
	assert.False(t, CanTransition(Done, Failed))
	assert.False(t, CanTransition(Failed, Rasterizing))
	assert.Equal(t, "Recognizing", Recognizing.String())
}

func TestIllegalTransitionPanics(t *testing.T) {
	tr := &tracker{state: Failed}
	assert.Panics(t, func() { tr.to(Rasterizing) })

	tr = &tracker{state: Assembling}
	assert.Panics(t, func() { tr.to(Deleting) })
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindNone, Classify(nil, Saving))
	assert.Equal(t, KindLayout, Classify(&layout.InvalidLayoutError{Path: "/a", Root: "/b"}, Pending))
	assert.Equal(t, KindCancelled, Classify(fmt.Errorf("wrapped: %w", context.Canceled), Recognizing))
	assert.Equal(t, KindWrite, Classify(fmt.Errorf("x: %w", &assemble.WriteError{Path: "p", Err: errors.New("e")}), Saving))
	assert.Equal(t, KindRecognition, Classify(errors.New("plain"), Recognizing))
	assert.Equal(t, KindWrite, Classify(errors.New("merge failed"), Assembling))
	assert.Equal(t, KindInternal, Classify(errors.New("plain"), Deleting))
	assert.Equal(t, KindInternal, Classify(&PanicError{Page: 2, Value: "x"}, Recognizing))
}
