package limiter

import (
    "context"
    "fmt"
    "runtime/debug"
    "sync"

    "github.com/prometheus/procfs"
    "golang.org/x/sync/semaphore"

    "github.com/local/pdfocr/internal/metrics"
)

// MemoryBudget gates jobs by their estimated peak memory. A job heavier than
// the whole budget is clamped to it, so it still runs, alone.
type MemoryBudget struct {
    sem      *semaphore.Weighted
    capacity int64

    mu       sync.Mutex
    reserved int64
}

// NewMemoryBudget returns a budget of capacity bytes; capacity <= 0 disables gating.
func NewMemoryBudget(capacity int64) *MemoryBudget {
    b := &MemoryBudget{capacity: capacity}
    if capacity > 0 {
        b.sem = semaphore.NewWeighted(capacity)
    }
    metrics.SetMemoryBudget(capacity, 0)
    return b
}

func (b *MemoryBudget) Capacity() int64 { return b.capacity }

func (b *MemoryBudget) Reserved() int64 {
    b.mu.Lock()
    defer b.mu.Unlock()
    return b.reserved
}

// Acquire blocks until weight bytes are available or ctx is done. The
// returned release func must be called exactly once.
func (b *MemoryBudget) Acquire(ctx context.Context, weight int64) (func(), error) {
    if b.sem == nil {
        return func() {}, nil
    }
    if weight < 1 { weight = 1 }
    if weight > b.capacity { weight = b.capacity }
    if err := b.sem.Acquire(ctx, weight); err != nil {
        return nil, err
    }
    b.adjust(weight)
    var once sync.Once
    return func() {
        once.Do(func() {
            b.adjust(-weight)
            b.sem.Release(weight)
        })
    }, nil
}

func (b *MemoryBudget) adjust(delta int64) {
    b.mu.Lock()
    b.reserved += delta
    r := b.reserved
    b.mu.Unlock()
    metrics.SetMemoryBudget(b.capacity, r)
}

// AvailableMemory reads MemAvailable from /proc/meminfo, falling back to MemFree.
func AvailableMemory() (uint64, error) {
    fs, err := procfs.NewDefaultFS()
    if err != nil { return 0, fmt.Errorf("open procfs: %w", err) }
    mi, err := fs.Meminfo()
    if err != nil { return 0, fmt.Errorf("read meminfo: %w", err) }
    switch {
    case mi.MemAvailable != nil:
        return *mi.MemAvailable * 1024, nil
    case mi.MemFree != nil:
        return *mi.MemFree * 1024, nil
    }
    return 0, fmt.Errorf("meminfo has neither MemAvailable nor MemFree")
}

// BudgetBytes is fraction of the currently available memory.
func BudgetBytes(fraction float64) (int64, error) {
    avail, err := AvailableMemory()
    if err != nil { return 0, err }
    return budgetFrom(avail, fraction), nil
}

func budgetFrom(avail uint64, fraction float64) int64 {
    if fraction <= 0 || fraction > 1 { fraction = 0.8 }
    return int64(float64(avail) * fraction)
}

// ApplySoftLimit sets the Go runtime memory limit. Memory allocated by MuPDF
// through cgo is not covered; the budget gate accounts for it.
func ApplySoftLimit(bytes int64) int64 {
    if bytes <= 0 { return debug.SetMemoryLimit(-1) }
    return debug.SetMemoryLimit(bytes)
}
