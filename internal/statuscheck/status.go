package statuscheck

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net/http"
    "sync"
    "time"

    "github.com/local/pdfocr/internal/limiter"
    "github.com/local/pdfocr/internal/ocr"
    "github.com/local/pdfocr/internal/ocr/preflight"
)

// tesseractTTL is how long a tesseract check result is reused. Language
// models rarely change while the process runs; scrapers poll often.
const tesseractTTL = time.Minute

// Pinger is anything with a reachability probe: the redis ledger, the S3 archive.
type Pinger interface {
    Ping(ctx context.Context) error
}

// Checker aggregates health checks for the tools and services a run depends on.
type Checker struct {
    ocr       ocr.Options
    ledger    Pinger
    archive   Pinger
    preflight func(ocr.Options) error
    memory    func() (uint64, error)

    mu      sync.Mutex
    checked time.Time
    tess    Status
    now     func() time.Time
}

// Options configures the Checker. Nil Ledger or Archive means the feature is off.
type Options struct {
    OCR     ocr.Options
    Ledger  Pinger
    Archive Pinger
}

// Status represents the readiness of a subsystem.
type Status struct {
    OK      bool   `json:"ok"`
    Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
    Tesseract Status `json:"tesseract"`
    Memory    Status `json:"memory"`
    Ledger    Status `json:"ledger"`
    Archive   Status `json:"archive"`
}

// Healthy reports whether runs can make progress. Ledger and archive are
// optional and never make a run fail, so they don't count.
func (s Summary) Healthy() bool { return s.Tesseract.OK && s.Memory.OK }

func New(opts Options) *Checker {
    return &Checker{
        ocr:       opts.OCR,
        ledger:    opts.Ledger,
        archive:   opts.Archive,
        preflight: func(o ocr.Options) error { _, err := preflight.Check(o); return err },
        memory:    limiter.AvailableMemory,
        now:       time.Now,
    }
}

// Summary returns the current status snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
    return Summary{
        Tesseract: c.checkTesseract(),
        Memory:    c.checkMemory(),
        Ledger:    checkPinger(ctx, c.ledger),
        Archive:   checkPinger(ctx, c.archive),
    }
}

// Handler serves the summary as JSON, 503 when unhealthy.
func (c *Checker) Handler() http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        sum := c.Summary(r.Context())
        w.Header().Set("Content-Type", "application/json")
        if !sum.Healthy() {
            w.WriteHeader(http.StatusServiceUnavailable)
        }
        _ = json.NewEncoder(w).Encode(sum)
    })
}

func (c *Checker) checkTesseract() Status {
    c.mu.Lock()
    defer c.mu.Unlock()
    now := c.now()
    if !c.checked.IsZero() && now.Sub(c.checked) < tesseractTTL { return c.tess }

    if err := c.preflight(c.ocr); err != nil {
        c.tess = Status{OK: false, Message: trimError(err)}
    } else {
        c.tess = Status{OK: true, Message: "Available"}
    }
    c.checked = now
    return c.tess
}

func (c *Checker) checkMemory() Status {
    n, err := c.memory()
    if err != nil {
        return Status{OK: false, Message: trimError(err)}
    }
    return Status{OK: true, Message: fmt.Sprintf("%d MiB available", n>>20)}
}

func checkPinger(ctx context.Context, p Pinger) Status {
    if p == nil {
        return Status{OK: false, Message: "Not configured"}
    }
    ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
    defer cancel()
    if err := p.Ping(ctx); err != nil {
        return Status{OK: false, Message: trimError(err)}
    }
    return Status{OK: true, Message: "Connected"}
}

func trimError(err error) string {
    if err == nil {
        return ""
    }
    var netErr interface{ Timeout() bool }
    if errors.As(err, &netErr) && netErr.Timeout() {
        return "timeout"
    }
    msg := err.Error()
    if len(msg) > 120 {
        return msg[:120]
    }
    return msg
}
