package main

import (
    "context"
    "errors"
    "fmt"
    "net/http"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/rs/zerolog/log"
    "github.com/urfave/cli/v2"

    cfgpkg "github.com/local/pdfocr/internal/config"
    "github.com/local/pdfocr/internal/assemble"
    "github.com/local/pdfocr/internal/imagerender"
    "github.com/local/pdfocr/internal/job"
    "github.com/local/pdfocr/internal/layout"
    "github.com/local/pdfocr/internal/limiter"
    logpkg "github.com/local/pdfocr/internal/logger"
    "github.com/local/pdfocr/internal/metrics"
    "github.com/local/pdfocr/internal/mupdf"
    "github.com/local/pdfocr/internal/ocr"
    "github.com/local/pdfocr/internal/ocr/preflight"
    "github.com/local/pdfocr/internal/pdftest"
    "github.com/local/pdfocr/internal/scheduler"
    "github.com/local/pdfocr/internal/statuscheck"
    "github.com/local/pdfocr/internal/storage"
    "github.com/local/pdfocr/internal/store"
    "github.com/local/pdfocr/internal/watch"
)

func main() {
    app := &cli.App{
        Name:      "pdfocr",
        Usage:     "make every scanned PDF under BASE/todo searchable and move it to BASE/done",
        ArgsUsage: "BASE",
        Flags: []cli.Flag{
            &cli.IntFlag{Name: "workers", Aliases: []string{"w"}, Usage: "files processed in parallel, -1 for one per CPU"},
            &cli.IntFlag{Name: "page-workers", Usage: "pages of one file recognized in parallel"},
            &cli.IntFlag{Name: "dpi", Usage: "rasterization resolution"},
            &cli.StringFlag{Name: "lang", Aliases: []string{"l"}, Usage: "tesseract languages, e.g. eng+deu"},
            &cli.BoolFlag{Name: "watch", Usage: "keep running and process new files as they arrive"},
            &cli.BoolFlag{Name: "verify", Usage: "check the text layer of every saved output"},
        },
        Action: run,
    }

    if err := app.Run(os.Args); err != nil {
        log.Error().Err(err).Msg("pdfocr failed")
        logpkg.Close()
        os.Exit(1)
    }
}

func run(c *cli.Context) error {
    if c.NArg() != 1 {
        return cli.Exit("exactly one BASE directory is required", 2)
    }
    base := c.Args().First()

    cfg := cfgpkg.Load()
    applyFlags(c, &cfg)

    _ = logpkg.Init(logpkg.Options{
        Level:        cfg.Logging.Level,
        Pretty:       cfg.Logging.Pretty,
        File:         cfg.Logging.File,
        MaxSizeMB:    cfg.Logging.MaxSizeMB,
        MaxBackups:   cfg.Logging.MaxBackups,
        MaxAgeDays:   cfg.Logging.MaxAgeDays,
        Compress:     cfg.Logging.Compress,
        SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
        AxiomAPIKey:  cfg.Axiom.APIKey,
        AxiomOrgID:   cfg.Axiom.OrgID,
        AxiomDataset: cfg.Axiom.Dataset,
        AxiomFlush:   cfg.Axiom.FlushInterval,
    })
    defer logpkg.Close()

    ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
    defer stop()

    metrics.Init()

    ocrOpts := ocr.Options{Path: cfg.Worker.TesseractPath, Languages: cfg.Worker.Languages, PSM: cfg.Worker.PSM}
    pre, err := preflight.Check(ocrOpts)
    if err != nil {
        return err
    }
    if pre.Unverified != nil { log.Warn().Err(pre.Unverified).Msg("could not list installed tesseract languages") }
    log.Info().Str("tesseract", pre.Binary).Str("libtesseract", pre.Library).Strs("languages", pre.Languages).Msg("ocr preflight ok")

    budget, err := memoryBudget(cfg.Memory)
    if err != nil {
        return err
    }

    health := statuscheck.Options{OCR: ocrOpts}
    runner := &job.Runner{
        Source: job.RasterSource(imagerender.New(imagerender.Options{
            DPI:       cfg.Worker.DPI,
            Quality:   cfg.Worker.JPEGQuality,
            Grayscale: cfg.Worker.Grayscale,
        })),
        Engine:      ocr.NewTesseractEngine(ocrOpts, nil),
        Assembler:   assemble.New(),
        PageWorkers: cfg.Worker.PageWorkers,
    }
    if cfg.Worker.Verify {
        runner.Verify = pdftest.Probe
    }
    if cfg.Archive.Bucket != "" {
        arch, err := storage.NewS3Archiver(ctx, storage.Options{
            Bucket:    cfg.Archive.Bucket,
            Prefix:    cfg.Archive.Prefix,
            Region:    cfg.Archive.Region,
            Endpoint:  cfg.Archive.Endpoint,
            AccessKey: cfg.Archive.AccessKey,
            SecretKey: cfg.Archive.SecretKey,
        })
        if err != nil {
            log.Warn().Err(err).Msg("archive disabled")
        } else {
            runner.Archive = arch
            health.Archive = arch
        }
    }

    sched := &scheduler.Scheduler{
        Runner:         runner,
        Concurrency:    cfg.Worker.Concurrency,
        Budget:         budget,
        Inspector:      mupdf.NewInspector(),
        DPI:            cfg.Worker.DPI,
        OverheadFactor: cfg.Memory.OverheadFactor,
        StaleTempAge:   cfg.Worker.StaleTempAge,
    }
    if cfg.Ledger.RedisURL != "" {
        ledger, err := store.NewRedisLedger(ctx, cfg.Ledger.RedisURL, cfg.Ledger.TTL)
        if err != nil {
            log.Warn().Err(err).Msg("run ledger disabled")
        } else {
            defer ledger.Close()
            sched.Ledger = ledger
            health.Ledger = ledger
        }
    }

    if cfg.Metrics.Addr != "" {
        srv := serveMetrics(cfg.Metrics.Addr, statuscheck.New(health))
        defer func() {
            sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
            defer cancel()
            _ = srv.Shutdown(sctx)
        }()
    }

    if !cfg.Watch.Enabled {
        _, err := sched.Run(ctx, base)
        return err
    }

    tree, err := layout.EnsureTree(base)
    if err != nil {
        return err
    }
    log.Info().Str("todo", tree.Todo).Dur("debounce", cfg.Watch.Debounce).Msg("watching for new files")
    return watch.Loop(ctx, tree.Todo, cfg.Watch.Debounce, func(ctx context.Context) {
        if _, err := sched.Run(ctx, base); err != nil {
            log.Error().Err(err).Msg("run failed")
        }
    })
}

func applyFlags(c *cli.Context, cfg *cfgpkg.Config) {
    if c.IsSet("workers") { cfg.Worker.Concurrency = c.Int("workers") }
    if c.IsSet("page-workers") && c.Int("page-workers") > 0 { cfg.Worker.PageWorkers = c.Int("page-workers") }
    if c.IsSet("dpi") && c.Int("dpi") > 0 { cfg.Worker.DPI = c.Int("dpi") }
    if c.IsSet("lang") {
        if langs := cfgpkg.ParseList(c.String("lang")); len(langs) > 0 { cfg.Worker.Languages = langs }
    }
    if c.IsSet("watch") { cfg.Watch.Enabled = c.Bool("watch") }
    if c.IsSet("verify") { cfg.Worker.Verify = c.Bool("verify") }
}

// memoryBudget sizes the job budget from MemAvailable and applies the Go soft
// limit, plus RLIMIT_AS when the hard ceiling is on. Without a readable
// MemAvailable the budget is disabled and only the worker count bounds memory.
func memoryBudget(m cfgpkg.MemoryConfig) (*limiter.MemoryBudget, error) {
    bytes, err := limiter.BudgetBytes(m.Fraction)
    if err != nil {
        if m.HardCeiling {
            return nil, fmt.Errorf("hard memory ceiling requested: %w", err)
        }
        log.Warn().Err(err).Msg("memory budget disabled")
        return limiter.NewMemoryBudget(0), nil
    }
    prev := limiter.ApplySoftLimit(bytes)
    log.Info().Int64("budget_bytes", bytes).Int64("previous_soft_limit", prev).Float64("fraction", m.Fraction).Msg("memory budget")
    if m.HardCeiling {
        if err := limiter.ApplyHardCeiling(bytes); err != nil {
            return nil, err
        }
        log.Info().Int64("bytes", bytes).Msg("hard address space ceiling applied")
    }
    return limiter.NewMemoryBudget(bytes), nil
}

func serveMetrics(addr string, health *statuscheck.Checker) *http.Server {
    mux := http.NewServeMux()
    mux.Handle("/metrics", metrics.Handler())
    mux.Handle("/healthz", health.Handler())
    srv := &http.Server{Addr: addr, Handler: mux}
    go func() {
        log.Info().Msgf("metrics listening on %s", addr)
        if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
            log.Error().Err(err).Msg("metrics server error")
        }
    }()
    return srv
}
