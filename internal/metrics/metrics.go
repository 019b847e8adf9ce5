package metrics

import (
    "net/http"
    "sync"
    "time"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    jobsTotal = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "pdfocr",
            Name:      "jobs_total",
            Help:      "Files processed by result (done, failed) and failure kind",
        },
        []string{"result", "kind"},
    )

    jobDuration = prometheus.NewHistogram(
        prometheus.HistogramOpts{
            Namespace: "pdfocr",
            Name:      "job_duration_seconds",
            Help:      "Wall time of one file from dispatch to Done or Failed",
            Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
        },
    )

    stageDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Namespace: "pdfocr",
            Name:      "stage_duration_seconds",
            Help:      "Duration of pipeline stages (rasterize, recognize, assemble, save, delete)",
            Buckets:   prometheus.DefBuckets,
        },
        []string{"stage"},
    )

    pagesTotal = prometheus.NewCounter(
        prometheus.CounterOpts{
            Namespace: "pdfocr",
            Name:      "pages_recognized_total",
            Help:      "Total pages rasterized and recognized",
        },
    )

    cleanupFailures = prometheus.NewCounter(
        prometheus.CounterOpts{
            Namespace: "pdfocr",
            Name:      "source_cleanup_failures_total",
            Help:      "Sources that could not be removed after a successful save",
        },
    )

    inflightJobs = prometheus.NewGauge(
        prometheus.GaugeOpts{
            Namespace: "pdfocr",
            Name:      "inflight_jobs",
            Help:      "Files currently being processed",
        },
    )

    memoryBudget = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Namespace: "pdfocr",
            Name:      "memory_budget_bytes",
            Help:      "Memory budget capacity and the weight currently reserved by jobs",
        },
        []string{"type"},
    )
)

var once sync.Once

// Init registers collectors. Safe to call more than once.
func Init() {
    once.Do(func() {
        prometheus.MustRegister(jobsTotal, jobDuration, stageDuration, pagesTotal, cleanupFailures, inflightJobs, memoryBudget)
    })
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

// ObserveJob records the outcome of one file. kind is empty on success.
func ObserveJob(result, kind string, dur time.Duration) {
    jobsTotal.WithLabelValues(result, kind).Inc()
    jobDuration.Observe(dur.Seconds())
}

func ObserveStage(stage string, dur time.Duration) { stageDuration.WithLabelValues(stage).Observe(dur.Seconds()) }
func AddPages(n int)                               { pagesTotal.Add(float64(n)) }
func IncCleanupFailure()                           { cleanupFailures.Inc() }
func JobStarted()                                  { inflightJobs.Inc() }
func JobFinished()                                 { inflightJobs.Dec() }

func SetMemoryBudget(capacity, reserved int64) {
    memoryBudget.WithLabelValues("capacity").Set(float64(capacity))
    memoryBudget.WithLabelValues("reserved").Set(float64(reserved))
}
