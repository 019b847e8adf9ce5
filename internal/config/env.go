package config

import (
    "os"
    "strconv"
    "strings"
    "time"

    "github.com/joho/godotenv"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
    Level        string
    Pretty       bool
    File         string
    MaxSizeMB    int
    MaxBackups   int
    MaxAgeDays   int
    Compress     bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
    Send          bool
    APIKey        string
    OrgID         string
    Dataset       string
    FlushInterval time.Duration
}

// WorkerConfig defines how files and pages are processed.
type WorkerConfig struct {
    Concurrency   int      // files processed in parallel; <= 0 means one per CPU
    PageWorkers   int      // pages of one file recognized in parallel
    DPI           int
    JPEGQuality   int
    Grayscale     bool
    Languages     []string
    PSM           int      // tesseract page segmentation mode, 0 keeps tesseract's default
    TesseractPath string
    Verify        bool     // probe the saved text layer after each save
    StaleTempAge  time.Duration
}

// MemoryConfig bounds memory used by concurrent rasterization and OCR.
type MemoryConfig struct {
    Fraction       float64 // share of MemAvailable handed to the job budget
    HardCeiling    bool    // additionally apply RLIMIT_AS of the same size
    OverheadFactor float64 // multiplier applied to the raster size of the largest page
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
    Addr string
}

// LedgerConfig points at the optional redis run ledger.
type LedgerConfig struct {
    RedisURL string
    TTL      time.Duration
}

// ArchiveConfig describes the optional S3 copy of every saved output.
type ArchiveConfig struct {
    Bucket    string
    Prefix    string
    Region    string
    Endpoint  string
    AccessKey string
    SecretKey string
}

// WatchConfig controls watch mode.
type WatchConfig struct {
    Enabled  bool
    Debounce time.Duration
}

// Config is the top-level configuration.
type Config struct {
    Logging LoggingConfig
    Axiom   AxiomConfig
    Worker  WorkerConfig
    Memory  MemoryConfig
    Metrics MetricsConfig
    Ledger  LedgerConfig
    Archive ArchiveConfig
    Watch   WatchConfig
}

// Load reads an optional .env file and then the environment.
func Load() Config {
    // a missing .env is the normal case
    _ = godotenv.Load()
    return FromEnv()
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
    cfg := Config{}

    cfg.Logging = LoggingConfig{
        Level:      getEnv("LOG_LEVEL", "info"),
        Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
        File:       getEnv("LOG_FILE", ""),
        MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
        MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
        MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
        Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
    }

    baseDataset := getEnv("AXIOM_DATASET", "dev")
    cfg.Axiom = AxiomConfig{
        Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
        APIKey:        getEnv("AXIOM_API_KEY", ""),
        OrgID:         getEnv("AXIOM_ORG_ID", ""),
        Dataset:       baseDataset + "_pdfocr",
        FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
    }

    cfg.Worker = WorkerConfig{
        Concurrency:   parseInt(getEnv("WORKER_CONCURRENCY", "-1"), -1),
        PageWorkers:   parseInt(getEnv("PAGE_WORKERS", "1"), 1),
        DPI:           parseInt(getEnv("RENDER_DPI", "300"), 300),
        JPEGQuality:   parseInt(getEnv("JPEG_QUALITY", "85"), 85),
        Grayscale:     parseBool(getEnv("RENDER_GRAYSCALE", "0")),
        Languages:     ParseList(getEnv("OCR_LANGUAGES", "eng")),
        PSM:           parseInt(getEnv("OCR_PSM", "0"), 0),
        TesseractPath: getEnv("TESSERACT_PATH", "tesseract"),
        Verify:        parseBool(getEnv("VERIFY_TEXT_LAYER", "0")),
        StaleTempAge:  parseDuration(getEnv("STALE_TEMP_AGE", "24h"), 24*time.Hour),
    }
    if cfg.Worker.PageWorkers <= 0 { cfg.Worker.PageWorkers = 1 }
    if cfg.Worker.DPI <= 0 { cfg.Worker.DPI = 300 }
    if cfg.Worker.JPEGQuality <= 0 || cfg.Worker.JPEGQuality > 100 { cfg.Worker.JPEGQuality = 85 }
    if len(cfg.Worker.Languages) == 0 { cfg.Worker.Languages = []string{"eng"} }

    cfg.Memory = MemoryConfig{
        Fraction:       parseFloat(getEnv("MEMORY_FRACTION", "0.8"), 0.8),
        HardCeiling:    parseBool(getEnv("MEMORY_HARD_CEILING", "0")),
        OverheadFactor: parseFloat(getEnv("MEMORY_OVERHEAD_FACTOR", "3"), 3),
    }
    if cfg.Memory.Fraction <= 0 || cfg.Memory.Fraction > 1 { cfg.Memory.Fraction = 0.8 }
    if cfg.Memory.OverheadFactor < 1 { cfg.Memory.OverheadFactor = 1 }

    cfg.Metrics = MetricsConfig{
        Addr: getEnv("METRICS_ADDR", ""),
    }

    cfg.Ledger = LedgerConfig{
        RedisURL: getEnv("LEDGER_REDIS_URL", ""),
        TTL:      parseDuration(getEnv("LEDGER_TTL", "720h"), 720*time.Hour),
    }

    cfg.Archive = ArchiveConfig{
        Bucket:    getEnv("ARCHIVE_S3_BUCKET", ""),
        Prefix:    strings.Trim(getEnv("ARCHIVE_S3_PREFIX", ""), "/"),
        Region:    getEnv("AWS_REGION", ""),
        Endpoint:  getEnv("ARCHIVE_S3_ENDPOINT", ""),
        AccessKey: getEnv("ARCHIVE_S3_ACCESS_KEY", ""),
        SecretKey: getEnv("ARCHIVE_S3_SECRET_KEY", ""),
    }

    cfg.Watch = WatchConfig{
        Enabled:  parseBool(getEnv("WATCH", "false")),
        Debounce: parseDuration(getEnv("WATCH_DEBOUNCE", "2s"), 2*time.Second),
    }

    return cfg
}

// Helpers
func getEnv(key, def string) string {
    if v := os.Getenv(key); v != "" {
        return v
    }
    return def
}

func parseInt(s string, def int) int {
    if s == "" { return def }
    if n, err := strconv.Atoi(s); err == nil { return n }
    return def
}

func parseFloat(s string, def float64) float64 {
    if s == "" { return def }
    if f, err := strconv.ParseFloat(s, 64); err == nil { return f }
    return def
}

func parseBool(s string) bool {
    v := strings.ToLower(strings.TrimSpace(s))
    return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
    if s == "" { return def }
    if d, err := time.ParseDuration(s); err == nil { return d }
    return def
}

// ParseList splits "eng+deu" or "eng,deu" into its parts.
func ParseList(s string) []string {
    fields := strings.FieldsFunc(s, func(r rune) bool { return r == '+' || r == ',' || r == ' ' })
    out := make([]string, 0, len(fields))
    for _, f := range fields {
        if f = strings.TrimSpace(f); f != "" {
            out = append(out, f)
        }
    }
    return out
}

func devDefaultPretty() string {
    env := strings.ToLower(os.Getenv("ENVIRONMENT"))
    if env == "dev" || env == "development" || env == "local" { return "true" }
    return "false"
}
