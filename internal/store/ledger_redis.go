package store

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Entry is the last known outcome for one input file. It is a report, never
// read back to decide what to process: the todo tree is the only job state.
type Entry struct {
	RunID      string
	RelPath    string
	State      string
	Kind       string
	Error      string
	Pages      int
	OutputPath string
	Start      time.Time
	End        time.Time
}

// RunSummary is written once per scheduler run.
type RunSummary struct {
	RunID         string
	Base          string
	Discovered    int
	Succeeded     int
	Failed        int
	CleanupFailed int
	Start         time.Time
	End           time.Time
}

type RedisLedger struct {
	client *redis.Client
	keyNS  string
	ttl    time.Duration
}

func NewRedisLedger(ctx context.Context, redisURL string, ttl time.Duration) (*RedisLedger, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	c := redis.NewClient(opt)
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, err
	}
	return &RedisLedger{client: c, keyNS: "pdfocr", ttl: ttl}, nil
}

func (s *RedisLedger) fileKey(rel string) string { return fileKey(s.keyNS, rel) }
func (s *RedisLedger) runKey(id string) string   { return fmt.Sprintf("%s:run:%s", s.keyNS, id) }

func fileKey(ns, rel string) string { return fmt.Sprintf("%s:file:%s", ns, rel) }

func (e Entry) fields() map[string]interface{} {
	m := map[string]interface{}{
		"run_id": e.RunID,
		"state":  e.State,
		"kind":   e.Kind,
		"error":  e.Error,
		"pages":  e.Pages,
		"output": e.OutputPath,
	}
	if !e.Start.IsZero() {
		m["start"] = e.Start.Format(time.RFC3339Nano)
	}
	if !e.End.IsZero() {
		m["end"] = e.End.Format(time.RFC3339Nano)
	}
	return m
}

// Record overwrites the entry for e.RelPath.
func (s *RedisLedger) Record(ctx context.Context, e Entry) error {
	key := s.fileKey(e.RelPath)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, e.fields())
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisLedger) RecordRun(ctx context.Context, r RunSummary) error {
	key := s.runKey(r.RunID)
	m := map[string]interface{}{
		"base":           r.Base,
		"discovered":     r.Discovered,
		"succeeded":      r.Succeeded,
		"failed":         r.Failed,
		"cleanup_failed": r.CleanupFailed,
		"start":          r.Start.Format(time.RFC3339Nano),
		"end":            r.End.Format(time.RFC3339Nano),
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, m)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisLedger) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *RedisLedger) Close() error { return s.client.Close() }
