package store

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readEntry loads what Record wrote; the ledger itself never reads back.
func readEntry(ctx context.Context, l *RedisLedger, rel string) (Entry, bool, error) {
	res, err := l.client.HGetAll(ctx, l.fileKey(rel)).Result()
	if err != nil || len(res) == 0 {
		return Entry{}, false, err
	}
	return entryFrom(rel, res), true, nil
}

func entryFrom(rel string, res map[string]string) Entry {
	e := Entry{
		RelPath:    rel,
		RunID:      res["run_id"],
		State:      res["state"],
		Kind:       res["kind"],
		Error:      res["error"],
		OutputPath: res["output"],
	}
	e.Pages, _ = strconv.Atoi(res["pages"])
	e.Start, _ = time.Parse(time.RFC3339Nano, res["start"])
	e.End, _ = time.Parse(time.RFC3339Nano, res["end"])
	return e
}

func TestEntryFieldsRoundTrip(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	e := Entry{
		RunID:      "r1",
		RelPath:    "sub/b.pdf",
		State:      "Failed",
		Kind:       "recognition",
		Error:      "recognize page 2: exit status 1",
		Pages:      2,
		OutputPath: "/base/done/sub/b.pdf",
		Start:      start,
		End:        start.Add(3 * time.Second),
	}

	res := map[string]string{}
	for k, v := range e.fields() {
		switch x := v.(type) {
		case string:
			res[k] = x
		case int:
			res[k] = strconv.Itoa(x)
		}
	}
	assert.Equal(t, e, entryFrom("sub/b.pdf", res))
}

func TestFileKey(t *testing.T) {
	assert.Equal(t, "pdfocr:file:sub/b.pdf", fileKey("pdfocr", "sub/b.pdf"))
}

func TestNewRedisLedgerBadURL(t *testing.T) {
	_, err := NewRedisLedger(context.Background(), "not-a-url", time.Hour)
	assert.Error(t, err)
}

// Runs against a real server when LEDGER_TEST_REDIS_URL is set.
func TestRedisLedgerRecord(t *testing.T) {
	url := os.Getenv("LEDGER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("LEDGER_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	l, err := NewRedisLedger(ctx, url, time.Minute)
	require.NoError(t, err)
	defer l.Close()
	l.keyNS = "pdfocr-test-" + uuid.NewString()

	e := Entry{RunID: "r", RelPath: "a.pdf", State: "Done", Pages: 1}
	require.NoError(t, l.Record(ctx, e))
	got, ok, err := readEntry(ctx, l, "a.pdf")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Done", got.State)
	assert.Equal(t, 1, got.Pages)

	_, ok, err = readEntry(ctx, l, "missing.pdf")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.RecordRun(ctx, RunSummary{RunID: "r", Discovered: 1, Succeeded: 1, Start: time.Now(), End: time.Now()}))
}
