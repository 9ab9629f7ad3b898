package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrkeeper/internal/backup"
	"qrkeeper/internal/common"
	"qrkeeper/internal/logging"
	"qrkeeper/internal/sidecar"
	"qrkeeper/internal/storage/schema"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()

	sc, err := sidecar.Open(filepath.Join(dir, "sidecar"))
	require.NoError(t, err)
	sink, err := backup.NewFileSink(filepath.Join(dir, "backups"))
	require.NoError(t, err)

	e := NewEngine(filepath.Join(dir, "qrkeeper.db"), sc, sink, logging.NewNop())
	require.NoError(t, e.Initialize(context.Background(), nil))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func scanRecord(id string) Record {
	return Record{
		"id":           id,
		"content":      "https://example.org/page",
		"type":         "url",
		"safetyStatus": "unknown",
		"synced":       false,
	}
}

func TestInitialize_Idempotent(t *testing.T) {
	e := newEngine(t)

	first := e.MigrationReport()
	require.NotNil(t, first)

	require.NoError(t, e.Initialize(context.Background(), nil))
	assert.Same(t, first, e.MigrationReport(), "second initialize must not re-run migrations")
}

func TestOperations_BeforeInitialize(t *testing.T) {
	dir := t.TempDir()
	sc, err := sidecar.Open(filepath.Join(dir, "sidecar"))
	require.NoError(t, err)
	sink, err := backup.NewFileSink(filepath.Join(dir, "backups"))
	require.NoError(t, err)
	e := NewEngine(filepath.Join(dir, "qrkeeper.db"), sc, sink, logging.NewNop())

	_, err = e.Get(context.Background(), schema.ScanHistory, "x", nil)
	assert.ErrorIs(t, err, common.ErrNotInitialized)

	err = e.Add(context.Background(), schema.ScanHistory, scanRecord("x"), nil)
	assert.ErrorIs(t, err, common.ErrNotInitialized)
}

func TestAddGet_RoundTrip(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Add(ctx, schema.ScanHistory, scanRecord("s1"), nil))

	rec, err := e.Get(ctx, schema.ScanHistory, "s1", nil)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "https://example.org/page", rec.String("content"))
	assert.Positive(t, rec.Int64("timestamp"), "timestamp must be stamped")
	assert.EqualValues(t, schema.Version, rec.Int64("schemaVersion"))
}

func TestGet_Absent(t *testing.T) {
	e := newEngine(t)

	rec, err := e.Get(context.Background(), schema.ScanHistory, "nope", nil)
	require.NoError(t, err, "absence is not an error")
	assert.Nil(t, rec)
}

func TestAdd_SensitiveFieldsEncryptedAtRest(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	rec := scanRecord("s1")
	rec["content"] = "http://evil.tld"
	require.NoError(t, e.Add(ctx, schema.ScanHistory, rec, []string{"content", "safetyDetails"}))

	// caller's map must not be mutated
	assert.Equal(t, "http://evil.tld", rec.String("content"))

	// physical row holds ciphertext
	raw, err := e.Get(ctx, schema.ScanHistory, "s1", nil)
	require.NoError(t, err)
	assert.True(t, raw.Bool("encrypted"))
	assert.NotEqual(t, "http://evil.tld", raw.String("content"))

	// declared read path decrypts
	dec, err := e.Get(ctx, schema.ScanHistory, "s1", []string{"content", "safetyDetails"})
	require.NoError(t, err)
	assert.Equal(t, "http://evil.tld", dec.String("content"))
}

func TestAdd_ValidationFailed(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	err := e.Add(ctx, schema.ScanHistory, Record{"id": "s1", "type": "url"}, nil)
	assert.ErrorIs(t, err, common.ErrValidation, "missing required content field")

	err = e.Add(ctx, schema.ScanHistory, Record{"id": "s1", "content": "x", "type": 7}, nil)
	assert.ErrorIs(t, err, common.ErrValidation, "type field must be a string")

	err = e.Add(ctx, "noSuchStore", scanRecord("s1"), nil)
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestAdd_UnknownFieldsPermitted(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	rec := scanRecord("s1")
	rec["customTag"] = "kitchen"
	require.NoError(t, e.Add(ctx, schema.ScanHistory, rec, nil))

	got, err := e.Get(ctx, schema.ScanHistory, "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, "kitchen", got.String("customTag"))
}

func TestUpdate_PatchAndNotFound(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Add(ctx, schema.ScanHistory, scanRecord("s1"), nil))

	require.NoError(t, e.Update(ctx, schema.ScanHistory, "s1", Record{"safetyStatus": "dangerous", "synced": true}, nil))

	got, err := e.Get(ctx, schema.ScanHistory, "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, "dangerous", got.String("safetyStatus"))
	assert.True(t, got.Bool("synced"))
	assert.Equal(t, "https://example.org/page", got.String("content"), "unpatched fields survive")

	err = e.Update(ctx, schema.ScanHistory, "absent", Record{"synced": true}, nil)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestUpdate_ReencryptsSensitiveFields(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	sensitive := []string{"content"}

	require.NoError(t, e.Add(ctx, schema.ScanHistory, scanRecord("s1"), sensitive))
	require.NoError(t, e.Update(ctx, schema.ScanHistory, "s1", Record{"content": "tel:+1234567"}, sensitive))

	raw, err := e.Get(ctx, schema.ScanHistory, "s1", nil)
	require.NoError(t, err)
	assert.True(t, raw.Bool("encrypted"))
	assert.NotEqual(t, "tel:+1234567", raw.String("content"))

	dec, err := e.Get(ctx, schema.ScanHistory, "s1", sensitive)
	require.NoError(t, err)
	assert.Equal(t, "tel:+1234567", dec.String("content"))
}

func TestDelete_Idempotent(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Add(ctx, schema.ScanHistory, scanRecord("s1"), nil))
	require.NoError(t, e.Delete(ctx, schema.ScanHistory, "s1"))
	require.NoError(t, e.Delete(ctx, schema.ScanHistory, "s1"))

	rec, err := e.Get(ctx, schema.ScanHistory, "s1", nil)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestQueryByIndex(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	r1 := scanRecord("s1")
	r1["safetyStatus"] = "safe"
	r2 := scanRecord("s2")
	r2["safetyStatus"] = "dangerous"
	r3 := scanRecord("s3")
	r3["safetyStatus"] = "dangerous"
	r3["synced"] = true

	for _, r := range []Record{r1, r2, r3} {
		require.NoError(t, e.Add(ctx, schema.ScanHistory, r, nil))
	}

	dangerous, err := e.QueryByIndex(ctx, schema.ScanHistory, "safetyStatus", "dangerous", nil)
	require.NoError(t, err)
	assert.Len(t, dangerous, 2)

	unsynced, err := e.QueryByIndex(ctx, schema.ScanHistory, "synced", false, nil)
	require.NoError(t, err)
	assert.Len(t, unsynced, 2)

	_, err = e.QueryByIndex(ctx, schema.ScanHistory, "noSuchIndex", 1, nil)
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestClearAndCount(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Add(ctx, schema.ScanHistory, scanRecord("s1"), nil))
	require.NoError(t, e.Add(ctx, schema.ScanHistory, scanRecord("s2"), nil))

	n, err := e.Count(ctx, schema.ScanHistory)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	require.NoError(t, e.Clear(ctx, schema.ScanHistory))
	n, err = e.Count(ctx, schema.ScanHistory)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStats(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Add(ctx, schema.ScanHistory, scanRecord("s1"), nil))

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Counts[schema.ScanHistory])
	assert.EqualValues(t, 0, stats.Counts[schema.QueuedRequests])
	assert.Positive(t, stats.FileSize)
}

func TestToFromRecord(t *testing.T) {
	type scan struct {
		ID      string `json:"id"`
		Content string `json:"content"`
		Synced  bool   `json:"synced"`
	}

	rec, err := ToRecord(scan{ID: "s1", Content: "x", Synced: true})
	require.NoError(t, err)
	assert.Equal(t, "s1", rec.String("id"))

	var back scan
	require.NoError(t, FromRecord(rec, &back))
	assert.Equal(t, scan{ID: "s1", Content: "x", Synced: true}, back)
}
