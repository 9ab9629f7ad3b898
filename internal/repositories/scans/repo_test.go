package scans

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrkeeper/internal/backup"
	"qrkeeper/internal/common"
	"qrkeeper/internal/logging"
	"qrkeeper/internal/sidecar"
	"qrkeeper/internal/storage"
	"qrkeeper/internal/storage/schema"
)

func newRepo(t *testing.T) (*EngineRepository, *storage.Engine) {
	t.Helper()
	dir := t.TempDir()

	sc, err := sidecar.Open(filepath.Join(dir, "sidecar"))
	require.NoError(t, err)
	sink, err := backup.NewFileSink(filepath.Join(dir, "backups"))
	require.NoError(t, err)

	engine := storage.NewEngine(filepath.Join(dir, "qrkeeper.db"), sc, sink, logging.NewNop())
	require.NoError(t, engine.Initialize(context.Background(), nil))
	t.Cleanup(func() { _ = engine.Close() })

	return NewEngineRepository(engine), engine
}

func addScan(t *testing.T, r *EngineRepository, content, typ, status string, ts int64) string {
	t.Helper()
	id, err := r.Add(context.Background(), &ScanRecord{
		Content:      content,
		Type:         typ,
		SafetyStatus: status,
		Timestamp:    ts,
	})
	require.NoError(t, err)
	return id
}

func TestAdd_AssignsUniqueIDs(t *testing.T) {
	r, _ := newRepo(t)

	id1 := addScan(t, r, "a", "url", StatusSafe, 0)
	id2 := addScan(t, r, "b", "url", StatusSafe, 0)
	assert.NotEqual(t, id1, id2)
}

func TestAddGet_ContentEncryptedAtRest(t *testing.T) {
	r, engine := newRepo(t)
	ctx := context.Background()

	id := addScan(t, r, "http://evil.tld", "url", StatusUnknown, 0)

	// physical record is ciphertext
	raw, err := engine.Get(ctx, schema.ScanHistory, id, nil)
	require.NoError(t, err)
	assert.True(t, raw.Bool("encrypted"))
	assert.NotEqual(t, "http://evil.tld", raw.String("content"))

	// repository read returns the original string
	rec, err := r.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "http://evil.tld", rec.Content)
}

func TestGet_Absent(t *testing.T) {
	r, _ := newRepo(t)

	rec, err := r.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUpdateSafety(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()

	id := addScan(t, r, "https://example.org", "url", StatusUnknown, 0)

	require.NoError(t, r.UpdateSafety(ctx, id, StatusDangerous, "phishing pattern"))

	rec, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDangerous, rec.SafetyStatus)
	assert.Equal(t, "phishing pattern", rec.SafetyDetails)

	err = r.UpdateSafety(ctx, "absent", StatusSafe, "")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestMarkSyncedAndUnsynced(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()

	id1 := addScan(t, r, "a", "url", StatusSafe, 1000)
	addScan(t, r, "b", "url", StatusSafe, 2000)

	require.NoError(t, r.MarkSynced(ctx, id1))

	unsynced, err := r.Unsynced(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, "b", unsynced[0].Content)
}

func TestByStatus(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()

	addScan(t, r, "a", "url", StatusSafe, 1000)
	addScan(t, r, "b", "url", StatusDangerous, 2000)
	addScan(t, r, "c", "text", StatusDangerous, 3000)

	dangerous, err := r.ByStatus(ctx, StatusDangerous)
	require.NoError(t, err)
	require.Len(t, dangerous, 2)
	assert.Equal(t, "c", dangerous[0].Content, "newest first")
}

func TestSearch(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()

	addScan(t, r, "https://shop.example/cart", "url", StatusSafe, 1000)
	addScan(t, r, "WIFI:T:WPA;S:home;;", "wifi", StatusSafe, 2000)

	byContent, err := r.Search(ctx, "SHOP.example")
	require.NoError(t, err)
	require.Len(t, byContent, 1)
	assert.Equal(t, "url", byContent[0].Type)

	byType, err := r.Search(ctx, "wifi")
	require.NoError(t, err)
	assert.Len(t, byType, 1)

	none, err := r.Search(ctx, "zzz")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestByDateRange(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	addScan(t, r, "old", "url", StatusSafe, base.UnixMilli())
	addScan(t, r, "mid", "url", StatusSafe, base.Add(24*time.Hour).UnixMilli())
	addScan(t, r, "new", "url", StatusSafe, base.Add(48*time.Hour).UnixMilli())

	got, err := r.ByDateRange(ctx, base.Add(12*time.Hour), base.Add(36*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "mid", got[0].Content)
}

func TestStats(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		status := StatusSafe
		if i%3 == 0 {
			status = StatusWarning
		}
		addScan(t, r, "c", "url", status, int64(1000+i))
	}

	stats, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, stats.Total)
	assert.Equal(t, 4, stats.ByStatus[StatusWarning])
	assert.Equal(t, 8, stats.ByStatus[StatusSafe])
	assert.Equal(t, 12, stats.ByType["url"])
	assert.Len(t, stats.MostRecent, 10)
	assert.EqualValues(t, 1011, stats.MostRecent[0].Timestamp)
}

func TestExportImport_RegeneratesIDs(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()

	id := addScan(t, r, "secret content", "url", StatusSafe, 1000)

	blob, err := r.Export(ctx)
	require.NoError(t, err)

	n, err := r.Import(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := r.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.NotEqual(t, all[0].ID, all[1].ID)
	for _, rec := range all {
		assert.Equal(t, "secret content", rec.Content)
	}

	// original record untouched
	orig, err := r.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, orig)
}

func TestClear(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()

	addScan(t, r, "a", "url", StatusSafe, 1000)
	require.NoError(t, r.Clear(ctx))

	all, err := r.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}
