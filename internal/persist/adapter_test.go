package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"quizcache/internal/cache"
)

var testNow = time.UnixMilli(1_700_000_000_000)

func newTestAdapter(t *testing.T, store Storage, cfg Config) *Adapter {
	t.Helper()
	return NewAdapter(store, cfg,
		WithLogger(zaptest.NewLogger(t)),
		WithClock(func() time.Time { return testNow }),
	)
}

func newTestCache() *cache.Memory {
	return cache.New(cache.Config{MaxEntries: 50}, cache.WithClock(func() time.Time { return testNow }))
}

func TestAdapter_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage(0)
	a := newTestAdapter(t, store, Config{})

	c := newTestCache()
	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("key_%d", i), []byte(fmt.Sprintf(`{"n":%d}`, i)), time.Hour)
	}
	require.True(t, a.Save(ctx, c))

	c.Clear()
	require.Equal(t, 0, c.Len())

	entries, ok := a.Load(ctx)
	require.True(t, ok)
	require.Len(t, entries, 5)
	assert.Equal(t, 5, c.Restore(entries))

	for i := 0; i < 5; i++ {
		got, hit := c.Get(fmt.Sprintf("key_%d", i))
		require.True(t, hit)
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(got))
	}

	e := entries["key_0"]
	assert.Equal(t, time.Hour, e.TTL)
	assert.True(t, e.Timestamp.Equal(testNow))
}

func TestAdapter_StoredFormat(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage(0)
	a := newTestAdapter(t, store, Config{})

	c := newTestCache()
	c.Set("user_u1", []byte(`{"name":"ann"}`), 2*time.Minute)
	require.True(t, a.Save(ctx, c))

	raw, ok, err := store.GetItem(ctx, DefaultStorageKey)
	require.NoError(t, err)
	require.True(t, ok)

	var doc struct {
		Timestamp int64                `json:"timestamp"`
		Version   string               `json:"version"`
		Data      [][2]json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	assert.Equal(t, testNow.UnixMilli(), doc.Timestamp)
	assert.Equal(t, DefaultVersion, doc.Version)
	require.Len(t, doc.Data, 1)
	assert.JSONEq(t, `"user_u1"`, string(doc.Data[0][0]))
	assert.JSONEq(t,
		`{"data":{"name":"ann"},"timestamp":1700000000000,"ttl":120000,"accessCount":0}`,
		string(doc.Data[0][1]))
}

func TestAdapter_LoadAbsent(t *testing.T) {
	a := newTestAdapter(t, NewMemoryStorage(0), Config{})
	entries, ok := a.Load(context.Background())
	assert.False(t, ok)
	assert.Nil(t, entries)
}

func writeSnapshot(t *testing.T, store Storage, ts int64, version string) {
	t.Helper()
	blob := fmt.Sprintf(`{"timestamp":%d,"version":%q,"data":[["k",{"data":1,"timestamp":%d,"ttl":60000,"accessCount":0}]]}`,
		ts, version, ts)
	require.NoError(t, store.SetItem(context.Background(), DefaultStorageKey, blob))
}

func TestAdapter_StaleSnapshotDiscarded(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage(0)
	a := newTestAdapter(t, store, Config{})

	writeSnapshot(t, store, testNow.Add(-DefaultMaxAge).UnixMilli()-1, DefaultVersion)

	entries, ok := a.Load(ctx)
	assert.False(t, ok)
	assert.Nil(t, entries)

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestAdapter_SnapshotAtMaxAgeLoads(t *testing.T) {
	store := NewMemoryStorage(0)
	a := newTestAdapter(t, store, Config{})

	writeSnapshot(t, store, testNow.Add(-DefaultMaxAge).UnixMilli(), DefaultVersion)

	entries, ok := a.Load(context.Background())
	assert.True(t, ok)
	assert.Len(t, entries, 1)
}

func TestAdapter_VersionMismatchDiscarded(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage(0)
	a := newTestAdapter(t, store, Config{})

	writeSnapshot(t, store, testNow.UnixMilli(), "0.9.0")

	_, ok := a.Load(ctx)
	assert.False(t, ok)
	_, present, _ := store.GetItem(ctx, DefaultStorageKey)
	assert.False(t, present)
}

func TestAdapter_CorruptSnapshotDiscarded(t *testing.T) {
	ctx := context.Background()
	for name, blob := range map[string]string{
		"not json":     "{{{",
		"no header":    `{"data":[]}`,
		"bad pair":     `{"timestamp":1,"version":"1.0.0","data":[["only-key"]]}`,
		"wrong shapes": `{"timestamp":"x","version":"1.0.0","data":[]}`,
	} {
		t.Run(name, func(t *testing.T) {
			store := NewMemoryStorage(0)
			a := newTestAdapter(t, store, Config{})
			require.NoError(t, store.SetItem(ctx, DefaultStorageKey, blob))

			_, ok := a.Load(ctx)
			assert.False(t, ok)
			_, present, _ := store.GetItem(ctx, DefaultStorageKey)
			assert.False(t, present)
		})
	}
}

func TestAdapter_OversizedSnapshotSkipped(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage(0)
	a := newTestAdapter(t, store, Config{MaxStorageSize: 64})

	c := newTestCache()
	c.Set("big", []byte(`"`+strings.Repeat("x", 100)+`"`), time.Hour)

	assert.False(t, a.Save(ctx, c))
	_, present, _ := store.GetItem(ctx, DefaultStorageKey)
	assert.False(t, present, "oversized snapshot must not be partially written")
}

func TestAdapter_WriteFailureClearsStoredSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage(200)
	a := newTestAdapter(t, store, Config{})

	small := newTestCache()
	small.Set("a", []byte(`1`), time.Hour)
	require.True(t, a.Save(ctx, small))

	big := newTestCache()
	big.Set("b", []byte(`"`+strings.Repeat("y", 300)+`"`), time.Hour)
	assert.False(t, a.Save(ctx, big))

	_, present, _ := store.GetItem(ctx, DefaultStorageKey)
	assert.False(t, present, "failed write should leave no snapshot behind")
}

func TestAdapter_ClearByPatternSkipsSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage(0)
	a := newTestAdapter(t, store, Config{})

	require.True(t, a.Save(ctx, newTestCache()))
	for _, k := range []string{"pref_u1_theme", "pref_u2_theme", "draft_u1", "u1x_other"} {
		require.NoError(t, store.SetItem(ctx, k, "v"))
	}

	assert.Equal(t, 0, a.ClearByPattern(ctx, regexp.MustCompile(`^quizcache`)))
	assert.Equal(t, 2, a.ClearUserData(ctx, "u1"))

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{DefaultStorageKey, "pref_u2_theme", "u1x_other"}, keys)
}

func TestAdapter_StorageUsage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage(0)
	a := newTestAdapter(t, store, Config{AssumedQuota: 1000})

	require.NoError(t, store.SetItem(ctx, "a", strings.Repeat("x", 150)))
	require.NoError(t, store.SetItem(ctx, "b", strings.Repeat("x", 100)))

	u := a.StorageUsage(ctx)
	assert.Equal(t, Usage{Used: 250, Available: 1000, Percentage: 25}, u)
}

type brokenStorage struct{ Storage }

func (brokenStorage) Keys(context.Context) ([]string, error) { return nil, errors.New("unavailable") }

func TestAdapter_StorageUsageOnError(t *testing.T) {
	a := newTestAdapter(t, brokenStorage{NewMemoryStorage(0)}, Config{})
	assert.Equal(t, Usage{}, a.StorageUsage(context.Background()))
}

func TestAdapter_AutoSaveFinalSaveOnStop(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage(0)
	a := newTestAdapter(t, store, Config{})

	c := newTestCache()
	stop := a.StartAutoSave(ctx, c, time.Hour)

	c.Set("late", []byte(`true`), time.Hour)
	stop(ctx)
	stop(ctx)

	entries, ok := a.Load(ctx)
	require.True(t, ok)
	assert.Contains(t, entries, "late")
}

func TestAdapter_AutoSaveTicks(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage(0)
	a := newTestAdapter(t, store, Config{})

	c := newTestCache()
	c.Set("k", []byte(`1`), time.Hour)
	stop := a.StartAutoSave(ctx, c, 10*time.Millisecond)
	defer stop(ctx)

	require.Eventually(t, func() bool {
		_, ok, _ := store.GetItem(ctx, DefaultStorageKey)
		return ok
	}, time.Second, 5*time.Millisecond)
}
