package cache

import (
	"fmt"
	"regexp"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// fakeClock is a manually advanced time source.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestMemory_TTL(t *testing.T) {
	c := New(Config{}, WithLogger(zaptest.NewLogger(t)))

	c.Set("test:key", []byte("hello"), 100*time.Millisecond)

	got, hit := c.Get("test:key")
	if !hit {
		t.Fatalf("expected hit immediately after Set")
	}
	if string(got) != "hello" {
		t.Fatalf("expected 'hello', got %q", got)
	}

	// Wait for TTL to expire
	time.Sleep(150 * time.Millisecond)

	if _, hit = c.Get("test:key"); hit {
		t.Fatalf("expected miss after TTL expiry")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry should be removed on read, len=%d", c.Len())
	}
}

func TestMemory_TTLBoundaryIsInclusive(t *testing.T) {
	clock := newClock()
	c := New(Config{}, WithClock(clock.Now))

	c.Set("k", []byte("v"), time.Second)

	clock.Advance(time.Second)
	if _, hit := c.Get("k"); !hit {
		t.Fatalf("entry must still be live when age == ttl")
	}

	clock.Advance(time.Nanosecond)
	if _, hit := c.Get("k"); hit {
		t.Fatalf("entry must expire once age > ttl")
	}
}

func TestMemory_DefaultTTL(t *testing.T) {
	clock := newClock()
	c := New(Config{}, WithClock(clock.Now))

	c.Set("k", []byte("v"), 0)

	clock.Advance(DefaultTTL)
	if _, hit := c.Get("k"); !hit {
		t.Fatalf("expected hit within default ttl")
	}
	clock.Advance(time.Millisecond)
	if _, hit := c.Get("k"); hit {
		t.Fatalf("expected miss after default ttl")
	}
}

func TestMemory_CapacityBound(t *testing.T) {
	const max = 20
	c := New(Config{MaxEntries: max})

	for i := 0; i < max+10; i++ {
		c.Set(fmt.Sprintf("key-%d", i), []byte("v"), time.Minute)
		if c.Len() > max {
			t.Fatalf("size %d exceeded max %d after %d sets", c.Len(), max, i+1)
		}
	}

	if c.Len() != max {
		t.Fatalf("expected final size %d, got %d", max, c.Len())
	}
	if got := c.Stats().Evictions; got != 10 {
		t.Fatalf("expected 10 evictions, got %d", got)
	}
}

func TestMemory_OverwriteDoesNotEvict(t *testing.T) {
	c := New(Config{MaxEntries: 2})
	c.Set("a", []byte("1"), time.Minute)
	c.Set("b", []byte("2"), time.Minute)

	c.Set("a", []byte("3"), time.Minute)

	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}
	if got, _ := c.Get("b"); string(got) != "2" {
		t.Fatalf("overwrite evicted an unrelated key")
	}
	if got, _ := c.Get("a"); string(got) != "3" {
		t.Fatalf("expected overwritten value, got %q", got)
	}
}

func TestMemory_EvictsLeastAccessed(t *testing.T) {
	const max = 5
	clock := newClock()
	c := New(Config{MaxEntries: max}, WithClock(clock.Now))

	for i := 0; i < max; i++ {
		c.Set(fmt.Sprintf("k%d", i), []byte("v"), time.Hour)
		clock.Advance(time.Millisecond)
	}

	for i := 0; i < 5; i++ {
		if _, hit := c.Get("k0"); !hit {
			t.Fatalf("expected hit on k0")
		}
	}

	c.Set("new", []byte("v"), time.Hour)

	if _, ok := c.Peek("k0"); !ok {
		t.Fatalf("most accessed key was evicted")
	}
	// k1 is the oldest of the zero-access entries.
	if _, ok := c.Peek("k1"); ok {
		t.Fatalf("expected k1 to be evicted")
	}
	if _, ok := c.Peek("new"); !ok {
		t.Fatalf("new key missing")
	}
}

func TestMemory_StatsConsistency(t *testing.T) {
	c := New(Config{})
	c.Set("a", []byte("1"), time.Minute)

	for i := 0; i < 3; i++ {
		c.Get("a")
	}
	c.Get("missing-1")
	c.Get("missing-2")

	s := c.Stats()
	if s.Hits != 3 || s.Misses != 2 || s.TotalRequests != 5 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if s.Hits+s.Misses != s.TotalRequests {
		t.Fatalf("hits + misses != total: %+v", s)
	}
	if s.HitRate != 60 {
		t.Fatalf("expected hit rate 60, got %v", s.HitRate)
	}

	c.Clear()
	if s := c.Stats(); s != (Stats{}) {
		t.Fatalf("clear must reset stats, got %+v", s)
	}
}

func TestMemory_PeekDoesNotTouchStats(t *testing.T) {
	c := New(Config{})
	c.Set("a", []byte("1"), time.Minute)

	if _, ok := c.Peek("a"); !ok {
		t.Fatalf("expected peek hit")
	}
	if s := c.Stats(); s.TotalRequests != 0 {
		t.Fatalf("peek must not count as a request: %+v", s)
	}
	if snap := c.Snapshot(); snap["a"].AccessCount != 0 {
		t.Fatalf("peek must not bump access count")
	}
}

func TestMemory_ClearByPattern(t *testing.T) {
	c := New(Config{})
	for _, k := range []string{"user_42_profile", "user_42_tests", "user_7_profile"} {
		c.Set(k, []byte("v"), time.Minute)
	}

	removed := c.ClearByPattern(regexp.MustCompile("^user_42_"))
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if _, ok := c.Peek("user_7_profile"); !ok {
		t.Fatalf("unrelated key removed")
	}
	for _, k := range []string{"user_42_profile", "user_42_tests"} {
		if _, ok := c.Peek(k); ok {
			t.Fatalf("%s should be gone", k)
		}
	}
}

func TestMemory_ClearUserCache(t *testing.T) {
	c := New(Config{})
	_ = c.SetUser("42", map[string]any{"coins": 1})
	_ = c.SetTestResults("42", "turkce/sozcukte-anlam", map[string]any{})
	_ = c.SetUnlockedTests("42", "matematik/temel", []int{1, 2})
	_ = c.SetUser("7", map[string]any{"coins": 1})
	// A topic whose id equals the user id must survive.
	_ = c.SetQuestions("42", 1, []string{"q"})

	if n := c.ClearUserCache("42"); n != 3 {
		t.Fatalf("expected 3 entries removed, got %d", n)
	}
	if c.Len() != 2 {
		t.Fatalf("expected 2 entries left, got %d", c.Len())
	}
	if _, ok := c.PeekUser("7"); !ok {
		t.Fatalf("other user's profile removed")
	}
}

func TestMemory_ClearUserCacheTrimsID(t *testing.T) {
	c := New(Config{})
	_ = c.SetUser("42", map[string]any{"coins": 1})

	if n := c.ClearUserCache(" 42\t"); n != 1 {
		t.Fatalf("expected padded id to match, removed %d", n)
	}
	if n := c.ClearUserCache("   "); n != 0 {
		t.Fatalf("blank id removed %d entries", n)
	}
}

func TestMemory_SweepAndTrim(t *testing.T) {
	clock := newClock()
	c := New(Config{MaxEntries: 100}, WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("short-%d", i), []byte("v"), time.Second)
	}
	for i := 0; i < 10; i++ {
		c.Set(fmt.Sprintf("long-%d", i), []byte("v"), time.Hour)
		clock.Advance(time.Millisecond)
	}
	c.Get("long-0")

	clock.Advance(2 * time.Second)
	if n := c.SweepExpired(); n != 5 {
		t.Fatalf("expected 5 expired entries swept, got %d", n)
	}

	if n := c.EvictFraction(0.2); n != 2 {
		t.Fatalf("expected 2 trimmed, got %d", n)
	}
	// The two oldest zero-access entries go first.
	for _, k := range []string{"long-1", "long-2"} {
		if _, ok := c.Peek(k); ok {
			t.Fatalf("%s should have been trimmed", k)
		}
	}
	if _, ok := c.Peek("long-0"); !ok {
		t.Fatalf("accessed entry should survive the trim")
	}
}

func TestMemory_SnapshotRestore(t *testing.T) {
	clock := newClock()
	src := New(Config{}, WithClock(clock.Now))
	src.Set("a", []byte("1"), time.Minute)
	src.Set("b", []byte("2"), time.Second)
	src.Get("a")

	snap := src.Snapshot()
	clock.Advance(2 * time.Second)

	dst := New(Config{}, WithClock(clock.Now))
	if n := dst.Restore(snap); n != 1 {
		t.Fatalf("expected 1 live entry restored, got %d", n)
	}
	got := dst.Snapshot()["a"]
	if string(got.Data) != "1" || got.AccessCount != 1 {
		t.Fatalf("restored entry lost metadata: %+v", got)
	}
}

func TestGetJSON_DropsUndecodableEntry(t *testing.T) {
	c := New(Config{})
	c.Set(UnlockedTestsKey("1", "t").String(), []byte("not json"), time.Minute)

	if _, ok := c.GetUnlockedTests("1", "t"); ok {
		t.Fatalf("expected miss for corrupt entry")
	}
	if c.Len() != 0 {
		t.Fatalf("corrupt entry should be removed")
	}
}

func TestGetJSON_UndecodableEntryIsAMiss(t *testing.T) {
	c := New(Config{})
	c.Set(UnlockedTestsKey("1", "t").String(), []byte("not json"), time.Minute)
	if err := c.SetUnlockedTests("2", "t", []int{1}); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.GetUnlockedTests("1", "t"); ok {
		t.Fatalf("expected miss for corrupt entry")
	}
	st := c.Stats()
	if st.Hits != 0 || st.Misses != 1 || st.TotalRequests != 1 || st.HitRate != 0 {
		t.Fatalf("corrupt read should count as a miss, got %+v", st)
	}

	if got, ok := c.GetUnlockedTests("2", "t"); !ok || len(got) != 1 {
		t.Fatalf("expected hit, got %v %v", got, ok)
	}
	var dst []int
	if c.GetUser("1", &dst) {
		t.Fatal("absent user should miss")
	}
	st = c.Stats()
	if st.Hits != 1 || st.Misses != 2 || st.TotalRequests != 3 {
		t.Fatalf("unexpected stats %+v", st)
	}
}
