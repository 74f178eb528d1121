package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T, ttl time.Duration, maxSize int) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := newCache(ttl, maxSize, time.Hour, clock.Now)
	t.Cleanup(c.Close)
	return c, clock
}

func TestCache_CheckAndMark(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	assert.False(t, c.CheckAndMark("m1"), "first sighting is not a duplicate")
	assert.True(t, c.CheckAndMark("m1"), "second sighting is a duplicate")
	assert.True(t, c.Seen("m1"))
	assert.False(t, c.Seen("m2"))
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.CheckAndMark("m1")
	clock.Advance(59 * time.Second)
	assert.True(t, c.Seen("m1"))

	clock.Advance(2 * time.Second)
	assert.False(t, c.Seen("m1"))
	assert.False(t, c.CheckAndMark("m1"), "expired key is handled again")
}

func TestCache_Forget(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	c.CheckAndMark("m1")
	c.Forget("m1")
	assert.False(t, c.Seen("m1"))
	assert.Equal(t, 0, c.Len())

	c.Forget("unknown")
}

func TestCache_EvictsOldest(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 3)

	for i := range 4 {
		c.CheckAndMark(fmt.Sprintf("m%d", i))
	}

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Seen("m0"))
	assert.True(t, c.Seen("m3"))
}

func TestCache_RemarkMovesToBack(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 2)

	c.CheckAndMark("a")
	c.CheckAndMark("b")
	clock.Advance(2 * time.Minute)
	// expired "a" is marked again and becomes the newest entry
	assert.False(t, c.CheckAndMark("a"))
	c.CheckAndMark("c")

	assert.True(t, c.Seen("a"))
	assert.False(t, c.Seen("b"))
}

func TestCache_Sweep(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.CheckAndMark("old")
	clock.Advance(30 * time.Second)
	c.CheckAndMark("new")
	clock.Advance(40 * time.Second)

	c.sweep()
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Seen("new"))
}

func TestCache_CloseIdempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}

func TestCache_ConcurrentCheckAndMark(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 100)

	var firsts atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.CheckAndMark("same") {
				firsts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), firsts.Load())
}
