// ABOUTME: Tests for the checkpoint dedupe cache
// ABOUTME: Validates TTL expiry, size-bounded eviction, prefix forgetting and concurrency safety

package dedupe

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestCache(ttl time.Duration, size int) (*Cache, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(ttl, size)
	c.now = clk.now
	return c, clk
}

func TestCheckAndMark(t *testing.T) {
	c, _ := newTestCache(time.Hour, 10)

	assert.False(t, c.CheckAndMark("m1|cp1"))
	assert.True(t, c.CheckAndMark("m1|cp1"))
	assert.False(t, c.CheckAndMark("m2|cp1"))
}

func TestCheckAndMark_ExpiredKeyIsNew(t *testing.T) {
	c, clk := newTestCache(time.Minute, 10)

	c.CheckAndMark("k")
	clk.advance(2 * time.Minute)
	assert.False(t, c.CheckAndMark("k"))
	assert.True(t, c.CheckAndMark("k"))
}

func TestEvictsOldest(t *testing.T) {
	c, _ := newTestCache(time.Hour, 3)

	for i := range 3 {
		c.CheckAndMark(fmt.Sprintf("k%d", i))
	}
	// Touch k0 so k1 becomes the oldest.
	assert.True(t, c.CheckAndMark("k0"))
	c.CheckAndMark("k3")

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.CheckAndMark("k1"))
}

func TestForget(t *testing.T) {
	c, _ := newTestCache(time.Hour, 10)

	c.CheckAndMark(CheckpointKey("m1", "a", nil))
	c.CheckAndMark(CheckpointKey("m1", "b", nil))
	c.CheckAndMark(CheckpointKey("m2", "a", nil))

	c.Forget("m1|")
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.CheckAndMark(CheckpointKey("m2", "a", nil)))
}

func TestSweep(t *testing.T) {
	c, clk := newTestCache(time.Minute, 10)

	c.CheckAndMark("old")
	clk.advance(45 * time.Second)
	c.CheckAndMark("new")
	clk.advance(30 * time.Second)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.CheckAndMark("new"))
}

func TestRun_StopsOnCancel(t *testing.T) {
	c := New(time.Millisecond, 10)
	c.CheckAndMark("k")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCheckpointKey(t *testing.T) {
	assert.Equal(t, "m|cp", CheckpointKey("m", "cp", []byte("ignored")))

	a := CheckpointKey("m", "", []byte(`{"title":"x"}`))
	b := CheckpointKey("m", "", []byte(`{"title":"y"}`))
	assert.True(t, strings.HasPrefix(a, "m|sha256:"))
	assert.NotEqual(t, a, b)
}

func TestConcurrentMarkExactlyOnce(t *testing.T) {
	c := New(time.Hour, 100)

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.CheckAndMark("same") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fresh.Load())
}
