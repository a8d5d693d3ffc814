// ABOUTME: Tests for session lease managers
// ABOUTME: Redis tests run only when CONSULT_TEST_REDIS_ADDR points at a live server

package lease

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/consult-gateway/internal/config"
	"github.com/2389/consult-gateway/internal/errs"
)

func TestMemory_RejectsSecondAcquire(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	l, err := m.Acquire(ctx, "s1")
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "s1")
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeConcurrentStreamRejected))
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))

	// Other sessions are unaffected.
	other, err := m.Acquire(ctx, "s2")
	require.NoError(t, err)
	other.Release()

	l.Release()
	again, err := m.Acquire(ctx, "s1")
	require.NoError(t, err)
	again.Release()
	assert.Equal(t, 0, m.Active())
}

func TestMemory_ReleaseIsIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first, err := m.Acquire(ctx, "s1")
	require.NoError(t, err)
	first.Release()

	second, err := m.Acquire(ctx, "s1")
	require.NoError(t, err)

	// A stale release must not free the newer holder.
	first.Release()
	_, err = m.Acquire(ctx, "s1")
	assert.Error(t, err)

	second.Release()
}

func TestMemory_ConcurrentAcquireSingleWinner(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Acquire(ctx, "shared"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestRedis_Lease(t *testing.T) {
	addr := os.Getenv("CONSULT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CONSULT_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	r, err := NewRedis(ctx, config.RedisConfig{Addr: addr, LeaseTTL: time.Minute}, slog.Default())
	require.NoError(t, err)
	defer r.Close()

	session := "test-" + uuid.NewString()
	l, err := r.Acquire(ctx, session)
	require.NoError(t, err)

	_, err = r.Acquire(ctx, session)
	assert.True(t, errs.HasCode(err, errs.CodeConcurrentStreamRejected))

	l.Release()
	again, err := r.Acquire(ctx, session)
	require.NoError(t, err)
	again.Release()
}

func TestRedis_LeaseOutlivesTTLWhileHeld(t *testing.T) {
	addr := os.Getenv("CONSULT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CONSULT_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	r, err := NewRedis(ctx, config.RedisConfig{Addr: addr, LeaseTTL: 300 * time.Millisecond}, slog.Default())
	require.NoError(t, err)
	defer r.Close()

	session := "test-" + uuid.NewString()
	l, err := r.Acquire(ctx, session)
	require.NoError(t, err)

	time.Sleep(time.Second)
	_, err = r.Acquire(ctx, session)
	assert.True(t, errs.HasCode(err, errs.CodeConcurrentStreamRejected))

	l.Release()
	again, err := r.Acquire(ctx, session)
	require.NoError(t, err)
	again.Release()
}

func TestKeepAlive_RenewsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var renewals atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepAlive(ctx, 5*time.Millisecond, func(context.Context) (bool, error) {
			renewals.Add(1)
			return true, nil
		}, func(error) { t.Error("lease reported lost") })
	}()

	require.Eventually(t, func() bool { return renewals.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("keepAlive did not stop")
	}
}

func TestKeepAlive_StopsWhenLost(t *testing.T) {
	var renewals atomic.Int32
	lost := make(chan error, 1)
	keepAlive(context.Background(), time.Millisecond, func(context.Context) (bool, error) {
		// A transient failure first, then the key is gone.
		if renewals.Add(1) == 1 {
			return false, errors.New("connection reset")
		}
		return false, nil
	}, func(err error) { lost <- err })

	assert.Equal(t, int32(2), renewals.Load())
	assert.ErrorIs(t, <-lost, errLeaseLost)
}
