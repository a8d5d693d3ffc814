// ABOUTME: Tests for the retry helper
// ABOUTME: Verifies retryable kinds, permanent failures and attempt accounting

package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/consult-gateway/internal/errs"
)

func fastPolicy(maxRetries int) Policy {
	return Policy{
		MaxRetries:      maxRetries,
		Retryable:       []errs.Kind{errs.KindUpstream},
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	res := Do(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errs.Upstream(errs.CodeUpstreamUnreachable, "down", 0, nil)
		}
		return "ok", nil
	})

	require.True(t, res.Ok())
	assert.Equal(t, "ok", res.Value)
	assert.Equal(t, 3, res.Attempts)
}

func TestDo_StopsOnNonRetryableKind(t *testing.T) {
	calls := 0
	res := Do(context.Background(), fastPolicy(5), func(ctx context.Context) (int, error) {
		calls++
		return 0, errs.Validation("bad_input", "nope")
	})

	assert.False(t, res.Ok())
	assert.Equal(t, 1, calls)
	assert.Equal(t, errs.KindValidation, errs.KindOf(res.Err))
}

func TestDo_ExhaustsRetries(t *testing.T) {
	res := Do(context.Background(), fastPolicy(2), func(ctx context.Context) (int, error) {
		return 0, errs.Upstream(errs.CodeUpstreamStatus, "503", 503, nil)
	})

	assert.False(t, res.Ok())
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, errs.KindUpstream, errs.KindOf(res.Err))
}

func TestDo_ZeroRetriesRunsOnce(t *testing.T) {
	res := Do(context.Background(), fastPolicy(0), func(ctx context.Context) (int, error) {
		return 0, errs.Upstream(errs.CodeUpstreamStatus, "503", 503, nil)
	})
	assert.Equal(t, 1, res.Attempts)
}
