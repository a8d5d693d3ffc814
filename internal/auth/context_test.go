// ABOUTME: Unit tests for identity context helpers
// ABOUTME: Tests WithIdentity, FromContext and MustFromContext

package auth

import (
	"context"
	"testing"
)

func TestFromContext_RoundTrip(t *testing.T) {
	want := Identity{TenantID: "t1", UserID: "u1"}
	ctx := WithIdentity(context.Background(), want)

	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("FromContext() ok = false, want true")
	}
	if got != want {
		t.Errorf("FromContext() = %+v, want %+v", got, want)
	}
}

func TestFromContext_Missing(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Error("FromContext() ok = true on empty context")
	}
}

func TestMustFromContext_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustFromContext() should panic without identity")
		}
	}()
	MustFromContext(context.Background())
}
