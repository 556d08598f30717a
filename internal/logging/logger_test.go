package logging

import (
	"context"
	"testing"
)

func TestWithBatchIDRoundTrips(t *testing.T) {
	ctx, _ := WithBatchID(context.Background(), "batch-123")
	if got := BatchIDFromContext(ctx); got != "batch-123" {
		t.Fatalf("expected batch-123, got %q", got)
	}
}

func TestCtxWithoutBatchIDFallsBackToGlobal(t *testing.T) {
	l := Ctx(context.Background())
	if l.GetLevel() != L().GetLevel() {
		t.Fatalf("expected fallback logger to share the global level")
	}
}

func TestInitParsesInvalidLevelAsInfo(t *testing.T) {
	Init(Config{Level: "not-a-level", Format: "json"})
	if L().GetLevel().String() != "info" {
		t.Fatalf("expected invalid level to fall back to info, got %q", L().GetLevel().String())
	}
}
