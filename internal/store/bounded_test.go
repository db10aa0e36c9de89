package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBoundedReturnsResult(t *testing.T) {
	v, err := Bounded(context.Background(), time.Second, func(context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("got %q %v", v, err)
	}
}

func TestBoundedGivesUpOnSlowCall(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := Bounded(context.Background(), 20*time.Millisecond, func(context.Context) (int, error) {
		// ignores its context
		<-release
		return 1, nil
	})
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected timeout marked unavailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("returned after %s", elapsed)
	}
}

func TestBoundedHonoursParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Bounded(ctx, time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBoundedZeroDurationRunsInline(t *testing.T) {
	_, err := Bounded(context.Background(), 0, func(ctx context.Context) (int, error) {
		if _, ok := ctx.Deadline(); ok {
			t.Fatalf("unexpected deadline")
		}
		return 0, nil
	})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
}
