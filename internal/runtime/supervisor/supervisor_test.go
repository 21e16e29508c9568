package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCancelOnErrorCancelsContext(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	sup.Go("worker", func(context.Context) error { return boom })

	select {
	case <-sup.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor context not cancelled after a component error")
	}
	if err := sup.Err(); !errors.Is(err, boom) {
		t.Fatalf("Err() = %v, want %v", err, boom)
	}
}

func TestCleanExitsDoNotCancel(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithCancelOnError(true))
	sup.Go("worker", func(context.Context) error { return nil })
	sup.Go("stopping", func(context.Context) error { return context.Canceled })

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(waitCtx); err != nil {
		t.Fatalf("Wait = %v, want nil", err)
	}
	select {
	case <-sup.Context().Done():
		t.Fatal("clean exits cancelled the supervisor context")
	default:
	}
}
