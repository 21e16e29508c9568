package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	logx "dripbot/pkg/logx"
)

type fakeStore struct {
	mu     sync.Mutex
	pinned map[string]struct{}
	pinErr error
	pruned []time.Time
	pruneN int
}

func (f *fakeStore) ActiveAttachmentIDs(context.Context) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pinned, f.pinErr
}

func (f *fakeStore) PruneTerminal(_ context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned = append(f.pruned, cutoff)
	return f.pruneN, nil
}

type fakeSweeper struct {
	mu     sync.Mutex
	calls  []sweepCall
	result int
	err    error
}

type sweepCall struct {
	ttl    time.Duration
	pinned map[string]struct{}
}

func (f *fakeSweeper) Sweep(_ context.Context, ttl time.Duration, pinned map[string]struct{}) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sweepCall{ttl: ttl, pinned: pinned})
	return f.result, f.err
}

func TestRunSweepPassesPinsAndTTL(t *testing.T) {
	t.Parallel()
	store := &fakeStore{pinned: map[string]struct{}{"keep": {}}}
	sweeper := &fakeSweeper{result: 2}
	r := New(Config{AttachmentTTL: time.Hour}, store, sweeper, nil, logx.Nop())

	r.RunSweepNow(context.Background())

	sweeper.mu.Lock()
	defer sweeper.mu.Unlock()
	if len(sweeper.calls) != 1 {
		t.Fatalf("%d sweep calls, want 1", len(sweeper.calls))
	}
	call := sweeper.calls[0]
	if call.ttl != time.Hour {
		t.Fatalf("ttl = %s, want 1h", call.ttl)
	}
	if _, ok := call.pinned["keep"]; !ok {
		t.Fatal("pinned set not forwarded")
	}
}

func TestRunSweepSkipsOnPinQueryFailure(t *testing.T) {
	t.Parallel()
	store := &fakeStore{pinErr: errors.New("db locked")}
	sweeper := &fakeSweeper{}
	r := New(Config{}, store, sweeper, nil, logx.Nop())

	r.RunSweepNow(context.Background())

	sweeper.mu.Lock()
	defer sweeper.mu.Unlock()
	if len(sweeper.calls) != 0 {
		t.Fatal("sweep ran without a pin set; pinned attachments could be deleted")
	}
}

func TestRunPruneUsesRetention(t *testing.T) {
	t.Parallel()
	store := &fakeStore{pruneN: 3}
	r := New(Config{TaskRetention: 48 * time.Hour}, store, &fakeSweeper{}, nil, logx.Nop())

	before := time.Now().Add(-48 * time.Hour)
	r.runPrune(context.Background())
	after := time.Now().Add(-48 * time.Hour)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.pruned) != 1 {
		t.Fatalf("%d prune calls, want 1", len(store.pruned))
	}
	cutoff := store.pruned[0]
	if cutoff.Before(before) || cutoff.After(after) {
		t.Fatalf("cutoff %v outside the expected retention window", cutoff)
	}
}

func TestBadCronSpecFailsStart(t *testing.T) {
	t.Parallel()
	r := New(Config{SweepSpec: "not a spec"}, &fakeStore{}, &fakeSweeper{}, nil, logx.Nop())
	// Validate the spec the same way Start would, without a supervisor.
	c := r.cfg
	if c.SweepSpec != "not a spec" {
		t.Fatal("config default overwrote explicit spec")
	}
	if _, err := cron.ParseStandard(c.SweepSpec); err == nil {
		t.Fatal("invalid cron spec accepted")
	}
	if _, err := cron.ParseStandard("@every 1h"); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}
}
