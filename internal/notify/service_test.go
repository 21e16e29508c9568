package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	kit "dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

type captureClient struct {
	mu    sync.Mutex
	sends []capturedSend
}

type capturedSend struct {
	to   kit.Target
	text string
}

func (c *captureClient) SendText(_ context.Context, to kit.Target, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	c.sends = append(c.sends, capturedSend{to: to, text: text})
	c.mu.Unlock()
	return kit.MessageRef{MessageID: 1}, nil
}

func (c *captureClient) SendMedia(context.Context, kit.Target, kit.Payload, *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{}, nil
}

func (c *captureClient) Close() error { return nil }

func (c *captureClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends)
}

type captureSource struct{ client *captureClient }

func (s captureSource) Acquire(context.Context, string) (kit.Client, func(), error) {
	return s.client, func() {}, nil
}

type mapPrefs struct {
	mu  sync.Mutex
	off map[int64]bool
}

func (p *mapPrefs) NotifyPref(_ context.Context, ownerID int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.off[ownerID], nil
}

func newTestService(client *captureClient, prefs Prefs) *Service {
	return New(Config{
		Enabled:    true,
		Workers:    2,
		RatePerSec: 1000,
	}, captureSource{client: client}, prefs, logx.Nop())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNotifyDelivers(t *testing.T) {
	t.Parallel()
	client := &captureClient{}
	s := newTestService(client, &mapPrefs{})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.Notify(42, "task 1 delivered")
	waitFor(t, func() bool { return client.count() == 1 })

	client.mu.Lock()
	defer client.mu.Unlock()
	got := client.sends[0]
	if got.to.ChatID != 42 || got.to.Kind != kit.TargetUser {
		t.Fatalf("sent to %+v, want owner chat 42", got.to)
	}
	if got.text != "task 1 delivered" {
		t.Fatalf("text = %q", got.text)
	}
}

func TestNotifyHonoursPreference(t *testing.T) {
	t.Parallel()
	client := &captureClient{}
	s := newTestService(client, &mapPrefs{off: map[int64]bool{7: true}})
	s.Start(context.Background())

	s.Notify(7, "muted owner")
	s.Notify(8, "loud owner")
	waitFor(t, func() bool { return client.count() == 1 })
	s.Stop(context.Background())

	if client.count() != 1 {
		t.Fatalf("%d sends, want 1", client.count())
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.sends[0].to.ChatID != 8 {
		t.Fatal("muted owner was notified")
	}
}

func TestNotifyAfterStopIsDropped(t *testing.T) {
	t.Parallel()
	client := &captureClient{}
	s := newTestService(client, &mapPrefs{})
	s.Start(context.Background())
	s.Stop(context.Background())

	s.Notify(1, "late")
	time.Sleep(50 * time.Millisecond)
	if client.count() != 0 {
		t.Fatal("notification sent after stop")
	}
}

func TestDisabledServiceIsInert(t *testing.T) {
	t.Parallel()
	client := &captureClient{}
	s := New(Config{Enabled: false}, captureSource{client: client}, &mapPrefs{}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.Notify(1, "nobody home")
	time.Sleep(50 * time.Millisecond)
	if client.count() != 0 {
		t.Fatal("disabled notifier sent a message")
	}
}

func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()
	client := &captureClient{}
	s := newTestService(client, &mapPrefs{})
	s.Start(context.Background())

	for i := 0; i < 20; i++ {
		s.Notify(int64(i), "drain me")
	}
	s.Stop(context.Background())

	if client.count() != 20 {
		t.Fatalf("%d sends after stop, want 20", client.count())
	}
}
