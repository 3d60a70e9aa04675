package watchdog

import (
	"sync"
	"testing"
	"time"

	"github.com/danmuck/embercore/internal/testutil/testlog"
)

func TestFedChannelDoesNotExpire(t *testing.T) {
	testlog.Start(t)

	var mu sync.Mutex
	var expired []string
	m := NewMonitor(func(name string) {
		mu.Lock()
		expired = append(expired, name)
		mu.Unlock()
	})
	defer m.Stop()

	if err := m.Install("worker", 300*time.Millisecond); err != nil {
		t.Fatalf("install: %v", err)
	}

	deadline := time.Now().Add(700 * time.Millisecond)
	for time.Now().Before(deadline) {
		m.Feed("worker")
		time.Sleep(50 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 0 {
		t.Fatalf("fed channel expired: %v", expired)
	}
}

func TestUnfedChannelExpires(t *testing.T) {
	testlog.Start(t)

	done := make(chan string, 1)
	m := NewMonitor(func(name string) { done <- name })
	defer m.Stop()

	if err := m.Install("stalled", 200*time.Millisecond); err != nil {
		t.Fatalf("install: %v", err)
	}

	select {
	case name := <-done:
		if name != "stalled" {
			t.Fatalf("expired channel %q, want stalled", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expiry callback never fired")
	}
}

func TestStopPreventsInstall(t *testing.T) {
	testlog.Start(t)

	m := NewMonitor(nil)
	m.Stop()
	if err := m.Install("late", time.Second); err != ErrStopped {
		t.Fatalf("install after stop: %v", err)
	}
}
