package reboot

import (
	"testing"

	"github.com/danmuck/embercore/internal/kv"
	"github.com/danmuck/embercore/internal/testutil/testlog"
)

func TestRetainedAcrossBoots(t *testing.T) {
	testlog.Start(t)
	store := kv.NewStore()

	first := NewTracker(store)
	if _, ok := first.Last(); ok {
		t.Fatal("fresh store reported a previous shutdown")
	}
	if first.Count() != 1 {
		t.Fatalf("first boot count = %d", first.Count())
	}
	first.Record(ReasonWatchdog, "rpc_runner_0")

	second := NewTracker(store)
	if second.Count() != 2 {
		t.Fatalf("second boot count = %d", second.Count())
	}
	info, ok := second.Last()
	if !ok {
		t.Fatal("no retained record")
	}
	if info.Reason != ReasonWatchdog {
		t.Fatalf("reason = %s", info.Reason)
	}
	if info.Detail != "rpc_runner_0" {
		t.Fatalf("detail = %q", info.Detail)
	}
}

func TestCorruptRecordIgnored(t *testing.T) {
	testlog.Start(t)
	store := kv.NewStore()
	store.Write(KeyLastReboot, []byte{0x01, 0x02})

	tr := NewTracker(store)
	if _, ok := tr.Last(); ok {
		t.Fatal("truncated record accepted")
	}
}
