package kv

import (
	"errors"
	"testing"

	"github.com/danmuck/embercore/internal/testutil/testlog"
)

func TestWriteReadDelete(t *testing.T) {
	testlog.Start(t)
	s := NewStore()

	n, err := s.Write(0x0010, []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != 3 {
		t.Fatalf("write returned %d, want 3", n)
	}
	got, err := s.Read(0x0010)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 3 || got[0] != 1 {
		t.Fatalf("read returned %v", got)
	}
	if !s.KeyExists(0x0010) {
		t.Fatal("KeyExists false after write")
	}
	if err := s.Delete(0x0010); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.KeyExists(0x0010) {
		t.Fatal("KeyExists true after delete")
	}
	if _, err := s.Read(0x0010); !errors.Is(err, ErrNotFound) {
		t.Fatalf("read after delete: %v", err)
	}
}

func TestWriteUnchangedReturnsZero(t *testing.T) {
	testlog.Start(t)
	s := NewStore()

	if _, err := s.Write(7, []byte("abc")); err != nil {
		t.Fatalf("write: %v", err)
	}
	n, err := s.Write(7, []byte("abc"))
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if n != 0 {
		t.Fatalf("unchanged write returned %d, want 0", n)
	}
}

func TestDisabledKey(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	s.Disable(42)

	if _, err := s.Write(42, []byte("x")); !errors.Is(err, ErrNotPermitted) {
		t.Fatalf("write: %v", err)
	}
	if _, err := s.Read(42); !errors.Is(err, ErrNotPermitted) {
		t.Fatalf("read: %v", err)
	}
	if err := s.Delete(42); !errors.Is(err, ErrNotPermitted) {
		t.Fatalf("delete: %v", err)
	}
}

func TestCallbacks(t *testing.T) {
	testlog.Start(t)
	s := NewStore()

	var gotKey uint16
	var gotData []byte
	calls := 0
	s.RegisterCallback(func(key uint16, data []byte) {
		gotKey = key
		gotData = data
		calls++
	})

	s.Write(9, []byte{0xAA})
	if calls != 1 || gotKey != 9 || len(gotData) != 1 {
		t.Fatalf("after write: calls=%d key=%d data=%v", calls, gotKey, gotData)
	}

	// Unchanged write must not notify.
	s.Write(9, []byte{0xAA})
	if calls != 1 {
		t.Fatalf("unchanged write notified, calls=%d", calls)
	}

	s.Delete(9)
	if calls != 2 || gotData != nil {
		t.Fatalf("after delete: calls=%d data=%v", calls, gotData)
	}
}
