package protmap

import (
	"errors"
	"testing"
)

func TestGetDefaultsToNone(t *testing.T) {
	m, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	for i := 0; i < 4; i++ {
		if got := m.Get(i); got != None {
			t.Fatalf("vpage %d: expected NONE, got %s", i, got)
		}
	}
}

func TestSetOnlyAppliesAfterApplySucceeds(t *testing.T) {
	m, err := New(4)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	applyErr := errors.New("enforcement failed")
	err = m.Set(0, Read, func() error { return applyErr })
	if !errors.Is(err, applyErr) {
		t.Fatalf("expected Set to surface the apply error, got %v", err)
	}
	if got := m.Get(0); got != None {
		t.Fatalf("state must not change when apply fails, got %s", got)
	}

	applied := false
	if err := m.Set(0, ReadWrite, func() error { applied = true; return nil }); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !applied {
		t.Fatal("apply was never called")
	}
	if got := m.Get(0); got != ReadWrite {
		t.Fatalf("expected READ_WRITE after a successful apply, got %s", got)
	}
}

func TestBulkSetCoversEveryEntry(t *testing.T) {
	m, err := New(8)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if err := m.BulkSet(2, 3, Read, func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 8; i++ {
		want := None
		if i >= 2 && i < 5 {
			want = Read
		}
		if got := m.Get(i); got != want {
			t.Fatalf("vpage %d: expected %s, got %s", i, want, got)
		}
	}
}

func TestNewRejectsNonPositiveN(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("expected an error for n=0")
	}
}
