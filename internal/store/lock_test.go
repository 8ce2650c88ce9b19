package store

import (
	"strings"
	"testing"
)

func TestAcquireStateLockBlocksSecondAcquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireStateLock(dir)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if lock.Session == "" {
		t.Fatal("lock session is empty")
	}

	if _, err := AcquireStateLock(dir); err == nil {
		t.Fatal("second acquire succeeded, want error")
	} else if !strings.Contains(err.Error(), "locked") {
		t.Fatalf("second acquire error = %v, want lock hint", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	again, err := AcquireStateLock(dir)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	if again.Session == lock.Session {
		t.Fatal("reacquired lock reuses previous session id")
	}
	if err := again.Release(); err != nil {
		t.Fatalf("release reacquired: %v", err)
	}
}

func TestAcquireStateLockRequiresDirectory(t *testing.T) {
	if _, err := AcquireStateLock("   "); err == nil {
		t.Fatal("expected error for blank state directory")
	}
}

func TestReleaseZeroLockIsNoop(t *testing.T) {
	var lock StateLock
	if err := lock.Release(); err != nil {
		t.Fatalf("Release on zero lock: %v", err)
	}
}
