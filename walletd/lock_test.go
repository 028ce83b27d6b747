package main

import (
	"errors"
	"testing"
)

func TestInstanceLockExclusive(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireInstanceLock(dir)
	if err != nil {
		t.Fatalf("AcquireInstanceLock failed: %v", err)
	}

	if _, err := AcquireInstanceLock(dir); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Errorf("Second release returned %v", err)
	}

	second, err := AcquireInstanceLock(dir)
	if err != nil {
		t.Fatalf("Expected lock after release, got %v", err)
	}
	second.Release()

	var none *InstanceLock
	if err := none.Release(); err != nil {
		t.Errorf("Expected nil lock release to be a no-op, got %v", err)
	}
}
