package guard

import (
	"errors"
	"sync"
	"testing"
)

func TestGuard_SoftLock(t *testing.T) {
	var g Guard

	if !g.LockSoftIfUnlocked() {
		t.Fatal("LockSoftIfUnlocked() on available guard = false")
	}
	if g.LockSoftIfUnlocked() {
		t.Error("LockSoftIfUnlocked() on soft-locked guard = true")
	}

	g.LockSoft()
	if got := g.Status(); got != (Status{State: SoftLocked}) {
		t.Errorf("Status() = %+v after double soft lock", got)
	}

	g.UnlockSoft()
	if got := g.Status(); got.State != Available {
		t.Errorf("Status() = %+v, want available", got)
	}
	g.UnlockSoft()
	if g.Held() {
		t.Error("UnlockSoft on available guard changed state")
	}
}

func TestGuard_HardLockNests(t *testing.T) {
	var g Guard
	g.LockSoft()
	g.LockHard()
	g.LockHard()

	if got := g.Status(); got != (Status{State: HardLocked, Count: 2}) {
		t.Errorf("Status() = %+v, want hard x2", got)
	}
	if g.LockSoftIfUnlocked() {
		t.Error("LockSoftIfUnlocked succeeded while hard-locked")
	}

	g.UnlockHard()
	g.UnlockHard()
	if got := g.Status(); got.State != SoftLocked {
		t.Errorf("Status() = %+v, want soft bit kept", got)
	}
}

func TestGuard_UnlockHardPanics(t *testing.T) {
	var g Guard
	g.LockSoft()

	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrNotHardLocked) {
			t.Errorf("recover() = %v, want ErrNotHardLocked", r)
		}
	}()
	g.UnlockHard()
}

func TestFlag(t *testing.T) {
	var f Flag
	if f.IsRaised() {
		t.Fatal("zero Flag is raised")
	}
	if !f.RaiseIfReleased() {
		t.Error("RaiseIfReleased() on released flag = false")
	}
	if f.RaiseIfReleased() {
		t.Error("RaiseIfReleased() on raised flag = true")
	}
	f.Release()
	f.Raise()
	if !f.IsRaised() {
		t.Error("Raise() did not raise")
	}
}

// TestFlag_SingleWinner verifies exactly one concurrent RaiseIfReleased wins.
func TestFlag_SingleWinner(t *testing.T) {
	var (
		f    Flag
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.RaiseIfReleased() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
}

func TestState_String(t *testing.T) {
	if got := HardLocked.String(); got != "hard" {
		t.Errorf("HardLocked.String() = %q", got)
	}
	if got := State(9).String(); got != "State(9)" {
		t.Errorf("State(9).String() = %q", got)
	}
}
