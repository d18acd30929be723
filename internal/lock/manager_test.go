package lock

import (
	"testing"
	"time"
)

func TestSharedLocksCoexist(t *testing.T) {
	m := NewManager()
	a := NewLocker(m)
	b := NewLocker(m)
	key := []byte("row-1")

	if r, _ := a.TryLockShared(1, key, 0); r != Acquired {
		t.Fatalf("a: got %v", r)
	}
	if r, _ := b.TryLockShared(1, key, 0); r != Acquired {
		t.Fatalf("b: got %v", r)
	}
}

func TestExclusiveExcludesEverything(t *testing.T) {
	m := NewManager()
	a := NewLocker(m)
	b := NewLocker(m)
	key := []byte("row-1")

	r, err := a.TryLockExclusive(1, key, 0)
	if err != nil || r != Acquired {
		t.Fatalf("a exclusive: %v %v", r, err)
	}

	r, err = b.TryLockShared(1, key, 0)
	if err != nil || r != TimedOut {
		t.Fatalf("b shared while a exclusive: got %v %v", r, err)
	}

	r, err = b.TryLockUpgradable(1, key, 0)
	if err != nil || r != TimedOut {
		t.Fatalf("b upgradable while a exclusive: got %v %v", r, err)
	}
}

func TestUpgradableAllowsSharedButNotSecondUpgradable(t *testing.T) {
	m := NewManager()
	a := NewLocker(m)
	b := NewLocker(m)
	key := []byte("row-1")

	if r, _ := a.TryLockUpgradable(1, key, 0); r != Acquired {
		t.Fatalf("a upgradable: %v", r)
	}
	if r, _ := b.TryLockShared(1, key, 0); r != Acquired {
		t.Fatalf("b shared alongside a upgradable: %v", r)
	}
	if r, _ := b.TryLockUpgradable(1, key, 0); r != TimedOut {
		t.Fatalf("b upgradable while a holds upgradable: %v", r)
	}
}

func TestUpgradeToExclusiveWaitsForSharedDrain(t *testing.T) {
	m := NewManager()
	a := NewLocker(m)
	b := NewLocker(m)
	key := []byte("row-1")

	if r, _ := a.TryLockUpgradable(1, key, 0); r != Acquired {
		t.Fatalf("a upgradable: %v", r)
	}
	if r, _ := b.TryLockShared(1, key, 0); r != Acquired {
		t.Fatalf("b shared: %v", r)
	}

	if r, _ := a.TryLockExclusive(1, key, 0); r != TimedOut {
		t.Fatalf("a upgrade to exclusive while b holds shared: %v", r)
	}

	b.Unlock()

	if r, _ := a.TryLockExclusive(1, key, 0); r != Upgraded {
		t.Fatalf("a upgrade to exclusive after drain: %v", r)
	}
}

func TestSharedToExclusiveIsIllegal(t *testing.T) {
	m := NewManager()
	a := NewLocker(m)
	key := []byte("row-1")

	if r, _ := a.TryLockShared(1, key, 0); r != Acquired {
		t.Fatalf("a shared: %v", r)
	}
	if r, _ := a.TryLockExclusive(1, key, 0); r != Illegal {
		t.Fatalf("shared->exclusive: got %v, want Illegal", r)
	}
}

func TestTimeoutOnContendedExclusive(t *testing.T) {
	m := NewManager()
	a := NewLocker(m)
	b := NewLocker(m)
	key := []byte("row-1")

	if r, _ := a.TryLockExclusive(1, key, 0); r != Acquired {
		t.Fatalf("a exclusive: %v", r)
	}

	start := time.Now()
	r, err := b.TryLockExclusive(1, key, int64(30*time.Millisecond))
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("unexpected deadlock error: %v", err)
	}
	if r != TimedOut {
		t.Fatalf("b exclusive while a holds it: got %v", r)
	}
	if elapsed < 25*time.Millisecond {
		t.Fatalf("returned too early: %v", elapsed)
	}
}

func TestUnlockWakesWaiter(t *testing.T) {
	m := NewManager()
	a := NewLocker(m)
	b := NewLocker(m)
	key := []byte("row-1")

	if r, _ := a.TryLockExclusive(1, key, 0); r != Acquired {
		t.Fatalf("a exclusive: %v", r)
	}

	done := make(chan Result, 1)
	go func() {
		r, _ := b.TryLockExclusive(1, key, int64(time.Second))
		done <- r
	}()

	time.Sleep(20 * time.Millisecond)
	a.Unlock()

	select {
	case r := <-done:
		if r != Acquired {
			t.Fatalf("b after a released: got %v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("b never woke up after a unlocked")
	}
}

func TestDeadlockDetected(t *testing.T) {
	m := NewManager()
	a := NewLocker(m)
	b := NewLocker(m)

	keyX := []byte("x")
	keyY := []byte("y")

	if r, _ := a.TryLockExclusive(1, keyX, 0); r != Acquired {
		t.Fatalf("a locks x: %v", r)
	}
	if r, _ := b.TryLockExclusive(1, keyY, 0); r != Acquired {
		t.Fatalf("b locks y: %v", r)
	}

	// b waits much longer than a so its waitingFor pointer is still set
	// when a's own wait times out and walks the graph; otherwise both
	// timeouts could race and clear each other's waitingFor first.
	bBlocked := make(chan struct{})
	go func() {
		close(bBlocked)
		b.TryLockExclusive(1, keyX, int64(2*time.Second))
	}()
	<-bBlocked
	time.Sleep(20 * time.Millisecond) // let b register as waiting on x

	_, err := a.TryLockExclusive(1, keyY, int64(150*time.Millisecond))
	var dl *DeadlockError
	if err == nil {
		t.Fatal("expected a deadlock error waiting on y while b waits on x")
	}
	if de, ok := err.(*DeadlockError); !ok {
		t.Fatalf("expected *DeadlockError, got %T", err)
	} else {
		dl = de
	}
	if dl.IndexID != 1 {
		t.Fatalf("deadlock error index: %d", dl.IndexID)
	}
}

func TestScopeUnlockAllRespectsUpgradeBitmap(t *testing.T) {
	m := NewManager()
	a := NewLocker(m)
	key := []byte("row-1")

	a.ScopeEnter()
	if r, _ := a.TryLockUpgradable(1, key, 0); r != Acquired {
		t.Fatalf("a upgradable: %v", r)
	}
	if r, _ := a.TryLockExclusive(1, key, 0); r != Upgraded {
		t.Fatalf("a upgrade to exclusive: %v", r)
	}

	a.ScopeExit()

	// The upgrade record downgrades back to upgradable instead of being
	// released outright, so a still holds *something* on the key.
	if r := a.Check(1, key); r != OwnedUpgradable {
		t.Fatalf("after scope exit: got %v, want OwnedUpgradable", r)
	}
}

func TestGhostFlag(t *testing.T) {
	m := NewManager()
	key := []byte("row-1")
	if m.IsGhosted(1, key) {
		t.Fatal("fresh key should not be ghosted")
	}
	m.Ghost(1, key, true)
	if !m.IsGhosted(1, key) {
		t.Fatal("expected ghosted after Ghost(true)")
	}
	m.Ghost(1, key, false)
	if m.IsGhosted(1, key) {
		t.Fatal("expected not ghosted after Ghost(false)")
	}
}
