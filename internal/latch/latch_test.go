package latch

import (
	"testing"
	"time"
)

func TestSharedAllowsMultipleReaders(t *testing.T) {
	l := New()
	l.AcquireShared()
	if !l.TryAcquireShared() {
		t.Fatalf("expected second shared acquire to succeed")
	}
	l.ReleaseShared()
	l.ReleaseShared()

	if !l.TryAcquireExclusive() {
		t.Fatalf("expected exclusive acquire after readers released")
	}
	l.ReleaseExclusive()
}

func TestExclusiveExcludesShared(t *testing.T) {
	l := New()
	l.AcquireExclusive()
	if l.TryAcquireShared() {
		t.Fatalf("shared acquire should be denied while exclusive is held")
	}
	l.ReleaseExclusive()
	if !l.TryAcquireShared() {
		t.Fatalf("shared acquire should succeed after release")
	}
	l.ReleaseShared()
}

func TestTryUpgrade(t *testing.T) {
	l := New()
	l.AcquireShared()
	if !l.TryUpgrade() {
		t.Fatalf("sole reader should upgrade")
	}
	l.ReleaseExclusive()
}

func TestTryUpgradeFailsWithOtherReaders(t *testing.T) {
	l := New()
	l.AcquireShared()
	l.AcquireShared()
	if l.TryUpgrade() {
		t.Fatalf("upgrade should fail with more than one reader")
	}
	l.ReleaseShared()
	l.ReleaseShared()
}

func TestDowngrade(t *testing.T) {
	l := New()
	l.AcquireExclusive()
	l.Downgrade()
	if !l.TryAcquireShared() {
		t.Fatalf("second shared acquire should succeed after downgrade")
	}
	l.ReleaseShared()
	l.ReleaseShared()
}

func TestConditionAwaitSignal(t *testing.T) {
	l := New()
	cond := NewCondition(l)

	done := make(chan struct{})
	go func() {
		l.AcquireExclusive()
		defer l.ReleaseExclusive()
		if !cond.Await(int64(time.Second)) {
			t.Errorf("expected Await to be signalled, not time out")
		}
		close(done)
	}()

	// Give the goroutine a chance to park.
	time.Sleep(20 * time.Millisecond)
	l.AcquireExclusive()
	cond.Signal()
	l.ReleaseExclusive()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Await never returned")
	}
}

func TestConditionAwaitTimeout(t *testing.T) {
	l := New()
	cond := NewCondition(l)

	l.AcquireExclusive()
	defer l.ReleaseExclusive()
	if cond.Await(int64(5 * time.Millisecond)) {
		t.Fatalf("expected Await to time out")
	}
}

func TestExclusiveQueueBlocksNewShared(t *testing.T) {
	l := New()
	l.AcquireShared()

	blocked := make(chan struct{})
	go func() {
		l.AcquireExclusive()
		l.ReleaseExclusive()
		close(blocked)
	}()
	time.Sleep(10 * time.Millisecond)

	if l.TryAcquireShared() {
		t.Fatalf("new shared acquire should be blocked behind queued exclusive")
	}

	l.ReleaseShared()
	<-blocked
}
