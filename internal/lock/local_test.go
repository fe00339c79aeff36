package lock

import (
	"context"
	"testing"
	"time"
)

func TestLocalAcquireAndContend(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	lease, ok, err := l.Acquire(ctx, "sess-1", "gw-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if lease.Holder != "gw-a" || lease.Token == 0 {
		t.Fatalf("unexpected lease %+v", lease)
	}

	_, ok, err = l.Acquire(ctx, "sess-1", "gw-b", time.Minute)
	if err != nil {
		t.Fatalf("contending acquire: %v", err)
	}
	if ok {
		t.Fatal("second holder should not win a live lease")
	}

	// A different lock name is independent.
	_, ok, _ = l.Acquire(ctx, "sess-2", "gw-b", time.Minute)
	if !ok {
		t.Fatal("unrelated lock should be free")
	}
}

func TestLocalReacquireExtendsOwnLease(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	first, ok, _ := l.Acquire(ctx, "sess-1", "gw-a", time.Minute)
	if !ok {
		t.Fatal("acquire failed")
	}
	second, ok, _ := l.Acquire(ctx, "sess-1", "gw-a", time.Minute)
	if !ok {
		t.Fatal("same holder should re-acquire its own lease")
	}
	if !second.ExpiresAt.After(first.ExpiresAt) && !second.ExpiresAt.Equal(first.ExpiresAt) {
		t.Fatalf("re-acquire did not extend: %v -> %v", first.ExpiresAt, second.ExpiresAt)
	}
}

func TestLocalExpiredLeaseIsTakenOver(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	now := time.Now()
	l.now = func() time.Time { return now }

	a, ok, _ := l.Acquire(ctx, "sess-1", "gw-a", time.Minute)
	if !ok {
		t.Fatal("acquire failed")
	}

	now = now.Add(2 * time.Minute)
	b, ok, err := l.Acquire(ctx, "sess-1", "gw-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("takeover after expiry: ok=%v err=%v", ok, err)
	}
	if b.Token <= a.Token {
		t.Fatalf("takeover must fence the old lease: tokens %d <= %d", b.Token, a.Token)
	}
}

func TestLocalReleaseChecksHolder(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	if _, ok, _ := l.Acquire(ctx, "sess-1", "gw-a", time.Minute); !ok {
		t.Fatal("acquire failed")
	}

	// A stranger's release is a no-op.
	if err := l.Release(ctx, "sess-1", "gw-b"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if held, _ := l.Held(ctx, "sess-1"); !held {
		t.Fatal("lock should survive a non-holder release")
	}

	if err := l.Release(ctx, "sess-1", "gw-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if held, _ := l.Held(ctx, "sess-1"); held {
		t.Fatal("lock should be free after holder release")
	}
}

func TestLocalHeldReportsExpiry(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	now := time.Now()
	l.now = func() time.Time { return now }

	if _, ok, _ := l.Acquire(ctx, "sess-1", "gw-a", time.Minute); !ok {
		t.Fatal("acquire failed")
	}
	if held, _ := l.Held(ctx, "sess-1"); !held {
		t.Fatal("fresh lease should be held")
	}

	now = now.Add(2 * time.Minute)
	if held, _ := l.Held(ctx, "sess-1"); held {
		t.Fatal("expired lease should not be held")
	}
}

func TestWaitReturnsWhenFree(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	// Free lock: Wait returns immediately.
	if err := Wait(ctx, l, "sess-1"); err != nil {
		t.Fatalf("wait on free lock: %v", err)
	}

	// Held lock: Wait respects context cancellation.
	if _, ok, _ := l.Acquire(ctx, "sess-1", "gw-a", time.Minute); !ok {
		t.Fatal("acquire failed")
	}
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := Wait(short, l, "sess-1"); err == nil {
		t.Fatal("wait on held lock should time out with the context")
	}
}
