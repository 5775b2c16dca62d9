package core

import (
	"context"
	"testing"
	"time"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	p := NewPool(PoolConfig{
		Capacity:     16,
		IdleTimeout:  time.Hour,
		MetaCapacity: 1 << 20,
		DataCapacity: 1 << 20,
		ReapInterval: time.Hour,
	})
	t.Cleanup(p.Shutdown)
	return p
}

func TestFlow_PushPullInOrder(t *testing.T) {
	p := newTestPool(t)
	f, err := p.Insert("flow1", Config{Keepcount: 1})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	ctx := context.Background()
	if err := f.Push(ctx, []byte("hello")); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if err := f.Push(ctx, []byte("world")); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	b, err := f.Pull(ctx, 0, time.Time{})
	if err != nil || string(b) != "hello" {
		t.Fatalf("Pull(0) = %q, %v; want hello, nil", b, err)
	}
	b, err = f.Pull(ctx, 1, time.Time{})
	if err != nil || string(b) != "world" {
		t.Fatalf("Pull(1) = %q, %v; want world, nil", b, err)
	}
}

func TestFlow_EmptyPushIsNoOp(t *testing.T) {
	p := newTestPool(t)
	f, err := p.Insert("flow1", Config{})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := f.Push(context.Background(), nil); err != nil {
		t.Fatalf("empty push returned error: %v", err)
	}
	tail, next := f.Range()
	if tail != 0 || next != 0 {
		t.Fatalf("empty push changed range: tail=%d next=%d", tail, next)
	}
}

func TestFlow_FixedLengthOverrunIsInvalid(t *testing.T) {
	p := newTestPool(t)
	length := uint64(4)
	f, err := p.Insert("flow1", Config{Length: &length})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	err = f.Push(context.Background(), []byte("toolong"))
	kind, ok := AsKind(err)
	if !ok || kind != KindInvalid {
		t.Fatalf("overrun push = %v; want Invalid", err)
	}
}

func TestFlow_FixedLengthImplicitClose(t *testing.T) {
	p := newTestPool(t)
	length := uint64(5)
	f, err := p.Insert("flow1", Config{Length: &length})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	ctx := context.Background()
	if err := f.Push(ctx, []byte("hello")); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if err := f.Close(); err == nil {
		t.Fatal("Close succeeded on an already implicitly-closed flow")
	}

	if err := f.Push(ctx, []byte("x")); err == nil {
		t.Fatal("push after implicit close succeeded")
	}
}

func TestFlow_CloseRequiresExactLengthWhenFixed(t *testing.T) {
	p := newTestPool(t)
	length := uint64(10)
	f, err := p.Insert("flow1", Config{Length: &length})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := f.Push(context.Background(), []byte("short")); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	err = f.Close()
	kind, ok := AsKind(err)
	if !ok || kind != KindInvalid {
		t.Fatalf("premature close = %v; want Invalid", err)
	}
}

func TestFlow_PullBeyondNextBlocksUntilPush(t *testing.T) {
	p := newTestPool(t)
	f, err := p.Insert("flow1", Config{})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	result := make(chan []byte, 1)
	errs := make(chan error, 1)
	go func() {
		b, err := f.Pull(context.Background(), 0, time.Time{})
		result <- b
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := f.Push(context.Background(), []byte("payload")); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	select {
	case b := <-result:
		if err := <-errs; err != nil || string(b) != "payload" {
			t.Fatalf("blocked pull resolved to %q, %v", b, err)
		}
	case <-time.After(time.Second):
		t.Fatal("pull never unblocked after push")
	}
}

func TestFlow_PullAtCloseReturnsEof(t *testing.T) {
	p := newTestPool(t)
	f, err := p.Insert("flow1", Config{})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		_, err := f.Pull(context.Background(), 0, time.Time{})
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-result:
		kind, ok := AsKind(err)
		if !ok || kind != KindEof {
			t.Fatalf("pull after close = %v; want Eof", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pull never unblocked after close")
	}
}

func TestFlow_PullDeadlineExpires(t *testing.T) {
	p := newTestPool(t)
	f, err := p.Insert("flow1", Config{})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	deadline := time.Now().Add(30 * time.Millisecond)
	_, err = f.Pull(context.Background(), 0, deadline)
	kind, ok := AsKind(err)
	if !ok || kind != KindTimeout {
		t.Fatalf("expired pull = %v; want Timeout", err)
	}
}

func TestFlow_PullBeforeTailIsDropped(t *testing.T) {
	p := newTestPool(t)
	f, err := p.Insert("flow1", Config{Keepcount: 0})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	ctx := context.Background()
	if err := f.Push(ctx, []byte("a")); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if err := f.Push(ctx, []byte("b")); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if _, err := f.Pull(ctx, 0, time.Time{}); err != nil {
		t.Fatalf("first pull of index 0 failed: %v", err)
	}
	// keepcount 0 means delivered chunks are trimmed immediately; index 0
	// should now read back as Dropped rather than redelivering.
	_, err = f.Pull(ctx, 0, time.Time{})
	kind, ok := AsKind(err)
	if !ok || kind != KindDropped {
		t.Fatalf("re-pull of trimmed index 0 = %v; want Dropped", err)
	}
}

func TestFlow_DestroyWakesWaitersWithTerminalError(t *testing.T) {
	p := newTestPool(t)
	f, err := p.Insert("flow1", Config{})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		_, err := f.Pull(context.Background(), 0, time.Time{})
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Remove("flow1")

	select {
	case err := <-result:
		if err == nil {
			t.Fatal("pull on a destroyed flow returned no error")
		}
	case <-time.After(time.Second):
		t.Fatal("pull never unblocked after pool removal")
	}
}
