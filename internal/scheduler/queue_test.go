package scheduler

import (
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	q := newAttemptQueue()
	q.Push("a", 1)
	q.Push("b", 1)
	q.Push("a", 2)

	want := []lease{{"a", 1}, {"b", 1}, {"a", 2}}
	for _, w := range want {
		got, ok := q.Claim()
		if !ok {
			t.Fatalf("Claim() returned closed, want %v", w)
		}
		if got != w {
			t.Errorf("Claim() = %v, want %v", got, w)
		}
	}
	if n := q.Len(); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
}

func TestQueueClaimBlocksUntilPush(t *testing.T) {
	q := newAttemptQueue()
	done := make(chan lease, 1)
	go func() {
		l, ok := q.Claim()
		if ok {
			done <- l
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push("x", 3)

	select {
	case l := <-done:
		if l.ItemID != "x" || l.Attempt != 3 {
			t.Errorf("Claim() = %v, want {x 3}", l)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Claim() did not return after Push")
	}
}

func TestQueueCloseUnblocksWaiters(t *testing.T) {
	q := newAttemptQueue()
	done := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, ok := q.Claim()
			done <- ok
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Close()

	for i := 0; i < 2; i++ {
		select {
		case ok := <-done:
			if ok {
				t.Error("Claim() returned ok=true after Close")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Claim() did not return after Close")
		}
	}
}

func TestQueuePushAfterCloseDropped(t *testing.T) {
	q := newAttemptQueue()
	q.Close()
	q.Push("a", 1)
	if n := q.Len(); n != 0 {
		t.Errorf("Len() after Push on closed queue = %d, want 0", n)
	}
}
