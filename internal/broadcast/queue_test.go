package broadcast

import (
	"fmt"
	"testing"
)

func TestQueueDropsOldest(t *testing.T) {
	q := newQueue(3)
	var evictions int
	for i := 0; i < 5; i++ {
		evicted, ok := q.push([]byte(fmt.Sprint(i)))
		if !ok {
			t.Fatalf("push %d rejected", i)
		}
		if evicted {
			evictions++
		}
	}
	if evictions != 2 {
		t.Fatalf("expected 2 evictions, got %d", evictions)
	}
	for _, want := range []string{"2", "3", "4"} {
		msg, ok := q.pop()
		if !ok || string(msg) != want {
			t.Fatalf("expected %s, got %q (%v)", want, msg, ok)
		}
	}
	if _, ok := q.pop(); ok {
		t.Fatal("queue should be empty")
	}
}

func TestQueueRejectsAfterClose(t *testing.T) {
	q := newQueue(2)
	q.push([]byte("a"))
	q.close()
	if _, ok := q.push([]byte("b")); ok {
		t.Fatal("push after close should be rejected")
	}
	if msg, ok := q.pop(); !ok || string(msg) != "a" {
		t.Fatalf("queued message should still drain, got %q", msg)
	}
}

func TestQueueNotifyCoalesces(t *testing.T) {
	q := newQueue(8)
	for i := 0; i < 4; i++ {
		q.push([]byte("x"))
	}
	<-q.notify
	select {
	case <-q.notify:
		t.Fatal("notify should hold a single pending signal")
	default:
	}
	n := 0
	for {
		if _, ok := q.pop(); !ok {
			break
		}
		n++
	}
	if n != 4 {
		t.Fatalf("expected 4 queued, got %d", n)
	}
}
