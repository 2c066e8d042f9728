package speech

import (
	"context"
	"sync"
	"testing"
	"time"
)

func collect(t *testing.T, q *PlaybackQueue, n int) []string {
	t.Helper()
	got := make(chan string, n)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for buffer := range q.Buffers {
			got <- string(buffer)
			if len(got) == n {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		q.Close()
		<-done
		t.Fatalf("timed out waiting for %d buffers, got %d", n, len(got))
	}
	close(got)

	out := []string{}
	for buffer := range got {
		out = append(out, buffer)
	}
	return out
}

func TestPlaybackQueueKeepsReservationOrder(t *testing.T) {
	q := NewPlaybackQueue()
	first, second, third := q.Reserve(), q.Reserve(), q.Reserve()

	q.Enqueue(third, []byte("c"))
	q.Enqueue(second, []byte("b"))
	q.Enqueue(first, []byte("a"))

	got := collect(t, q, 3)
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("expected [a b c], got %v", got)
	}
}

func TestPlaybackQueueWaitsForEarlierSlot(t *testing.T) {
	q := NewPlaybackQueue()
	first, second := q.Reserve(), q.Reserve()
	q.Enqueue(second, []byte("b"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		q.Enqueue(first, []byte("a"))
	}()

	got := collect(t, q, 2)
	wg.Wait()

	if got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected [a b], got %v", got)
	}
}

func TestPlaybackQueueSkipsAbandonedSlot(t *testing.T) {
	q := NewPlaybackQueue()
	first, second, third := q.Reserve(), q.Reserve(), q.Reserve()
	q.Enqueue(first, []byte("0"))
	q.Skip(second)
	q.Enqueue(third, []byte("2"))

	got := collect(t, q, 2)
	if got[0] != "0" || got[1] != "2" {
		t.Fatalf("expected [0 2], got %v", got)
	}
}

func TestPlaybackQueueDropsOldestBeyondCount(t *testing.T) {
	reasons := []string{}
	q := NewPlaybackQueue(WithQueueBounds(2, time.Minute), WithDropCallback(func(reason string) {
		reasons = append(reasons, reason)
	}))

	blocked := q.Reserve()
	for _, buffer := range []string{"a", "b", "c"} {
		q.Enqueue(q.Reserve(), []byte(buffer))
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 queued buffers, got %d", q.Len())
	}
	if len(reasons) != 1 || reasons[0] != "overflow" {
		t.Fatalf("expected one overflow drop, got %v", reasons)
	}

	q.Skip(blocked)
	got := collect(t, q, 2)
	if got[0] != "b" || got[1] != "c" {
		t.Fatalf("expected [b c], got %v", got)
	}
}

func TestPlaybackQueueDropsExpiredItems(t *testing.T) {
	now := time.Unix(1000, 0)
	q := NewPlaybackQueue(WithQueueBounds(10, time.Minute), withClock(func() time.Time { return now }))

	blocked := q.Reserve()
	q.Enqueue(q.Reserve(), []byte("stale"))
	now = now.Add(2 * time.Minute)
	fresh := q.Reserve()
	q.Enqueue(fresh, []byte("fresh"))

	q.Skip(blocked)
	got := collect(t, q, 1)
	if got[0] != "fresh" {
		t.Fatalf("expected stale buffer to be dropped, got %v", got)
	}
}

func TestPlaybackQueueClearResolvesOutstandingSlots(t *testing.T) {
	q := NewPlaybackQueue()
	outstanding := q.Reserve()
	q.Enqueue(q.Reserve(), []byte("old"))

	q.Clear()
	q.Enqueue(outstanding, []byte("late"))
	q.Enqueue(q.Reserve(), []byte("new"))

	got := collect(t, q, 1)
	if got[0] != "new" {
		t.Fatalf("expected only new buffer after clear, got %v", got)
	}
}

func TestPlaybackQueuePlayStopsWithContext(t *testing.T) {
	q := NewPlaybackQueue()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Play(ctx, func([]byte) error { return nil })
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Play did not return after cancel")
	}
}
