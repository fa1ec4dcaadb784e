package notify

import (
	"fmt"
	"testing"
	"time"
)

func TestQueueCoalescesByPath(t *testing.T) {
	q := NewQueue(100)

	q.Push(Event{Path: "a.txt", Op: Added})
	q.Push(Event{Path: "a.txt", Op: Changed})
	q.Push(Event{Path: "a.txt", Op: Changed})

	if q.Len() != 1 {
		t.Fatalf("expected 1 pending path, got %d", q.Len())
	}

	batch := q.PopBatch(10)
	if len(batch) != 1 {
		t.Fatalf("expected 1 event, got %d", len(batch))
	}
	if batch[0].Op != Changed {
		t.Errorf("expected latest op Changed, got %s", batch[0].Op)
	}
}

func TestQueueRemovalsPopFirst(t *testing.T) {
	q := NewQueue(100)

	q.Push(Event{Path: "added1", Op: Added})
	q.Push(Event{Path: "added2", Op: Changed})
	q.Push(Event{Path: "gone", Op: Removed})

	batch := q.PopBatch(1)
	if len(batch) != 1 || batch[0].Path != "gone" {
		t.Fatalf("expected the removal first, got %+v", batch)
	}

	batch = q.PopBatch(10)
	if len(batch) != 2 {
		t.Errorf("expected the 2 remaining events, got %d", len(batch))
	}
}

func TestQueueRemovalKeepsPriorityOnFollowUp(t *testing.T) {
	q := NewQueue(100)

	q.Push(Event{Path: "x", Op: Removed})
	// Re-creation at the same path while the removal is still queued.
	q.Push(Event{Path: "x", Op: Added})

	if q.Len() != 1 {
		t.Fatalf("expected 1 pending path, got %d", q.Len())
	}

	q.Push(Event{Path: "y", Op: Changed})
	batch := q.PopBatch(1)
	if batch[0].Path != "x" {
		t.Errorf("re-created path should keep removal-lane priority, got %s", batch[0].Path)
	}
}

func TestQueueOverflowCollapsesToRescan(t *testing.T) {
	q := NewQueue(10)

	for i := 0; i < 50; i++ {
		q.Push(Event{Path: fmt.Sprintf("file-%d", i), Op: Added, When: time.Now()})
	}

	if !q.Overflowed() {
		t.Fatal("queue should have overflowed")
	}
	if q.Len() != 1 {
		t.Fatalf("overflowed queue should hold exactly the rescan marker, got %d", q.Len())
	}

	batch := q.PopBatch(10)
	if len(batch) != 1 || batch[0].Path != RescanAll {
		t.Fatalf("expected the rescan marker, got %+v", batch)
	}
	if q.Overflowed() {
		t.Error("popping the rescan marker should clear the overflow flag")
	}

	// Normal operation resumes after the collapse.
	q.Push(Event{Path: "later", Op: Changed})
	if q.Len() != 1 {
		t.Errorf("expected 1 pending path after recovery, got %d", q.Len())
	}
}

func TestQueuePopBatchLimit(t *testing.T) {
	q := NewQueue(100)
	for i := 0; i < 7; i++ {
		q.Push(Event{Path: fmt.Sprintf("f%d", i), Op: Changed})
	}

	if got := len(q.PopBatch(3)); got != 3 {
		t.Errorf("expected batch of 3, got %d", got)
	}
	if got := len(q.PopBatch(10)); got != 4 {
		t.Errorf("expected remaining 4, got %d", got)
	}
	if got := len(q.PopBatch(10)); got != 0 {
		t.Errorf("expected empty queue, got %d", got)
	}
}
