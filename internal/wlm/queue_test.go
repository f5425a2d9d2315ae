package wlm

import (
	"fmt"
	"testing"
	"time"
)

func qJob(id string) *Job {
	return &Job{ID: id, ModelID: "m", CreatedAt: time.Now()}
}

func TestQueueFIFOAndBatchPop(t *testing.T) {
	q := newJobQueue(8)
	for i := 0; i < 5; i++ {
		if err := q.push(qJob(fmt.Sprintf("j%d", i))); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	batch := q.popBatch(3)
	if len(batch) != 3 {
		t.Fatalf("expected batch of 3 got %d", len(batch))
	}
	for i, j := range batch {
		if want := fmt.Sprintf("j%d", i); j.ID != want {
			t.Fatalf("batch order: got %s want %s", j.ID, want)
		}
	}
	if q.len() != 2 {
		t.Fatalf("expected 2 remaining got %d", q.len())
	}
	rest := q.popBatch(10)
	if len(rest) != 2 || rest[0].ID != "j3" {
		t.Fatalf("remaining pop wrong: %+v", rest)
	}
}

func TestQueueRejectsOverflow(t *testing.T) {
	q := newJobQueue(2)
	if err := q.push(qJob("a")); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.push(qJob("b")); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.push(qJob("c")); !IsQueueFull(err) {
		t.Fatalf("expected queue-full got %v", err)
	}
	// capacity frees up after a pop
	q.popBatch(1)
	if err := q.push(qJob("c")); err != nil {
		t.Fatalf("push after pop: %v", err)
	}
}

func TestQueueCloseRejectsAndReturnsPending(t *testing.T) {
	q := newJobQueue(4)
	_ = q.push(qJob("a"))
	_ = q.push(qJob("b"))
	pending := q.close()
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending got %d", len(pending))
	}
	if err := q.push(qJob("c")); !IsShutdown(err) {
		t.Fatalf("expected shutdown error got %v", err)
	}
	if q.len() != 0 {
		t.Fatalf("closed queue must be empty")
	}
}

func TestQueueOldest(t *testing.T) {
	q := newJobQueue(4)
	if _, ok := q.oldest(); ok {
		t.Fatalf("empty queue has no head")
	}
	j := qJob("a")
	_ = q.push(j)
	_ = q.push(qJob("b"))
	head, ok := q.oldest()
	if !ok || !head.Equal(j.CreatedAt) {
		t.Fatalf("head creation time mismatch")
	}
}
