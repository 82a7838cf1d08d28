package hub

import (
	"strconv"
	"testing"
)

func TestOutQueue_FIFO(t *testing.T) {
	q := newOutQueue(4)
	for i := 0; i < 3; i++ {
		if !q.push([]byte(strconv.Itoa(i)), "thought") {
			t.Fatalf("push %d failed", i)
		}
	}
	got := q.drain()
	if len(got) != 3 {
		t.Fatalf("drained %d, want 3", len(got))
	}
	for i, msg := range got {
		if string(msg) != strconv.Itoa(i) {
			t.Errorf("message %d = %q", i, msg)
		}
	}
}

func TestOutQueue_DropsOldestThoughtFirst(t *testing.T) {
	q := newOutQueue(3)
	q.push([]byte("thought-0"), "thought")
	q.push([]byte("result-0"), "tool_result")
	q.push([]byte("thought-1"), "thought")

	// Full: the oldest thought goes, not the tool result.
	if !q.push([]byte("final"), "final_answer") {
		t.Fatal("push with droppable items must succeed")
	}

	got := q.drain()
	want := []string{"result-0", "thought-1", "final"}
	if len(got) != len(want) {
		t.Fatalf("drained %d, want %d", len(got), len(want))
	}
	for i, w := range want {
		if string(got[i]) != w {
			t.Errorf("message %d = %q, want %q", i, got[i], w)
		}
	}
}

func TestOutQueue_ToolResultDroppedAfterThoughtsExhausted(t *testing.T) {
	q := newOutQueue(2)
	q.push([]byte("result-0"), "tool_result")
	q.push([]byte("call-0"), "tool_call")

	if !q.push([]byte("final"), "final_answer") {
		t.Fatal("tool_result should have been evicted")
	}
	got := q.drain()
	if string(got[0]) != "call-0" || string(got[1]) != "final" {
		t.Errorf("queue after eviction: %q, %q", got[0], got[1])
	}
}

func TestOutQueue_BackpressureWhenNothingDroppable(t *testing.T) {
	q := newOutQueue(2)
	q.push([]byte("call-0"), "tool_call")
	q.push([]byte("final-0"), "final_answer")

	if q.push([]byte("final-1"), "final_answer") {
		t.Error("push must fail when only undroppable messages are queued")
	}
	if q.len() != 2 {
		t.Errorf("len = %d, want 2 (queue unchanged)", q.len())
	}
}

func TestOutQueue_ControlMessagesNeverDropped(t *testing.T) {
	q := newOutQueue(2)
	q.push([]byte("connected"), "")
	q.push([]byte("pong"), "")

	if q.push([]byte("error"), "") {
		t.Error("control messages must not evict each other")
	}
}

func TestOutQueue_ClosedRejectsPush(t *testing.T) {
	q := newOutQueue(2)
	q.close()
	if q.push([]byte("x"), "thought") {
		t.Error("push after close must fail")
	}
}
