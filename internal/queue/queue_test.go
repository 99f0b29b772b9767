package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestLocalFIFO(t *testing.T) {
	ctx := context.Background()
	q := NewLocal(4)

	a, b := uuid.New(), uuid.New()
	if err := q.Enqueue(ctx, a); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, b); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, _ := q.Dequeue(ctx, time.Second)
	second, _ := q.Dequeue(ctx, time.Second)
	if first != a || second != b {
		t.Errorf("expected FIFO order")
	}
}

func TestLocalDequeueTimeout(t *testing.T) {
	q := NewLocal(1)
	id, err := q.Dequeue(context.Background(), 10*time.Millisecond)
	if err != nil || id != uuid.Nil {
		t.Errorf("expected empty result, got %s %v", id, err)
	}
}

func TestLocalDequeueCancelled(t *testing.T) {
	q := NewLocal(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := q.Dequeue(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestLocalEnqueueBlocksUntilCancelled(t *testing.T) {
	q := NewLocal(1)
	_ = q.Enqueue(context.Background(), uuid.New())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, uuid.New()); err == nil {
		t.Error("expected enqueue on a full queue to fail after cancellation")
	}
}

func TestDecodeMessage(t *testing.T) {
	id := uuid.New()
	data, _ := json.Marshal(Message{JobID: id, Type: "render_video"})

	got, err := decodeMessage(data)
	if err != nil || got != id {
		t.Fatalf("decode: %s %v", got, err)
	}

	if _, err := decodeMessage([]byte(`{"type":"render_video"}`)); err == nil {
		t.Error("expected error for missing job id")
	}
	if _, err := decodeMessage([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid json")
	}
}
