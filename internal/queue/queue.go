package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const QueueRenderJobs = "queue:render_jobs"

// Queue hands admitted job ids to pipeline workers. Dequeue returns
// uuid.Nil with a nil error when nothing arrived before the timeout.
type Queue interface {
	Enqueue(ctx context.Context, jobID uuid.UUID) error
	Dequeue(ctx context.Context, timeout time.Duration) (uuid.UUID, error)
	Close() error
}

// Message is the wire envelope pushed to Redis.
type Message struct {
	JobID     uuid.UUID `json:"job_id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

type Redis struct {
	client *redis.Client
	name   string
}

var _ Queue = (*Redis)(nil)

func NewRedis(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{client: client, name: QueueRenderJobs}, nil
}

func (q *Redis) Close() error {
	return q.client.Close()
}

func (q *Redis) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	data, err := json.Marshal(Message{JobID: jobID, Type: "render_video", CreatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return q.client.RPush(ctx, q.name, data).Err()
}

func (q *Redis) Dequeue(ctx context.Context, timeout time.Duration) (uuid.UUID, error) {
	result, err := q.client.BLPop(ctx, timeout, q.name).Result()
	if err == redis.Nil {
		return uuid.Nil, nil // No job available
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return uuid.Nil, fmt.Errorf("unexpected redis response")
	}

	return decodeMessage([]byte(result[1]))
}

func (q *Redis) Length(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.name).Result()
}

func decodeMessage(data []byte) (uuid.UUID, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return uuid.Nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if msg.JobID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("queue message has no job id")
	}
	return msg.JobID, nil
}

// Local is an in-process buffered queue for single-binary deployments.
type Local struct {
	ch chan uuid.UUID
}

var _ Queue = (*Local)(nil)

func NewLocal(size int) *Local {
	if size < 1 {
		size = 1
	}
	return &Local{ch: make(chan uuid.UUID, size)}
}

func (q *Local) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	select {
	case q.ch <- jobID:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue cancelled: %w", ctx.Err())
	}
}

func (q *Local) Dequeue(ctx context.Context, timeout time.Duration) (uuid.UUID, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case id := <-q.ch:
		return id, nil
	case <-timer.C:
		return uuid.Nil, nil
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	}
}

func (q *Local) Close() error { return nil }
