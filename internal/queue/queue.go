package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Package queue provides the retry queues that back deferred settlement
// and usage recording. Two backends exist:
//
// 1. Memory Queue (in-memory, channel-based):
//    - No persistence, pending work is lost on restart
//    - Used by the standalone SQLite deployment and in tests
//
// 2. Redis Queue (Redis List-based):
//    - Persistent across restarts
//    - Shared by every replica of the service
//
// Flow:
//
//	┌──────────────┐  transient failure   ┌──────────────┐
//	│  Authorizer  │ ───────────────────▶ │ Settlement   │
//	│  Complete /  │                      │ Queue        │
//	│  Abort       │ ──────┐              └──────┬───────┘
//	└──────────────┘       │ record failure      │
//	                       ▼                     ▼
//	               ┌──────────────┐      ┌──────────────┐
//	               │ Usage Queue  │ ◀─── │ Settlement   │
//	               └──────┬───────┘      │ Worker       │
//	                      ▼              └──────┬───────┘
//	               ┌──────────────┐             │ (retry)
//	               │ Record       │             ▼
//	               │ Worker       │          ┌─────┐
//	               └──────┬───────┘          │ DLQ │
//	                      ▼                  └─────┘
//	                   ┌─────┐
//	                   │ DLQ │
//	                   └─────┘

// Message is a unit of deferred work. Payload holds the JSON encoding of
// the job; Kind tells the consumer how to decode it.
type Message struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewMessage encodes payload into a new message of the given kind
func NewMessage(kind string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}

	return &Message{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    data,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v
func (m *Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s message %s: %w", m.Kind, m.ID, err)
	}
	return nil
}

// Queue defines the interface for message queuing
type Queue interface {
	// Enqueue adds a message to the queue
	Enqueue(ctx context.Context, msg *Message) error

	// Dequeue retrieves up to maxItems messages. It waits up to timeout for
	// the first one and returns an empty slice if none arrived; a zero
	// timeout waits until the context is cancelled.
	Dequeue(ctx context.Context, maxItems int, timeout time.Duration) ([]*Message, error)

	// Length returns the current queue length
	Length(ctx context.Context) (int, error)

	// Close shuts down the queue gracefully
	Close() error
}

// DeadLetterQueue holds messages that exhausted their retries
type DeadLetterQueue interface {
	// Add stores a failed message with the last error
	Add(ctx context.Context, msg *Message, err error) error

	// List returns dead letters, oldest first
	List(ctx context.Context, maxItems int) ([]DeadLetterItem, error)

	// Remove deletes a dead letter by message id
	Remove(ctx context.Context, id string) error

	// Close shuts down the dead letter queue
	Close() error
}

// DeadLetterItem represents a message in the dead letter queue
type DeadLetterItem struct {
	Message   *Message  `json:"message"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Redrive moves a dead letter back onto its queue with a fresh attempt count
func Redrive(ctx context.Context, dlq DeadLetterQueue, q Queue, id string) error {
	items, err := dlq.List(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list dead letter items: %w", err)
	}

	for _, item := range items {
		if item.Message.ID != id {
			continue
		}
		msg := *item.Message
		msg.Attempts = 0
		if err := q.Enqueue(ctx, &msg); err != nil {
			return fmt.Errorf("failed to re-enqueue message: %w", err)
		}
		if err := dlq.Remove(ctx, id); err != nil {
			return fmt.Errorf("failed to remove from DLQ: %w", err)
		}
		return nil
	}

	return ErrItemNotFound
}

// Config holds queue and worker configuration
type Config struct {
	// BatchSize is the maximum number of messages to process in a batch
	BatchSize int

	// BatchTimeout is how long to wait for the first message of a batch
	BatchTimeout time.Duration

	// MaxRetries is the number of retries after the first attempt
	MaxRetries int

	// RetryBackoff is the initial backoff duration for retries
	RetryBackoff time.Duration

	// MaxBackoff caps the retry backoff
	MaxBackoff time.Duration

	// QueueName is the name/key for the queue
	QueueName string
}

// DefaultConfig returns default queue configuration
func DefaultConfig(queueName string) *Config {
	return &Config{
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 1 * time.Second,
		MaxBackoff:   30 * time.Second,
		QueueName:    queueName,
	}
}
