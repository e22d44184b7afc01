package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue implements Queue using a buffered channel
type MemoryQueue struct {
	items     chan *Message
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue creates a new in-memory queue
func NewMemoryQueue(config *Config) *MemoryQueue {
	if config == nil {
		config = DefaultConfig("memory")
	}

	return &MemoryQueue{
		items: make(chan *Message, config.BatchSize*10), // Buffer for 10 batches
		done:  make(chan struct{}),
	}
}

// Enqueue adds a message to the queue, waiting for room when it is full
func (q *MemoryQueue) Enqueue(ctx context.Context, msg *Message) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	select {
	case q.items <- msg:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue retrieves up to maxItems messages
func (q *MemoryQueue) Dequeue(ctx context.Context, maxItems int, timeout time.Duration) ([]*Message, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var items []*Message

	select {
	case msg := <-q.items:
		items = append(items, msg)
	case <-deadline:
		return items, nil
	case <-q.done:
		return nil, ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Try to get more items without blocking
	for len(items) < maxItems {
		select {
		case msg := <-q.items:
			items = append(items, msg)
		default:
			return items, nil
		}
	}

	return items, nil
}

// Length returns the current queue length
func (q *MemoryQueue) Length(ctx context.Context) (int, error) {
	select {
	case <-q.done:
		return 0, ErrQueueClosed
	default:
	}
	return len(q.items), nil
}

// Close shuts down the queue. Pending messages are dropped.
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

// MemoryDeadLetterQueue implements DeadLetterQueue in process memory
type MemoryDeadLetterQueue struct {
	items  map[string]DeadLetterItem
	mu     sync.RWMutex
	closed bool
}

// NewMemoryDeadLetterQueue creates a new in-memory dead letter queue
func NewMemoryDeadLetterQueue() *MemoryDeadLetterQueue {
	return &MemoryDeadLetterQueue{
		items: make(map[string]DeadLetterItem),
	}
}

// Add adds a failed message to the dead letter queue
func (q *MemoryDeadLetterQueue) Add(ctx context.Context, msg *Message, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.items[msg.ID] = newDeadLetterItem(msg, err)
	return nil
}

// List retrieves dead letters, oldest first
func (q *MemoryDeadLetterQueue) List(ctx context.Context, maxItems int) ([]DeadLetterItem, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	result := make([]DeadLetterItem, 0, len(q.items))
	for _, item := range q.items {
		result = append(result, item)
	}
	return limitItems(sortItems(result), maxItems), nil
}

// Remove removes a dead letter by message id
func (q *MemoryDeadLetterQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	if _, ok := q.items[id]; !ok {
		return ErrItemNotFound
	}
	delete(q.items, id)
	return nil
}

// Close shuts down the dead letter queue
func (q *MemoryDeadLetterQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.items = nil
	return nil
}

func newDeadLetterItem(msg *Message, err error) DeadLetterItem {
	item := DeadLetterItem{
		Message:   msg,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		item.Error = err.Error()
	}
	return item
}

func sortItems(items []DeadLetterItem) []DeadLetterItem {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Timestamp.Equal(items[j].Timestamp) {
			return items[i].Message.ID < items[j].Message.ID
		}
		return items[i].Timestamp.Before(items[j].Timestamp)
	})
	return items
}

func limitItems(items []DeadLetterItem, maxItems int) []DeadLetterItem {
	if maxItems > 0 && maxItems < len(items) {
		return items[:maxItems]
	}
	return items
}
