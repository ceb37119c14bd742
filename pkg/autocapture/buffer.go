package autocapture

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultBufferCapacity = 256
	DefaultBufferTTL      = 2 * time.Minute
)

// Buffer holds captured bodies by request id until the header phase consumes them.
// Entries are bounded by capacity (least recently stored evicted first) and by
// a TTL, so a request whose header phase never fires does not leak.
type Buffer struct {
	mu      sync.Mutex
	entries *expirable.LRU[string, string]
}

// NewBuffer creates a buffer. A zero capacity or TTL falls back to the defaults.
func NewBuffer(capacity int, ttl time.Duration) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	if ttl <= 0 {
		ttl = DefaultBufferTTL
	}
	return &Buffer{entries: expirable.NewLRU[string, string](capacity, nil, ttl)}
}

// Store records body for requestID. A request id is stored at most once;
// Store returns false if an entry already exists.
func (b *Buffer) Store(requestID, body string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Peek, unlike Contains, treats an expired entry as absent
	if _, ok := b.entries.Peek(requestID); ok {
		return false
	}
	b.entries.Add(requestID, body)
	return true
}

// Peek returns the body for requestID without consuming it
func (b *Buffer) Peek(requestID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.Peek(requestID)
}

// Take returns and removes the body for requestID
func (b *Buffer) Take(requestID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	body, ok := b.entries.Peek(requestID)
	if ok {
		b.entries.Remove(requestID)
	}
	return body, ok
}

// Delete removes the entry for requestID, if any
func (b *Buffer) Delete(requestID string) {
	b.mu.Lock()
	b.entries.Remove(requestID)
	b.mu.Unlock()
}

// Len returns the number of live entries
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.Len()
}
