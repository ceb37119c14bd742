package store

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/psantana5/reqcorr/pkg/models"
)

// MemoryStore keeps records in a fixed-size LRU ordered by insertion.
// Reads use Peek so they never change the eviction order.
type MemoryStore struct {
	records *lru.Cache[string, models.RequestRecord]
}

// NewMemoryStore creates an in-memory store holding up to capacity records
func NewMemoryStore(capacity int) (*MemoryStore, error) {
	cache, err := lru.New[string, models.RequestRecord](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory store: %w", err)
	}
	return &MemoryStore{records: cache}, nil
}

// Put stores a copy of rec
func (s *MemoryStore) Put(ctx context.Context, rec models.RequestRecord) error {
	k := key(rec.ChannelID, rec.RequestID)
	// Add on an existing key only moves it; remove first so it becomes newest
	s.records.Remove(k)
	s.records.Add(k, rec.Clone())
	return nil
}

// Get returns one record
func (s *MemoryStore) Get(ctx context.Context, channelID, requestID string) (models.RequestRecord, error) {
	rec, ok := s.records.Peek(key(channelID, requestID))
	if !ok {
		return models.RequestRecord{}, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// List returns matching records, newest first
func (s *MemoryStore) List(ctx context.Context, q Query) ([]models.RequestRecord, error) {
	values := s.records.Values()

	out := make([]models.RequestRecord, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		rec := values[i]
		if q.ChannelID != "" && rec.ChannelID != q.ChannelID {
			continue
		}
		out = append(out, rec.Clone())
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// Count returns the number of retained records
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	return s.records.Len(), nil
}

// Close drops every record
func (s *MemoryStore) Close() error {
	s.records.Purge()
	return nil
}
