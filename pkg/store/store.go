// Package store keeps completed request records for the lifetime of the
// process. Both implementations are bounded: once capacity is reached the
// oldest record is dropped.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/psantana5/reqcorr/pkg/models"
)

var ErrRecordNotFound = errors.New("record not found")

// Query filters List results
type Query struct {
	ChannelID string // empty matches every channel
	Limit     int    // <= 0 returns everything retained
}

// RecordStore holds completed records, newest first on listing.
// Putting a record whose (channel, request id) already exists replaces it and
// makes it the newest.
type RecordStore interface {
	Put(ctx context.Context, rec models.RequestRecord) error
	Get(ctx context.Context, channelID, requestID string) (models.RequestRecord, error)
	List(ctx context.Context, q Query) ([]models.RequestRecord, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// New opens the store named by driver ("memory" or "sqlite")
func New(driver string, capacity int) (RecordStore, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStore(capacity)
	case "sqlite":
		return NewSQLiteStore(capacity)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func key(channelID, requestID string) string {
	return channelID + "\x00" + requestID
}
