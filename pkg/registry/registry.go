// Package registry owns the per-channel request caches.
//
// Callers are expected to serialize mutations through a gate. The registry's
// own lock only keeps the maps safe for read-only observers such as metrics
// and the pending-records endpoint.
package registry

import (
	"sort"
	"sync"

	"github.com/psantana5/reqcorr/pkg/models"
)

// ChannelCache maps request id to the in-flight record of one channel
type ChannelCache struct {
	mu      sync.RWMutex
	records map[string]models.RequestRecord
}

func newChannelCache() *ChannelCache {
	return &ChannelCache{records: make(map[string]models.RequestRecord)}
}

// Get returns a copy of the record for requestID
func (c *ChannelCache) Get(requestID string) (models.RequestRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[requestID]
	if !ok {
		return models.RequestRecord{}, false
	}
	return rec.Clone(), true
}

// Set stores the record under its request id
func (c *ChannelCache) Set(requestID string, record models.RequestRecord) {
	c.mu.Lock()
	c.records[requestID] = record.Clone()
	c.mu.Unlock()
}

// Len returns the number of records held
func (c *ChannelCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Snapshot returns copies of every record, ordered by request id
func (c *ChannelCache) Snapshot() []models.RequestRecord {
	c.mu.RLock()
	out := make([]models.RequestRecord, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec.Clone())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out
}

// Registry holds one ChannelCache per channel id
type Registry struct {
	mu     sync.RWMutex
	caches map[string]*ChannelCache
}

// New creates an empty registry
func New() *Registry {
	return &Registry{caches: make(map[string]*ChannelCache)}
}

// GetOrCreate returns the channel's cache, creating an empty one on first access
func (r *Registry) GetOrCreate(channelID string) *ChannelCache {
	r.mu.RLock()
	cache, ok := r.caches[channelID]
	r.mu.RUnlock()
	if ok {
		return cache
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cache, ok = r.caches[channelID]; ok {
		return cache
	}
	cache = newChannelCache()
	r.caches[channelID] = cache
	return cache
}

// Lookup returns the channel's cache without creating it
func (r *Registry) Lookup(channelID string) (*ChannelCache, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cache, ok := r.caches[channelID]
	return cache, ok
}

// Destroy drops the channel's cache and every record in it. No-op if absent.
// It reports whether a cache existed.
func (r *Registry) Destroy(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.caches[channelID]; !ok {
		return false
	}
	delete(r.caches, channelID)
	return true
}

// Channels returns the ids of every live channel, sorted
func (r *Registry) Channels() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.caches))
	for id := range r.caches {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Stats returns the number of channels and the total number of cached records
func (r *Registry) Stats() (channels, entries int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cache := range r.caches {
		entries += cache.Len()
	}
	return len(r.caches), entries
}
