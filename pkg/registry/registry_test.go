package registry

import (
	"testing"

	"github.com/psantana5/reqcorr/pkg/models"
)

func TestGetOrCreateIsLazyAndStable(t *testing.T) {
	r := New()

	if _, ok := r.Lookup("tab-1"); ok {
		t.Fatal("Expected no cache before first access")
	}

	a := r.GetOrCreate("tab-1")
	b := r.GetOrCreate("tab-1")
	if a != b {
		t.Error("Expected the same cache instance for the same channel")
	}

	if a.Len() != 0 {
		t.Errorf("Expected empty cache, got %d entries", a.Len())
	}
}

func TestDestroyDiscardsEntries(t *testing.T) {
	r := New()

	cache := r.GetOrCreate("tab-1")
	cache.Set("r1", models.RequestRecord{RequestID: "r1", ChannelID: "tab-1"})
	cache.Set("r2", models.RequestRecord{RequestID: "r2", ChannelID: "tab-1"})
	r.GetOrCreate("tab-2").Set("r3", models.RequestRecord{RequestID: "r3", ChannelID: "tab-2"})

	if !r.Destroy("tab-1") {
		t.Fatal("Expected Destroy to report an existing cache")
	}
	if r.Destroy("tab-1") {
		t.Error("Second Destroy should be a no-op")
	}

	fresh := r.GetOrCreate("tab-1")
	if fresh.Len() != 0 {
		t.Errorf("Expected a fresh empty cache after destroy, got %d entries", fresh.Len())
	}
	if _, ok := fresh.Get("r1"); ok {
		t.Error("Previous entries must be unreachable after destroy")
	}

	channels, entries := r.Stats()
	if channels != 2 || entries != 1 {
		t.Errorf("Expected 2 channels and 1 entry, got %d/%d", channels, entries)
	}
}

func TestCacheDoesNotAliasCallerData(t *testing.T) {
	cache := New().GetOrCreate("tab")

	headers := []models.Header{{Name: "User-Agent", Value: "x"}}
	cache.Set("r1", models.RequestRecord{RequestID: "r1", RequestHeaders: headers})
	headers[0].Value = "mutated"

	got, _ := cache.Get("r1")
	if got.RequestHeaders[0].Value != "x" {
		t.Errorf("Cache entry changed through caller slice: %v", got.RequestHeaders)
	}

	got.RequestHeaders[0].Value = "mutated again"
	again, _ := cache.Get("r1")
	if again.RequestHeaders[0].Value != "x" {
		t.Errorf("Cache entry changed through returned slice: %v", again.RequestHeaders)
	}
}

func TestSnapshotOrdering(t *testing.T) {
	r := New()
	cache := r.GetOrCreate("tab")
	for _, id := range []string{"c", "a", "b"} {
		cache.Set(id, models.RequestRecord{RequestID: id})
	}

	snap := cache.Snapshot()
	if len(snap) != 3 || snap[0].RequestID != "a" || snap[2].RequestID != "c" {
		t.Errorf("Unexpected snapshot order: %+v", snap)
	}

	if ids := r.Channels(); len(ids) != 1 || ids[0] != "tab" {
		t.Errorf("Unexpected channels: %v", ids)
	}
}
