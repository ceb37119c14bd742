package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/reqcorr/pkg/models"
)

func completed(channel, id string) models.RequestRecord {
	body := "body-" + id
	return models.RequestRecord{
		RequestID:       id,
		ChannelID:       channel,
		Method:          "POST",
		URL:             "https://example.com/" + id,
		ResourceType:    "xmlhttprequest",
		RequestHeaders:  []models.Header{{Name: "User-Agent", Value: "x"}},
		RequestBody:     &body,
		ResponseHeaders: []models.Header{},
		StatusCode:      200,
	}
}

func forEachDriver(t *testing.T, capacity int, fn func(t *testing.T, s RecordStore)) {
	for _, driver := range []string{"memory", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			s, err := New(driver, capacity)
			require.NoError(t, err)
			defer s.Close()
			fn(t, s)
		})
	}
}

func TestPutGet(t *testing.T) {
	forEachDriver(t, 10, func(t *testing.T, s RecordStore) {
		ctx := context.Background()
		rec := completed("7", "r1")
		require.NoError(t, s.Put(ctx, rec))

		got, err := s.Get(ctx, "7", "r1")
		require.NoError(t, err)
		assert.Equal(t, rec, got)
		assert.True(t, got.Completed(), "an empty response header list still marks completion")

		_, err = s.Get(ctx, "7", "missing")
		assert.True(t, errors.Is(err, ErrRecordNotFound))
	})
}

func TestListNewestFirstAndFiltered(t *testing.T) {
	forEachDriver(t, 10, func(t *testing.T, s RecordStore) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, completed("a", "r1")))
		require.NoError(t, s.Put(ctx, completed("b", "r2")))
		require.NoError(t, s.Put(ctx, completed("a", "r3")))

		all, err := s.List(ctx, Query{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"r3", "r2", "r1"}, ids(all))

		chA, err := s.List(ctx, Query{ChannelID: "a"})
		require.NoError(t, err)
		assert.Equal(t, []string{"r3", "r1"}, ids(chA))

		limited, err := s.List(ctx, Query{Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"r3"}, ids(limited))

		none, err := s.List(ctx, Query{ChannelID: "zzz"})
		require.NoError(t, err)
		assert.NotNil(t, none)
		assert.Empty(t, none)
	})
}

func TestCapacityDropsOldest(t *testing.T) {
	forEachDriver(t, 3, func(t *testing.T, s RecordStore) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Put(ctx, completed("7", fmt.Sprintf("r%d", i))))
		}

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		all, err := s.List(ctx, Query{})
		require.NoError(t, err)
		assert.Equal(t, []string{"r4", "r3", "r2"}, ids(all))
	})
}

func TestReplaceMovesToNewest(t *testing.T) {
	forEachDriver(t, 10, func(t *testing.T, s RecordStore) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, completed("7", "r1")))
		require.NoError(t, s.Put(ctx, completed("7", "r2")))

		again := completed("7", "r1")
		again.StatusCode = 304
		require.NoError(t, s.Put(ctx, again))

		all, err := s.List(ctx, Query{})
		require.NoError(t, err)
		assert.Equal(t, []string{"r1", "r2"}, ids(all))
		assert.Equal(t, 304, all[0].StatusCode)
	})
}

func TestConcurrentPuts(t *testing.T) {
	forEachDriver(t, 100, func(t *testing.T, s RecordStore) {
		ctx := context.Background()

		var wg sync.WaitGroup
		errs := make(chan error, 50)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := s.Put(ctx, completed(fmt.Sprintf("c%d", i%4), fmt.Sprintf("r%d", i))); err != nil {
					errs <- err
				}
			}(i)
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			t.Errorf("Put failed: %v", err)
		}
		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 50, n)
	})
}

func TestUnknownDriver(t *testing.T) {
	_, err := New("postgres", 10)
	assert.Error(t, err)
}

func ids(recs []models.RequestRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.RequestID
	}
	return out
}
