package observer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/reqcorr/pkg/gate"
	"github.com/psantana5/reqcorr/pkg/logging"
	"github.com/psantana5/reqcorr/pkg/metrics"
	"github.com/psantana5/reqcorr/pkg/models"
	"github.com/psantana5/reqcorr/pkg/registry"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []models.PushAction
	err  error
}

func (s *recordingSink) Emit(ctx context.Context, msg models.PushAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func (s *recordingSink) messages() []models.PushAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PushAction(nil), s.msgs...)
}

func newObserver() (*Observer, *registry.Registry, *recordingSink) {
	reg := registry.New()
	sink := &recordingSink{}
	return New(gate.New(), reg, sink, logging.Discard(), metrics.New()), reg, sink
}

func sendHeaders(channel, id, method string) models.SendHeadersEvent {
	return models.SendHeadersEvent{
		RequestID:      id,
		ChannelID:      channel,
		Method:         method,
		URL:            "https://example.com/" + id,
		ResourceType:   "xmlhttprequest",
		RequestHeaders: []models.Header{{Name: "User-Agent", Value: "x"}},
	}
}

func beforeRequest(channel, id, method, body string) models.BeforeRequestEvent {
	return models.BeforeRequestEvent{
		RequestID:    id,
		ChannelID:    channel,
		Method:       method,
		URL:          "https://example.com/" + id,
		ResourceType: "xmlhttprequest",
		RequestBody:  &models.RequestBody{Raw: []models.UploadData{{Bytes: []byte(body)}}},
	}
}

func responseStarted(channel, id, method string) models.ResponseStartedEvent {
	return models.ResponseStartedEvent{
		RequestID:       id,
		ChannelID:       channel,
		Method:          method,
		URL:             "https://example.com/" + id,
		ResourceType:    "xmlhttprequest",
		ResponseHeaders: []models.Header{{Name: "Content-Type", Value: "json"}},
	}
}

func TestLifecycleEmitsCompletedRecord(t *testing.T) {
	ctx := context.Background()
	obs, _, sink := newObserver()

	require.NoError(t, obs.OnSendHeaders(ctx, sendHeaders("7", "r1", "POST")))
	require.NoError(t, obs.OnBeforeRequest(ctx, beforeRequest("7", "r1", "POST", "a=1")))
	assert.Empty(t, sink.messages(), "phases 1 and 2 never emit")

	require.NoError(t, obs.OnResponseStarted(ctx, responseStarted("7", "r1", "POST")))

	msgs := sink.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.KindPushAction, msgs[0].Kind)
	assert.Equal(t, "7", msgs[0].ChannelID)

	rec := msgs[0].Record
	assert.Equal(t, []models.Header{{Name: "User-Agent", Value: "x"}}, rec.RequestHeaders)
	require.NotNil(t, rec.RequestBody)
	assert.Equal(t, "a=1", *rec.RequestBody)
	assert.Equal(t, []models.Header{{Name: "Content-Type", Value: "json"}}, rec.ResponseHeaders)
}

func TestBodyBeforeHeaders(t *testing.T) {
	ctx := context.Background()
	obs, _, _ := newObserver()

	require.NoError(t, obs.OnBeforeRequest(ctx, beforeRequest("7", "r2", "POST", "a=1")))
	require.NoError(t, obs.OnSendHeaders(ctx, sendHeaders("7", "r2", "POST")))

	pending := obs.Pending("7")
	require.Len(t, pending, 1)
	require.NotNil(t, pending[0].RequestBody)
	assert.Equal(t, "a=1", *pending[0].RequestBody)
	assert.Equal(t, []models.Header{{Name: "User-Agent", Value: "x"}}, pending[0].RequestHeaders)
}

func TestPreflightNeverTouchesCache(t *testing.T) {
	ctx := context.Background()
	obs, reg, sink := newObserver()

	require.NoError(t, obs.OnSendHeaders(ctx, sendHeaders("7", "p1", "OPTIONS")))
	require.NoError(t, obs.OnBeforeRequest(ctx, beforeRequest("7", "p1", "OPTIONS", "x")))
	require.NoError(t, obs.OnResponseStarted(ctx, responseStarted("7", "p1", "options")))

	_, ok := reg.Lookup("7")
	assert.False(t, ok, "preflight must not even create the channel cache")
	assert.Empty(t, sink.messages())
}

func TestChannelCloseDiscardsRecords(t *testing.T) {
	ctx := context.Background()
	obs, reg, _ := newObserver()

	require.NoError(t, obs.OnSendHeaders(ctx, sendHeaders("7", "r1", "GET")))
	require.NoError(t, obs.OnChannelClosed(ctx, models.ChannelClosedEvent{ChannelID: "7"}))

	assert.Empty(t, obs.Pending("7"))
	assert.Equal(t, 0, reg.GetOrCreate("7").Len())

	// closing an unknown channel is a no-op
	assert.NoError(t, obs.OnChannelClosed(ctx, models.ChannelClosedEvent{ChannelID: "nope"}))
}

func TestBodylessBeforeRequestIsIgnored(t *testing.T) {
	ctx := context.Background()
	obs, reg, _ := newObserver()

	ev := beforeRequest("7", "r1", "GET", "")
	ev.RequestBody = nil
	require.NoError(t, obs.OnBeforeRequest(ctx, ev))

	_, ok := reg.Lookup("7")
	assert.False(t, ok)
}

func TestUndecodableBodyStillMerges(t *testing.T) {
	ctx := context.Background()
	obs, _, _ := newObserver()

	ev := beforeRequest("7", "r1", "POST", "")
	ev.RequestBody.Raw[0].Bytes = []byte{0xc3, 0x28}
	require.NoError(t, obs.OnBeforeRequest(ctx, ev))

	pending := obs.Pending("7")
	require.Len(t, pending, 1)
	assert.False(t, pending[0].HasBody())
	assert.Equal(t, "POST", pending[0].Method)
}

func TestInvalidEventRejected(t *testing.T) {
	obs, _, _ := newObserver()

	err := obs.OnSendHeaders(context.Background(), sendHeaders("", "r1", "GET"))
	assert.True(t, errors.Is(err, ErrInvalidEvent))
}

func TestSinkFailureDoesNotFailHandler(t *testing.T) {
	obs, _, sink := newObserver()
	sink.err = errors.New("state unavailable")

	err := obs.OnResponseStarted(context.Background(), responseStarted("7", "r1", "GET"))
	assert.NoError(t, err)
	assert.Len(t, sink.messages(), 1)
}

func TestConcurrentInterleavedPhases(t *testing.T) {
	ctx := context.Background()
	obs, _, sink := newObserver()

	const channels = 4
	const perChannel = 25

	type step func()
	var steps []step
	for c := 0; c < channels; c++ {
		for i := 0; i < perChannel; i++ {
			ch := fmt.Sprintf("tab-%d", c)
			id := fmt.Sprintf("req-%d", i)
			steps = append(steps,
				func() { _ = obs.OnSendHeaders(ctx, sendHeaders(ch, id, "POST")) },
				func() { _ = obs.OnBeforeRequest(ctx, beforeRequest(ch, id, "POST", "body-"+id)) },
			)
		}
	}
	rand.New(rand.NewSource(1)).Shuffle(len(steps), func(i, j int) { steps[i], steps[j] = steps[j], steps[i] })

	var wg sync.WaitGroup
	for _, s := range steps {
		wg.Add(1)
		go func(s step) {
			defer wg.Done()
			s()
		}(s)
	}
	wg.Wait()

	for c := 0; c < channels; c++ {
		for i := 0; i < perChannel; i++ {
			require.NoError(t, obs.OnResponseStarted(ctx, responseStarted(fmt.Sprintf("tab-%d", c), fmt.Sprintf("req-%d", i), "POST")))
		}
	}

	msgs := sink.messages()
	require.Len(t, msgs, channels*perChannel)

	seen := make(map[string]bool)
	for _, m := range msgs {
		key := m.ChannelID + "/" + m.Record.RequestID
		assert.False(t, seen[key], "record %s emitted twice", key)
		seen[key] = true

		require.NotNil(t, m.Record.RequestBody, key)
		assert.Equal(t, "body-"+m.Record.RequestID, *m.Record.RequestBody)
		assert.Len(t, m.Record.RequestHeaders, 1, key)
	}
}

func TestQueuedTerminalPhaseSurvivesCancelledCaller(t *testing.T) {
	g := gate.New()
	sink := &recordingSink{}
	obs := New(g, registry.New(), sink, logging.Discard(), metrics.New())

	require.NoError(t, obs.OnSendHeaders(context.Background(), sendHeaders("7", "r9", "GET")))

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = g.Run(context.Background(), func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- obs.OnResponseStarted(ctx, responseStarted("7", "r9", "GET"))
	}()

	require.Eventually(t, func() bool { return g.Waiting() == 2 }, time.Second, time.Millisecond)
	cancel()
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("terminal phase never completed")
	}

	msgs := sink.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "r9", msgs[0].Record.RequestID)
}
