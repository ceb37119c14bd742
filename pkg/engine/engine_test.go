package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/reqcorr/pkg/autocapture"
	"github.com/psantana5/reqcorr/pkg/broadcast"
	"github.com/psantana5/reqcorr/pkg/logging"
	"github.com/psantana5/reqcorr/pkg/metrics"
	"github.com/psantana5/reqcorr/pkg/models"
	"github.com/psantana5/reqcorr/pkg/observer"
	"github.com/psantana5/reqcorr/pkg/store"
)

const settingsURL = "https://api.twitter.com/1.1/account/settings.json"

type recordingNotary struct {
	mu    sync.Mutex
	reqs  []models.CaptureRequest
	err   error
	block chan struct{}
}

func (n *recordingNotary) Notarize(ctx context.Context, req models.CaptureRequest) (json.RawMessage, error) {
	if n.block != nil {
		select {
		case <-n.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reqs = append(n.reqs, req)
	if n.err != nil {
		return nil, n.err
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (n *recordingNotary) requests() []models.CaptureRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.CaptureRequest(nil), n.reqs...)
}

type recordingListener struct {
	mu   sync.Mutex
	msgs []models.ProveRequestStart
}

func (l *recordingListener) OnProveRequestStart(ctx context.Context, msg models.ProveRequestStart) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
	return nil
}

func newEngine(t *testing.T, notary autocapture.Notarizer, listener autocapture.ProveListener) (*Engine, store.RecordStore, *autocapture.Buffer) {
	t.Helper()
	rs, err := store.NewMemoryStore(100)
	require.NoError(t, err)

	buf := autocapture.NewBuffer(16, time.Minute)
	e := New(StoreSink(rs), CaptureOptions{
		Detector:       autocapture.DefaultDetector(),
		Buffer:         buf,
		Notarizer:      notary,
		Listener:       listener,
		ForwardTimeout: time.Second,
	}, logging.Discard(), metrics.New())
	return e, rs, buf
}

func settingsBody(id string) models.BeforeRequestEvent {
	return models.BeforeRequestEvent{
		RequestID:    id,
		ChannelID:    "3",
		Method:       "GET",
		URL:          settingsURL,
		ResourceType: "xmlhttprequest",
		RequestBody:  &models.RequestBody{Raw: []models.UploadData{{Bytes: []byte("settings=true")}}},
	}
}

func settingsHeaders(id string) models.SendHeadersEvent {
	return models.SendHeadersEvent{
		RequestID:    id,
		ChannelID:    "3",
		Method:       "GET",
		URL:          settingsURL,
		ResourceType: "xmlhttprequest",
		RequestHeaders: []models.Header{
			{Name: "Authorization", Value: "Bearer t"},
			{Name: "Accept-Encoding", Value: "gzip"},
		},
	}
}

func TestSettingsCaptureForwarded(t *testing.T) {
	ctx := context.Background()
	notary := &recordingNotary{}
	listener := &recordingListener{}
	e, _, buf := newEngine(t, notary, listener)

	require.NoError(t, e.OnBeforeRequest(ctx, settingsBody("c1")))
	assert.Equal(t, 1, buf.Len())

	require.NoError(t, e.OnSendHeaders(ctx, settingsHeaders("c1")))
	e.Wait()

	reqs := notary.requests()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, settingsURL, req.URL)
	assert.Equal(t, "GET", req.Method)
	require.NotNil(t, req.Body)
	assert.Equal(t, "settings=true", *req.Body)
	assert.Equal(t, "api.twitter.com", req.Headers["Host"])
	assert.Equal(t, "Bearer t", req.Headers["Authorization"])
	assert.Equal(t, "identity", req.Headers["Accept-Encoding"])
	assert.Equal(t, "close", req.Headers["Connection"])
	assert.Equal(t, models.DefaultMaxTranscriptSize, req.MaxTranscriptSize)

	require.Len(t, listener.msgs, 1)
	assert.Equal(t, req.ID, listener.msgs[0].CaptureID)

	assert.Equal(t, 0, buf.Len(), "buffer entry removed once the forward settles")

	// correlation ran independently
	pending := e.Pending("3")
	require.Len(t, pending, 1)
	require.NotNil(t, pending[0].RequestBody)
	assert.Equal(t, "settings=true", *pending[0].RequestBody)
}

func TestFailedForwardStillClearsBuffer(t *testing.T) {
	ctx := context.Background()
	notary := &recordingNotary{err: errors.New("notary down")}
	listener := &recordingListener{}
	e, _, buf := newEngine(t, notary, listener)

	require.NoError(t, e.OnBeforeRequest(ctx, settingsBody("c1")))
	require.NoError(t, e.OnSendHeaders(ctx, settingsHeaders("c1")))
	e.Wait()

	assert.Len(t, notary.requests(), 1)
	assert.Empty(t, listener.msgs)
	assert.Equal(t, 0, buf.Len())
}

func TestNonMatchingRequestsNotCaptured(t *testing.T) {
	ctx := context.Background()
	notary := &recordingNotary{}
	e, _, buf := newEngine(t, notary, nil)

	post := settingsBody("p1")
	post.Method = "POST"
	require.NoError(t, e.OnBeforeRequest(ctx, post))

	other := settingsHeaders("o1")
	other.URL = "https://example.com/settings.json"
	require.NoError(t, e.OnSendHeaders(ctx, other))
	e.Wait()

	assert.Empty(t, notary.requests())
	assert.Equal(t, 0, buf.Len())
}

func TestCompletedRecordReachesStoreAndHub(t *testing.T) {
	ctx := context.Background()
	rs, err := store.NewMemoryStore(10)
	require.NoError(t, err)
	hub := broadcast.NewHub(4, logging.Discard(), nil)
	sub := hub.Subscribe(models.KindPushAction)

	e := New(Sinks{StoreSink(rs), hub}, CaptureOptions{}, logging.Discard(), nil)
	assert.False(t, e.CaptureEnabled())

	require.NoError(t, e.OnSendHeaders(ctx, models.SendHeadersEvent{
		RequestID: "r1", ChannelID: "7", Method: "GET", URL: "https://example.com", ResourceType: "main_frame",
	}))
	require.NoError(t, e.OnResponseStarted(ctx, models.ResponseStartedEvent{
		RequestID: "r1", ChannelID: "7", Method: "GET", URL: "https://example.com", ResourceType: "main_frame",
		ResponseHeaders: []models.Header{{Name: "Content-Type", Value: "text/html"}},
		StatusCode:      200,
	}))

	got, err := rs.Get(ctx, "7", "r1")
	require.NoError(t, err)
	assert.Equal(t, 200, got.StatusCode)

	select {
	case msg := <-sub.C:
		assert.Equal(t, "r1", msg.(models.PushAction).Record.RequestID)
	case <-time.After(time.Second):
		t.Fatal("hub did not receive push_action")
	}
}

func TestSinksContinueAfterFailure(t *testing.T) {
	var reached bool
	failing := observer.SinkFunc(func(ctx context.Context, msg models.PushAction) error {
		return errors.New("state unavailable")
	})
	ok := observer.SinkFunc(func(ctx context.Context, msg models.PushAction) error {
		reached = true
		return nil
	})

	err := Sinks{failing, ok}.Emit(context.Background(), models.PushAction{})
	assert.Error(t, err)
	assert.True(t, reached)
}

func TestCloseWaitsForForwards(t *testing.T) {
	ctx := context.Background()
	notary := &recordingNotary{block: make(chan struct{})}
	e, _, _ := newEngine(t, notary, nil)

	require.NoError(t, e.OnSendHeaders(ctx, settingsHeaders("c1")))
	assert.Equal(t, int64(1), e.Stats().InflightForward)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Close(short), context.DeadlineExceeded)

	close(notary.block)
	require.NoError(t, e.Close(ctx))
	assert.Equal(t, int64(0), e.Stats().InflightForward)

	// closed engines still correlate but no longer forward
	require.NoError(t, e.OnSendHeaders(ctx, settingsHeaders("c2")))
	e.Wait()
	assert.Len(t, notary.requests(), 1)
}

func TestEngineMetricsExposition(t *testing.T) {
	m := metrics.New()
	rs, err := store.NewMemoryStore(10)
	require.NoError(t, err)
	e := New(StoreSink(rs), CaptureOptions{}, logging.Discard(), m)

	require.NoError(t, e.OnSendHeaders(context.Background(), models.SendHeadersEvent{
		RequestID: "r1", ChannelID: "7", Method: "GET", URL: "https://example.com",
	}))

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), "reqcorr_") && len(mf.GetMetric()) == 1 && mf.GetMetric()[0].GetGauge() != nil {
			values[mf.GetName()] = mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, float64(1), values["reqcorr_channels"])
	assert.Equal(t, float64(1), values["reqcorr_cache_entries"])
	assert.Equal(t, float64(0), values["reqcorr_capture_buffer_entries"])
}

func TestTerminalPhaseDropsUnforwardedBody(t *testing.T) {
	ctx := context.Background()

	t.Run("header trigger never fired", func(t *testing.T) {
		notary := &recordingNotary{}
		e, _, buf := newEngine(t, notary, nil)

		require.NoError(t, e.OnBeforeRequest(ctx, settingsBody("leak")))
		require.Equal(t, 1, buf.Len())

		resp := models.ResponseStartedEvent{
			RequestID: "leak", ChannelID: "3", Method: "GET", URL: settingsURL, ResourceType: "xmlhttprequest",
			ResponseHeaders: []models.Header{},
		}
		require.NoError(t, e.OnResponseStarted(ctx, resp))
		e.Wait()

		_, ok := buf.Peek("leak")
		assert.False(t, ok)
		assert.Equal(t, 0, buf.Len())
		assert.Empty(t, notary.requests())
	})

	t.Run("body arrives after headers", func(t *testing.T) {
		notary := &recordingNotary{block: make(chan struct{})}
		e, _, buf := newEngine(t, notary, nil)

		require.NoError(t, e.OnSendHeaders(ctx, settingsHeaders("late")))
		require.NoError(t, e.OnBeforeRequest(ctx, settingsBody("late")))
		require.Equal(t, 1, buf.Len())

		require.NoError(t, e.OnResponseStarted(ctx, models.ResponseStartedEvent{
			RequestID: "late", ChannelID: "3", Method: "GET", URL: settingsURL, ResourceType: "xmlhttprequest",
			ResponseHeaders: []models.Header{},
		}))
		assert.Equal(t, 0, buf.Len(), "dropped while the forward is still running")

		close(notary.block)
		e.Wait()

		reqs := notary.requests()
		require.Len(t, reqs, 1)
		assert.Nil(t, reqs[0].Body)
	})
}

func TestForwardKeepsBodyAfterTerminalPhase(t *testing.T) {
	ctx := context.Background()
	notary := &recordingNotary{block: make(chan struct{})}
	e, _, buf := newEngine(t, notary, nil)

	require.NoError(t, e.OnBeforeRequest(ctx, settingsBody("c1")))
	require.NoError(t, e.OnSendHeaders(ctx, settingsHeaders("c1")))
	require.NoError(t, e.OnResponseStarted(ctx, models.ResponseStartedEvent{
		RequestID: "c1", ChannelID: "3", Method: "GET", URL: settingsURL, ResourceType: "xmlhttprequest",
		ResponseHeaders: []models.Header{},
	}))
	assert.Equal(t, 0, buf.Len())

	close(notary.block)
	e.Wait()

	reqs := notary.requests()
	require.Len(t, reqs, 1)
	require.NotNil(t, reqs[0].Body)
	assert.Equal(t, "settings=true", *reqs[0].Body)
}

func TestCloseRacingForwards(t *testing.T) {
	ctx := context.Background()
	notary := &recordingNotary{}
	e, _, _ := newEngine(t, notary, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = e.OnSendHeaders(ctx, settingsHeaders(fmt.Sprintf("c%d", i)))
		}(i)
	}
	require.NoError(t, e.Close(ctx))
	assert.Equal(t, int64(0), e.Stats().InflightForward, "Close returns only after started forwards settle")

	wg.Wait()
	after := len(notary.requests())
	require.NoError(t, e.OnSendHeaders(ctx, settingsHeaders("late")))
	e.Wait()
	assert.Len(t, notary.requests(), after)
	assert.Equal(t, int64(0), e.Stats().InflightForward)
}
