package cdp

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/reqcorr/pkg/logging"
	"github.com/psantana5/reqcorr/pkg/models"
)

type recordingHandler struct {
	mu     sync.Mutex
	phases []string
	last   models.ResponseStartedEvent
	closed []string
}

func (h *recordingHandler) add(phase string) {
	h.mu.Lock()
	h.phases = append(h.phases, phase)
	h.mu.Unlock()
}

func (h *recordingHandler) OnSendHeaders(ctx context.Context, ev models.SendHeadersEvent) error {
	h.add("send_headers")
	return nil
}

func (h *recordingHandler) OnBeforeRequest(ctx context.Context, ev models.BeforeRequestEvent) error {
	h.add("before_request")
	return nil
}

func (h *recordingHandler) OnResponseStarted(ctx context.Context, ev models.ResponseStartedEvent) error {
	h.add("response_started")
	h.mu.Lock()
	h.last = ev
	h.mu.Unlock()
	return errors.New("ignored")
}

func (h *recordingHandler) OnChannelClosed(ctx context.Context, ev models.ChannelClosedEvent) error {
	h.mu.Lock()
	h.closed = append(h.closed, ev.ChannelID)
	h.mu.Unlock()
	return nil
}

func TestRequestPhasesInOrder(t *testing.T) {
	ctx := context.Background()
	h := &recordingHandler{}
	s := NewSource(Config{}, h, logging.Discard())

	s.requestWillBeSent(ctx, "tab", &proto.NetworkRequestWillBeSent{
		RequestID:   "r1",
		DocumentURL: "https://x.com/",
		Request:     &proto.NetworkRequest{Method: "POST", URL: "https://x.com/api", PostData: "a=1"},
	})
	s.responseReceived(ctx, "tab", &proto.NetworkResponseReceived{
		RequestID: "r1",
		Response:  &proto.NetworkResponse{URL: "https://x.com/api", Status: 204},
	})

	assert.Equal(t, []string{"before_request", "send_headers", "response_started"}, h.phases)
	assert.Equal(t, "POST", h.last.Method, "method is carried over from the request")
	require.NotNil(t, h.last.Initiator)
	assert.Equal(t, "https://x.com", *h.last.Initiator)
	assert.Equal(t, 0, s.requests.Len())
}

func TestBodylessRequestSkipsBodyPhase(t *testing.T) {
	h := &recordingHandler{}
	s := NewSource(Config{}, h, logging.Discard())

	s.requestWillBeSent(context.Background(), "tab", &proto.NetworkRequestWillBeSent{
		RequestID: "r1",
		Request:   &proto.NetworkRequest{Method: "GET", URL: "https://x.com/"},
	})
	s.requestWillBeSent(context.Background(), "tab", &proto.NetworkRequestWillBeSent{RequestID: "r2"})

	assert.Equal(t, []string{"send_headers"}, h.phases)
}

func TestCloseChannelOnlyForWatchedTargets(t *testing.T) {
	h := &recordingHandler{}
	s := NewSource(Config{}, h, logging.Discard())

	assert.True(t, s.track("T1"))
	assert.False(t, s.track("T1"))
	assert.Equal(t, 1, s.Watched())

	s.closeChannel(context.Background(), "T2")
	s.closeChannel(context.Background(), "T1")
	s.closeChannel(context.Background(), "T1")

	assert.Equal(t, []string{"T1"}, h.closed)
	assert.Equal(t, 0, s.Watched())
}

func TestRunRequiresConnect(t *testing.T) {
	s := NewSource(Config{}, &recordingHandler{}, logging.Discard())
	assert.Error(t, s.Run(context.Background()))
	assert.NoError(t, s.Close())
}

func TestRedirectHopSendsNoNewPhases(t *testing.T) {
	ctx := context.Background()
	h := &recordingHandler{}
	s := NewSource(Config{}, h, logging.Discard())

	s.requestWillBeSent(ctx, "tab", &proto.NetworkRequestWillBeSent{
		RequestID:   "r1",
		DocumentURL: "https://x.com/",
		Request:     &proto.NetworkRequest{Method: "POST", URL: "https://x.com/login", PostData: "a=1"},
	})
	s.requestWillBeSent(ctx, "tab", &proto.NetworkRequestWillBeSent{
		RequestID:        "r1",
		DocumentURL:      "https://x.com/",
		Request:          &proto.NetworkRequest{Method: "GET", URL: "https://x.com/home"},
		RedirectResponse: &proto.NetworkResponse{URL: "https://x.com/login", Status: 302},
	})
	s.responseReceived(ctx, "tab", &proto.NetworkResponseReceived{
		RequestID: "r1",
		Response:  &proto.NetworkResponse{URL: "https://x.com/home", Status: 200},
	})

	assert.Equal(t, []string{"before_request", "send_headers", "response_started"}, h.phases)
	assert.Equal(t, "GET", h.last.Method, "method follows the last redirect hop")
}
