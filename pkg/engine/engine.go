// Package engine is the single entry point for lifecycle events. Each event
// is handed to two independent paths: the gated correlation path, which
// assembles records per channel, and the ungated auto-capture path, which
// buffers qualifying bodies and forwards captures in the background.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psantana5/reqcorr/pkg/autocapture"
	"github.com/psantana5/reqcorr/pkg/gate"
	"github.com/psantana5/reqcorr/pkg/logging"
	"github.com/psantana5/reqcorr/pkg/metrics"
	"github.com/psantana5/reqcorr/pkg/models"
	"github.com/psantana5/reqcorr/pkg/observer"
	"github.com/psantana5/reqcorr/pkg/registry"
)

const DefaultForwardTimeout = 30 * time.Second

// CaptureOptions enables the auto-capture path. A nil Notarizer disables it.
type CaptureOptions struct {
	Detector          *autocapture.Detector
	Buffer            *autocapture.Buffer
	Notarizer         autocapture.Notarizer
	Listener          autocapture.ProveListener
	MaxTranscriptSize int
	ForwardTimeout    time.Duration
}

// Stats is a point-in-time view of the engine
type Stats struct {
	Channels        int   `json:"channels"`
	PendingRecords  int   `json:"pendingRecords"`
	BufferedBodies  int   `json:"bufferedBodies"`
	GateQueue       int64 `json:"gateQueue"`
	InflightForward int64 `json:"inflightForwards"`
}

// Engine wires the observer and the auto-capture path together
type Engine struct {
	gate     *gate.Gate
	registry *registry.Registry
	observer *observer.Observer

	detector       *autocapture.Detector
	buffer         *autocapture.Buffer
	forwarder      *autocapture.Forwarder
	forwardTimeout time.Duration

	logger  *logging.Logger
	metrics *metrics.Metrics

	// mu orders wg.Add against Close
	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	inflight atomic.Int64
}

// New creates an engine emitting completed records to sink. Metrics may be nil.
func New(sink observer.Sink, capture CaptureOptions, logger *logging.Logger, m *metrics.Metrics) *Engine {
	g := gate.New()
	reg := registry.New()

	e := &Engine{
		gate:     g,
		registry: reg,
		observer: observer.New(g, reg, sink, logger, m),
		logger:   logger.WithField("component", "engine"),
		metrics:  m,
	}

	if capture.Notarizer != nil {
		e.detector = capture.Detector
		if e.detector == nil {
			e.detector = autocapture.DefaultDetector()
		}
		e.buffer = capture.Buffer
		if e.buffer == nil {
			e.buffer = autocapture.NewBuffer(0, 0)
		}
		e.forwardTimeout = capture.ForwardTimeout
		if e.forwardTimeout <= 0 {
			e.forwardTimeout = DefaultForwardTimeout
		}
		e.forwarder = autocapture.NewForwarder(e.buffer, capture.Notarizer, capture.Listener,
			capture.MaxTranscriptSize, logger, m)
	}

	if m != nil {
		g.SetObserver(func(wait time.Duration) {
			m.GateWait.Observe(wait.Seconds())
		})
		m.Gauges(
			func() float64 { c, _ := reg.Stats(); return float64(c) },
			func() float64 { _, n := reg.Stats(); return float64(n) },
			func() float64 { return float64(e.bufferLen()) },
			func() float64 { return float64(g.Waiting()) },
		)
	}

	return e
}

// CaptureEnabled reports whether the auto-capture path is active
func (e *Engine) CaptureEnabled() bool {
	return e.forwarder != nil
}

// OnSendHeaders handles the header-sent phase. A qualifying request starts a
// background forward before the event is correlated.
func (e *Engine) OnSendHeaders(ctx context.Context, ev models.SendHeadersEvent) error {
	if e.CaptureEnabled() && e.detector.MatchSendHeaders(ev) {
		e.forward(ctx, ev)
	}
	return e.observer.OnSendHeaders(ctx, ev)
}

// OnBeforeRequest handles the body-available phase. A qualifying body is
// buffered before the event is correlated.
func (e *Engine) OnBeforeRequest(ctx context.Context, ev models.BeforeRequestEvent) error {
	if e.CaptureEnabled() && e.detector.MatchBeforeRequest(ev) {
		e.forwarder.StoreBody(ev)
	}
	return e.observer.OnBeforeRequest(ctx, ev)
}

// OnResponseStarted handles the terminal phase. Any body still buffered for
// the request is dropped; a running forward already holds its own copy.
func (e *Engine) OnResponseStarted(ctx context.Context, ev models.ResponseStartedEvent) error {
	if e.CaptureEnabled() {
		e.buffer.Delete(ev.RequestID)
	}
	return e.observer.OnResponseStarted(ctx, ev)
}

// OnChannelClosed discards every in-flight record of the channel. Buffered
// capture bodies are not touched; they are consumed by their forward, the
// terminal phase, or expiry.
func (e *Engine) OnChannelClosed(ctx context.Context, ev models.ChannelClosedEvent) error {
	return e.observer.OnChannelClosed(ctx, ev)
}

// Pending returns the in-flight records of a channel
func (e *Engine) Pending(channelID string) []models.RequestRecord {
	return e.observer.Pending(channelID)
}

// Channels lists channels with a live cache
func (e *Engine) Channels() []string {
	return e.registry.Channels()
}

// Stats returns current counters
func (e *Engine) Stats() Stats {
	channels, entries := e.registry.Stats()
	return Stats{
		Channels:        channels,
		PendingRecords:  entries,
		BufferedBodies:  e.bufferLen(),
		GateQueue:       e.gate.Waiting(),
		InflightForward: e.inflight.Load(),
	}
}

// Wait blocks until every in-flight forward has settled
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close stops accepting new forwards and waits for running ones or ctx
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.logger.Warn("Forwards still running at shutdown", map[string]interface{}{
			"inflight": e.inflight.Load(),
		})
		return ctx.Err()
	}
}

func (e *Engine) forward(ctx context.Context, ev models.SendHeadersEvent) {
	// the body is read here, before the terminal phase can drop it
	req := e.forwarder.BuildRequest(ev)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.buffer.Delete(ev.RequestID)
		e.logger.Warn("Engine closing, capture not forwarded", map[string]interface{}{
			"request_id": ev.RequestID,
		})
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	// the forward outlives the event's own context
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.forwardTimeout)

	e.inflight.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.inflight.Add(-1)
		defer cancel()

		// errors are logged and counted by the forwarder
		_ = e.forwarder.Send(fctx, ev.RequestID, req)
	}()
}

func (e *Engine) bufferLen() int {
	if e.buffer == nil {
		return 0
	}
	return e.buffer.Len()
}
