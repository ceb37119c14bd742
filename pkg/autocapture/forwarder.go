package autocapture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/reqcorr/pkg/logging"
	"github.com/psantana5/reqcorr/pkg/metrics"
	"github.com/psantana5/reqcorr/pkg/models"
)

// Notarizer is the external notarization entry point
type Notarizer interface {
	Notarize(ctx context.Context, req models.CaptureRequest) (json.RawMessage, error)
}

// ProveListener is the notarization subsystem's lifecycle listener
type ProveListener interface {
	OnProveRequestStart(ctx context.Context, msg models.ProveRequestStart) error
}

// Listeners notifies every listener in order and joins their errors
type Listeners []ProveListener

// OnProveRequestStart implements ProveListener
func (ls Listeners) OnProveRequestStart(ctx context.Context, msg models.ProveRequestStart) error {
	var errs []error
	for _, l := range ls {
		if err := l.OnProveRequestStart(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Forwarder synthesizes capture requests and hands them to the notary
type Forwarder struct {
	buffer            *Buffer
	notary            Notarizer
	listener          ProveListener
	maxTranscriptSize int
	logger            *logging.Logger
	metrics           *metrics.Metrics
	tracer            trace.Tracer
}

// NewForwarder creates a forwarder. A zero maxTranscriptSize uses the default.
func NewForwarder(buffer *Buffer, notary Notarizer, listener ProveListener, maxTranscriptSize int, logger *logging.Logger, m *metrics.Metrics) *Forwarder {
	if maxTranscriptSize <= 0 {
		maxTranscriptSize = models.DefaultMaxTranscriptSize
	}
	return &Forwarder{
		buffer:            buffer,
		notary:            notary,
		listener:          listener,
		maxTranscriptSize: maxTranscriptSize,
		logger:            logger.WithField("component", "autocapture"),
		metrics:           m,
		tracer:            otel.Tracer("github.com/psantana5/reqcorr/pkg/autocapture"),
	}
}

// StoreBody keeps the decoded raw body of a qualifying body-phase event.
// The caller has already matched the event.
func (f *Forwarder) StoreBody(ev models.BeforeRequestEvent) bool {
	raw := ev.RequestBody.FirstRawBytes()
	if raw == nil {
		return false
	}

	body, err := DecodeCaptureBody(raw)
	if err != nil {
		f.logger.Warn("Failed to decode capture body", map[string]interface{}{
			"request_id": ev.RequestID,
			"error":      err,
		})
		if f.metrics != nil {
			f.metrics.DecodeFailures.WithLabelValues("autocapture").Inc()
		}
		return false
	}

	stored := f.buffer.Store(ev.RequestID, body)
	if stored && f.metrics != nil {
		f.metrics.CaptureBuffered.Inc()
	}
	return stored
}

// BuildRequest synthesizes the capture request for a header-phase event.
// The body is read from the buffer but not consumed.
func (f *Forwarder) BuildRequest(ev models.SendHeadersEvent) models.CaptureRequest {
	headers := make(map[string]string, len(ev.RequestHeaders)+3)
	if host := hostname(ev.URL); host != "" {
		headers["Host"] = host
	}
	for _, h := range ev.RequestHeaders {
		headers[h.Name] = h.Value
	}

	// the notary transport cannot handle compressed or chunked transfers
	for name := range headers {
		if strings.EqualFold(name, "Accept-Encoding") || strings.EqualFold(name, "Connection") {
			delete(headers, name)
		}
	}
	headers["Accept-Encoding"] = "identity"
	headers["Connection"] = "close"

	req := models.CaptureRequest{
		ID:                uuid.New().String(),
		URL:               ev.URL,
		Method:            ev.Method,
		Headers:           headers,
		MaxTranscriptSize: f.maxTranscriptSize,
	}
	if body, ok := f.buffer.Peek(ev.RequestID); ok {
		req.Body = &body
	}
	return req
}

// Forward builds the capture request for ev and sends it
func (f *Forwarder) Forward(ctx context.Context, ev models.SendHeadersEvent) error {
	return f.Send(ctx, ev.RequestID, f.BuildRequest(ev))
}

// Send hands an already built request to the notary and, once it answers,
// notifies the prove listener directly. The buffer entry for requestID is
// removed when the attempt settles, whatever the outcome. Failures are
// returned for logging only and are never retried.
func (f *Forwarder) Send(ctx context.Context, requestID string, req models.CaptureRequest) error {
	defer f.buffer.Delete(requestID)

	ctx, span := f.tracer.Start(ctx, "autocapture.forward", trace.WithAttributes(
		attribute.String("reqcorr.request_id", requestID),
		attribute.String("reqcorr.capture_id", req.ID),
		attribute.Bool("reqcorr.has_body", req.Body != nil),
	))
	defer span.End()

	start := time.Now()
	err := f.forward(ctx, req)
	if f.metrics != nil {
		f.metrics.ForwardDuration.Observe(time.Since(start).Seconds())
	}

	fields := map[string]interface{}{
		"request_id": requestID,
		"capture_id": req.ID,
		"url":        req.URL,
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		fields["error"] = err
		f.logger.Error("Auto-capture forward failed", fields)
		f.result("error")
		return err
	}

	f.logger.Info("Auto-capture forwarded", fields)
	f.result("ok")
	return nil
}

func (f *Forwarder) forward(ctx context.Context, req models.CaptureRequest) error {
	result, err := f.notary.Notarize(ctx, req)
	if err != nil {
		return fmt.Errorf("notarize %s: %w", req.URL, err)
	}

	if f.listener == nil {
		return nil
	}
	msg := models.ProveRequestStart{
		Kind:      models.KindProveRequestStart,
		CaptureID: req.ID,
		Data:      result,
	}
	if err := f.listener.OnProveRequestStart(ctx, msg); err != nil {
		return fmt.Errorf("notify prove_request_start: %w", err)
	}
	return nil
}

func (f *Forwarder) result(r string) {
	if f.metrics != nil {
		f.metrics.CaptureForwards.WithLabelValues(r).Inc()
	}
}
