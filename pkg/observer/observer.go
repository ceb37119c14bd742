// Package observer correlates the three lifecycle phases of a request into
// one record per (channel, request id).
//
// Every cache read-modify-write runs under a single gate. The terminal phase
// emits the completed record to the sink inside the same exclusive section
// that stores it.
package observer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/reqcorr/pkg/gate"
	"github.com/psantana5/reqcorr/pkg/logging"
	"github.com/psantana5/reqcorr/pkg/merge"
	"github.com/psantana5/reqcorr/pkg/metrics"
	"github.com/psantana5/reqcorr/pkg/models"
	"github.com/psantana5/reqcorr/pkg/registry"
)

// ErrInvalidEvent is returned for events without a request or channel id
var ErrInvalidEvent = errors.New("event is missing requestId or channelId")

// Sink receives completed records
type Sink interface {
	Emit(ctx context.Context, msg models.PushAction) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, msg models.PushAction) error

// Emit calls f
func (f SinkFunc) Emit(ctx context.Context, msg models.PushAction) error {
	return f(ctx, msg)
}

// Observer holds the phase handlers
type Observer struct {
	gate     *gate.Gate
	registry *registry.Registry
	sink     Sink
	logger   *logging.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// New creates an observer. Metrics may be nil.
func New(g *gate.Gate, reg *registry.Registry, sink Sink, logger *logging.Logger, m *metrics.Metrics) *Observer {
	return &Observer{
		gate:     g,
		registry: reg,
		sink:     sink,
		logger:   logger.WithField("component", "observer"),
		metrics:  m,
		tracer:   otel.Tracer("github.com/psantana5/reqcorr/pkg/observer"),
	}
}

// IsPreflight reports whether method is the cross-origin negotiation method
func IsPreflight(method string) bool {
	return strings.EqualFold(method, models.PreflightMethod)
}

// OnSendHeaders handles the header-sent phase
func (o *Observer) OnSendHeaders(ctx context.Context, ev models.SendHeadersEvent) error {
	if err := validate(ev.RequestID, ev.ChannelID); err != nil {
		o.count(models.PhaseSendHeaders, "invalid")
		return err
	}
	if IsPreflight(ev.Method) {
		o.count(models.PhaseSendHeaders, "preflight")
		return nil
	}

	patch := merge.FromSendHeaders(ev)
	return o.apply(ctx, models.PhaseSendHeaders, patch, nil)
}

// OnBeforeRequest handles the body-available phase. Events without a body
// are ignored; an undecodable raw body is logged and the rest of the event
// is still merged.
func (o *Observer) OnBeforeRequest(ctx context.Context, ev models.BeforeRequestEvent) error {
	if err := validate(ev.RequestID, ev.ChannelID); err != nil {
		o.count(models.PhaseBeforeRequest, "invalid")
		return err
	}
	if IsPreflight(ev.Method) {
		o.count(models.PhaseBeforeRequest, "preflight")
		return nil
	}
	if ev.RequestBody == nil {
		o.count(models.PhaseBeforeRequest, "no_body")
		return nil
	}

	patch, err := merge.FromBeforeRequest(ev)
	if err != nil {
		o.logger.Warn("Failed to decode request body", map[string]interface{}{
			"request_id": ev.RequestID,
			"channel_id": ev.ChannelID,
			"error":      err,
		})
		if o.metrics != nil {
			o.metrics.DecodeFailures.WithLabelValues("correlation").Inc()
		}
	}

	return o.apply(ctx, models.PhaseBeforeRequest, patch, nil)
}

// OnResponseStarted handles the terminal phase and emits the completed record
func (o *Observer) OnResponseStarted(ctx context.Context, ev models.ResponseStartedEvent) error {
	if err := validate(ev.RequestID, ev.ChannelID); err != nil {
		o.count(models.PhaseResponseStarted, "invalid")
		return err
	}
	if IsPreflight(ev.Method) {
		o.count(models.PhaseResponseStarted, "preflight")
		return nil
	}

	patch := merge.FromResponseStarted(ev)
	return o.apply(ctx, models.PhaseResponseStarted, patch, o.emit)
}

// OnChannelClosed drops every record of the channel
func (o *Observer) OnChannelClosed(ctx context.Context, ev models.ChannelClosedEvent) error {
	if ev.ChannelID == "" {
		return ErrInvalidEvent
	}

	var existed bool
	err := o.gate.Run(ctx, func(ctx context.Context) error {
		existed = o.registry.Destroy(ev.ChannelID)
		return nil
	})
	if err != nil {
		return err
	}

	if o.metrics != nil {
		o.metrics.ChannelsClosed.Inc()
	}
	o.logger.Debug("Channel closed", map[string]interface{}{
		"channel_id": ev.ChannelID,
		"had_cache":  existed,
	})
	return nil
}

// Pending returns the in-flight records of a channel without creating its cache
func (o *Observer) Pending(channelID string) []models.RequestRecord {
	cache, ok := o.registry.Lookup(channelID)
	if !ok {
		return []models.RequestRecord{}
	}
	return cache.Snapshot()
}

// apply runs the read-merge-store sequence under the gate, then after, if set,
// with the stored record while still holding the gate.
func (o *Observer) apply(ctx context.Context, phase models.Phase, patch merge.Patch, after func(ctx context.Context, rec models.RequestRecord)) error {
	ctx, span := o.tracer.Start(ctx, "observer."+string(phase), trace.WithAttributes(
		attribute.String("reqcorr.request_id", patch.RequestID),
		attribute.String("reqcorr.channel_id", patch.ChannelID),
	))
	defer span.End()

	err := o.gate.Run(ctx, func(ctx context.Context) error {
		cache := o.registry.GetOrCreate(patch.ChannelID)

		var base *models.RequestRecord
		if existing, ok := cache.Get(patch.RequestID); ok {
			base = &existing
		}

		rec := merge.Merge(base, patch)
		cache.Set(patch.RequestID, rec)

		if after != nil {
			after(ctx, rec)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		o.count(phase, "error")
		return fmt.Errorf("%s: %w", phase, err)
	}

	o.count(phase, "merged")
	return nil
}

func (o *Observer) emit(ctx context.Context, rec models.RequestRecord) {
	if err := o.sink.Emit(ctx, models.NewPushAction(rec)); err != nil {
		o.logger.Error("Failed to emit completed record", map[string]interface{}{
			"request_id": rec.RequestID,
			"channel_id": rec.ChannelID,
			"error":      err,
		})
		if o.metrics != nil {
			o.metrics.SinkFailures.Inc()
		}
		return
	}
	if o.metrics != nil {
		o.metrics.RecordsEmitted.Inc()
	}
}

func (o *Observer) count(phase models.Phase, outcome string) {
	if o.metrics != nil {
		o.metrics.EventsTotal.WithLabelValues(string(phase), outcome).Inc()
	}
}

func validate(requestID, channelID string) error {
	if requestID == "" || channelID == "" {
		return ErrInvalidEvent
	}
	return nil
}
