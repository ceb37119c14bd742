package engine

import (
	"context"
	"errors"

	"github.com/psantana5/reqcorr/pkg/models"
	"github.com/psantana5/reqcorr/pkg/observer"
	"github.com/psantana5/reqcorr/pkg/store"
)

// Sinks emits to every sink in order; a failing sink does not stop the rest
type Sinks []observer.Sink

// Emit implements observer.Sink
func (s Sinks) Emit(ctx context.Context, msg models.PushAction) error {
	var errs []error
	for _, sink := range s {
		if err := sink.Emit(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StoreSink saves each completed record in rs
func StoreSink(rs store.RecordStore) observer.Sink {
	return observer.SinkFunc(func(ctx context.Context, msg models.PushAction) error {
		return rs.Put(ctx, msg.Record)
	})
}
