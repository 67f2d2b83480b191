package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowcanon/flowcanon/internal/storage"
)

const storageScopeName = "github.com/flowcanon/flowcanon/storage"

// InstrumentedStore wraps storage.Store with OTel tracing and metrics.
// Every method gets a span and is counted in fc.storage.* metrics.
// Use WrapStore to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStore struct {
	inner  storage.Store
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapStore returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStore(s storage.Store, enabled bool) storage.Store {
	if !enabled && !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("fc.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("fc.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("fc.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	return &InstrumentedStore{
		inner:  s,
		tracer: Tracer(storageScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStore) op(ctx context.Context, name, set string) (context.Context, trace.Span, time.Time, []attribute.KeyValue) {
	attrs := []attribute.KeyValue{
		attribute.String("db.operation", name),
		attribute.String("fc.set", set),
	}
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(attrs...))
	return ctx, span, time.Now(), attrs
}

// done ends the span, records duration and optional error. ErrNotFound is a
// normal outcome, not an error metric.
func (s *InstrumentedStore) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs []attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func (s *InstrumentedStore) Get(ctx context.Context, set, id string) (*storage.Doc, error) {
	ctx, span, t, attrs := s.op(ctx, "Get", set)
	v, err := s.inner.Get(ctx, set, id)
	s.done(ctx, span, t, err, attrs)
	return v, err
}

func (s *InstrumentedStore) Upsert(ctx context.Context, set, id string, body json.RawMessage) error {
	ctx, span, t, attrs := s.op(ctx, "Upsert", set)
	err := s.inner.Upsert(ctx, set, id, body)
	s.done(ctx, span, t, err, attrs)
	return err
}

func (s *InstrumentedStore) Delete(ctx context.Context, set, id string) error {
	ctx, span, t, attrs := s.op(ctx, "Delete", set)
	err := s.inner.Delete(ctx, set, id)
	s.done(ctx, span, t, err, attrs)
	return err
}

func (s *InstrumentedStore) Page(ctx context.Context, set string, pageNumber, pageSize int) ([]*storage.Doc, error) {
	ctx, span, t, attrs := s.op(ctx, "Page", set)
	v, err := s.inner.Page(ctx, set, pageNumber, pageSize)
	s.done(ctx, span, t, err, attrs)
	return v, err
}

func (s *InstrumentedStore) Count(ctx context.Context, set string) (int, error) {
	ctx, span, t, attrs := s.op(ctx, "Count", set)
	v, err := s.inner.Count(ctx, set)
	s.done(ctx, span, t, err, attrs)
	return v, err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
