package observer

import (
	"context"

	"github.com/nevindra/threadbox"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedLedger wraps a threadbox.Ledger with OTEL instrumentation on the
// admission gate and state transitions. Cache writes and offsets pass through.
type ObservedLedger struct {
	threadbox.Ledger
	inst *Instruments
}

var _ threadbox.Ledger = (*ObservedLedger)(nil)

// WrapLedger returns an instrumented ledger.
func WrapLedger(inner threadbox.Ledger, inst *Instruments) *ObservedLedger {
	return &ObservedLedger{Ledger: inner, inst: inst}
}

func (o *ObservedLedger) Admit(ctx context.Context, ev threadbox.InboundEvent) (bool, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "ledger.admit", trace.WithAttributes(
		AttrMessageID.String(ev.MessageID),
		AttrKind.String(ev.Kind),
	))
	defer span.End()

	inserted, err := o.Ledger.Admit(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return inserted, err
	}
	span.SetAttributes(AttrDuplicate.Bool(!inserted))
	o.inst.Admissions.Add(ctx, 1, metric.WithAttributes(
		AttrKind.String(ev.Kind),
		AttrDuplicate.Bool(!inserted),
	))
	return inserted, nil
}

func (o *ObservedLedger) Start(ctx context.Context, messageID string) (*threadbox.LedgerState, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "ledger.start", trace.WithAttributes(
		AttrMessageID.String(messageID),
	))
	defer span.End()

	st, err := o.Ledger.Start(ctx, messageID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(AttrClaimed.Bool(st != nil))
	if st != nil {
		span.SetAttributes(AttrAttempts.Int(st.Attempts))
	}
	o.inst.Claims.Add(ctx, 1, metric.WithAttributes(AttrClaimed.Bool(st != nil)))
	return st, nil
}

func (o *ObservedLedger) Complete(ctx context.Context, messageID string) error {
	ctx, span := o.inst.Tracer.Start(ctx, "ledger.complete", trace.WithAttributes(
		AttrMessageID.String(messageID),
	))
	defer span.End()
	err := o.Ledger.Complete(ctx, messageID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (o *ObservedLedger) Retry(ctx context.Context, messageID string, cause string) error {
	ctx, span := o.inst.Tracer.Start(ctx, "ledger.retry", trace.WithAttributes(
		AttrMessageID.String(messageID),
	))
	defer span.End()
	err := o.Ledger.Retry(ctx, messageID, cause)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	o.inst.Retries.Add(ctx, 1)
	return nil
}

func (o *ObservedLedger) Prune(ctx context.Context) (int, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "ledger.prune")
	defer span.End()
	n, err := o.Ledger.Prune(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return n, err
	}
	o.inst.Pruned.Add(ctx, int64(n))
	return n, nil
}
