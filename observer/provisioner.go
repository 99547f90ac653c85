package observer

import (
	"context"
	"time"

	"github.com/nevindra/threadbox"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedProvisioner wraps a threadbox.SandboxProvisioner with OTEL instrumentation.
type ObservedProvisioner struct {
	inner threadbox.SandboxProvisioner
	inst  *Instruments
}

var _ threadbox.SandboxProvisioner = (*ObservedProvisioner)(nil)

// WrapProvisioner returns an instrumented provisioner.
func WrapProvisioner(inner threadbox.SandboxProvisioner, inst *Instruments) *ObservedProvisioner {
	return &ObservedProvisioner{inner: inner, inst: inst}
}

// observe runs fn inside a sandbox.<op> span and records the lifecycle metrics.
func (o *ObservedProvisioner) observe(ctx context.Context, op, threadID string, fn func(context.Context) (threadbox.SessionInfo, error), extra ...attribute.KeyValue) (threadbox.SessionInfo, error) {
	attrs := append([]attribute.KeyValue{AttrThreadID.String(threadID), AttrOperation.String(op)}, extra...)
	ctx, span := o.inst.Tracer.Start(ctx, "sandbox."+op, trace.WithAttributes(attrs...))
	defer span.End()
	start := time.Now()

	info, err := fn(ctx)

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		AttrSandboxID.String(info.SandboxID),
		attribute.String("session.status", string(info.Status)),
	)
	metricAttrs := metric.WithAttributes(AttrOperation.String(op), AttrStatus.String(status))
	o.inst.Lifecycle.Add(ctx, 1, metricAttrs)
	o.inst.LifecycleDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metricAttrs)
	return info, err
}

func (o *ObservedProvisioner) Provision(ctx context.Context, req threadbox.ProvisionRequest) (threadbox.SessionInfo, error) {
	return o.observe(ctx, "provision", req.ThreadID, func(ctx context.Context) (threadbox.SessionInfo, error) {
		return o.inner.Provision(ctx, req)
	})
}

func (o *ObservedProvisioner) Resume(ctx context.Context, threadID string, session threadbox.SessionInfo) (threadbox.ResumeOutcome, error) {
	var out threadbox.ResumeOutcome
	_, err := o.observe(ctx, "resume", threadID, func(ctx context.Context) (threadbox.SessionInfo, error) {
		var err error
		out, err = o.inner.Resume(ctx, threadID, session)
		return out.Session, err
	})
	return out, err
}

func (o *ObservedProvisioner) EnsureActive(ctx context.Context, req threadbox.EnsureRequest) (threadbox.SessionInfo, error) {
	return o.observe(ctx, "ensure_active", req.ThreadID, func(ctx context.Context) (threadbox.SessionInfo, error) {
		return o.inner.EnsureActive(ctx, req)
	})
}

func (o *ObservedProvisioner) EnsureHealthy(ctx context.Context, session threadbox.SessionInfo) (bool, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "sandbox.ensure_healthy", trace.WithAttributes(
		AttrThreadID.String(session.ThreadID),
		AttrSandboxID.String(session.SandboxID),
	))
	defer span.End()
	ok, err := o.inner.EnsureHealthy(ctx, session)
	span.SetAttributes(AttrStatus.Bool(ok))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return ok, err
}

func (o *ObservedProvisioner) RecoverSendFailure(ctx context.Context, threadID string, session threadbox.SessionInfo, cause error) (threadbox.SessionInfo, error) {
	return o.observe(ctx, "recover", threadID, func(ctx context.Context) (threadbox.SessionInfo, error) {
		return o.inner.RecoverSendFailure(ctx, threadID, session, cause)
	}, AttrHTTPStatus.Int(threadbox.StatusOf(cause)))
}

func (o *ObservedProvisioner) Pause(ctx context.Context, threadID string, session threadbox.SessionInfo, reason string) (threadbox.SessionInfo, error) {
	return o.observe(ctx, "pause", threadID, func(ctx context.Context) (threadbox.SessionInfo, error) {
		return o.inner.Pause(ctx, threadID, session, reason)
	}, AttrReason.String(reason))
}

func (o *ObservedProvisioner) Destroy(ctx context.Context, threadID string, session threadbox.SessionInfo, reason string) (threadbox.SessionInfo, error) {
	return o.observe(ctx, "destroy", threadID, func(ctx context.Context) (threadbox.SessionInfo, error) {
		return o.inner.Destroy(ctx, threadID, session, reason)
	}, AttrReason.String(reason))
}
