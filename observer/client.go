package observer

import (
	"context"
	"time"

	"github.com/nevindra/threadbox"

	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedClient wraps a threadbox.ExecutionClient with OTEL instrumentation.
type ObservedClient struct {
	inner threadbox.ExecutionClient
	inst  *Instruments
}

var _ threadbox.ExecutionClient = (*ObservedClient)(nil)

// WrapClient returns an instrumented execution client.
func WrapClient(inner threadbox.ExecutionClient, inst *Instruments) *ObservedClient {
	return &ObservedClient{inner: inner, inst: inst}
}

func (o *ObservedClient) WaitForHealthy(ctx context.Context, access threadbox.PreviewAccess, timeout time.Duration) (bool, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "sandbox.wait_healthy")
	defer span.End()

	ok, err := o.inner.WaitForHealthy(ctx, access, timeout)
	span.SetAttributes(AttrStatus.Bool(ok))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return ok, err
}

func (o *ObservedClient) CreateSession(ctx context.Context, access threadbox.PreviewAccess) (string, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "sandbox.create_session")
	defer span.End()

	id, err := o.inner.CreateSession(ctx, access)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return id, err
	}
	span.SetAttributes(AttrSessionID.String(id))
	return id, nil
}

// SendPrompt records the prompt outcome as ok, dead or error. A dead
// classification also emits a structured log record.
func (o *ObservedClient) SendPrompt(ctx context.Context, access threadbox.PreviewAccess, sessionID, text string) (string, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "sandbox.send_prompt", trace.WithAttributes(
		AttrSessionID.String(sessionID),
		AttrPromptLength.Int(len(text)),
	))
	defer span.End()
	start := time.Now()

	reply, err := o.inner.SendPrompt(ctx, access, sessionID, text)

	durationMs := float64(time.Since(start).Milliseconds())
	status := promptStatus(err)
	span.SetAttributes(AttrStatus.String(status), AttrReplyLength.Int(len(reply)))
	if err != nil {
		span.SetAttributes(AttrHTTPStatus.Int(threadbox.StatusOf(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.inst.Prompts.Add(ctx, 1, metric.WithAttributes(AttrStatus.String(status)))
	o.inst.PromptDuration.Record(ctx, durationMs, metric.WithAttributes(AttrStatus.String(status)))

	if status == "dead" {
		var rec otellog.Record
		rec.SetSeverity(otellog.SeverityWarn)
		rec.SetBody(otellog.StringValue("sandbox dead"))
		rec.AddAttributes(
			otellog.String("sandbox.session_id", sessionID),
			otellog.Int("http.status", threadbox.StatusOf(err)),
			otellog.String("error", err.Error()),
			otellog.Float64("sandbox.prompt.duration_ms", durationMs),
		)
		o.inst.Logger.Emit(ctx, rec)
	}
	return reply, err
}

func promptStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case threadbox.IsDeadFailure(err):
		return "dead"
	default:
		return "error"
	}
}
