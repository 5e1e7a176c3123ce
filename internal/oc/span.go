package oc

import (
	"context"

	"go.opencensus.io/trace"

	"github.com/openvmk/vscsi/internal/log"
)

var DefaultSampler = trace.AlwaysSample()

// SetSpanStatus sets `span.SetStatus` to the proper status depending on `err`. If
// `err` is `nil` assumes `trace.StatusCodeOk`.
func SetSpanStatus(span *trace.Span, err error) {
	status := trace.Status{}
	if err != nil {
		status.Code = int32(toStatusCode(err))
		status.Message = err.Error()
	}
	span.SetStatus(status)
}

// StartSpan wraps go.opencensus.io/trace.StartSpan, but, if the span is sampling,
// updates the context of the log entry in the context to the newly created value.
func StartSpan(ctx context.Context, name string, o ...trace.StartOption) (context.Context, *trace.Span) {
	ctx, s := trace.StartSpan(ctx, name, o...)
	if s.IsRecordingEvents() {
		ctx = log.UpdateContext(ctx)
	}

	return ctx, s
}
