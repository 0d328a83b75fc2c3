package core

import (
	"context"
	"strings"
	"time"
)

type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

// ObserveOperation records wecom.<operation>.total and
// wecom.<operation>.duration_ms tagged with the outcome.
func ObserveOperation(
	ctx context.Context,
	recorder MetricsRecorder,
	startedAt time.Time,
	operation string,
	err error,
	tags map[string]string,
) {
	if recorder == nil {
		return
	}
	operation = strings.TrimSpace(operation)
	if operation == "" {
		operation = "unknown"
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	out := cloneTags(tags)
	out["operation"] = operation
	out["status"] = status
	if err != nil {
		if mapped := MapError(err); mapped != nil && mapped.TextCode != "" {
			out["error_code"] = mapped.TextCode
		}
	}
	recorder.IncCounter(ctx, "wecom."+operation+".total", 1, cloneTags(out))
	recorder.ObserveHistogram(ctx, "wecom."+operation+".duration_ms", float64(time.Since(startedAt).Milliseconds()), cloneTags(out))
}

// ResolveMetrics returns recorder or the nop recorder.
func ResolveMetrics(recorder MetricsRecorder) MetricsRecorder {
	if recorder == nil {
		return NopMetricsRecorder{}
	}
	return recorder
}

func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return map[string]string{}
	}
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}

var _ MetricsRecorder = NopMetricsRecorder{}
