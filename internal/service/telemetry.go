package service

import (
	"context"
	"time"

	api "github.com/bundlenudge/bundlenudge/api/v1"
)

const maxTelemetryBatch = 100

// RecordTelemetry accepts a single fire-and-forget event. Telemetry is
// never required for correctness, so the only rejection is a malformed
// request.
func (h *ServiceHandler) RecordTelemetry(_ context.Context, event api.TelemetryEvent) api.Status {
	if event.Name == "" {
		return api.StatusBadRequest("event name is required")
	}
	if h.events != nil {
		if event.OccurredAt.IsZero() {
			event.OccurredAt = time.Now().UTC()
		}
		h.events.Enqueue(event)
	}
	return api.StatusOK()
}

// RecordCrash accepts a crash report as a telemetry event.
func (h *ServiceHandler) RecordCrash(ctx context.Context, event api.TelemetryEvent) api.Status {
	if event.Name == "" {
		event.Name = "crash"
	}
	return h.RecordTelemetry(ctx, event)
}

// RecordTelemetryBatch accepts a bounded batch of events.
func (h *ServiceHandler) RecordTelemetryBatch(ctx context.Context, batch api.TelemetryBatch) api.Status {
	if len(batch.Events) == 0 {
		return api.StatusBadRequest("events must not be empty")
	}
	if len(batch.Events) > maxTelemetryBatch {
		return api.StatusBadRequest("too many events in batch")
	}
	for _, event := range batch.Events {
		if status := h.RecordTelemetry(ctx, event); status.Code != 200 {
			return status
		}
	}
	return api.StatusOK()
}
