// Package telemetry records fire-and-forget events. Submissions survive
// the caller's stack unwind by landing in a bounded in-memory queue drained
// by a background worker; on overflow the oldest event is dropped. Nothing
// on the hot path blocks on telemetry.
package telemetry

import (
	"context"
	"sync"

	api "github.com/bundlenudge/bundlenudge/api/v1"
	"github.com/sirupsen/logrus"
)

// Sink consumes drained events; the default sink just logs them. A durable
// sink (queue, warehouse) can be swapped in without touching producers.
type Sink interface {
	Record(ctx context.Context, event api.TelemetryEvent)
}

type logSink struct {
	log logrus.FieldLogger
}

func (s logSink) Record(_ context.Context, event api.TelemetryEvent) {
	s.log.WithFields(logrus.Fields{
		"event":   event.Name,
		"app":     event.AppID,
		"release": event.ReleaseID,
	}).Debug("telemetry event")
}

func NewLogSink(log logrus.FieldLogger) Sink {
	return logSink{log: log}
}

type Queue struct {
	mu       sync.Mutex
	events   []api.TelemetryEvent
	notify   chan struct{}
	capacity int
	dropped  uint64

	sink Sink
	log  logrus.FieldLogger
}

func NewQueue(capacity int, sink Sink, log logrus.FieldLogger) *Queue {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Queue{
		notify:   make(chan struct{}, 1),
		capacity: capacity,
		sink:     sink,
		log:      log,
	}
}

// Enqueue never blocks. When the queue is full the oldest event is
// dropped.
func (q *Queue) Enqueue(event api.TelemetryEvent) {
	q.mu.Lock()
	if len(q.events) >= q.capacity {
		q.events = q.events[1:]
		q.dropped++
	}
	q.events = append(q.events, event)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dropped returns how many events were discarded due to overflow.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Run drains the queue until the context is canceled.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
			for {
				q.mu.Lock()
				if len(q.events) == 0 {
					q.mu.Unlock()
					break
				}
				event := q.events[0]
				q.events = q.events[1:]
				q.mu.Unlock()

				q.sink.Record(ctx, event)
			}
		}
	}
}
