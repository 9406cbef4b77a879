// Package health implements the on-device verification monitor. A healthy
// run, where every configured event fires before the deadline, produces
// zero outbound traffic; only a missed deadline phones home, exactly once.
package health

import (
	"context"
	"sync"
	"time"

	api "github.com/bundlenudge/bundlenudge/api/v1"
	"github.com/sirupsen/logrus"
)

const defaultWindow = 30 * time.Second

// Reporter delivers the one-shot failure report.
type Reporter interface {
	ReportFailure(ctx context.Context, report api.FailureReport) error
}

type Monitor struct {
	mu       sync.Mutex
	timer    *time.Timer
	events   map[string]struct{}
	fired    map[string]struct{}
	active   bool
	report   api.FailureReport
	reporter Reporter
	log      logrus.FieldLogger
}

func NewMonitor(reporter Reporter, log logrus.FieldLogger) *Monitor {
	return &Monitor{reporter: reporter, log: log}
}

// Start arms the monitor with the config's events and a deadline. A prior
// armed monitor is canceled and its state discarded. An empty event set
// stops immediately and never reports.
func (m *Monitor) Start(cfg api.HealthConfig, releaseID, deviceID, appVersion, osVersion string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelLocked()

	if len(cfg.Events) == 0 {
		return
	}

	window := defaultWindow
	if cfg.WindowMs > 0 {
		window = time.Duration(cfg.WindowMs) * time.Millisecond
	}

	m.events = make(map[string]struct{}, len(cfg.Events))
	for _, e := range cfg.Events {
		m.events[e.Name] = struct{}{}
	}
	m.fired = make(map[string]struct{}, len(cfg.Events))
	m.report = api.FailureReport{
		ReleaseID:  releaseID,
		DeviceID:   deviceID,
		AppVersion: appVersion,
		OSVersion:  osVersion,
	}
	m.active = true
	m.timer = time.AfterFunc(window, m.deadline)
}

// ReportEvent records a fired event. Unknown names and duplicates are
// ignored; when the last expected event fires the monitor stops without
// any network call.
func (m *Monitor) ReportEvent(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return
	}
	if _, ok := m.events[name]; !ok {
		return
	}
	m.fired[name] = struct{}{}
	if len(m.fired) == len(m.events) {
		m.cancelLocked()
	}
}

// Stop cancels the monitor without reporting.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
}

// Active reports whether the monitor is armed.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Monitor) cancelLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.active = false
	m.events = nil
	m.fired = nil
}

// deadline fires when the window elapses with events still missing. It
// sends exactly one report; errors are silent and never retried.
func (m *Monitor) deadline() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	report := m.report
	for name := range m.events {
		if _, ok := m.fired[name]; !ok {
			report.MissingEvents = append(report.MissingEvents, name)
		}
	}
	m.cancelLocked()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.reporter.ReportFailure(ctx, report); err != nil {
		m.log.WithError(err).Debug("health failure report not delivered")
	}
}
