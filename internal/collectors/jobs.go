package collectors

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brain2apm/agent/internal/collector"
	"github.com/brain2apm/agent/internal/config"
	"github.com/brain2apm/agent/internal/egress"
	"github.com/brain2apm/agent/internal/sanitize"
)

// JobQueueStats is the host job-queue package's own queue depth
// snapshot, shaped generically enough to fit any backend an Adapter
// wraps.
type JobQueueStats struct {
	Pending   int64
	Running   int64
	Failed    int64
	Completed int64
}

// JobAdapter is implemented once per host job-queue package (spec
// §4.9 "Job Monitor uses a factory + adapter pattern"). cfg.JobsPackage
// names which adapter a host selects; this agent ships the interface,
// hosts ship the adapter.
type JobAdapter interface {
	PackageName() string
	Available() bool
	QueueStats(ctx context.Context) (JobQueueStats, error)
	SetupHooks(monitor *JobMonitor) error
	CleanupHooks() error
}

// JobRecord tracks one job's lifecycle from enqueue through its
// terminal state.
type JobRecord struct {
	ID         string
	Type       string
	EnqueuedAt time.Time
	StartedAt  time.Time
	EndedAt    time.Time
	Progress   float64
	Status     string // queued|running|completed|failed|cancelled
	Error      string
	Args       any
}

const (
	maxJobHistory     = 500
	maxErrorStackLines = 10
)

// jobTypePatterns maps a substring found in a job's name to an
// inferred type bucket, matching spec §4.9's "type inference by
// substring match on job name".
var jobTypePatterns = []struct {
	substr string
	kind   string
}{
	{"email", "notification"},
	{"notify", "notification"},
	{"export", "export"},
	{"import", "import"},
	{"report", "report"},
	{"cleanup", "maintenance"},
	{"sync", "sync"},
}

func inferJobType(name string) string {
	lower := strings.ToLower(name)
	for _, p := range jobTypePatterns {
		if strings.Contains(lower, p.substr) {
			return p.kind
		}
	}
	return "other"
}

// JobMonitor implements the base lifecycle-tracking behavior spec
// §4.9 describes: start/progress/complete/fail/cancel, queue-delay,
// bounded history, type inference, argument sanitization, and bounded
// error-stack formatting. A JobAdapter supplies queue stats and
// package identity; everything else is shared here.
type JobMonitor struct {
	base    *collector.Base
	sink    *egress.Client
	cfg     *config.Config
	adapter JobAdapter

	mu      sync.Mutex
	history []JobRecord
	active  map[string]*JobRecord
}

// NewJobMonitor constructs a monitor. adapter may be nil if
// cfg.JobsPackage names a package with no registered adapter, in which
// case only lifecycle tracking (not queue-stats sampling) is active.
func NewJobMonitor(logger *zap.Logger, sink *egress.Client, cfg *config.Config, adapter JobAdapter) *JobMonitor {
	m := &JobMonitor{
		base:    collector.NewBase("job-monitor", logger),
		sink:    sink,
		cfg:     cfg,
		adapter: adapter,
		active:  make(map[string]*JobRecord),
	}
	return m
}

func (m *JobMonitor) Name() string           { return m.base.Name() }
func (m *JobMonitor) Stats() collector.Stats { return m.base.Stats() }

func (m *JobMonitor) Start() error {
	return m.base.TryStart(func() error {
		if m.adapter != nil {
			if !m.adapter.Available() {
				m.base.Logger().Debug("job adapter unavailable", zap.String("package", m.adapter.PackageName()))
			} else if err := m.adapter.SetupHooks(m); err != nil {
				return err
			}
		}
		m.base.RunSelfRescheduling(m.cfg.Collectors.JobInterval, m.tick)
		return nil
	})
}

func (m *JobMonitor) Stop() error {
	return m.base.TryStop(func() error {
		if m.adapter != nil {
			return m.adapter.CleanupHooks()
		}
		return nil
	})
}

// OnEnqueue records a job entering the queue.
func (m *JobMonitor) OnEnqueue(id, name string, args any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[id] = &JobRecord{
		ID:         id,
		Type:       inferJobType(name),
		EnqueuedAt: time.Now(),
		Status:     "queued",
		Args:       sanitize.Sanitize(args),
	}
}

// OnStart records a job leaving the queue and beginning execution,
// tracking queue-delay implicitly via EnqueuedAt vs StartedAt.
func (m *JobMonitor) OnStart(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.active[id]; ok {
		r.StartedAt = time.Now()
		r.Status = "running"
	}
}

// OnProgress updates a running job's progress fraction (0..1).
func (m *JobMonitor) OnProgress(id string, fraction float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.active[id]; ok {
		r.Progress = fraction
	}
}

// OnComplete finalizes a job as completed and moves it into history.
func (m *JobMonitor) OnComplete(id string) {
	m.finish(id, "completed", nil)
}

// OnFail finalizes a job as failed, formatting err with a bounded
// stack trace (spec §4.9 "error formatting with bounded stack lines").
func (m *JobMonitor) OnFail(id string, err error) {
	m.finish(id, "failed", err)
}

// OnCancel finalizes a job as cancelled.
func (m *JobMonitor) OnCancel(id string) {
	m.finish(id, "cancelled", nil)
}

func (m *JobMonitor) finish(id, status string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.active[id]
	if !ok {
		return
	}
	delete(m.active, id)
	r.EndedAt = time.Now()
	r.Status = status
	if err != nil {
		r.Error = formatBoundedError(err)
	}
	m.history = append(m.history, *r)
	if len(m.history) > maxJobHistory {
		m.history = m.history[len(m.history)-maxJobHistory:]
	}
	m.base.RecordCollected(1)
}

func formatBoundedError(err error) string {
	lines := strings.Split(err.Error(), "\n")
	if len(lines) > maxErrorStackLines {
		lines = lines[:maxErrorStackLines]
	}
	return strings.Join(lines, "\n")
}

func (m *JobMonitor) tick() {
	m.mu.Lock()
	history := append([]JobRecord(nil), m.history...)
	activeCount := len(m.active)
	m.mu.Unlock()

	if m.sink == nil {
		return
	}

	payload := map[string]any{
		"activeCount":   activeCount,
		"recentHistory": history,
	}

	if m.adapter != nil && m.adapter.Available() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RequestTimeout)
		defer cancel()
		if stats, err := m.adapter.QueueStats(ctx); err == nil {
			payload["queueStats"] = stats
		}
	}

	m.sink.Add(egress.KindJobs, payload)
}
