package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gifguard/internal/gateway"
	"github.com/MarcoPoloResearchLab/gifguard/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind names a reconciliation pass.
type Kind string

const (
	KindMessages     Kind = "messages"
	KindDisplayNames Kind = "usernames"
)

// ParseKind maps a user-facing name to a Kind.
func ParseKind(value string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case KindMessages:
		return KindMessages, true
	case KindDisplayNames, "names", "displaynames":
		return KindDisplayNames, true
	default:
		return "", false
	}
}

func (k Kind) title() string {
	if k == KindDisplayNames {
		return "Username audit"
	}
	return "Message count audit"
}

// State is a job's lifecycle stage.
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StatePartial   State = "partial"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

var (
	// ErrConflict reports that a job of the same kind is already running.
	ErrConflict = errors.New("audit: job already running")
	// ErrNotFound reports an unknown or finished job id.
	ErrNotFound = errors.New("audit: job not found")
	// ErrUnknownKind reports an unrecognized pass name.
	ErrUnknownKind = errors.New("audit: unknown kind")

	errMissingRunner = errors.New("audit: reconciler is required")
)

const retainedJobs = 20

// Runner executes reconciliation passes.
type Runner interface {
	ReconcileMessageCounts(ctx context.Context) (MessageReport, error)
	ReconcileDisplayNames(ctx context.Context) (NameReport, error)
}

// Job is a snapshot of one accepted reconciliation run.
type Job struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	InvokerID  string    `json:"invokerId"`
	ChannelID  string    `json:"channelId,omitempty"`
	State      State     `json:"state"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
	Summary    string    `json:"summary,omitempty"`
}

type trackedJob struct {
	job    Job
	cancel context.CancelFunc
	done   chan struct{}
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Runner Runner
	// Notifier receives the completion notice. It may be nil.
	Notifier gateway.Client
	Logger   *zap.Logger
	// OnFatal is invoked when a run fails because the store is unavailable.
	OnFatal func(error)
	Clock   func() time.Time
}

// Manager accepts reconciliation requests, runs them in the background and reports back
// to the channel that asked. At most one job per kind runs at a time.
type Manager struct {
	runner   Runner
	notifier gateway.Client
	logger   *zap.Logger
	onFatal  func(error)
	clock    func() time.Time

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	running map[Kind]*trackedJob
	jobs    map[string]*trackedJob
	order   []string
}

// NewManager validates cfg and constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Runner == nil {
		return nil, errMissingRunner
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Manager{
		runner:     cfg.Runner,
		notifier:   cfg.Notifier,
		logger:     logger,
		onFatal:    cfg.OnFatal,
		clock:      clock,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		running:    map[Kind]*trackedJob{},
		jobs:       map[string]*trackedJob{},
	}, nil
}

// Start accepts a job and returns immediately. The completion notice is sent to
// channelID when it is not empty.
func (m *Manager) Start(kind Kind, invokerID, channelID string) (Job, error) {
	if kind != KindMessages && kind != KindDisplayNames {
		return Job{}, ErrUnknownKind
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Job{}, fmt.Errorf("audit: job id: %w", err)
	}

	m.mu.Lock()
	if m.rootCtx.Err() != nil {
		m.mu.Unlock()
		return Job{}, context.Canceled
	}
	if existing, ok := m.running[kind]; ok {
		m.mu.Unlock()
		return existing.job, ErrConflict
	}
	ctx, cancel := context.WithCancel(m.rootCtx)
	tracked := &trackedJob{
		job: Job{
			ID:        id.String(),
			Kind:      kind,
			InvokerID: invokerID,
			ChannelID: channelID,
			State:     StateRunning,
			StartedAt: m.clock().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.running[kind] = tracked
	m.remember(tracked)
	snapshot := tracked.job
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("audit job accepted",
		zap.String("job_id", snapshot.ID),
		zap.String("kind", string(kind)),
		zap.String("invoker_id", invokerID),
	)
	go m.run(ctx, tracked)
	return snapshot, nil
}

func (m *Manager) run(ctx context.Context, tracked *trackedJob) {
	defer m.wg.Done()
	defer close(tracked.done)
	defer tracked.cancel()

	kind := tracked.job.Kind
	started := m.clock()
	state, summary, err := m.execute(ctx, kind)
	finished := m.clock()
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			state = StateCancelled
			summary = fmt.Sprintf("%s cancelled.", kind.title())
		default:
			state = StateFailed
			summary = fmt.Sprintf("%s failed: %v", kind.title(), err)
		}
	} else {
		summary = fmt.Sprintf("%s (took %s)", summary, elapsed(started, finished))
	}

	m.mu.Lock()
	tracked.job.State = state
	tracked.job.Summary = summary
	tracked.job.FinishedAt = finished.UTC()
	if m.running[kind] == tracked {
		delete(m.running, kind)
	}
	job := tracked.job
	m.mu.Unlock()

	logger := m.logger.With(zap.String("job_id", job.ID), zap.String("kind", string(kind)), zap.String("state", string(state)))
	if state == StateFailed {
		logger.Error("audit job failed", zap.Error(err))
	} else {
		logger.Info("audit job finished", zap.String("summary", summary))
	}

	if store.IsFatal(err) && m.onFatal != nil {
		m.onFatal(err)
		return
	}
	m.notify(job)
}

func (m *Manager) execute(ctx context.Context, kind Kind) (State, string, error) {
	switch kind {
	case KindMessages:
		report, err := m.runner.ReconcileMessageCounts(ctx)
		if err != nil {
			return StateFailed, "", err
		}
		return messageSummary(report)
	default:
		report, err := m.runner.ReconcileDisplayNames(ctx)
		if err != nil {
			return StateFailed, "", err
		}
		return StateSucceeded, fmt.Sprintf("%s complete: checked %s users, updated %s, %s could not be resolved",
			kind.title(),
			humanize.Comma(report.Checked),
			humanize.Comma(report.Updated),
			humanize.Comma(report.Unresolved),
		), nil
	}
}

func messageSummary(report MessageReport) (State, string, error) {
	counted := fmt.Sprintf("counted %s messages from %s users across %s channels",
		humanize.Comma(int64(report.Messages)),
		humanize.Comma(int64(report.Authors)),
		humanize.Comma(int64(report.Channels)),
	)
	if report.Complete() {
		return StateSucceeded, fmt.Sprintf("%s complete: %s", KindMessages.title(), counted), nil
	}
	noun := "channel"
	if len(report.Skipped) != 1 {
		noun = "channels"
	}
	return StatePartial, fmt.Sprintf("%s finished with %d %s skipped: %s",
		KindMessages.title(), len(report.Skipped), noun, counted), nil
}

func elapsed(start, end time.Time) string {
	if end.Sub(start) < time.Second {
		return "under a second"
	}
	return strings.TrimSpace(humanize.RelTime(start, end, "", ""))
}

func (m *Manager) notify(job Job) {
	if m.notifier == nil || job.ChannelID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	text := job.Summary
	if job.InvokerID != "" {
		text = fmt.Sprintf("<@%s> %s", job.InvokerID, job.Summary)
	}
	if err := m.notifier.SendMessage(ctx, job.ChannelID, text); err != nil {
		m.logger.Warn("audit completion notice not sent", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// remember must be called with mu held.
func (m *Manager) remember(tracked *trackedJob) {
	m.jobs[tracked.job.ID] = tracked
	m.order = append(m.order, tracked.job.ID)
	for len(m.order) > retainedJobs {
		oldest := m.order[0]
		if job, ok := m.jobs[oldest]; ok && job.job.State == StateRunning {
			break
		}
		delete(m.jobs, oldest)
		m.order = m.order[1:]
	}
}

// Cancel stops a running job. Unknown or finished jobs yield ErrNotFound.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	tracked, ok := m.jobs[id]
	if !ok || tracked.job.State != StateRunning {
		m.mu.Unlock()
		return ErrNotFound
	}
	m.mu.Unlock()
	tracked.cancel()
	m.logger.Info("audit job cancel requested", zap.String("job_id", id))
	return nil
}

// CancelAll stops every running job and returns how many were signalled.
func (m *Manager) CancelAll() int {
	m.mu.Lock()
	running := make([]*trackedJob, 0, len(m.running))
	for _, tracked := range m.running {
		running = append(running, tracked)
	}
	m.mu.Unlock()
	for _, tracked := range running {
		tracked.cancel()
	}
	return len(running)
}

// Get returns a snapshot of a retained job.
func (m *Manager) Get(id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tracked, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return tracked.job, nil
}

// Wait blocks until the job finishes or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (Job, error) {
	m.mu.Lock()
	tracked, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return Job{}, ErrNotFound
	}
	select {
	case <-tracked.done:
		return m.Get(id)
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// List returns retained jobs, newest first.
func (m *Manager) List() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make([]Job, 0, len(m.jobs))
	for _, tracked := range m.jobs {
		jobs = append(jobs, tracked.job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].StartedAt.Equal(jobs[j].StartedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].StartedAt.After(jobs[j].StartedAt)
	})
	return jobs
}

// Close cancels every running job and waits for them to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	m.rootCancel()
	m.mu.Unlock()
	m.wg.Wait()
}
