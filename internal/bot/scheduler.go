package bot

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/gifguard/internal/gateway"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Scheduler runs events on a fixed number of workers. Events that share a key run one
// after another in arrival order; events with different keys run concurrently.
type Scheduler struct {
	concurrency int

	do func(context.Context, gateway.Event) error

	feeder chan *task
	out    chan struct{}

	mu     sync.Mutex
	active map[string][]*task

	ctx    context.Context
	ident  string
	logger *zap.Logger

	itemsAdded     prometheus.Counter
	itemsProcessed prometheus.Counter
	itemsDropped   prometheus.Counter
	workers        prometheus.Gauge
}

type task struct {
	key     string
	event   gateway.Event
	control string
}

const controlStop = "stop"

// NewScheduler starts concurrency workers that call do with ctx for every event.
func NewScheduler(ctx context.Context, concurrency int, ident string, logger *zap.Logger, do func(context.Context, gateway.Event) error) *Scheduler {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		concurrency: concurrency,
		do:          do,
		feeder:      make(chan *task),
		out:         make(chan struct{}),
		active:      make(map[string][]*task),
		ctx:         ctx,
		ident:       ident,
		logger:      logger.With(zap.String("pool", ident)),

		itemsAdded:     workItemsAdded.WithLabelValues(ident),
		itemsProcessed: workItemsProcessed.WithLabelValues(ident),
		itemsDropped:   workItemsDropped.WithLabelValues(ident),
		workers:        workersActive.WithLabelValues(ident),
	}
	for i := 0; i < concurrency; i++ {
		go s.worker()
	}
	s.workers.Set(float64(concurrency))
	return s
}

// AddWork queues event behind any in-flight event with the same key. It blocks until a
// worker accepts the event or ctx ends.
func (s *Scheduler) AddWork(ctx context.Context, event gateway.Event) error {
	s.itemsAdded.Inc()
	t := &task{key: event.Key(), event: event}

	s.mu.Lock()
	if queued, ok := s.active[t.key]; ok {
		s.active[t.key] = append(queued, t)
		s.mu.Unlock()
		return nil
	}
	s.active[t.key] = []*task{}
	s.mu.Unlock()

	select {
	case s.feeder <- t:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		dropped := len(s.active[t.key]) + 1
		delete(s.active, t.key)
		s.mu.Unlock()
		s.itemsDropped.Add(float64(dropped))
		return ctx.Err()
	}
}

// Shutdown waits for every accepted event to finish and stops the workers.
func (s *Scheduler) Shutdown() {
	s.logger.Info("shutting down event scheduler")
	for i := 0; i < s.concurrency; i++ {
		s.feeder <- &task{control: controlStop}
	}
	close(s.feeder)
	for i := 0; i < s.concurrency; i++ {
		<-s.out
	}
	s.workers.Set(0)
	s.logger.Info("event scheduler shutdown complete")
}

func (s *Scheduler) worker() {
	for work := range s.feeder {
		for work != nil {
			if work.control == controlStop {
				s.out <- struct{}{}
				return
			}

			if err := s.do(s.ctx, work.event); err != nil {
				s.logger.Error("event handler failed", zap.String("key", work.key), zap.Error(err))
			}
			s.itemsProcessed.Inc()

			s.mu.Lock()
			rem, ok := s.active[work.key]
			if !ok {
				s.logger.Error("missing active entry for a key being processed", zap.String("key", work.key))
			}
			if len(rem) == 0 {
				delete(s.active, work.key)
				work = nil
			} else {
				work = rem[0]
				s.active[work.key] = rem[1:]
			}
			s.mu.Unlock()
		}
	}
}
