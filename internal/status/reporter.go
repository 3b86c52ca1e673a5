package status

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

// Reporter periodically publishes one worker's status. A reporter created
// without a client keeps the status in memory and never publishes it.
type Reporter struct {
	monitor  *Monitor
	status   Status
	interval time.Duration
	stopChan chan struct{}
	stopped  bool
	mu       sync.Mutex
	logger   *zap.Logger
}

// NewReporter creates a reporter for a worker. The client may be nil.
func NewReporter(client rueidis.Client, workerType, subType string, logger *zap.Logger) *Reporter {
	var monitor *Monitor
	if client != nil {
		monitor = NewMonitor(client, logger)
	}

	return &Reporter{
		monitor: monitor,
		status: Status{
			WorkerID:   uuid.New().String(),
			WorkerType: workerType,
			SubType:    subType,
			IsHealthy:  true,
		},
		interval: HeartbeatInterval,
		stopChan: make(chan struct{}),
		logger:   logger.Named("status_reporter"),
	}
}

// Start begins periodic reporting until the context ends or Stop is called.
func (r *Reporter) Start(ctx context.Context) {
	r.mu.Lock()
	if r.stopped || r.monitor == nil {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.report(ctx)

		for {
			select {
			case <-ticker.C:
				r.report(ctx)
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			}
		}
	}()
}

func (r *Reporter) report(ctx context.Context) {
	if err := r.monitor.ReportStatus(ctx, r.Status()); err != nil {
		r.logger.Error("Failed to report status", zap.Error(err))
	}
}

// Stop ends reporting. It is safe to call more than once.
func (r *Reporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.stopped {
		close(r.stopChan)
		r.stopped = true
	}
}

// UpdateStatus sets the current task and progress.
func (r *Reporter) UpdateStatus(task string, progress int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status.CurrentTask = task
	r.status.Progress = progress
}

// SetHealthy sets the health flag.
func (r *Reporter) SetHealthy(healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status.IsHealthy = healthy
}

// Status returns a copy of the current status.
func (r *Reporter) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.status
}

// WorkerID returns the unique worker id.
func (r *Reporter) WorkerID() string {
	return r.status.WorkerID
}
