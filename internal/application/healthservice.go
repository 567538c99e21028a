package application

import (
	"context"
	"fmt"

	"github.com/ericfisherdev/enrollwatch/internal/domain/port/driven"
)

// HealthReport is the readiness view served to health checks.
type HealthReport struct {
	PendingAttempts int
}

// HealthService checks that the store behind the credential cache and the
// work queue is reachable. It depends only on port interfaces.
type HealthService struct {
	db      driven.Pinger
	queue   driven.AttemptQueue
	metrics *Metrics
}

// NewHealthService creates a new HealthService with the required dependencies.
func NewHealthService(db driven.Pinger, queue driven.AttemptQueue, metrics *Metrics) *HealthService {
	return &HealthService{
		db:      db,
		queue:   queue,
		metrics: metrics,
	}
}

// Check pings the database and reads the queue depth.
func (s *HealthService) Check(ctx context.Context) (HealthReport, error) {
	if err := s.db.Ping(ctx); err != nil {
		return HealthReport{}, fmt.Errorf("ping database: %w", err)
	}

	pending, err := s.queue.Pending(ctx)
	if err != nil {
		return HealthReport{}, fmt.Errorf("read queue depth: %w", err)
	}
	s.metrics.setQueueDepth(pending)

	return HealthReport{PendingAttempts: pending}, nil
}
