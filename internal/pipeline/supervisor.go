package pipeline

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Worker is the per-partition run loop. Implemented by PartitionWorker.
type Worker interface {
	Run(ctx context.Context) error
}

// Supervisor runs one worker per assigned partition and coordinates
// shutdown: cancellation stops polling, workers finish their in-flight
// batches, and the first fatal worker error stops the whole group so the
// process can be restarted cleanly.
type Supervisor struct {
	workers map[int]Worker
	logger  *slog.Logger
}

// NewSupervisor creates a supervisor over the given workers, keyed by
// partition.
func NewSupervisor(workers map[int]Worker) *Supervisor {
	return &Supervisor{
		workers: workers,
		logger:  slog.Default().With("component", "supervisor"),
	}
}

// Run blocks until every worker has exited. It returns the first fatal
// worker error, or nil when shutdown was graceful.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for partition, worker := range s.workers {
		worker := worker
		s.logger.Info("starting partition worker", "partition", partition)
		g.Go(func() error {
			return worker.Run(ctx)
		})
	}
	err := g.Wait()
	if err != nil {
		s.logger.Error("pipeline stopped on worker error", "error", err)
		return err
	}
	s.logger.Info("pipeline stopped")
	return nil
}
