// Package scheduler drives cooperative RAG source indexing: a ticker loop
// that wakes sources whose next index time has passed, records an index job,
// starts a delta index pass at the RAG service, and advances the source's
// schedule by its cadence.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/llmctl/llmctl/cmd/flowd/runtime"
	"github.com/llmctl/llmctl/common/logger"
	"github.com/llmctl/llmctl/common/models"
)

// Store is the persistence slice the scheduler polls.
// *repository.RAGSourceRepository satisfies it.
type Store interface {
	ListDue(ctx context.Context, now time.Time) ([]*models.RAGSource, error)
	ActiveJobExists(ctx context.Context, sourceID uuid.UUID) (bool, error)
	CreateIndexJob(ctx context.Context, jobID string, sourceID uuid.UUID) (*models.RAGIndexJob, error)
	MarkJobRunning(ctx context.Context, jobID string) error
	FinishIndexJob(ctx context.Context, jobID string, status models.IndexJobStatus) error
	ScheduleNextIndex(ctx context.Context, sourceID uuid.UUID, now time.Time, cadence time.Duration) error
}

// Indexer starts an index pass at the RAG service. *clients.RAGClient
// satisfies it.
type Indexer interface {
	StartIndex(ctx context.Context, collection, mode string) (string, error)
}

// Scheduler is the single-process index loop. Exactly one instance should
// run per deployment; the active-job check keeps concurrent instances from
// doubling passes rather than making them safe.
type Scheduler struct {
	store    Store
	indexer  Indexer
	interval time.Duration
	log      *logger.Logger
}

// New creates a scheduler sweeping at the given interval.
func New(store Store, indexer Indexer, interval time.Duration, log *logger.Logger) *Scheduler {
	return &Scheduler{store: store, indexer: indexer, interval: interval, log: log}
}

// Run ticks until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("index scheduler started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.log.Info("index scheduler stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx, time.Now().UTC())
		}
	}
}

// Sweep wakes every source due at now. Per-source failures are logged and do
// not stop the sweep.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) {
	due, err := s.store.ListDue(ctx, now)
	if err != nil {
		s.log.Error("failed to list due sources", "error", err)
		return
	}

	for _, source := range due {
		if err := s.indexSource(ctx, source, now); err != nil {
			s.log.Error("index pass failed",
				"source_id", source.ID.String(),
				"collection", source.Collection,
				"error", err)
		}
	}
}

// indexSource runs one index pass: job row, delta index at the service,
// schedule advance. The schedule advances as soon as the job is recorded so
// a failing service retries on the next cadence window, not every tick.
func (s *Scheduler) indexSource(ctx context.Context, source *models.RAGSource, now time.Time) error {
	active, err := s.store.ActiveJobExists(ctx, source.ID)
	if err != nil {
		return err
	}
	if active {
		s.log.Info("skipping source with active index job",
			"source_id", source.ID.String(),
			"collection", source.Collection)
		return nil
	}

	jobID := ulid.Make().String()
	if _, err := s.store.CreateIndexJob(ctx, jobID, source.ID); err != nil {
		return err
	}
	if err := s.store.ScheduleNextIndex(ctx, source.ID, now, source.CadenceDuration()); err != nil {
		return err
	}
	if err := s.store.MarkJobRunning(ctx, jobID); err != nil {
		return err
	}

	serviceJob, indexErr := s.indexer.StartIndex(ctx, source.Collection, runtime.RAGModeDeltaIndex)
	if indexErr != nil {
		if err := s.store.FinishIndexJob(ctx, jobID, models.IndexJobFailed); err != nil {
			s.log.Error("failed to close index job", "job_id", jobID, "error", err)
		}
		return indexErr
	}

	if err := s.store.FinishIndexJob(ctx, jobID, models.IndexJobCompleted); err != nil {
		return err
	}
	s.log.Info("index pass handed off",
		"source_id", source.ID.String(),
		"collection", source.Collection,
		"job_id", jobID,
		"service_job_id", serviceJob)
	return nil
}
