package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmctl/llmctl/common/logger"
	"github.com/llmctl/llmctl/common/models"
)

type schedStore struct {
	mu      sync.Mutex
	sources []*models.RAGSource
	jobs    map[string]*models.RAGIndexJob
	active  map[uuid.UUID]bool
	next    map[uuid.UUID]time.Time
}

func newSchedStore() *schedStore {
	return &schedStore{
		jobs:   make(map[string]*models.RAGIndexJob),
		active: make(map[uuid.UUID]bool),
		next:   make(map[uuid.UUID]time.Time),
	}
}

func (s *schedStore) ListDue(_ context.Context, now time.Time) ([]*models.RAGSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*models.RAGSource
	for _, source := range s.sources {
		if source.NextIndexAt != nil && !source.NextIndexAt.After(now) {
			due = append(due, source)
		}
	}
	return due, nil
}

func (s *schedStore) ActiveJobExists(_ context.Context, sourceID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[sourceID], nil
}

func (s *schedStore) CreateIndexJob(_ context.Context, jobID string, sourceID uuid.UUID) (*models.RAGIndexJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := &models.RAGIndexJob{
		ID:        jobID,
		SourceID:  sourceID,
		Status:    models.IndexJobPending,
		StartedAt: time.Now().UTC(),
	}
	s.jobs[jobID] = job
	return job, nil
}

func (s *schedStore) MarkJobRunning(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[jobID].Status = models.IndexJobRunning
	return nil
}

func (s *schedStore) FinishIndexJob(_ context.Context, jobID string, status models.IndexJobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[jobID]
	job.Status = status
	now := time.Now().UTC()
	job.FinishedAt = &now
	return nil
}

func (s *schedStore) ScheduleNextIndex(_ context.Context, sourceID uuid.UUID, now time.Time, cadence time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[sourceID] = now.Add(cadence)
	return nil
}

func (s *schedStore) addSource(collection string, cadenceValue int, cadenceUnit string, due time.Time) *models.RAGSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	source := &models.RAGSource{
		ID:           uuid.New(),
		Collection:   collection,
		CadenceValue: cadenceValue,
		CadenceUnit:  cadenceUnit,
		NextIndexAt:  &due,
		CreatedAt:    time.Now().UTC(),
	}
	s.sources = append(s.sources, source)
	return source
}

func (s *schedStore) jobList() []*models.RAGIndexJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.RAGIndexJob
	for _, job := range s.jobs {
		out = append(out, job)
	}
	return out
}

type fakeIndexer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeIndexer) StartIndex(_ context.Context, collection, mode string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, collection+"/"+mode)
	if f.err != nil {
		return "", f.err
	}
	return "svc-job-1", nil
}

func newScheduler(store Store, indexer Indexer) *Scheduler {
	return New(store, indexer, time.Minute, logger.New("error", "json"))
}

func TestSweepIndexesDueSource(t *testing.T) {
	store := newSchedStore()
	indexer := &fakeIndexer{}
	now := time.Now().UTC()
	source := store.addSource("docs", 2, models.CadenceHours, now.Add(-time.Minute))

	newScheduler(store, indexer).Sweep(context.Background(), now)

	require.Equal(t, []string{"docs/delta_index"}, indexer.calls)

	jobs := store.jobList()
	require.Len(t, jobs, 1)
	assert.Equal(t, models.IndexJobCompleted, jobs[0].Status)
	assert.Equal(t, source.ID, jobs[0].SourceID)
	_, err := ulid.Parse(jobs[0].ID)
	assert.NoError(t, err, "job ids are ulids")

	assert.Equal(t, now.Add(2*time.Hour), store.next[source.ID])
}

func TestSweepSkipsSourceWithActiveJob(t *testing.T) {
	store := newSchedStore()
	indexer := &fakeIndexer{}
	now := time.Now().UTC()
	source := store.addSource("docs", 1, models.CadenceDays, now.Add(-time.Minute))
	store.active[source.ID] = true

	newScheduler(store, indexer).Sweep(context.Background(), now)

	assert.Empty(t, indexer.calls)
	assert.Empty(t, store.jobList())
	_, scheduled := store.next[source.ID]
	assert.False(t, scheduled, "schedule must not advance for a skipped source")
}

func TestSweepIgnoresSourcesNotYetDue(t *testing.T) {
	store := newSchedStore()
	indexer := &fakeIndexer{}
	now := time.Now().UTC()
	store.addSource("docs", 1, models.CadenceHours, now.Add(time.Hour))

	newScheduler(store, indexer).Sweep(context.Background(), now)

	assert.Empty(t, indexer.calls)
	assert.Empty(t, store.jobList())
}

func TestSweepMarksFailedPassAndStillAdvances(t *testing.T) {
	store := newSchedStore()
	indexer := &fakeIndexer{err: errors.New("rag service unavailable")}
	now := time.Now().UTC()
	source := store.addSource("docs", 30, models.CadenceMinutes, now.Add(-time.Minute))

	newScheduler(store, indexer).Sweep(context.Background(), now)

	jobs := store.jobList()
	require.Len(t, jobs, 1)
	assert.Equal(t, models.IndexJobFailed, jobs[0].Status)

	// The next pass waits for the cadence window instead of retrying hot.
	assert.Equal(t, now.Add(30*time.Minute), store.next[source.ID])
}

func TestSweepContinuesPastFailures(t *testing.T) {
	store := newSchedStore()
	indexer := &fakeIndexer{err: errors.New("rag service unavailable")}
	now := time.Now().UTC()
	store.addSource("first", 1, models.CadenceHours, now.Add(-time.Minute))
	store.addSource("second", 1, models.CadenceHours, now.Add(-time.Minute))

	newScheduler(store, indexer).Sweep(context.Background(), now)

	assert.Len(t, indexer.calls, 2, "a failing source must not stop the sweep")
}

func TestRunStopsWhenContextEnds(t *testing.T) {
	store := newSchedStore()
	s := New(store, &fakeIndexer{}, 5*time.Millisecond, logger.New("error", "json"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
