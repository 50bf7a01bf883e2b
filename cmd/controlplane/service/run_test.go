package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/logger"
	"github.com/llmctl/llmctl/common/models"
	"github.com/llmctl/llmctl/common/ratelimit"
	"github.com/llmctl/llmctl/common/realtime"
)

// memRunStore is an in-memory RunStore for submission tests.
type memRunStore struct {
	mu        sync.Mutex
	runs      map[uuid.UUID]*models.FlowchartRun
	lastLimit int
	createErr error
}

func newMemRunStore() *memRunStore {
	return &memRunStore{runs: make(map[uuid.UUID]*models.FlowchartRun)}
}

func (s *memRunStore) CreateRun(_ context.Context, run *models.FlowchartRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

func (s *memRunStore) GetRun(_ context.Context, runID uuid.UUID) (*models.FlowchartRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	copied := *run
	return &copied, nil
}

func (s *memRunStore) ListRuns(_ context.Context, flowchartID uuid.UUID, limit int) ([]*models.FlowchartRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLimit = limit
	var out []*models.FlowchartRun
	for _, run := range s.runs {
		if run.FlowchartID == flowchartID {
			copied := *run
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *memRunStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// scriptedLimiter returns a fixed result and records what it was asked.
type scriptedLimiter struct {
	result   *ratelimit.RateLimitResult
	err      error
	identity string
	tier     ratelimit.RunTier
	calls    int
}

func (l *scriptedLimiter) CheckTieredLimit(_ context.Context, workspaceIdentity string, tier ratelimit.RunTier) (*ratelimit.RateLimitResult, error) {
	l.calls++
	l.identity = workspaceIdentity
	l.tier = tier
	return l.result, l.err
}

// runPub records stream publishes; runEvents records emitter publishes.
type runPub struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newRunPub() *runPub { return &runPub{messages: make(map[string][][]byte)} }

func (p *runPub) Publish(_ context.Context, topic string, _ string, message []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages[topic] = append(p.messages[topic], message)
	return nil
}

type runEvents struct {
	mu       sync.Mutex
	messages map[string][]string
}

func newRunEvents() *runEvents { return &runEvents{messages: make(map[string][]string)} }

func (e *runEvents) PublishEvent(_ context.Context, channel, message string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages[channel] = append(e.messages[channel], message)
	return nil
}

type runFixture struct {
	svc     *RunService
	graphs  *memGraphStore
	runs    *memRunStore
	limiter *scriptedLimiter
	stream  *runPub
	events  *runEvents
}

func newRunFixture() *runFixture {
	log := logger.New("error", "json")
	graphs := newMemGraphStore()
	runs := newMemRunStore()
	limiter := &scriptedLimiter{result: &ratelimit.RateLimitResult{Allowed: true, Limit: 100}}
	stream := newRunPub()
	events := newRunEvents()
	emitter := realtime.NewEmitter(events, realtime.NewSequencer(), "realtime:room:", "realtime:broadcast", log)

	svc := NewRunService(&RunServiceOpts{
		Graphs:    graphs,
		Runs:      runs,
		Limiter:   limiter,
		Publisher: stream,
		Emitter:   emitter,
		RunStream: "llmctl:runs",
		Logger:    log,
	})
	return &runFixture{svc: svc, graphs: graphs, runs: runs, limiter: limiter, stream: stream, events: events}
}

// seedGraph stores a graph with the given node types and returns its id.
func (f *runFixture) seedGraph(t *testing.T, nodeTypes ...string) uuid.UUID {
	t.Helper()
	fc := &models.Flowchart{ID: uuid.New(), Name: "fixture"}
	nodes := make([]*models.FlowchartNode, 0, len(nodeTypes))
	for _, nodeType := range nodeTypes {
		nodes = append(nodes, &models.FlowchartNode{
			ID:          uuid.New(),
			FlowchartID: fc.ID,
			Type:        nodeType,
			Name:        nodeType,
		})
	}
	require.NoError(t, f.graphs.CreateGraph(context.Background(), fc, nodes, nil))
	return fc.ID
}

func TestSubmitQueuesRunAndPublishes(t *testing.T) {
	f := newRunFixture()
	flowchartID := f.seedGraph(t, contracts.NodeTypeStart, contracts.NodeTypeEnd)

	resp, err := f.svc.Submit(context.Background(), &SubmitRunRequest{
		FlowchartID:       flowchartID,
		WorkspaceIdentity: "team-a",
		Input:             map[string]any{"ticket": "OPS-7"},
	})
	require.NoError(t, err)
	assert.Equal(t, flowchartID, resp.FlowchartID)
	assert.Equal(t, string(models.RunQueued), resp.Status)
	assert.Equal(t, string(ratelimit.TierSimple), resp.Tier)

	run, err := f.runs.GetRun(context.Background(), resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunQueued, run.Status)
	assert.Equal(t, models.RunModeStandard, run.RunMode)

	// The run request lands on the stream with the submission input.
	require.Len(t, f.stream.messages["llmctl:runs"], 1)
	var req struct {
		RunID  uuid.UUID      `json:"run_id"`
		Input  map[string]any `json:"input"`
		Reason string         `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(f.stream.messages["llmctl:runs"][0], &req))
	assert.Equal(t, resp.RunID, req.RunID)
	assert.Equal(t, "submit", req.Reason)
	assert.Equal(t, "OPS-7", req.Input["ticket"])

	// The queued event fans out to the run and flowchart rooms.
	runRoom := "realtime:room:" + contracts.RunRoom(resp.RunID.String())
	fcRoom := "realtime:room:" + contracts.FlowchartRoom(flowchartID.String())
	assert.Len(t, f.events.messages[runRoom], 1)
	assert.Len(t, f.events.messages[fcRoom], 1)

	var envelope contracts.SocketEventEnvelope
	require.NoError(t, json.Unmarshal([]byte(f.events.messages[runRoom][0]), &envelope))
	assert.Equal(t, "flowchart:run:updated", envelope.EventType)
	assert.Equal(t, string(models.RunQueued), envelope.Payload["status"])

	// The limiter was consulted with the caller's identity.
	assert.Equal(t, "team-a", f.limiter.identity)
	assert.Equal(t, ratelimit.TierSimple, f.limiter.tier)
}

func TestSubmitUnknownFlowchart(t *testing.T) {
	f := newRunFixture()

	_, err := f.svc.Submit(context.Background(), &SubmitRunRequest{FlowchartID: uuid.New()})
	require.Error(t, err)
	assert.ErrorIs(t, err, pgx.ErrNoRows)
	assert.Equal(t, 0, f.runs.count())
	assert.Empty(t, f.stream.messages)
}

func TestSubmitRateLimited(t *testing.T) {
	f := newRunFixture()
	flowchartID := f.seedGraph(t, contracts.NodeTypeStart, contracts.NodeTypeTask, contracts.NodeTypeEnd)
	f.limiter.result = &ratelimit.RateLimitResult{
		Allowed:           false,
		CurrentCount:      21,
		Limit:             20,
		RetryAfterSeconds: 42,
	}

	_, err := f.svc.Submit(context.Background(), &SubmitRunRequest{
		FlowchartID:       flowchartID,
		WorkspaceIdentity: "team-a",
	})
	require.Error(t, err)

	var rateLimited *RateLimitError
	require.ErrorAs(t, err, &rateLimited)
	assert.Equal(t, ratelimit.TierStandard, rateLimited.Tier)
	assert.Equal(t, int64(20), rateLimited.Limit)
	assert.Equal(t, int64(21), rateLimited.CurrentCount)
	assert.Equal(t, int64(42), rateLimited.RetryAfterSeconds)

	// Nothing was created or enqueued.
	assert.Equal(t, 0, f.runs.count())
	assert.Empty(t, f.stream.messages)
	assert.Empty(t, f.events.messages)
}

func TestSubmitFailsOpenOnLimiterError(t *testing.T) {
	f := newRunFixture()
	flowchartID := f.seedGraph(t, contracts.NodeTypeStart, contracts.NodeTypeEnd)
	f.limiter.result = nil
	f.limiter.err = errors.New("redis down")

	resp, err := f.svc.Submit(context.Background(), &SubmitRunRequest{FlowchartID: flowchartID})
	require.NoError(t, err)
	assert.Equal(t, 1, f.runs.count())
	assert.NotEqual(t, uuid.Nil, resp.RunID)
}

func TestSubmitUsesDefaultIdentityBucket(t *testing.T) {
	f := newRunFixture()
	flowchartID := f.seedGraph(t, contracts.NodeTypeStart, contracts.NodeTypeEnd)

	_, err := f.svc.Submit(context.Background(), &SubmitRunRequest{FlowchartID: flowchartID})
	require.NoError(t, err)
	assert.Equal(t, "default", f.limiter.identity)
}

func TestSubmitTierTracksTaskCount(t *testing.T) {
	f := newRunFixture()
	flowchartID := f.seedGraph(t,
		contracts.NodeTypeStart,
		contracts.NodeTypeTask, contracts.NodeTypeTask, contracts.NodeTypeTask,
		contracts.NodeTypeEnd)

	resp, err := f.svc.Submit(context.Background(), &SubmitRunRequest{
		FlowchartID:       flowchartID,
		WorkspaceIdentity: "team-a",
	})
	require.NoError(t, err)
	assert.Equal(t, string(ratelimit.TierHeavy), resp.Tier)
	assert.Equal(t, ratelimit.TierHeavy, f.limiter.tier)
}

func TestListRunsClampsLimit(t *testing.T) {
	f := newRunFixture()
	flowchartID := uuid.New()

	_, err := f.svc.ListRuns(context.Background(), flowchartID, 0)
	require.NoError(t, err)
	assert.Equal(t, defaultListLimit, f.runs.lastLimit)

	_, err = f.svc.ListRuns(context.Background(), flowchartID, 10000)
	require.NoError(t, err)
	assert.Equal(t, maxListLimit, f.runs.lastLimit)

	_, err = f.svc.ListRuns(context.Background(), flowchartID, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, f.runs.lastLimit)
}
