package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/logger"
	"github.com/llmctl/llmctl/common/models"
	"github.com/llmctl/llmctl/common/ratelimit"
	"github.com/llmctl/llmctl/common/realtime"
	"github.com/llmctl/llmctl/common/runcontrol"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Limiter is the slice of the rate limiter submission needs.
type Limiter interface {
	CheckTieredLimit(ctx context.Context, workspaceIdentity string, tier ratelimit.RunTier) (*ratelimit.RateLimitResult, error)
}

// Publisher enqueues run requests on the run stream.
type Publisher interface {
	Publish(ctx context.Context, topic string, key string, message []byte) error
}

// RateLimitError is returned when a workspace exhausted its tier budget.
// The handler maps it to 429 with a Retry-After header.
type RateLimitError struct {
	Tier              ratelimit.RunTier
	Limit             int64
	CurrentCount      int64
	RetryAfterSeconds int64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s tier allows %d runs/minute, retry after %d seconds",
		e.Tier, e.Limit, e.RetryAfterSeconds)
}

// SubmitRunRequest carries one run submission.
type SubmitRunRequest struct {
	FlowchartID       uuid.UUID
	WorkspaceIdentity string
	Input             map[string]any
}

// SubmitRunResponse is the accepted-run envelope.
type SubmitRunResponse struct {
	RunID       uuid.UUID `json:"run_id"`
	FlowchartID uuid.UUID `json:"flowchart_id"`
	Status      string    `json:"status"`
	Tier        string    `json:"tier"`
}

// RunServiceOpts contains the dependencies for a RunService.
type RunServiceOpts struct {
	Graphs     GraphStore
	Runs       RunStore
	Limiter    Limiter
	Publisher  Publisher
	Emitter    *realtime.Emitter
	Controller *runcontrol.Controller
	RunStream  string
	Logger     *logger.Logger
}

// RunService owns run submission and the read/control pass-throughs. The
// control surface itself lives in runcontrol and is shared with the engine
// workers; this service is the HTTP-facing edge of it.
type RunService struct {
	graphs    GraphStore
	runs      RunStore
	limiter   Limiter
	publisher Publisher
	emitter   *realtime.Emitter
	control   *runcontrol.Controller
	runStream string
	log       *logger.Logger
}

// NewRunService creates the run service.
func NewRunService(opts *RunServiceOpts) *RunService {
	return &RunService{
		graphs:    opts.Graphs,
		runs:      opts.Runs,
		limiter:   opts.Limiter,
		publisher: opts.Publisher,
		emitter:   opts.Emitter,
		control:   opts.Controller,
		runStream: opts.RunStream,
		log:       opts.Logger,
	}
}

// Submit creates a queued run and enqueues its run request. The flowchart
// is inspected for its complexity tier first and the submission counted
// against the workspace's tier budget; a limiter outage fails open so Redis
// trouble never blocks submissions.
func (s *RunService) Submit(ctx context.Context, req *SubmitRunRequest) (*SubmitRunResponse, error) {
	graph, err := s.graphs.LoadGraph(ctx, req.FlowchartID)
	if err != nil {
		return nil, err
	}

	profile := ratelimit.InspectGraph(graph)
	s.log.Debug("flowchart inspected for rate limiting",
		"flowchart_id", req.FlowchartID.String(),
		"tier", string(profile.Tier),
		"task_count", profile.TaskCount,
		"total_nodes", profile.TotalNodes)

	identity := req.WorkspaceIdentity
	if identity == "" {
		identity = "default"
	}
	result, err := s.limiter.CheckTieredLimit(ctx, identity, profile.Tier)
	if err != nil {
		s.log.Error("rate limit check failed", "error", err)
		// On error, allow the submission (fail open for availability).
	} else if !result.Allowed {
		s.log.Warn("rate limit exceeded",
			"workspace_identity", identity,
			"tier", string(profile.Tier),
			"limit", result.Limit,
			"current", result.CurrentCount,
			"retry_after", result.RetryAfterSeconds)
		return nil, &RateLimitError{
			Tier:              profile.Tier,
			Limit:             result.Limit,
			CurrentCount:      result.CurrentCount,
			RetryAfterSeconds: result.RetryAfterSeconds,
		}
	}

	now := time.Now().UTC()
	run := &models.FlowchartRun{
		ID:          uuid.New(),
		FlowchartID: req.FlowchartID,
		Status:      models.RunQueued,
		RunMode:     models.RunModeStandard,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	raw, err := json.Marshal(map[string]any{
		"run_id": run.ID,
		"input":  req.Input,
		"reason": "submit",
	})
	if err != nil {
		return nil, fmt.Errorf("encode run request: %w", err)
	}
	if err := s.publisher.Publish(ctx, s.runStream, run.ID.String(), raw); err != nil {
		return nil, fmt.Errorf("enqueue run request: %w", err)
	}

	s.announce(ctx, run)
	s.log.Info("run submitted",
		"run_id", run.ID.String(),
		"flowchart_id", req.FlowchartID.String(),
		"tier", string(profile.Tier))

	return &SubmitRunResponse{
		RunID:       run.ID,
		FlowchartID: req.FlowchartID,
		Status:      string(models.RunQueued),
		Tier:        string(profile.Tier),
	}, nil
}

// GetRun loads one run.
func (s *RunService) GetRun(ctx context.Context, runID uuid.UUID) (*models.FlowchartRun, error) {
	return s.runs.GetRun(ctx, runID)
}

// ListRuns lists a flowchart's runs, newest first.
func (s *RunService) ListRuns(ctx context.Context, flowchartID uuid.UUID, limit int) ([]*models.FlowchartRun, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.runs.ListRuns(ctx, flowchartID, limit)
}

// Control applies one control action through the shared controller.
func (s *RunService) Control(ctx context.Context, runID uuid.UUID, action, idempotencyKey string) (*contracts.ControlResult, error) {
	return s.control.Apply(ctx, runID, action, idempotencyKey)
}

// Status summarizes the run state with its degraded-execution warnings.
func (s *RunService) Status(ctx context.Context, runID uuid.UUID) (*runcontrol.StatusSummary, error) {
	return s.control.Status(ctx, runID)
}

// Trace aggregates the run's node, tool, and artifact traces.
func (s *RunService) Trace(ctx context.Context, runID uuid.UUID, opts runcontrol.TraceOptions) (*runcontrol.Trace, error) {
	return s.control.Trace(ctx, runID, opts)
}

// announce emits the queued-run event; emission failures are logged, the
// run row and stream entry already committed.
func (s *RunService) announce(ctx context.Context, run *models.FlowchartRun) {
	_, err := s.emitter.EmitContractEvent(ctx, realtime.Event{
		EventType:  "flowchart:run:updated",
		EntityKind: "flowchart_run",
		EntityID:   run.ID.String(),
		RoomKeys: []string{
			contracts.RunRoom(run.ID.String()),
			contracts.FlowchartRoom(run.FlowchartID.String()),
		},
		Payload: map[string]any{
			"run_id":       run.ID.String(),
			"flowchart_id": run.FlowchartID.String(),
			"status":       string(run.Status),
			"run_mode":     run.RunMode,
		},
	})
	if err != nil {
		s.log.Error("failed to emit run submitted event",
			"run_id", run.ID.String(), "error", err)
	}
}
