// Package runcontrol owns the run control surface shared by the control
// plane and the engine workers: pause/resume/cancel/retry transitions with
// replay idempotency, the cross-process cancel notice, and the trace/status
// read aggregations.
package runcontrol

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/logger"
	"github.com/llmctl/llmctl/common/models"
	"github.com/llmctl/llmctl/common/realtime"
)

// ControlChannel is the pub/sub channel control notices travel on. Every
// engine worker subscribes; the one holding the run's in-flight dispatch
// acts on cancel.
const ControlChannel = "llmctl:control"

// Notice is the cross-process control notification.
type Notice struct {
	RunID  uuid.UUID `json:"run_id"`
	Action string    `json:"action"`
	Force  bool      `json:"force,omitempty"`
}

// Store is the persistence slice control needs.
type Store interface {
	GetRun(ctx context.Context, runID uuid.UUID) (*models.FlowchartRun, error)
	CreateRun(ctx context.Context, run *models.FlowchartRun) error
	CompareAndSetRunStatus(ctx context.Context, runID uuid.UUID, from []models.RunStatus, to models.RunStatus) (models.RunStatus, bool, error)
	MarkRunFinished(ctx context.Context, runID uuid.UUID, status models.RunStatus, at time.Time) error
	FindReplay(ctx context.Context, replayOf uuid.UUID, replayKey string) (*models.FlowchartRun, error)
	ListNodeRuns(ctx context.Context, runID uuid.UUID) ([]*models.FlowchartRunNode, error)
	ListArtifacts(ctx context.Context, runID uuid.UUID) ([]*models.NodeArtifact, error)
}

// Publisher enqueues run requests for resumed and replayed runs.
type Publisher interface {
	Publish(ctx context.Context, topic string, key string, message []byte) error
}

// Notifier fans the control notice out to engine workers.
type Notifier interface {
	PublishEvent(ctx context.Context, channel string, message string) error
}

// Controller applies control actions. Every method returns a result
// envelope, effective or not; an action that changes nothing reports
// idempotent=true.
type Controller struct {
	store     Store
	publisher Publisher
	notifier  Notifier
	emitter   *realtime.Emitter
	runStream string
	log       *logger.Logger
}

// New creates a controller publishing run requests on runStream.
func New(store Store, publisher Publisher, notifier Notifier, emitter *realtime.Emitter, runStream string, log *logger.Logger) *Controller {
	return &Controller{
		store:     store,
		publisher: publisher,
		notifier:  notifier,
		emitter:   emitter,
		runStream: runStream,
		log:       log,
	}
}

// Apply dispatches one control action. Retry requires an idempotency key;
// the other actions ignore it.
func (c *Controller) Apply(ctx context.Context, runID uuid.UUID, action, idempotencyKey string) (*contracts.ControlResult, error) {
	switch action {
	case contracts.ControlPause:
		return c.Pause(ctx, runID)
	case contracts.ControlResume:
		return c.Resume(ctx, runID)
	case contracts.ControlCancel:
		return c.Cancel(ctx, runID)
	case contracts.ControlRetry:
		return c.Retry(ctx, runID, idempotencyKey)
	default:
		return nil, fmt.Errorf("%w: unknown control action %q", contracts.ErrValidation, action)
	}
}

// Pause requests suspension. A queued run pauses immediately; a running run
// enters pausing until its worker settles it between nodes.
func (c *Controller) Pause(ctx context.Context, runID uuid.UUID) (*contracts.ControlResult, error) {
	current, applied, err := c.store.CompareAndSetRunStatus(ctx, runID,
		[]models.RunStatus{models.RunQueued}, models.RunPaused)
	if err != nil {
		return nil, err
	}
	if applied {
		c.announce(ctx, runID, models.RunPaused)
		return &contracts.ControlResult{AppliedAction: contracts.AppliedPaused, Updated: true}, nil
	}

	current, applied, err = c.store.CompareAndSetRunStatus(ctx, runID,
		[]models.RunStatus{models.RunRunning}, models.RunPausing)
	if err != nil {
		return nil, err
	}
	if applied {
		c.announce(ctx, runID, models.RunPausing)
		return &contracts.ControlResult{AppliedAction: contracts.AppliedPausing, Updated: true}, nil
	}

	switch current {
	case models.RunPausing:
		return &contracts.ControlResult{AppliedAction: contracts.AppliedPausing, Idempotent: true}, nil
	case models.RunPaused:
		return &contracts.ControlResult{AppliedAction: contracts.AppliedPaused, Idempotent: true}, nil
	default:
		return &contracts.ControlResult{AppliedAction: contracts.AppliedNone, Idempotent: true}, nil
	}
}

// Resume moves a paused run back to running and re-enqueues it. Executed
// nodes replay from their recorded rows; traversal continues past them.
func (c *Controller) Resume(ctx context.Context, runID uuid.UUID) (*contracts.ControlResult, error) {
	current, applied, err := c.store.CompareAndSetRunStatus(ctx, runID,
		[]models.RunStatus{models.RunPaused}, models.RunRunning)
	if err != nil {
		return nil, err
	}
	if !applied {
		if current == models.RunRunning {
			return &contracts.ControlResult{AppliedAction: contracts.AppliedResumed, Idempotent: true}, nil
		}
		return &contracts.ControlResult{AppliedAction: contracts.AppliedNone, Idempotent: true}, nil
	}

	if err := c.enqueueRun(ctx, runID, "resume"); err != nil {
		return nil, err
	}
	c.announce(ctx, runID, models.RunRunning)
	c.log.Info("run resumed", "run_id", runID.String())
	return &contracts.ControlResult{AppliedAction: contracts.AppliedResumed, Updated: true}, nil
}

// Cancel settles the run as cancelled and notifies workers so the one
// holding an in-flight dispatch aborts it.
func (c *Controller) Cancel(ctx context.Context, runID uuid.UUID) (*contracts.ControlResult, error) {
	current, applied, err := c.store.CompareAndSetRunStatus(ctx, runID,
		[]models.RunStatus{models.RunQueued, models.RunRunning, models.RunPausing, models.RunPaused},
		models.RunCancelled)
	if err != nil {
		return nil, err
	}
	if !applied {
		if current == models.RunCancelled {
			return &contracts.ControlResult{AppliedAction: contracts.AppliedCancelled, Idempotent: true}, nil
		}
		return &contracts.ControlResult{AppliedAction: contracts.AppliedNone, Idempotent: true}, nil
	}

	if err := c.store.MarkRunFinished(ctx, runID, models.RunCancelled, time.Now().UTC()); err != nil {
		return nil, err
	}
	c.notify(ctx, Notice{RunID: runID, Action: contracts.ControlCancel})
	c.announce(ctx, runID, models.RunCancelled)
	c.log.Info("run cancelled", "run_id", runID.String())
	return &contracts.ControlResult{AppliedAction: contracts.AppliedCancelled, Updated: true}, nil
}

// Retry enqueues a replay of the run. The idempotency key makes the call
// safe to repeat: the first call queues the replay and later calls return
// the same replay id.
func (c *Controller) Retry(ctx context.Context, runID uuid.UUID, idempotencyKey string) (*contracts.ControlResult, error) {
	if idempotencyKey == "" {
		return nil, fmt.Errorf("%w: retry requires an idempotency key", contracts.ErrValidation)
	}

	source, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if existing, err := c.store.FindReplay(ctx, runID, idempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return &contracts.ControlResult{
			AppliedAction: contracts.AppliedReplayExisting,
			Idempotent:    true,
			ReplayRun:     existing.ID.String(),
		}, nil
	}

	now := time.Now().UTC()
	replay := &models.FlowchartRun{
		ID:          uuid.New(),
		FlowchartID: source.FlowchartID,
		Status:      models.RunQueued,
		RunMode:     source.RunMode,
		ReplayOf:    &runID,
		ReplayKey:   &idempotencyKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.CreateRun(ctx, replay); err != nil {
		// A concurrent retry with the same key may have won the insert.
		if existing, findErr := c.store.FindReplay(ctx, runID, idempotencyKey); findErr == nil && existing != nil {
			return &contracts.ControlResult{
				AppliedAction: contracts.AppliedReplayExisting,
				Idempotent:    true,
				ReplayRun:     existing.ID.String(),
			}, nil
		}
		return nil, err
	}

	if err := c.enqueueRun(ctx, replay.ID, "replay"); err != nil {
		return nil, err
	}
	c.announceRun(ctx, replay, models.RunQueued)
	c.log.Info("replay queued",
		"run_id", runID.String(),
		"replay_run_id", replay.ID.String(),
		"replay_key", idempotencyKey)
	return &contracts.ControlResult{
		AppliedAction: contracts.AppliedReplayQueued,
		Updated:       true,
		ReplayRun:     replay.ID.String(),
	}, nil
}

// enqueueRun publishes a run request for a resumed or replayed run.
func (c *Controller) enqueueRun(ctx context.Context, runID uuid.UUID, reason string) error {
	raw, err := json.Marshal(map[string]any{"run_id": runID, "reason": reason})
	if err != nil {
		return fmt.Errorf("encode run request: %w", err)
	}
	if err := c.publisher.Publish(ctx, c.runStream, runID.String(), raw); err != nil {
		return fmt.Errorf("enqueue run request: %w", err)
	}
	return nil
}

// notify publishes the control notice; failures are logged, the state
// transition already committed and workers re-check status between nodes.
func (c *Controller) notify(ctx context.Context, notice Notice) {
	raw, err := json.Marshal(notice)
	if err != nil {
		c.log.Error("failed to encode control notice", "run_id", notice.RunID.String(), "error", err)
		return
	}
	if err := c.notifier.PublishEvent(ctx, ControlChannel, string(raw)); err != nil {
		c.log.Error("failed to publish control notice",
			"run_id", notice.RunID.String(), "action", notice.Action, "error", err)
	}
}

// announce emits the run status event for a transition applied by control.
func (c *Controller) announce(ctx context.Context, runID uuid.UUID, status models.RunStatus) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		c.log.Error("failed to load run for status event", "run_id", runID.String(), "error", err)
		return
	}
	c.announceRun(ctx, run, status)
}

func (c *Controller) announceRun(ctx context.Context, run *models.FlowchartRun, status models.RunStatus) {
	_, err := c.emitter.EmitContractEvent(ctx, realtime.Event{
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
			"status":       string(status),
			"run_mode":     run.RunMode,
		},
	})
	if err != nil {
		c.log.Error("failed to emit run status event",
			"run_id", run.ID.String(), "status", string(status), "error", err)
	}
}
