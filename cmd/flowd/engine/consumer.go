package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/runcontrol"
)

// RunRequest is one message on the run stream. Input accompanies fresh
// submissions; resumed and replayed runs rebuild state from recorded rows.
type RunRequest struct {
	RunID  uuid.UUID      `json:"run_id"`
	Input  map[string]any `json:"input,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

// runRequestAttempts bounds in-handler retries. The stream acknowledges
// unconditionally, so transient store failures get their retries here.
const runRequestAttempts = 3

// HandleRunRequest consumes one run request. Undecodable messages are
// dropped; permanent run failures settle inside ExecuteRun and consume the
// message; only store-level errors surface after the retries.
func (e *Engine) HandleRunRequest(ctx context.Context, key string, value []byte) error {
	var req RunRequest
	if err := json.Unmarshal(value, &req); err != nil {
		e.log.Error("dropping undecodable run request", "key", key, "error", err)
		return nil
	}
	if req.RunID == uuid.Nil {
		e.log.Error("dropping run request without run id", "key", key)
		return nil
	}

	var err error
	for attempt := 1; attempt <= runRequestAttempts; attempt++ {
		if err = e.ExecuteRun(ctx, req.RunID, req.Input); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		e.log.Warn("run request attempt failed",
			"run_id", req.RunID.String(),
			"attempt", attempt,
			"error", err)

		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return err
}

// HandleControlNotice reacts to a cross-process control notice. Only cancel
// needs worker cooperation: the worker holding the run's in-flight dispatch
// aborts the handler and asks the provider to tear the execution down.
func (e *Engine) HandleControlNotice(ctx context.Context, payload string) {
	var notice runcontrol.Notice
	if err := json.Unmarshal([]byte(payload), &notice); err != nil {
		e.log.Error("dropping undecodable control notice", "error", err)
		return
	}
	if notice.Action != contracts.ControlCancel {
		return
	}

	active := e.activeDispatch(notice.RunID)
	if active == nil {
		return
	}

	e.log.Info("cancelling in-flight dispatch",
		"run_id", notice.RunID.String(),
		"execution_id", active.req.ExecutionID,
		"force", notice.Force)
	active.cancel()
	if err := e.canceller.CancelRouted(ctx, active.req, notice.Force); err != nil {
		e.log.Warn("provider cancel failed",
			"run_id", notice.RunID.String(),
			"execution_id", active.req.ExecutionID,
			"error", err)
	}
}
