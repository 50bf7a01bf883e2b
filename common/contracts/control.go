package contracts

// Control actions accepted by the run control surface.
const (
	ControlPause  = "pause"
	ControlResume = "resume"
	ControlCancel = "cancel"
	ControlRetry  = "retry"
)

// Applied actions reported back by control. Pause reports paused when it
// settled immediately (queued run) and pausing while a worker is still
// between nodes; a no-op control reports none with idempotent=true.
const (
	AppliedPaused         = "paused"
	AppliedPausing        = "pausing"
	AppliedResumed        = "resumed"
	AppliedCancelled      = "cancelled"
	AppliedReplayQueued   = "replay_queued"
	AppliedReplayExisting = "replay_existing"
	AppliedNone           = "none"
)

// ControlResult is the envelope every control call returns, effective or
// not. ReplayRun carries the replay run id for retry actions.
type ControlResult struct {
	AppliedAction string `json:"applied_action"`
	Updated       bool   `json:"updated"`
	Idempotent    bool   `json:"idempotent"`
	ReplayRun     string `json:"replay_run,omitempty"`
}
