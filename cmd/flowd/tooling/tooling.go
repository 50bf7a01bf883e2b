// Package tooling wraps the deterministic node handlers (decision, memory,
// milestone, plan) with bounded retries, optional validation, and an optional
// fallback builder. Recoverable failures are re-expressed as Outcome fields
// rather than errors; only the idempotency gate raises to the run loop.
package tooling

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/dispatch"
	"github.com/llmctl/llmctl/common/logger"
)

// ErrToolInvocationIdempotency is returned when the configured idempotency
// key was already registered. The invoke function is never called in that
// case.
var ErrToolInvocationIdempotency = fmt.Errorf("tool invocation rejected: %w", contracts.ErrIdempotencyConflict)

// Execution statuses carried by an Outcome.
const (
	StatusSuccess            = "success"
	StatusSuccessWithWarning = "success_with_warning"
	StatusFailed             = "failed"
)

// MergeKey is the output_state key the outcome summary is merged under.
const MergeKey = "deterministic_tooling"

// InvokeFunc is the wrapped handler body. It returns the node's output state
// and routing state.
type InvokeFunc func(ctx context.Context) (map[string]any, map[string]any, error)

// ValidateFunc checks an attempt's result. A non-nil error fails the attempt.
type ValidateFunc func(outputState, routingState map[string]any) error

// FallbackFunc builds a replacement result after all attempts failed. It
// receives the last attempt error and returns the replacement states plus a
// warning describing the degradation.
type FallbackFunc func(ctx context.Context, lastErr error) (outputState, routingState map[string]any, warning string, err error)

// Config selects the tool scaffold and bounds the invocation.
type Config struct {
	NodeType       string
	Operation      string
	IdempotencyKey string
	MaxAttempts    int
	RequestID      string
	CorrelationID  string
}

// Call is one attempt in the invocation trace.
type Call struct {
	Attempt int    `json:"attempt"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// Outcome is the result of a deterministic tool invocation. OutputState
// already carries the summary under MergeKey when the invocation ended in a
// success status.
type Outcome struct {
	ToolName        string         `json:"tool_name"`
	Operation       string         `json:"operation"`
	ExecutionStatus string         `json:"execution_status"`
	AttemptCount    int            `json:"attempt_count"`
	Calls           []Call         `json:"calls"`
	Warnings        []string       `json:"warnings,omitempty"`
	FallbackUsed    bool           `json:"fallback_used"`
	RequestID       string         `json:"request_id"`
	CorrelationID   string         `json:"correlation_id"`
	OutputState     map[string]any `json:"output_state"`
	RoutingState    map[string]any `json:"routing_state"`
}

type scaffold struct {
	toolName   string
	defaultOp  string
	alternates []string
}

// Scaffolds per node type. Operations outside the table resolve to the
// type's default.
var scaffolds = map[string]scaffold{
	contracts.NodeTypeDecision: {
		toolName:   "deterministic.decision",
		defaultOp:  "evaluate",
		alternates: []string{"route"},
	},
	contracts.NodeTypeMemory: {
		toolName:   "deterministic.memory",
		defaultOp:  "add",
		alternates: []string{"retrieve", "delete"},
	},
	contracts.NodeTypeMilestone: {
		toolName:   "deterministic.milestone",
		defaultOp:  "create_or_update",
		alternates: []string{"mark_complete"},
	},
	contracts.NodeTypePlan: {
		toolName:   "deterministic.plan",
		defaultOp:  "create_or_update_plan",
		alternates: []string{"complete_plan_item"},
	},
}

func (s scaffold) resolveOperation(op string) string {
	if op == s.defaultOp {
		return op
	}
	for _, alt := range s.alternates {
		if op == alt {
			return op
		}
	}
	return s.defaultOp
}

// ResolveOperation returns the operation the scaffold will run for the node
// type: the operation itself when the table knows it, the type default
// otherwise. Handlers branch on this before invoking so their body matches
// what the trace records.
func ResolveOperation(nodeType, operation string) (string, error) {
	sc, ok := scaffolds[nodeType]
	if !ok {
		return "", fmt.Errorf("%w: no deterministic tool for node type %q", contracts.ErrValidation, nodeType)
	}
	return sc.resolveOperation(operation), nil
}

// Invoker runs deterministic tool invocations against the shared dispatch
// registry.
type Invoker struct {
	registry *dispatch.Registry
	log      *logger.Logger
}

// NewInvoker creates an invoker. A nil registry uses the process-wide one.
func NewInvoker(registry *dispatch.Registry, log *logger.Logger) *Invoker {
	if registry == nil {
		registry = dispatch.Default
	}
	return &Invoker{registry: registry, log: log}
}

// Invoke runs fn under the scaffold selected by cfg.
//
// The idempotency key, when set, must register cleanly or the invocation is
// rejected before fn runs. fn executes up to MaxAttempts times (default 1);
// validate, when provided, can fail an attempt after fn returned. When all
// attempts fail and fallback is set, the fallback result is returned as
// success_with_warning; a failing fallback is terminal
// (fallback_runtime_error). The outcome summary is merged into the returned
// output state under MergeKey.
func (i *Invoker) Invoke(ctx context.Context, cfg Config, fn InvokeFunc, validate ValidateFunc, fallback FallbackFunc) (*Outcome, error) {
	sc, ok := scaffolds[cfg.NodeType]
	if !ok {
		return nil, fmt.Errorf("%w: no deterministic tool for node type %q", contracts.ErrValidation, cfg.NodeType)
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: deterministic tool invoked without a handler body", contracts.ErrValidation)
	}

	if cfg.IdempotencyKey != "" && !i.registry.Register(cfg.IdempotencyKey) {
		return nil, fmt.Errorf("%w: key %q", ErrToolInvocationIdempotency, cfg.IdempotencyKey)
	}

	outcome := &Outcome{
		ToolName:      sc.toolName,
		Operation:     sc.resolveOperation(cfg.Operation),
		RequestID:     cfg.RequestID,
		CorrelationID: cfg.CorrelationID,
	}
	if outcome.RequestID == "" {
		outcome.RequestID = uuid.NewString()
	}
	if outcome.CorrelationID == "" {
		outcome.CorrelationID = outcome.RequestID
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// A dead context means the attempt never ran; the trace only
		// records attempts that were counted.
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		outcome.AttemptCount = attempt
		output, routing, err := fn(ctx)
		if err == nil && validate != nil {
			err = validate(output, routing)
		}
		if err != nil {
			lastErr = err
			outcome.Calls = append(outcome.Calls, Call{Attempt: attempt, Status: StatusFailed, Reason: err.Error()})
			i.log.Debug("deterministic tool attempt failed",
				"tool", outcome.ToolName,
				"operation", outcome.Operation,
				"attempt", attempt,
				"error", err,
			)
			continue
		}

		outcome.Calls = append(outcome.Calls, Call{Attempt: attempt, Status: StatusSuccess})
		outcome.ExecutionStatus = StatusSuccess
		outcome.OutputState = output
		outcome.RoutingState = routing
		i.mergeSummary(outcome)
		return outcome, nil
	}

	if fallback == nil {
		outcome.ExecutionStatus = StatusFailed
		return outcome, fmt.Errorf("%w: %s/%s failed after %d attempt(s): %v",
			contracts.ErrExecution, outcome.ToolName, outcome.Operation, outcome.AttemptCount, lastErr)
	}

	output, routing, warning, err := fallback(ctx, lastErr)
	if err != nil {
		outcome.ExecutionStatus = StatusFailed
		i.log.Error("deterministic tool fallback failed",
			"tool", outcome.ToolName,
			"operation", outcome.Operation,
			"primary_error", lastErr,
			"error", err,
		)
		return outcome, fmt.Errorf("%w: %s/%s fallback failed: %v (primary: %v)",
			contracts.ErrFallbackRuntime, outcome.ToolName, outcome.Operation, err, lastErr)
	}

	outcome.ExecutionStatus = StatusSuccessWithWarning
	outcome.FallbackUsed = true
	if warning != "" {
		outcome.Warnings = append(outcome.Warnings, warning)
	}
	outcome.OutputState = output
	outcome.RoutingState = routing
	i.mergeSummary(outcome)
	i.log.Warn("deterministic tool degraded to fallback",
		"tool", outcome.ToolName,
		"operation", outcome.Operation,
		"attempts", outcome.AttemptCount,
		"warning", warning,
	)
	return outcome, nil
}

// mergeSummary writes the invocation summary into the output state under
// MergeKey so downstream consumers (persistence, trace) see it inline.
func (i *Invoker) mergeSummary(o *Outcome) {
	if o.OutputState == nil {
		o.OutputState = map[string]any{}
	}
	summary := map[string]any{
		"tool_name":        o.ToolName,
		"operation":        o.Operation,
		"execution_status": o.ExecutionStatus,
		"attempt_count":    o.AttemptCount,
		"calls":            o.Calls,
		"request_id":       o.RequestID,
		"correlation_id":   o.CorrelationID,
	}
	if o.FallbackUsed {
		summary["fallback_used"] = true
		summary["warnings"] = o.Warnings
	}
	o.OutputState[MergeKey] = summary
}

// IsIdempotencyRejection reports whether err came from the idempotency gate.
func IsIdempotencyRejection(err error) bool {
	return errors.Is(err, contracts.ErrIdempotencyConflict)
}
