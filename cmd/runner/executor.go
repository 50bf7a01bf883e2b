package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/llmctl/llmctl/cmd/flowd/provider"
	"github.com/llmctl/llmctl/common/clients"
	"github.com/llmctl/llmctl/common/logger"
)

// completer produces structured output for a prompt envelope.
type completer interface {
	Complete(ctx context.Context, req *clients.CompletionRequest) (*clients.CompletionResult, error)
}

// cliCompleter is the local CLI fallback path.
type cliCompleter interface {
	Preflight(ctx context.Context) error
	Complete(ctx context.Context, prompt map[string]any) (map[string]any, error)
}

// Executor performs one dispatched node execution. It owns the stdout
// marker protocol: the start marker before anything else, then exactly one
// result line on success. An error return means no result marker was
// printed and the engine records the dispatch as ambiguous.
type Executor struct {
	api      completer
	cli      cliCompleter
	provider string
	model    string
	stdout   io.Writer
	log      *logger.Logger
}

type ExecutorOpts struct {
	API      completer
	CLI      cliCompleter
	Provider string
	Model    string
	Stdout   io.Writer
	Log      *logger.Logger
}

func NewExecutor(opts *ExecutorOpts) *Executor {
	return &Executor{
		api:      opts.API,
		cli:      opts.CLI,
		provider: opts.Provider,
		model:    opts.Model,
		stdout:   opts.Stdout,
		log:      opts.Log,
	}
}

// Run completes the prompt and emits the contract markers.
func (e *Executor) Run(ctx context.Context, executionID string, prompt map[string]any) error {
	fmt.Fprintln(e.stdout, provider.MarkerStarted)
	e.log.Info("execution started", "execution_id", executionID, "provider", e.provider)

	output, err := e.complete(ctx, prompt)
	if err != nil {
		return err
	}

	encoded, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	fmt.Fprintln(e.stdout, provider.MarkerResultPrefix+string(encoded))
	e.log.Info("execution finished", "execution_id", executionID, "output_bytes", len(encoded))
	return nil
}

// complete tries the model runner API first, then the local CLI when one is
// configured. CLI output is stamped with the fallback markers the engine
// lifts into run metadata.
func (e *Executor) complete(ctx context.Context, prompt map[string]any) (map[string]any, error) {
	res, apiErr := e.api.Complete(ctx, &clients.CompletionRequest{
		Provider: e.provider,
		Model:    e.model,
		Prompt:   prompt,
	})
	if apiErr == nil {
		if res.OutputJSON != nil {
			return res.OutputJSON, nil
		}
		apiErr = &clients.APIError{Category: clients.FailureBadResponse, Message: "completion returned no structured output"}
	}

	if e.cli == nil {
		return nil, apiErr
	}
	e.log.Warn("api completion failed, attempting cli fallback", "error", apiErr)

	if err := e.cli.Preflight(ctx); err != nil {
		e.log.Error("cli preflight failed", "error", err)
		return nil, errors.Join(apiErr, err)
	}
	output, err := e.cli.Complete(ctx, prompt)
	if err != nil {
		return nil, errors.Join(apiErr, err)
	}
	output["cli_fallback_used"] = true
	output["cli_preflight_passed"] = true
	return output, nil
}

// CLIRunner completes prompts through a local CLI binary: the prompt
// envelope goes in on stdin, the output_state JSON comes back on stdout.
type CLIRunner struct {
	path string
	log  *logger.Logger
}

func NewCLIRunner(path string, log *logger.Logger) *CLIRunner {
	return &CLIRunner{path: path, log: log}
}

// Preflight verifies the binary answers --version before any prompt is
// piped into it.
func (c *CLIRunner) Preflight(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, c.path, "--version").CombinedOutput()
	if err != nil {
		return fmt.Errorf("cli preflight %s --version: %v: %s", c.path, err, strings.TrimSpace(string(out)))
	}
	c.log.Info("cli preflight passed", "cli", c.path, "version", strings.TrimSpace(string(out)))
	return nil
}

func (c *CLIRunner) Complete(ctx context.Context, prompt map[string]any) (map[string]any, error) {
	encoded, err := json.Marshal(prompt)
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.path)
	cmd.Stdin = bytes.NewReader(encoded)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("cli execution: %v: %s", err, lastLine(stderr.String()))
	}
	return parseCLIOutput(stdout.String())
}

// parseCLIOutput accepts a bare JSON object, or scans backward past banner
// noise; the last line that parses as an object wins.
func parseCLIOutput(out string) (map[string]any, error) {
	trimmed := strings.TrimSpace(out)

	var result map[string]any
	if err := json.Unmarshal([]byte(trimmed), &result); err == nil {
		return result, nil
	}

	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if err := json.Unmarshal([]byte(line), &result); err == nil {
			return result, nil
		}
	}
	return nil, errors.New("cli printed no JSON object")
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}
