// runner is the in-pod executor for kubernetes-dispatched node work. The
// engine submits one Job per execution carrying the prompt envelope in
// LLMCTL_PAYLOAD_B64 (stdin works too, for local use); this binary prints
// the start marker, completes the prompt through the model runner service,
// and prints the result marker with the output JSON. Logs go to stderr so
// stdout stays a clean marker channel.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/llmctl/llmctl/cmd/flowd/provider"
	"github.com/llmctl/llmctl/common/clients"
	"github.com/llmctl/llmctl/common/config"
	"github.com/llmctl/llmctl/common/logger"
)

// Pod environment beyond the Job-injected variables. These are baked into
// the executor image or its pod template.
const (
	envModelProvider = "LLMCTL_MODEL_PROVIDER"
	envModel         = "LLMCTL_MODEL"
	envCLIPath       = "LLMCTL_CLI_PATH"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load("runner")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.NewWithWriter(os.Stderr, cfg.Service.LogLevel, cfg.Service.LogFormat)

	executionID := os.Getenv(provider.EnvExecutionID)
	payload, err := loadPayload(os.Stdin)
	if err != nil {
		log.Error("payload unavailable", "execution_id", executionID, "error", err)
		os.Exit(1)
	}

	modelProvider := os.Getenv(envModelProvider)
	if modelProvider == "" {
		modelProvider = "codex"
	}

	var cli cliCompleter
	if path := os.Getenv(envCLIPath); path != "" {
		cli = NewCLIRunner(path, log)
	}

	executor := NewExecutor(&ExecutorOpts{
		API:      clients.NewRunnerClient(cfg.Clients.RunnerBaseURL, cfg.Clients.RunnerTimeout, log),
		CLI:      cli,
		Provider: modelProvider,
		Model:    os.Getenv(envModel),
		Stdout:   os.Stdout,
		Log:      log,
	})

	if err := executor.Run(ctx, executionID, payload); err != nil {
		log.Error("execution failed", "execution_id", executionID, "error", err)
		os.Exit(1)
	}
}

// loadPayload decodes the Job-injected payload, falling back to stdin.
func loadPayload(stdin io.Reader) (map[string]any, error) {
	if b64 := os.Getenv(provider.EnvPayloadB64); b64 != "" {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", provider.EnvPayloadB64, err)
		}
		return unmarshalPayload(raw)
	}

	raw, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("no payload: set " + provider.EnvPayloadB64 + " or pipe JSON on stdin")
	}
	return unmarshalPayload(raw)
}

func unmarshalPayload(raw []byte) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	return payload, nil
}
