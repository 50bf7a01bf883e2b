// Package settings loads runtime workload settings from the integration
// store. Secret values are decrypted here and nowhere else: callers outside
// the engine runtime list settings through the repository, which only ever
// sees sealed values.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/models"
	"github.com/llmctl/llmctl/common/secrets"
)

// Store is the slice of the integration repository the loader needs.
type Store interface {
	Upsert(ctx context.Context, setting *models.IntegrationSetting) error
	ListAll(ctx context.Context) ([]*models.IntegrationSetting, error)
}

// Setting namespaces (the provider column of the integration store).
const (
	NamespaceRuntime      = "runtime"
	NamespaceKubernetes   = "kubernetes"
	NamespaceInstructions = "instructions"
)

// Recognized runtime keys.
const (
	KeyProvider                  = "provider"
	KeyWorkspaceIdentityKey      = "workspace_identity_key"
	KeyWorkspaceFallbackEnabled  = "workspace_fallback_enabled"
	KeyAllowSkillAdapterFallback = "allow_skill_adapter_fallback"
)

// Recognized kubernetes keys.
const (
	KeyNamespace        = "namespace"
	KeyImage            = "image"
	KeyInCluster        = "in_cluster"
	KeyServiceAccount   = "service_account"
	KeyGPULimit         = "gpu_limit"
	KeyJobTTLSeconds    = "job_ttl_seconds"
	KeyImagePullSecrets = "image_pull_secrets"
	KeyKubeconfig       = "kubeconfig"
)

// KubernetesSettings configures the Job-per-node executor.
type KubernetesSettings struct {
	Namespace        string
	Image            string
	InCluster        bool
	ServiceAccount   string
	GPULimit         int
	JobTTLSeconds    int
	ImagePullSecrets []string
	// Kubeconfig holds decrypted kubeconfig content for out-of-cluster
	// dispatch. Empty when running in-cluster or unconfigured.
	Kubeconfig string
}

// RuntimeSettings is the typed view handed to the engine runtime. It may
// carry decrypted secret material and must not leak past the runtime.
type RuntimeSettings struct {
	Provider                  string
	WorkspaceIdentityKey      string
	WorkspaceFallbackEnabled  bool
	AllowSkillAdapterFallback bool
	Kubernetes                KubernetesSettings

	// InstructionNativeEnabled and InstructionFallbackEnabled gate
	// instruction delivery per adapter provider (codex, claude, gemini).
	// Unset providers default to enabled.
	InstructionNativeEnabled   map[string]bool
	InstructionFallbackEnabled map[string]bool
}

// InstructionNative reports whether native instruction materialization is
// enabled for the given adapter provider.
func (s *RuntimeSettings) InstructionNative(provider string) bool {
	if v, ok := s.InstructionNativeEnabled[provider]; ok {
		return v
	}
	return true
}

// InstructionFallback reports whether prompt-attached instruction fallback
// is enabled for the given adapter provider.
func (s *RuntimeSettings) InstructionFallback(provider string) bool {
	if v, ok := s.InstructionFallbackEnabled[provider]; ok {
		return v
	}
	return true
}

// Loader reads the integration store and produces RuntimeSettings. It owns
// the secret box: sealing on write, opening on load.
type Loader struct {
	repo Store
	box  *secrets.Box
}

// NewLoader creates a settings loader. The box may be nil when no secret
// settings exist; loading a secret value without a box is an error.
func NewLoader(repo Store, box *secrets.Box) *Loader {
	return &Loader{repo: repo, box: box}
}

// Store writes one setting, sealing the value first when marked secret.
func (l *Loader) Store(ctx context.Context, namespace, key, value string, secret bool) error {
	stored := value
	if secret {
		if l.box == nil {
			return fmt.Errorf("cannot store secret setting %s/%s: no encryption key configured", namespace, key)
		}
		sealed, err := l.box.Seal(value)
		if err != nil {
			return fmt.Errorf("failed to seal setting %s/%s: %w", namespace, key, err)
		}
		stored = sealed
	}

	return l.repo.Upsert(ctx, &models.IntegrationSetting{
		Provider: namespace,
		Key:      key,
		Value:    stored,
		Secret:   secret,
	})
}

// Load reads every setting, decrypts secret values and maps them into a
// typed RuntimeSettings with defaults applied.
func (l *Loader) Load(ctx context.Context) (*RuntimeSettings, error) {
	rows, err := l.repo.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load runtime settings: %w", err)
	}

	rs := Defaults()
	for _, row := range rows {
		value := row.Value
		if row.Secret {
			if l.box == nil {
				return nil, fmt.Errorf("secret setting %s/%s present but no encryption key configured", row.Provider, row.Key)
			}
			opened, err := l.box.Open(value)
			if err != nil {
				return nil, fmt.Errorf("failed to open secret setting %s/%s: %w", row.Provider, row.Key, err)
			}
			value = opened
		}
		if err := apply(rs, row.Provider, row.Key, value); err != nil {
			return nil, err
		}
	}
	return rs, nil
}

// Defaults returns the settings used when the store is empty.
func Defaults() *RuntimeSettings {
	return &RuntimeSettings{
		Provider:                  contracts.ProviderKubernetes,
		WorkspaceIdentityKey:      "default",
		WorkspaceFallbackEnabled:  false,
		AllowSkillAdapterFallback: true,
		Kubernetes: KubernetesSettings{
			Namespace:     "default",
			JobTTLSeconds: 3600,
		},
		InstructionNativeEnabled:   map[string]bool{},
		InstructionFallbackEnabled: map[string]bool{},
	}
}

func apply(rs *RuntimeSettings, namespace, key, value string) error {
	switch namespace {
	case NamespaceRuntime:
		switch key {
		case KeyProvider:
			rs.Provider = strings.TrimSpace(value)
		case KeyWorkspaceIdentityKey:
			if v := strings.TrimSpace(value); v != "" {
				rs.WorkspaceIdentityKey = v
			}
		case KeyWorkspaceFallbackEnabled:
			rs.WorkspaceFallbackEnabled = parseBool(value)
		case KeyAllowSkillAdapterFallback:
			rs.AllowSkillAdapterFallback = parseBool(value)
		}
	case NamespaceKubernetes:
		switch key {
		case KeyNamespace:
			if v := strings.TrimSpace(value); v != "" {
				rs.Kubernetes.Namespace = v
			}
		case KeyImage:
			rs.Kubernetes.Image = strings.TrimSpace(value)
		case KeyInCluster:
			rs.Kubernetes.InCluster = parseBool(value)
		case KeyServiceAccount:
			rs.Kubernetes.ServiceAccount = strings.TrimSpace(value)
		case KeyGPULimit:
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return fmt.Errorf("invalid gpu_limit setting: %q", value)
			}
			rs.Kubernetes.GPULimit = n
		case KeyJobTTLSeconds:
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return fmt.Errorf("invalid job_ttl_seconds setting: %q", value)
			}
			rs.Kubernetes.JobTTLSeconds = n
		case KeyImagePullSecrets:
			rs.Kubernetes.ImagePullSecrets = parseList(value)
		case KeyKubeconfig:
			rs.Kubernetes.Kubeconfig = value
		}
	case NamespaceInstructions:
		switch {
		case strings.HasPrefix(key, "instruction_native_enabled_"):
			provider := strings.TrimPrefix(key, "instruction_native_enabled_")
			rs.InstructionNativeEnabled[provider] = parseBool(value)
		case strings.HasPrefix(key, "instruction_fallback_enabled_"):
			provider := strings.TrimPrefix(key, "instruction_fallback_enabled_")
			rs.InstructionFallbackEnabled[provider] = parseBool(value)
		}
	}
	return nil
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// parseList accepts a JSON array of strings or a comma-separated list.
func parseList(value string) []string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var items []string
		if err := json.Unmarshal([]byte(trimmed), &items); err == nil {
			return items
		}
	}
	var items []string
	for _, part := range strings.Split(trimmed, ",") {
		if p := strings.TrimSpace(part); p != "" {
			items = append(items, p)
		}
	}
	return items
}
