package skills

// AdapterKind identifies how a resolved skill set reaches the provider.
type AdapterKind string

const (
	AdapterCodex          AdapterKind = "codex"
	AdapterClaudeCode     AdapterKind = "claude_code"
	AdapterGeminiCLI      AdapterKind = "gemini_cli"
	AdapterPromptFallback AdapterKind = "prompt_fallback"
)

// Adapter describes the materialization strategy for one provider. Native
// adapters get a second copy of the tree under their expected home.
type Adapter struct {
	Kind   AdapterKind
	Native bool
	Home   string
}

// AdapterFor maps a provider name to its adapter. Unknown providers fall
// back to prompt attachment.
func AdapterFor(provider string) Adapter {
	switch provider {
	case "codex":
		return Adapter{Kind: AdapterCodex, Native: true, Home: ".codex/skills"}
	case "claude":
		return Adapter{Kind: AdapterClaudeCode, Native: true, Home: ".claude/skills"}
	case "gemini":
		return Adapter{Kind: AdapterGeminiCLI, Native: true, Home: ".gemini/skills"}
	default:
		return Adapter{Kind: AdapterPromptFallback}
	}
}
