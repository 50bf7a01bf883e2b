package contracts

// RunMetadata is the on-wire dispatch record carried by every run node.
// Exactly these eleven keys appear in JSON; absent optional fields render as
// null, never omitted.
type RunMetadata struct {
	SelectedProvider   string  `json:"selected_provider"`
	FinalProvider      string  `json:"final_provider"`
	ProviderDispatchID *string `json:"provider_dispatch_id"`
	WorkspaceIdentity  string  `json:"workspace_identity"`
	DispatchStatus     string  `json:"dispatch_status"`
	FallbackAttempted  bool    `json:"fallback_attempted"`
	FallbackReason     *string `json:"fallback_reason"`
	DispatchUncertain  bool    `json:"dispatch_uncertain"`
	APIFailureCategory *string `json:"api_failure_category"`
	CLIFallbackUsed    bool    `json:"cli_fallback_used"`
	CLIPreflightPassed *bool   `json:"cli_preflight_passed"`
}

// NewRunMetadata returns metadata for a dispatch routed to provider, with
// final_provider mirroring the selection and every optional field null.
func NewRunMetadata(provider, workspaceIdentity string) *RunMetadata {
	return &RunMetadata{
		SelectedProvider:  provider,
		FinalProvider:     provider,
		WorkspaceIdentity: workspaceIdentity,
		DispatchStatus:    DispatchPending,
	}
}

// Map returns the on-wire representation with all eleven keys present.
func (m *RunMetadata) Map() map[string]any {
	return map[string]any{
		"selected_provider":    m.SelectedProvider,
		"final_provider":       m.FinalProvider,
		"provider_dispatch_id": nullable(m.ProviderDispatchID),
		"workspace_identity":   m.WorkspaceIdentity,
		"dispatch_status":      m.DispatchStatus,
		"fallback_attempted":   m.FallbackAttempted,
		"fallback_reason":      nullable(m.FallbackReason),
		"dispatch_uncertain":   m.DispatchUncertain,
		"api_failure_category": nullable(m.APIFailureCategory),
		"cli_fallback_used":    m.CLIFallbackUsed,
		"cli_preflight_passed": nullable(m.CLIPreflightPassed),
	}
}

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
