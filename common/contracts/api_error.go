package contracts

// API error codes mandated by the boundary contract. Providers may surface
// their own codes; these two are fixed.
const (
	CodeInvalidRequest = "invalid_request"
	CodeRAGUnavailable = "RAG_UNAVAILABLE_FOR_SELECTED_COLLECTIONS"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeInternalError  = "internal_error"
	CodeRateLimited    = "rate_limited"
)

// APIErrorBody is the error object inside an APIErrorEnvelope.
type APIErrorBody struct {
	ContractVersion string         `json:"contract_version"`
	Code            string         `json:"code"`
	Message         string         `json:"message"`
	Details         map[string]any `json:"details,omitempty"`
	RequestID       string         `json:"request_id"`
}

// APIErrorEnvelope is returned for every HTTP and socket error.
type APIErrorEnvelope struct {
	OK            bool         `json:"ok"`
	Error         APIErrorBody `json:"error"`
	CorrelationID string       `json:"correlation_id,omitempty"`
}

// NewAPIError builds an error envelope. OK is always false.
func NewAPIError(code, message, requestID string) *APIErrorEnvelope {
	return &APIErrorEnvelope{
		OK: false,
		Error: APIErrorBody{
			ContractVersion: ContractVersion,
			Code:            code,
			Message:         message,
			RequestID:       requestID,
		},
	}
}

// WithDetails attaches structured details to the envelope.
func (e *APIErrorEnvelope) WithDetails(details map[string]any) *APIErrorEnvelope {
	e.Error.Details = details
	return e
}

// WithCorrelationID attaches a correlation id to the envelope.
func (e *APIErrorEnvelope) WithCorrelationID(id string) *APIErrorEnvelope {
	e.CorrelationID = id
	return e
}
