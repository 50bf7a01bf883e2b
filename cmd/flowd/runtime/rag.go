package runtime

import (
	"context"
	"fmt"

	"github.com/llmctl/llmctl/common/clients"
	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/logger"
)

// RAG node modes.
const (
	RAGModeQuery      = "query"
	RAGModeFreshIndex = "fresh_index"
	RAGModeDeltaIndex = "delta_index"
)

// RAGService is the slice of the RAG client the handler needs.
type RAGService interface {
	Query(ctx context.Context, collections []string, questionPrompt string, topK int) ([]clients.RAGQueryResult, error)
	StartIndex(ctx context.Context, collection, mode string) (string, error)
}

// RAGHandler executes rag nodes. Service unavailability propagates as
// clients.ErrRAGUnavailable for the API boundary to map.
type RAGHandler struct {
	service RAGService
	log     *logger.Logger
}

func NewRAGHandler(service RAGService, log *logger.Logger) *RAGHandler {
	return &RAGHandler{service: service, log: log}
}

func (h *RAGHandler) NodeType() string { return contracts.NodeTypeRAG }

func (h *RAGHandler) Execute(ctx context.Context, in *NodeInput) (*NodeResult, error) {
	mode := in.Node.ConfigString("mode")
	if mode == "" {
		mode = RAGModeQuery
	}
	collections := in.Node.ConfigStrings("collections")
	if len(collections) == 0 {
		return nil, fmt.Errorf("%w: rag node needs at least one collection", contracts.ErrValidation)
	}

	switch mode {
	case RAGModeQuery:
		return h.query(ctx, in, collections)
	case RAGModeFreshIndex, RAGModeDeltaIndex:
		return h.index(ctx, in, collections, mode)
	default:
		return nil, fmt.Errorf("%w: unknown rag mode %q", contracts.ErrValidation, mode)
	}
}

func (h *RAGHandler) query(ctx context.Context, in *NodeInput, collections []string) (*NodeResult, error) {
	question := in.Node.ConfigString("question_prompt")
	if question == "" {
		return nil, fmt.Errorf("%w: rag query needs question_prompt", contracts.ErrValidation)
	}
	topK := in.Node.ConfigInt("top_k", 5)

	results, err := h.service.Query(ctx, collections, question, topK)
	if err != nil {
		return nil, err
	}

	chunks := make([]map[string]any, 0, len(results))
	for _, r := range results {
		chunks = append(chunks, map[string]any{
			"collection": r.Collection,
			"content":    r.Content,
			"score":      r.Score,
			"source_ref": r.SourceRef,
		})
	}
	return &NodeResult{
		OutputState: map[string]any{
			"node_type":    contracts.NodeTypeRAG,
			"mode":         RAGModeQuery,
			"results":      chunks,
			"result_count": len(chunks),
		},
	}, nil
}

func (h *RAGHandler) index(ctx context.Context, in *NodeInput, collections []string, mode string) (*NodeResult, error) {
	jobs := make([]map[string]any, 0, len(collections))
	for _, collection := range collections {
		jobRef, err := h.service.StartIndex(ctx, collection, mode)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, map[string]any{
			"collection": collection,
			"job_ref":    jobRef,
		})
	}

	h.log.Info("rag index pass submitted",
		"run_id", in.Run.ID.String(),
		"mode", mode,
		"collections", len(collections))
	return &NodeResult{
		OutputState: map[string]any{
			"node_type": contracts.NodeTypeRAG,
			"mode":      mode,
			"jobs":      jobs,
		},
	}, nil
}
