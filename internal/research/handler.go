// Package research provides the built-in work handler: a deep-research
// style tool that runs as a background job and streams progress events,
// plus a synchronous echo tool for connectivity checks. Deployments with
// real research backends supply their own contracts.WorkHandler.
package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inquirylabs/inquiry/pkg/contracts"
	"github.com/inquirylabs/inquiry/pkg/models"
)

// Handler implements contracts.WorkHandler.
type Handler struct {
	jobs     contracts.JobCreator
	stepTime time.Duration
}

// New creates the handler. stepTime controls how long each simulated
// research phase takes; tests pass something small.
func New(jobs contracts.JobCreator, stepTime time.Duration) *Handler {
	if stepTime <= 0 {
		stepTime = time.Second
	}
	return &Handler{jobs: jobs, stepTime: stepTime}
}

// SetJobCreator wires the job manager after construction. The manager and
// handler reference each other, so one side has to be set late.
func (h *Handler) SetJobCreator(jobs contracts.JobCreator) { h.jobs = jobs }

func (h *Handler) Tools() []models.ToolInfo {
	return []models.ToolInfo{
		{
			Name:        "research",
			Description: "Run a long-form research query as a background job and stream findings.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{"type": "string"},
					"depth": map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 10},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "echo",
			Description: "Return the input immediately. Connectivity check.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"message": map[string]interface{}{"type": "string"},
				},
				"required": []string{"message"},
			},
		},
	}
}

// HandleToolCall routes a tool invocation. Long-running tools create a
// job and return its ID; synchronous tools return content in-band with
// final metrics attached.
func (h *Handler) HandleToolCall(ctx context.Context, params *models.ToolCallParams) (*models.ToolCallResult, error) {
	switch params.Name {
	case "echo":
		return h.echo(params)
	case "research":
		return h.startResearch(ctx, params)
	default:
		return nil, fmt.Errorf("unknown tool %q", params.Name)
	}
}

func (h *Handler) echo(params *models.ToolCallParams) (*models.ToolCallResult, error) {
	var args struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return nil, fmt.Errorf("decode echo arguments: %w", err)
	}
	metrics, _ := json.Marshal(models.EventMetrics{
		TokenCount: len(strings.Fields(args.Message)),
	})
	return &models.ToolCallResult{
		Content: json.RawMessage(fmt.Sprintf(`{"message":%q}`, args.Message)),
		Metrics: metrics,
	}, nil
}

func (h *Handler) startResearch(ctx context.Context, params *models.ToolCallParams) (*models.ToolCallResult, error) {
	if h.jobs == nil {
		return nil, fmt.Errorf("job creation unavailable")
	}
	var args researchArgs
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return nil, fmt.Errorf("decode research arguments: %w", err)
	}
	if strings.TrimSpace(args.Query) == "" {
		return nil, fmt.Errorf("query is required")
	}

	ttl := time.Duration(params.IdempotencyTTLSeconds) * time.Second
	job, err := h.jobs.Create(ctx, params.Arguments, params.IdempotencyKey, ttl)
	if err != nil {
		return nil, fmt.Errorf("create research job: %w", err)
	}
	return &models.ToolCallResult{JobID: job.ID}, nil
}

type researchArgs struct {
	Query string `json:"query"`
	Depth int    `json:"depth"`
}

// Run executes a research job. It walks a fixed set of phases, emitting a
// progress event with token metrics per phase, and returns a summary.
func (h *Handler) Run(ctx context.Context, params json.RawMessage, onProgress contracts.ProgressFunc) (json.RawMessage, error) {
	var args researchArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, fmt.Errorf("decode job params: %w", err)
	}
	depth := args.Depth
	if depth < 1 {
		depth = 3
	}
	if depth > 10 {
		depth = 10
	}

	phases := []string{"scoping", "gathering", "synthesis"}
	tokens := 0
	for round := 0; round < depth; round++ {
		for _, phase := range phases {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(h.stepTime):
			}

			phaseTokens := 20 + 10*round
			tokens += phaseTokens
			payload, err := json.Marshal(map[string]interface{}{
				"phase":   phase,
				"round":   round + 1,
				"finding": fmt.Sprintf("%s notes for %q (round %d)", phase, args.Query, round+1),
				"metrics": models.EventMetrics{TokenCount: phaseTokens},
			})
			if err != nil {
				return nil, fmt.Errorf("encode progress: %w", err)
			}
			if _, err := onProgress(ctx, "research.progress", payload); err != nil {
				log.Warn().Err(err).Msg("Progress event append failed")
			}
		}
	}

	return json.Marshal(map[string]interface{}{
		"query":        args.Query,
		"rounds":       depth,
		"total_tokens": tokens,
		"summary":      fmt.Sprintf("research on %q finished after %d rounds", args.Query, depth),
	})
}
