// Package contracts defines the collaborator interfaces consumed by the
// orchestration core.
//
// The core deliberately knows nothing about prompt construction, model
// providers, or knowledge indexing. All of that lives behind WorkHandler:
// the core creates jobs, streams their event logs, and governs their
// lifecycle, while a WorkHandler implementation produces the actual
// content. Swapping a research pipeline for a stub in tests is a single
// line in the wiring code.
package contracts

import (
	"context"
	"encoding/json"
	"time"

	"github.com/inquirylabs/inquiry/pkg/models"
)

// ── Work Handler ────────────────────────────────────────────

// ProgressFunc lets a work handler append an event to its job's log while
// running. The event ID assigned by the store is returned.
type ProgressFunc func(ctx context.Context, eventType string, payload json.RawMessage) (int64, error)

// JobCreator is the slice of the job lifecycle manager a work handler uses
// to start asynchronous work. Creation is idempotent on the key.
type JobCreator interface {
	Create(ctx context.Context, params json.RawMessage, idempotencyKey string, ttl time.Duration) (*models.Job, error)
}

// WorkHandler executes the actual research work for a job.
type WorkHandler interface {
	// HandleToolCall dispatches one tools/call. Long-running tools create
	// a job through the JobCreator the handler was wired with and return
	// its ID; lightweight tools return inline content, optionally with a
	// metrics object the session surfaces as one metrics.final frame.
	HandleToolCall(ctx context.Context, params *models.ToolCallParams) (*models.ToolCallResult, error)

	// Run executes a job created by HandleToolCall. Progress events go
	// through onProgress; the returned payload becomes the job's result.
	// A non-nil error fails the job.
	Run(ctx context.Context, params json.RawMessage, onProgress ProgressFunc) (json.RawMessage, error)

	// Tools describes the tools this handler backs, advertised through
	// tools/list.
	Tools() []models.ToolInfo
}

// ── Authorizer ──────────────────────────────────────────────

// Identity is an authenticated caller.
type Identity struct {
	User   string
	Scopes []string
}

// Authorizer gates session methods. A nil Authorizer in the wiring means
// every method is open (the zero-config single-user mode).
//
// Scope violations are session-level trust failures: the transport closes
// the connection with a forbidden code instead of erroring the single call.
type Authorizer interface {
	// Authenticate resolves the caller's identity from transport-level
	// credentials (headers, query params). Returning (nil, nil) means
	// anonymous.
	Authenticate(ctx context.Context, credentials map[string]string) (*Identity, error)

	// RequiredScopesFor returns the scopes a method demands. An empty
	// slice means the method is open.
	RequiredScopesFor(method string) []string

	// Enforce checks granted scopes against required ones. A non-nil
	// error means insufficient scope.
	Enforce(required, granted []string) error
}
