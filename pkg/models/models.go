// Package models defines the shared data types for the Inquiry orchestrator:
// jobs, job events, sessions, and the wire envelopes exchanged with clients.
package models

import (
	"encoding/json"
	"time"
)

// ── Jobs ────────────────────────────────────────────────────

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCanceled   JobStatus = "canceled"
)

// Terminal reports whether the status is a terminal state. Terminal jobs
// are never re-activated.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCanceled
}

// Job is one asynchronous research task tracked by the orchestrator.
//
// Status transitions are monotonic: queued → processing → one of
// completed/failed/canceled. The idempotency key, when set, collapses
// duplicate creation requests into this job until the key expires.
type Job struct {
	ID                   string          `json:"id"`
	Status               JobStatus       `json:"status"`
	Params               json.RawMessage `json:"params,omitempty"`
	IdempotencyKey       string          `json:"idempotency_key,omitempty"`
	IdempotencyExpiresAt *time.Time      `json:"idempotency_expires_at,omitempty"`
	Result               json.RawMessage `json:"result,omitempty"`
	Error                string          `json:"error,omitempty"`
	HeartbeatAt          *time.Time      `json:"heartbeat_at,omitempty"`
	StartedAt            *time.Time      `json:"started_at,omitempty"`
	FinishedAt           *time.Time      `json:"finished_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// JobEvent is one entry in a job's append-only event log.
//
// IDs are assigned by the store: monotonically increasing and gap-free
// within a job. A consumer's cursor is the last ID it has seen.
type JobEvent struct {
	ID        int64           `json:"id"`
	JobID     string          `json:"job_id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Well-known job event types emitted by the lifecycle manager. Work
// handlers may emit any additional types; monitors forward them untouched.
const (
	EventJobCompleted = "job.completed"
	EventJobError     = "job.error"
	EventJobCanceled  = "job.canceled"
)

// EventMetrics is the optional metrics object carried in an event payload.
// Monitors feed it to the session's flow-control engine before forwarding
// the event frame itself.
type EventMetrics struct {
	TokenCount   int      `json:"token_count,omitempty"`
	CadenceError *float64 `json:"cadence_error,omitempty"`
}

// eventPayloadEnvelope is the slice of an event payload the monitor
// inspects. Everything else in the payload is opaque.
type eventPayloadEnvelope struct {
	Metrics *EventMetrics `json:"metrics,omitempty"`
}

// ExtractMetrics returns the metrics object embedded in an event payload,
// or nil when the payload carries none (or is not a JSON object).
func (e *JobEvent) ExtractMetrics() *EventMetrics {
	if len(e.Payload) == 0 {
		return nil
	}
	var env eventPayloadEnvelope
	if err := json.Unmarshal(e.Payload, &env); err != nil {
		return nil
	}
	return env.Metrics
}

// ── Sessions ────────────────────────────────────────────────

// ProtocolState is the session handshake state.
type ProtocolState string

const (
	StatePreInit     ProtocolState = "pre-init"
	StateInitialized ProtocolState = "initialized"
	StateClosed      ProtocolState = "closed"
)

// ClientCapabilities is the opaque capability set a client declares during
// initialize. The orchestrator records it and makes it available to tools.
type ClientCapabilities map[string]json.RawMessage

// InitializeParams is the payload of the initialize request.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion,omitempty"`
	Capabilities    ClientCapabilities `json:"capabilities,omitempty"`
}

// InitializeResult is the payload of a successful initialize response.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
	SessionID       string             `json:"sessionId"`
}

// ServerCapabilities advertises what this server supports.
type ServerCapabilities struct {
	Tools     ToolsCapability     `json:"tools"`
	Resources ResourcesCapability `json:"resources"`
}

type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

type ResourcesCapability struct {
	Subscribe bool `json:"subscribe"`
}

// ServerInfo identifies the server in the initialize handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ── Tools & resources ───────────────────────────────────────

// ToolInfo describes one tool exposed through tools/list.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

// ToolCallParams is the payload of a tools/call request.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	// IdempotencyKey collapses duplicate calls into one job while the
	// key is unexpired. TTL is in seconds; zero means no expiry.
	IdempotencyKey        string `json:"idempotency_key,omitempty"`
	IdempotencyTTLSeconds int    `json:"idempotency_ttl_seconds,omitempty"`
	// SinceEventID lets a client resume a job's event feed from a cursor
	// instead of replaying from the start.
	SinceEventID int64 `json:"since_event_id,omitempty"`
}

// ToolCallResult is what a tool call returns. When JobID is set the session
// starts monitoring that job; otherwise an in-band Metrics object, if
// present, is emitted as a single metrics.final frame.
type ToolCallResult struct {
	JobID   string          `json:"job_id,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	Metrics json.RawMessage `json:"metrics,omitempty"`
}

// ResourceInfo describes one resource exposed through resources/list.
type ResourceInfo struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// SubscribeParams is the payload of a resources/subscribe request.
type SubscribeParams struct {
	JobID        string `json:"job_id"`
	SinceEventID int64  `json:"since_event_id,omitempty"`
}

// ── Push envelope ───────────────────────────────────────────

// Push frame types delivered outside the request/response cycle.
const (
	FrameJobEvent       = "job.event"
	FrameJobCompleted   = "job.completed"
	FrameJobError       = "job.error"
	FrameMetricsUpdate  = "metrics.update"
	FrameMetricsBreaker = "metrics.circuit_breaker"
	FrameMetricsFinal   = "metrics.final"
)

// EventFrame is the tagged envelope for asynchronous push frames.
type EventFrame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
