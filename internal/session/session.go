// Package session implements the per-connection protocol state machine:
// version negotiation, method dispatch, the authorization hook, and the
// bridge from job event logs to the wire via per-job monitors.
//
// A Session is transport-agnostic. Transports feed it inbound frames and
// give it a Conn for outbound writes; the session owns its flow-control
// engine and its set of job monitors.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/inquirylabs/inquiry/internal/config"
	"github.com/inquirylabs/inquiry/internal/flowcontrol"
	"github.com/inquirylabs/inquiry/internal/metrics"
	"github.com/inquirylabs/inquiry/internal/protocol"
	"github.com/inquirylabs/inquiry/internal/store"
	"github.com/inquirylabs/inquiry/pkg/contracts"
	"github.com/inquirylabs/inquiry/pkg/models"
)

// Conn is the transport-side half of a session: a sink for batched push
// frames plus the ability to terminate the connection with a close code.
type Conn interface {
	flowcontrol.Sink

	// CloseWithCode terminates the connection. Codes come from the
	// protocol package; transports map them onto their own close
	// mechanics.
	CloseWithCode(code int, reason string) error
}

// CloseDirective tells the transport to terminate the connection after
// delivering the accompanying response.
type CloseDirective struct {
	Code   int
	Reason string
}

// Core holds the collaborators shared by all sessions. It is constructed
// once at startup and passed by reference; there is no package-level
// session state.
type Core struct {
	Store      store.Store
	Handler    contracts.WorkHandler
	Authorizer contracts.Authorizer
	Collector  *metrics.Collector
	Protocol   config.ProtocolConfig
	Flow       config.FlowControlConfig
	ServerInfo models.ServerInfo

	registry *Registry
	dispatch map[string]handlerFunc
}

// handlerFunc handles one dispatched method. A non-nil CloseDirective
// terminates the session after the response is written.
type handlerFunc func(ctx context.Context, s *Session, req *protocol.Request) (interface{}, *protocol.Error, *CloseDirective)

// NewCore wires the session core and validates the dispatch table: every
// method name must have a non-nil handler, so an unknown method is a map
// miss answered uniformly rather than a structural surprise.
func NewCore(st store.Store, handler contracts.WorkHandler, authorizer contracts.Authorizer, collector *metrics.Collector, protoCfg config.ProtocolConfig, flowCfg config.FlowControlConfig, info models.ServerInfo) (*Core, error) {
	c := &Core{
		Store:      st,
		Handler:    handler,
		Authorizer: authorizer,
		Collector:  collector,
		Protocol:   protoCfg,
		Flow:       flowCfg,
		ServerInfo: info,
		registry:   NewRegistry(collector),
	}

	c.dispatch = map[string]handlerFunc{
		"tools/list":          handleToolsList,
		"tools/call":          handleToolsCall,
		"resources/list":      handleResourcesList,
		"resources/subscribe": handleResourcesSubscribe,
	}
	for method, fn := range c.dispatch {
		if fn == nil {
			return nil, fmt.Errorf("session: method %q registered without a handler", method)
		}
	}
	return c, nil
}

// Registry returns the session registry.
func (c *Core) Registry() *Registry { return c.registry }

// Session is one client connection's protocol state.
type Session struct {
	ID   string
	core *Core
	conn Conn

	engine *flowcontrol.Engine

	mu        sync.Mutex
	state     models.ProtocolState
	version   string
	caps      models.ClientCapabilities
	identity  *contracts.Identity
	monitors  map[string]*Monitor // key: job ID
	closed    bool
}

// NewSession creates a session in pre-init state and registers it. The
// credentials map carries transport-level auth material (headers, query
// params); authentication failures reject the connection outright.
// passThrough disables output batching for low-volume control transports.
func (c *Core) NewSession(ctx context.Context, conn Conn, credentials map[string]string, passThrough bool) (*Session, error) {
	var identity *contracts.Identity
	if c.Authorizer != nil {
		var err error
		identity, err = c.Authorizer.Authenticate(ctx, credentials)
		if err != nil {
			return nil, fmt.Errorf("authenticate session: %w", err)
		}
	}

	s := &Session{
		ID:       uuid.New().String(),
		core:     c,
		conn:     conn,
		state:    models.StatePreInit,
		identity: identity,
		monitors: make(map[string]*Monitor),
	}
	s.engine = flowcontrol.NewEngine(flowcontrol.Config{
		EMAHalfLife:      c.Flow.EMAHalfLife,
		BreakerThreshold: c.Flow.BreakerThreshold,
		BreakerCooldown:  c.Flow.BreakerCooldown,
		TargetTokenRate:  c.Flow.TargetTokenRate,
		MaxFlushInterval: c.Flow.MaxFlushInterval,
		MaxBufferBytes:   c.Flow.MaxBufferBytes,
		JitterRingSize:   c.Flow.JitterRingSize,
		JitterCeiling:    c.Flow.JitterCeiling,
		// Pacing disabled by configuration means direct writes, whatever
		// the transport asked for.
		PassThrough:  passThrough || c.Flow.TargetTokenRate <= 0,
		OnWriteError: s.onTransportError,
	}, conn, s.onBreakerChange)

	c.registry.Add(s)
	log.Debug().Str("session_id", s.ID).Msg("Session opened")
	return s, nil
}

// Engine exposes the session's flow-control engine to its monitors.
func (s *Session) Engine() *flowcontrol.Engine { return s.engine }

// State returns the protocol state.
func (s *Session) State() models.ProtocolState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ProtocolVersion returns the negotiated version (empty before initialize).
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// HandleFrame processes one inbound frame and returns the response to
// write, if any, plus an optional directive to close the connection.
func (s *Session) HandleFrame(ctx context.Context, frame []byte) (*protocol.Response, *CloseDirective) {
	req, perr := protocol.ParseRequest(frame)
	if perr != nil {
		return protocol.NewErrorResponse(nil, perr.Code, perr.Message, perr.Data), nil
	}
	return s.handleRequest(ctx, req)
}

func (s *Session) handleRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, *CloseDirective) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == models.StateClosed {
		return nil, nil
	}

	switch {
	case req.Method == "initialize":
		return s.handleInitialize(req)
	case req.Method == "ping":
		// Liveness probe, allowed in any state.
		return protocol.NewResponse(req.ID, map[string]string{"status": "pong"}), nil
	case state == models.StatePreInit:
		return protocol.NewErrorResponse(req.ID, protocol.CodeNotInitialized,
			"not initialized", "send initialize first"), nil
	}

	fn, ok := s.core.dispatch[req.Method]
	if !ok {
		return protocol.NewErrorResponse(req.ID, protocol.CodeMethodNotFound,
			"method not found", req.Method), nil
	}

	// Authorization hook. Insufficient scope closes the connection: a
	// scope violation is a session-level trust failure, not a bad call.
	if az := s.core.Authorizer; az != nil {
		required := az.RequiredScopesFor(req.Method)
		if len(required) > 0 {
			var granted []string
			if s.identity != nil {
				granted = s.identity.Scopes
			}
			if err := az.Enforce(required, granted); err != nil {
				log.Warn().
					Str("session_id", s.ID).
					Str("method", req.Method).
					Err(err).
					Msg("Session rejected: insufficient scope")
				return protocol.NewErrorResponse(req.ID, protocol.CodeForbidden, "forbidden", err.Error()),
					&CloseDirective{Code: protocol.CloseForbidden, Reason: "insufficient scope"}
			}
		}
	}

	result, rpcErr, closeDir := fn(ctx, s, req)
	if rpcErr != nil {
		return protocol.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data), closeDir
	}
	return protocol.NewResponse(req.ID, result), closeDir
}

// handleInitialize runs the version negotiation handshake.
func (s *Session) handleInitialize(req *protocol.Request) (*protocol.Response, *CloseDirective) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == models.StateInitialized {
		return protocol.NewErrorResponse(req.ID, protocol.CodeAlreadyInitialized,
			"already initialized", nil), nil
	}

	var params models.InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams,
				"invalid params", err.Error()), nil
		}
	}

	version := params.ProtocolVersion
	switch {
	case version == "":
		version = s.core.Protocol.DefaultProtocolVersion()
	case !s.core.Protocol.Supports(version):
		supported := strings.Join(s.core.Protocol.SupportedVersions, ", ")
		return protocol.NewErrorResponse(req.ID, protocol.CodeUnsupportedVersion,
				"unsupported protocol version",
				fmt.Sprintf("client proposed %q; supported versions: %s", version, supported)),
			&CloseDirective{Code: protocol.CloseProtocolViolation, Reason: "unsupported protocol version"}
	}

	s.state = models.StateInitialized
	s.version = version
	s.caps = params.Capabilities

	log.Info().
		Str("session_id", s.ID).
		Str("protocol_version", version).
		Msg("Session initialized")

	return protocol.NewResponse(req.ID, models.InitializeResult{
		ProtocolVersion: version,
		Capabilities: models.ServerCapabilities{
			Tools:     models.ToolsCapability{ListChanged: false},
			Resources: models.ResourcesCapability{Subscribe: true},
		},
		ServerInfo: s.core.ServerInfo,
		SessionID:  s.ID,
	}), nil
}

// ── Method handlers ─────────────────────────────────────────

func handleToolsList(_ context.Context, s *Session, _ *protocol.Request) (interface{}, *protocol.Error, *CloseDirective) {
	return map[string]interface{}{"tools": s.core.Handler.Tools()}, nil, nil
}

func handleToolsCall(ctx context.Context, s *Session, req *protocol.Request) (interface{}, *protocol.Error, *CloseDirective) {
	var params models.ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, &protocol.Error{Code: protocol.CodeInvalidParams, Message: "invalid params", Data: err.Error()}, nil
	}
	if params.Name == "" {
		return nil, &protocol.Error{Code: protocol.CodeInvalidParams, Message: "invalid params", Data: "tool name is required"}, nil
	}

	tracer := otel.Tracer("inquiry/session")
	ctx, span := tracer.Start(ctx, "tools/call")
	span.SetAttributes(attribute.String("tool.name", params.Name))
	defer span.End()

	result, err := s.core.Handler.HandleToolCall(ctx, &params)
	if err != nil {
		return nil, &protocol.Error{Code: protocol.CodeInternalError, Message: "tool call failed", Data: err.Error()}, nil
	}

	switch {
	case result.JobID != "":
		span.SetAttributes(attribute.String("job.id", result.JobID))
		if err := s.StartJobMonitoring(result.JobID, params.SinceEventID); err != nil {
			log.Warn().Err(err).
				Str("session_id", s.ID).
				Str("job_id", result.JobID).
				Msg("Failed to start job monitor")
		}
	case len(result.Metrics) > 0:
		// No job to follow: surface the in-band metrics as one final frame.
		s.Push(models.FrameMetricsFinal, result.Metrics)
	}
	return result, nil, nil
}

func handleResourcesList(ctx context.Context, s *Session, _ *protocol.Request) (interface{}, *protocol.Error, *CloseDirective) {
	statuses := []models.JobStatus{models.JobQueued, models.JobProcessing}
	resources := make([]models.ResourceInfo, 0, 8)
	for _, status := range statuses {
		jobList, err := s.core.Store.ListJobsByStatus(ctx, status, 100)
		if err != nil {
			return nil, &protocol.Error{Code: protocol.CodeInternalError, Message: "internal error", Data: err.Error()}, nil
		}
		for _, job := range jobList {
			resources = append(resources, models.ResourceInfo{
				URI:         "job://" + job.ID,
				Name:        job.ID,
				Description: "job in status " + string(job.Status),
			})
		}
	}
	return map[string]interface{}{"resources": resources}, nil, nil
}

func handleResourcesSubscribe(ctx context.Context, s *Session, req *protocol.Request) (interface{}, *protocol.Error, *CloseDirective) {
	var params models.SubscribeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, &protocol.Error{Code: protocol.CodeInvalidParams, Message: "invalid params", Data: err.Error()}, nil
	}
	jobID := strings.TrimPrefix(params.JobID, "job://")
	if jobID == "" {
		return nil, &protocol.Error{Code: protocol.CodeInvalidParams, Message: "invalid params", Data: "job_id is required"}, nil
	}

	if _, err := s.core.Store.GetJob(ctx, jobID); err != nil {
		if store.IsNotFound(err) {
			return nil, &protocol.Error{Code: protocol.CodeInvalidParams, Message: "unknown job", Data: jobID}, nil
		}
		return nil, &protocol.Error{Code: protocol.CodeInternalError, Message: "internal error", Data: err.Error()}, nil
	}

	if err := s.StartJobMonitoring(jobID, params.SinceEventID); err != nil {
		return nil, &protocol.Error{Code: protocol.CodeInternalError, Message: "internal error", Data: err.Error()}, nil
	}
	return map[string]interface{}{"subscribed": jobID}, nil, nil
}

// ── Push path ───────────────────────────────────────────────

// Push marshals a tagged event frame and hands it to the flow-control
// engine. Encoding failures are logged and swallowed: telemetry problems
// must never interrupt delivery of anything else.
func (s *Session) Push(frameType string, payload interface{}) {
	raw, err := toRaw(payload)
	if err != nil {
		log.Warn().Err(err).Str("session_id", s.ID).Str("frame", frameType).Msg("Failed to encode push frame")
		return
	}
	frame, err := json.Marshal(models.EventFrame{
		Type:      frameType,
		SessionID: s.ID,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	})
	if err != nil {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("Failed to encode push envelope")
		return
	}
	s.core.Collector.FramesEnqueued.Inc()
	// Send failures surface through the engine's write-error callback,
	// which also covers timer-driven flushes.
	_ = s.engine.Send(frame)
}

func toRaw(payload interface{}) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}

// onBreakerChange surfaces circuit-breaker transitions to the client and
// the metrics collector.
func (s *Session) onBreakerChange(open bool, snap flowcontrol.Snapshot) {
	if open {
		s.core.Collector.BreakerTrips.Inc()
	}
	payload, err := json.Marshal(map[string]interface{}{
		"open":     open,
		"snapshot": snap,
	})
	if err != nil {
		return
	}
	frame, err := json.Marshal(models.EventFrame{
		Type:      models.FrameMetricsBreaker,
		SessionID: s.ID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	// Bypass the batcher: breaker transitions are control traffic and the
	// batcher may be suppressed while open.
	if err := s.conn.WriteBatch(append(frame, '\n')); err != nil {
		log.Debug().Err(err).Str("session_id", s.ID).Msg("Breaker notification write failed")
	}
}

// onTransportError marks the session disconnected and stops its monitors.
// The underlying jobs are untouched. Teardown runs on its own goroutine:
// the failing write may originate inside a monitor loop, and Close joins
// every monitor.
func (s *Session) onTransportError(err error) {
	log.Warn().Err(err).Str("session_id", s.ID).Msg("Transport write failed, closing session")
	go s.Close(0, "")
}

// ── Monitors & teardown ─────────────────────────────────────

// StartJobMonitoring begins polling the job's event log for this session.
// A second subscription to the same job is a no-op.
func (s *Session) StartJobMonitoring(jobID string, sinceEventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("session %s is closed", s.ID)
	}
	if _, ok := s.monitors[jobID]; ok {
		return nil
	}

	mon := newMonitor(s, jobID, sinceEventID, s.core.Protocol.MonitorPollInterval, s.core.Protocol.MonitorBatchSize)
	s.monitors[jobID] = mon
	mon.start()
	s.core.Collector.MonitorsActive.Inc()
	return nil
}

// monitorDone deregisters a finished monitor.
func (s *Session) monitorDone(jobID string) {
	s.mu.Lock()
	if _, ok := s.monitors[jobID]; ok {
		delete(s.monitors, jobID)
		s.core.Collector.MonitorsActive.Dec()
	}
	s.mu.Unlock()
}

// MonitorCount returns the number of running monitors.
func (s *Session) MonitorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitors)
}

// Close stops all monitors, shuts the flow-control engine, and (when code
// is non-zero) closes the underlying connection with that code. Closing a
// session never touches the jobs it was watching.
func (s *Session) Close(code int, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = models.StateClosed
	monitors := make([]*Monitor, 0, len(s.monitors))
	for _, m := range s.monitors {
		monitors = append(monitors, m)
	}
	s.monitors = make(map[string]*Monitor)
	s.mu.Unlock()

	for _, m := range monitors {
		m.stop()
		s.core.Collector.MonitorsActive.Dec()
	}
	s.engine.Close()
	s.core.registry.Remove(s.ID)

	if code != 0 {
		if err := s.conn.CloseWithCode(code, reason); err != nil {
			log.Debug().Err(err).Str("session_id", s.ID).Msg("Connection close failed")
		}
	}
	log.Debug().Str("session_id", s.ID).Msg("Session closed")
}
