package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/inquirylabs/inquiry/internal/protocol"
	"github.com/inquirylabs/inquiry/internal/session"
)

const maxRPCBodyBytes = 1 << 20

func marshalResponse(resp *protocol.Response) ([]byte, error) {
	return json.Marshal(resp)
}

// HTTPHandler serves JSON-RPC over plain HTTP. POST /rpc carries one
// request per body; GET /events attaches an SSE stream that receives the
// session's push frames. The two are correlated by the session ID the
// initialize response returns.
type HTTPHandler struct {
	core *session.Core

	mu       sync.Mutex
	sessions map[string]*httpSession
}

type httpSession struct {
	sess *session.Session
	conn *sseConn
}

// sseConn buffers push frames until an SSE subscriber attaches, then
// streams them. It satisfies session.Conn.
type sseConn struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

func newSSEConn() *sseConn {
	return &sseConn{ch: make(chan []byte, 256)}
}

func (c *sseConn) WriteBatch(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("event stream closed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case c.ch <- cp:
		return nil
	default:
		return fmt.Errorf("event stream backlogged")
	}
}

func (c *sseConn) CloseWithCode(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.ch)
	return nil
}

func NewHTTPHandler(core *session.Core) *HTTPHandler {
	return &HTTPHandler{
		core:     core,
		sessions: make(map[string]*httpSession),
	}
}

// HandleRPC processes one JSON-RPC request. The first call (initialize)
// creates the backing session; subsequent calls name it with the
// X-Session-ID header.
func (h *HTTPHandler) HandleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRPCBodyBytes))
	if err != nil {
		writeRPCError(w, protocol.CodeInvalidRequest, "request body unreadable", err.Error())
		return
	}

	hs, created, err := h.sessionFor(r)
	if err != nil {
		writeRPCError(w, protocol.CodeInternalError, "session setup failed", err.Error())
		return
	}

	resp, closeDir := hs.sess.HandleFrame(r.Context(), body)
	if closeDir != nil {
		h.drop(hs.sess.ID)
		hs.sess.Close(closeDir.Code, closeDir.Reason)
	}
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if created {
		w.Header().Set("X-Session-ID", hs.sess.ID)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Debug().Err(err).Msg("RPC response write failed")
	}
}

// HandleEvents attaches an SSE stream to an existing session.
func (h *HTTPHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	if id == "" {
		id = r.Header.Get("X-Session-ID")
	}

	h.mu.Lock()
	hs := h.sessions[id]
	h.mu.Unlock()
	if hs == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case batch, ok := <-hs.conn.ch:
			if !ok {
				return
			}
			// A batch is newline-delimited JSON; each line is one SSE event.
			for _, line := range splitLines(batch) {
				fmt.Fprintf(w, "data: %s\n\n", line)
			}
			flusher.Flush()
		}
	}
}

func (h *HTTPHandler) sessionFor(r *http.Request) (*httpSession, bool, error) {
	if id := r.Header.Get("X-Session-ID"); id != "" {
		h.mu.Lock()
		hs := h.sessions[id]
		h.mu.Unlock()
		if hs != nil {
			return hs, false, nil
		}
		return nil, false, fmt.Errorf("unknown session %q", id)
	}

	conn := newSSEConn()
	sess, err := h.core.NewSession(r.Context(), conn, credentialsFromRequest(r), false)
	if err != nil {
		return nil, false, err
	}
	hs := &httpSession{sess: sess, conn: conn}
	h.mu.Lock()
	h.sessions[sess.ID] = hs
	h.mu.Unlock()
	return hs, true, nil
}

func (h *HTTPHandler) drop(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

func writeRPCError(w http.ResponseWriter, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(protocol.NewErrorResponse(nil, code, message, data))
}

func splitLines(batch []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range batch {
		if b == '\n' {
			if i > start {
				lines = append(lines, batch[start:i])
			}
			start = i + 1
		}
	}
	if start < len(batch) {
		lines = append(lines, batch[start:])
	}
	return lines
}
