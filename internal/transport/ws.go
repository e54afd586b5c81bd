// Package transport binds sessions to their wire carriers: WebSocket for
// interactive clients, HTTP POST plus SSE for request/response callers,
// and stdio for local tooling.
package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/inquirylabs/inquiry/internal/session"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsReadTimeout    = 120 * time.Second
	wsPingInterval   = 30 * time.Second
	wsMaxFrameBytes  = 1 << 20
	wsReadRateLimit  = 50 // frames per second per connection
	wsReadRateBurst  = 100
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn wraps a websocket connection as a session.Conn. gorilla conns
// allow one concurrent writer, so every write path funnels through mu.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteBatch(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) CloseWithCode(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
	return c.conn.Close()
}

func (c *wsConn) writeResponse(data []byte) error {
	return c.WriteBatch(data)
}

// WebSocketHandler upgrades HTTP requests into sessions.
type WebSocketHandler struct {
	core *session.Core
}

func NewWebSocketHandler(core *session.Core) *WebSocketHandler {
	return &WebSocketHandler{core: core}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	conn := &wsConn{conn: ws}
	credentials := credentialsFromRequest(r)

	sess, err := h.core.NewSession(r.Context(), conn, credentials, false)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Session rejected")
		_ = conn.CloseWithCode(websocket.ClosePolicyViolation, "authentication failed")
		return
	}
	defer sess.Close(0, "")

	log.Info().
		Str("session_id", sess.ID).
		Str("remote", r.RemoteAddr).
		Msg("WebSocket session connected")

	ws.SetReadLimit(wsMaxFrameBytes)
	ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	stopPings := startPinger(conn)
	defer stopPings()

	limiter := rate.NewLimiter(rate.Limit(wsReadRateLimit), wsReadRateBurst)

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("session_id", sess.ID).Msg("WebSocket read error")
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(wsReadTimeout))

		if err := limiter.Wait(r.Context()); err != nil {
			return
		}

		resp, closeDir := sess.HandleFrame(r.Context(), frame)
		if resp != nil {
			data, err := marshalResponse(resp)
			if err != nil {
				log.Error().Err(err).Str("session_id", sess.ID).Msg("Response encoding failed")
				continue
			}
			if err := conn.writeResponse(data); err != nil {
				return
			}
		}
		if closeDir != nil {
			sess.Close(closeDir.Code, closeDir.Reason)
			return
		}
	}
}

// startPinger keeps the connection's read deadline honest on quiet links.
func startPinger(c *wsConn) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.mu.Lock()
				c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				err := c.conn.WriteMessage(websocket.PingMessage, nil)
				c.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// credentialsFromRequest extracts transport auth material. Header takes
// precedence over the query parameter.
func credentialsFromRequest(r *http.Request) map[string]string {
	creds := make(map[string]string)
	if v := r.Header.Get("Authorization"); v != "" {
		creds["authorization"] = v
	}
	if v := r.Header.Get("X-API-Key"); v != "" {
		creds["api_key"] = v
	} else if v := r.URL.Query().Get("api_key"); v != "" {
		creds["api_key"] = v
	}
	return creds
}
