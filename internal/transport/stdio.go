package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/inquirylabs/inquiry/internal/session"
)

const stdioMaxLineBytes = 4 << 20

// stdioConn writes newline-delimited JSON to a single writer. Batches
// arrive already newline-terminated, so writes are a straight copy.
type stdioConn struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *stdioConn) WriteBatch(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		_, err := c.w.Write([]byte{'\n'})
		return err
	}
	return nil
}

func (c *stdioConn) CloseWithCode(code int, reason string) error {
	if code != 0 {
		// No socket to close; report the close as a final line.
		return c.WriteBatch([]byte(fmt.Sprintf(`{"closed":true,"code":%d,"reason":%q}`, code, reason)))
	}
	return nil
}

// StdioServer runs one session over a reader/writer pair, one JSON-RPC
// request per input line. Output batching is disabled: a local pipe has
// no cadence to pace, and callers expect responses promptly.
type StdioServer struct {
	core *session.Core
	in   io.Reader
	out  io.Writer
}

func NewStdioServer(core *session.Core, in io.Reader, out io.Writer) *StdioServer {
	return &StdioServer{core: core, in: in, out: out}
}

// Run serves until the input closes or ctx is canceled.
func (s *StdioServer) Run(ctx context.Context) error {
	conn := &stdioConn{w: s.out}
	sess, err := s.core.NewSession(ctx, conn, nil, true)
	if err != nil {
		return fmt.Errorf("open stdio session: %w", err)
	}
	defer sess.Close(0, "")

	log.Info().Str("session_id", sess.ID).Msg("Stdio session started")

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), stdioMaxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp, closeDir := sess.HandleFrame(ctx, line)
		if resp != nil {
			data, err := marshalResponse(resp)
			if err != nil {
				log.Error().Err(err).Msg("Response encoding failed")
				continue
			}
			if err := conn.WriteBatch(data); err != nil {
				return fmt.Errorf("write response: %w", err)
			}
		}
		if closeDir != nil {
			sess.Close(closeDir.Code, closeDir.Reason)
			return nil
		}
	}
	return scanner.Err()
}
