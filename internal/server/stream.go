package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/steer/internal/logging"
	"github.com/wudi/steer/internal/realtime/session"
)

// streamTransport is a newline-delimited JSON transport over a hijacked TCP
// connection. One frame per line, both directions.
type streamTransport struct {
	conn net.Conn
	br   *bufio.Reader

	writeMu sync.Mutex
}

func newStreamTransport(conn net.Conn, br *bufio.Reader) *streamTransport {
	return &streamTransport{conn: conn, br: br}
}

func (t *streamTransport) Send(ctx context.Context, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
	} else {
		t.conn.SetWriteDeadline(time.Time{})
	}
	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, data...)
	frame = append(frame, '\n')
	_, err := t.conn.Write(frame)
	return err
}

func (t *streamTransport) Receive() ([]byte, error) {
	line, err := t.br.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	// Strip the delimiter and an optional CR.
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}

func (t *streamTransport) Close() error {
	return t.conn.Close()
}

// handleStream upgrades the request to a raw streaming connection via HTTP
// hijack and hands it to the session manager. Query parameters: tenant_id
// (required) and connection_id (optional, resumes a previous session).
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	connID := r.URL.Query().Get("connection_id")

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	conn, buf, err := hijacker.Hijack()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "hijack failed")
		return
	}
	// The server's listener timeouts no longer apply to a hijacked conn.
	conn.SetDeadline(time.Time{})

	buf.WriteString("HTTP/1.1 101 Switching Protocols\r\nUpgrade: steer-stream\r\nConnection: Upgrade\r\n\r\n")
	if err := buf.Flush(); err != nil {
		conn.Close()
		return
	}

	tr := newStreamTransport(conn, buf.Reader)
	c, err := s.sessions.Open(r.Context(), tenantID, connID, tr)
	if err != nil {
		logging.Warn("Stream open refused",
			zap.String("tenant", tenantID), zap.Error(err))
		conn.Close()
		return
	}

	// Tell the client which connection ID it got, so it can resume later.
	data, _ := json.Marshal(map[string]string{"connection_id": c.ID})
	hello := session.Envelope{
		ID:        c.ID,
		Type:      "session",
		Timestamp: s.clk.NowUTC().Format(time.RFC3339Nano),
		Data:      data,
		TenantID:  tenantID,
	}
	if b, merr := json.Marshal(hello); merr == nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Realtime.SendDeadline)
		tr.Send(ctx, b)
		cancel()
	}
}
