package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/agentblob/agentblob/internal/protocol"
)

const handshakeTimeout = 10 * time.Second

// wsConn adapts a websocket connection into an EventSink with serialized
// writes.
type wsConn struct {
	conn    *websocket.Conn
	channel string
	ctx     context.Context
	writeMu sync.Mutex
}

func (c *wsConn) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func (c *wsConn) SendEvent(ev protocol.Event) error { return c.send(ev) }

// Handler returns the HTTP handler: /health plus the /ws upgrade endpoint.
func (g *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/ws", g.handleWS)
	return mux
}

func (g *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(g.Status())
}

type connectParams struct {
	Version    string `json:"version"`
	ClientType string `json:"clientType"`
	DeviceID   string `json:"deviceId"`
	LastSeq    uint64 `json:"lastSeq"`
}

func (g *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	ctx := r.Context()
	wc := &wsConn{conn: conn, ctx: ctx}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Handshake: the first frame must be a connect request with a compatible
	// protocol version; anything else closes the connection.
	handshakeCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	req, err := readRequest(handshakeCtx, conn)
	cancel()
	if err != nil {
		_ = wc.send(protocol.NewErrorResponse("unknown", fmt.Errorf("invalid request: %w", protocol.ErrProtocol)))
		_ = conn.Close(websocket.StatusPolicyViolation, "bad handshake")
		return
	}
	if req.Method != protocol.MethodConnect {
		_ = wc.send(protocol.NewErrorResponse(req.ID, fmt.Errorf("first frame must be connect: %w", protocol.ErrProtocol)))
		_ = conn.Close(websocket.StatusPolicyViolation, "bad handshake")
		return
	}
	var params connectParams
	_ = json.Unmarshal(req.Params, &params)
	if params.Version != protocol.Version {
		_ = wc.send(protocol.NewErrorResponse(req.ID, fmt.Errorf("unsupported protocol version %q: %w", params.Version, protocol.ErrProtocol)))
		_ = conn.Close(websocket.StatusPolicyViolation, "version mismatch")
		return
	}
	channel := params.DeviceID
	if channel == "" {
		channel = "anon_" + req.ID
	}
	wc.channel = channel

	if err := wc.send(protocol.NewResponse(req.ID, map[string]any{
		"gatewayVersion": g.Version,
		"supportedMethods": []string{
			protocol.MethodAgent, protocol.MethodRunStop, protocol.MethodPermissionRespond,
			protocol.MethodMemorySearch, protocol.MethodMemoryList, protocol.MethodMemoryDelete, protocol.MethodMemoryPin,
			protocol.MethodSchedulesList, protocol.MethodSchedulesCreate, protocol.MethodSchedulesUpdate, protocol.MethodSchedulesDelete,
			protocol.MethodWorkersList, protocol.MethodStatus,
		},
	})); err != nil {
		return
	}

	g.AttachSink(channel, wc)
	defer g.DetachSink(channel, wc)
	g.logger().Info("client connected", "channel", channel, "client_type", params.ClientType)

	if params.LastSeq > 0 {
		g.Replay(ctx, channel, params.LastSeq, wc)
	}

	for {
		req, err := readRequest(ctx, conn)
		if err != nil {
			// Malformed JSON or a dropped transport: close; events keep
			// logging and replay covers the gap on reconnect.
			return
		}
		resp := g.dispatch(ctx, wc.channel, req)
		if err := wc.send(resp); err != nil {
			return
		}
	}
}

func readRequest(ctx context.Context, conn *websocket.Conn) (protocol.Request, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return protocol.Request{}, err
	}
	var req protocol.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return protocol.Request{}, fmt.Errorf("malformed frame: %w", err)
	}
	if req.Type != protocol.FrameRequest || req.ID == "" || req.Method == "" {
		return protocol.Request{}, fmt.Errorf("not a request frame")
	}
	return req, nil
}
