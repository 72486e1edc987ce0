package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"glyphdb.dev/glyphdb/auth"
	"glyphdb.dev/glyphdb/expr"
	"glyphdb.dev/glyphdb/values"
)

const (
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsRequest is one client-sent frame: a statement batch to execute, the
// same shape as the HTTP /sql body.
type wsRequest struct {
	ID         string                     `json:"id,omitempty"`
	Statements []statementDTO             `json:"statements"`
	Params     map[string]json.RawMessage `json:"params,omitempty"`
}

// wsResponse is either a request's results (ID echoed back) or an
// unsolicited live-query notification (LiveID set, ID empty).
type wsResponse struct {
	ID      string           `json:"id,omitempty"`
	Results []queryResultDTO `json:"results,omitempty"`
	LiveID  string           `json:"liveId,omitempty"`
	Action  string           `json:"action,omitempty"`
	Result  values.Value     `json:"result,omitempty"`
}

// handleWebSocket upgrades to a WebSocket connection carrying the same
// statement-batch RPC as /sql, plus unsolicited push of live-query
// notifications (spec §6.4). Grounded on coordinator.go's
// read-loop/sender-loop/ping-loop split, generalized from a single
// outbound connection to a per-client connection fanning in both RPC
// replies and live-query pushes over one send channel.
func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	sess := sessionFrom(c)
	sendCh := make(chan wsResponse, 64)

	go s.wsSenderLoop(ctx, conn, sendCh)
	go s.wsPingLoop(ctx, conn)

	s.wsReadLoop(ctx, conn, sess, sendCh)
	return nil
}

// wsReadLoop reads client frames and runs each through the Engine,
// publishing results back on sendCh so wsSenderLoop is the sole writer to
// the connection (gorilla/websocket forbids concurrent writes).
func (s *Server) wsReadLoop(ctx context.Context, conn *websocket.Conn, sess *auth.Session, sendCh chan<- wsResponse) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.log.WithError(err).Warn("discarding malformed websocket frame")
			continue
		}
		stmts, err := statementsFromDTO(req.Statements)
		if err != nil {
			select {
			case sendCh <- wsResponse{ID: req.ID, Results: []queryResultDTO{{Error: err.Error()}}}:
			case <-ctx.Done():
				return
			}
			continue
		}
		params := make(map[string]values.Value, len(req.Params))
		for k, raw := range req.Params {
			var v values.Value
			if err := v.UnmarshalJSON(raw); err != nil {
				continue
			}
			params[k] = v
		}

		results := s.engine.Execute(ctx, stmts, sess, params)
		out := make([]queryResultDTO, len(results))
		for i, r := range results {
			out[i] = queryResultDTO{ElapsedMS: r.Elapsed.Milliseconds(), Value: r.Value}
			if r.Err != nil {
				out[i].Error = r.Err.Error()
			}
			if stmts[i].Kind == expr.StmtLive {
				s.wsTrackLiveQuery(ctx, r.Value, sendCh)
			}
		}
		select {
		case sendCh <- wsResponse{ID: req.ID, Results: out}:
		case <-ctx.Done():
			return
		}
	}
}

// wsSenderLoop is the connection's sole writer, serializing RPC replies
// and live-query pushes onto the wire in the order they are produced.
func (s *Server) wsSenderLoop(ctx context.Context, conn *websocket.Conn, sendCh <-chan wsResponse) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sendCh:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				s.log.WithError(err).Warn("websocket write failed")
				return
			}
		}
	}
}

func (s *Server) wsPingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// wsTrackLiveQuery starts fanning one freshly started LIVE query's
// notifications into sendCh. v is the UUID string startLiveQuery returned.
func (s *Server) wsTrackLiveQuery(ctx context.Context, v values.Value, sendCh chan<- wsResponse) {
	liveID, ok := v.AsString()
	if !ok || s.engine.Dispatcher == nil {
		return
	}
	ch, ok := s.engine.Dispatcher.Chan(liveID)
	if !ok {
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case n, open := <-ch:
				if !open {
					return
				}
				select {
				case sendCh <- wsResponse{LiveID: n.ID, Action: string(n.Action), Result: n.Result}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}
