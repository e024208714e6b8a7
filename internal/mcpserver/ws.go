package mcpserver

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HTTPHandler upgrades each incoming connection to a websocket and
// dispatches one JSON-RPC request per message, replying on the same
// connection — the HTTP+SSE-class transport named in spec.md §6.1,
// implemented over gorilla/websocket's full-duplex connection instead
// of a one-shot SSE stream since APE's verbs are all request/response.
// Each connection uses the session_id query parameter as its
// rate-limit bucket, or a fresh random session ID when none is given.
func (s *Server) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		sessionID := r.URL.Query().Get("session_id")
		if sessionID == "" {
			sessionID = uuid.New().String()
		}

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var req JSONRPCRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				s.writeWS(conn, JSONRPCResponse{
					JSONRPC: "2.0",
					Error:   &JSONRPCError{Code: ErrCodeParseError, Message: "parse error: " + err.Error()},
				})
				continue
			}

			resp := s.Dispatch(ctx, sessionID, req)
			s.writeWS(conn, resp)
		}
	}
}

func (s *Server) writeWS(conn *websocket.Conn, resp JSONRPCResponse) {
	if err := conn.WriteJSON(resp); err != nil {
		s.logger.Warn("websocket write failed", "error", err)
	}
}
