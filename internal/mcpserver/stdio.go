package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/Choapinus/ape/internal/registry"
)

// ServeStdio reads newline-delimited JSON-RPC requests from r and
// writes newline-delimited responses to w until r is exhausted or ctx
// is cancelled. sessionID identifies the caller for rate-limit
// purposes; a single stdio connection is treated as one session.
func (s *Server) ServeStdio(ctx context.Context, sessionID string, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), registry.MaxArgumentsSize)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req JSONRPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			resp := JSONRPCResponse{
				JSONRPC: "2.0",
				Error:   &JSONRPCError{Code: ErrCodeParseError, Message: "parse error: " + err.Error()},
			}
			if encErr := enc.Encode(resp); encErr != nil {
				return encErr
			}
			continue
		}

		resp := s.Dispatch(ctx, sessionID, req)
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		s.logger.Warn("stdio scan error", "error", err)
		return err
	}
	return nil
}
