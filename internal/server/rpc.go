package server

import (
	"bytes"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/copyleftdev/PRISM/internal/errors"
	"github.com/copyleftdev/PRISM/internal/experiment"
)

// JSON-RPC 2.0 error codes.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcServerError    = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jobParams struct {
	JobID string `json:"job_id"`
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, rpcParseError, "Parse error", nil)
		return
	}

	if request.JSONRPC != "2.0" || request.Method == "" {
		s.respondWithError(w, rpcInvalidRequest, "Invalid Request", request.ID)
		return
	}

	var (
		result interface{}
		err    error
	)
	switch request.Method {
	case "gradients.compute":
		var d experiment.Description
		if err = decodeParams(request.Params, &d); err == nil {
			result, err = s.computeGradients(r.Context(), &d)
		}
	case "refinement.start":
		var d experiment.Description
		if err = decodeParams(request.Params, &d); err == nil {
			result, err = s.startRefinement(&d)
		}
	case "refinement.status":
		var p jobParams
		if err = decodeParams(request.Params, &p); err == nil {
			result, err = s.refinementStatus(p.JobID)
		}
	case "refinement.cancel":
		var p jobParams
		if err = decodeParams(request.Params, &p); err == nil {
			err = s.cancelRefinement(p.JobID)
			result = map[string]string{"status": "cancellation requested"}
		}
	default:
		s.respondWithError(w, rpcMethodNotFound, "Method not found", request.ID)
		return
	}

	if err != nil {
		code := rpcServerError
		if apperrors.StatusOf(err) == http.StatusBadRequest {
			code = rpcInvalidParams
		}
		s.respondWithError(w, code, err.Error(), request.ID)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	})
}

// decodeParams decodes either a params object or the first element of a
// params array into v.
func decodeParams(raw json.RawMessage, v interface{}) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return apperrors.Wrap(err, "invalid params").WithStatus(http.StatusBadRequest)
		}
		if len(list) == 0 {
			raw = nil
		} else {
			raw = list[0]
		}
	}
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return apperrors.New("missing required parameters").WithStatus(http.StatusBadRequest)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.Wrap(err, "invalid params").WithStatus(http.StatusBadRequest)
	}
	return nil
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Debug("rpc error", zap.Int("code", code), zap.String("message", message))

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	})
}
