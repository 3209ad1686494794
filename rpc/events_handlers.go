package rpc

import (
	"encoding/json"
	"net/http"

	"custos/core"
)

type eventsSinceParams struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type eventsSinceResult struct {
	Events     []eventEntryJSON `json:"events"`
	NextCursor string           `json:"nextCursor"`
}

func (s *Server) handleEscrowListEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params escrowIDParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if _, err := s.node.EscrowGet(uint64(params.ID)); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	entries, err := s.node.EscrowEvents(uint64(params.ID))
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatEventEntries(entries))
}

func (s *Server) handleEventsSince(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params eventsSinceParams
	if len(req.Params) > 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "at most one parameter object expected", nil)
		return
	}
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
			return
		}
	}
	entries, next, err := s.node.EventsSince(params.Cursor, params.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to read event journal", err.Error())
		return
	}
	writeResult(w, req.ID, eventsSinceResult{
		Events:     formatEventEntries(entries),
		NextCursor: next,
	})
}

func formatEventEntries(entries []core.EventEntry) []eventEntryJSON {
	results := make([]eventEntryJSON, 0, len(entries))
	for _, entry := range entries {
		results = append(results, formatEventEntry(entry))
	}
	return results
}
