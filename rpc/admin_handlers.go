package rpc

import (
	"encoding/json"
	"net/http"

	"custos/crypto"
)

type arbitratorParams struct {
	Caller     string `json:"caller"`
	Arbitrator string `json:"arbitrator"`
}

type feeBpsParams struct {
	Caller      string `json:"caller"`
	BasisPoints uint32 `json:"basisPoints"`
}

type feeCollectorParams struct {
	Caller    string `json:"caller"`
	Collector string `json:"collector"`
}

type pauseParams struct {
	Caller string `json:"caller"`
	Paused bool   `json:"paused"`
}

type mintParams struct {
	Caller  string `json:"caller"`
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

func (s *Server) handleEscrowAddArbitrator(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	caller, arbitrator, ok := s.decodeArbitratorParams(w, req)
	if !ok {
		return
	}
	if err := s.node.EscrowAddArbitrator(caller, arbitrator); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.writeArbitrators(w, req.ID)
}

func (s *Server) handleEscrowRemoveArbitrator(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	caller, arbitrator, ok := s.decodeArbitratorParams(w, req)
	if !ok {
		return
	}
	if err := s.node.EscrowRemoveArbitrator(caller, arbitrator); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.writeArbitrators(w, req.ID)
}

func (s *Server) handleEscrowSetFeeBps(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params feeBpsParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.EscrowSetFeeBasisPoints(caller, params.BasisPoints); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.writeFeePolicy(w, req.ID)
}

func (s *Server) handleEscrowSetFeeCollector(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params feeCollectorParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	collector, err := parseBech32Address(params.Collector)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.EscrowSetFeeCollector(caller, collector); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.writeFeePolicy(w, req.ID)
}

func (s *Server) handleEscrowSetPaused(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params pauseParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.SetEscrowPaused(caller, params.Paused); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, struct {
		Paused bool `json:"paused"`
	}{Paused: s.node.EscrowPaused()})
}

func (s *Server) handleMint(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params mintParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.Mint(caller, addr, amount); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	account, err := s.node.GetAccount(addr[:])
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load account", err.Error())
		return
	}
	writeResult(w, req.ID, balanceJSON{
		Address: params.Address,
		Balance: account.Balance.String(),
	})
}

func (s *Server) decodeArbitratorParams(w http.ResponseWriter, req *RPCRequest) ([20]byte, [20]byte, bool) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "exactly one parameter object expected")
		return [20]byte{}, [20]byte{}, false
	}
	var params arbitratorParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return [20]byte{}, [20]byte{}, false
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return [20]byte{}, [20]byte{}, false
	}
	arbitrator, err := parseBech32Address(params.Arbitrator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return [20]byte{}, [20]byte{}, false
	}
	return caller, arbitrator, true
}

func (s *Server) writeArbitrators(w http.ResponseWriter, id interface{}) {
	arbitrators, err := s.node.EscrowArbitrators()
	if err != nil {
		writeEscrowError(w, id, err)
		return
	}
	results := make([]string, 0, len(arbitrators))
	for _, arb := range arbitrators {
		results = append(results, crypto.FormatAccount(arb))
	}
	writeResult(w, id, results)
}

func (s *Server) writeFeePolicy(w http.ResponseWriter, id interface{}) {
	policy, err := s.node.EscrowFeePolicy()
	if err != nil {
		writeEscrowError(w, id, err)
		return
	}
	writeResult(w, id, formatFeePolicyJSON(policy))
}
