package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"custos/crypto"
	"custos/native/common"
	"custos/native/escrow"
	"custos/observability"
)

const (
	codeEscrowInvalidParams = -32021
	codeEscrowNotFound      = -32022
	codeEscrowForbidden     = -32023
	codeEscrowConflict      = -32024
	codeEscrowInternal      = -32025
	codeEscrowPaused        = -32026
)

type escrowCreateParams struct {
	Buyer  string `json:"buyer"`
	Seller string `json:"seller"`
	Amount string `json:"amount"`
}

type escrowIDParams struct {
	ID uint64Param `json:"id"`
}

type escrowActorParams struct {
	ID     uint64Param `json:"id"`
	Caller string      `json:"caller"`
}

type escrowEvidenceParams struct {
	ID       uint64Param `json:"id"`
	Caller   string      `json:"caller"`
	Evidence string      `json:"evidence,omitempty"`
}

type escrowResolveParams struct {
	ID           uint64Param `json:"id"`
	Caller       string      `json:"caller"`
	Resolution   string      `json:"resolution"`
	RefundAmount string      `json:"refundAmount,omitempty"`
}

type escrowAccountParams struct {
	Address string `json:"address"`
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if !s.guardWrite(w, r, req) {
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params escrowCreateParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	buyer, err := parseBech32Address(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	seller, err := parseBech32Address(params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	tx, err := s.node.EscrowCreate(buyer, seller, amount)
	observability.Escrow().ObserveTransition("create", err)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatTransactionJSON(tx))
}

func (s *Server) handleEscrowConfirmDelivery(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	params, ok := s.decodeActorParams(w, r, req)
	if !ok {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	err = s.node.EscrowConfirmDelivery(uint64(params.ID), caller)
	observability.Escrow().ObserveTransition("confirm_delivery", err)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.writeTransaction(w, req.ID, uint64(params.ID))
}

func (s *Server) handleEscrowRelease(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	params, ok := s.decodeActorParams(w, r, req)
	if !ok {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	err = s.node.EscrowRelease(uint64(params.ID), caller)
	observability.Escrow().ObserveTransition("release", err)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	observability.Escrow().RecordSettlement("released")
	s.writeTransaction(w, req.ID, uint64(params.ID))
}

func (s *Server) handleEscrowDispute(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if !s.guardWrite(w, r, req) {
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params escrowEvidenceParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	evidence, err := parseEvidenceHex(params.Evidence)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	err = s.node.EscrowDispute(uint64(params.ID), caller, evidence)
	observability.Escrow().ObserveTransition("dispute", err)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.writeTransaction(w, req.ID, uint64(params.ID))
}

func (s *Server) handleEscrowSubmitEvidence(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if !s.guardWrite(w, r, req) {
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params escrowEvidenceParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	evidence, err := parseEvidenceHex(params.Evidence)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if len(evidence) == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "evidence required")
		return
	}
	err = s.node.EscrowSubmitEvidence(uint64(params.ID), caller, evidence)
	observability.Escrow().ObserveTransition("submit_evidence", err)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.writeTransaction(w, req.ID, uint64(params.ID))
}

func (s *Server) handleEscrowResolve(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if !s.guardWrite(w, r, req) {
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params escrowResolveParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	resolution, err := escrow.ParseResolution(strings.TrimSpace(params.Resolution))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	var refund *big.Int
	if strings.TrimSpace(params.RefundAmount) != "" {
		refund, err = parsePositiveBigInt(params.RefundAmount)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	err = s.node.EscrowResolve(uint64(params.ID), caller, resolution, refund)
	observability.Escrow().ObserveTransition("resolve", err)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	observability.Escrow().RecordSettlement(resolution.String())
	s.writeTransaction(w, req.ID, uint64(params.ID))
}

func (s *Server) handleEscrowClaimExpired(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	params, ok := s.decodeActorParams(w, r, req)
	if !ok {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	err = s.node.EscrowClaimExpired(uint64(params.ID), caller)
	observability.Escrow().ObserveTransition("claim_expired", err)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	observability.Escrow().RecordSettlement("expired")
	s.writeTransaction(w, req.ID, uint64(params.ID))
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params escrowIDParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	tx, err := s.node.EscrowGet(uint64(params.ID))
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatTransactionJSON(tx))
}

func (s *Server) handleEscrowListByAccount(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params escrowAccountParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	txs, err := s.node.EscrowListByAccount(addr)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	results := make([]transactionJSON, 0, len(txs))
	for _, tx := range txs {
		results = append(results, formatTransactionJSON(tx))
	}
	writeResult(w, req.ID, results)
}

func (s *Server) handleEscrowFeePolicy(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	policy, err := s.node.EscrowFeePolicy()
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatFeePolicyJSON(policy))
}

func (s *Server) handleEscrowIsArbitrator(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params escrowAccountParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	writeResult(w, req.ID, struct {
		Address    string `json:"address"`
		Arbitrator bool   `json:"arbitrator"`
	}{Address: params.Address, Arbitrator: s.node.EscrowIsArbitrator(addr)})
}

func (s *Server) handleEscrowListArbitrators(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	arbitrators, err := s.node.EscrowArbitrators()
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	results := make([]string, 0, len(arbitrators))
	for _, arb := range arbitrators {
		results = append(results, crypto.FormatAccount(arb))
	}
	writeResult(w, req.ID, results)
}

// decodeActorParams handles the shared guard and parameter decoding for write
// methods that take an {id, caller} object.
func (s *Server) decodeActorParams(w http.ResponseWriter, r *http.Request, req *RPCRequest) (escrowActorParams, bool) {
	var params escrowActorParams
	if !s.guardWrite(w, r, req) {
		return params, false
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "exactly one parameter object expected")
		return params, false
	}
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return params, false
	}
	return params, true
}

// writeTransaction renders the current state of a transaction after a
// successful mutation.
func (s *Server) writeTransaction(w http.ResponseWriter, id interface{}, escrowID uint64) {
	tx, err := s.node.EscrowGet(escrowID)
	if err != nil {
		writeEscrowError(w, id, err)
		return
	}
	writeResult(w, id, formatTransactionJSON(tx))
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

// writeEscrowError maps engine sentinel errors onto stable JSON-RPC error
// codes and HTTP statuses.
func writeEscrowError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeEscrowInternal
	message := "internal_error"
	data := err.Error()
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		status = http.StatusNotFound
		code = codeEscrowNotFound
		message = "not_found"
	case errors.Is(err, escrow.ErrUnauthorized):
		status = http.StatusForbidden
		code = codeEscrowForbidden
		message = "forbidden"
	case errors.Is(err, common.ErrModulePaused):
		status = http.StatusServiceUnavailable
		code = codeEscrowPaused
		message = "paused"
	case errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidParticipant),
		errors.Is(err, escrow.ErrEvidenceTooLarge):
		status = http.StatusBadRequest
		code = codeEscrowInvalidParams
		message = "invalid_params"
	case errors.Is(err, escrow.ErrInvalidState),
		errors.Is(err, escrow.ErrDeliveryWindowExpired),
		errors.Is(err, escrow.ErrDeliveryWindowActive),
		errors.Is(err, escrow.ErrDisputeWindowExpired),
		errors.Is(err, escrow.ErrDisputeWindowActive),
		errors.Is(err, escrow.ErrInsufficientFunds),
		errors.Is(err, escrow.ErrIndexFull),
		errors.Is(err, escrow.ErrInvalidRefund):
		status = http.StatusConflict
		code = codeEscrowConflict
		message = "conflict"
	}
	writeError(w, status, id, code, message, data)
}
