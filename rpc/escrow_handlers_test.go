package rpc

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"custos/crypto"
	"custos/native/escrow"
)

func TestEscrowCreateInvalidBech32(t *testing.T) {
	env := newTestEnv(t)
	payload := map[string]string{
		"buyer":  "invalid",
		"seller": crypto.FormatAccount(rpcSeller),
		"amount": "100",
	}
	req := &RPCRequest{ID: 1, Params: []json.RawMessage{marshalParam(t, payload)}}
	recorder := httptest.NewRecorder()
	env.server.handleEscrowCreate(recorder, env.newRequest(), req)
	_, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr == nil {
		t.Fatalf("expected error")
	}
	if rpcErr.Code != codeEscrowInvalidParams {
		t.Fatalf("expected code %d got %d", codeEscrowInvalidParams, rpcErr.Code)
	}
	if rpcErr.Message != "invalid_params" {
		t.Fatalf("expected message invalid_params got %s", rpcErr.Message)
	}
}

func TestEscrowCreateZeroAmount(t *testing.T) {
	env := newTestEnv(t)
	payload := map[string]string{
		"buyer":  crypto.FormatAccount(rpcBuyer),
		"seller": crypto.FormatAccount(rpcSeller),
		"amount": "0",
	}
	req := &RPCRequest{ID: 2, Params: []json.RawMessage{marshalParam(t, payload)}}
	recorder := httptest.NewRecorder()
	env.server.handleEscrowCreate(recorder, env.newRequest(), req)
	_, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr == nil {
		t.Fatalf("expected error")
	}
	if rpcErr.Code != codeEscrowInvalidParams {
		t.Fatalf("expected code %d got %d", codeEscrowInvalidParams, rpcErr.Code)
	}
}

func TestEscrowCreateSameParticipants(t *testing.T) {
	env := newTestEnv(t)
	payload := map[string]string{
		"buyer":  crypto.FormatAccount(rpcBuyer),
		"seller": crypto.FormatAccount(rpcBuyer),
		"amount": "100",
	}
	req := &RPCRequest{ID: 3, Params: []json.RawMessage{marshalParam(t, payload)}}
	recorder := httptest.NewRecorder()
	env.server.handleEscrowCreate(recorder, env.newRequest(), req)
	_, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr == nil {
		t.Fatalf("expected error")
	}
	if rpcErr.Code != codeEscrowInvalidParams {
		t.Fatalf("expected code %d got %d", codeEscrowInvalidParams, rpcErr.Code)
	}
}

func TestEscrowCreateRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	payload := map[string]string{
		"buyer":  crypto.FormatAccount(rpcBuyer),
		"seller": crypto.FormatAccount(rpcSeller),
		"amount": "100",
	}
	req := &RPCRequest{ID: 4, Params: []json.RawMessage{marshalParam(t, payload)}}
	recorder := httptest.NewRecorder()
	env.server.handleEscrowCreate(recorder, env.newUnauthenticatedRequest(), req)
	_, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr == nil {
		t.Fatalf("expected error")
	}
	if rpcErr.Code != codeUnauthorized {
		t.Fatalf("expected code %d got %d", codeUnauthorized, rpcErr.Code)
	}
}

func TestEscrowCreateAndGet(t *testing.T) {
	env := newTestEnv(t)
	created := createTestEscrow(t, env, "1000000")
	if created.ID != 1 {
		t.Fatalf("expected id 1 got %d", created.ID)
	}
	if created.Status != "pending" {
		t.Fatalf("expected status pending got %s", created.Status)
	}
	if created.ConfirmedAt != nil {
		t.Fatalf("unconfirmed transaction must omit confirmedAt")
	}
	if created.DeliveryDeadline != created.CreatedAt+escrow.DeliveryWindow {
		t.Fatalf("delivery deadline = %d, want %d", created.DeliveryDeadline, created.CreatedAt+escrow.DeliveryWindow)
	}

	getReq := &RPCRequest{ID: 5, Params: []json.RawMessage{marshalParam(t, map[string]uint64{"id": created.ID})}}
	getRec := httptest.NewRecorder()
	env.server.handleEscrowGet(getRec, env.newRequest(), getReq)
	result, rpcErr := decodeRPCResponse(t, getRec)
	if rpcErr != nil {
		t.Fatalf("get error: %+v", rpcErr)
	}
	var fetched transactionJSON
	if err := json.Unmarshal(result, &fetched); err != nil {
		t.Fatalf("decode escrow json: %v", err)
	}
	if fetched.Buyer != crypto.FormatAccount(rpcBuyer) {
		t.Fatalf("buyer mismatch got %s", fetched.Buyer)
	}
	if fetched.Seller != crypto.FormatAccount(rpcSeller) {
		t.Fatalf("seller mismatch got %s", fetched.Seller)
	}
	if fetched.Amount != "1000000" {
		t.Fatalf("expected amount 1000000 got %s", fetched.Amount)
	}
}

func TestEscrowGetAcceptsStringID(t *testing.T) {
	env := newTestEnv(t)
	created := createTestEscrow(t, env, "500")
	getReq := &RPCRequest{ID: 6, Params: []json.RawMessage{marshalParam(t, map[string]string{"id": "1"})}}
	getRec := httptest.NewRecorder()
	env.server.handleEscrowGet(getRec, env.newRequest(), getReq)
	result, rpcErr := decodeRPCResponse(t, getRec)
	if rpcErr != nil {
		t.Fatalf("get error: %+v", rpcErr)
	}
	var fetched transactionJSON
	if err := json.Unmarshal(result, &fetched); err != nil {
		t.Fatalf("decode escrow json: %v", err)
	}
	if fetched.ID != created.ID {
		t.Fatalf("expected id %d got %d", created.ID, fetched.ID)
	}
}

func TestEscrowGetNotFound(t *testing.T) {
	env := newTestEnv(t)
	req := &RPCRequest{ID: 7, Params: []json.RawMessage{marshalParam(t, map[string]uint64{"id": 99})}}
	recorder := httptest.NewRecorder()
	env.server.handleEscrowGet(recorder, env.newRequest(), req)
	_, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr == nil {
		t.Fatalf("expected error")
	}
	if rpcErr.Code != codeEscrowNotFound {
		t.Fatalf("expected code %d got %d", codeEscrowNotFound, rpcErr.Code)
	}
	if rpcErr.Message != "not_found" {
		t.Fatalf("expected message not_found got %s", rpcErr.Message)
	}
}

func TestEscrowConfirmWrongCaller(t *testing.T) {
	env := newTestEnv(t)
	created := createTestEscrow(t, env, "1000")
	payload := map[string]interface{}{
		"id":     created.ID,
		"caller": crypto.FormatAccount(rpcOutsider),
	}
	req := &RPCRequest{ID: 8, Params: []json.RawMessage{marshalParam(t, payload)}}
	recorder := httptest.NewRecorder()
	env.server.handleEscrowConfirmDelivery(recorder, env.newRequest(), req)
	_, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr == nil {
		t.Fatalf("expected error")
	}
	if rpcErr.Code != codeEscrowForbidden {
		t.Fatalf("expected code %d got %d", codeEscrowForbidden, rpcErr.Code)
	}
	if rpcErr.Message != "forbidden" {
		t.Fatalf("expected message forbidden got %s", rpcErr.Message)
	}
}

func TestEscrowReleaseBeforeWindowCloses(t *testing.T) {
	env := newTestEnv(t)
	created := createTestEscrow(t, env, "1000")
	env.clock.AdvanceTicks(5)
	confirmTestEscrow(t, env, created.ID)

	payload := map[string]interface{}{
		"id":     created.ID,
		"caller": crypto.FormatAccount(rpcSeller),
	}
	req := &RPCRequest{ID: 9, Params: []json.RawMessage{marshalParam(t, payload)}}
	recorder := httptest.NewRecorder()
	env.server.handleEscrowRelease(recorder, env.newRequest(), req)
	_, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr == nil {
		t.Fatalf("expected error")
	}
	if rpcErr.Code != codeEscrowConflict {
		t.Fatalf("expected code %d got %d", codeEscrowConflict, rpcErr.Code)
	}
	if rpcErr.Message != "conflict" {
		t.Fatalf("expected message conflict got %s", rpcErr.Message)
	}
}

func TestEscrowLifecycleThroughHandlers(t *testing.T) {
	env := newTestEnv(t)
	created := createTestEscrow(t, env, "1000000")

	env.clock.AdvanceTicks(10)
	confirmed := confirmTestEscrow(t, env, created.ID)
	if confirmed.ConfirmedAt == nil || *confirmed.ConfirmedAt != 10 {
		t.Fatalf("expected confirmedAt 10 got %+v", confirmed.ConfirmedAt)
	}
	if confirmed.DisputeDeadline == nil || *confirmed.DisputeDeadline != 10+escrow.DisputeWindow {
		t.Fatalf("unexpected dispute deadline %+v", confirmed.DisputeDeadline)
	}

	env.clock.AdvanceTicks(escrow.DisputeWindow + 1)
	payload := map[string]interface{}{
		"id":     created.ID,
		"caller": crypto.FormatAccount(rpcOutsider),
	}
	req := &RPCRequest{ID: 10, Params: []json.RawMessage{marshalParam(t, payload)}}
	recorder := httptest.NewRecorder()
	env.server.handleEscrowRelease(recorder, env.newRequest(), req)
	result, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("release error: %+v", rpcErr)
	}
	var released transactionJSON
	if err := json.Unmarshal(result, &released); err != nil {
		t.Fatalf("decode release result: %v", err)
	}
	if released.Status != "completed" {
		t.Fatalf("expected status completed got %s", released.Status)
	}

	if got := accountBalance(t, env, rpcSeller); got != "990000" {
		t.Fatalf("seller balance = %s, want 990000", got)
	}
	if got := accountBalance(t, env, rpcCollector); got != "10000" {
		t.Fatalf("collector balance = %s, want 10000", got)
	}
}

func TestEscrowDisputeAndResolve(t *testing.T) {
	env := newTestEnv(t)
	created := createTestEscrow(t, env, "1000000")
	env.clock.AdvanceTicks(3)
	confirmTestEscrow(t, env, created.ID)

	disputePayload := map[string]interface{}{
		"id":       created.ID,
		"caller":   crypto.FormatAccount(rpcBuyer),
		"evidence": "0xdeadbeef",
	}
	disputeReq := &RPCRequest{ID: 11, Params: []json.RawMessage{marshalParam(t, disputePayload)}}
	disputeRec := httptest.NewRecorder()
	env.server.handleEscrowDispute(disputeRec, env.newRequest(), disputeReq)
	disputeResult, rpcErr := decodeRPCResponse(t, disputeRec)
	if rpcErr != nil {
		t.Fatalf("dispute error: %+v", rpcErr)
	}
	var disputed transactionJSON
	if err := json.Unmarshal(disputeResult, &disputed); err != nil {
		t.Fatalf("decode dispute result: %v", err)
	}
	if disputed.Status != "disputed" {
		t.Fatalf("expected status disputed got %s", disputed.Status)
	}
	if disputed.EvidenceBuyer != "0xdeadbeef" {
		t.Fatalf("expected buyer evidence 0xdeadbeef got %s", disputed.EvidenceBuyer)
	}

	evidencePayload := map[string]interface{}{
		"id":       created.ID,
		"caller":   crypto.FormatAccount(rpcSeller),
		"evidence": "0xfeed",
	}
	evidenceReq := &RPCRequest{ID: 12, Params: []json.RawMessage{marshalParam(t, evidencePayload)}}
	evidenceRec := httptest.NewRecorder()
	env.server.handleEscrowSubmitEvidence(evidenceRec, env.newRequest(), evidenceReq)
	if _, rpcErr := decodeRPCResponse(t, evidenceRec); rpcErr != nil {
		t.Fatalf("submit evidence error: %+v", rpcErr)
	}

	resolvePayload := map[string]interface{}{
		"id":           created.ID,
		"caller":       crypto.FormatAccount(rpcArb),
		"resolution":   "partial_refund",
		"refundAmount": "400000",
	}
	resolveReq := &RPCRequest{ID: 13, Params: []json.RawMessage{marshalParam(t, resolvePayload)}}
	resolveRec := httptest.NewRecorder()
	env.server.handleEscrowResolve(resolveRec, env.newRequest(), resolveReq)
	resolveResult, rpcErr := decodeRPCResponse(t, resolveRec)
	if rpcErr != nil {
		t.Fatalf("resolve error: %+v", rpcErr)
	}
	var resolved transactionJSON
	if err := json.Unmarshal(resolveResult, &resolved); err != nil {
		t.Fatalf("decode resolve result: %v", err)
	}
	if resolved.Status != "resolved" {
		t.Fatalf("expected status resolved got %s", resolved.Status)
	}
	if resolved.Resolution == nil || *resolved.Resolution != "partial_refund" {
		t.Fatalf("unexpected resolution %+v", resolved.Resolution)
	}
	if resolved.RefundAmount == nil || *resolved.RefundAmount != "400000" {
		t.Fatalf("unexpected refund amount %+v", resolved.RefundAmount)
	}

	// 1_000_000 escrowed: 400_000 back to the buyer, 10_000 fee, rest to
	// the seller.
	if got := accountBalance(t, env, rpcBuyer); got != "9400000" {
		t.Fatalf("buyer balance = %s, want 9400000", got)
	}
	if got := accountBalance(t, env, rpcSeller); got != "590000" {
		t.Fatalf("seller balance = %s, want 590000", got)
	}
	if got := accountBalance(t, env, rpcCollector); got != "10000" {
		t.Fatalf("collector balance = %s, want 10000", got)
	}
}

func TestEscrowResolveRejectsUnknownResolution(t *testing.T) {
	env := newTestEnv(t)
	created := createTestEscrow(t, env, "1000")
	payload := map[string]interface{}{
		"id":         created.ID,
		"caller":     crypto.FormatAccount(rpcArb),
		"resolution": "split_the_difference",
	}
	req := &RPCRequest{ID: 14, Params: []json.RawMessage{marshalParam(t, payload)}}
	recorder := httptest.NewRecorder()
	env.server.handleEscrowResolve(recorder, env.newRequest(), req)
	_, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr == nil {
		t.Fatalf("expected error")
	}
	if rpcErr.Code != codeEscrowInvalidParams {
		t.Fatalf("expected code %d got %d", codeEscrowInvalidParams, rpcErr.Code)
	}
}

func TestEscrowClaimExpiredThroughHandlers(t *testing.T) {
	env := newTestEnv(t)
	created := createTestEscrow(t, env, "250000")
	env.clock.AdvanceTicks(escrow.DeliveryWindow + 1)

	payload := map[string]interface{}{
		"id":     created.ID,
		"caller": crypto.FormatAccount(rpcBuyer),
	}
	req := &RPCRequest{ID: 15, Params: []json.RawMessage{marshalParam(t, payload)}}
	recorder := httptest.NewRecorder()
	env.server.handleEscrowClaimExpired(recorder, env.newRequest(), req)
	result, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("claim error: %+v", rpcErr)
	}
	var claimed transactionJSON
	if err := json.Unmarshal(result, &claimed); err != nil {
		t.Fatalf("decode claim result: %v", err)
	}
	if claimed.Status != "expired" {
		t.Fatalf("expected status expired got %s", claimed.Status)
	}
	if got := accountBalance(t, env, rpcBuyer); got != "10000000" {
		t.Fatalf("buyer balance = %s, want full refund", got)
	}
}

func TestEscrowListByAccount(t *testing.T) {
	env := newTestEnv(t)
	createTestEscrow(t, env, "100")
	createTestEscrow(t, env, "200")

	payload := map[string]string{"address": crypto.FormatAccount(rpcSeller)}
	req := &RPCRequest{ID: 16, Params: []json.RawMessage{marshalParam(t, payload)}}
	recorder := httptest.NewRecorder()
	env.server.handleEscrowListByAccount(recorder, env.newRequest(), req)
	result, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("list error: %+v", rpcErr)
	}
	var txs []transactionJSON
	if err := json.Unmarshal(result, &txs); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions got %d", len(txs))
	}
	if txs[0].ID != 1 || txs[1].ID != 2 {
		t.Fatalf("unexpected ordering: %d, %d", txs[0].ID, txs[1].ID)
	}
}

func TestEscrowFeePolicyHandler(t *testing.T) {
	env := newTestEnv(t)
	req := &RPCRequest{ID: 17}
	recorder := httptest.NewRecorder()
	env.server.handleEscrowFeePolicy(recorder, env.newRequest(), req)
	result, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("fee policy error: %+v", rpcErr)
	}
	var policy feePolicyJSON
	if err := json.Unmarshal(result, &policy); err != nil {
		t.Fatalf("decode policy: %v", err)
	}
	if policy.BasisPoints != 100 {
		t.Fatalf("expected 100 bps got %d", policy.BasisPoints)
	}
	if policy.Collector != crypto.FormatAccount(rpcCollector) {
		t.Fatalf("unexpected collector %s", policy.Collector)
	}
}

func TestEscrowIsArbitratorHandler(t *testing.T) {
	env := newTestEnv(t)
	for _, tc := range []struct {
		addr [20]byte
		want bool
	}{
		{rpcArb, true},
		{rpcOutsider, false},
	} {
		payload := map[string]string{"address": crypto.FormatAccount(tc.addr)}
		req := &RPCRequest{ID: 18, Params: []json.RawMessage{marshalParam(t, payload)}}
		recorder := httptest.NewRecorder()
		env.server.handleEscrowIsArbitrator(recorder, env.newRequest(), req)
		result, rpcErr := decodeRPCResponse(t, recorder)
		if rpcErr != nil {
			t.Fatalf("isArbitrator error: %+v", rpcErr)
		}
		var res struct {
			Arbitrator bool `json:"arbitrator"`
		}
		if err := json.Unmarshal(result, &res); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if res.Arbitrator != tc.want {
			t.Fatalf("arbitrator = %v, want %v", res.Arbitrator, tc.want)
		}
	}
}
