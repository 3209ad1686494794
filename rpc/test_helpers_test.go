package rpc

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"custos/core"
	"custos/crypto"
	"custos/native/escrow"
	"custos/storage"
)

const (
	testRPCToken    = "test-token"
	testGenesisUnix = 1_700_000_000
)

var (
	rpcOwner     = [20]byte{0x0A}
	rpcBuyer     = [20]byte{0x01}
	rpcSeller    = [20]byte{0x02}
	rpcArb       = [20]byte{0x03}
	rpcCollector = [20]byte{0x0B}
	rpcOutsider  = [20]byte{0x0C}
)

// rpcClock drives the node's tick clock from tests.
type rpcClock struct {
	mu   sync.Mutex
	unix uint64
}

func (c *rpcClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Unix(int64(c.unix), 0)
}

func (c *rpcClock) AdvanceTicks(ticks uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unix += ticks * core.DefaultTickSeconds
}

type testEnv struct {
	server *Server
	node   *core.Node
	clock  *rpcClock
	token  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv(AuthTokenEnv, testRPCToken)
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	clock := &rpcClock{unix: testGenesisUnix}
	node, err := core.NewNode(db, core.NodeConfig{
		Owner:       rpcOwner,
		GenesisTime: testGenesisUnix,
		FeePolicy:   escrow.FeePolicy{BasisPoints: 100, Collector: rpcCollector},
		Arbitrators: [][20]byte{rpcArb},
		Alloc: map[[20]byte]*big.Int{
			rpcBuyer: big.NewInt(10_000_000),
		},
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	node.SetNowFunc(clock.Now)
	server := NewServer(node)
	return &testEnv{server: server, node: node, clock: clock, token: testRPCToken}
}

func (env *testEnv) newRequest() *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+env.token)
	return req
}

func (env *testEnv) newUnauthenticatedRequest() *http.Request {
	return httptest.NewRequest(http.MethodPost, "/", nil)
}

func marshalParam(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal param: %v", err)
	}
	return raw
}

func decodeRPCResponse(t *testing.T, rec *httptest.ResponseRecorder) (json.RawMessage, *RPCError) {
	t.Helper()
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.Result, resp.Error
}

// createTestEscrow drives escrow_create through the handler and returns the
// decoded transaction.
func createTestEscrow(t *testing.T, env *testEnv, amount string) transactionJSON {
	t.Helper()
	payload := map[string]string{
		"buyer":  crypto.FormatAccount(rpcBuyer),
		"seller": crypto.FormatAccount(rpcSeller),
		"amount": amount,
	}
	req := &RPCRequest{ID: 1, Params: []json.RawMessage{marshalParam(t, payload)}}
	rec := httptest.NewRecorder()
	env.server.handleEscrowCreate(rec, env.newRequest(), req)
	result, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr != nil {
		t.Fatalf("create error: %+v", rpcErr)
	}
	var tx transactionJSON
	if err := json.Unmarshal(result, &tx); err != nil {
		t.Fatalf("decode create result: %v", err)
	}
	return tx
}

// confirmTestEscrow confirms delivery as the buyer.
func confirmTestEscrow(t *testing.T, env *testEnv, id uint64) transactionJSON {
	t.Helper()
	payload := map[string]interface{}{
		"id":     id,
		"caller": crypto.FormatAccount(rpcBuyer),
	}
	req := &RPCRequest{ID: 2, Params: []json.RawMessage{marshalParam(t, payload)}}
	rec := httptest.NewRecorder()
	env.server.handleEscrowConfirmDelivery(rec, env.newRequest(), req)
	result, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr != nil {
		t.Fatalf("confirm error: %+v", rpcErr)
	}
	var tx transactionJSON
	if err := json.Unmarshal(result, &tx); err != nil {
		t.Fatalf("decode confirm result: %v", err)
	}
	return tx
}

func accountBalance(t *testing.T, env *testEnv, addr [20]byte) string {
	t.Helper()
	payload := map[string]string{"address": crypto.FormatAccount(addr)}
	req := &RPCRequest{ID: 3, Params: []json.RawMessage{marshalParam(t, payload)}}
	rec := httptest.NewRecorder()
	env.server.handleGetBalance(rec, env.newRequest(), req)
	result, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr != nil {
		t.Fatalf("balance error: %+v", rpcErr)
	}
	var balance balanceJSON
	if err := json.Unmarshal(result, &balance); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	return balance.Balance
}
