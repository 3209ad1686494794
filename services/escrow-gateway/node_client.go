package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// NodeClient is a thin JSON-RPC client used by the gateway. Every mutating
// call returns the transaction snapshot the node produced after applying the
// operation.
type NodeClient interface {
	EscrowCreate(ctx context.Context, req EscrowCreateRequest) (*EscrowRecord, error)
	EscrowGet(ctx context.Context, id uint64) (*EscrowRecord, error)
	EscrowConfirmDelivery(ctx context.Context, id uint64, caller string) (*EscrowRecord, error)
	EscrowRelease(ctx context.Context, id uint64, caller string) (*EscrowRecord, error)
	EscrowClaimExpired(ctx context.Context, id uint64, caller string) (*EscrowRecord, error)
	EscrowDispute(ctx context.Context, id uint64, caller, evidence string) (*EscrowRecord, error)
	EscrowSubmitEvidence(ctx context.Context, id uint64, caller, evidence string) (*EscrowRecord, error)
	EscrowResolve(ctx context.Context, id uint64, caller, resolution, refundAmount string) (*EscrowRecord, error)
	EscrowListByAccount(ctx context.Context, account string) ([]EscrowRecord, error)
	EventsSince(ctx context.Context, cursor string, limit int) (*EventPage, error)
}

// NodeError carries a JSON-RPC error returned by the node so callers can map
// node codes onto HTTP statuses.
type NodeError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node rpc error %d: %s", e.Code, e.Message)
}

// Node JSON-RPC application error codes, mirrored from the escrow RPC server.
const (
	nodeCodeInvalidParams = -32021
	nodeCodeNotFound      = -32022
	nodeCodeForbidden     = -32023
	nodeCodeConflict      = -32024
	nodeCodeInternal      = -32025
	nodeCodePaused        = -32026
)

// nodeErrorStatus translates a node failure into the HTTP status the gateway
// should surface. Transport failures and unknown codes map to 502 so clients
// can distinguish gateway-side trouble from their own bad requests.
func nodeErrorStatus(err error) int {
	var nodeErr *NodeError
	if !errors.As(err, &nodeErr) {
		return http.StatusBadGateway
	}
	switch nodeErr.Code {
	case nodeCodeInvalidParams:
		return http.StatusBadRequest
	case nodeCodeNotFound:
		return http.StatusNotFound
	case nodeCodeForbidden:
		return http.StatusForbidden
	case nodeCodeConflict:
		return http.StatusConflict
	case nodeCodePaused:
		return http.StatusServiceUnavailable
	case nodeCodeInternal:
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

// RPCNodeClient implements NodeClient against the custos JSON-RPC server.
type RPCNodeClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCNodeClient(baseURL, authToken string) *RPCNodeClient {
	return &RPCNodeClient{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *RPCNodeClient) EscrowCreate(ctx context.Context, req EscrowCreateRequest) (*EscrowRecord, error) {
	payload := map[string]string{
		"buyer":  req.Buyer,
		"seller": req.Seller,
		"amount": req.Amount,
	}
	var record EscrowRecord
	if err := c.call(ctx, "escrow_create", []interface{}{payload}, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *RPCNodeClient) EscrowGet(ctx context.Context, id uint64) (*EscrowRecord, error) {
	var record EscrowRecord
	if err := c.call(ctx, "escrow_get", []interface{}{map[string]uint64{"id": id}}, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *RPCNodeClient) EscrowConfirmDelivery(ctx context.Context, id uint64, caller string) (*EscrowRecord, error) {
	return c.actorCall(ctx, "escrow_confirmDelivery", id, caller)
}

func (c *RPCNodeClient) EscrowRelease(ctx context.Context, id uint64, caller string) (*EscrowRecord, error) {
	return c.actorCall(ctx, "escrow_release", id, caller)
}

func (c *RPCNodeClient) EscrowClaimExpired(ctx context.Context, id uint64, caller string) (*EscrowRecord, error) {
	return c.actorCall(ctx, "escrow_claimExpired", id, caller)
}

func (c *RPCNodeClient) EscrowDispute(ctx context.Context, id uint64, caller, evidence string) (*EscrowRecord, error) {
	params := map[string]interface{}{"id": id, "caller": caller}
	if evidence != "" {
		params["evidence"] = evidence
	}
	var record EscrowRecord
	if err := c.call(ctx, "escrow_dispute", []interface{}{params}, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *RPCNodeClient) EscrowSubmitEvidence(ctx context.Context, id uint64, caller, evidence string) (*EscrowRecord, error) {
	params := map[string]interface{}{"id": id, "caller": caller, "evidence": evidence}
	var record EscrowRecord
	if err := c.call(ctx, "escrow_submitEvidence", []interface{}{params}, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *RPCNodeClient) EscrowResolve(ctx context.Context, id uint64, caller, resolution, refundAmount string) (*EscrowRecord, error) {
	params := map[string]interface{}{"id": id, "caller": caller, "resolution": resolution}
	if refundAmount != "" {
		params["refundAmount"] = refundAmount
	}
	var record EscrowRecord
	if err := c.call(ctx, "escrow_resolve", []interface{}{params}, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *RPCNodeClient) EscrowListByAccount(ctx context.Context, account string) ([]EscrowRecord, error) {
	var records []EscrowRecord
	if err := c.call(ctx, "escrow_listByAccount", []interface{}{map[string]string{"address": account}}, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *RPCNodeClient) EventsSince(ctx context.Context, cursor string, limit int) (*EventPage, error) {
	params := map[string]interface{}{}
	if cursor != "" {
		params["cursor"] = cursor
	}
	if limit > 0 {
		params["limit"] = limit
	}
	var page EventPage
	if err := c.call(ctx, "events_since", []interface{}{params}, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *RPCNodeClient) actorCall(ctx context.Context, method string, id uint64, caller string) (*EscrowRecord, error) {
	params := map[string]interface{}{"id": id, "caller": caller}
	var record EscrowRecord
	if err := c.call(ctx, method, []interface{}{params}, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *RPCNodeClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	// The node mirrors application errors onto HTTP statuses, so decode the
	// envelope before giving up on a non-200 response.
	var rpcResp jsonRPCResponse
	if decodeErr := json.Unmarshal(raw, &rpcResp); decodeErr != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("node rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(raw))
		}
		return decodeErr
	}
	if rpcResp.Error != nil {
		return &NodeError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message, Data: rpcResp.Error.Data}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node rpc %s failed: status=%d", method, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("node rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// EscrowCreateRequest is the request payload accepted by the gateway and
// forwarded to escrow_create.
type EscrowCreateRequest struct {
	Buyer  string `json:"buyer"`
	Seller string `json:"seller"`
	Amount string `json:"amount"`
}

// EscrowRecord mirrors the transaction JSON served by the node RPC.
type EscrowRecord struct {
	ID               uint64  `json:"id"`
	Buyer            string  `json:"buyer"`
	Seller           string  `json:"seller"`
	Amount           string  `json:"amount"`
	Status           string  `json:"status"`
	CreatedAt        uint64  `json:"createdAt"`
	DeliveryDeadline uint64  `json:"deliveryDeadline"`
	ConfirmedAt      *uint64 `json:"confirmedAt,omitempty"`
	DisputeDeadline  *uint64 `json:"disputeDeadline,omitempty"`
	EvidenceBuyer    string  `json:"evidenceBuyer,omitempty"`
	EvidenceSeller   string  `json:"evidenceSeller,omitempty"`
	Resolution       *string `json:"resolution,omitempty"`
	RefundAmount     *string `json:"refundAmount,omitempty"`
}

// NodeEvent represents a journal entry returned by events_since.
type NodeEvent struct {
	Sequence   uint64            `json:"sequence"`
	Cursor     string            `json:"cursor"`
	Tick       uint64            `json:"tick"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// EventPage is one events_since result: the entries plus the cursor to resume
// from. NextCursor is stable when the page is empty.
type EventPage struct {
	Events     []NodeEvent `json:"events"`
	NextCursor string      `json:"nextCursor"`
}
