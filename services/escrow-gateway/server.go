package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	obsmetrics "custos/observability/metrics"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = maxBodyForSig

	mutationTimeout = 15 * time.Second
	queryTimeout    = 10 * time.Second
)

// Server is the HTTP front-end for escrow interactions. All /v1 routes
// require HMAC request authentication; mutating escrow routes additionally
// require an Idempotency-Key header.
type Server struct {
	authenticator *Authenticator
	node          NodeClient
	store         *SQLiteStore
	limits        *keyLimiters
	logger        *slog.Logger
	metrics       *obsmetrics.GatewayMetrics
	nowFn         func() time.Time
	mux           *http.ServeMux
}

func NewServer(auth *Authenticator, node NodeClient, store *SQLiteStore, limits *keyLimiters, logger *slog.Logger) *Server {
	if auth == nil {
		panic("authenticator required")
	}
	if node == nil {
		panic("node client required")
	}
	if store == nil {
		panic("sqlite store required")
	}
	if limits == nil {
		limits = newKeyLimiters(0, nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		authenticator: auth,
		node:          node,
		store:         store,
		limits:        limits,
		logger:        logger,
		metrics:       obsmetrics.Gateway(),
		nowFn:         time.Now,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/escrows", s.handleEscrowCreate)
	mux.HandleFunc("GET /v1/escrows/{id}", s.handleEscrowGet)
	mux.HandleFunc("POST /v1/escrows/{id}/confirm", s.handleEscrowConfirm)
	mux.HandleFunc("POST /v1/escrows/{id}/release", s.handleEscrowRelease)
	mux.HandleFunc("POST /v1/escrows/{id}/dispute", s.handleEscrowDispute)
	mux.HandleFunc("POST /v1/escrows/{id}/evidence", s.handleEscrowEvidence)
	mux.HandleFunc("POST /v1/escrows/{id}/resolve", s.handleEscrowResolve)
	mux.HandleFunc("POST /v1/escrows/{id}/claim", s.handleEscrowClaim)
	mux.HandleFunc("GET /v1/accounts/{account}/escrows", s.handleAccountEscrows)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("POST /v1/webhooks", s.handleWebhookCreate)
	mux.HandleFunc("GET /v1/webhooks", s.handleWebhookList)
	s.mux = mux
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// httpError pins an HTTP status to a request-scoped failure so mutation
// handlers can distinguish local validation errors from node failures.
type httpError struct {
	status int
	err    error
}

func (e *httpError) Error() string { return e.err.Error() }
func (e *httpError) Unwrap() error { return e.err }

func badRequest(msg string) error {
	return &httpError{status: http.StatusBadRequest, err: errors.New(msg)}
}

func statusForError(err error) int {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		return httpErr.status
	}
	return nodeErrorStatus(err)
}

// authenticated reads the body, verifies the HMAC credentials, and applies
// the per-key request budget. On failure the response has already been
// written and audited.
func (s *Server) authenticated(w http.ResponseWriter, r *http.Request) (*Principal, []byte, bool) {
	body, err := s.readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return nil, nil, false
	}
	principal, err := s.authenticator.Authenticate(r, body)
	if err != nil {
		payload := s.writeError(w, http.StatusUnauthorized, err)
		s.audit(r.Context(), principal, r, body, http.StatusUnauthorized, payload)
		return nil, nil, false
	}
	if !s.limits.Allow(principal.APIKey) {
		err := errors.New("rate limit exceeded")
		payload := s.writeError(w, http.StatusTooManyRequests, err)
		s.audit(r.Context(), principal, r, body, http.StatusTooManyRequests, payload)
		return nil, nil, false
	}
	return principal, body, true
}

// escrowMutation wraps the shared flow of every state-changing escrow route:
// authentication, idempotency replay, the node call, and response caching.
// Successful responses are stored under the Idempotency-Key so byte-identical
// retries replay without reaching the node.
func (s *Server) escrowMutation(w http.ResponseWriter, r *http.Request, successStatus int, call func(ctx context.Context, body []byte) (*EscrowRecord, error)) {
	principal, body, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		err := errors.New("missing Idempotency-Key header")
		payload := s.writeError(w, http.StatusBadRequest, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, payload)
		return
	}
	requestHash := hashRequest(r.Method, canonicalRequestPath(r), body)
	cached, cacheErr := s.store.LookupIdempotency(r.Context(), principal.APIKey, key, requestHash)
	if cacheErr != nil {
		status := http.StatusInternalServerError
		if errors.Is(cacheErr, ErrIdempotencyMismatch) {
			status = http.StatusConflict
		}
		payload := s.writeError(w, status, cacheErr)
		s.audit(r.Context(), principal, r, body, status, payload)
		return
	}
	if cached != nil {
		s.metrics.ObserveIdempotentReplay()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cached.Status)
		_, _ = w.Write(cached.Body)
		s.audit(r.Context(), principal, r, body, cached.Status, cached.Body)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), mutationTimeout)
	defer cancel()
	record, err := call(ctx, body)
	if err != nil {
		status := statusForError(err)
		payload := s.writeError(w, status, err)
		s.audit(r.Context(), principal, r, body, status, payload)
		return
	}
	payload, err := json.Marshal(record)
	if err != nil {
		resp := s.writeError(w, http.StatusInternalServerError, err)
		s.audit(r.Context(), principal, r, body, http.StatusInternalServerError, resp)
		return
	}
	if err := s.store.SaveIdempotency(r.Context(), principal.APIKey, key, requestHash, successStatus, payload); err != nil {
		resp := s.writeError(w, http.StatusInternalServerError, err)
		s.audit(r.Context(), principal, r, body, http.StatusInternalServerError, resp)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(successStatus)
	_, _ = w.Write(payload)
	s.audit(r.Context(), principal, r, body, successStatus, payload)
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, r *http.Request) {
	s.escrowMutation(w, r, http.StatusCreated, func(ctx context.Context, body []byte) (*EscrowRecord, error) {
		var req EscrowCreateRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, &httpError{status: http.StatusBadRequest, err: fmt.Errorf("invalid JSON payload: %w", err)}
		}
		if err := validateEscrowCreate(req); err != nil {
			return nil, &httpError{status: http.StatusBadRequest, err: err}
		}
		return s.node.EscrowCreate(ctx, req)
	})
}

// escrowActionRequest is the shared body of the lifecycle routes. Only the
// fields a given route uses are honoured; the rest are ignored.
type escrowActionRequest struct {
	Caller       string `json:"caller"`
	Evidence     string `json:"evidence,omitempty"`
	Resolution   string `json:"resolution,omitempty"`
	RefundAmount string `json:"refundAmount,omitempty"`
}

func (s *Server) handleEscrowConfirm(w http.ResponseWriter, r *http.Request) {
	s.escrowMutation(w, r, http.StatusOK, func(ctx context.Context, body []byte) (*EscrowRecord, error) {
		id, req, err := parseAction(r, body)
		if err != nil {
			return nil, err
		}
		return s.node.EscrowConfirmDelivery(ctx, id, req.Caller)
	})
}

func (s *Server) handleEscrowRelease(w http.ResponseWriter, r *http.Request) {
	s.escrowMutation(w, r, http.StatusOK, func(ctx context.Context, body []byte) (*EscrowRecord, error) {
		id, req, err := parseAction(r, body)
		if err != nil {
			return nil, err
		}
		return s.node.EscrowRelease(ctx, id, req.Caller)
	})
}

func (s *Server) handleEscrowDispute(w http.ResponseWriter, r *http.Request) {
	s.escrowMutation(w, r, http.StatusOK, func(ctx context.Context, body []byte) (*EscrowRecord, error) {
		id, req, err := parseAction(r, body)
		if err != nil {
			return nil, err
		}
		return s.node.EscrowDispute(ctx, id, req.Caller, req.Evidence)
	})
}

func (s *Server) handleEscrowEvidence(w http.ResponseWriter, r *http.Request) {
	s.escrowMutation(w, r, http.StatusOK, func(ctx context.Context, body []byte) (*EscrowRecord, error) {
		id, req, err := parseAction(r, body)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(req.Evidence) == "" {
			return nil, badRequest("evidence is required")
		}
		return s.node.EscrowSubmitEvidence(ctx, id, req.Caller, req.Evidence)
	})
}

func (s *Server) handleEscrowResolve(w http.ResponseWriter, r *http.Request) {
	s.escrowMutation(w, r, http.StatusOK, func(ctx context.Context, body []byte) (*EscrowRecord, error) {
		id, req, err := parseAction(r, body)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(req.Resolution) == "" {
			return nil, badRequest("resolution is required")
		}
		return s.node.EscrowResolve(ctx, id, req.Caller, req.Resolution, req.RefundAmount)
	})
}

func (s *Server) handleEscrowClaim(w http.ResponseWriter, r *http.Request) {
	s.escrowMutation(w, r, http.StatusOK, func(ctx context.Context, body []byte) (*EscrowRecord, error) {
		id, req, err := parseAction(r, body)
		if err != nil {
			return nil, err
		}
		return s.node.EscrowClaimExpired(ctx, id, req.Caller)
	})
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request) {
	_, _, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	id, err := pathEscrowID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	record, err := s.node.EscrowGet(ctx, id)
	if err != nil {
		s.writeError(w, statusForError(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleAccountEscrows(w http.ResponseWriter, r *http.Request) {
	_, _, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	account := strings.TrimSpace(r.PathValue("account"))
	if account == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("account address required"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	records, err := s.node.EscrowListByAccount(ctx, account)
	if err != nil {
		s.writeError(w, statusForError(err), err)
		return
	}
	if records == nil {
		records = []EscrowRecord{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

type eventListResponse struct {
	Events    []StoredEvent `json:"events"`
	NextAfter int64         `json:"nextAfter"`
}

// handleEvents serves the locally mirrored journal so integrations can tail
// escrow activity without node credentials.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	_, _, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	var after int64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("after must be a non-negative integer"))
			return
		}
		after = parsed
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	events, err := s.store.ListEventsAfter(r.Context(), after, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	next := after
	if len(events) > 0 {
		next = events[len(events)-1].Sequence
	}
	if events == nil {
		events = []StoredEvent{}
	}
	s.writeJSON(w, http.StatusOK, eventListResponse{Events: events, NextAfter: next})
}

type webhookCreateRequest struct {
	EventType string `json:"eventType"`
	URL       string `json:"url"`
	Secret    string `json:"secret"`
	RateLimit int    `json:"rateLimit,omitempty"`
}

// webhookResponse is a subscription without its signing secret.
type webhookResponse struct {
	ID        int64     `json:"id"`
	EventType string    `json:"eventType"`
	URL       string    `json:"url"`
	RateLimit int       `json:"rateLimit"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) handleWebhookCreate(w http.ResponseWriter, r *http.Request) {
	principal, body, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	var req webhookCreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		payload := s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, payload)
		return
	}
	if err := validateWebhookCreate(req); err != nil {
		payload := s.writeError(w, http.StatusBadRequest, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, payload)
		return
	}
	sub := WebhookSubscription{
		APIKey:    principal.APIKey,
		EventType: strings.TrimSpace(req.EventType),
		URL:       strings.TrimSpace(req.URL),
		Secret:    req.Secret,
		RateLimit: req.RateLimit,
		Active:    true,
		CreatedAt: s.nowFn().UTC(),
	}
	if sub.RateLimit <= 0 {
		sub.RateLimit = 60
	}
	id, err := s.store.InsertWebhook(r.Context(), sub)
	if err != nil {
		payload := s.writeError(w, http.StatusInternalServerError, err)
		s.audit(r.Context(), principal, r, body, http.StatusInternalServerError, payload)
		return
	}
	sub.ID = id
	payload, err := json.Marshal(webhookView(sub))
	if err != nil {
		resp := s.writeError(w, http.StatusInternalServerError, err)
		s.audit(r.Context(), principal, r, body, http.StatusInternalServerError, resp)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(payload)
	s.audit(r.Context(), principal, r, body, http.StatusCreated, payload)
}

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	principal, _, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	subs, err := s.store.ListWebhooksForKey(r.Context(), principal.APIKey)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]webhookResponse, 0, len(subs))
	for _, sub := range subs {
		views = append(views, webhookView(sub))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func webhookView(sub WebhookSubscription) webhookResponse {
	return webhookResponse{
		ID:        sub.ID,
		EventType: sub.EventType,
		URL:       sub.URL,
		RateLimit: sub.RateLimit,
		Active:    sub.Active,
		CreatedAt: sub.CreatedAt,
	}
}

func parseAction(r *http.Request, body []byte) (uint64, escrowActionRequest, error) {
	id, err := pathEscrowID(r)
	if err != nil {
		return 0, escrowActionRequest{}, err
	}
	var req escrowActionRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return 0, escrowActionRequest{}, &httpError{status: http.StatusBadRequest, err: fmt.Errorf("invalid JSON payload: %w", err)}
		}
	}
	req.Caller = strings.TrimSpace(req.Caller)
	if req.Caller == "" {
		return 0, escrowActionRequest{}, badRequest("caller is required")
	}
	return id, req, nil
}

func pathEscrowID(r *http.Request) (uint64, error) {
	raw := strings.TrimSpace(r.PathValue("id"))
	if raw == "" {
		return 0, badRequest("escrow id required")
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, badRequest("escrow id must be a positive integer")
	}
	return id, nil
}

func (s *Server) readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, int64(maxRequestBody)+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) []byte {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	msg := strings.ReplaceAll(err.Error(), "\"", "'")
	payload := []byte(fmt.Sprintf(`{"error":"%s"}`, msg))
	_, _ = w.Write(payload)
	return payload
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func (s *Server) audit(ctx context.Context, principal *Principal, r *http.Request, requestBody []byte, status int, responseBody []byte) {
	apiKey := ""
	if principal != nil {
		apiKey = principal.APIKey
	}
	entry := AuditEntry{
		APIKey:         apiKey,
		Method:         r.Method,
		Path:           canonicalRequestPath(r),
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	if err := s.store.InsertAuditLog(ctx, entry); err != nil {
		s.metrics.IncAuditWriteFailure()
		s.logger.Error("audit write failed", "method", entry.Method, "path", entry.Path, "error", err)
	}
}

func validateEscrowCreate(req EscrowCreateRequest) error {
	if strings.TrimSpace(req.Buyer) == "" {
		return errors.New("buyer is required")
	}
	if strings.TrimSpace(req.Seller) == "" {
		return errors.New("seller is required")
	}
	if strings.TrimSpace(req.Amount) == "" {
		return errors.New("amount is required")
	}
	return nil
}

func validateWebhookCreate(req webhookCreateRequest) error {
	if strings.TrimSpace(req.EventType) == "" {
		return errors.New("eventType is required")
	}
	raw := strings.TrimSpace(req.URL)
	if raw == "" {
		return errors.New("url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return errors.New("url must be a valid http or https endpoint")
	}
	if req.Secret == "" {
		return errors.New("secret is required")
	}
	if req.RateLimit < 0 {
		return errors.New("rateLimit must not be negative")
	}
	return nil
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}
