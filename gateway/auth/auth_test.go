package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestReplayCacheCapacityEviction(t *testing.T) {
	cache := newReplayCache(5*time.Minute, 3)
	base := time.Unix(1700000000, 0).UTC()

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("nonce-%d", i)
		if cache.contains(key, base) {
			t.Fatalf("expected first observation of %s to be new", key)
		}
		cache.remember(key, base)
	}
	if got := len(cache.index); got != 3 {
		t.Fatalf("expected 3 entries after initial fill, got %d", got)
	}

	cache.remember("nonce-3", base)
	if got := len(cache.index); got != 3 {
		t.Fatalf("expected capacity to remain at 3, got %d", got)
	}
	if cache.contains("nonce-0", base) {
		t.Fatalf("expected oldest nonce to be evicted when capacity exceeded")
	}
	if !cache.contains("nonce-1", base) {
		t.Fatalf("expected recently cached nonce to be retained")
	}

	cache.remember("nonce-4", base)
	if got := len(cache.index); got != 3 {
		t.Fatalf("expected capacity to remain bounded at 3, got %d", got)
	}
}

func TestReplayCacheExpiresOldEntries(t *testing.T) {
	cache := newReplayCache(30*time.Second, 5)
	base := time.Unix(1700000000, 0).UTC()

	cache.remember("nonce-a", base)
	cache.remember("nonce-b", base.Add(5*time.Second))

	future := base.Add(1 * time.Minute)
	if cache.contains("nonce-a", future) {
		t.Fatalf("expected nonce-a to expire after the window")
	}
	if _, exists := cache.index["nonce-b"]; exists {
		t.Fatalf("expected expired nonce-b to be pruned")
	}

	cache.remember("nonce-b", future)
	if !cache.contains("nonce-b", future) {
		t.Fatalf("expected nonce-b to be cached again after expiry")
	}
}

func TestNewAuthenticatorClampsSecurityParameters(t *testing.T) {
	plain := NewAuthenticator(map[string]string{"a": "secret"})
	if plain.skew != defaultTimestampSkew {
		t.Fatalf("expected default skew %s, got %s", defaultTimestampSkew, plain.skew)
	}
	if plain.nonceTTL != defaultNonceWindow {
		t.Fatalf("expected default nonce TTL %s, got %s", defaultNonceWindow, plain.nonceTTL)
	}
	if plain.nonceCap != defaultNonceCapacity {
		t.Fatalf("expected default nonce capacity %d, got %d", defaultNonceCapacity, plain.nonceCap)
	}

	clamped := NewAuthenticator(map[string]string{"a": "secret"},
		WithTimestampSkew(15*time.Minute),
		WithNonceTTL(30*time.Minute),
		WithNonceCapacity(1_000_000),
	)
	if clamped.skew != maxAllowedTimestampSkew {
		t.Fatalf("expected timestamp skew to clamp to %s, got %s", maxAllowedTimestampSkew, clamped.skew)
	}
	if clamped.nonceTTL != maxNonceWindow {
		t.Fatalf("expected nonce TTL to clamp to %s, got %s", maxNonceWindow, clamped.nonceTTL)
	}
	if clamped.nonceCap != maxNonceCapacity {
		t.Fatalf("expected nonce capacity to clamp to %d, got %d", maxNonceCapacity, clamped.nonceCap)
	}
}

func signedRequest(secret, apiKey, timestamp, nonce string, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "https://example.test/v1/escrows", nil)
	req.Header.Set(HeaderAPIKey, apiKey)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	sig := ComputeSignature(secret, timestamp, nonce, http.MethodPost, CanonicalRequestPath(req), body)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	return req
}

func TestAuthenticateRejectsTamperedRequests(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := NewAuthenticator(map[string]string{"partner": "secret"}, withClock(func() time.Time { return now }))
	body := []byte(`{"amount":"5000"}`)
	timestamp := strconv.FormatInt(now.Unix(), 10)

	if _, err := auth.Authenticate(signedRequest("secret", "partner", timestamp, "n-1", body), body); err != nil {
		t.Fatalf("expected valid request to authenticate, got %v", err)
	}

	if _, err := auth.Authenticate(signedRequest("secret", "partner", timestamp, "n-1", body), body); !errors.Is(err, ErrNonceReplay) {
		t.Fatalf("expected nonce replay, got %v", err)
	}

	if _, err := auth.Authenticate(signedRequest("secret", "partner", timestamp, "n-2", body), body); !errors.Is(err, ErrTimestampReplay) {
		t.Fatalf("expected timestamp replay for non-increasing timestamp, got %v", err)
	}

	later := strconv.FormatInt(now.Unix()+1, 10)
	if _, err := auth.Authenticate(signedRequest("secret", "partner", later, "n-3", body), body); err != nil {
		t.Fatalf("expected later timestamp to authenticate, got %v", err)
	}

	stale := strconv.FormatInt(now.Add(-3*time.Minute).Unix(), 10)
	if _, err := auth.Authenticate(signedRequest("secret", "partner", stale, "n-4", body), body); !errors.Is(err, ErrTimestampSkew) {
		t.Fatalf("expected stale timestamp rejection, got %v", err)
	}

	if _, err := auth.Authenticate(signedRequest("secret", "ghost", later, "n-5", body), body); !errors.Is(err, ErrUnknownAPIKey) {
		t.Fatalf("expected unknown key rejection, got %v", err)
	}

	tampered := signedRequest("secret", "partner", strconv.FormatInt(now.Unix()+2, 10), "n-6", body)
	if _, err := auth.Authenticate(tampered, []byte(`{"amount":"9000"}`)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected signature mismatch for altered body, got %v", err)
	}

	wrongSecret := signedRequest("other", "partner", strconv.FormatInt(now.Unix()+3, 10), "n-7", body)
	if _, err := auth.Authenticate(wrongSecret, body); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected signature mismatch for wrong secret, got %v", err)
	}

	bare := httptest.NewRequest(http.MethodPost, "https://example.test/v1/escrows", nil)
	bare.Header.Set(HeaderAPIKey, "partner")
	if _, err := auth.Authenticate(bare, body); !errors.Is(err, ErrMissingHeader) {
		t.Fatalf("expected missing header rejection, got %v", err)
	}
}

func TestCanonicalQueryStableAcrossOrdering(t *testing.T) {
	first := httptest.NewRequest(http.MethodGet, "https://example.test/v1/events?limit=10&cursor=5", nil)
	second := httptest.NewRequest(http.MethodGet, "https://example.test/v1/events?cursor=5&limit=10", nil)
	if CanonicalRequestPath(first) != CanonicalRequestPath(second) {
		t.Fatalf("expected canonical paths to match: %q vs %q", CanonicalRequestPath(first), CanonicalRequestPath(second))
	}
	if got := CanonicalRequestPath(first); got != "/v1/events?cursor=5&limit=10" {
		t.Fatalf("unexpected canonical path %q", got)
	}
}

func TestAuthenticatorPersistsNonceUsage(t *testing.T) {
	backend := newFakePersistence()
	now := time.Unix(1_700_000_000, 0).UTC()
	payload := []byte("payload")
	timestamp := strconv.FormatInt(now.Unix(), 10)
	nonce := "nonce-42"
	options := []Option{
		WithTimestampSkew(2 * time.Minute),
		WithNonceTTL(5 * time.Minute),
		WithNonceCapacity(16),
		WithPersistence(backend),
		withClock(func() time.Time { return now }),
	}

	auth := NewAuthenticator(map[string]string{"partner": "secret"}, options...)
	cutoff := now.Add(-5 * time.Minute)
	if err := auth.HydrateNonces(context.Background(), cutoff); err != nil {
		t.Fatalf("hydrate nonces: %v", err)
	}
	principal, err := auth.Authenticate(signedRequest("secret", "partner", timestamp, nonce, payload), payload)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.APIKey != "partner" {
		t.Fatalf("unexpected principal: %+v", principal)
	}
	if count := backend.Count(); count != 1 {
		t.Fatalf("unexpected persisted nonce count: %d", count)
	}

	authRestart := NewAuthenticator(map[string]string{"partner": "secret"}, options...)
	if err := authRestart.HydrateNonces(context.Background(), cutoff); err != nil {
		t.Fatalf("hydrate restart: %v", err)
	}
	if _, err := authRestart.Authenticate(signedRequest("secret", "partner", timestamp, nonce, payload), payload); !errors.Is(err, ErrNonceReplay) {
		t.Fatalf("expected nonce replay after hydration, got %v", err)
	}

	authCold := NewAuthenticator(map[string]string{"partner": "secret"}, options...)
	if _, err := authCold.Authenticate(signedRequest("secret", "partner", timestamp, nonce, payload), payload); !errors.Is(err, ErrNonceReplay) {
		t.Fatalf("expected nonce replay via persistence, got %v", err)
	}
}

type fakePersistence struct {
	mu      sync.Mutex
	records map[string]NonceRecord
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{records: make(map[string]NonceRecord)}
}

func (f *fakePersistence) EnsureNonce(ctx context.Context, record NonceRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := record.APIKey + "|" + record.Timestamp + "|" + record.Nonce
	if existing, ok := f.records[key]; ok {
		if record.ObservedAt.After(existing.ObservedAt) {
			f.records[key] = record
		}
		return true, nil
	}
	f.records[key] = record
	return false, nil
}

func (f *fakePersistence) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]NonceRecord, 0, len(f.records))
	for _, rec := range f.records {
		if rec.ObservedAt.Before(cutoff) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakePersistence) PruneNonces(ctx context.Context, cutoff time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, rec := range f.records {
		if rec.ObservedAt.Before(cutoff) {
			delete(f.records, key)
		}
	}
	return nil
}

func (f *fakePersistence) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}
