package auth

import (
	"container/list"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderAPIKey carries the caller's API key identifier.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp carries the unix timestamp (seconds) the request was
	// signed at.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce carries the caller-chosen nonce that, together with the
	// timestamp, protects against replay.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 signature.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature is the largest body the gateway will hash when
	// verifying a signature.
	MaxBodyForSignature int = 1 << 20 // 1 MiB

	maxAllowedTimestampSkew  = 2 * time.Minute
	defaultTimestampSkew     = maxAllowedTimestampSkew
	maxNonceWindow           = 10 * time.Minute
	defaultNonceWindow       = maxNonceWindow
	defaultNonceCapacity     = 4096
	maxNonceCapacity         = 65536
	persistencePruneInterval = time.Minute
)

// Principal identifies an authenticated API client.
type Principal struct {
	APIKey string
}

// NonceRecord captures one persisted nonce observation.
type NonceRecord struct {
	APIKey     string
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence stores nonce usage durably so replay protection survives
// process restarts.
type NoncePersistence interface {
	// EnsureNonce records the nonce and reports whether it already existed.
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	// RecentNonces returns records observed at or after cutoff.
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	// PruneNonces deletes records observed before cutoff.
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

type config struct {
	skew        time.Duration
	nonceTTL    time.Duration
	nonceCap    int
	now         func() time.Time
	persistence NoncePersistence
}

func (c *config) clamp() {
	if c.skew <= 0 {
		c.skew = defaultTimestampSkew
	}
	if c.skew > maxAllowedTimestampSkew {
		c.skew = maxAllowedTimestampSkew
	}
	if c.nonceTTL <= 0 {
		c.nonceTTL = defaultNonceWindow
	}
	if c.nonceTTL > maxNonceWindow {
		c.nonceTTL = maxNonceWindow
	}
	if c.nonceCap <= 0 {
		c.nonceCap = defaultNonceCapacity
	}
	if c.nonceCap > maxNonceCapacity {
		c.nonceCap = maxNonceCapacity
	}
	if c.now == nil {
		c.now = time.Now
	}
}

// Option adjusts authenticator behaviour.
type Option func(*config)

// WithTimestampSkew bounds how far request timestamps may drift from server
// time. Values above the hard maximum are clamped.
func WithTimestampSkew(skew time.Duration) Option {
	return func(c *config) { c.skew = skew }
}

// WithNonceTTL sets how long used nonces are remembered for replay checks.
// Values above the hard maximum are clamped.
func WithNonceTTL(ttl time.Duration) Option {
	return func(c *config) { c.nonceTTL = ttl }
}

// WithNonceCapacity bounds the number of nonces cached in memory per API key.
func WithNonceCapacity(capacity int) Option {
	return func(c *config) { c.nonceCap = capacity }
}

// WithPersistence attaches durable nonce storage.
func WithPersistence(p NoncePersistence) Option {
	return func(c *config) { c.persistence = p }
}

func withClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// Authenticator verifies API key plus HMAC signatures on gateway requests.
type Authenticator struct {
	secrets     map[string]string
	skew        time.Duration
	nonceTTL    time.Duration
	nonceCap    int
	now         func() time.Time
	persistence NoncePersistence

	cacheMu sync.Mutex
	caches  map[string]*replayCache

	floorMu sync.Mutex
	floors  map[string]int64

	pruneMu   sync.Mutex
	lastPrune time.Time
}

// NewAuthenticator builds an Authenticator for the supplied clients. The map
// holds API key identifiers mapped to their shared secrets. Skew, nonce TTL
// and nonce capacity default to the package limits; options above the hard
// maxima are clamped.
func NewAuthenticator(secrets map[string]string, opts ...Option) *Authenticator {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.clamp()
	cloned := make(map[string]string, len(secrets))
	for k, v := range secrets {
		cloned[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return &Authenticator{
		secrets:     cloned,
		skew:        cfg.skew,
		nonceTTL:    cfg.nonceTTL,
		nonceCap:    cfg.nonceCap,
		now:         cfg.now,
		persistence: cfg.persistence,
		caches:      make(map[string]*replayCache),
		floors:      make(map[string]int64),
	}
}

type credentials struct {
	apiKey    string
	timestamp string
	nonce     string
	signature string
}

func extractCredentials(r *http.Request) (credentials, error) {
	var c credentials
	for _, field := range []struct {
		header string
		dst    *string
	}{
		{HeaderAPIKey, &c.apiKey},
		{HeaderTimestamp, &c.timestamp},
		{HeaderNonce, &c.nonce},
		{HeaderSignature, &c.signature},
	} {
		value := strings.TrimSpace(r.Header.Get(field.header))
		if value == "" {
			return credentials{}, fmt.Errorf("%w: %s", ErrMissingHeader, field.header)
		}
		*field.dst = value
	}
	return c, nil
}

// Authenticate validates the request headers and signature and returns the
// caller principal. Failures are reported through the package sentinel
// errors.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, ErrBodyTooLarge
	}
	creds, err := extractCredentials(r)
	if err != nil {
		return nil, err
	}
	secret, ok := a.secrets[creds.apiKey]
	if !ok || secret == "" {
		return nil, ErrUnknownAPIKey
	}
	ts, err := parseUnixTimestamp(creds.timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadTimestamp, err)
	}
	now := a.now().UTC()
	drift := now.Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if a.skew > 0 && drift > a.skew {
		return nil, ErrTimestampSkew
	}
	want := ComputeSignature(secret, creds.timestamp, creds.nonce, r.Method, CanonicalRequestPath(r), body)
	got, err := hex.DecodeString(creds.signature)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	if !hmac.Equal(got, want) {
		return nil, ErrInvalidSignature
	}
	replayed, err := a.registerNonce(r.Context(), creds.apiKey, creds.timestamp, creds.nonce, now)
	if err != nil {
		return nil, err
	}
	if replayed {
		return nil, ErrNonceReplay
	}
	if a.timestampReplayed(creds.apiKey, ts, now) {
		return nil, ErrTimestampReplay
	}
	return &Principal{APIKey: creds.apiKey}, nil
}

// HydrateNonces warms the per-key caches from persisted usage records
// observed at or after cutoff. Call it once at startup, before serving.
func (a *Authenticator) HydrateNonces(ctx context.Context, cutoff time.Time) error {
	if a == nil || a.persistence == nil {
		return nil
	}
	records, err := a.persistence.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persisted nonces: %w", err)
	}
	for _, rec := range records {
		if strings.TrimSpace(rec.APIKey) == "" || strings.TrimSpace(rec.Timestamp) == "" || strings.TrimSpace(rec.Nonce) == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		a.cacheFor(rec.APIKey).remember(rec.Timestamp+"|"+rec.Nonce, observed)
	}
	return nil
}

// registerNonce reports whether the timestamp and nonce pair was seen before,
// consulting the in-memory cache first and the persistence backend second.
func (a *Authenticator) registerNonce(ctx context.Context, apiKey, timestamp, nonce string, now time.Time) (bool, error) {
	cache := a.cacheFor(apiKey)
	composite := timestamp + "|" + nonce
	if cache.contains(composite, now) {
		return true, nil
	}
	if a.persistence != nil {
		if err := a.prunePersistent(ctx, now); err != nil {
			return false, err
		}
		existed, err := a.persistence.EnsureNonce(ctx, NonceRecord{
			APIKey:     apiKey,
			Timestamp:  timestamp,
			Nonce:      nonce,
			ObservedAt: now,
		})
		if err != nil {
			return false, fmt.Errorf("persist nonce: %w", err)
		}
		if existed {
			cache.remember(composite, now)
			return true, nil
		}
	}
	cache.remember(composite, now)
	return false, nil
}

func (a *Authenticator) prunePersistent(ctx context.Context, now time.Time) error {
	if a.persistence == nil || a.nonceTTL <= 0 {
		return nil
	}
	a.pruneMu.Lock()
	due := a.lastPrune.IsZero() || now.Sub(a.lastPrune) >= persistencePruneInterval
	if due {
		a.lastPrune = now
	}
	a.pruneMu.Unlock()
	if !due {
		return nil
	}
	if err := a.persistence.PruneNonces(ctx, now.Add(-a.nonceTTL)); err != nil {
		return fmt.Errorf("prune persisted nonces: %w", err)
	}
	return nil
}

// timestampReplayed enforces per-key timestamp monotonicity inside the skew
// window. Floors older than the window are discarded so a quiet client can
// resume with any in-window timestamp.
func (a *Authenticator) timestampReplayed(apiKey string, ts time.Time, now time.Time) bool {
	if a.skew <= 0 {
		return false
	}
	horizon := now.Add(-a.skew).Unix()
	current := ts.Unix()

	a.floorMu.Lock()
	defer a.floorMu.Unlock()

	floor, ok := a.floors[apiKey]
	if ok {
		if floor > horizon {
			if current <= floor {
				return true
			}
		} else {
			delete(a.floors, apiKey)
			ok = false
		}
	}
	if !ok || current > floor {
		a.floors[apiKey] = current
	}
	return false
}

func (a *Authenticator) cacheFor(apiKey string) *replayCache {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	cache, ok := a.caches[apiKey]
	if !ok {
		cache = newReplayCache(a.nonceTTL, a.nonceCap)
		a.caches[apiKey] = cache
	}
	return cache
}

// CanonicalRequestPath normalises the URL path and query ordering for
// signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery sorts raw query parameters so both sides sign the same
// string regardless of parameter order.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// ComputeSignature returns the HMAC-SHA256 signature bytes over the request
// metadata. The signed payload joins the timestamp, nonce, upper-cased
// method, canonical path and body with newlines.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

// replayCache tracks nonces observed for one API key. Entries expire after
// the TTL and the oldest entry is evicted once capacity is reached.
type replayCache struct {
	ttl      time.Duration
	capacity int

	mu    sync.Mutex
	index map[string]*list.Element
	order *list.List
}

type cacheEntry struct {
	key      string
	observed time.Time
}

func newReplayCache(ttl time.Duration, capacity int) *replayCache {
	return &replayCache{
		ttl:      ttl,
		capacity: capacity,
		index:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// contains reports whether key is cached, dropping expired entries first.
func (c *replayCache) contains(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropExpired(now)
	_, ok := c.index[key]
	return ok
}

// remember inserts key, refreshing its position when already present.
func (c *replayCache) remember(key string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropExpired(now)
	if elem, ok := c.index[key]; ok {
		elem.Value = cacheEntry{key: key, observed: now}
		c.order.MoveToBack(elem)
		return
	}
	for c.capacity > 0 && c.order.Len() >= c.capacity {
		c.dropOldest()
	}
	c.index[key] = c.order.PushBack(cacheEntry{key: key, observed: now})
}

func (c *replayCache) dropExpired(now time.Time) {
	cutoff := now.Add(-c.ttl)
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		entry := front.Value.(cacheEntry)
		if !entry.observed.Before(cutoff) {
			return
		}
		c.order.Remove(front)
		delete(c.index, entry.key)
	}
}

func (c *replayCache) dropOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(cacheEntry)
	c.order.Remove(front)
	delete(c.index, entry.key)
}
