package auth

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func TestLevelDBNoncePersistenceAuthenticatorRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nonces")
	backend, err := NewLevelDBNoncePersistence(path)
	if err != nil {
		t.Fatalf("open persistence: %v", err)
	}
	var initial *LevelDBNoncePersistence = backend
	t.Cleanup(func() {
		if initial != nil {
			_ = initial.Close()
		}
	})
	now := time.Unix(1_717_787_717, 0).UTC()
	payload := []byte("payload")
	timestamp := strconv.FormatInt(now.Unix(), 10)
	nonce := "nonce-restart"
	options := func(p NoncePersistence) []Option {
		return []Option{
			WithTimestampSkew(time.Minute),
			WithNonceTTL(5 * time.Minute),
			WithNonceCapacity(32),
			WithPersistence(p),
			withClock(func() time.Time { return now }),
		}
	}

	auth := NewAuthenticator(map[string]string{"partner": "secret"}, options(backend)...)
	cutoff := now.Add(-5 * time.Minute)
	if err := auth.HydrateNonces(context.Background(), cutoff); err != nil {
		t.Fatalf("hydrate nonces: %v", err)
	}
	if _, err := auth.Authenticate(signedRequest("secret", "partner", timestamp, nonce, payload), payload); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if err := backend.Close(); err != nil {
		t.Fatalf("close persistence: %v", err)
	}
	initial = nil

	reopened, err := NewLevelDBNoncePersistence(path)
	if err != nil {
		t.Fatalf("reopen persistence: %v", err)
	}
	defer reopened.Close()

	authRestart := NewAuthenticator(map[string]string{"partner": "secret"}, options(reopened)...)
	if err := authRestart.HydrateNonces(context.Background(), cutoff); err != nil {
		t.Fatalf("hydrate restart: %v", err)
	}
	if _, err := authRestart.Authenticate(signedRequest("secret", "partner", timestamp, nonce, payload), payload); !errors.Is(err, ErrNonceReplay) {
		t.Fatalf("expected nonce replay after restart, got %v", err)
	}

	authCold := NewAuthenticator(map[string]string{"partner": "secret"}, options(reopened)...)
	if _, err := authCold.Authenticate(signedRequest("secret", "partner", timestamp, nonce, payload), payload); !errors.Is(err, ErrNonceReplay) {
		t.Fatalf("expected persistence to reject nonce, got %v", err)
	}
}

func TestLevelDBNoncePersistencePrune(t *testing.T) {
	backend, err := NewLevelDBNoncePersistence(filepath.Join(t.TempDir(), "nonces"))
	if err != nil {
		t.Fatalf("open persistence: %v", err)
	}
	defer backend.Close()

	ctx := context.Background()
	base := time.Unix(1_717_000_000, 0).UTC()
	records := []NonceRecord{
		{APIKey: "partner", Timestamp: "100", Nonce: "old", ObservedAt: base},
		{APIKey: "partner", Timestamp: "200", Nonce: "mid", ObservedAt: base.Add(2 * time.Minute)},
		{APIKey: "partner", Timestamp: "300", Nonce: "new", ObservedAt: base.Add(4 * time.Minute)},
	}
	for _, rec := range records {
		existed, err := backend.EnsureNonce(ctx, rec)
		if err != nil {
			t.Fatalf("ensure %s: %v", rec.Nonce, err)
		}
		if existed {
			t.Fatalf("expected %s to be a new record", rec.Nonce)
		}
	}

	if existed, err := backend.EnsureNonce(ctx, records[0]); err != nil || !existed {
		t.Fatalf("expected duplicate detection for old record, existed=%v err=%v", existed, err)
	}

	if err := backend.PruneNonces(ctx, base.Add(3*time.Minute)); err != nil {
		t.Fatalf("prune: %v", err)
	}

	remaining, err := backend.RecentNonces(ctx, time.Time{})
	if err != nil {
		t.Fatalf("recent after prune: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected a single surviving record, got %d", len(remaining))
	}
	if remaining[0].Nonce != "new" {
		t.Fatalf("expected newest record to survive, got %q", remaining[0].Nonce)
	}

	if existed, err := backend.EnsureNonce(ctx, records[0]); err != nil || existed {
		t.Fatalf("expected pruned record to be insertable again, existed=%v err=%v", existed, err)
	}
}
