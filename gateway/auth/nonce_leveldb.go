package auth

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB nonce layout. Each observation is stored twice: under its composite
// identity for point lookups and under a zero-padded observation time for
// ordered scans and pruning.
//
//	nonce:<apiKey>|<timestamp>|<nonce>            -> big-endian unix nanos
//	observed:<020d nanos>:<apiKey>|<timestamp>|<nonce> -> (empty)
const (
	nonceKeyPrefix    = "nonce:"
	observedKeyPrefix = "observed:"
)

var errPersistenceClosed = errors.New("auth: nonce persistence not configured")

// LevelDBNoncePersistence implements NoncePersistence on a LevelDB database.
type LevelDBNoncePersistence struct {
	db *leveldb.DB
}

// NewLevelDBNoncePersistence opens (or creates) the database at path.
func NewLevelDBNoncePersistence(path string) (*LevelDBNoncePersistence, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb nonce persistence path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb nonce path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb nonce store: %w", err)
	}
	return &LevelDBNoncePersistence{db: db}, nil
}

// Close releases the underlying database handle.
func (p *LevelDBNoncePersistence) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// EnsureNonce records the nonce and reports whether it already existed. A
// repeat observation with a later timestamp moves the record forward so
// pruning keeps the most recent use.
func (p *LevelDBNoncePersistence) EnsureNonce(ctx context.Context, record NonceRecord) (bool, error) {
	if p == nil || p.db == nil {
		return false, errPersistenceClosed
	}
	apiKey := strings.TrimSpace(record.APIKey)
	ts := strings.TrimSpace(record.Timestamp)
	nonce := strings.TrimSpace(record.Nonce)
	if apiKey == "" || ts == "" || nonce == "" {
		return false, fmt.Errorf("nonce record incomplete")
	}
	observed := record.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	composite := compositeNonceID(apiKey, ts, nonce)
	nonceKey := []byte(nonceKeyPrefix + composite)

	existing, err := p.db.Get(nonceKey, nil)
	if err == nil {
		previous := int64(binary.BigEndian.Uint64(existing))
		if next := observed.UnixNano(); next > previous {
			if err := p.advanceObserved(composite, nonceKey, previous, next); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	if !errors.Is(err, leveldb.ErrNotFound) {
		return false, fmt.Errorf("load nonce: %w", err)
	}

	nanos := observed.UnixNano()
	batch := new(leveldb.Batch)
	batch.Put(nonceKey, encodeUnixNano(nanos))
	batch.Put([]byte(observedKey(nanos, composite)), nil)
	if err := p.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return false, nil
}

// RecentNonces returns records observed at or after cutoff, oldest first.
func (p *LevelDBNoncePersistence) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	if p == nil || p.db == nil {
		return nil, errPersistenceClosed
	}
	start := []byte(observedKey(cutoff.UTC().UnixNano(), ""))
	iter := p.db.NewIterator(util.BytesPrefix([]byte(observedKeyPrefix)), nil)
	defer iter.Release()

	records := make([]NonceRecord, 0)
	for ok := iter.Seek(start); ok; ok = iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, ok := decodeObservedKey(iter.Key())
		if !ok {
			continue
		}
		records = append(records, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate observed nonces: %w", err)
	}
	return records, nil
}

// PruneNonces deletes records observed before cutoff.
func (p *LevelDBNoncePersistence) PruneNonces(ctx context.Context, cutoff time.Time) error {
	if p == nil || p.db == nil {
		return errPersistenceClosed
	}
	limit := []byte(observedKey(cutoff.UTC().UnixNano(), ""))
	iter := p.db.NewIterator(util.BytesPrefix([]byte(observedKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if bytes.Compare(iter.Key(), limit) >= 0 {
			break
		}
		composite, _, ok := splitObservedKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(nonceKeyPrefix + composite))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate observed nonces: %w", err)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := p.db.Write(batch, nil); err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}
	return nil
}

func (p *LevelDBNoncePersistence) advanceObserved(composite string, nonceKey []byte, previous, next int64) error {
	batch := new(leveldb.Batch)
	batch.Put(nonceKey, encodeUnixNano(next))
	batch.Delete([]byte(observedKey(previous, composite)))
	batch.Put([]byte(observedKey(next, composite)), nil)
	if err := p.db.Write(batch, nil); err != nil {
		return fmt.Errorf("update observed nonce: %w", err)
	}
	return nil
}

func observedKey(nanos int64, composite string) string {
	return fmt.Sprintf("%s%020d:%s", observedKeyPrefix, nanos, composite)
}

// splitObservedKey recovers the composite identity and observation time from
// an observed: key.
func splitObservedKey(key []byte) (string, int64, bool) {
	rest, ok := strings.CutPrefix(string(key), observedKeyPrefix)
	if !ok {
		return "", 0, false
	}
	stamp, composite, ok := strings.Cut(rest, ":")
	if !ok {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return composite, nanos, true
}

func decodeObservedKey(key []byte) (NonceRecord, bool) {
	composite, nanos, ok := splitObservedKey(key)
	if !ok {
		return NonceRecord{}, false
	}
	parts := strings.SplitN(composite, "|", 3)
	if len(parts) != 3 {
		return NonceRecord{}, false
	}
	return NonceRecord{
		APIKey:     parts[0],
		Timestamp:  parts[1],
		Nonce:      parts[2],
		ObservedAt: time.Unix(0, nanos).UTC(),
	}, true
}

func encodeUnixNano(nanos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}

func compositeNonceID(apiKey, timestamp, nonce string) string {
	return strings.Join([]string{apiKey, timestamp, nonce}, "|")
}
