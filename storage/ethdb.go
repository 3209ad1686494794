package storage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// newTrieDatabase wraps a key-value store into the layered database the
// go-ethereum trie expects. The hash scheme keeps node keys content-addressed,
// matching the keccak-hashed keys used across the state manager.
func newTrieDatabase(kv ethdb.KeyValueStore) *triedb.Database {
	return triedb.NewDatabase(rawdb.NewDatabase(kv), triedb.HashDefaults)
}

// --- MemDB adapter ---

// memKV adapts MemDB to the go-ethereum key-value store interface. Close is a
// no-op: the lifecycle belongs to the owning MemDB.
type memKV struct {
	db *MemDB
}

func (m *memKV) Has(key []byte) (bool, error) { return m.db.Has(key) }

func (m *memKV) Get(key []byte) ([]byte, error) { return m.db.Get(key) }

func (m *memKV) Put(key []byte, value []byte) error { return m.db.Put(key, value) }

func (m *memKV) Delete(key []byte) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	delete(m.db.data, string(key))
	return nil
}

func (m *memKV) DeleteRange(start, end []byte) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for key := range m.db.data {
		if key >= string(start) && (len(end) == 0 || key < string(end)) {
			delete(m.db.data, key)
		}
	}
	return nil
}

func (m *memKV) Stat() (string, error) {
	m.db.mu.RLock()
	defer m.db.mu.RUnlock()
	return fmt.Sprintf("entries=%d", len(m.db.data)), nil
}

func (m *memKV) Compact(start []byte, limit []byte) error { return nil }

func (m *memKV) NewBatch() ethdb.Batch { return &kvBatch{write: m.applyOp} }

func (m *memKV) NewBatchWithSize(size int) ethdb.Batch { return &kvBatch{write: m.applyOp} }

func (m *memKV) applyOp(op kvOp) error {
	if op.del {
		return m.Delete(op.key)
	}
	return m.Put(op.key, op.value)
}

func (m *memKV) NewIterator(prefix []byte, start []byte) ethdb.Iterator {
	m.db.mu.RLock()
	defer m.db.mu.RUnlock()
	pr := string(prefix)
	first := pr + string(start)
	keys := make([]string, 0, len(m.db.data))
	for key := range m.db.data {
		if strings.HasPrefix(key, pr) && key >= first {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	values := make([][]byte, 0, len(keys))
	for _, key := range keys {
		values = append(values, append([]byte(nil), m.db.data[key]...))
	}
	return &memIterator{keys: keys, values: values, index: -1}
}

func (m *memKV) Close() error { return nil }

// memIterator walks a sorted snapshot taken at creation time.
type memIterator struct {
	keys   []string
	values [][]byte
	index  int
}

func (it *memIterator) Next() bool {
	if it.index >= len(it.keys) {
		return false
	}
	it.index++
	return it.index < len(it.keys)
}

func (it *memIterator) Error() error { return nil }

func (it *memIterator) Key() []byte {
	if it.index < 0 || it.index >= len(it.keys) {
		return nil
	}
	return []byte(it.keys[it.index])
}

func (it *memIterator) Value() []byte {
	if it.index < 0 || it.index >= len(it.values) {
		return nil
	}
	return it.values[it.index]
}

func (it *memIterator) Release() {
	it.keys = nil
	it.values = nil
}

// --- LevelDB adapter ---

// levelKV adapts a raw goleveldb handle to the go-ethereum key-value store
// interface. Close is a no-op: the owning LevelDB closes the handle.
type levelKV struct {
	db *leveldb.DB
}

func (l *levelKV) Has(key []byte) (bool, error) { return l.db.Has(key, nil) }

func (l *levelKV) Get(key []byte) ([]byte, error) { return l.db.Get(key, nil) }

func (l *levelKV) Put(key []byte, value []byte) error { return l.db.Put(key, value, nil) }

func (l *levelKV) Delete(key []byte) error { return l.db.Delete(key, nil) }

func (l *levelKV) DeleteRange(start, end []byte) error {
	iter := l.db.NewIterator(&util.Range{Start: start, Limit: end}, nil)
	defer iter.Release()
	for iter.Next() {
		if err := l.db.Delete(iter.Key(), nil); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (l *levelKV) Stat() (string, error) {
	return l.db.GetProperty("leveldb.stats")
}

func (l *levelKV) Compact(start []byte, limit []byte) error {
	return l.db.CompactRange(util.Range{Start: start, Limit: limit})
}

func (l *levelKV) NewBatch() ethdb.Batch { return &kvBatch{write: l.applyOp} }

func (l *levelKV) NewBatchWithSize(size int) ethdb.Batch { return &kvBatch{write: l.applyOp} }

func (l *levelKV) applyOp(op kvOp) error {
	if op.del {
		return l.db.Delete(op.key, nil)
	}
	return l.db.Put(op.key, op.value, nil)
}

func (l *levelKV) NewIterator(prefix []byte, start []byte) ethdb.Iterator {
	return l.db.NewIterator(bytesPrefixRange(prefix, start), nil)
}

func (l *levelKV) Close() error { return nil }

// bytesPrefixRange returns a key range covering the given prefix from the
// given seek position.
func bytesPrefixRange(prefix, start []byte) *util.Range {
	r := util.BytesPrefix(prefix)
	r.Start = append(r.Start, start...)
	return r
}

// --- shared batch ---

type kvOp struct {
	key   []byte
	value []byte
	del   bool
}

// kvBatch buffers writes and flushes them through the owning store on Write.
type kvBatch struct {
	write func(kvOp) error
	ops   []kvOp
	size  int
}

func (b *kvBatch) Put(key []byte, value []byte) error {
	b.ops = append(b.ops, kvOp{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	b.size += len(key) + len(value)
	return nil
}

func (b *kvBatch) Delete(key []byte) error {
	b.ops = append(b.ops, kvOp{key: append([]byte(nil), key...), del: true})
	b.size += len(key)
	return nil
}

func (b *kvBatch) DeleteRange(start, end []byte) error {
	return fmt.Errorf("storage: range deletion not supported in batches")
}

func (b *kvBatch) ValueSize() int { return b.size }

func (b *kvBatch) Write() error {
	for _, op := range b.ops {
		if err := b.write(op); err != nil {
			return err
		}
	}
	return nil
}

func (b *kvBatch) Reset() {
	b.ops = b.ops[:0]
	b.size = 0
}

func (b *kvBatch) Replay(w ethdb.KeyValueWriter) error {
	for _, op := range b.ops {
		if op.del {
			if err := w.Delete(op.key); err != nil {
				return err
			}
			continue
		}
		if err := w.Put(op.key, op.value); err != nil {
			return err
		}
	}
	return nil
}
