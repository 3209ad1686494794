package core

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"custos/core/types"
	"custos/crypto"
)

const eventHistoryLimit = 2048

// Maximum page size handed out by EventsSince regardless of the requested
// limit.
const eventsSinceMaxLimit = 1024

const eventsSinceDefaultLimit = 256

// System-level event types published by the node itself rather than the
// escrow engine.
const (
	EventTypePauseUpdated = "system.pause_updated"
	EventTypeMinted       = "system.minted"
)

var eventLogPrefix = []byte("custos/events/tx/")

// EventEntry is one journal record: an emitted event annotated with its
// position in the stream and the logical tick it was committed at.
type EventEntry struct {
	Sequence uint64
	Cursor   string
	Tick     uint64
	Event    *types.Event
}

func cloneEventEntry(entry EventEntry) EventEntry {
	cloned := entry
	cloned.Event = entry.Event.Clone()
	return cloned
}

// NewPauseUpdatedEvent reports an owner toggling the escrow pause.
func NewPauseUpdatedEvent(paused bool) *types.Event {
	return &types.Event{
		Type: EventTypePauseUpdated,
		Attributes: map[string]string{
			"paused": strconv.FormatBool(paused),
		},
	}
}

// NewMintedEvent reports freshly issued funds credited to an account.
func NewMintedEvent(addr [20]byte, amount *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeMinted,
		Attributes: map[string]string{
			"account": crypto.FormatAccount(addr),
			"amount":  amount.String(),
		},
	}
}

// storedEvent mirrors EventEntry for persistence. RLP cannot encode maps so
// the attribute map is flattened into parallel key and value slices, sorted
// by key for a deterministic encoding.
type storedEvent struct {
	Sequence uint64
	Tick     uint64
	Type     string
	Keys     []string
	Values   []string
}

func storedFromEntry(entry EventEntry) storedEvent {
	stored := storedEvent{
		Sequence: entry.Sequence,
		Tick:     entry.Tick,
		Type:     entry.Event.Type,
	}
	keys := make([]string, 0, len(entry.Event.Attributes))
	for key := range entry.Event.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	stored.Keys = keys
	stored.Values = make([]string, 0, len(keys))
	for _, key := range keys {
		stored.Values = append(stored.Values, entry.Event.Attributes[key])
	}
	return stored
}

func (s storedEvent) entry() EventEntry {
	event := &types.Event{Type: s.Type, Attributes: make(map[string]string, len(s.Keys))}
	for i, key := range s.Keys {
		if i < len(s.Values) {
			event.Attributes[key] = s.Values[i]
		}
	}
	return EventEntry{
		Sequence: s.Sequence,
		Cursor:   strconv.FormatUint(s.Sequence, 10),
		Tick:     s.Tick,
		Event:    event,
	}
}

func eventLogKey(id uint64) []byte {
	key := make([]byte, len(eventLogPrefix)+8)
	copy(key, eventLogPrefix)
	binary.BigEndian.PutUint64(key[len(eventLogPrefix):], id)
	return key
}

// publishEvents appends committed events to the journal, persists the
// per-transaction log and fans the entries out to stream subscribers.
// Delivery to subscribers is best effort: a slow consumer misses entries and
// is expected to resynchronise via its cursor.
func (n *Node) publishEvents(committed []*types.Event) {
	if len(committed) == 0 {
		return
	}
	tick := n.CurrentTick()

	n.journalMu.Lock()
	if n.journalSubs == nil {
		n.journalSubs = make(map[uint64]chan EventEntry)
	}
	entries := make([]EventEntry, 0, len(committed))
	for _, event := range committed {
		if event == nil {
			continue
		}
		n.journalSeq++
		entry := EventEntry{
			Sequence: n.journalSeq,
			Cursor:   strconv.FormatUint(n.journalSeq, 10),
			Tick:     tick,
			Event:    event.Clone(),
		}
		entries = append(entries, entry)
		n.journalHistory = append(n.journalHistory, cloneEventEntry(entry))
		n.appendEventLogLocked(entry)
	}
	if len(n.journalHistory) > eventHistoryLimit {
		excess := len(n.journalHistory) - eventHistoryLimit
		trimmed := make([]EventEntry, eventHistoryLimit)
		copy(trimmed, n.journalHistory[excess:])
		n.journalHistory = trimmed
	}
	subscribers := make([]chan EventEntry, 0, len(n.journalSubs))
	for _, ch := range n.journalSubs {
		subscribers = append(subscribers, ch)
	}
	n.journalMu.Unlock()

	for _, entry := range entries {
		for _, ch := range subscribers {
			select {
			case ch <- cloneEventEntry(entry):
			default:
			}
		}
	}
}

func (n *Node) appendEventLogLocked(entry EventEntry) {
	raw, ok := entry.Event.Attributes["id"]
	if !ok {
		return
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return
	}
	key := eventLogKey(id)
	var log []storedEvent
	if has, err := n.db.Has(key); err == nil && has {
		if encoded, err := n.db.Get(key); err == nil {
			_ = rlp.DecodeBytes(encoded, &log)
		}
	}
	log = append(log, storedFromEntry(entry))
	encoded, err := rlp.EncodeToBytes(log)
	if err != nil {
		return
	}
	_ = n.db.Put(key, encoded)
}

// EscrowEvents returns the durable event log for a single transaction,
// oldest first. Unlike the in-memory journal this log is never trimmed and
// survives restarts.
func (n *Node) EscrowEvents(id uint64) ([]EventEntry, error) {
	key := eventLogKey(id)

	n.journalMu.Lock()
	defer n.journalMu.Unlock()

	has, err := n.db.Has(key)
	if err != nil {
		return nil, err
	}
	if !has {
		return []EventEntry{}, nil
	}
	encoded, err := n.db.Get(key)
	if err != nil {
		return nil, err
	}
	var log []storedEvent
	if err := rlp.DecodeBytes(encoded, &log); err != nil {
		return nil, fmt.Errorf("node: decode event log for %d: %w", id, err)
	}
	entries := make([]EventEntry, 0, len(log))
	for _, stored := range log {
		entries = append(entries, stored.entry())
	}
	return entries, nil
}

func parseEventCursor(cursor string) uint64 {
	trimmed := strings.TrimSpace(cursor)
	if trimmed == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

// EventsSubscribe registers a live subscriber for journal entries published
// after the supplied cursor. The backlog covers entries already in the
// in-memory window; the returned cancel func must be called to release the
// subscription.
func (n *Node) EventsSubscribe(ctx context.Context, cursor string) (<-chan EventEntry, func(), []EventEntry, error) {
	if n == nil {
		return nil, nil, nil, fmt.Errorf("node not initialised")
	}
	updates := make(chan EventEntry, 32)
	since := parseEventCursor(cursor)

	n.journalMu.Lock()
	if n.journalSubs == nil {
		n.journalSubs = make(map[uint64]chan EventEntry)
	}
	id := n.journalNextID
	n.journalNextID++
	n.journalSubs[id] = updates
	history := make([]EventEntry, len(n.journalHistory))
	copy(history, n.journalHistory)
	n.journalMu.Unlock()

	backlog := make([]EventEntry, 0, len(history))
	for _, entry := range history {
		if entry.Sequence > since {
			backlog = append(backlog, cloneEventEntry(entry))
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.journalMu.Lock()
			sub, ok := n.journalSubs[id]
			if ok {
				delete(n.journalSubs, id)
				close(sub)
			}
			n.journalMu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return updates, cancel, backlog, nil
}

// EventsSince returns up to limit journal entries published after the
// supplied cursor together with the cursor to resume from. Entries older
// than the in-memory window are not recoverable through this call.
func (n *Node) EventsSince(cursor string, limit int) ([]EventEntry, string, error) {
	if n == nil {
		return nil, "", fmt.Errorf("node not initialised")
	}
	if limit <= 0 {
		limit = eventsSinceDefaultLimit
	}
	if limit > eventsSinceMaxLimit {
		limit = eventsSinceMaxLimit
	}
	since := parseEventCursor(cursor)

	n.journalMu.Lock()
	history := make([]EventEntry, len(n.journalHistory))
	copy(history, n.journalHistory)
	n.journalMu.Unlock()

	entries := make([]EventEntry, 0, limit)
	next := since
	for _, entry := range history {
		if entry.Sequence <= since {
			continue
		}
		entries = append(entries, cloneEventEntry(entry))
		next = entry.Sequence
		if len(entries) >= limit {
			break
		}
	}
	return entries, strconv.FormatUint(next, 10), nil
}
