package core

import (
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"custos/native/common"
	"custos/native/escrow"
	"custos/storage"
)

const testGenesisUnix uint64 = 1_700_000_000

var (
	nodeOwner     = [20]byte{0x0A}
	nodeBuyer     = [20]byte{0x01}
	nodeSeller    = [20]byte{0x02}
	nodeArb       = [20]byte{0x03}
	nodeCollector = [20]byte{0x0B}
	nodeOutsider  = [20]byte{0x0C}
)

// tickClock drives the node's logical clock from a controllable unix time.
type tickClock struct {
	mu   sync.Mutex
	unix uint64
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Unix(int64(c.unix), 0)
}

func (c *tickClock) AdvanceTicks(ticks uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unix += ticks * DefaultTickSeconds
}

func testNodeConfig() NodeConfig {
	return NodeConfig{
		Owner:       nodeOwner,
		GenesisTime: testGenesisUnix,
		TickSeconds: DefaultTickSeconds,
		FeePolicy:   escrow.FeePolicy{BasisPoints: 100, Collector: nodeCollector},
		Arbitrators: [][20]byte{nodeArb},
		Alloc: map[[20]byte]*big.Int{
			nodeBuyer: big.NewInt(10_000_000),
		},
	}
}

func newTestNode(t *testing.T) (*Node, *tickClock) {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	node, err := NewNode(db, testNodeConfig())
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	clock := &tickClock{unix: testGenesisUnix}
	node.SetNowFunc(clock.Now)
	return node, clock
}

func nodeBalance(t *testing.T, node *Node, addr [20]byte) *big.Int {
	t.Helper()
	account, err := node.GetAccount(addr[:])
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return account.Balance
}

func TestNewNodeGenesisState(t *testing.T) {
	node, _ := newTestNode(t)

	if got := nodeBalance(t, node, nodeBuyer); got.Cmp(big.NewInt(10_000_000)) != 0 {
		t.Fatalf("buyer allocation = %s, want 10000000", got)
	}
	if !node.EscrowIsArbitrator(nodeArb) {
		t.Fatalf("genesis arbitrator not registered")
	}
	policy, err := node.EscrowFeePolicy()
	if err != nil {
		t.Fatalf("fee policy: %v", err)
	}
	if policy.BasisPoints != 100 || policy.Collector != nodeCollector {
		t.Fatalf("unexpected fee policy %+v", policy)
	}
	root, version := node.Head()
	if version != 1 {
		t.Fatalf("genesis head version = %d, want 1", version)
	}
	if root == ([32]byte{}) {
		t.Fatalf("genesis root must not be empty")
	}
	if tick := node.CurrentTick(); tick != 0 {
		t.Fatalf("tick at genesis = %d, want 0", tick)
	}
}

func TestNodeRejectsNilDatabase(t *testing.T) {
	if _, err := NewNode(nil, testNodeConfig()); err == nil {
		t.Fatalf("expected error for nil database")
	}
}

func TestNodeLifecycleEndToEnd(t *testing.T) {
	node, clock := newTestNode(t)

	tx, err := node.EscrowCreate(nodeBuyer, nodeSeller, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tx.ID != 1 {
		t.Fatalf("first transaction id = %d, want 1", tx.ID)
	}
	if got := nodeBalance(t, node, nodeBuyer); got.Cmp(big.NewInt(9_000_000)) != 0 {
		t.Fatalf("buyer balance after create = %s, want 9000000", got)
	}
	vault := node.EscrowVaultAddress()
	if got := nodeBalance(t, node, vault); got.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("vault balance after create = %s, want 1000000", got)
	}

	clock.AdvanceTicks(10)
	if err := node.EscrowConfirmDelivery(1, nodeBuyer); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	stored, err := node.EscrowGet(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.ConfirmedAt != 10 {
		t.Fatalf("confirmedAt = %d, want 10", stored.ConfirmedAt)
	}
	if stored.DisputeDeadline != 10+escrow.DisputeWindow {
		t.Fatalf("disputeDeadline = %d, want %d", stored.DisputeDeadline, 10+escrow.DisputeWindow)
	}

	clock.AdvanceTicks(escrow.DisputeWindow + 1)
	if err := node.EscrowRelease(1, nodeOutsider); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := nodeBalance(t, node, nodeSeller); got.Cmp(big.NewInt(990_000)) != 0 {
		t.Fatalf("seller payout = %s, want 990000", got)
	}
	if got := nodeBalance(t, node, nodeCollector); got.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("collector fee = %s, want 10000", got)
	}
	if got := nodeBalance(t, node, vault); got.Sign() != 0 {
		t.Fatalf("vault must be drained, got %s", got)
	}

	entries, err := node.EscrowEvents(1)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	wantTypes := []string{
		escrow.EventTypeCreated,
		escrow.EventTypeConfirmed,
		escrow.EventTypeReleased,
	}
	if len(entries) != len(wantTypes) {
		t.Fatalf("event log length = %d, want %d", len(entries), len(wantTypes))
	}
	for i, want := range wantTypes {
		if entries[i].Event.Type != want {
			t.Fatalf("event[%d] type = %s, want %s", i, entries[i].Event.Type, want)
		}
	}
	if entries[1].Tick != 10 {
		t.Fatalf("confirm event tick = %d, want 10", entries[1].Tick)
	}

	_, version := node.Head()
	if version != 4 {
		t.Fatalf("head version after three transitions = %d, want 4", version)
	}
}

func TestNodeRollbackOnFailure(t *testing.T) {
	node, _ := newTestNode(t)

	if _, err := node.EscrowCreate(nodeBuyer, nodeSeller, big.NewInt(1_000)); err != nil {
		t.Fatalf("create: %v", err)
	}
	rootBefore, versionBefore := node.Head()

	err := node.EscrowConfirmDelivery(1, nodeOutsider)
	if !errors.Is(err, escrow.ErrUnauthorized) {
		t.Fatalf("confirm by outsider: %v, want ErrUnauthorized", err)
	}

	rootAfter, versionAfter := node.Head()
	if rootAfter != rootBefore || versionAfter != versionBefore {
		t.Fatalf("failed transition moved head: %x/%d -> %x/%d",
			rootBefore, versionBefore, rootAfter, versionAfter)
	}
	entries, err := node.EscrowEvents(1)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("event log length after failed transition = %d, want 1", len(entries))
	}
	stored, err := node.EscrowGet(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != escrow.StatusPending || stored.ConfirmedAt != 0 {
		t.Fatalf("transaction mutated by failed transition: %+v", stored)
	}
}

func TestNodePauseBlocksLifecycle(t *testing.T) {
	node, _ := newTestNode(t)

	if err := node.SetEscrowPaused(nodeOutsider, true); !errors.Is(err, escrow.ErrUnauthorized) {
		t.Fatalf("pause by outsider: %v, want ErrUnauthorized", err)
	}
	if err := node.SetEscrowPaused(nodeOwner, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !node.EscrowPaused() {
		t.Fatalf("pause flag not visible")
	}

	_, err := node.EscrowCreate(nodeBuyer, nodeSeller, big.NewInt(1_000))
	if !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("create while paused: %v, want ErrModulePaused", err)
	}

	// Registry and policy administration stay available during a pause.
	if err := node.EscrowAddArbitrator(nodeOwner, nodeOutsider); err != nil {
		t.Fatalf("add arbitrator while paused: %v", err)
	}
	if err := node.EscrowSetFeeBasisPoints(nodeOwner, 50); err != nil {
		t.Fatalf("set fee while paused: %v", err)
	}

	if err := node.SetEscrowPaused(nodeOwner, false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, err := node.EscrowCreate(nodeBuyer, nodeSeller, big.NewInt(1_000)); err != nil {
		t.Fatalf("create after unpause: %v", err)
	}
}

func TestNodeRestartResume(t *testing.T) {
	db := storage.NewMemDB()
	t.Cleanup(db.Close)

	node, err := NewNode(db, testNodeConfig())
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	clock := &tickClock{unix: testGenesisUnix}
	node.SetNowFunc(clock.Now)

	if _, err := node.EscrowCreate(nodeBuyer, nodeSeller, big.NewInt(2_500)); err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.AdvanceTicks(3)
	if err := node.EscrowConfirmDelivery(1, nodeBuyer); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	rootBefore, versionBefore := node.Head()

	resumed, err := NewNode(db, testNodeConfig())
	if err != nil {
		t.Fatalf("resume node: %v", err)
	}
	resumed.SetNowFunc(clock.Now)

	rootAfter, versionAfter := resumed.Head()
	if rootAfter != rootBefore || versionAfter != versionBefore {
		t.Fatalf("resumed head %x/%d, want %x/%d", rootAfter, versionAfter, rootBefore, versionBefore)
	}
	if resumed.GenesisTime() != testGenesisUnix {
		t.Fatalf("resumed genesis time = %d, want %d", resumed.GenesisTime(), testGenesisUnix)
	}
	stored, err := resumed.EscrowGet(1)
	if err != nil {
		t.Fatalf("get after resume: %v", err)
	}
	if stored.ConfirmedAt != 3 {
		t.Fatalf("confirmedAt after resume = %d, want 3", stored.ConfirmedAt)
	}

	// The identifier sequence continues where the previous process stopped.
	tx, err := resumed.EscrowCreate(nodeBuyer, nodeSeller, big.NewInt(100))
	if err != nil {
		t.Fatalf("create after resume: %v", err)
	}
	if tx.ID != 2 {
		t.Fatalf("post-resume id = %d, want 2", tx.ID)
	}

	// The durable per-transaction log also survives the restart.
	entries, err := resumed.EscrowEvents(1)
	if err != nil {
		t.Fatalf("events after resume: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("event log length after resume = %d, want 2", len(entries))
	}
}

func TestNodeEscrowGetUnknown(t *testing.T) {
	node, _ := newTestNode(t)
	if _, err := node.EscrowGet(404); !errors.Is(err, escrow.ErrNotFound) {
		t.Fatalf("get unknown: %v, want ErrNotFound", err)
	}
}

func TestNodeListByAccount(t *testing.T) {
	node, _ := newTestNode(t)

	for i := 0; i < 3; i++ {
		if _, err := node.EscrowCreate(nodeBuyer, nodeSeller, big.NewInt(100)); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	listed, err := node.EscrowListByAccount(nodeSeller)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("listed %d transactions, want 3", len(listed))
	}
	for i, tx := range listed {
		if tx.ID != uint64(i)+1 {
			t.Fatalf("listed[%d].ID = %d, want %d", i, tx.ID, i+1)
		}
	}
	empty, err := node.EscrowListByAccount(nodeOutsider)
	if err != nil {
		t.Fatalf("list outsider: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("outsider list length = %d, want 0", len(empty))
	}
}

func TestNodeExpiredClaimThroughClock(t *testing.T) {
	node, clock := newTestNode(t)

	if _, err := node.EscrowCreate(nodeBuyer, nodeSeller, big.NewInt(5_000)); err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.AdvanceTicks(escrow.DeliveryWindow)
	if err := node.EscrowClaimExpired(1, nodeBuyer); !errors.Is(err, escrow.ErrDeliveryWindowActive) {
		t.Fatalf("claim at deadline: %v, want ErrDeliveryWindowActive", err)
	}
	clock.AdvanceTicks(1)
	if err := node.EscrowClaimExpired(1, nodeBuyer); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got := nodeBalance(t, node, nodeBuyer); got.Cmp(big.NewInt(10_000_000)) != 0 {
		t.Fatalf("buyer balance after claim = %s, want full refund", got)
	}
	stored, err := node.EscrowGet(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != escrow.StatusExpired {
		t.Fatalf("status = %s, want expired", stored.Status)
	}
}

func TestNodeMint(t *testing.T) {
	node, _ := newTestNode(t)

	if err := node.Mint(nodeOutsider, nodeSeller, big.NewInt(500)); !errors.Is(err, escrow.ErrUnauthorized) {
		t.Fatalf("mint by outsider: %v, want ErrUnauthorized", err)
	}
	if err := node.Mint(nodeOwner, nodeSeller, big.NewInt(0)); !errors.Is(err, escrow.ErrInvalidAmount) {
		t.Fatalf("mint zero: %v, want ErrInvalidAmount", err)
	}
	if err := node.Mint(nodeOwner, nodeSeller, big.NewInt(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if got := nodeBalance(t, node, nodeSeller); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("seller balance after mint = %s, want 500", got)
	}

	entries, _, err := node.EventsSince("", 0)
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	var found bool
	for _, entry := range entries {
		if entry.Event.Type == EventTypeMinted {
			found = true
			if entry.Event.Attributes["amount"] != "500" {
				t.Fatalf("mint event amount = %s, want 500", entry.Event.Attributes["amount"])
			}
		}
	}
	if !found {
		t.Fatalf("mint event not published")
	}
}

func TestNodeEventsSinceCursor(t *testing.T) {
	node, _ := newTestNode(t)

	for i := 0; i < 3; i++ {
		if _, err := node.EscrowCreate(nodeBuyer, nodeSeller, big.NewInt(100)); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	all, next, err := node.EventsSince("", 0)
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("initial page length = %d, want 3", len(all))
	}
	for i, entry := range all {
		if entry.Sequence != uint64(i)+1 {
			t.Fatalf("entry[%d].Sequence = %d, want %d", i, entry.Sequence, i+1)
		}
		if entry.Event.Type != escrow.EventTypeCreated {
			t.Fatalf("entry[%d] type = %s", i, entry.Event.Type)
		}
	}
	if next != "3" {
		t.Fatalf("next cursor = %q, want \"3\"", next)
	}

	rest, next2, err := node.EventsSince(next, 0)
	if err != nil {
		t.Fatalf("events since %s: %v", next, err)
	}
	if len(rest) != 0 {
		t.Fatalf("page after tail length = %d, want 0", len(rest))
	}
	if next2 != next {
		t.Fatalf("idle cursor moved from %s to %s", next, next2)
	}

	page, _, err := node.EventsSince("1", 1)
	if err != nil {
		t.Fatalf("events since 1 limit 1: %v", err)
	}
	if len(page) != 1 || page[0].Sequence != 2 {
		t.Fatalf("limited page = %+v, want single entry with sequence 2", page)
	}
}

func TestNodeEventsSubscribe(t *testing.T) {
	node, _ := newTestNode(t)

	if _, err := node.EscrowCreate(nodeBuyer, nodeSeller, big.NewInt(100)); err != nil {
		t.Fatalf("create: %v", err)
	}

	updates, cancel, backlog, err := node.EventsSubscribe(nil, "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if len(backlog) != 1 || backlog[0].Event.Type != escrow.EventTypeCreated {
		t.Fatalf("backlog = %+v, want single created event", backlog)
	}

	if _, err := node.EscrowCreate(nodeBuyer, nodeSeller, big.NewInt(200)); err != nil {
		t.Fatalf("second create: %v", err)
	}
	select {
	case entry := <-updates:
		if entry.Sequence != 2 || entry.Event.Type != escrow.EventTypeCreated {
			t.Fatalf("live entry = %+v", entry)
		}
	case <-time.After(time.Second):
		t.Fatalf("no live entry delivered")
	}

	cancel()
	if _, ok := <-updates; ok {
		t.Fatalf("channel must be closed after cancel")
	}
}

func TestNodeCurrentTick(t *testing.T) {
	node, clock := newTestNode(t)

	if tick := node.CurrentTick(); tick != 0 {
		t.Fatalf("tick at genesis = %d, want 0", tick)
	}
	clock.AdvanceTicks(7)
	if tick := node.CurrentTick(); tick != 7 {
		t.Fatalf("tick = %d, want 7", tick)
	}

	// Clocks before the genesis anchor clamp to tick zero.
	clock.mu.Lock()
	clock.unix = testGenesisUnix - 100
	clock.mu.Unlock()
	if tick := node.CurrentTick(); tick != 0 {
		t.Fatalf("tick before genesis = %d, want 0", tick)
	}
}
