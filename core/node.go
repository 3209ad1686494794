package core

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"custos/config"
	"custos/core/events"
	custostate "custos/core/state"
	"custos/core/types"
	"custos/native/common"
	"custos/native/escrow"
	"custos/native/params"
	paramstate "custos/native/params/state"
	"custos/storage"
	"custos/storage/trie"
)

// DefaultTickSeconds is the wall-clock length of one logical tick. At ten
// minutes per tick the delivery window spans roughly seven days and the
// dispute window roughly one day.
const DefaultTickSeconds uint64 = 600

var headKey = []byte("custos/head")

// headRecord pins the committed state root so a restarted node resumes from
// the exact trie it last persisted.
type headRecord struct {
	Root        [32]byte
	Version     uint64
	GenesisTime uint64
	UpdatedAt   uint64
}

// NodeConfig carries the material a node needs to initialise fresh state or
// resume from an existing database.
type NodeConfig struct {
	// Owner administers the arbitrator registry, fee policy and pauses.
	Owner [20]byte
	// GenesisTime anchors the logical clock. Zero means "now" for fresh
	// databases; for existing databases the persisted value wins.
	GenesisTime uint64
	// TickSeconds sets the logical tick length. Zero selects the default.
	TickSeconds uint64
	// FeePolicy is the initial fee configuration applied at genesis.
	FeePolicy escrow.FeePolicy
	// Arbitrators are registered at genesis.
	Arbitrators [][20]byte
	// Alloc seeds account balances at genesis.
	Alloc map[[20]byte]*big.Int
	// Paused starts the node with escrow writes halted.
	Paused bool
	// AllowMigrate tolerates a state schema version mismatch on startup.
	AllowMigrate bool
}

// Node is the single writer over the escrow state. Every mutating operation
// runs against a copy of the committed trie and is either committed as a
// whole or discarded, so partially applied transitions never become visible.
type Node struct {
	db    storage.Database
	owner [20]byte

	stateMu sync.Mutex
	state   *trie.Trie
	version uint64

	genesisTime uint64
	tickSeconds uint64
	nowFn       func() time.Time

	journalMu      sync.Mutex
	journalSeq     uint64
	journalHistory []EventEntry
	journalSubs    map[uint64]chan EventEntry
	journalNextID  uint64
}

// NewNode opens (or initialises) the escrow state in the provided database.
func NewNode(db storage.Database, cfg NodeConfig) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("node: database must not be nil")
	}
	n := &Node{
		db:          db,
		owner:       cfg.Owner,
		tickSeconds: cfg.TickSeconds,
		nowFn:       time.Now,
	}
	if n.tickSeconds == 0 {
		n.tickSeconds = DefaultTickSeconds
	}

	head, found, err := loadHead(db)
	if err != nil {
		return nil, err
	}
	if found {
		stateTrie, err := trie.NewTrie(db, head.Root[:])
		if err != nil {
			return nil, fmt.Errorf("node: open state at %x: %w", head.Root, err)
		}
		if err := custostate.EnsureStateVersion(stateTrie, cfg.AllowMigrate); err != nil {
			return nil, err
		}
		n.state = stateTrie
		n.version = head.Version
		n.genesisTime = head.GenesisTime
		slog.Info("node resumed from persisted state",
			"root", fmt.Sprintf("%x", head.Root),
			"version", head.Version)
		return n, nil
	}

	n.genesisTime = cfg.GenesisTime
	if n.genesisTime == 0 {
		n.genesisTime = uint64(n.nowFn().Unix())
	}
	stateTrie, err := trie.NewTrie(db, nil)
	if err != nil {
		return nil, err
	}
	n.state = stateTrie
	if err := n.applyGenesis(cfg); err != nil {
		return nil, fmt.Errorf("node: apply genesis: %w", err)
	}
	slog.Info("node initialised fresh state",
		"root", n.state.Root().Hex(),
		"accounts", len(cfg.Alloc),
		"arbitrators", len(cfg.Arbitrators),
		"tickSeconds", n.tickSeconds)
	return n, nil
}

func loadHead(db storage.Database) (headRecord, bool, error) {
	var head headRecord
	has, err := db.Has(headKey)
	if err != nil {
		return head, false, err
	}
	if !has {
		return head, false, nil
	}
	raw, err := db.Get(headKey)
	if err != nil {
		return head, false, err
	}
	if err := rlp.DecodeBytes(raw, &head); err != nil {
		return head, false, fmt.Errorf("node: decode head record: %w", err)
	}
	return head, true, nil
}

func (n *Node) applyGenesis(cfg NodeConfig) error {
	working := n.state.Copy()
	manager := custostate.NewManager(working)
	if err := manager.SetStateVersion(custostate.StateVersion); err != nil {
		return err
	}
	for addr, amount := range cfg.Alloc {
		if amount == nil || amount.Sign() < 0 {
			return fmt.Errorf("allocation for %x must be non-negative", addr)
		}
		if err := manager.PutAccount(addr[:], &types.Account{Balance: new(big.Int).Set(amount)}); err != nil {
			return err
		}
	}
	for _, arbitrator := range cfg.Arbitrators {
		if arbitrator == ([20]byte{}) {
			return fmt.Errorf("arbitrator address must not be zero")
		}
		if err := manager.SetRole(escrow.RoleArbitrator, arbitrator[:]); err != nil {
			return err
		}
	}
	if err := manager.SetFeePolicy(cfg.FeePolicy); err != nil {
		return err
	}
	if cfg.Paused {
		if err := params.NewStore(manager).SetPauses(config.Pauses{Escrow: true}); err != nil {
			return err
		}
	}
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.commitLocked(working)
}

// SetNowFunc overrides the wall-clock source used to derive the logical tick.
// Primarily intended for tests.
func (n *Node) SetNowFunc(now func() time.Time) {
	if now == nil {
		n.nowFn = time.Now
		return
	}
	n.nowFn = now
}

// CurrentTick derives the logical tick from the wall clock and the genesis
// anchor. The tick never decreases as long as the host clock is monotonic.
func (n *Node) CurrentTick() uint64 {
	now := uint64(n.nowFn().Unix())
	if now <= n.genesisTime {
		return 0
	}
	return (now - n.genesisTime) / n.tickSeconds
}

// GenesisTime returns the unix timestamp anchoring the logical clock.
func (n *Node) GenesisTime() uint64 { return n.genesisTime }

// TickSeconds returns the wall-clock length of one logical tick.
func (n *Node) TickSeconds() uint64 { return n.tickSeconds }

// Head returns the committed state root and the number of committed
// transitions.
func (n *Node) Head() ([32]byte, uint64) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	var root [32]byte
	copy(root[:], n.state.Root().Bytes())
	return root, n.version
}

func (n *Node) commitLocked(working *trie.Trie) error {
	parent := n.state.Root()
	root, err := working.Commit(parent, n.version+1)
	if err != nil {
		return fmt.Errorf("node: commit state: %w", err)
	}
	n.version++
	n.state = working
	head := headRecord{
		Version:     n.version,
		GenesisTime: n.genesisTime,
		UpdatedAt:   uint64(n.nowFn().Unix()),
	}
	copy(head.Root[:], root.Bytes())
	encoded, err := rlp.EncodeToBytes(head)
	if err != nil {
		return fmt.Errorf("node: encode head record: %w", err)
	}
	if err := n.db.Put(headKey, encoded); err != nil {
		return fmt.Errorf("node: persist head record: %w", err)
	}
	return nil
}

// bufferedEmitter collects engine events during a state transition so they
// are only published once the transition has committed.
type bufferedEmitter struct {
	events []*types.Event
}

type eventWithPayload interface {
	Event() *types.Event
}

func (b *bufferedEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	payload, ok := evt.(eventWithPayload)
	if !ok {
		return
	}
	event := payload.Event()
	if event == nil {
		return
	}
	b.events = append(b.events, event.Clone())
}

func (n *Node) newEscrowEngine(manager *custostate.Manager, emitter events.Emitter) *escrow.Engine {
	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetEmitter(emitter)
	engine.SetOwner(n.owner)
	engine.SetNowFunc(n.CurrentTick)
	return engine
}

type managerPauseView struct {
	manager *custostate.Manager
}

func (v managerPauseView) IsPaused(module string) bool {
	if module != common.ModuleEscrow {
		return false
	}
	paused, err := paramstate.EscrowPaused(v.manager)
	return err == nil && paused
}

// escrowMutate runs the supplied transition against a copy of the committed
// state. On success the copy is committed and buffered events are published;
// on failure the copy is discarded and the committed state is untouched.
func (n *Node) escrowMutate(guarded bool, fn func(*escrow.Engine) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if guarded {
		if err := common.Guard(managerPauseView{manager: custostate.NewManager(n.state)}, common.ModuleEscrow); err != nil {
			return err
		}
	}
	working := n.state.Copy()
	manager := custostate.NewManager(working)
	buffer := &bufferedEmitter{}
	engine := n.newEscrowEngine(manager, buffer)
	if err := fn(engine); err != nil {
		return err
	}
	if err := n.commitLocked(working); err != nil {
		return err
	}
	n.publishEvents(buffer.events)
	return nil
}

// EscrowCreate escrows funds from the buyer and returns the new transaction.
func (n *Node) EscrowCreate(buyer, seller [20]byte, amount *big.Int) (*escrow.Transaction, error) {
	var created *escrow.Transaction
	err := n.escrowMutate(true, func(engine *escrow.Engine) error {
		tx, err := engine.Create(buyer, seller, amount)
		if err != nil {
			return err
		}
		created = tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// EscrowConfirmDelivery records the buyer's delivery confirmation.
func (n *Node) EscrowConfirmDelivery(id uint64, caller [20]byte) error {
	return n.escrowMutate(true, func(engine *escrow.Engine) error {
		return engine.ConfirmDelivery(id, caller)
	})
}

// EscrowRelease settles a confirmed transaction in favour of the seller.
func (n *Node) EscrowRelease(id uint64, caller [20]byte) error {
	return n.escrowMutate(true, func(engine *escrow.Engine) error {
		return engine.ReleaseFunds(id, caller)
	})
}

// EscrowDispute freezes a confirmed transaction for arbitration.
func (n *Node) EscrowDispute(id uint64, caller [20]byte, evidence []byte) error {
	return n.escrowMutate(true, func(engine *escrow.Engine) error {
		return engine.FileDispute(id, caller, evidence)
	})
}

// EscrowSubmitEvidence attaches the seller's counter-evidence to a dispute.
func (n *Node) EscrowSubmitEvidence(id uint64, caller [20]byte, evidence []byte) error {
	return n.escrowMutate(true, func(engine *escrow.Engine) error {
		return engine.SubmitEvidence(id, caller, evidence)
	})
}

// EscrowResolve settles a disputed transaction with the supplied verdict.
func (n *Node) EscrowResolve(id uint64, caller [20]byte, resolution escrow.ResolutionType, refundAmount *big.Int) error {
	return n.escrowMutate(true, func(engine *escrow.Engine) error {
		return engine.ResolveDispute(id, caller, resolution, refundAmount)
	})
}

// EscrowClaimExpired refunds the buyer after the delivery window lapsed.
func (n *Node) EscrowClaimExpired(id uint64, caller [20]byte) error {
	return n.escrowMutate(true, func(engine *escrow.Engine) error {
		return engine.ClaimExpiredRefund(id, caller)
	})
}

// EscrowAddArbitrator registers a dispute resolver. Registry administration
// is deliberately exempt from the escrow pause so operators can always manage
// it.
func (n *Node) EscrowAddArbitrator(caller, arbitrator [20]byte) error {
	return n.escrowMutate(false, func(engine *escrow.Engine) error {
		return engine.AddArbitrator(caller, arbitrator)
	})
}

// EscrowRemoveArbitrator deactivates a dispute resolver.
func (n *Node) EscrowRemoveArbitrator(caller, arbitrator [20]byte) error {
	return n.escrowMutate(false, func(engine *escrow.Engine) error {
		return engine.RemoveArbitrator(caller, arbitrator)
	})
}

// EscrowSetFeeBasisPoints updates the protocol fee rate.
func (n *Node) EscrowSetFeeBasisPoints(caller [20]byte, basisPoints uint32) error {
	return n.escrowMutate(false, func(engine *escrow.Engine) error {
		return engine.SetFeeBasisPoints(caller, basisPoints)
	})
}

// EscrowSetFeeCollector updates the fee destination account.
func (n *Node) EscrowSetFeeCollector(caller, collector [20]byte) error {
	return n.escrowMutate(false, func(engine *escrow.Engine) error {
		return engine.SetFeeCollector(caller, collector)
	})
}

// EscrowGet loads a transaction by identifier.
func (n *Node) EscrowGet(id uint64) (*escrow.Transaction, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := custostate.NewManager(n.state)
	tx, ok := manager.EscrowGet(id)
	if !ok {
		return nil, escrow.ErrNotFound
	}
	return tx, nil
}

// EscrowListByAccount returns every transaction the account participates in,
// oldest first.
func (n *Node) EscrowListByAccount(addr [20]byte) ([]*escrow.Transaction, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := custostate.NewManager(n.state)
	ids, err := manager.EscrowIndex(addr)
	if err != nil {
		return nil, err
	}
	out := make([]*escrow.Transaction, 0, len(ids))
	for _, id := range ids {
		tx, ok := manager.EscrowGet(id)
		if !ok {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

// EscrowIsArbitrator reports whether the account is an active arbitrator.
func (n *Node) EscrowIsArbitrator(addr [20]byte) bool {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	return custostate.NewManager(n.state).HasRole(escrow.RoleArbitrator, addr[:])
}

// EscrowArbitrators returns the active arbitrator set.
func (n *Node) EscrowArbitrators() ([][20]byte, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	members, err := custostate.NewManager(n.state).RoleMembers(escrow.RoleArbitrator)
	if err != nil {
		return nil, err
	}
	out := make([][20]byte, 0, len(members))
	for _, member := range members {
		if len(member) != 20 {
			continue
		}
		var addr [20]byte
		copy(addr[:], member)
		out = append(out, addr)
	}
	return out, nil
}

// EscrowFeePolicy returns the current fee configuration.
func (n *Node) EscrowFeePolicy() (escrow.FeePolicy, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	return custostate.NewManager(n.state).FeePolicy()
}

// EscrowVaultAddress returns the custody account holding escrowed funds.
func (n *Node) EscrowVaultAddress() [20]byte {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	return custostate.NewManager(n.state).EscrowVaultAddress()
}

// GetAccount loads the account stored under the supplied address.
func (n *Node) GetAccount(addr []byte) (*types.Account, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	return custostate.NewManager(n.state).GetAccount(addr)
}

// EscrowPaused reports whether escrow write operations are currently halted.
func (n *Node) EscrowPaused() bool {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	paused, err := paramstate.EscrowPaused(custostate.NewManager(n.state))
	return err == nil && paused
}

// SetEscrowPaused toggles the escrow pause. Only the owner may change it; the
// toggle itself bypasses the guard so a paused node can always be unpaused.
func (n *Node) SetEscrowPaused(caller [20]byte, paused bool) error {
	if n.owner == ([20]byte{}) || caller != n.owner {
		return escrow.ErrUnauthorized
	}
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	working := n.state.Copy()
	store := params.NewStore(custostate.NewManager(working))
	if err := store.SetPauses(config.Pauses{Escrow: paused}); err != nil {
		return err
	}
	if err := n.commitLocked(working); err != nil {
		return err
	}
	n.publishEvents([]*types.Event{NewPauseUpdatedEvent(paused)})
	return nil
}

// Mint credits freshly issued funds to the supplied account. Owner only;
// intended for provisioning test networks and topping up operational floats.
func (n *Node) Mint(caller, addr [20]byte, amount *big.Int) error {
	if n.owner == ([20]byte{}) || caller != n.owner {
		return escrow.ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return escrow.ErrInvalidAmount
	}
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	working := n.state.Copy()
	manager := custostate.NewManager(working)
	account, err := manager.GetAccount(addr[:])
	if err != nil {
		return err
	}
	account.Balance = new(big.Int).Add(account.Balance, amount)
	if err := manager.PutAccount(addr[:], account); err != nil {
		return err
	}
	if err := n.commitLocked(working); err != nil {
		return err
	}
	n.publishEvents([]*types.Event{NewMintedEvent(addr, amount)})
	return nil
}
