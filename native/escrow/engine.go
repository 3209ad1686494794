package escrow

import (
	"fmt"
	"math/big"
	"time"

	"custos/core/events"
	"custos/core/types"
)

// RoleArbitrator is the role name under which registered arbitrators are
// tracked in state.
const RoleArbitrator = "arbitrator"

type engineState interface {
	EscrowPut(*Transaction) error
	EscrowGet(id uint64) (*Transaction, bool)
	EscrowNextID() (uint64, error)
	EscrowIndex(addr [20]byte) ([]uint64, error)
	EscrowIndexAppend(addr [20]byte, id uint64) error
	EscrowVaultAddress() [20]byte
	FeePolicy() (FeePolicy, error)
	SetFeePolicy(FeePolicy) error
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
	HasRole(role string, addr []byte) bool
	SetRole(role string, addr []byte) error
	UnsetRole(role string, addr []byte) error
	RoleMembers(role string) ([][]byte, error)
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine wires the escrow transition logic with external state and event
// emitters. The host is responsible for authenticating callers, serialising
// operations and committing or discarding state after each call; the engine
// itself only validates and applies transitions.
type Engine struct {
	state   engineState
	emitter events.Emitter
	owner   [20]byte
	nowFn   func() uint64
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetOwner configures the administrative account permitted to manage the
// arbitrator registry and fee policy.
func (e *Engine) SetOwner(addr [20]byte) { e.owner = addr }

// SetNowFunc overrides the tick source used by the engine. The host supplies
// its logical clock here; tests use it for deterministic deadlines.
func (e *Engine) SetNowFunc(now func() uint64) {
	if now == nil {
		e.nowFn = func() uint64 { return uint64(time.Now().Unix()) }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() uint64 {
	if e == nil || e.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (e *Engine) loadTransaction(id uint64) (*Transaction, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	t, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

func (e *Engine) storeTransaction(t *Transaction) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.EscrowPut(t)
}

func (e *Engine) transfer(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	if from == to {
		return nil
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = fromAcc.EnsureDefaults()
	toAcc = toAcc.EnsureDefaults()
	if fromAcc.Balance.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(to[:], toAcc); err != nil {
		return err
	}
	return nil
}

func (e *Engine) ensureOwner(caller [20]byte) error {
	if e == nil || e.owner == ([20]byte{}) || caller != e.owner {
		return ErrUnauthorized
	}
	return nil
}

func (e *Engine) feePolicy() (FeePolicy, error) {
	if e == nil || e.state == nil {
		return FeePolicy{}, errNilState
	}
	return e.state.FeePolicy()
}

// Create escrows the supplied amount from the buyer and records a new pending
// transaction. The buyer is debited into the custody account before an
// identifier is allocated so a failed debit never consumes an ID.
func (e *Engine) Create(buyer, seller [20]byte, amount *big.Int) (*Transaction, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if buyer == seller {
		return nil, ErrInvalidParticipant
	}
	buyerIndex, err := e.state.EscrowIndex(buyer)
	if err != nil {
		return nil, err
	}
	if len(buyerIndex) >= AccountIndexCapacity {
		return nil, fmt.Errorf("%w: buyer", ErrIndexFull)
	}
	sellerIndex, err := e.state.EscrowIndex(seller)
	if err != nil {
		return nil, err
	}
	if len(sellerIndex) >= AccountIndexCapacity {
		return nil, fmt.Errorf("%w: seller", ErrIndexFull)
	}
	if err := e.transfer(buyer, e.state.EscrowVaultAddress(), amt); err != nil {
		return nil, err
	}
	id, err := e.state.EscrowNextID()
	if err != nil {
		return nil, err
	}
	now := e.now()
	t := &Transaction{
		ID:               id,
		Buyer:            buyer,
		Seller:           seller,
		Amount:           amt,
		Status:           StatusPending,
		CreatedAt:        now,
		DeliveryDeadline: now + DeliveryWindow,
		RefundAmount:     big.NewInt(0),
	}
	if err := e.storeTransaction(t); err != nil {
		return nil, err
	}
	if err := e.state.EscrowIndexAppend(buyer, id); err != nil {
		return nil, err
	}
	if err := e.state.EscrowIndexAppend(seller, id); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(t))
	return t.Clone(), nil
}

// ConfirmDelivery marks the goods as received and opens the dispute window.
// Only the buyer may confirm, at most once, and only while the delivery
// window is open.
func (e *Engine) ConfirmDelivery(id uint64, caller [20]byte) error {
	t, err := e.loadTransaction(id)
	if err != nil {
		return err
	}
	if t.Status != StatusPending {
		return fmt.Errorf("%w: cannot confirm in status %s", ErrInvalidState, t.Status)
	}
	if t.ConfirmedAt != 0 {
		return fmt.Errorf("%w: delivery already confirmed", ErrInvalidState)
	}
	if caller != t.Buyer {
		return ErrUnauthorized
	}
	now := e.now()
	if now > t.DeliveryDeadline {
		return ErrDeliveryWindowExpired
	}
	// Tick zero is reserved as the unconfirmed sentinel, so a confirmation
	// landing on the genesis tick records as tick one.
	if now == 0 {
		now = 1
	}
	t.ConfirmedAt = now
	t.DisputeDeadline = now + DisputeWindow
	if err := e.storeTransaction(t); err != nil {
		return err
	}
	e.emit(NewConfirmedEvent(t))
	return nil
}

// ReleaseFunds settles a confirmed, undisputed transaction in favour of the
// seller once the dispute window has elapsed. Any caller may trigger the
// release; the payout destination is fixed by the record.
func (e *Engine) ReleaseFunds(id uint64, caller [20]byte) error {
	t, err := e.loadTransaction(id)
	if err != nil {
		return err
	}
	if t.Status != StatusPending {
		return fmt.Errorf("%w: cannot release in status %s", ErrInvalidState, t.Status)
	}
	if t.ConfirmedAt == 0 {
		return fmt.Errorf("%w: delivery not confirmed", ErrInvalidState)
	}
	if e.now() <= t.DisputeDeadline {
		return ErrDisputeWindowActive
	}
	policy, err := e.feePolicy()
	if err != nil {
		return err
	}
	amount := cloneBigInt(t.Amount)
	fee := Fee(amount, policy.BasisPoints)
	payout := new(big.Int).Sub(amount, fee)
	vault := e.state.EscrowVaultAddress()
	if payout.Sign() > 0 {
		if err := e.transfer(vault, t.Seller, payout); err != nil {
			return err
		}
	}
	if fee.Sign() > 0 {
		if policy.Collector == ([20]byte{}) {
			return errNilCollector
		}
		if err := e.transfer(vault, policy.Collector, fee); err != nil {
			return err
		}
	}
	t.Status = StatusCompleted
	if err := e.storeTransaction(t); err != nil {
		return err
	}
	e.emit(NewReleasedEvent(t, caller, payout, fee))
	return nil
}

// FileDispute freezes a confirmed transaction for arbitration. Only the buyer
// may dispute, and only while the dispute window is open. The evidence
// payload is optional.
func (e *Engine) FileDispute(id uint64, caller [20]byte, evidence []byte) error {
	if len(evidence) > MaxEvidenceBytes {
		return ErrEvidenceTooLarge
	}
	t, err := e.loadTransaction(id)
	if err != nil {
		return err
	}
	if t.Status != StatusPending {
		return fmt.Errorf("%w: cannot dispute in status %s", ErrInvalidState, t.Status)
	}
	if t.ConfirmedAt == 0 {
		return fmt.Errorf("%w: delivery not confirmed", ErrInvalidState)
	}
	if caller != t.Buyer {
		return ErrUnauthorized
	}
	if e.now() > t.DisputeDeadline {
		return ErrDisputeWindowExpired
	}
	t.Status = StatusDisputed
	t.EvidenceBuyer = append([]byte(nil), evidence...)
	if err := e.storeTransaction(t); err != nil {
		return err
	}
	e.emit(NewDisputedEvent(t))
	return nil
}

// SubmitEvidence attaches the seller's counter-evidence to a disputed
// transaction. Resubmission overwrites the previous payload; there is no
// deadline while the dispute remains open.
func (e *Engine) SubmitEvidence(id uint64, caller [20]byte, evidence []byte) error {
	if len(evidence) > MaxEvidenceBytes {
		return ErrEvidenceTooLarge
	}
	t, err := e.loadTransaction(id)
	if err != nil {
		return err
	}
	if t.Status != StatusDisputed {
		return fmt.Errorf("%w: cannot submit evidence in status %s", ErrInvalidState, t.Status)
	}
	if caller != t.Seller {
		return ErrUnauthorized
	}
	t.EvidenceSeller = append([]byte(nil), evidence...)
	if err := e.storeTransaction(t); err != nil {
		return err
	}
	e.emit(NewEvidenceSubmittedEvent(t))
	return nil
}

// ResolveDispute settles a disputed transaction according to the arbitrator's
// verdict. Partial refunds must leave the seller a positive payout after the
// refund and fee are deducted.
func (e *Engine) ResolveDispute(id uint64, caller [20]byte, resolution ResolutionType, refundAmount *big.Int) error {
	t, err := e.loadTransaction(id)
	if err != nil {
		return err
	}
	if t.Status != StatusDisputed {
		return fmt.Errorf("%w: cannot resolve in status %s", ErrInvalidState, t.Status)
	}
	if !e.state.HasRole(RoleArbitrator, caller[:]) {
		return ErrUnauthorized
	}
	if !resolution.Valid() {
		return fmt.Errorf("escrow: invalid resolution type %d", resolution)
	}
	policy, err := e.feePolicy()
	if err != nil {
		return err
	}
	amount := cloneBigInt(t.Amount)
	vault := e.state.EscrowVaultAddress()
	refund := big.NewInt(0)
	sellerAmount := big.NewInt(0)
	fee := big.NewInt(0)
	switch resolution {
	case ResolutionFullRefund:
		if refundAmount != nil && refundAmount.Sign() != 0 {
			return fmt.Errorf("%w: refund amount only applies to partial refunds", ErrInvalidAmount)
		}
		refund = amount
	case ResolutionPartialRefund:
		refund = cloneBigInt(refundAmount)
		if refund.Sign() <= 0 || refund.Cmp(amount) >= 0 {
			return fmt.Errorf("%w: partial refund must be positive and below the escrowed amount", ErrInvalidAmount)
		}
		fee = Fee(amount, policy.BasisPoints)
		sellerAmount = new(big.Int).Sub(amount, refund)
		sellerAmount.Sub(sellerAmount, fee)
		if sellerAmount.Sign() <= 0 {
			return ErrInvalidRefund
		}
	case ResolutionReleaseToSeller:
		if refundAmount != nil && refundAmount.Sign() != 0 {
			return fmt.Errorf("%w: refund amount only applies to partial refunds", ErrInvalidAmount)
		}
		fee = Fee(amount, policy.BasisPoints)
		sellerAmount = new(big.Int).Sub(amount, fee)
	}
	if fee.Sign() > 0 && policy.Collector == ([20]byte{}) {
		return errNilCollector
	}
	if refund.Sign() > 0 {
		if err := e.transfer(vault, t.Buyer, refund); err != nil {
			return err
		}
	}
	if sellerAmount.Sign() > 0 {
		if err := e.transfer(vault, t.Seller, sellerAmount); err != nil {
			return err
		}
	}
	if fee.Sign() > 0 {
		if err := e.transfer(vault, policy.Collector, fee); err != nil {
			return err
		}
	}
	t.Status = StatusResolved
	t.Resolution = resolution
	t.RefundAmount = refund
	if err := e.storeTransaction(t); err != nil {
		return err
	}
	e.emit(NewResolvedEvent(t, refund, sellerAmount, fee))
	return nil
}

// ClaimExpiredRefund returns the escrowed amount to the buyer after the
// delivery window lapsed without a confirmation. Only the buyer may claim.
func (e *Engine) ClaimExpiredRefund(id uint64, caller [20]byte) error {
	t, err := e.loadTransaction(id)
	if err != nil {
		return err
	}
	if t.Status != StatusPending {
		return fmt.Errorf("%w: cannot claim in status %s", ErrInvalidState, t.Status)
	}
	if t.ConfirmedAt != 0 {
		return fmt.Errorf("%w: delivery already confirmed", ErrInvalidState)
	}
	if caller != t.Buyer {
		return ErrUnauthorized
	}
	if e.now() <= t.DeliveryDeadline {
		return ErrDeliveryWindowActive
	}
	amount := cloneBigInt(t.Amount)
	if err := e.transfer(e.state.EscrowVaultAddress(), t.Buyer, amount); err != nil {
		return err
	}
	t.Status = StatusExpired
	t.RefundAmount = amount
	if err := e.storeTransaction(t); err != nil {
		return err
	}
	e.emit(NewExpiredEvent(t))
	return nil
}

// AddArbitrator registers an account as eligible to resolve disputes.
// Re-adding an existing arbitrator is a no-op beyond the emitted event.
func (e *Engine) AddArbitrator(caller, arbitrator [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.ensureOwner(caller); err != nil {
		return err
	}
	if arbitrator == ([20]byte{}) {
		return fmt.Errorf("escrow: arbitrator address required")
	}
	if err := e.state.SetRole(RoleArbitrator, arbitrator[:]); err != nil {
		return err
	}
	e.emit(NewArbitratorAddedEvent(arbitrator))
	return nil
}

// RemoveArbitrator deactivates an arbitrator. The account can be re-added
// later; disputes resolved while it was active are unaffected.
func (e *Engine) RemoveArbitrator(caller, arbitrator [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.ensureOwner(caller); err != nil {
		return err
	}
	if err := e.state.UnsetRole(RoleArbitrator, arbitrator[:]); err != nil {
		return err
	}
	e.emit(NewArbitratorRemovedEvent(arbitrator))
	return nil
}

// IsArbitrator reports whether the supplied account is currently registered.
func (e *Engine) IsArbitrator(addr [20]byte) bool {
	if e == nil || e.state == nil {
		return false
	}
	return e.state.HasRole(RoleArbitrator, addr[:])
}

// Arbitrators returns the currently active arbitrator accounts.
func (e *Engine) Arbitrators() ([][20]byte, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	members, err := e.state.RoleMembers(RoleArbitrator)
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

// SetFeeBasisPoints updates the protocol fee rate. The new rate applies to
// all payouts settled after the change.
func (e *Engine) SetFeeBasisPoints(caller [20]byte, basisPoints uint32) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.ensureOwner(caller); err != nil {
		return err
	}
	policy, err := e.state.FeePolicy()
	if err != nil {
		return err
	}
	policy.BasisPoints = basisPoints
	sanitized, err := policy.Sanitize()
	if err != nil {
		return err
	}
	if err := e.state.SetFeePolicy(sanitized); err != nil {
		return err
	}
	e.emit(NewFeeUpdatedEvent(sanitized))
	return nil
}

// SetFeeCollector updates the account that receives protocol fees.
func (e *Engine) SetFeeCollector(caller, collector [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.ensureOwner(caller); err != nil {
		return err
	}
	if collector == ([20]byte{}) {
		return fmt.Errorf("escrow: fee collector address required")
	}
	policy, err := e.state.FeePolicy()
	if err != nil {
		return err
	}
	policy.Collector = collector
	if err := e.state.SetFeePolicy(policy); err != nil {
		return err
	}
	e.emit(NewCollectorUpdatedEvent(policy))
	return nil
}
