package escrow

import (
	"math/big"
	"strconv"

	"custos/core/types"
	"custos/crypto"
)

const (
	EventTypeCreated           = "escrow.created"
	EventTypeConfirmed         = "escrow.confirmed"
	EventTypeReleased          = "escrow.released"
	EventTypeDisputed          = "escrow.disputed"
	EventTypeEvidenceSubmitted = "escrow.evidence_submitted"
	EventTypeResolved          = "escrow.resolved"
	EventTypeExpired           = "escrow.expired"
	EventTypeArbitratorAdded   = "escrow.arbitrator_added"
	EventTypeArbitratorRemoved = "escrow.arbitrator_removed"
	EventTypeFeeUpdated        = "escrow.fee_updated"
	EventTypeCollectorUpdated  = "escrow.collector_updated"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// transaction.
func NewCreatedEvent(t *Transaction) *types.Event {
	evt := newTransactionEvent(EventTypeCreated, t)
	if t != nil {
		evt.Attributes["deliveryDeadline"] = strconv.FormatUint(t.DeliveryDeadline, 10)
	}
	return evt
}

// NewConfirmedEvent returns the event payload emitted when the buyer confirms
// delivery and the dispute window opens.
func NewConfirmedEvent(t *Transaction) *types.Event {
	evt := newTransactionEvent(EventTypeConfirmed, t)
	if t != nil {
		evt.Attributes["confirmedAt"] = strconv.FormatUint(t.ConfirmedAt, 10)
		evt.Attributes["disputeDeadline"] = strconv.FormatUint(t.DisputeDeadline, 10)
	}
	return evt
}

// NewReleasedEvent returns the event payload for an undisputed settlement in
// favour of the seller.
func NewReleasedEvent(t *Transaction, caller [20]byte, payout, fee *big.Int) *types.Event {
	evt := newTransactionEvent(EventTypeReleased, t)
	evt.Attributes["caller"] = crypto.FormatAccount(caller)
	evt.Attributes["payout"] = bigIntAttr(payout)
	evt.Attributes["fee"] = bigIntAttr(fee)
	return evt
}

// NewDisputedEvent returns the event payload emitted when the buyer opens a
// dispute.
func NewDisputedEvent(t *Transaction) *types.Event {
	evt := newTransactionEvent(EventTypeDisputed, t)
	if t != nil {
		evt.Attributes["evidenceBytes"] = strconv.Itoa(len(t.EvidenceBuyer))
	}
	return evt
}

// NewEvidenceSubmittedEvent returns the event payload emitted when the seller
// responds to a dispute with counter-evidence.
func NewEvidenceSubmittedEvent(t *Transaction) *types.Event {
	evt := newTransactionEvent(EventTypeEvidenceSubmitted, t)
	if t != nil {
		evt.Attributes["evidenceBytes"] = strconv.Itoa(len(t.EvidenceSeller))
	}
	return evt
}

// NewResolvedEvent returns the event payload for an arbitrated settlement.
func NewResolvedEvent(t *Transaction, refund, sellerAmount, fee *big.Int) *types.Event {
	evt := newTransactionEvent(EventTypeResolved, t)
	if t != nil {
		evt.Attributes["resolution"] = t.Resolution.String()
	}
	evt.Attributes["refund"] = bigIntAttr(refund)
	evt.Attributes["sellerAmount"] = bigIntAttr(sellerAmount)
	evt.Attributes["fee"] = bigIntAttr(fee)
	return evt
}

// NewExpiredEvent returns the event payload emitted when the buyer reclaims
// funds after the delivery window lapsed without confirmation.
func NewExpiredEvent(t *Transaction) *types.Event {
	return newTransactionEvent(EventTypeExpired, t)
}

// NewArbitratorAddedEvent returns the event payload for an arbitrator
// registration.
func NewArbitratorAddedEvent(addr [20]byte) *types.Event {
	return newArbitratorEvent(EventTypeArbitratorAdded, addr)
}

// NewArbitratorRemovedEvent returns the event payload for an arbitrator
// deactivation.
func NewArbitratorRemovedEvent(addr [20]byte) *types.Event {
	return newArbitratorEvent(EventTypeArbitratorRemoved, addr)
}

// NewFeeUpdatedEvent returns the event payload emitted when the owner changes
// the fee basis points.
func NewFeeUpdatedEvent(policy FeePolicy) *types.Event {
	return &types.Event{
		Type: EventTypeFeeUpdated,
		Attributes: map[string]string{
			"basisPoints": strconv.FormatUint(uint64(policy.BasisPoints), 10),
		},
	}
}

// NewCollectorUpdatedEvent returns the event payload emitted when the owner
// changes the fee collector.
func NewCollectorUpdatedEvent(policy FeePolicy) *types.Event {
	return &types.Event{
		Type: EventTypeCollectorUpdated,
		Attributes: map[string]string{
			"collector": crypto.FormatAccount(policy.Collector),
		},
	}
}

func newTransactionEvent(eventType string, t *Transaction) *types.Event {
	attrs := make(map[string]string)
	if t == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(t.ID, 10)
	attrs["buyer"] = crypto.FormatAccount(t.Buyer)
	attrs["seller"] = crypto.FormatAccount(t.Seller)
	attrs["amount"] = bigIntAttr(t.Amount)
	attrs["status"] = t.Status.String()
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newArbitratorEvent(eventType string, addr [20]byte) *types.Event {
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"arbitrator": crypto.FormatAccount(addr),
		},
	}
}

func bigIntAttr(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
