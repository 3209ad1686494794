package escrow

import (
	"fmt"
	"math/big"
)

// TransactionStatus represents the lifecycle states supported by the escrow
// engine.
type TransactionStatus uint8

const (
	StatusPending TransactionStatus = iota
	StatusDisputed
	StatusResolved
	StatusCompleted
	StatusExpired
)

// ResolutionType identifies how an arbitrator settled a disputed transaction.
type ResolutionType uint8

const (
	ResolutionNone ResolutionType = iota
	ResolutionFullRefund
	ResolutionPartialRefund
	ResolutionReleaseToSeller
)

const (
	// DeliveryWindow is the number of ticks a seller has to deliver before
	// the buyer may reclaim the escrowed funds.
	DeliveryWindow uint64 = 1008
	// DisputeWindow is the number of ticks after delivery confirmation
	// during which the buyer may open a dispute.
	DisputeWindow uint64 = 144
	// MaxEvidenceBytes bounds the size of a single evidence payload.
	MaxEvidenceBytes = 1024
	// MaxFeeBasisPoints caps the configurable protocol fee at 10%.
	MaxFeeBasisPoints uint32 = 1000
	// AccountIndexCapacity bounds how many transactions a single account
	// may participate in at once.
	AccountIndexCapacity = 100
)

// Transaction captures the full state of a single escrow agreement. A
// ConfirmedAt of zero marks a pending transaction whose delivery has not been
// confirmed yet; the dispute deadline is only meaningful once ConfirmedAt is
// set.
type Transaction struct {
	ID               uint64
	Buyer            [20]byte
	Seller           [20]byte
	Amount           *big.Int
	Status           TransactionStatus
	CreatedAt        uint64
	ConfirmedAt      uint64
	DeliveryDeadline uint64
	DisputeDeadline  uint64
	EvidenceBuyer    []byte
	EvidenceSeller   []byte
	Resolution       ResolutionType
	RefundAmount     *big.Int
}

// Clone returns a deep copy of the transaction so callers can safely mutate
// the copy without affecting the stored instance.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	clone := *t
	if t.Amount != nil {
		clone.Amount = new(big.Int).Set(t.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	if t.RefundAmount != nil {
		clone.RefundAmount = new(big.Int).Set(t.RefundAmount)
	} else {
		clone.RefundAmount = big.NewInt(0)
	}
	clone.EvidenceBuyer = append([]byte(nil), t.EvidenceBuyer...)
	clone.EvidenceSeller = append([]byte(nil), t.EvidenceSeller...)
	return &clone
}

// Valid reports whether the status value is within the supported range.
func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusDisputed, StatusResolved, StatusCompleted, StatusExpired:
		return true
	default:
		return false
	}
}

// String returns the canonical lowercase name used in events and RPC
// responses.
func (s TransactionStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDisputed:
		return "disputed"
	case StatusResolved:
		return "resolved"
	case StatusCompleted:
		return "completed"
	case StatusExpired:
		return "expired"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Valid reports whether the resolution value is one of the settlement
// outcomes an arbitrator may choose. ResolutionNone is the stored zero value
// for unresolved transactions and is not a valid outcome.
func (r ResolutionType) Valid() bool {
	switch r {
	case ResolutionFullRefund, ResolutionPartialRefund, ResolutionReleaseToSeller:
		return true
	default:
		return false
	}
}

// String returns the canonical lowercase name used in events and RPC
// responses.
func (r ResolutionType) String() string {
	switch r {
	case ResolutionNone:
		return "none"
	case ResolutionFullRefund:
		return "full_refund"
	case ResolutionPartialRefund:
		return "partial_refund"
	case ResolutionReleaseToSeller:
		return "release_to_seller"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// ParseResolution converts the canonical lowercase name back into a
// resolution value.
func ParseResolution(name string) (ResolutionType, error) {
	switch name {
	case "full_refund":
		return ResolutionFullRefund, nil
	case "partial_refund":
		return ResolutionPartialRefund, nil
	case "release_to_seller":
		return ResolutionReleaseToSeller, nil
	default:
		return ResolutionNone, fmt.Errorf("escrow: unknown resolution %q", name)
	}
}

// SanitizeTransaction validates the supplied transaction and returns a cloned
// instance with non-nil amount fields. The function does not mutate the
// original value.
func SanitizeTransaction(t *Transaction) (*Transaction, error) {
	if t == nil {
		return nil, fmt.Errorf("nil transaction")
	}
	clone := t.Clone()
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("escrow: amount must be non-negative")
	}
	if clone.RefundAmount.Sign() < 0 {
		return nil, fmt.Errorf("escrow: refund amount must be non-negative")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("escrow: invalid status %d", clone.Status)
	}
	if len(clone.EvidenceBuyer) > MaxEvidenceBytes || len(clone.EvidenceSeller) > MaxEvidenceBytes {
		return nil, ErrEvidenceTooLarge
	}
	return clone, nil
}
