package escrow

import "errors"

// Sentinel errors returned by engine operations. Callers dispatch on these
// with errors.Is; the RPC layer maps each to a stable error code.
var (
	// ErrUnauthorized indicates the caller does not hold the role required
	// by the attempted transition.
	ErrUnauthorized = errors.New("escrow: unauthorized caller")
	// ErrNotFound indicates no transaction exists under the supplied
	// identifier.
	ErrNotFound = errors.New("escrow: transaction not found")
	// ErrInvalidAmount covers argument validation failures: non-positive
	// amounts, fee basis points above the cap and malformed refund values.
	ErrInvalidAmount = errors.New("escrow: invalid amount")
	// ErrInvalidParticipant indicates the buyer and seller of a new
	// transaction are the same account.
	ErrInvalidParticipant = errors.New("escrow: buyer and seller must differ")
	// ErrInvalidState indicates the transaction is not in a status that
	// permits the attempted transition.
	ErrInvalidState = errors.New("escrow: invalid transaction state")
	// ErrDeliveryWindowExpired indicates the delivery deadline has passed.
	ErrDeliveryWindowExpired = errors.New("escrow: delivery window expired")
	// ErrDeliveryWindowActive indicates the delivery deadline has not yet
	// passed, so an expiry claim is premature.
	ErrDeliveryWindowActive = errors.New("escrow: delivery window still active")
	// ErrDisputeWindowExpired indicates the dispute deadline has passed.
	ErrDisputeWindowExpired = errors.New("escrow: dispute window expired")
	// ErrDisputeWindowActive indicates the dispute deadline has not yet
	// passed, so funds cannot be released.
	ErrDisputeWindowActive = errors.New("escrow: dispute window still active")
	// ErrInsufficientFunds indicates the debited account cannot cover the
	// requested transfer.
	ErrInsufficientFunds = errors.New("escrow: insufficient balance")
	// ErrEvidenceTooLarge indicates an evidence payload exceeds
	// MaxEvidenceBytes.
	ErrEvidenceTooLarge = errors.New("escrow: evidence exceeds size limit")
	// ErrIndexFull indicates a participant already has the maximum number
	// of tracked transactions.
	ErrIndexFull = errors.New("escrow: account transaction index full")
	// ErrInvalidRefund indicates a partial refund that, combined with the
	// fee, would leave the seller with nothing to receive.
	ErrInvalidRefund = errors.New("escrow: refund plus fee exceeds escrowed amount")
)

var (
	errNilState     = errors.New("escrow engine: state not configured")
	errNilCollector = errors.New("escrow engine: fee collector not configured")
)
