package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"custos/core"
	"custos/crypto"
	"custos/native/escrow"
)

// uint64Param accepts identifiers encoded either as JSON numbers or as decimal
// strings so large values survive clients that round-trip through float64.
type uint64Param uint64

func (p *uint64Param) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("value required")
	}
	if trimmed[0] == '"' {
		var raw string
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return err
		}
		value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid numeric value %q", raw)
		}
		*p = uint64Param(value)
		return nil
	}
	var value uint64
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return err
	}
	*p = uint64Param(value)
	return nil
}

// transactionJSON is the wire representation of an escrow transaction.
// Deadline fields that are not yet meaningful are omitted rather than encoded
// as zero.
type transactionJSON struct {
	ID               uint64  `json:"id"`
	Buyer            string  `json:"buyer"`
	Seller           string  `json:"seller"`
	Amount           string  `json:"amount"`
	Status           string  `json:"status"`
	CreatedAt        uint64  `json:"createdAt"`
	DeliveryDeadline uint64  `json:"deliveryDeadline"`
	ConfirmedAt      *uint64 `json:"confirmedAt,omitempty"`
	DisputeDeadline  *uint64 `json:"disputeDeadline,omitempty"`
	EvidenceBuyer    string  `json:"evidenceBuyer,omitempty"`
	EvidenceSeller   string  `json:"evidenceSeller,omitempty"`
	Resolution       *string `json:"resolution,omitempty"`
	RefundAmount     *string `json:"refundAmount,omitempty"`
}

func formatTransactionJSON(t *escrow.Transaction) transactionJSON {
	out := transactionJSON{
		ID:               t.ID,
		Buyer:            crypto.FormatAccount(t.Buyer),
		Seller:           crypto.FormatAccount(t.Seller),
		Amount:           "0",
		Status:           t.Status.String(),
		CreatedAt:        t.CreatedAt,
		DeliveryDeadline: t.DeliveryDeadline,
	}
	if t.Amount != nil {
		out.Amount = t.Amount.String()
	}
	if t.ConfirmedAt != 0 {
		confirmed := t.ConfirmedAt
		out.ConfirmedAt = &confirmed
		deadline := t.DisputeDeadline
		out.DisputeDeadline = &deadline
	}
	if len(t.EvidenceBuyer) > 0 {
		out.EvidenceBuyer = "0x" + hex.EncodeToString(t.EvidenceBuyer)
	}
	if len(t.EvidenceSeller) > 0 {
		out.EvidenceSeller = "0x" + hex.EncodeToString(t.EvidenceSeller)
	}
	if t.Resolution != escrow.ResolutionNone {
		resolution := t.Resolution.String()
		out.Resolution = &resolution
	}
	if t.RefundAmount != nil && t.RefundAmount.Sign() > 0 {
		refund := t.RefundAmount.String()
		out.RefundAmount = &refund
	}
	return out
}

type feePolicyJSON struct {
	BasisPoints uint32 `json:"basisPoints"`
	Collector   string `json:"collector"`
}

func formatFeePolicyJSON(policy escrow.FeePolicy) feePolicyJSON {
	return feePolicyJSON{
		BasisPoints: policy.BasisPoints,
		Collector:   crypto.FormatAccount(policy.Collector),
	}
}

// eventEntryJSON is the wire representation of a journal entry shared by the
// polling and websocket endpoints.
type eventEntryJSON struct {
	Sequence   uint64            `json:"sequence"`
	Cursor     string            `json:"cursor"`
	Tick       uint64            `json:"tick"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

func formatEventEntry(entry core.EventEntry) eventEntryJSON {
	out := eventEntryJSON{
		Sequence:   entry.Sequence,
		Cursor:     entry.Cursor,
		Tick:       entry.Tick,
		Attributes: map[string]string{},
	}
	if entry.Event != nil {
		out.Type = entry.Event.Type
		for key, value := range entry.Event.Attributes {
			out.Attributes[key] = value
		}
	}
	return out
}

type headJSON struct {
	StateRoot   string `json:"stateRoot"`
	Version     uint64 `json:"version"`
	Tick        uint64 `json:"tick"`
	GenesisTime uint64 `json:"genesisTime"`
	TickSeconds uint64 `json:"tickSeconds"`
	Paused      bool   `json:"paused"`
}

type balanceJSON struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

// parseEvidenceHex decodes an optional 0x-prefixed evidence payload.
func parseEvidenceHex(value string) ([]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	if !strings.HasPrefix(strings.ToLower(trimmed), "0x") {
		return nil, fmt.Errorf("evidence must be 0x-prefixed")
	}
	cleaned := trimmed[2:]
	if len(cleaned)%2 != 0 {
		return nil, fmt.Errorf("evidence hex length must be even")
	}
	decoded, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, err
	}
	return decoded, nil
}

// parseBech32Address resolves a bech32 account string into its raw form.
func parseBech32Address(addr string) ([20]byte, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address required")
	}
	return crypto.ParseAccount(trimmed)
}
