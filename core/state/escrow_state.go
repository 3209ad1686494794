package state

import (
	"encoding/binary"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"custos/native/escrow"
)

var (
	escrowRecordPrefix = []byte("escrow/record/")
	escrowIndexPrefix  = []byte("escrow/index/")
	escrowSeqKey       = []byte("escrow/seq")
	escrowFeesKey      = []byte("escrow/fees")
)

// escrowVaultAddr is the custody account holding funds between creation and
// final payout. It is derived from a fixed domain tag so every node computes
// the same address without key material.
var escrowVaultAddr = func() [20]byte {
	hash := ethcrypto.Keccak256([]byte("custos/escrow/vault"))
	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr
}()

func escrowRecordKey(id uint64) []byte {
	key := make([]byte, len(escrowRecordPrefix)+8)
	copy(key, escrowRecordPrefix)
	binary.BigEndian.PutUint64(key[len(escrowRecordPrefix):], id)
	return key
}

func escrowIndexKey(addr [20]byte) []byte {
	key := make([]byte, len(escrowIndexPrefix)+len(addr))
	copy(key, escrowIndexPrefix)
	copy(key[len(escrowIndexPrefix):], addr[:])
	return key
}

// EscrowPut persists the supplied transaction record.
func (m *Manager) EscrowPut(t *escrow.Transaction) error {
	sanitized, err := escrow.SanitizeTransaction(t)
	if err != nil {
		return err
	}
	return m.KVPut(escrowRecordKey(sanitized.ID), sanitized)
}

// EscrowGet loads the transaction stored under the supplied identifier.
// Errors while reading the underlying state result in a false return,
// matching the best-effort semantics required by the callers.
func (m *Manager) EscrowGet(id uint64) (*escrow.Transaction, bool) {
	stored := new(escrow.Transaction)
	ok, err := m.KVGet(escrowRecordKey(id), stored)
	if err != nil || !ok {
		return nil, false
	}
	return stored, true
}

// EscrowNextID allocates the next transaction identifier. The counter starts
// at one and is incremented before the value is returned, so the stored
// counter always equals the most recently issued identifier.
func (m *Manager) EscrowNextID() (uint64, error) {
	var last uint64
	if _, err := m.KVGet(escrowSeqKey, &last); err != nil {
		return 0, err
	}
	next := last + 1
	if err := m.KVPut(escrowSeqKey, next); err != nil {
		return 0, err
	}
	return next, nil
}

// EscrowIndex returns the transaction identifiers the supplied account
// participates in, in insertion order.
func (m *Manager) EscrowIndex(addr [20]byte) ([]uint64, error) {
	var ids []uint64
	if _, err := m.KVGet(escrowIndexKey(addr), &ids); err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []uint64{}
	}
	return ids, nil
}

// EscrowIndexAppend records a transaction identifier against the supplied
// account, enforcing the per-account capacity bound. Duplicate identifiers
// are ignored.
func (m *Manager) EscrowIndexAppend(addr [20]byte, id uint64) error {
	ids, err := m.EscrowIndex(addr)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	if len(ids) >= escrow.AccountIndexCapacity {
		return escrow.ErrIndexFull
	}
	ids = append(ids, id)
	return m.KVPut(escrowIndexKey(addr), ids)
}

// EscrowVaultAddress returns the custody account for escrowed funds.
func (m *Manager) EscrowVaultAddress() [20]byte {
	return escrowVaultAddr
}

// FeePolicy loads the current fee configuration. When unset, a zero policy is
// returned so freshly initialised state charges no fees.
func (m *Manager) FeePolicy() (escrow.FeePolicy, error) {
	var stored escrow.FeePolicy
	ok, err := m.KVGet(escrowFeesKey, &stored)
	if err != nil {
		return escrow.FeePolicy{}, err
	}
	if !ok {
		return escrow.FeePolicy{}, nil
	}
	return stored, nil
}

// SetFeePolicy persists the fee configuration after validating it against the
// fee cap.
func (m *Manager) SetFeePolicy(policy escrow.FeePolicy) error {
	sanitized, err := policy.Sanitize()
	if err != nil {
		return fmt.Errorf("state: %w", err)
	}
	return m.KVPut(escrowFeesKey, sanitized)
}
