package state

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"custos/native/escrow"
)

func TestEscrowRecordRoundTrip(t *testing.T) {
	mgr := newTestManager(t)

	if _, ok := mgr.EscrowGet(1); ok {
		t.Fatalf("missing record must not resolve")
	}

	record := &escrow.Transaction{
		ID:               1,
		Buyer:            [20]byte{0x01},
		Seller:           [20]byte{0x02},
		Amount:           big.NewInt(1_000_000),
		Status:           escrow.StatusDisputed,
		CreatedAt:        100,
		ConfirmedAt:      110,
		DeliveryDeadline: 100 + escrow.DeliveryWindow,
		DisputeDeadline:  110 + escrow.DisputeWindow,
		EvidenceBuyer:    []byte("never arrived"),
		EvidenceSeller:   []byte("tracking shows delivery"),
		Resolution:       escrow.ResolutionNone,
		RefundAmount:     big.NewInt(0),
	}
	if err := mgr.EscrowPut(record); err != nil {
		t.Fatalf("escrow put: %v", err)
	}

	loaded, ok := mgr.EscrowGet(1)
	if !ok {
		t.Fatalf("stored record must resolve")
	}
	if loaded.Buyer != record.Buyer || loaded.Seller != record.Seller {
		t.Fatalf("participants not preserved")
	}
	if loaded.Amount.Cmp(record.Amount) != 0 {
		t.Fatalf("amount = %s, want %s", loaded.Amount, record.Amount)
	}
	if loaded.Status != escrow.StatusDisputed {
		t.Fatalf("status = %s, want disputed", loaded.Status)
	}
	if loaded.ConfirmedAt != 110 || loaded.DisputeDeadline != record.DisputeDeadline {
		t.Fatalf("deadlines not preserved")
	}
	if !bytes.Equal(loaded.EvidenceBuyer, record.EvidenceBuyer) || !bytes.Equal(loaded.EvidenceSeller, record.EvidenceSeller) {
		t.Fatalf("evidence not preserved")
	}

	invalid := record.Clone()
	invalid.Amount = big.NewInt(-1)
	if err := mgr.EscrowPut(invalid); err == nil {
		t.Fatalf("expected error for invalid record")
	}
}

func TestEscrowUnconfirmedSentinelSurvivesStorage(t *testing.T) {
	mgr := newTestManager(t)

	record := &escrow.Transaction{
		ID:               3,
		Buyer:            [20]byte{0x01},
		Seller:           [20]byte{0x02},
		Amount:           big.NewInt(500),
		Status:           escrow.StatusPending,
		CreatedAt:        42,
		DeliveryDeadline: 42 + escrow.DeliveryWindow,
	}
	if err := mgr.EscrowPut(record); err != nil {
		t.Fatalf("escrow put: %v", err)
	}
	loaded, ok := mgr.EscrowGet(3)
	if !ok {
		t.Fatalf("stored record must resolve")
	}
	if loaded.ConfirmedAt != 0 {
		t.Fatalf("unconfirmed marker must survive storage, got %d", loaded.ConfirmedAt)
	}
	if loaded.DisputeDeadline != 0 {
		t.Fatalf("dispute deadline must stay unset before confirmation")
	}
}

func TestEscrowNextIDSequence(t *testing.T) {
	mgr := newTestManager(t)

	for want := uint64(1); want <= 5; want++ {
		id, err := mgr.EscrowNextID()
		if err != nil {
			t.Fatalf("next id: %v", err)
		}
		if id != want {
			t.Fatalf("id = %d, want %d", id, want)
		}
	}
}

func TestEscrowIndexCapacity(t *testing.T) {
	mgr := newTestManager(t)
	addr := [20]byte{0x07}

	ids, err := mgr.EscrowIndex(addr)
	if err != nil {
		t.Fatalf("empty index: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty index, got %d entries", len(ids))
	}

	for i := 0; i < escrow.AccountIndexCapacity; i++ {
		if err := mgr.EscrowIndexAppend(addr, uint64(i+1)); err != nil {
			t.Fatalf("append %d: %v", i+1, err)
		}
	}
	if err := mgr.EscrowIndexAppend(addr, 999); !errors.Is(err, escrow.ErrIndexFull) {
		t.Fatalf("expected %v at capacity, got %v", escrow.ErrIndexFull, err)
	}
	// Duplicates are ignored even at capacity.
	if err := mgr.EscrowIndexAppend(addr, 1); err != nil {
		t.Fatalf("duplicate append must be a no-op: %v", err)
	}

	ids, err = mgr.EscrowIndex(addr)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if len(ids) != escrow.AccountIndexCapacity {
		t.Fatalf("index size = %d, want %d", len(ids), escrow.AccountIndexCapacity)
	}
	if ids[0] != 1 || ids[len(ids)-1] != uint64(escrow.AccountIndexCapacity) {
		t.Fatalf("index must preserve insertion order")
	}
}

func TestFeePolicyRoundTrip(t *testing.T) {
	mgr := newTestManager(t)

	policy, err := mgr.FeePolicy()
	if err != nil {
		t.Fatalf("default policy: %v", err)
	}
	if policy.BasisPoints != 0 || policy.Collector != ([20]byte{}) {
		t.Fatalf("fresh state must charge no fees, got %+v", policy)
	}

	want := escrow.FeePolicy{BasisPoints: 250, Collector: [20]byte{0x0B}}
	if err := mgr.SetFeePolicy(want); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	got, err := mgr.FeePolicy()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if got != want {
		t.Fatalf("policy = %+v, want %+v", got, want)
	}

	if err := mgr.SetFeePolicy(escrow.FeePolicy{BasisPoints: escrow.MaxFeeBasisPoints + 1}); err == nil {
		t.Fatalf("expected error above the fee cap")
	}
}

func TestEscrowVaultAddressIsStable(t *testing.T) {
	first := newTestManager(t).EscrowVaultAddress()
	second := newTestManager(t).EscrowVaultAddress()
	if first != second {
		t.Fatalf("vault address must be deterministic")
	}
	if first == ([20]byte{}) {
		t.Fatalf("vault address must not be zero")
	}
}
