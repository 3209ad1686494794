package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	raw := make([]byte, AddressLength)
	for i := range raw {
		raw[i] = byte(i + 1)
	}
	addr, err := NewAddress(CustosPrefix, raw)
	if err != nil {
		t.Fatalf("new address: %v", err)
	}
	encoded := addr.String()
	if !strings.HasPrefix(encoded, string(CustosPrefix)+"1") {
		t.Fatalf("unexpected encoding: %s", encoded)
	}
	decoded, err := DecodeAddress(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded.Bytes(), raw) {
		t.Fatalf("round trip mismatch: %x != %x", decoded.Bytes(), raw)
	}
}

func TestDecodeAddressRejectsForeignPrefix(t *testing.T) {
	raw := make([]byte, AddressLength)
	foreign := MustNewAddress(AddressPrefix("bank"), raw).String()
	if _, err := DecodeAddress(foreign); err == nil {
		t.Fatalf("expected foreign prefix to be rejected")
	}
}

func TestParseAccountRejectsMalformedInput(t *testing.T) {
	cases := []string{"", "cus1", "not-bech32", "cus1qqqq"}
	for _, tc := range cases {
		if _, err := ParseAccount(tc); err == nil {
			t.Fatalf("expected error for input %q", tc)
		}
	}
}

func TestFormatAccountMatchesDecode(t *testing.T) {
	var account [20]byte
	account[0] = 0xAB
	account[19] = 0xCD
	encoded := FormatAccount(account)
	parsed, err := ParseAccount(encoded)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != account {
		t.Fatalf("round trip mismatch: %x != %x", parsed, account)
	}
}
