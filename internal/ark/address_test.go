package ark_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/bonomat/satsday/internal/ark"
)

func TestAddressRoundTrip(t *testing.T) {
	serverKey := bytes.Repeat([]byte{0x01}, 32)
	vtxoKey := bytes.Repeat([]byte{0x02}, 32)

	for _, hrp := range []string{"ark", "tark"} {
		encoded, err := ark.EncodeAddress(hrp, serverKey, vtxoKey)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.HasPrefix(encoded, hrp+"1") {
			t.Errorf("address should start with %s1, got %s", hrp, encoded)
		}
		decodedHrp, decodedServer, decodedVtxo, err := ark.DecodeAddress(encoded)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if decodedHrp != hrp {
			t.Errorf("expected hrp %s, got %s", hrp, decodedHrp)
		}
		if !bytes.Equal(decodedServer, serverKey) {
			t.Errorf("server key did not round trip")
		}
		if !bytes.Equal(decodedVtxo, vtxoKey) {
			t.Errorf("vtxo key did not round trip")
		}
	}
}

func TestEncodeAddressRejectsBadKeys(t *testing.T) {
	_, err := ark.EncodeAddress("ark", []byte{0x01}, bytes.Repeat([]byte{0x02}, 32))
	if !errors.Is(err, ark.ErrAddressDecode) {
		t.Errorf("short server key should be rejected, got %v", err)
	}
	_, err = ark.EncodeAddress("ark", bytes.Repeat([]byte{0x01}, 32), nil)
	if !errors.Is(err, ark.ErrAddressDecode) {
		t.Errorf("missing vtxo key should be rejected, got %v", err)
	}
}

func TestDecodeAddressRejectsGarbage(t *testing.T) {
	testDefs := []string{
		"",
		"not-an-address",
		"ark1qqqq",
		// Valid bech32m but truncated payload
		"ark1qqqsyqcyq5rqwzqfpg9scrgwpugpzysnxsw84m",
	}
	for _, input := range testDefs {
		if _, _, _, err := ark.DecodeAddress(input); err == nil {
			t.Errorf("DecodeAddress(%q) should fail", input)
		}
	}
}

func TestGameAddressMatchesScript(t *testing.T) {
	gameAddress := ark.GameAddress{
		Script:        "5120" + strings.Repeat("aa", 32),
		SubDustScript: "6a20" + strings.Repeat("aa", 32),
	}
	if !gameAddress.MatchesScript(gameAddress.Script) {
		t.Errorf("p2tr form should match")
	}
	if !gameAddress.MatchesScript(gameAddress.SubDustScript) {
		t.Errorf("sub-dust form should match")
	}
	if gameAddress.MatchesScript("5120" + strings.Repeat("bb", 32)) {
		t.Errorf("foreign script should not match")
	}
}

func TestOutpointString(t *testing.T) {
	outpoint := ark.Outpoint{Txid: "abcd", VOut: 7}
	if outpoint.String() != "abcd.7" {
		t.Errorf("unexpected outpoint string: %s", outpoint.String())
	}
	zero := ark.Outpoint{Txid: "abcd", VOut: 0}
	if zero.String() != "abcd.0" {
		t.Errorf("unexpected outpoint string: %s", zero.String())
	}
}
