package header

import (
	"encoding/hex"
	"testing"

	"github.com/obsidian-pool/poolcore/bigint"
)

// genesisHeader reconstructs the Bitcoin mainnet genesis header, the
// one header whose hash every implementation of the 80-byte
// serialization must reproduce exactly.
func genesisHeader(t *testing.T) *BitcoinHeader {
	t.Helper()
	merkleDisplay, err := hex.DecodeString("4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b")
	if err != nil {
		t.Fatalf("decoding merkle root: %v", err)
	}
	var merkleInternal [32]byte
	for i, b := range merkleDisplay {
		merkleInternal[31-i] = b
	}
	return NewBitcoinHeader(1, bigint.Zero, merkleInternal, 1231006505, 0x1d00ffff, 2083236893)
}

func TestHashMatchesBitcoinGenesis(t *testing.T) {
	hdr := genesisHeader(t)
	want := bigint.FromHex("000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f")
	if got := hdr.Hash(); got.Cmp(want) != 0 {
		t.Fatalf("genesis hash = %s, want %s", got, want)
	}
}

func TestGenesisMeetsDiff1Target(t *testing.T) {
	hdr := genesisHeader(t)
	if !hdr.Hash().LessOrEqual(hdr.Target()) {
		t.Fatalf("genesis hash %s does not meet its own target %s", hdr.Hash(), hdr.Target())
	}
}

func TestEqualIgnoresNonce(t *testing.T) {
	a := genesisHeader(t)
	b := genesisHeader(t)
	b.SetNonce(0)
	if !a.Equal(b) {
		t.Fatalf("headers differing only in nonce should be equal (same work)")
	}
	b.SetTime(a.Time() + 1)
	if a.Equal(b) {
		t.Fatalf("headers differing in time should not be equal")
	}
}

func TestUpdateFieldsAppliesSubmitParams(t *testing.T) {
	hdr := genesisHeader(t)
	hdr.UpdateFields(SubmitParams{Nonce: 42, Time: 1700000000})
	if hdr.Nonce() != 42 || hdr.Time() != 1700000000 {
		t.Fatalf("UpdateFields did not apply: nonce=%d time=%d", hdr.Nonce(), hdr.Time())
	}
}

func TestGobRoundTrip(t *testing.T) {
	hdr := genesisHeader(t)
	data, err := hdr.GobEncode()
	if err != nil {
		t.Fatalf("GobEncode: %v", err)
	}
	var back BitcoinHeader
	if err := back.GobDecode(data); err != nil {
		t.Fatalf("GobDecode: %v", err)
	}
	if !hdr.Equal(&back) || hdr.Nonce() != back.Nonce() {
		t.Fatalf("gob round trip changed the header")
	}
}
