package sharechain

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/obsidian-pool/poolcore/bigint"
	"github.com/obsidian-pool/poolcore/chaincfg"
	"github.com/obsidian-pool/poolcore/header"
	"github.com/obsidian-pool/poolcore/pplns"
)

// TestCoinbaseScriptLayout pins the byte layout every offset constant
// depends on: the fixed prefix fills exactly MinScriptSize bytes, the
// extranonce slot occupies the next 8, and the encoded payload starts
// right after.
func TestCoinbaseScriptLayout(t *testing.T) {
	payload := []byte{0xaa, 0xbb, 0xcc}
	for _, height := range []uint32{0, 1, 1000, 16_000_000} {
		script := BuildCoinbaseScript(height, payload)
		if got := len(script); got != chaincfg.MinScriptSize+8+len(payload) {
			t.Fatalf("height %d: script length %d, want %d", height, got, chaincfg.MinScriptSize+8+len(payload))
		}
		if !bytes.Contains(script[:chaincfg.MinScriptSize], chaincfg.GenerationGraffiti[:]) {
			t.Fatalf("height %d: graffiti not inside the fixed prefix", height)
		}
		for _, b := range script[chaincfg.MinScriptSize : chaincfg.MinScriptSize+8] {
			if b != 0 {
				t.Fatalf("height %d: extranonce slot not zeroed", height)
			}
		}
		if !bytes.Equal(script[chaincfg.MinScriptSize+8:], payload) {
			t.Fatalf("height %d: payload not at expected offset", height)
		}
	}
}

// TestSpliceExtranoncePlacement pins the slot layout inside the
// serialized transaction: the first four spliced bytes are extranonce1
// exactly as mining.subscribe advertised it (big-endian), so a miner
// concatenating coinb1 || extranonce1 || extranonce2 || coinb2 builds
// byte-identical coinbase bytes.
func TestSpliceExtranoncePlacement(t *testing.T) {
	script := BuildCoinbaseScript(5, nil)
	tx := BuildCoinbaseTx(script, nil)
	SpliceExtranonce(tx, 0x01020304, 0x0a0b0c0d)

	start, _, ok := CoinbaseScriptBounds(tx)
	if !ok {
		t.Fatalf("CoinbaseScriptBounds failed on a freshly built coinbase")
	}
	slot := tx[start+chaincfg.MinScriptSize : start+chaincfg.MinScriptSize+8]

	var en1 [4]byte
	binary.BigEndian.PutUint32(en1[:], 0x01020304)
	if !bytes.Equal(slot[:4], en1[:]) {
		t.Fatalf("extranonce1 bytes = %x, want advertised big-endian %x", slot[:4], en1)
	}
	var want [8]byte
	binary.LittleEndian.PutUint64(want[:], uint64(0x04030201)|(uint64(0x0a0b0c0d)<<32))
	if !bytes.Equal(slot, want[:]) {
		t.Fatalf("extranonce slot = %x, want %x", slot, want)
	}
	if !bytes.Equal(tx[:start+chaincfg.MinScriptSize], BuildCoinbaseTx(BuildCoinbaseScript(5, nil), nil)[:start+chaincfg.MinScriptSize]) {
		t.Fatalf("splice corrupted the fixed prefix")
	}
}

// TestCoinbaseScriptBounds confirms the parsed bounds point at the
// exact script bytes for both 1-byte and 0xfd-prefixed script-length
// varints.
func TestCoinbaseScriptBounds(t *testing.T) {
	for _, payloadLen := range []int{3, 300} {
		script := BuildCoinbaseScript(42, make([]byte, payloadLen))
		tx := BuildCoinbaseTx(script, []TxOutput{{Script: []byte{0x6a}, Value: 1}})

		start, length, ok := CoinbaseScriptBounds(tx)
		if !ok {
			t.Fatalf("payload %d: bounds not found", payloadLen)
		}
		if length != len(script) {
			t.Fatalf("payload %d: length = %d, want %d", payloadLen, length, len(script))
		}
		if !bytes.Equal(tx[start:start+length], script) {
			t.Fatalf("payload %d: bounds do not cover the script bytes", payloadLen)
		}
	}
}

// TestIntoP2PRoundTripsThroughSplice confirms the payload offset stays
// valid after the extranonce is written: the splice and the parse index
// the same layout.
func TestIntoP2PRoundTripsThroughSplice(t *testing.T) {
	prev := bigint.FromUint64(0xfeedface)
	encoded := CoinbaseEncodedP2P{PrevHash: prev, ScoreChanges: pplns.ScoreChanges{}}
	payload, err := EncodeCoinbasePayload(encoded)
	if err != nil {
		t.Fatalf("EncodeCoinbasePayload: %v", err)
	}
	script := BuildCoinbaseScript(7, payload)
	tx := BuildCoinbaseTx(script, []TxOutput{{Script: []byte{0x6a}, Value: 50}})
	SpliceExtranonce(tx, 0xdeadbeef, 0x12345678)

	hdr := header.NewBitcoinHeader(1, bigint.Zero, [32]byte{}, 0, 0x1d00ffff, 0)
	candidate := NewCandidateBlock(hdr, tx, nil)

	share, ok := candidate.IntoP2P(Genesis(), 0)
	if !ok {
		t.Fatalf("IntoP2P failed after extranonce splice")
	}
	if share.Encoded.PrevHash.Cmp(prev) != 0 {
		t.Fatalf("decoded PrevHash = %s, want %s", share.Encoded.PrevHash, prev)
	}
}

func TestSerializeBlockShape(t *testing.T) {
	hdr := header.NewBitcoinHeader(1, bigint.Zero, [32]byte{}, 0, 0x1d00ffff, 0)
	coinbaseTx := BuildCoinbaseTx(BuildCoinbaseScript(1, nil), []TxOutput{{Script: []byte{0x6a}, Value: 50}})
	txs := [][]byte{{0x01, 0x02}, {0x03}}

	block := SerializeBlock(hdr, coinbaseTx, txs)

	ser := hdr.Serialize()
	if !bytes.Equal(block[:80], ser[:]) {
		t.Fatalf("block does not start with the 80-byte header")
	}
	if block[80] != 3 {
		t.Fatalf("tx count varint = %d, want 3 (coinbase + 2)", block[80])
	}
	wantLen := 80 + 1 + len(coinbaseTx) + 3
	if len(block) != wantLen {
		t.Fatalf("block length = %d, want %d", len(block), wantLen)
	}
	if !bytes.Equal(block[len(block)-1:], []byte{0x03}) {
		t.Fatalf("trailing transaction bytes missing")
	}
}
