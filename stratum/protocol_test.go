package stratum

import (
	"encoding/binary"
	"testing"

	"github.com/obsidian-pool/poolcore/bigint"
	"github.com/obsidian-pool/poolcore/chaincfg"
	"github.com/obsidian-pool/poolcore/header"
	"github.com/obsidian-pool/poolcore/jobmanager"
	"github.com/obsidian-pool/poolcore/sharechain"
)

// TestPrevHashStratumKnownVector pins the exact encoding a real miner
// sees: the 32-byte value split into 4-byte groups with the group
// order reversed.
func TestPrevHashStratumKnownVector(t *testing.T) {
	in := bigint.FromHex("00000000000000000001EBCEDCE3D84DAB04CC80FAD12E90270E77A2037907B0")
	want := "037907b0270e77a2fad12e90ab04cc80dce3d84d0001ebce0000000000000000"
	if got := prevHashStratum(in); got != want {
		t.Fatalf("prevHashStratum:\n got %s\nwant %s", got, want)
	}
}

func TestPrevHashStratumReversesWordOrder(t *testing.T) {
	var in [32]byte
	for i := range in {
		in[i] = byte(i)
	}
	got := prevHashStratum(bigint.FromBytesBE(in[:]))

	var want [32]byte
	for i := 0; i < 8; i++ {
		copy(want[i*4:i*4+4], in[(7-i)*4:(7-i)*4+4])
	}
	if got != hexString(want[:]) {
		t.Fatalf("prevHashStratum: got %s want %s", got, hexString(want[:]))
	}
}

func hexString(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0xf]
	}
	return string(out)
}

func TestTargetFromDiffUnitsMatchesScenario(t *testing.T) {
	got := targetFromDiffUnits(5_000_000)
	want := bigint.MaxTarget.DivUint64(5)
	if got.Cmp(want) != 0 {
		t.Fatalf("targetFromDiffUnits(5e6) = %s, want %s", got, want)
	}
}

func TestLowUint64TakesLastEightBytes(t *testing.T) {
	var b [32]byte
	binary.BigEndian.PutUint64(b[24:32], 0xdeadbeefcafef00d)
	h := bigint.FromBytesBE(b[:])
	if got := lowUint64(h); got != 0xdeadbeefcafef00d {
		t.Fatalf("lowUint64 = %x, want deadbeefcafef00d", got)
	}
}

func TestParseHexUint32RoundTrips(t *testing.T) {
	got, err := parseHexUint32("deadbeef")
	if err != nil {
		t.Fatalf("parseHexUint32: %v", err)
	}
	if got != 0xdeadbeef {
		t.Fatalf("parseHexUint32 = %x, want deadbeef", got)
	}
}

func TestShareClassificationOrdering(t *testing.T) {
	// hash < job.target => Block;
	// job.target <= hash < client.target => Valid; hash >= client.target => Invalid.
	poolTarget := bigint.FromUint64(100)
	clientTarget := bigint.FromUint64(1000)

	cases := []struct {
		hash uint64
		want string
	}{
		{50, "block"},
		{100, "valid"}, // tie at job.target goes to Valid, not Block (strict <)
		{500, "valid"},
		{999, "valid"},
		{1000, "invalid"}, // tie at client.target is Invalid
		{5000, "invalid"},
	}

	for _, tc := range cases {
		h := bigint.FromUint64(tc.hash)
		var got string
		switch {
		case h.LessThan(poolTarget):
			got = "block"
		case h.LessThan(clientTarget):
			got = "valid"
		default:
			got = "invalid"
		}
		if got != tc.want {
			t.Errorf("hash=%d: got %s, want %s", tc.hash, got, tc.want)
		}
	}
}

func jobFixture(coinbaseTx []byte) *jobmanager.Job {
	hdr := header.NewBitcoinHeader(1, bigint.Zero, [32]byte{}, 0, 0x1d00ffff, 0)
	return &jobmanager.Job{
		ID:         7,
		Header:     hdr,
		Target:     bigint.MaxTarget,
		CoinbaseTx: coinbaseTx,
	}
}

// TestProcessShareDuplicateDetection: the same (nonce, time,
// extranonce2) is accepted once, then rejected as Duplicate on
// resubmission.
func TestProcessShareDuplicateDetection(t *testing.T) {
	v := &V1{}
	c := newClient(nil, 0x11223344)
	// An all-ones client target accepts any hash, so the first
	// submission classifies Valid; the pool (job) target of zero keeps
	// it from classifying Block.
	c.target = bigint.FromHex("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")

	hdr := header.NewBitcoinHeader(1, bigint.Zero, [32]byte{}, 0, 0x1d00ffff, 0)
	job := &jobmanager.Job{
		ID:         1,
		Header:     hdr,
		Target:     bigint.Zero,
		CoinbaseTx: sharechain.BuildCoinbaseTx(sharechain.BuildCoinbaseScript(1, nil), nil),
	}
	params := submitParams{WorkerName: "w", JobID: 1, ExtraNonce2: 7, NTime: 1_700_000_000, Nonce: 99}

	first, _, _ := v.processShare(job, params, c)
	if first != OutcomeValid {
		t.Fatalf("first submission = %v, want OutcomeValid", first)
	}
	second, _, _ := v.processShare(job, params, c)
	if second != OutcomeDuplicate {
		t.Fatalf("resubmission = %v, want OutcomeDuplicate", second)
	}

	// A different extranonce2 is new work, not a duplicate.
	params.ExtraNonce2 = 8
	third, _, _ := v.processShare(job, params, c)
	if third != OutcomeValid {
		t.Fatalf("distinct extranonce2 = %v, want OutcomeValid", third)
	}
}

// TestSubscribeAdvertisesSplicedExtranonce1 confirms the extranonce1
// hex a client receives from mining.subscribe is byte-identical to
// what SpliceExtranonce later writes into the coinbase for that
// client, so miner-side and server-side coinbase reassembly agree.
func TestSubscribeAdvertisesSplicedExtranonce1(t *testing.T) {
	v := New(Config{}, nil, nil, nil, nil, nil)
	c := newClient(nil, 0x01020304)

	res, errTuple := v.handleSubscribe(c)
	if errTuple != nil {
		t.Fatalf("handleSubscribe error: %v", errTuple)
	}
	fields, ok := res.([]interface{})
	if !ok || len(fields) != 3 {
		t.Fatalf("subscribe result shape: %v", res)
	}
	en1Hex, ok := fields[1].(string)
	if !ok {
		t.Fatalf("extranonce1 is not a string")
	}

	tx := sharechain.BuildCoinbaseTx(sharechain.BuildCoinbaseScript(1, nil), nil)
	sharechain.SpliceExtranonce(tx, c.ExtraNonce1(), 0)
	start, _, boundsOK := sharechain.CoinbaseScriptBounds(tx)
	if !boundsOK {
		t.Fatalf("CoinbaseScriptBounds failed")
	}
	spliced := tx[start+chaincfg.MinScriptSize : start+chaincfg.MinScriptSize+4]
	if en1Hex != hexString(spliced) {
		t.Fatalf("advertised extranonce1 %s != spliced bytes %s", en1Hex, hexString(spliced))
	}
}

// TestNotifyParamsSplitsCoinbaseAroundExtranonceSlot confirms
// coinb1 || <8 zero bytes> || coinb2 reassembles the job's serialized
// coinbase transaction exactly, so the bytes a miner hashes are the
// bytes the txid commits to.
func TestNotifyParamsSplitsCoinbaseAroundExtranonceSlot(t *testing.T) {
	script := sharechain.BuildCoinbaseScript(3, []byte{0xaa, 0xbb, 0xcc})
	tx := sharechain.BuildCoinbaseTx(script, []sharechain.TxOutput{{Script: []byte{0x6a}, Value: 1}})

	job := jobFixture(tx)
	params := notifyParams(job)
	if len(params) != 9 {
		t.Fatalf("notifyParams: got %d fields, want 9", len(params))
	}
	coinb1Hex, ok := params[2].(string)
	if !ok {
		t.Fatalf("coinb1 is not a string")
	}
	coinb2Hex, ok := params[3].(string)
	if !ok {
		t.Fatalf("coinb2 is not a string")
	}

	start, _, boundsOK := sharechain.CoinbaseScriptBounds(tx)
	if !boundsOK {
		t.Fatalf("CoinbaseScriptBounds failed")
	}
	if len(coinb1Hex) != (start+chaincfg.Coinb1Size)*2 {
		t.Fatalf("coinb1 hex length = %d, want %d", len(coinb1Hex), (start+chaincfg.Coinb1Size)*2)
	}

	reassembled := coinb1Hex + "0000000000000000" + coinb2Hex
	if reassembled != hexString(tx) {
		t.Fatalf("coinb1 || slot || coinb2 does not reassemble the coinbase transaction")
	}
}
