package sharechain

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"math/bits"

	"github.com/obsidian-pool/poolcore/bigint"
	"github.com/obsidian-pool/poolcore/chaincfg"
	"github.com/obsidian-pool/poolcore/header"
)

func init() {
	gob.Register(&CandidateBlock{})
}

// CandidateBlock is the concrete Block implementation every component
// in this repo instantiates: a Bitcoin-style header, the fully
// serialized coinbase transaction (the bytes whose double-SHA256 is
// the coinbase txid committed by the header's merkle root), and the
// rest of the block's raw transactions, needed for re-submission to
// the base chain.
type CandidateBlock struct {
	Hdr      *header.BitcoinHeader
	Coinbase []byte
	TxData   [][]byte
}

// NewCandidateBlock wraps a header and a serialized coinbase
// transaction for share-chain processing. txData carries the
// template's raw non-coinbase transactions so a winning share can be
// serialized into a full block for submitblock.
func NewCandidateBlock(hdr *header.BitcoinHeader, coinbaseTx []byte, txData [][]byte) *CandidateBlock {
	return &CandidateBlock{Hdr: hdr, Coinbase: coinbaseTx, TxData: txData}
}

func (b *CandidateBlock) Header() header.BlockHeader { return b.Hdr }

// PrevMain is the base-chain previous-block-hash this candidate commits
// to; it is the header's own prev field, so it survives the flat-file
// gob round-trip without a second copy.
func (b *CandidateBlock) PrevMain() bigint.Uint256 { return b.Hdr.PrevHash() }

// IntoP2P parses the embedded CoinbaseEncodedP2P payload out of the
// serialized coinbase transaction's input script. Within the script
// the payload begins at chaincfg.MinScriptSize + 8, past the BIP34
// height push + GenerationGraffiti prefix and the
// extranonce1||extranonce2 slot.
func (b *CandidateBlock) IntoP2P(tip ShareP2P, height uint32) (ShareP2P, bool) {
	start, length, ok := CoinbaseScriptBounds(b.Coinbase)
	if !ok || length < chaincfg.MinScriptSize+8 {
		return ShareP2P{}, false
	}
	payload := b.Coinbase[start+chaincfg.MinScriptSize+8 : start+length]

	var encoded CoinbaseEncodedP2P
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&encoded); err != nil {
		return ShareP2P{}, false
	}

	return ShareP2P{
		Block:        b,
		Encoded:      encoded,
		ScoreChanges: encoded.ScoreChanges,
	}, true
}

// EncodeCoinbasePayload serializes a CoinbaseEncodedP2P for embedding
// into a coinbase input script at the fixed offset IntoP2P reads from.
func EncodeCoinbasePayload(encoded CoinbaseEncodedP2P) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(encoded); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildCoinbaseScript assembles a coinbase input script: a BIP34
// height push, GenerationGraffiti, zero padding up to MinScriptSize,
// the 8-byte extranonce slot (left zeroed for the miner to fill via
// Stratum), then the encoded P2P payload.
func BuildCoinbaseScript(height uint32, payload []byte) []byte {
	script := make([]byte, 0, chaincfg.MinScriptSize+8+len(payload))

	heightPush := bip34HeightPush(height)
	script = append(script, heightPush...)
	pad := chaincfg.MinScriptSize - len(heightPush) - len(chaincfg.GenerationGraffiti)
	if pad < 0 {
		pad = 0
	}
	script = append(script, chaincfg.GenerationGraffiti[:]...)
	script = append(script, make([]byte, pad)...)

	script = append(script, make([]byte, 8)...) // extranonce1||extranonce2 slot
	script = append(script, payload...)
	return script
}

// SpliceExtranonce writes the 8-byte extranonce slot inside a
// serialized coinbase transaction previously assembled from a
// BuildCoinbaseScript script. The slot value is
// uint64(extranonce1.to_be()) | uint64(extranonce2)<<32, written
// little-endian: byte-swapping extranonce1 first makes its spliced
// bytes match the big-endian form advertised in mining.subscribe, so
// the server reassembles exactly the coinbase the miner hashed.
func SpliceExtranonce(coinbaseTx []byte, extranonce1, extranonce2 uint32) {
	start, length, ok := CoinbaseScriptBounds(coinbaseTx)
	if !ok || length < chaincfg.MinScriptSize+8 {
		return
	}
	slot := coinbaseTx[start+chaincfg.MinScriptSize:]
	binary.LittleEndian.PutUint64(slot[:8], uint64(bits.ReverseBytes32(extranonce1))|(uint64(extranonce2)<<32))
}

// CoinbaseScriptBounds locates the input script inside a serialized
// coinbase transaction built by BuildCoinbaseTx: version(4) +
// input-count varint(1) + null outpoint(36), then the script-length
// varint, then the script itself.
func CoinbaseScriptBounds(tx []byte) (start, length int, ok bool) {
	const prefix = 4 + 1 + 32 + 4
	if len(tx) <= prefix {
		return 0, 0, false
	}
	n, size := decodeVarInt(tx[prefix:])
	if size == 0 {
		return 0, 0, false
	}
	start = prefix + size
	length = int(n)
	if length < 0 || start+length > len(tx) {
		return 0, 0, false
	}
	return start, length, true
}

// TxOutput is a (script, value) pair for coinbase transaction assembly,
// kept independent of jobmanager.Vout to avoid an import cycle
// (jobmanager imports sharechain, not the reverse).
type TxOutput struct {
	Script []byte
	Value  uint64
}

// BuildCoinbaseTx serializes a minimal Bitcoin-style coinbase
// transaction: one null-outpoint input carrying script, and the given
// outputs.
func BuildCoinbaseTx(script []byte, outputs []TxOutput) []byte {
	buf := make([]byte, 0, 128+len(script))

	buf = appendUint32LE(buf, 1) // version

	buf = append(buf, encodeVarInt(1)...) // 1 input
	buf = append(buf, make([]byte, 32)...) // null prev-tx hash
	buf = appendUint32LE(buf, 0xffffffff)  // null index
	buf = append(buf, encodeVarInt(uint64(len(script)))...)
	buf = append(buf, script...)
	buf = appendUint32LE(buf, 0xffffffff) // sequence

	buf = append(buf, encodeVarInt(uint64(len(outputs)))...)
	for _, out := range outputs {
		buf = appendUint64LE(buf, out.Value)
		buf = append(buf, encodeVarInt(uint64(len(out.Script)))...)
		buf = append(buf, out.Script...)
	}

	buf = appendUint32LE(buf, 0) // locktime
	return buf
}

// SerializeBlock renders a full base-chain block for submitblock: the
// 80-byte header, a varint transaction count, the serialized coinbase
// transaction, then the template's raw transactions in order.
func SerializeBlock(hdr *header.BitcoinHeader, coinbaseTx []byte, txs [][]byte) []byte {
	size := 80 + 9 + len(coinbaseTx)
	for _, tx := range txs {
		size += len(tx)
	}
	buf := make([]byte, 0, size)

	ser := hdr.Serialize()
	buf = append(buf, ser[:]...)
	buf = append(buf, encodeVarInt(uint64(1+len(txs)))...)
	buf = append(buf, coinbaseTx...)
	for _, tx := range txs {
		buf = append(buf, tx...)
	}
	return buf
}

func appendUint32LE(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24), byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

func decodeVarInt(b []byte) (uint64, int) {
	if len(b) == 0 {
		return 0, 0
	}
	switch b[0] {
	case 0xfd:
		if len(b) < 3 {
			return 0, 0
		}
		return uint64(b[1]) | uint64(b[2])<<8, 3
	case 0xfe:
		if len(b) < 5 {
			return 0, 0
		}
		return uint64(binary.LittleEndian.Uint32(b[1:5])), 5
	case 0xff:
		if len(b) < 9 {
			return 0, 0
		}
		return binary.LittleEndian.Uint64(b[1:9]), 9
	default:
		return uint64(b[0]), 1
	}
}

func encodeVarInt(n uint64) []byte {
	switch {
	case n < 0xfd:
		return []byte{byte(n)}
	case n <= 0xffff:
		return []byte{0xfd, byte(n), byte(n >> 8)}
	case n <= 0xffffffff:
		return []byte{0xfe, byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
	default:
		return []byte{0xff, byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24), byte(n >> 32), byte(n >> 40), byte(n >> 48), byte(n >> 56)}
	}
}

func bip34HeightPush(height uint32) []byte {
	var b []byte
	h := height
	for h > 0 {
		b = append(b, byte(h&0xff))
		h >>= 8
	}
	if len(b) == 0 {
		b = []byte{0}
	}
	if b[len(b)-1]&0x80 != 0 {
		b = append(b, 0)
	}
	return append([]byte{byte(len(b))}, b...)
}
