// Package header implements the generic block-header capability set:
// a Bitcoin-style 80-byte header, its canonical double-SHA256 hash,
// and the compact<->target bridge from bigint. Concrete chains
// instantiate BitcoinHeader directly; anything that satisfies the
// BlockHeader interface can drive jobmanager and sharechain.
package header

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"

	"github.com/obsidian-pool/poolcore/bigint"
)

// SubmitParams carries the fields a Stratum mining.submit fills in on a
// job's header: the miner-chosen nonce and ntime, used by UpdateFields.
type SubmitParams struct {
	Nonce uint32
	Time  uint32
}

// BlockHeader is the read-only capability set every concrete header
// type must expose.
type BlockHeader interface {
	PrevHash() bigint.Uint256
	Time() uint32
	MerkleRoot() [32]byte
	Nonce() uint32
	Version() int32
	Bits() uint32
	Target() bigint.Uint256
	Hash() bigint.Uint256
	// Equal reports whether two headers are component-wise identical
	// (version, prev, bits, time, merkle_root); used by JobManager to
	// detect "no new work".
	Equal(other BlockHeader) bool
}

// Mutable is the subset of BlockHeader a job's processing copy needs to
// update in place while building or settling a share.
type Mutable interface {
	BlockHeader
	SetMerkleRoot([32]byte)
	SetTime(uint32)
	SetNonce(uint32)
	// UpdateFields applies a miner's submit params.
	UpdateFields(params SubmitParams)
}

// BitcoinHeader is the canonical 80-byte Bitcoin-style header.
type BitcoinHeader struct {
	version    int32
	prevHash   bigint.Uint256
	merkleRoot [32]byte
	time       uint32
	bits       uint32
	nonce      uint32
}

// NewBitcoinHeader constructs a header from its component fields.
func NewBitcoinHeader(version int32, prevHash bigint.Uint256, merkleRoot [32]byte, t uint32, bits uint32, nonce uint32) *BitcoinHeader {
	return &BitcoinHeader{
		version:    version,
		prevHash:   prevHash,
		merkleRoot: merkleRoot,
		time:       t,
		bits:       bits,
		nonce:      nonce,
	}
}

func (h *BitcoinHeader) Version() int32             { return h.version }
func (h *BitcoinHeader) PrevHash() bigint.Uint256    { return h.prevHash }
func (h *BitcoinHeader) MerkleRoot() [32]byte        { return h.merkleRoot }
func (h *BitcoinHeader) Time() uint32                { return h.time }
func (h *BitcoinHeader) Bits() uint32                { return h.bits }
func (h *BitcoinHeader) Nonce() uint32               { return h.nonce }
func (h *BitcoinHeader) SetMerkleRoot(r [32]byte)    { h.merkleRoot = r }
func (h *BitcoinHeader) SetTime(t uint32)            { h.time = t }
func (h *BitcoinHeader) SetNonce(n uint32)           { h.nonce = n }
func (h *BitcoinHeader) SetPrevHash(p bigint.Uint256) { h.prevHash = p }

// Target converts Bits from its compact encoding.
func (h *BitcoinHeader) Target() bigint.Uint256 {
	return bigint.CompactToBig(h.bits)
}

// UpdateFields applies a miner's submit params.
func (h *BitcoinHeader) UpdateFields(params SubmitParams) {
	h.nonce = params.Nonce
	h.time = params.Time
}

// Serialize produces the canonical 80-byte little-endian header used
// for hashing: version(4) | prev_hash(32, internal order) |
// merkle_root(32) | time(4) | bits(4) | nonce(4).
func (h *BitcoinHeader) Serialize() [80]byte {
	var out [80]byte
	binary.LittleEndian.PutUint32(out[0:4], uint32(h.version))

	prevInternal := reverse32(h.prevHash.Bytes32())
	copy(out[4:36], prevInternal[:])
	copy(out[36:68], h.merkleRoot[:])

	binary.LittleEndian.PutUint32(out[68:72], h.time)
	binary.LittleEndian.PutUint32(out[72:76], h.bits)
	binary.LittleEndian.PutUint32(out[76:80], h.nonce)
	return out
}

// Hash computes the canonical double-SHA256 block hash, compared as a
// big-endian 256-bit number: the raw digest is produced in internal
// (little-endian) byte order and reversed before being treated as a
// number, matching standard Bitcoin hash-ordering conventions.
func (h *BitcoinHeader) Hash() bigint.Uint256 {
	ser := h.Serialize()
	first := sha256.Sum256(ser[:])
	second := sha256.Sum256(first[:])
	return bigint.FromBytesBE(reverseSlice(second[:]))
}

// Equal reports component-wise equality over version, prev, bits,
// time, and merkle_root. Nonce is deliberately excluded: a header that
// differs only in nonce is the same piece of work.
func (h *BitcoinHeader) Equal(other BlockHeader) bool {
	if other == nil {
		return false
	}
	return h.version == other.Version() &&
		h.prevHash.Cmp(other.PrevHash()) == 0 &&
		h.bits == other.Bits() &&
		h.time == other.Time() &&
		h.merkleRoot == other.MerkleRoot()
}

// gobHeader is BitcoinHeader's wire form: the share-chain's flat-file
// gob encoding cannot reach unexported struct fields directly.
type gobHeader struct {
	Version    int32
	PrevHash   bigint.Uint256
	MerkleRoot [32]byte
	Time       uint32
	Bits       uint32
	Nonce      uint32
}

func (h *BitcoinHeader) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	g := gobHeader{Version: h.version, PrevHash: h.prevHash, MerkleRoot: h.merkleRoot, Time: h.time, Bits: h.bits, Nonce: h.nonce}
	err := gob.NewEncoder(&buf).Encode(g)
	return buf.Bytes(), err
}

func (h *BitcoinHeader) GobDecode(data []byte) error {
	var g gobHeader
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&g); err != nil {
		return err
	}
	h.version, h.prevHash, h.merkleRoot, h.time, h.bits, h.nonce = g.Version, g.PrevHash, g.MerkleRoot, g.Time, g.Bits, g.Nonce
	return nil
}

// Clone returns a deep copy suitable for a job's per-submission
// processing copy.
func (h *BitcoinHeader) Clone() *BitcoinHeader {
	clone := *h
	return &clone
}

func reverse32(b [32]byte) [32]byte {
	for i, j := 0, 31; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return b
}

func reverseSlice(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}

// DoubleSHA256 is the shared double-hash primitive used for both header
// hashing and transaction/coinbase txid computation.
func DoubleSHA256(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}
