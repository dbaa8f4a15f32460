// Package address implements the pool-payable address capability set:
// base58check pay-to-pubkey-hash addresses with a version byte
// selected by chaincfg.NetworkParams, convertible to and from the
// standard P2PKH output script.
package address

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
	"github.com/obsidian-pool/poolcore/chaincfg"
	"golang.org/x/crypto/ripemd160"
)

func init() {
	gob.Register(&p2pkhAddress{})
}

// Address is the capability set the PPLNS window and the coinbase
// builder consume: it converts to an output script and exposes a
// stable byte ordering for the window's deterministic sort.
type Address interface {
	// ToScript renders the standard P2PKH output script for this
	// address (OP_DUP OP_HASH160 <hash160> OP_EQUALVERIFY OP_CHECKSIG).
	ToScript() []byte
	// Bytes returns the raw 20-byte hash160, used for deterministic
	// window ordering and as a map key.
	Bytes() [20]byte
	// String renders the base58check-encoded address.
	String() string
}

// p2pkhAddress is the concrete Address implementation.
type p2pkhAddress struct {
	net     *chaincfg.NetworkParams
	hash160 [20]byte
}

// Parse decodes a base58check address string against the given
// network. The network is always an explicit argument, never assumed.
func Parse(net *chaincfg.NetworkParams, s string) (Address, error) {
	decoded, version, err := base58.CheckDecode(s)
	if err != nil {
		return nil, fmt.Errorf("address: invalid address %q: %w", s, err)
	}
	if version != net.PubKeyHashAddrID {
		return nil, fmt.Errorf("address: %q is not a valid %s address (version 0x%02x, want 0x%02x)", s, net.Name, version, net.PubKeyHashAddrID)
	}
	if len(decoded) != 20 {
		return nil, fmt.Errorf("address: %q decodes to %d bytes, want 20", s, len(decoded))
	}
	a := &p2pkhAddress{net: net}
	copy(a.hash160[:], decoded)
	return a, nil
}

// FromScript recovers an Address from a standard P2PKH scriptPubKey,
// the reverse of ToScript. It is used when validating that a received
// share's coinbase outputs reconstruct to the same addresses the
// PPLNS window expects.
func FromScript(net *chaincfg.NetworkParams, script []byte) (Address, error) {
	if len(script) != 25 ||
		script[0] != opDup || script[1] != opHash160 || script[2] != 20 ||
		script[23] != opEqualVerify || script[24] != opCheckSig {
		return nil, fmt.Errorf("address: script is not a standard P2PKH output")
	}
	a := &p2pkhAddress{net: net}
	copy(a.hash160[:], script[3:23])
	return a, nil
}

// Bitcoin script opcodes used by the standard P2PKH template.
const (
	opDup         = 0x76
	opHash160     = 0xa9
	opEqualVerify = 0x88
	opCheckSig    = 0xac
)

func (a *p2pkhAddress) ToScript() []byte {
	script := make([]byte, 0, 25)
	script = append(script, opDup, opHash160, 20)
	script = append(script, a.hash160[:]...)
	script = append(script, opEqualVerify, opCheckSig)
	return script
}

func (a *p2pkhAddress) Bytes() [20]byte { return a.hash160 }

func (a *p2pkhAddress) String() string {
	return base58.CheckEncode(a.hash160[:], a.net.PubKeyHashAddrID)
}

// gobAddress is the wire form persisted to blocks_dir/{height}.dat: the
// share-chain's flat-file encoding needs to round-trip an Address
// value through an interface field (pplns.ScoreDelta.Address), which
// gob cannot do for unexported struct fields directly.
type gobAddress struct {
	NetworkName string
	Hash160     [20]byte
}

func (a *p2pkhAddress) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(gobAddress{NetworkName: a.net.Name, Hash160: a.hash160})
	return buf.Bytes(), err
}

func (a *p2pkhAddress) GobDecode(data []byte) error {
	var g gobAddress
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&g); err != nil {
		return err
	}
	net, err := chaincfg.ParseNetwork(g.NetworkName)
	if err != nil {
		return err
	}
	a.net = net
	a.hash160 = g.Hash160
	return nil
}

// Hash160 computes RIPEMD160(SHA256(data)), the standard Bitcoin
// public-key hashing scheme.
func Hash160(data []byte) [20]byte {
	sha := sha256.Sum256(data)
	ripe := ripemd160.New()
	ripe.Write(sha[:])
	var out [20]byte
	copy(out[:], ripe.Sum(nil))
	return out
}
