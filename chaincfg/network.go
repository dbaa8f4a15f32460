package chaincfg

import "fmt"

// NetworkParams carries the address-encoding parameters for one base
// chain network. The active network is a configuration input, not a
// constant.
type NetworkParams struct {
	Name             string
	PubKeyHashAddrID byte
	ScriptHashAddrID byte
	Bech32HRP        string
}

// Well-known base-chain networks and their standard address version
// bytes and bech32 human-readable parts.
var (
	MainNetParams = NetworkParams{Name: "mainnet", PubKeyHashAddrID: 0x00, ScriptHashAddrID: 0x05, Bech32HRP: "bc"}
	TestNetParams = NetworkParams{Name: "testnet", PubKeyHashAddrID: 0x6f, ScriptHashAddrID: 0xc4, Bech32HRP: "tb"}
	RegTestParams = NetworkParams{Name: "regtest", PubKeyHashAddrID: 0x6f, ScriptHashAddrID: 0xc4, Bech32HRP: "bcrt"}
	SimNetParams  = NetworkParams{Name: "simnet", PubKeyHashAddrID: 0x3f, ScriptHashAddrID: 0x7b, Bech32HRP: "sb"}
)

// ParseNetwork resolves a configuration string ("mainnet", "testnet",
// "regtest", "simnet") into its NetworkParams. This is the single
// place a network name is resolved; an empty name resolves to mainnet.
func ParseNetwork(name string) (*NetworkParams, error) {
	switch name {
	case "mainnet", "":
		return &MainNetParams, nil
	case "testnet":
		return &TestNetParams, nil
	case "regtest":
		return &RegTestParams, nil
	case "simnet":
		return &SimNetParams, nil
	default:
		return nil, fmt.Errorf("chaincfg: unknown network %q", name)
	}
}
