// Package fetcher implements the cookie-authenticated HTTP JSON-RPC
// client that drives an external bitcoind-compatible base-chain node:
// block templates in, solved blocks out.
package fetcher

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/obsidian-pool/poolcore/bigint"
	"github.com/obsidian-pool/poolcore/header"
	"github.com/obsidian-pool/poolcore/jobmanager"
	"github.com/obsidian-pool/poolcore/sharechain"
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("fetcher: rpc error %d: %s", e.Code, e.Message) }

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Client is the cookie-authenticated HTTP JSON-RPC block fetcher. It
// implements jobmanager.Fetcher.
type Client struct {
	url        string
	cookiePath string
	httpClient *http.Client
}

// NewClient dials url with cookie-file authentication read from
// cookiePath, matching bitcoind's own "<user>:<password>" cookie
// format.
func NewClient(url, cookiePath string) *Client {
	return &Client{
		url:        url,
		cookiePath: cookiePath,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) call(method string, params []interface{}, result interface{}) error {
	reqBody, err := json.Marshal(rpcRequest{JSONRPC: "1.0", ID: "poolcore", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("fetcher: marshal request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("fetcher: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if user, pass, err := c.readCookie(); err == nil {
		req.SetBasicAuth(user, pass)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetcher: %s: %w", method, err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("fetcher: %s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil {
		return json.Unmarshal(rpcResp.Result, result)
	}
	return nil
}

func (c *Client) readCookie() (user, pass string, err error) {
	data, err := os.ReadFile(c.cookiePath)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(strings.TrimSpace(string(data)), ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("fetcher: malformed cookie file")
	}
	return parts[0], parts[1], nil
}

type getBlockTemplateResult struct {
	Version          int32  `json:"version"`
	PreviousBlockHash string `json:"previousblockhash"`
	Bits             string `json:"bits"`
	MinTime          uint32 `json:"mintime"`
	CurTime          uint32 `json:"curtime"`
	Height           uint32 `json:"height"`
	CoinbaseValue    uint64 `json:"coinbasevalue"`
	Transactions     []struct {
		TxID string `json:"txid"`
		Data string `json:"data"`
	} `json:"transactions"`
}

// FetchBlockTemplate polls getblocktemplate with the SegWit rule set
// and assembles a jobmanager.Template: a placeholder header
// (nonce/merkle_root filled in later by the job manager and Stratum
// submit path) plus the template's non-coinbase transaction hashes and
// raw bytes. voutFn is invoked with the reward this template actually
// pays once it is known (see jobmanager.VoutBuilder: the reward is
// only knowable after getblocktemplate responds). A nil voutFn yields
// no outputs, for the placeholder first job.
func (c *Client) FetchBlockTemplate(voutFn jobmanager.VoutBuilder, cbEncoded sharechain.CoinbaseEncodedP2P) (jobmanager.Template, error) {
	var tpl getBlockTemplateResult
	params := []interface{}{map[string]interface{}{
		"mode":  "template",
		"rules": []string{"segwit"},
	}}
	if err := c.call("getblocktemplate", params, &tpl); err != nil {
		return jobmanager.Template{}, err
	}

	prevHashBytes, err := hex.DecodeString(tpl.PreviousBlockHash)
	if err != nil {
		return jobmanager.Template{}, fmt.Errorf("fetcher: bad previousblockhash: %w", err)
	}
	bitsBytes, err := hex.DecodeString(tpl.Bits)
	if err != nil || len(bitsBytes) != 4 {
		return jobmanager.Template{}, fmt.Errorf("fetcher: bad bits field")
	}
	bits := uint32(bitsBytes[0])<<24 | uint32(bitsBytes[1])<<16 | uint32(bitsBytes[2])<<8 | uint32(bitsBytes[3])

	prevHash := bigint.FromBytesBE(prevHashBytes)
	hdr := header.NewBitcoinHeader(tpl.Version, prevHash, [32]byte{}, tpl.MinTime, bits, 0)

	txHashes := make([][32]byte, 0, len(tpl.Transactions))
	txData := make([][]byte, 0, len(tpl.Transactions))
	for _, tx := range tpl.Transactions {
		b, err := hex.DecodeString(tx.TxID)
		if err != nil || len(b) != 32 {
			continue
		}
		raw, err := hex.DecodeString(tx.Data)
		if err != nil {
			continue
		}
		var h [32]byte
		copy(h[:], reverseBytes(b))
		txHashes = append(txHashes, h)
		txData = append(txData, raw)
	}

	payload, err := sharechain.EncodeCoinbasePayload(cbEncoded)
	if err != nil {
		return jobmanager.Template{}, fmt.Errorf("fetcher: encoding coinbase payload: %w", err)
	}
	script := sharechain.BuildCoinbaseScript(tpl.Height, payload)

	var vout []jobmanager.Vout
	if voutFn != nil {
		vout = voutFn(tpl.CoinbaseValue)
	}
	outputs := make([]sharechain.TxOutput, len(vout))
	for i, v := range vout {
		outputs[i] = sharechain.TxOutput{Script: v.Script, Value: v.Value}
	}

	// The full serialized coinbase transaction is what every downstream
	// reader works on: SpliceExtranonce and IntoP2P locate the script
	// inside it via CoinbaseScriptBounds, the mining.notify coinb1/
	// coinb2 split straddles its extranonce slot, and its double-SHA256
	// is the txid the merkle root commits to.
	coinbaseTx := sharechain.BuildCoinbaseTx(script, outputs)
	candidate := sharechain.NewCandidateBlock(hdr, coinbaseTx, txData)

	return jobmanager.Template{
		Header:     hdr,
		TxHashes:   txHashes,
		TxData:     txData,
		Height:     tpl.Height,
		Reward:     tpl.CoinbaseValue,
		CoinbaseTx: coinbaseTx,
		Block:      candidate,
	}, nil
}

// SubmitBlock submits a solved block via submitblock.
func (c *Client) SubmitBlock(blockHex string) error {
	return c.call("submitblock", []interface{}{blockHex}, nil)
}

// GetBlock fetches a block by hash via getblock.
func (c *Client) GetBlock(hash bigint.Uint256) (json.RawMessage, error) {
	var result json.RawMessage
	hashBytes := hash.Bytes32()
	err := c.call("getblock", []interface{}{hex.EncodeToString(reverseBytes(hashBytes[:]))}, &result)
	return result, err
}

// GetBestBlockHash fetches the current base-chain tip hash via
// getbestblockhash.
func (c *Client) GetBestBlockHash() (bigint.Uint256, error) {
	var hashHex string
	if err := c.call("getbestblockhash", nil, &hashHex); err != nil {
		return bigint.Zero, err
	}
	b, err := hex.DecodeString(hashHex)
	if err != nil {
		return bigint.Zero, fmt.Errorf("fetcher: bad getbestblockhash response: %w", err)
	}
	return bigint.FromBytesBE(reverseBytes(b)), nil
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}
