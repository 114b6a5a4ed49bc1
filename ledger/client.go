// Package ledger speaks Ethereum JSON-RPC to an Etherlink node. The rest of
// the system treats it as an untrusted, possibly slow dependency: every call
// takes a context, every response is validated, and requests pass a local
// rate limiter before touching the wire.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"
)

const jsonRPCVersion = "2.0"

// ErrReceiptPending is returned while the node has no receipt for a hash,
// meaning the transaction is not yet included (or was never seen).
var ErrReceiptPending = errors.New("ledger: transaction receipt not available")

// Client is a JSON-RPC HTTP client for the eth_ namespace subset the lending
// core consumes.
type Client struct {
	endpoint   string
	httpClient *http.Client
	authToken  string
	limiter    *rate.Limiter
	nextID     atomic.Int64
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for RPC calls.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithAuthToken sets a bearer token attached to every request.
func WithAuthToken(token string) Option {
	return func(c *Client) {
		c.authToken = strings.TrimSpace(token)
	}
}

// WithRateLimit throttles outgoing requests. Zero or negative perSec leaves
// the client unthrottled.
func WithRateLimit(perSec float64, burst int) Option {
	return func(c *Client) {
		if perSec > 0 {
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
		}
	}
}

// New initialises a client bound to the provided JSON-RPC endpoint.
func New(endpoint string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: endpoint required")
	}
	c := &Client{
		endpoint:   trimmed,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// ChainID fetches the chain identifier of the connected node.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var raw hexutil.Big
	if err := c.call(ctx, "eth_chainId", nil, &raw); err != nil {
		return nil, err
	}
	return raw.ToInt(), nil
}

// BlockNumber returns the height of the newest block the node knows about.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var raw hexutil.Uint64
	if err := c.call(ctx, "eth_blockNumber", nil, &raw); err != nil {
		return 0, err
	}
	return uint64(raw), nil
}

// PendingNonce returns the next nonce for addr, counting pool transactions.
func (c *Client) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	var raw hexutil.Uint64
	if err := c.call(ctx, "eth_getTransactionCount", []interface{}{addr.Hex(), "pending"}, &raw); err != nil {
		return 0, err
	}
	return uint64(raw), nil
}

// GasPrice returns the node's suggested gas price.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	var raw hexutil.Big
	if err := c.call(ctx, "eth_gasPrice", nil, &raw); err != nil {
		return nil, err
	}
	return raw.ToInt(), nil
}

// SendRawTransaction broadcasts a signed transaction and returns its hash.
func (c *Client) SendRawTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	if tx == nil {
		return common.Hash{}, fmt.Errorf("ledger: transaction required")
	}
	encoded, err := tx.MarshalBinary()
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: encode transaction: %w", err)
	}
	var hash common.Hash
	if err := c.call(ctx, "eth_sendRawTransaction", []interface{}{hexutil.Encode(encoded)}, &hash); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// TransactionReceipt fetches the receipt for a hash. ErrReceiptPending is
// returned while the node reports none.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	if err := c.call(ctx, "eth_getTransactionReceipt", []interface{}{hash.Hex()}, &receipt); err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, ErrReceiptPending
	}
	return receipt, nil
}

// CallContract executes a read-only call. A nil blockNumber targets the
// latest block.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	arg := map[string]interface{}{
		"to": msg.To,
	}
	if msg.From != (common.Address{}) {
		arg["from"] = msg.From
	}
	if len(msg.Data) > 0 {
		arg["data"] = hexutil.Encode(msg.Data)
	}
	if msg.Value != nil && msg.Value.Sign() > 0 {
		arg["value"] = hexutil.EncodeBig(msg.Value)
	}
	block := "latest"
	if blockNumber != nil {
		block = hexutil.EncodeBig(blockNumber)
	}
	var out hexutil.Bytes
	if err := c.call(ctx, "eth_call", []interface{}{arg, block}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FilterLogs queries the node's log index.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	arg := map[string]interface{}{}
	if len(q.Addresses) > 0 {
		arg["address"] = q.Addresses
	}
	if len(q.Topics) > 0 {
		arg["topics"] = q.Topics
	}
	if q.FromBlock != nil {
		arg["fromBlock"] = hexutil.EncodeBig(q.FromBlock)
	}
	if q.ToBlock != nil {
		arg["toBlock"] = hexutil.EncodeBig(q.ToBlock)
	}
	var logs []types.Log
	if err := c.call(ctx, "eth_getLogs", []interface{}{arg}, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s: %s", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("ledger: rate limit wait: %w", err)
		}
	}
	if params == nil {
		params = []interface{}{}
	}
	payload := rpcRequest{
		JSONRPC: jsonRPCVersion,
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ledger: encode rpc payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ledger: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger: %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("ledger: %s: status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("ledger: decode rpc response: %w", err)
	}
	if decoded.Error != nil {
		return fmt.Errorf("ledger: %s: %w", method, decoded.Error)
	}
	if out == nil || len(decoded.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("ledger: decode %s result: %w", method, err)
	}
	return nil
}
