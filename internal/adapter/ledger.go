package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	apperrors "github.com/referral-distributor/internal/errors"
	"github.com/referral-distributor/internal/metrics"
	"github.com/referral-distributor/internal/retry"
)

// LedgerQuery defines the read side of the ledger gateway
type LedgerQuery interface {
	// GetContractBalances returns a contract's balance per asset
	GetContractBalances(ctx context.Context, contract string) (map[string]int64, error)

	// GetStateVar returns a single state variable, or nil when it is unset
	GetStateVar(ctx context.Context, contract, name string) (interface{}, error)

	// GetStateVars returns all state variables whose names start with prefix
	GetStateVars(ctx context.Context, contract, prefix string) (StateVars, error)

	// GetDefinition returns a contract's deployment definition, or nil when
	// the address is not a contract
	GetDefinition(ctx context.Context, address string) (*Definition, error)

	// ListContractsByTemplate lists contracts deployed from any of the templates
	ListContractsByTemplate(ctx context.Context, templates []string) ([]ContractInfo, error)

	// GetWalletBalances returns an address's stable wallet balance per asset
	GetWalletBalances(ctx context.Context, address string) (map[string]int64, error)

	// GetTotalWalletBalances includes unconfirmed amounts
	GetTotalWalletBalances(ctx context.Context, address string) (map[string]int64, error)

	// GetJoint returns a transaction's contents, or nil when it is unknown
	GetJoint(ctx context.Context, unit string) (*Joint, error)

	// ExecuteGetter simulates a read-only contract getter and decodes its
	// result into out
	ExecuteGetter(ctx context.Context, contract, getter string, args []interface{}, out interface{}) error

	// ListOutputs returns confirmed outputs in asset authored by author after since
	ListOutputs(ctx context.Context, author, asset string, since time.Time) ([]PaymentOutput, error)

	// ListPendingPayments returns unconfirmed base-currency payments from one address to another
	ListPendingPayments(ctx context.Context, from, to string) ([]string, error)

	// ListResponses returns stored non-bounced responses of the given contracts in order
	ListResponses(ctx context.Context, contracts []string) ([]AAResponse, error)
}

// StateVars is a raw state variable map as returned by the ledger
type StateVars map[string]interface{}

// String returns the named variable as a string
func (v StateVars) String(name string) string {
	s, _ := v[name].(string)
	return s
}

// Definition is a parameterized contract definition
type Definition struct {
	BaseAA string                 `json:"base_aa"`
	Params map[string]interface{} `json:"params"`
}

// UnmarshalJSON decodes the ["autonomous agent", {...}] array form
func (d *Definition) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("definition is not an array: %w", err)
	}
	if len(parts) != 2 {
		return fmt.Errorf("definition has %d elements, want 2", len(parts))
	}
	var body struct {
		BaseAA string                 `json:"base_aa"`
		Params map[string]interface{} `json:"params"`
	}
	if err := json.Unmarshal(parts[1], &body); err != nil {
		return fmt.Errorf("failed to decode definition body: %w", err)
	}
	d.BaseAA = body.BaseAA
	d.Params = body.Params
	return nil
}

// Param returns a string parameter
func (d *Definition) Param(name string) string {
	if d == nil {
		return ""
	}
	s, _ := d.Params[name].(string)
	return s
}

// ContractInfo is a deployed contract address with its definition
type ContractInfo struct {
	Address    string     `json:"address"`
	Definition Definition `json:"definition"`
}

// Joint is a transaction as stored by the ledger
type Joint struct {
	Unit     string    `json:"unit"`
	Authors  []string  `json:"authors"`
	Messages []Message `json:"messages"`
}

// Message is one message of a transaction
type Message struct {
	App     string          `json:"app"`
	Payload json.RawMessage `json:"payload"`
}

// DataPayload returns the first data message payload, or nil
func (j *Joint) DataPayload() map[string]interface{} {
	for _, m := range j.Messages {
		if m.App != "data" {
			continue
		}
		var payload map[string]interface{}
		if err := json.Unmarshal(m.Payload, &payload); err == nil {
			return payload
		}
	}
	return nil
}

// PaymentOutput is a confirmed output of a transaction
type PaymentOutput struct {
	Unit         string    `json:"unit"`
	Address      string    `json:"address"`
	Amount       int64     `json:"amount"`
	CreationDate time.Time `json:"creation_date"`
}

// AAResponse is a contract's response to a trigger transaction
type AAResponse struct {
	AAAddress             string `json:"aa_address"`
	TriggerAddress        string `json:"trigger_address"`
	TriggerInitialAddress string `json:"trigger_initial_address"`
	TriggerUnit           string `json:"trigger_unit"`
	TriggerInitialUnit    string `json:"trigger_initial_unit"`
	ResponseUnit          string `json:"response_unit,omitempty"`
	Bounced               bool   `json:"bounced"`
	Error                 string `json:"error,omitempty"`
}

// InitialUnit returns the unit that started the trigger chain
func (r *AAResponse) InitialUnit() string {
	if r.TriggerInitialUnit != "" {
		return r.TriggerInitialUnit
	}
	return r.TriggerUnit
}

// InitialAddress returns the address that started the trigger chain
func (r *AAResponse) InitialAddress() string {
	if r.TriggerInitialAddress != "" {
		return r.TriggerInitialAddress
	}
	return r.TriggerAddress
}

// LedgerClientConfig configures a LedgerClient
type LedgerClientConfig struct {
	Endpoint          string
	RequestsPerSecond int
	Timeout           time.Duration
	Retry             *retry.RetryConfig
	HTTPClient        *resty.Client // optional, for tests
}

// LedgerClient implements LedgerQuery over the gateway's JSON-RPC interface
type LedgerClient struct {
	http      *resty.Client
	limiter   *rate.Limiter
	retry     *retry.RetryConfig
	requestID atomic.Uint64
}

var _ LedgerQuery = (*LedgerClient)(nil)

// NewLedgerClient creates a new ledger query client
func NewLedgerClient(cfg LedgerClientConfig) (*LedgerClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("ledger endpoint cannot be empty")
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 20
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retryCfg := cfg.Retry
	if retryCfg == nil {
		retryCfg = retry.DefaultRetryConfig()
	}

	client := cfg.HTTPClient
	if client == nil {
		client = resty.New()
	}
	client.SetBaseURL(cfg.Endpoint).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &LedgerClient{
		http:    client,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		retry:   retryCfg,
	}, nil
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call performs one JSON-RPC request with rate limiting and retries and
// decodes the result into out.
func (c *LedgerClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	return retry.Do(ctx, c.retry, func(ctx context.Context, attempt int) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		req := rpcRequest{JSONRPC: "2.0", ID: c.requestID.Add(1), Method: method, Params: params}
		var rpcResp rpcResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(req).
			ForceContentType("application/json").
			SetResult(&rpcResp).
			Post("")
		if err != nil {
			metrics.LedgerRequestsTotal.WithLabelValues(method, "error").Inc()
			return apperrors.NewLedgerError(method, err)
		}
		if resp.StatusCode() != 200 {
			metrics.LedgerRequestsTotal.WithLabelValues(method, "error").Inc()
			return apperrors.NewLedgerError(method, fmt.Errorf("unexpected status %d: %s", resp.StatusCode(), resp.String()))
		}
		if rpcResp.Error != nil {
			metrics.LedgerRequestsTotal.WithLabelValues(method, "rpc_error").Inc()
			return apperrors.NewLedgerError(method, rpcResp.Error)
		}
		metrics.LedgerRequestsTotal.WithLabelValues(method, "ok").Inc()

		if out == nil || len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
			return nil
		}
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
		return nil
	})
}

// GetContractBalances returns a contract's balance per asset
func (c *LedgerClient) GetContractBalances(ctx context.Context, contract string) (map[string]int64, error) {
	balances := make(map[string]int64)
	if err := c.call(ctx, "light/get_aa_balances", map[string]string{"address": contract}, &balances); err != nil {
		return nil, err
	}
	return balances, nil
}

// GetStateVar returns a single state variable, or nil when it is unset
func (c *LedgerClient) GetStateVar(ctx context.Context, contract, name string) (interface{}, error) {
	vars, err := c.GetStateVars(ctx, contract, name)
	if err != nil {
		return nil, err
	}
	return vars[name], nil
}

// GetStateVars returns all state variables whose names start with prefix
func (c *LedgerClient) GetStateVars(ctx context.Context, contract, prefix string) (StateVars, error) {
	vars := make(StateVars)
	params := map[string]string{"address": contract, "var_prefix": prefix}
	if err := c.call(ctx, "light/get_aa_state_vars", params, &vars); err != nil {
		return nil, err
	}
	return vars, nil
}

// GetDefinition returns a contract's definition, or nil for plain addresses
func (c *LedgerClient) GetDefinition(ctx context.Context, address string) (*Definition, error) {
	var raw json.RawMessage
	if err := c.call(ctx, "light/get_definition", address, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("failed to decode definition of %s: %w", address, err)
	}
	return &def, nil
}

// ListContractsByTemplate lists contracts deployed from any of the templates
func (c *LedgerClient) ListContractsByTemplate(ctx context.Context, templates []string) ([]ContractInfo, error) {
	var contracts []ContractInfo
	if err := c.call(ctx, "light/get_aas_by_base_aas", map[string][]string{"base_aas": templates}, &contracts); err != nil {
		return nil, err
	}
	return contracts, nil
}

// GetWalletBalances returns an address's stable wallet balance per asset
func (c *LedgerClient) GetWalletBalances(ctx context.Context, address string) (map[string]int64, error) {
	return c.walletBalances(ctx, address, false)
}

// GetTotalWalletBalances returns an address's wallet balance per asset,
// including unconfirmed amounts
func (c *LedgerClient) GetTotalWalletBalances(ctx context.Context, address string) (map[string]int64, error) {
	return c.walletBalances(ctx, address, true)
}

func (c *LedgerClient) walletBalances(ctx context.Context, address string, withPending bool) (map[string]int64, error) {
	var raw map[string]map[string]struct {
		Stable  int64 `json:"stable"`
		Pending int64 `json:"pending"`
	}
	if err := c.call(ctx, "light/get_balances", []string{address}, &raw); err != nil {
		return nil, err
	}
	balances := make(map[string]int64, len(raw[address]))
	for asset, b := range raw[address] {
		balances[asset] = b.Stable
		if withPending {
			balances[asset] += b.Pending
		}
	}
	return balances, nil
}

// GetJoint returns a transaction's contents, or nil when it is unknown
func (c *LedgerClient) GetJoint(ctx context.Context, unit string) (*Joint, error) {
	var result struct {
		Joint *struct {
			Unit Joint `json:"unit"`
		} `json:"joint"`
	}
	if err := c.call(ctx, "get_joint", unit, &result); err != nil {
		return nil, err
	}
	if result.Joint == nil {
		return nil, nil
	}
	return &result.Joint.Unit, nil
}

// ExecuteGetter simulates a read-only contract getter
func (c *LedgerClient) ExecuteGetter(ctx context.Context, contract, getter string, args []interface{}, out interface{}) error {
	if args == nil {
		args = []interface{}{}
	}
	var result struct {
		Result json.RawMessage `json:"result"`
	}
	params := map[string]interface{}{"address": contract, "getter": getter, "args": args}
	if err := c.call(ctx, "light/execute_getter", params, &result); err != nil {
		return err
	}
	if len(result.Result) == 0 {
		return apperrors.NewLedgerError("light/execute_getter", fmt.Errorf("getter %s of %s returned nothing", getter, contract))
	}
	if err := json.Unmarshal(result.Result, out); err != nil {
		return fmt.Errorf("failed to decode getter %s result: %w", getter, err)
	}
	return nil
}

// ListOutputs returns confirmed outputs authored by author after since
func (c *LedgerClient) ListOutputs(ctx context.Context, author, asset string, since time.Time) ([]PaymentOutput, error) {
	var outputs []PaymentOutput
	params := map[string]interface{}{"author": author, "asset": asset, "since": since.UTC().Format(time.RFC3339)}
	if err := c.call(ctx, "get_outputs", params, &outputs); err != nil {
		return nil, err
	}
	return outputs, nil
}

// ListPendingPayments returns unconfirmed base payments between two addresses
func (c *LedgerClient) ListPendingPayments(ctx context.Context, from, to string) ([]string, error) {
	var units []string
	params := map[string]string{"from": from, "to": to}
	if err := c.call(ctx, "get_unstable_payments", params, &units); err != nil {
		return nil, err
	}
	return units, nil
}

// ListResponses returns stored non-bounced responses of the given contracts
func (c *LedgerClient) ListResponses(ctx context.Context, contracts []string) ([]AAResponse, error) {
	var responses []AAResponse
	if err := c.call(ctx, "light/get_aa_responses", map[string][]string{"aas": contracts}, &responses); err != nil {
		return nil, err
	}
	return responses, nil
}

// Number converts a decoded JSON state value to float64. Missing and
// non-numeric values yield 0.
func Number(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case json.Number:
		f, _ := n.Float64()
		return f
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}
