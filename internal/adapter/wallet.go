package adapter

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	apperrors "github.com/referral-distributor/internal/errors"
	"github.com/referral-distributor/internal/metrics"
	"github.com/referral-distributor/internal/types"
)

// LedgerWriter submits transactions signed by the operator wallet.
// Submissions are never retried here: a failed call may still have reached
// the ledger, so the caller decides how to reconcile.
type LedgerWriter interface {
	// SendMultiPayment pays every output in asset in a single transaction
	// and returns its unit id
	SendMultiPayment(ctx context.Context, asset string, outputs []types.Output) (string, error)

	// SendPayment pays amount of the base currency to a contract with
	// attached data and returns the unit id
	SendPayment(ctx context.Context, to string, amount int64, data map[string]interface{}) (string, error)
}

// WalletClient implements LedgerWriter over the wallet daemon's JSON-RPC interface
type WalletClient struct {
	http      *resty.Client
	requestID atomic.Uint64
}

var _ LedgerWriter = (*WalletClient)(nil)

// NewWalletClient creates a new wallet client. httpClient is optional.
func NewWalletClient(endpoint string, timeout time.Duration, httpClient *resty.Client) (*WalletClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("wallet endpoint cannot be empty")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if httpClient == nil {
		httpClient = resty.New()
	}
	httpClient.SetBaseURL(endpoint).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &WalletClient{http: httpClient}, nil
}

func (c *WalletClient) submit(ctx context.Context, method string, params interface{}) (string, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: c.requestID.Add(1), Method: method, Params: params}
	var rpcResp struct {
		Result string    `json:"result"`
		Error  *rpcError `json:"error"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		ForceContentType("application/json").
		SetResult(&rpcResp).
		Post("")
	if err != nil {
		metrics.LedgerRequestsTotal.WithLabelValues(method, "error").Inc()
		return "", apperrors.NewPaymentSubmissionError(method, err)
	}
	if resp.StatusCode() != 200 {
		metrics.LedgerRequestsTotal.WithLabelValues(method, "error").Inc()
		return "", apperrors.NewPaymentSubmissionError(method, fmt.Errorf("unexpected status %d: %s", resp.StatusCode(), resp.String()))
	}
	if rpcResp.Error != nil {
		metrics.LedgerRequestsTotal.WithLabelValues(method, "rpc_error").Inc()
		return "", apperrors.NewPaymentSubmissionError(method, rpcResp.Error)
	}
	if rpcResp.Result == "" {
		metrics.LedgerRequestsTotal.WithLabelValues(method, "error").Inc()
		return "", apperrors.NewPaymentSubmissionError(method, fmt.Errorf("no unit returned"))
	}
	metrics.LedgerRequestsTotal.WithLabelValues(method, "ok").Inc()
	return rpcResp.Result, nil
}

// SendMultiPayment pays every output in asset in a single transaction
func (c *WalletClient) SendMultiPayment(ctx context.Context, asset string, outputs []types.Output) (string, error) {
	if len(outputs) == 0 {
		return "", apperrors.NewInvalidParameterError("outputs", "at least one output is required")
	}
	params := map[string]interface{}{
		"asset":             asset,
		"asset_outputs":     outputs,
		"spend_unconfirmed": "all",
	}
	return c.submit(ctx, "sendmultipayment", params)
}

// SendPayment pays amount of the base currency to a contract with attached data
func (c *WalletClient) SendPayment(ctx context.Context, to string, amount int64, data map[string]interface{}) (string, error) {
	if amount <= 0 {
		return "", apperrors.NewInvalidParameterError("amount", "must be positive")
	}
	params := map[string]interface{}{
		"to_address": to,
		"amount":     amount,
		"data":       data,
	}
	return c.submit(ctx, "sendpayment", params)
}
