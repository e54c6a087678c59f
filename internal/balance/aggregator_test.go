package balance

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/referral-distributor/internal/adapter"
	"github.com/referral-distributor/internal/discovery"
	apperrors "github.com/referral-distributor/internal/errors"
	"github.com/referral-distributor/internal/types"
)

type mockLedger struct {
	vars    map[string]adapter.StateVars
	wallets map[string]map[string]int64
}

func (m *mockLedger) GetStateVars(ctx context.Context, contract, prefix string) (adapter.StateVars, error) {
	out := adapter.StateVars{}
	for k, v := range m.vars[contract] {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (m *mockLedger) GetWalletBalances(ctx context.Context, address string) (map[string]int64, error) {
	return m.wallets[address], nil
}

type staticSources struct{ snap *discovery.Snapshot }

func (s staticSources) Snapshot() *discovery.Snapshot { return s.snap }

const (
	holder = "HOLDER"
	mining = "MINING"
	bank   = "BANK"
	curve  = "CURVE"
)

func newTestAggregator() (*Aggregator, *mockLedger) {
	ledger := &mockLedger{
		vars: map[string]adapter.StateVars{
			mining: {"amount_HOLDER_T1": float64(100), "amount_OTHER_T1": float64(7), "unrelated": float64(1)},
			bank:   {"balance_HOLDER_T1": float64(50), "balance_HOLDER_JUNK": float64(9)},
			curve:  {"balance_HOLDER": float64(20)},
		},
		wallets: map[string]map[string]int64{
			holder: {"T1": 30, "T2": 0, "JUNK": 4, types.BaseAsset: 1000},
		},
	}
	sources := staticSources{discovery.NewSnapshot(
		[]string{"T1", "T2", "GOV"},
		nil,
		[]types.ContractLedger{{Contract: curve, Prefix: "balance_", Asset: "GOV"}},
	)}
	agg := NewAggregator(ledger, sources, []types.ContractLedger{
		{Contract: mining, Prefix: "amount_"},
		{Contract: bank, Prefix: "balance_"},
	}, nil)
	return agg, ledger
}

func testPrices() *types.PriceTable {
	return &types.PriceTable{Fiat: map[string]types.PriceEntry{
		"T1":  {NativeUnitPrice: 0.01},
		"T2":  {NativeUnitPrice: 1},
		"GOV": {NativeUnitPrice: 0.5},
	}}
}

func TestHoldings_NotReady(t *testing.T) {
	agg, _ := newTestAggregator()
	_, err := agg.Holdings(context.Background(), holder, testPrices())
	assert.True(t, apperrors.Is(err, apperrors.CategoryNotReady))
}

func TestHoldings_MergesWalletAndContracts(t *testing.T) {
	agg, _ := newTestAggregator()
	require.NoError(t, agg.Refresh(context.Background()))

	h, err := agg.Holdings(context.Background(), holder, testPrices())
	require.NoError(t, err)

	// T1: 30 wallet + 150 in contracts at 0.01; GOV: 20 at 0.5
	assert.InDelta(t, 1.8+10, h.USDTotal, 1e-9)
	assert.Equal(t, int64(30), h.WalletDetail["T1"].Balance)
	assert.True(t, h.WalletDetail["T1"].Eligible)
	assert.InDelta(t, 0.3, h.WalletDetail["T1"].USDBalance, 1e-9)
	assert.Equal(t, int64(150), h.ContractDetail["T1"].Balance)
	assert.InDelta(t, 1.5, h.ContractDetail["T1"].USDBalance, 1e-9)
	assert.Equal(t, int64(20), h.ContractDetail["GOV"].Balance)

	assert.Equal(t, types.BalanceDetail{Balance: 4}, h.WalletDetail["JUNK"])
	assert.Equal(t, types.BalanceDetail{Balance: 9}, h.ContractDetail["JUNK"])
	assert.False(t, h.WalletDetail[types.BaseAsset].Eligible)
	_, hasZero := h.WalletDetail["T2"]
	assert.False(t, hasZero)
}

func TestHoldings_MissingPrice(t *testing.T) {
	agg, _ := newTestAggregator()
	require.NoError(t, agg.Refresh(context.Background()))

	prices := testPrices()
	delete(prices.Fiat, "GOV")
	_, err := agg.Holdings(context.Background(), holder, prices)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CategoryMissingPrice))
}

func TestHoldings_UnknownAddress(t *testing.T) {
	agg, _ := newTestAggregator()
	require.NoError(t, agg.Refresh(context.Background()))

	h, err := agg.Holdings(context.Background(), "NOBODY", testPrices())
	require.NoError(t, err)
	assert.Zero(t, h.USDTotal)
	assert.Empty(t, h.WalletDetail)
}

func TestRefresh_ReplacesBalances(t *testing.T) {
	agg, ledger := newTestAggregator()
	require.NoError(t, agg.Refresh(context.Background()))

	ledger.vars[mining] = adapter.StateVars{}
	require.NoError(t, agg.Refresh(context.Background()))

	got, err := agg.ContractBalances(holder)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"T1": 50, "JUNK": 9, "GOV": 20}, got)
}

func TestHoldingsOf_Sequential(t *testing.T) {
	agg, _ := newTestAggregator()
	require.NoError(t, agg.Refresh(context.Background()))

	all, err := agg.HoldingsOf(context.Background(), []string{holder, "OTHER"}, testPrices())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.InDelta(t, 0.07, all["OTHER"].USDTotal, 1e-9)
}
