package oracle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/referral-distributor/internal/adapter"
	"github.com/referral-distributor/internal/discovery"
	apperrors "github.com/referral-distributor/internal/errors"
	"github.com/referral-distributor/internal/types"
)

type mockMarket struct {
	data map[string]adapter.MarketAsset
	err  error
}

func (m *mockMarket) FetchMarketData(ctx context.Context) (map[string]adapter.MarketAsset, error) {
	return m.data, m.err
}

type mockRates struct {
	rate float64
	err  error
}

func (m *mockRates) Name() string { return "mock" }

func (m *mockRates) FetchRate(ctx context.Context) (float64, error) {
	return m.rate, m.err
}

type mockContracts struct {
	balances map[string]map[string]int64
	vars     map[string]map[string]interface{}
}

func (m *mockContracts) GetContractBalances(ctx context.Context, contract string) (map[string]int64, error) {
	return m.balances[contract], nil
}

func (m *mockContracts) GetStateVar(ctx context.Context, contract, name string) (interface{}, error) {
	return m.vars[contract][name], nil
}

type staticInstruments struct{ snap *discovery.Snapshot }

func (s staticInstruments) Snapshot() *discovery.Snapshot { return s.snap }

type recordingHistory struct{ tables []*types.PriceTable }

func (h *recordingHistory) RecordPrices(ctx context.Context, table *types.PriceTable) error {
	h.tables = append(h.tables, table)
	return nil
}

func value(v float64) *float64 { return &v }

const registryAA = "REGISTRY"

type fixture struct {
	market    *mockMarket
	rates     *mockRates
	contracts *mockContracts
	history   *recordingHistory
	oracle    *PriceOracle
}

func newFixture(specs ...types.DerivedAssetSpec) *fixture {
	f := &fixture{
		market: &mockMarket{data: map[string]adapter.MarketAsset{
			"A": {AssetID: "A", Decimals: 4, LastValue: value(12000)},
		}},
		rates:     &mockRates{rate: 0.000025},
		contracts: &mockContracts{balances: map[string]map[string]int64{}, vars: map[string]map[string]interface{}{}},
		history:   &recordingHistory{},
	}
	f.contracts.vars[registryAA] = map[string]interface{}{}
	f.oracle = New(Config{
		Market:      f.market,
		Rates:       f.rates,
		Ledger:      f.contracts,
		Instruments: staticInstruments{discovery.NewSnapshot(nil, specs, nil)},
		AssetInfo:   NewAssetInfoResolver(f.contracts, registryAA, nil, nil),
		History:     f.history,
	})
	return f
}

func (f *fixture) registerDecimals(asset string, decimals int) {
	f.contracts.vars[registryAA]["a2s_"+asset] = "SYM"
	f.contracts.vars[registryAA]["current_desc_"+asset] = "HASH" + asset
	f.contracts.vars[registryAA]["decimals_HASH"+asset] = float64(decimals)
}

func TestPrices_NotReady(t *testing.T) {
	f := newFixture()
	_, err := f.oracle.Prices()
	assert.True(t, apperrors.Is(err, apperrors.CategoryNotReady))
}

func TestUpdatePrices_MarketAsset(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.oracle.UpdatePrices(context.Background()))

	table, err := f.oracle.Prices()
	require.NoError(t, err)
	assert.InDelta(t, 1.2, table.Native["A"].NativeUnitPrice, 1e-12)
	assert.InDelta(t, 12000, table.Native["A"].DisplayPrice, 1e-9)

	p, ok := table.Get("A")
	require.True(t, ok)
	assert.InDelta(t, 0.00003, p.NativeUnitPrice, 1e-15)
	assert.InDelta(t, 0.3, p.DisplayPrice, 1e-12)
	assert.Equal(t, uint64(1), table.Version)
	assert.Len(t, f.history.tables, 1)
}

func TestUpdatePrices_CollateralizedShare(t *testing.T) {
	spec := types.NewCollateralizedShare("ARB", "SHARES", "A", "S")
	f := newFixture(spec)
	f.market.data["A"] = adapter.MarketAsset{AssetID: "A", Decimals: 0, LastValue: value(0.00003)}
	f.contracts.balances["ARB"] = map[string]int64{"A": 1000000, "S": 0}
	f.contracts.vars["ARB"] = map[string]interface{}{"shares_supply": float64(500000)}
	f.registerDecimals("SHARES", 9)

	require.NoError(t, f.oracle.UpdatePrices(context.Background()))
	table, _ := f.oracle.Prices()

	// (1,000,000 × 0.00003 + 0) / 500,000
	assert.InDelta(t, 0.00006, table.Native["SHARES"].NativeUnitPrice, 1e-15)
	assert.InDelta(t, 0.00006*1e9, table.Native["SHARES"].DisplayPrice, 1e-6)
}

func TestUpdatePrices_CollateralizedShareEdgeCases(t *testing.T) {
	t.Run("empty contract prices at zero", func(t *testing.T) {
		f := newFixture(types.NewCollateralizedShare("ARB", "SHARES", types.BaseAsset, "A"))
		f.contracts.balances["ARB"] = map[string]int64{}

		require.NoError(t, f.oracle.UpdatePrices(context.Background()))
		table, _ := f.oracle.Prices()
		assert.Equal(t, types.PriceEntry{}, table.Native["SHARES"])
	})

	t.Run("initial base deposit is skipped", func(t *testing.T) {
		f := newFixture(types.NewCollateralizedShare("ARB", "SHARES", types.BaseAsset, "A"))
		f.contracts.balances["ARB"] = map[string]int64{types.BaseAsset: 10000}

		require.NoError(t, f.oracle.UpdatePrices(context.Background()))
		table, _ := f.oracle.Prices()
		_, ok := table.Native["SHARES"]
		assert.False(t, ok)
	})

	t.Run("missing supply with value fails", func(t *testing.T) {
		f := newFixture(types.NewCollateralizedShare("ARB", "SHARES", types.BaseAsset, "A"))
		f.contracts.balances["ARB"] = map[string]int64{types.BaseAsset: 10000, "A": 5}

		err := f.oracle.UpdatePrices(context.Background())
		assert.True(t, apperrors.Is(err, apperrors.CategoryInconsistentState))
	})
}

func TestUpdatePrices_InterestShare(t *testing.T) {
	spec := types.NewInterestShare("IARB", "ISHARES", "A")
	f := newFixture(spec)
	f.contracts.balances["IARB"] = map[string]int64{"A": 900}
	f.contracts.vars["IARB"] = map[string]interface{}{
		"balance_in_challenging_period": float64(100),
		"shares_supply":                 float64(2000),
	}
	f.registerDecimals("ISHARES", 4)

	require.NoError(t, f.oracle.UpdatePrices(context.Background()))
	table, _ := f.oracle.Prices()

	// (900 + 100) × 1.2 / 2000
	assert.InDelta(t, 0.6, table.Native["ISHARES"].NativeUnitPrice, 1e-12)
	assert.InDelta(t, 6000, table.Native["ISHARES"].DisplayPrice, 1e-8)
}

func TestUpdatePrices_InterestShareWithoutSharesIsSkipped(t *testing.T) {
	f := newFixture(types.NewInterestShare("IARB", "ISHARES", "A"))
	f.contracts.balances["IARB"] = map[string]int64{"A": 900}

	require.NoError(t, f.oracle.UpdatePrices(context.Background()))
	table, _ := f.oracle.Prices()
	_, ok := table.Native["ISHARES"]
	assert.False(t, ok)
}

func TestUpdatePrices_InterestShareWithoutBalance(t *testing.T) {
	f := newFixture(types.NewInterestShare("IARB", "ISHARES", "A"))
	f.contracts.balances["IARB"] = map[string]int64{}

	require.NoError(t, f.oracle.UpdatePrices(context.Background()))
	table, _ := f.oracle.Prices()
	assert.Equal(t, types.PriceEntry{}, table.Native["ISHARES"])
}

func TestUpdatePrices_PoolShareUsesSharePrices(t *testing.T) {
	f := newFixture(
		types.NewCollateralizedShare("ARB", "SHARES", "A", "S"),
		types.NewPoolShare("POOL", "LP", "SHARES", types.BaseAsset),
	)
	f.contracts.balances["ARB"] = map[string]int64{"A": 1000}
	f.contracts.vars["ARB"] = map[string]interface{}{"shares_supply": float64(1000)}
	f.registerDecimals("SHARES", 0)
	f.contracts.balances["POOL"] = map[string]int64{"SHARES": 10, types.BaseAsset: 1e9}
	f.contracts.vars["POOL"] = map[string]interface{}{"supply": float64(2)}

	require.NoError(t, f.oracle.UpdatePrices(context.Background()))
	table, _ := f.oracle.Prices()

	// shares are priced at 1.2; (10 × 1.2 + 1e9 × 1e-9) / 2
	assert.InDelta(t, 6.5, table.Native["LP"].NativeUnitPrice, 1e-9)
	assert.Equal(t, table.Native["LP"].NativeUnitPrice, table.Native["LP"].DisplayPrice)
}

func TestUpdatePrices_PoolShareEdgeCases(t *testing.T) {
	t.Run("unseeded pool is skipped", func(t *testing.T) {
		f := newFixture(types.NewPoolShare("POOL", "LP", "A", types.BaseAsset))
		f.contracts.balances["POOL"] = map[string]int64{"A": 10}

		require.NoError(t, f.oracle.UpdatePrices(context.Background()))
		table, _ := f.oracle.Prices()
		_, ok := table.Native["LP"]
		assert.False(t, ok)
	})

	t.Run("missing supply fails", func(t *testing.T) {
		f := newFixture(types.NewPoolShare("POOL", "LP", "A", types.BaseAsset))
		f.contracts.balances["POOL"] = map[string]int64{"A": 10, types.BaseAsset: 10}

		err := f.oracle.UpdatePrices(context.Background())
		assert.True(t, apperrors.Is(err, apperrors.CategoryInconsistentState))
	})

	t.Run("unpriced reserve fails", func(t *testing.T) {
		f := newFixture(types.NewPoolShare("POOL", "LP", "UNKNOWN", types.BaseAsset))
		f.contracts.balances["POOL"] = map[string]int64{"UNKNOWN": 10, types.BaseAsset: 10}

		err := f.oracle.UpdatePrices(context.Background())
		assert.True(t, apperrors.Is(err, apperrors.CategoryMissingPrice))
	})
}

func TestUpdatePrices_FailureKeepsPreviousTable(t *testing.T) {
	f := newFixture(types.NewPoolShare("POOL", "LP", "A", types.BaseAsset))
	require.NoError(t, f.oracle.UpdatePrices(context.Background()))
	before, _ := f.oracle.Prices()

	tests := []struct {
		name  string
		setup func()
	}{
		{"market feed down", func() { f.market.err = apperrors.NewFetchFailureError("market data", errors.New("timeout")) }},
		{"rate feed down", func() { f.rates.err = apperrors.NewFetchFailureError("exchange rate", errors.New("503")) }},
		{"inconsistent pool", func() {
			f.contracts.balances["POOL"] = map[string]int64{"A": 10, types.BaseAsset: 10}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.market.err, f.rates.err = nil, nil
			f.contracts.balances["POOL"] = nil
			f.market.data["A"] = adapter.MarketAsset{AssetID: "A", Decimals: 4, LastValue: value(99999)}
			tt.setup()

			require.Error(t, f.oracle.UpdatePrices(context.Background()))
			after, err := f.oracle.Prices()
			require.NoError(t, err)
			assert.Same(t, before, after)
			assert.InDelta(t, 0.3, after.Fiat["A"].DisplayPrice, 1e-12)
		})
	}
}

func TestUpdatePrices_FailureBeforeFirstTable(t *testing.T) {
	f := newFixture()
	f.rates.err = apperrors.NewFetchFailureError("exchange rate", nil)

	require.Error(t, f.oracle.UpdatePrices(context.Background()))
	_, err := f.oracle.Prices()
	assert.True(t, apperrors.Is(err, apperrors.CategoryNotReady))
}

func TestUpdatePrices_NeverTradedAssetsAreAbsent(t *testing.T) {
	f := newFixture()
	f.market.data["B"] = adapter.MarketAsset{AssetID: "B", Decimals: 2}

	require.NoError(t, f.oracle.UpdatePrices(context.Background()))
	table, _ := f.oracle.Prices()
	_, ok := table.Get("B")
	assert.False(t, ok)
	_, ok = table.Get(types.BaseAsset)
	assert.True(t, ok)
}
