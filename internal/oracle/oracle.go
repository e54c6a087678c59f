// Package oracle builds the fiat price table for every tracked asset.
package oracle

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"github.com/referral-distributor/internal/adapter"
	"github.com/referral-distributor/internal/discovery"
	apperrors "github.com/referral-distributor/internal/errors"
	"github.com/referral-distributor/internal/logging"
	"github.com/referral-distributor/internal/metrics"
	"github.com/referral-distributor/internal/types"
)

// baseUnitPrice is the price of one smallest unit of the base currency in
// display units of the base currency
const baseUnitPrice = 1e-9

// ContractReader reads contract balances and state
type ContractReader interface {
	StateReader
	GetContractBalances(ctx context.Context, contract string) (map[string]int64, error)
}

// InstrumentSource provides the current set of derived instruments
type InstrumentSource interface {
	Snapshot() *discovery.Snapshot
}

// HistorySink records every published price table
type HistorySink interface {
	RecordPrices(ctx context.Context, table *types.PriceTable) error
}

// Config configures a PriceOracle
type Config struct {
	Market      adapter.MarketDataSource
	Rates       adapter.RateProvider
	Ledger      ContractReader
	Instruments InstrumentSource
	AssetInfo   *AssetInfoResolver
	History     HistorySink // optional
	Clock       clockwork.Clock
}

// PriceOracle publishes price tables by swapping a pointer to a fully
// built table. Readers never observe a partially updated table.
type PriceOracle struct {
	cfg     Config
	current atomic.Pointer[types.PriceTable]
	version atomic.Uint64
	mu      sync.Mutex
}

// New creates a price oracle
func New(cfg Config) *PriceOracle {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &PriceOracle{cfg: cfg}
}

// Prices returns the last published table
func (o *PriceOracle) Prices() (*types.PriceTable, error) {
	table := o.current.Load()
	if table == nil {
		return nil, apperrors.NewNotReadyError("prices")
	}
	return table, nil
}

// UpdatePrices builds a new table and publishes it. On any error the
// previous table stays in place.
func (o *PriceOracle) UpdatePrices(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	logger := logging.FromContext(ctx).WithField("component", "oracle")
	table, err := o.build(ctx)
	if err != nil {
		metrics.PriceUpdateTotal.WithLabelValues("error").Inc()
		logger.WithError(err).Error("Price update failed, keeping previous prices")
		return err
	}

	table.Version = o.version.Add(1)
	o.current.Store(table)
	metrics.PriceUpdateTotal.WithLabelValues("success").Inc()
	metrics.PricedAssets.Set(float64(len(table.Fiat)))
	metrics.ExchangeRate.Set(table.Rate)
	logger.WithFields(map[string]interface{}{
		"version": table.Version,
		"assets":  len(table.Fiat),
		"rate":    table.Rate,
	}).Info("Published prices")

	if o.cfg.History != nil {
		if err := o.cfg.History.RecordPrices(ctx, table); err != nil {
			logger.WithError(err).Warn("Failed to record price history")
		}
	}
	return nil
}

// build runs one full price cycle: market assets, collateralized and
// interest shares, pool shares, then conversion to fiat.
func (o *PriceOracle) build(ctx context.Context) (*types.PriceTable, error) {
	market, err := o.cfg.Market.FetchMarketData(ctx)
	if err != nil {
		return nil, err
	}

	b := &tableBuilder{native: make(map[string]types.PriceEntry)}
	b.native[types.BaseAsset] = types.PriceEntry{NativeUnitPrice: baseUnitPrice, DisplayPrice: 1}
	for _, m := range market {
		if m.LastValue == nil || m.AssetID == "" {
			continue
		}
		b.native[m.AssetID] = types.PriceEntry{
			NativeUnitPrice: *m.LastValue / math.Pow10(m.Decimals),
			DisplayPrice:    *m.LastValue,
		}
	}

	snap := o.cfg.Instruments.Snapshot()
	for _, spec := range snap.InstrumentsOf(types.KindCollateralizedShare) {
		if err := o.priceCollateralized(ctx, b, spec); err != nil {
			return nil, err
		}
	}
	for _, spec := range snap.InstrumentsOf(types.KindInterestShare) {
		if err := o.priceInterest(ctx, b, spec); err != nil {
			return nil, err
		}
	}
	for _, spec := range snap.InstrumentsOf(types.KindPoolShare) {
		if err := o.pricePool(ctx, b, spec); err != nil {
			return nil, err
		}
	}

	rate, err := o.cfg.Rates.FetchRate(ctx)
	if err != nil {
		return nil, err
	}

	fiat := make(map[string]types.PriceEntry, len(b.native))
	for asset, p := range b.native {
		fiat[asset] = types.PriceEntry{
			NativeUnitPrice: p.NativeUnitPrice * rate,
			DisplayPrice:    p.DisplayPrice * rate,
		}
	}
	return &types.PriceTable{
		Rate:      rate,
		Native:    b.native,
		Fiat:      fiat,
		UpdatedAt: o.cfg.Clock.Now().UTC(),
	}, nil
}

type tableBuilder struct {
	native map[string]types.PriceEntry
}

// value sums balance times price over the inputs. A zero balance needs no price.
func (b *tableBuilder) value(contract string, balances map[string]int64, assets ...string) (float64, error) {
	total := 0.0
	for _, asset := range assets {
		bal := balances[asset]
		if bal == 0 {
			continue
		}
		p, ok := b.native[asset]
		if !ok {
			return 0, apperrors.NewMissingPriceError(asset, contract)
		}
		total += float64(bal) * p.NativeUnitPrice
	}
	return total, nil
}

func (o *PriceOracle) priceCollateralized(ctx context.Context, b *tableBuilder, spec types.DerivedAssetSpec) error {
	reserve, secondary := spec.Reference(0), spec.Reference(1)
	balances, err := o.cfg.Ledger.GetContractBalances(ctx, spec.Contract)
	if err != nil {
		return err
	}
	if balances[reserve] == 0 && balances[secondary] == 0 {
		b.native[spec.Asset] = types.PriceEntry{}
		return nil
	}

	value, err := b.value(spec.Contract, balances, reserve, secondary)
	if err != nil {
		return err
	}
	supply, err := o.number(ctx, spec.Contract, "shares_supply")
	if err != nil {
		return err
	}
	if supply == 0 {
		if balances[reserve] > 0 && balances[secondary] == 0 && reserve == types.BaseAsset {
			logging.FromContext(ctx).WithField("contract", spec.Contract).Info("Shares not issued yet, skipping")
			return nil
		}
		return apperrors.NewInconsistentStateError(spec.Contract, "no shares supply")
	}

	return o.setShare(ctx, b, spec.Asset, value/supply)
}

func (o *PriceOracle) priceInterest(ctx context.Context, b *tableBuilder, spec types.DerivedAssetSpec) error {
	interest := spec.Reference(0)
	balances, err := o.cfg.Ledger.GetContractBalances(ctx, spec.Contract)
	if err != nil {
		return err
	}
	balance, ok := balances[interest]
	if !ok {
		b.native[spec.Asset] = types.PriceEntry{}
		return nil
	}

	pending, err := o.number(ctx, spec.Contract, "balance_in_challenging_period")
	if err != nil {
		return err
	}
	value := 0.0
	if total := float64(balance) + pending; total != 0 {
		p, ok := b.native[interest]
		if !ok {
			return apperrors.NewMissingPriceError(interest, spec.Contract)
		}
		value = total * p.NativeUnitPrice
	}

	supply, err := o.number(ctx, spec.Contract, "shares_supply")
	if err != nil {
		return err
	}
	if supply == 0 {
		logger := logging.FromContext(ctx).WithField("contract", spec.Contract)
		if value == 0 {
			logger.Info("No shares and no assets in interest share contract, skipping")
		} else {
			logger.WithField("value", value).Warn("No shares in interest share contract holding value, skipping")
		}
		return nil
	}

	return o.setShare(ctx, b, spec.Asset, value/supply)
}

func (o *PriceOracle) pricePool(ctx context.Context, b *tableBuilder, spec types.DerivedAssetSpec) error {
	asset0, asset1 := spec.Reference(0), spec.Reference(1)
	balances, err := o.cfg.Ledger.GetContractBalances(ctx, spec.Contract)
	if err != nil {
		return err
	}
	if balances[asset0] == 0 || balances[asset1] == 0 {
		logging.FromContext(ctx).WithField("pool", spec.Contract).Debug("Pool not seeded yet, skipping")
		return nil
	}

	value, err := b.value(spec.Contract, balances, asset0, asset1)
	if err != nil {
		return err
	}
	if value == 0 {
		return apperrors.NewInconsistentStateError(spec.Contract, "pool total value is 0")
	}
	supply, err := o.number(ctx, spec.Contract, "supply")
	if err != nil {
		return err
	}
	if supply == 0 {
		return apperrors.NewInconsistentStateError(spec.Contract, "no supply of pool share asset "+spec.Asset)
	}

	price := value / supply
	b.native[spec.Asset] = types.PriceEntry{NativeUnitPrice: price, DisplayPrice: price}
	return nil
}

// setShare stores a share price with its display price scaled by the share
// asset's registered decimals
func (o *PriceOracle) setShare(ctx context.Context, b *tableBuilder, asset string, unitPrice float64) error {
	info, err := o.cfg.AssetInfo.Resolve(ctx, asset)
	if err != nil {
		return err
	}
	b.native[asset] = types.PriceEntry{
		NativeUnitPrice: unitPrice,
		DisplayPrice:    unitPrice * math.Pow10(info.Decimals),
	}
	return nil
}

func (o *PriceOracle) number(ctx context.Context, contract, name string) (float64, error) {
	v, err := o.cfg.Ledger.GetStateVar(ctx, contract, name)
	if err != nil {
		return 0, err
	}
	return adapter.Number(v), nil
}
