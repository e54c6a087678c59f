// Package balance merges holders' wallet balances with the balances that
// contracts record on their behalf.
package balance

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/referral-distributor/internal/adapter"
	"github.com/referral-distributor/internal/discovery"
	apperrors "github.com/referral-distributor/internal/errors"
	"github.com/referral-distributor/internal/logging"
	"github.com/referral-distributor/internal/types"
)

// Ledger is the part of the ledger query interface the aggregator reads
type Ledger interface {
	GetStateVars(ctx context.Context, contract, prefix string) (adapter.StateVars, error)
	GetWalletBalances(ctx context.Context, address string) (map[string]int64, error)
}

// Sources provides the governance ledgers and the eligible asset set
type Sources interface {
	Snapshot() *discovery.Snapshot
}

// contractBalances is one refresh result
type contractBalances struct {
	byAddress   map[string]map[string]int64
	registry    *discovery.Snapshot
	refreshedAt time.Time
}

// Aggregator computes holders' balances across their wallet and contract ledgers
type Aggregator struct {
	ledger  Ledger
	sources Sources
	ledgers []types.ContractLedger
	clock   clockwork.Clock

	mu      sync.Mutex
	current atomic.Pointer[contractBalances]
}

// NewAggregator creates an aggregator. ledgers are the fixed multi-asset
// ledgers; governance ledgers come from sources on every refresh.
func NewAggregator(ledger Ledger, sources Sources, ledgers []types.ContractLedger, clock clockwork.Clock) *Aggregator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Aggregator{ledger: ledger, sources: sources, ledgers: ledgers, clock: clock}
}

// Refresh re-reads every contract ledger
func (a *Aggregator) Refresh(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	registry := a.sources.Snapshot()
	ledgers := append(append([]types.ContractLedger(nil), a.ledgers...), registry.GovernanceLedgers...)

	byAddress := make(map[string]map[string]int64)
	for _, l := range ledgers {
		vars, err := a.ledger.GetStateVars(ctx, l.Contract, l.Prefix)
		if err != nil {
			return err
		}
		for name, v := range vars {
			address, asset := splitKey(l, strings.TrimPrefix(name, l.Prefix))
			if address == "" || asset == "" {
				continue
			}
			if byAddress[address] == nil {
				byAddress[address] = make(map[string]int64)
			}
			byAddress[address][asset] += int64(adapter.Number(v))
		}
	}

	a.current.Store(&contractBalances{
		byAddress:   byAddress,
		registry:    registry,
		refreshedAt: a.clock.Now(),
	})
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"component": "balance",
		"ledgers":   len(ledgers),
		"addresses": len(byAddress),
	}).Info("Refreshed contract balances")
	return nil
}

// splitKey extracts the holder and asset from a ledger key
func splitKey(l types.ContractLedger, key string) (string, string) {
	if !l.MultiAsset() {
		return key, l.Asset
	}
	address, asset, ok := strings.Cut(key, "_")
	if !ok {
		return "", ""
	}
	return address, asset
}

// ContractBalances returns the balances contracts hold for address as of the
// last refresh
func (a *Aggregator) ContractBalances(address string) (map[string]int64, error) {
	current := a.current.Load()
	if current == nil {
		return nil, apperrors.NewNotReadyError("contract balances")
	}
	return current.byAddress[address], nil
}

// Holdings values a holder's wallet and contract balances with prices.
// Balances in ineligible assets are reported but not valued.
func (a *Aggregator) Holdings(ctx context.Context, address string, prices *types.PriceTable) (*types.Holdings, error) {
	current := a.current.Load()
	if current == nil {
		return nil, apperrors.NewNotReadyError("contract balances")
	}

	wallet, err := a.ledger.GetWalletBalances(ctx, address)
	if err != nil {
		return nil, err
	}
	inContracts := current.byAddress[address]

	holdings := &types.Holdings{
		Address:        address,
		WalletDetail:   make(map[string]types.BalanceDetail),
		ContractDetail: make(map[string]types.BalanceDetail),
	}

	assets := make(map[string]struct{}, len(wallet)+len(inContracts))
	for asset := range wallet {
		assets[asset] = struct{}{}
	}
	for asset := range inContracts {
		assets[asset] = struct{}{}
	}

	for asset := range assets {
		w, c := wallet[asset], inContracts[asset]
		if !current.registry.IsEligible(asset) {
			if w != 0 {
				holdings.WalletDetail[asset] = types.BalanceDetail{Balance: w}
			}
			if c != 0 {
				holdings.ContractDetail[asset] = types.BalanceDetail{Balance: c}
			}
			continue
		}
		if w+c == 0 {
			continue
		}

		price, ok := prices.Get(asset)
		if !ok {
			return nil, apperrors.NewMissingPriceError(asset, address)
		}
		holdings.USDTotal += float64(w+c) * price.NativeUnitPrice
		if w != 0 {
			holdings.WalletDetail[asset] = types.BalanceDetail{Balance: w, USDBalance: float64(w) * price.NativeUnitPrice, Eligible: true}
		}
		if c != 0 {
			holdings.ContractDetail[asset] = types.BalanceDetail{Balance: c, USDBalance: float64(c) * price.NativeUnitPrice, Eligible: true}
		}
	}
	return holdings, nil
}

// HoldingsOf values every address in order, one at a time
func (a *Aggregator) HoldingsOf(ctx context.Context, addresses []string, prices *types.PriceTable) (map[string]*types.Holdings, error) {
	out := make(map[string]*types.Holdings, len(addresses))
	for _, address := range addresses {
		h, err := a.Holdings(ctx, address, prices)
		if err != nil {
			return nil, err
		}
		out[address] = h
	}
	return out, nil
}
