// Package types provides common type definitions for the referral distributor.
package types

import (
	"regexp"
	"time"
)

// BaseAsset is the ledger's native currency
const BaseAsset = "base"

// BaseDecimals is the display scale of the native currency
const BaseDecimals = 9

// AssetKind classifies how an asset is priced
type AssetKind string

const (
	// KindTraded is an asset priced directly by the market data feed
	KindTraded AssetKind = "traded"
	// KindCollateralizedShare is a claim on a reserve plus a secondary asset
	KindCollateralizedShare AssetKind = "collateralized_share"
	// KindInterestShare is a claim on an interest-accruing deposit
	KindInterestShare AssetKind = "interest_share"
	// KindPoolShare is a liquidity pool share over two reserves
	KindPoolShare AssetKind = "pool_share"
)

// Asset is a fungible token tracked by the distributor
type Asset struct {
	ID       string    `json:"id"`
	Symbol   string    `json:"symbol,omitempty"`
	Decimals int       `json:"decimals"`
	Kind     AssetKind `json:"kind"`
}

// AssetInfo is registry metadata for an asset. ExpiresAt is zero for entries
// that never expire.
type AssetInfo struct {
	Asset     string    `json:"asset"`
	Symbol    string    `json:"symbol,omitempty"`
	Decimals  int       `json:"decimals"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the entry must be fetched again
func (i AssetInfo) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// DerivedAssetSpec declares how a derived asset's price is computed.
//
// References holds the priced inputs in kind order: reserve and secondary
// for collateralized shares, the interest asset for interest shares, and
// asset0 and asset1 for pool shares.
type DerivedAssetSpec struct {
	Kind       AssetKind `json:"kind"`
	Contract   string    `json:"contract"`
	Asset      string    `json:"asset"`
	References []string  `json:"references"`
}

// NewCollateralizedShare builds a collateralized share spec
func NewCollateralizedShare(contract, shares, reserve, secondary string) DerivedAssetSpec {
	return DerivedAssetSpec{Kind: KindCollateralizedShare, Contract: contract, Asset: shares, References: []string{reserve, secondary}}
}

// NewInterestShare builds an interest share spec
func NewInterestShare(contract, shares, interest string) DerivedAssetSpec {
	return DerivedAssetSpec{Kind: KindInterestShare, Contract: contract, Asset: shares, References: []string{interest}}
}

// NewPoolShare builds a pool share spec
func NewPoolShare(contract, shares, asset0, asset1 string) DerivedAssetSpec {
	return DerivedAssetSpec{Kind: KindPoolShare, Contract: contract, Asset: shares, References: []string{asset0, asset1}}
}

// Reference returns the i-th priced input or "" when absent
func (s DerivedAssetSpec) Reference(i int) string {
	if i < len(s.References) {
		return s.References[i]
	}
	return ""
}

// ContractLedger is a contract that records balances on behalf of holders.
// An empty Asset marks a multi-asset ledger keyed by <prefix><address>_<asset>;
// otherwise keys are <prefix><address> and all rows are in Asset.
type ContractLedger struct {
	Contract string `json:"contract"`
	Prefix   string `json:"prefix"`
	Asset    string `json:"asset,omitempty"`
}

// MultiAsset reports whether the ledger stores several assets
func (l ContractLedger) MultiAsset() bool {
	return l.Asset == ""
}

// PriceEntry is the valuation of one asset
type PriceEntry struct {
	NativeUnitPrice float64 `json:"nativeUnitPrice"` // per smallest unit
	DisplayPrice    float64 `json:"displayPrice"`    // per display unit
}

// PriceTable is an immutable, fully built price snapshot. Fiat holds the
// published values; Native holds the same entries before the exchange rate.
type PriceTable struct {
	Version   uint64                `json:"version"`
	Rate      float64               `json:"rate"`
	Native    map[string]PriceEntry `json:"native"`
	Fiat      map[string]PriceEntry `json:"fiat"`
	UpdatedAt time.Time             `json:"updatedAt"`
}

// Get returns the fiat entry for asset
func (t *PriceTable) Get(asset string) (PriceEntry, bool) {
	if t == nil {
		return PriceEntry{}, false
	}
	p, ok := t.Fiat[asset]
	return p, ok
}

// BalanceDetail is one asset line of a holder's valued balances
type BalanceDetail struct {
	Balance    int64   `json:"balance"`
	USDBalance float64 `json:"usdBalance,omitempty"`
	Eligible   bool    `json:"eligible"`
}

// Holdings is a holder's valued balances
type Holdings struct {
	Address        string                   `json:"address"`
	USDTotal       float64                  `json:"usdTotal"`
	WalletDetail   map[string]BalanceDetail `json:"walletBalanceDetails"`
	ContractDetail map[string]BalanceDetail `json:"contractBalanceDetails"`
}

// Output is one recipient of a multi-recipient payment
type Output struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

var addressPattern = regexp.MustCompile(`^[A-Z2-7]{32}$`)

// IsValidAddress reports whether s is a well-formed ledger address
func IsValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}
