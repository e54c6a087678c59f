package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/referral-distributor/internal/adapter"
	apperrors "github.com/referral-distributor/internal/errors"
	"github.com/referral-distributor/internal/logging"
	"github.com/referral-distributor/internal/types"
)

// unregisteredTTL is how long an asset without registry metadata is
// remembered before it is looked up again
const unregisteredTTL = time.Hour

// AssetInfoCache stores resolved asset metadata
type AssetInfoCache interface {
	// GetAssetInfo returns the cached entry or nil when absent
	GetAssetInfo(ctx context.Context, asset string) (*types.AssetInfo, error)
	SetAssetInfo(ctx context.Context, info types.AssetInfo) error
}

// StateReader reads single contract state variables
type StateReader interface {
	GetStateVar(ctx context.Context, contract, name string) (interface{}, error)
}

// AssetInfoResolver looks up symbols and decimals in the token registry contract
type AssetInfoResolver struct {
	ledger   StateReader
	registry string
	cache    AssetInfoCache
	clock    clockwork.Clock
}

// NewAssetInfoResolver creates a resolver. A nil cache keeps entries in memory.
func NewAssetInfoResolver(ledger StateReader, registry string, cache AssetInfoCache, clock clockwork.Clock) *AssetInfoResolver {
	if cache == nil {
		cache = NewMemoryAssetInfoCache()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &AssetInfoResolver{ledger: ledger, registry: registry, cache: cache, clock: clock}
}

// Resolve returns the metadata of asset
func (r *AssetInfoResolver) Resolve(ctx context.Context, asset string) (types.AssetInfo, error) {
	if asset == types.BaseAsset {
		return types.AssetInfo{Asset: asset, Symbol: "GBYTE", Decimals: types.BaseDecimals}, nil
	}

	logger := logging.FromContext(ctx).WithField("asset", asset)
	now := r.clock.Now()
	cached, err := r.cache.GetAssetInfo(ctx, asset)
	if err != nil {
		logger.WithError(err).Warn("Asset info cache read failed")
	} else if cached != nil && !cached.Expired(now) {
		return *cached, nil
	}

	info, err := r.lookup(ctx, asset, now)
	if err != nil {
		return types.AssetInfo{}, err
	}
	if err := r.cache.SetAssetInfo(ctx, info); err != nil {
		logger.WithError(err).Warn("Asset info cache write failed")
	}
	return info, nil
}

func (r *AssetInfoResolver) lookup(ctx context.Context, asset string, now time.Time) (types.AssetInfo, error) {
	unregistered := types.AssetInfo{Asset: asset, Decimals: 0, ExpiresAt: now.Add(unregisteredTTL)}

	symbol, err := r.stringVar(ctx, "a2s_"+asset)
	if err != nil {
		return types.AssetInfo{}, err
	}
	if symbol == "" {
		logging.FromContext(ctx).WithField("asset", asset).Info("No symbol registered for asset")
		return unregistered, nil
	}

	descHash, err := r.stringVar(ctx, "current_desc_"+asset)
	if err != nil {
		return types.AssetInfo{}, err
	}
	if descHash == "" {
		logging.FromContext(ctx).WithField("symbol", symbol).Info("No description registered for asset")
		unregistered.Symbol = symbol
		return unregistered, nil
	}

	raw, err := r.ledger.GetStateVar(ctx, r.registry, "decimals_"+descHash)
	if err != nil {
		return types.AssetInfo{}, err
	}
	decimals, ok := raw.(float64)
	if !ok {
		return types.AssetInfo{}, apperrors.NewInconsistentStateError(r.registry, fmt.Sprintf("no decimals for %s", symbol))
	}
	return types.AssetInfo{Asset: asset, Symbol: symbol, Decimals: int(decimals)}, nil
}

func (r *AssetInfoResolver) stringVar(ctx context.Context, name string) (string, error) {
	v, err := r.ledger.GetStateVar(ctx, r.registry, name)
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

// MemoryAssetInfoCache is an in-process AssetInfoCache
type MemoryAssetInfoCache struct {
	mu      sync.RWMutex
	entries map[string]types.AssetInfo
}

// NewMemoryAssetInfoCache creates an empty in-process cache
func NewMemoryAssetInfoCache() *MemoryAssetInfoCache {
	return &MemoryAssetInfoCache{entries: make(map[string]types.AssetInfo)}
}

// GetAssetInfo returns the cached entry or nil
func (c *MemoryAssetInfoCache) GetAssetInfo(ctx context.Context, asset string) (*types.AssetInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.entries[asset]
	if !ok {
		return nil, nil
	}
	return &info, nil
}

// SetAssetInfo stores an entry
func (c *MemoryAssetInfoCache) SetAssetInfo(ctx context.Context, info types.AssetInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[info.Asset] = info
	return nil
}

var _ StateReader = (adapter.LedgerQuery)(nil)
