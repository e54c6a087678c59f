// Package discovery tracks the contracts whose assets and balances feed the
// price oracle and the balance aggregator.
package discovery

import (
	"sync"

	"github.com/referral-distributor/internal/types"
)

// Snapshot is an immutable copy of the registry handed to consumers
type Snapshot struct {
	Version           uint64
	Instruments       []types.DerivedAssetSpec
	GovernanceLedgers []types.ContractLedger
	ReferralContracts []string
	eligible          map[string]struct{}
}

// IsEligible reports whether balances in asset count towards rewards
func (s *Snapshot) IsEligible(asset string) bool {
	if s == nil {
		return false
	}
	_, ok := s.eligible[asset]
	return ok
}

// EligibleCount returns the number of eligible assets
func (s *Snapshot) EligibleCount() int {
	if s == nil {
		return 0
	}
	return len(s.eligible)
}

// InstrumentsOf returns the instruments of one kind in registration order
func (s *Snapshot) InstrumentsOf(kind types.AssetKind) []types.DerivedAssetSpec {
	var out []types.DerivedAssetSpec
	for _, spec := range s.Instruments {
		if spec.Kind == kind {
			out = append(out, spec)
		}
	}
	return out
}

// NewSnapshot builds a snapshot directly, for consumers' tests and fixed
// deployments.
func NewSnapshot(eligible []string, instruments []types.DerivedAssetSpec, ledgers []types.ContractLedger) *Snapshot {
	s := &Snapshot{
		Instruments:       instruments,
		GovernanceLedgers: ledgers,
		eligible:          make(map[string]struct{}, len(eligible)),
	}
	for _, a := range eligible {
		s.eligible[a] = struct{}{}
	}
	return s
}

// Registry is the set of discovered contracts. Entries are only ever added.
type Registry struct {
	mu sync.RWMutex

	version     uint64
	eligible    map[string]struct{}
	contracts   map[string]struct{}
	instruments []types.DerivedAssetSpec
	ledgers     []types.ContractLedger
	referrals   []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		eligible:  make(map[string]struct{}),
		contracts: make(map[string]struct{}),
	}
}

// Known reports whether a contract was already registered
func (r *Registry) Known(contract string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.contracts[contract]
	return ok
}

// IsEligible reports whether asset is currently eligible
func (r *Registry) IsEligible(asset string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.eligible[asset]
	return ok
}

// registration is everything one contract contributes
type registration struct {
	contract  string
	eligible  []string
	spec      *types.DerivedAssetSpec
	ledger    *types.ContractLedger
	referrals bool
}

// add applies a registration and reports whether the contract was new
func (r *Registry) add(reg registration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.contracts[reg.contract]; ok {
		return false
	}
	r.contracts[reg.contract] = struct{}{}

	for _, a := range reg.eligible {
		if a != "" {
			r.eligible[a] = struct{}{}
		}
	}
	if reg.spec != nil {
		r.instruments = append(r.instruments, *reg.spec)
	}
	if reg.ledger != nil {
		r.ledgers = append(r.ledgers, *reg.ledger)
	}
	if reg.referrals {
		r.referrals = append(r.referrals, reg.contract)
	}
	r.version++
	return true
}

// Snapshot returns a copy of the current registry
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := &Snapshot{
		Version:           r.version,
		Instruments:       append([]types.DerivedAssetSpec(nil), r.instruments...),
		GovernanceLedgers: append([]types.ContractLedger(nil), r.ledgers...),
		ReferralContracts: append([]string(nil), r.referrals...),
		eligible:          make(map[string]struct{}, len(r.eligible)),
	}
	for i := range s.Instruments {
		s.Instruments[i].References = append([]string(nil), s.Instruments[i].References...)
	}
	for a := range r.eligible {
		s.eligible[a] = struct{}{}
	}
	return s
}
