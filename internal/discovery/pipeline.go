package discovery

import (
	"context"
	"sort"
	"strings"

	"github.com/referral-distributor/internal/adapter"
	apperrors "github.com/referral-distributor/internal/errors"
	"github.com/referral-distributor/internal/logging"
	"github.com/referral-distributor/internal/types"
)

// Ledger is the part of the ledger query interface discovery reads
type Ledger interface {
	GetStateVar(ctx context.Context, contract, name string) (interface{}, error)
	GetStateVars(ctx context.Context, contract, prefix string) (adapter.StateVars, error)
	GetDefinition(ctx context.Context, address string) (*adapter.Definition, error)
	ListContractsByTemplate(ctx context.Context, templates []string) ([]adapter.ContractInfo, error)
}

// Watcher subscribes to notifications from contracts
type Watcher interface {
	Watch(addresses ...string) error
}

// Templates holds the template addresses identifying each contract family
type Templates struct {
	Curves         []string
	Deposit        string
	Collateralized []string
	Interest       string
	PoolFactory    string
}

func (t Templates) isCurve(base string) bool {
	return contains(t.Curves, base)
}

const (
	governancePrefix = "balance_"
	poolsPrefix      = "pools."
)

// Pipeline registers contracts found by the startup scan and by deployment
// notifications.
type Pipeline struct {
	ledger    Ledger
	templates Templates
	registry  *Registry
	watcher   Watcher
	logger    *logging.Logger
}

// NewPipeline creates a discovery pipeline. watcher may be nil.
func NewPipeline(ledger Ledger, templates Templates, registry *Registry, watcher Watcher) *Pipeline {
	return &Pipeline{
		ledger:    ledger,
		templates: templates,
		registry:  registry,
		watcher:   watcher,
		logger:    logging.WithField("component", "discovery"),
	}
}

// Registry returns the registry the pipeline populates
func (p *Pipeline) Registry() *Registry {
	return p.registry
}

// Scan registers every deployed contract of the known families. Families
// are scanned in dependency order: curves before the shares built on them,
// and pools last since only pools over eligible assets are tracked.
func (p *Pipeline) Scan(ctx context.Context) error {
	groups := [][]string{
		p.templates.Curves,
		{p.templates.Deposit},
		p.templates.Collateralized,
		{p.templates.Interest},
	}
	for _, templates := range groups {
		templates = nonEmpty(templates)
		if len(templates) == 0 {
			continue
		}
		contracts, err := p.ledger.ListContractsByTemplate(ctx, templates)
		if err != nil {
			return err
		}
		for _, c := range contracts {
			def := c.Definition
			if err := p.addContract(ctx, c.Address, &def); err != nil {
				return err
			}
		}
	}
	if err := p.refreshPools(ctx); err != nil {
		return err
	}

	snap := p.registry.Snapshot()
	p.logger.WithFields(map[string]interface{}{
		"instruments": len(snap.Instruments),
		"ledgers":     len(snap.GovernanceLedgers),
		"eligible":    snap.EligibleCount(),
	}).Info("Contract scan completed")
	return nil
}

// Handle applies one ledger notification
func (p *Pipeline) Handle(ctx context.Context, event adapter.Event) error {
	switch event.Kind {
	case adapter.EventDefinitionSaved:
		return p.addContract(ctx, event.Address, event.Definition)
	case adapter.EventAAResponse:
		if event.Address == p.templates.PoolFactory && p.templates.PoolFactory != "" {
			return p.refreshPools(ctx)
		}
	}
	return nil
}

// addContract routes a parameterized contract to its family
func (p *Pipeline) addContract(ctx context.Context, address string, def *adapter.Definition) error {
	if def == nil || def.BaseAA == "" {
		p.logger.WithField("address", address).Debug("Ignoring non-parameterized contract")
		return nil
	}
	if p.registry.Known(address) {
		return nil
	}

	base := def.BaseAA
	switch {
	case p.templates.isCurve(base):
		return p.addCurve(ctx, address)
	case base == p.templates.Deposit:
		return p.addDeposit(ctx, address)
	case contains(p.templates.Collateralized, base):
		return p.addCollateralized(ctx, address, def)
	case base == p.templates.Interest:
		return p.addInterest(ctx, address, def)
	default:
		p.logger.WithFields(map[string]interface{}{
			"address": address,
			"baseAA":  base,
		}).Debug("Ignoring foreign contract")
		return nil
	}
}

func (p *Pipeline) addCurve(ctx context.Context, curve string) error {
	vars, err := p.ledger.GetStateVars(ctx, curve, "asset")
	if err != nil {
		return err
	}
	asset1, asset2 := vars.String("asset1"), vars.String("asset2")
	if asset1 == "" || asset2 == "" {
		return apperrors.NewInconsistentStateError(curve, "curve has no assets issued")
	}

	added := p.registry.add(registration{
		contract:  curve,
		eligible:  []string{asset1, asset2},
		ledger:    &types.ContractLedger{Contract: curve, Prefix: governancePrefix, Asset: asset1},
		referrals: true,
	})
	if added {
		p.logger.WithFields(map[string]interface{}{"curve": curve, "asset1": asset1, "asset2": asset2}).Info("Added curve")
		p.watch(curve)
	}
	return nil
}

func (p *Pipeline) addDeposit(ctx context.Context, deposit string) error {
	asset, err := p.stringVar(ctx, deposit, "asset")
	if err != nil {
		return err
	}
	if p.registry.add(registration{contract: deposit, eligible: []string{asset}}) {
		p.logger.WithFields(map[string]interface{}{"deposit": deposit, "asset": asset}).Info("Added deposit contract")
	}
	return nil
}

func (p *Pipeline) addCollateralized(ctx context.Context, arb string, def *adapter.Definition) error {
	shares, err := p.stringVar(ctx, arb, "shares_asset")
	if err != nil {
		return err
	}
	curve := def.Param("curve_aa")
	curveDef, err := p.knownCurve(ctx, arb, curve)
	if err != nil || curveDef == nil {
		return err
	}

	reserve := curveDef.Param("reserve_asset")
	if reserve == "" {
		reserve = types.BaseAsset
	}
	asset1, err := p.stringVar(ctx, curve, "asset1")
	if err != nil {
		return err
	}

	spec := types.NewCollateralizedShare(arb, shares, reserve, asset1)
	if p.registry.add(registration{
		contract: arb,
		eligible: []string{shares},
		spec:     &spec,
		ledger:   &types.ContractLedger{Contract: arb, Prefix: governancePrefix, Asset: shares},
	}) {
		p.logger.WithFields(map[string]interface{}{"contract": arb, "shares": shares, "reserve": reserve}).Info("Added collateralized share")
	}
	return nil
}

func (p *Pipeline) addInterest(ctx context.Context, arb string, def *adapter.Definition) error {
	shares, err := p.stringVar(ctx, arb, "shares_asset")
	if err != nil {
		return err
	}
	deposit := def.Param("deposit_aa")
	depositDef, err := p.ledger.GetDefinition(ctx, deposit)
	if err != nil {
		return err
	}
	if depositDef == nil {
		return apperrors.NewInconsistentStateError(arb, "deposit contract "+deposit+" has no definition")
	}
	curve := depositDef.Param("curve_aa")
	curveDef, err := p.knownCurve(ctx, arb, curve)
	if err != nil || curveDef == nil {
		return err
	}
	interest, err := p.stringVar(ctx, curve, "asset2")
	if err != nil {
		return err
	}

	spec := types.NewInterestShare(arb, shares, interest)
	if p.registry.add(registration{contract: arb, eligible: []string{shares}, spec: &spec}) {
		p.logger.WithFields(map[string]interface{}{"contract": arb, "shares": shares, "interest": interest}).Info("Added interest share")
	}
	return nil
}

// knownCurve returns the curve's definition, or nil when the curve was
// deployed from a foreign template.
func (p *Pipeline) knownCurve(ctx context.Context, owner, curve string) (*adapter.Definition, error) {
	def, err := p.ledger.GetDefinition(ctx, curve)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, apperrors.NewInconsistentStateError(owner, "curve "+curve+" has no definition")
	}
	if !p.templates.isCurve(def.BaseAA) {
		p.logger.WithFields(map[string]interface{}{
			"contract": owner,
			"curve":    curve,
			"baseAA":   def.BaseAA,
		}).Info("Skipping share on a curve with a foreign template")
		return nil, nil
	}
	return def, nil
}

// refreshPools reads the pool factory and registers every new pool that
// holds at least one eligible reserve.
func (p *Pipeline) refreshPools(ctx context.Context) error {
	if p.templates.PoolFactory == "" {
		return nil
	}
	vars, err := p.ledger.GetStateVars(ctx, p.templates.PoolFactory, poolsPrefix)
	if err != nil {
		return err
	}

	type pool struct{ share, asset0, asset1 string }
	pools := make(map[string]*pool)
	for name, v := range vars {
		rest := strings.TrimPrefix(name, poolsPrefix)
		addr, field, ok := strings.Cut(rest, ".")
		if !ok {
			continue
		}
		if !types.IsValidAddress(addr) {
			return apperrors.NewInconsistentStateError(p.templates.PoolFactory, "bad pool address "+addr)
		}
		value, _ := v.(string)
		if pools[addr] == nil {
			pools[addr] = &pool{}
		}
		switch field {
		case "asset":
			pools[addr].share = value
		case "asset0":
			pools[addr].asset0 = value
		case "asset1":
			pools[addr].asset1 = value
		}
	}

	addrs := make([]string, 0, len(pools))
	for addr := range pools {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	for _, addr := range addrs {
		pl := pools[addr]
		if pl.share == "" || pl.asset0 == "" || pl.asset1 == "" || p.registry.Known(addr) {
			continue
		}
		if !p.registry.IsEligible(pl.asset0) && !p.registry.IsEligible(pl.asset1) {
			continue
		}
		spec := types.NewPoolShare(addr, pl.share, pl.asset0, pl.asset1)
		if p.registry.add(registration{contract: addr, eligible: []string{pl.share}, spec: &spec}) {
			p.logger.WithFields(map[string]interface{}{"pool": addr, "share": pl.share}).Info("Added pool share")
		}
	}
	return nil
}

func (p *Pipeline) stringVar(ctx context.Context, contract, name string) (string, error) {
	v, err := p.ledger.GetStateVar(ctx, contract, name)
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	if s == "" {
		return "", apperrors.NewInconsistentStateError(contract, "state variable "+name+" is not set")
	}
	return s, nil
}

func (p *Pipeline) watch(address string) {
	if p.watcher == nil {
		return
	}
	if err := p.watcher.Watch(address); err != nil {
		p.logger.WithField("address", address).WithError(err).Warn("Failed to watch contract")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func nonEmpty(list []string) []string {
	var out []string
	for _, v := range list {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
