// Package distribution runs the reward period lifecycle: it snapshots
// balances, computes rewards, acquires the payout asset and pays holders in
// bounded batches.
package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/referral-distributor/internal/adapter"
	"github.com/referral-distributor/internal/alert"
	"github.com/referral-distributor/internal/logging"
	"github.com/referral-distributor/internal/metrics"
	"github.com/referral-distributor/internal/models"
	"github.com/referral-distributor/internal/rewards"
	"github.com/referral-distributor/internal/storage"
	"github.com/referral-distributor/internal/types"
)

// Store persists distributions and their rows
type Store interface {
	GetOpen(ctx context.Context) (*models.Distribution, error)
	GetLatest(ctx context.Context) (*models.Distribution, error)
	Create(ctx context.Context, creationDate, distributionDate time.Time) (*models.Distribution, error)
	ReplaceSnapshot(ctx context.Context, id int64, s *storage.Snapshot) error
	SetAcquisitionRef(ctx context.Context, id int64, ref *string) error
	MarkBought(ctx context.Context, id int64) error
	Complete(ctx context.Context, id int64) error
	UnpaidRewards(ctx context.Context, id int64, limit int) ([]models.RewardEntry, error)
	UnpaidTotal(ctx context.Context, id int64) (int64, error)
	MarkPaid(ctx context.Context, id int64, unit string, addresses []string) (int64, error)
}

// HolderStore lists the holders rewards are computed over
type HolderStore interface {
	List(ctx context.Context) ([]models.Holder, error)
	SuspendedReferrers(ctx context.Context) (map[string]struct{}, error)
}

// PriceSource is the price oracle
type PriceSource interface {
	UpdatePrices(ctx context.Context) error
	Prices() (*types.PriceTable, error)
}

// BalanceSource is the balance aggregator
type BalanceSource interface {
	Refresh(ctx context.Context) error
	HoldingsOf(ctx context.Context, addresses []string, prices *types.PriceTable) (map[string]*types.Holdings, error)
}

// Ledger is the part of the ledger query interface the machine reads
type Ledger interface {
	GetTotalWalletBalances(ctx context.Context, address string) (map[string]int64, error)
	ExecuteGetter(ctx context.Context, contract, getter string, args []interface{}, out interface{}) error
	ListOutputs(ctx context.Context, author, asset string, since time.Time) ([]adapter.PaymentOutput, error)
	ListPendingPayments(ctx context.Context, from, to string) ([]string, error)
}

// Config holds the machine's settings
type Config struct {
	OperatorAddress string
	PayoutAsset     string
	PayoutCurve     string
	PayoutDecimals  int

	Interval      time.Duration
	ReferrerRate  float64
	ReferredRate  float64
	Cap           float64
	MaxFeePercent float64
	BatchSize     int
	RetryDelay    time.Duration
}

// Validate checks the settings and fills defaults
func (c *Config) Validate() error {
	if c.OperatorAddress == "" || c.PayoutAsset == "" || c.PayoutCurve == "" {
		return errors.New("operator address, payout asset and payout curve are required")
	}
	if c.Interval <= 0 {
		return errors.New("interval must be greater than 0")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", c.BatchSize)
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 300 * time.Second
	}
	return nil
}

// Deps are the machine's collaborators. Notifier and Clock are optional.
type Deps struct {
	Store    Store
	Holders  HolderStore
	Prices   PriceSource
	Balances BalanceSource
	Ledger   Ledger
	Wallet   adapter.LedgerWriter
	Notifier alert.Notifier
	Clock    clockwork.Clock
}

// Machine drives distributions through pending, frozen, funding, paying and
// completed. Advance and Settle are each single-flight: a call made while
// another is running returns immediately.
type Machine struct {
	cfg   Config
	deps  Deps
	clock clockwork.Clock

	paymentAlerts *alert.OnceNotifier

	freezeMu sync.Mutex
	payMu    sync.Mutex

	retryMu    sync.Mutex
	retryTimer clockwork.Timer
	baseCtx    context.Context
}

// New creates a machine
func New(cfg Config, deps Deps) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Notifier == nil {
		deps.Notifier = alert.LogNotifier{}
	}
	return &Machine{
		cfg:           cfg,
		deps:          deps,
		clock:         deps.Clock,
		paymentAlerts: alert.NewOnceNotifier(deps.Notifier),
		baseCtx:       context.Background(),
	}, nil
}

// SetBaseContext sets the context delayed retries run with
func (m *Machine) SetBaseContext(ctx context.Context) {
	m.retryMu.Lock()
	m.baseCtx = ctx
	m.retryMu.Unlock()
}

// Tick runs Advance then Settle
func (m *Machine) Tick(ctx context.Context) error {
	if err := m.Advance(ctx); err != nil {
		return fmt.Errorf("advance: %w", err)
	}
	if err := m.Settle(ctx); err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	return nil
}

// Advance opens a distribution when none is open and recomputes the open
// distribution's snapshot, freezing it once its date has been reached
func (m *Machine) Advance(ctx context.Context) error {
	if !m.freezeMu.TryLock() {
		logging.FromContext(ctx).Debug("Advance already running")
		return nil
	}
	defer m.freezeMu.Unlock()

	logger := logging.FromContext(ctx).WithField("component", "distribution")

	d, err := m.openDistribution(ctx)
	if err != nil || d == nil {
		return err
	}
	if d.IsFrozen {
		logger.WithField("distribution_id", d.ID).Debug("Distribution is frozen, paying out")
		return nil
	}

	now := m.clock.Now()
	snapshot, err := m.computeSnapshot(ctx)
	if err != nil {
		return err
	}
	snapshot.SnapshotTime = now
	snapshot.Freeze = d.Due(now)

	if err := m.deps.Store.ReplaceSnapshot(ctx, d.ID, snapshot); err != nil {
		return err
	}

	logger.WithFields(map[string]interface{}{
		"distribution_id": d.ID,
		"holders":         len(snapshot.Balances),
		"rewards":         len(snapshot.Rewards),
		"total_usd":       snapshot.TotalUSDBalance,
		"total_rewards":   snapshot.TotalRewards,
		"frozen":          snapshot.Freeze,
	}).Info("Updated distribution snapshot")
	return nil
}

// openDistribution returns the open distribution, creating the next one
// when the previous has completed
func (m *Machine) openDistribution(ctx context.Context) (*models.Distribution, error) {
	d, err := m.deps.Store.GetOpen(ctx)
	if err != nil || d != nil {
		return d, err
	}

	now := m.clock.Now()
	due := now
	latest, err := m.deps.Store.GetLatest(ctx)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		due = latest.DistributionDate.Add(m.cfg.Interval)
	}

	d, err = m.deps.Store.Create(ctx, now, due)
	if errors.Is(err, storage.ErrNotOpen) {
		return m.deps.Store.GetOpen(ctx)
	}
	if err != nil {
		return nil, err
	}
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"distribution_id":   d.ID,
		"distribution_date": d.DistributionDate,
	}).Info("Opened distribution")
	return d, nil
}

// balanceDetails is the stored JSON detail of a balance row
type balanceDetails struct {
	Wallet    map[string]types.BalanceDetail `json:"walletBalanceDetails"`
	Contracts map[string]types.BalanceDetail `json:"contractBalanceDetails"`
}

func (m *Machine) computeSnapshot(ctx context.Context) (*storage.Snapshot, error) {
	if err := m.deps.Prices.UpdatePrices(ctx); err != nil {
		return nil, fmt.Errorf("failed to update prices: %w", err)
	}
	prices, err := m.deps.Prices.Prices()
	if err != nil {
		return nil, err
	}

	growth, err := m.growthFactor(ctx)
	if err != nil {
		return nil, err
	}

	if err := m.deps.Balances.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("failed to refresh balances: %w", err)
	}

	holders, err := m.deps.Holders.List(ctx)
	if err != nil {
		return nil, err
	}
	suspended, err := m.deps.Holders.SuspendedReferrers(ctx)
	if err != nil {
		return nil, err
	}

	addresses := make([]string, len(holders))
	for i, h := range holders {
		addresses[i] = h.Address
	}
	holdings, err := m.deps.Balances.HoldingsOf(ctx, addresses, prices)
	if err != nil {
		return nil, err
	}

	snapshot := &storage.Snapshot{}
	inputs := make([]rewards.Holder, 0, len(holders))
	for _, h := range holders {
		hd := holdings[h.Address]
		if hd == nil {
			hd = &types.Holdings{Address: h.Address}
		}
		details, err := json.Marshal(balanceDetails{Wallet: hd.WalletDetail, Contracts: hd.ContractDetail})
		if err != nil {
			return nil, fmt.Errorf("failed to encode balance details: %w", err)
		}
		snapshot.Balances = append(snapshot.Balances, models.BalanceSnapshot{
			Address:    h.Address,
			USDBalance: hd.USDTotal,
			Details:    details,
		})

		in := rewards.Holder{Address: h.Address, USDBalance: hd.USDTotal}
		if h.ReferrerAddress != nil {
			in.Referrer = *h.ReferrerAddress
		}
		inputs = append(inputs, in)
	}

	result, err := rewards.Compute(inputs, rewards.Params{
		ReferrerRate: m.cfg.ReferrerRate,
		ReferredRate: m.cfg.ReferredRate,
		Cap:          m.cfg.Cap,
		GrowthFactor: growth,
		Decimals:     m.cfg.PayoutDecimals,
		Suspended:    suspended,
	})
	if err != nil {
		return nil, err
	}

	snapshot.TotalUSDBalance = result.TotalBalance
	snapshot.TotalUnscaledRewards = result.TotalUnscaled
	snapshot.TotalRewards = result.Total
	for _, r := range result.Rewards {
		snapshot.Rewards = append(snapshot.Rewards, models.RewardEntry{
			Address:               r.Address,
			USDReward:             r.USD,
			Share:                 r.Share,
			RewardInSmallestUnits: r.SmallestUnits,
		})
	}
	metrics.Holders.Set(float64(len(holders)))
	return snapshot, nil
}

func (m *Machine) growthFactor(ctx context.Context) (float64, error) {
	var growth float64
	if err := m.deps.Ledger.ExecuteGetter(ctx, m.cfg.PayoutCurve, "get_growth_factor", nil, &growth); err != nil {
		return 0, fmt.Errorf("failed to read growth factor: %w", err)
	}
	return growth, nil
}

// Settle funds and pays the frozen distribution, batch after batch, and
// completes it when no unpaid rewards remain
func (m *Machine) Settle(ctx context.Context) error {
	if !m.payMu.TryLock() {
		logging.FromContext(ctx).Debug("Settle already running")
		return nil
	}
	defer m.payMu.Unlock()

	logger := logging.FromContext(ctx).WithField("component", "distribution")

	for {
		d, err := m.deps.Store.GetOpen(ctx)
		if err != nil {
			return err
		}
		if d == nil || !d.IsFrozen {
			return nil
		}
		if !d.BoughtPayoutAsset {
			funded, err := m.fund(ctx, d)
			if err != nil || !funded {
				return err
			}
			if err := m.deps.Store.MarkBought(ctx, d.ID); err != nil {
				return err
			}
			d.BoughtPayoutAsset = true
		}

		batch, err := m.nextBatch(ctx, d)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			if err := m.deps.Store.Complete(ctx, d.ID); err != nil {
				return err
			}
			logger.WithField("distribution_id", d.ID).Info("Distribution completed")
			return nil
		}

		if err := m.pay(ctx, d, batch); err != nil {
			m.scheduleRetry()
			return err
		}
	}
}

// nextBatch selects up to BatchSize unpaid rewards, smallest first. A reward
// matching an operator output sent after the snapshot is recorded as paid by
// that output instead of being paid again.
func (m *Machine) nextBatch(ctx context.Context, d *models.Distribution) ([]models.RewardEntry, error) {
	var since time.Time
	if d.SnapshotTime != nil {
		since = *d.SnapshotTime
	}
	outputs, err := m.deps.Ledger.ListOutputs(ctx, m.cfg.OperatorAddress, m.cfg.PayoutAsset, since)
	if err != nil {
		return nil, err
	}
	sent := make(map[types.Output]string, len(outputs))
	for _, o := range outputs {
		sent[types.Output{Address: o.Address, Amount: o.Amount}] = o.Unit
	}

	unpaid, err := m.deps.Store.UnpaidRewards(ctx, d.ID, m.cfg.BatchSize+len(sent))
	if err != nil {
		return nil, err
	}

	batch := make([]models.RewardEntry, 0, m.cfg.BatchSize)
	for _, r := range unpaid {
		if unit, ok := sent[types.Output{Address: r.Address, Amount: r.RewardInSmallestUnits}]; ok {
			if _, err := m.deps.Store.MarkPaid(ctx, d.ID, unit, []string{r.Address}); err != nil {
				return nil, err
			}
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"address": r.Address,
				"unit":    unit,
			}).Warn("Reward already paid on the ledger, recorded existing payment")
			continue
		}
		if len(batch) < m.cfg.BatchSize {
			batch = append(batch, r)
		}
	}
	return batch, nil
}

func (m *Machine) pay(ctx context.Context, d *models.Distribution, batch []models.RewardEntry) error {
	outputs := make([]types.Output, len(batch))
	addresses := make([]string, len(batch))
	for i, r := range batch {
		outputs[i] = types.Output{Address: r.Address, Amount: r.RewardInSmallestUnits}
		addresses[i] = r.Address
	}

	unit, err := m.deps.Wallet.SendMultiPayment(ctx, m.cfg.PayoutAsset, outputs)
	if err != nil {
		metrics.PaymentBatchesTotal.WithLabelValues("failed").Inc()
		m.paymentAlerts.Notify(ctx, "a payment failed", err)
		return err
	}
	m.paymentAlerts.Reset()
	metrics.PaymentBatchesTotal.WithLabelValues("sent").Inc()

	n, err := m.deps.Store.MarkPaid(ctx, d.ID, unit, addresses)
	if err != nil {
		return fmt.Errorf("payment %s sent but not recorded: %w", unit, err)
	}
	metrics.PaidOutputsTotal.Add(float64(n))

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"distribution_id": d.ID,
		"unit":            unit,
		"outputs":         len(outputs),
	}).Info("Sent payment batch")
	return nil
}

// scheduleRetry runs Settle again after the retry delay. A pending retry is
// replaced.
func (m *Machine) scheduleRetry() {
	m.retryMu.Lock()
	defer m.retryMu.Unlock()

	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	ctx := m.baseCtx
	m.retryTimer = m.clock.AfterFunc(m.cfg.RetryDelay, func() {
		if ctx.Err() != nil {
			return
		}
		if err := m.Settle(ctx); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Payment retry failed")
		}
	})
}

// Close stops a pending payment retry
func (m *Machine) Close() {
	m.retryMu.Lock()
	defer m.retryMu.Unlock()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}
