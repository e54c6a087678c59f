package distribution

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/referral-distributor/internal/adapter"
	apperrors "github.com/referral-distributor/internal/errors"
	"github.com/referral-distributor/internal/logging"
	"github.com/referral-distributor/internal/metrics"
	"github.com/referral-distributor/internal/models"
)

// slippage is added to the quoted reserve amount
var slippage = decimal.NewFromFloat(1.01)

// exchangeQuote is the result of the payout curve's get_exchange_result getter
type exchangeQuote struct {
	ReserveNeeded float64 `json:"reserve_needed"`
	FeePercent    float64 `json:"fee_percent"`
}

// RequiredAmount is the payout asset amount still owed by d, in smallest
// units: the sum of its unpaid frozen rewards
func (m *Machine) RequiredAmount(ctx context.Context, d *models.Distribution) (int64, error) {
	return m.deps.Store.UnpaidTotal(ctx, d.ID)
}

// fund reports whether the operator holds enough payout asset for d. When it
// does not, it submits an acquisition unless one is already in flight.
func (m *Machine) fund(ctx context.Context, d *models.Distribution) (bool, error) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"component":       "distribution",
		"distribution_id": d.ID,
	})

	need, err := m.RequiredAmount(ctx, d)
	if err != nil {
		return false, err
	}
	balances, err := m.deps.Ledger.GetTotalWalletBalances(ctx, m.cfg.OperatorAddress)
	if err != nil {
		return false, err
	}
	have := balances[m.cfg.PayoutAsset]
	if have >= need {
		logger.WithFields(map[string]interface{}{"have": have, "need": need}).Info("Operator holds enough payout asset")
		metrics.AcquisitionTotal.WithLabelValues("sufficient").Inc()
		return true, nil
	}

	pending, err := m.deps.Ledger.ListPendingPayments(ctx, m.cfg.OperatorAddress, m.cfg.PayoutCurve)
	if err != nil {
		return false, err
	}
	if len(pending) > 0 {
		logger.WithField("unit", pending[0]).Info("Payout asset acquisition in flight")
		metrics.AcquisitionTotal.WithLabelValues("in_flight").Inc()
		return false, nil
	}

	var quote exchangeQuote
	if err := m.deps.Ledger.ExecuteGetter(ctx, m.cfg.PayoutCurve, "get_exchange_result", []interface{}{0, need}, &quote); err != nil {
		return false, fmt.Errorf("failed to quote acquisition: %w", err)
	}
	if quote.FeePercent > m.cfg.MaxFeePercent {
		logger.WithError(apperrors.NewFeeTooHighError(quote.FeePercent, m.cfg.MaxFeePercent)).Warn("Acquisition postponed")
		metrics.AcquisitionTotal.WithLabelValues("fee_too_high").Inc()
		return false, nil
	}

	amount := decimal.NewFromFloat(quote.ReserveNeeded).Mul(slippage).Ceil().IntPart()
	unit, err := m.deps.Wallet.SendPayment(ctx, m.cfg.PayoutCurve, amount, map[string]interface{}{"tokens2": need})
	if err != nil {
		metrics.AcquisitionTotal.WithLabelValues("failed").Inc()
		return false, err
	}
	if err := m.deps.Store.SetAcquisitionRef(ctx, d.ID, &unit); err != nil {
		return false, err
	}

	logger.WithFields(map[string]interface{}{
		"unit":   unit,
		"have":   have,
		"need":   need,
		"amount": amount,
		"fee":    quote.FeePercent,
	}).Info("Submitted payout asset acquisition")
	metrics.AcquisitionTotal.WithLabelValues("submitted").Inc()
	return false, nil
}

// OnConfirmed handles the payout curve's response to a transaction. A
// response to the pending acquisition resumes Settle; a bounced one clears
// the acquisition so the next tick quotes again. It reports whether the
// response belonged to the pending acquisition.
func (m *Machine) OnConfirmed(ctx context.Context, resp adapter.AAResponse) (bool, error) {
	if resp.AAAddress != m.cfg.PayoutCurve {
		return false, nil
	}
	d, err := m.deps.Store.GetOpen(ctx)
	if err != nil {
		return false, err
	}
	if d == nil || d.AcquisitionRef == nil || *d.AcquisitionRef != resp.TriggerUnit {
		return false, nil
	}

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"component":       "distribution",
		"distribution_id": d.ID,
		"unit":            resp.TriggerUnit,
	})

	if resp.Bounced {
		logger.WithField("error", resp.Error).Warn("Payout asset acquisition bounced")
		metrics.AcquisitionTotal.WithLabelValues("bounced").Inc()
		return true, m.deps.Store.SetAcquisitionRef(ctx, d.ID, nil)
	}

	logger.Info("Payout asset acquisition confirmed")
	metrics.AcquisitionTotal.WithLabelValues("confirmed").Inc()
	return true, m.Settle(ctx)
}
