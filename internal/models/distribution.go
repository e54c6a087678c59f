// Package models provides data models for the referral distributor.
package models

import (
	"encoding/json"
	"time"
)

// DistributionState is the lifecycle stage of a reward period
type DistributionState string

const (
	// StatePending is an open period accruing balances
	StatePending DistributionState = "pending"
	// StateFrozen has a final snapshot and rewards
	StateFrozen DistributionState = "frozen"
	// StateFunding is waiting for the payout asset acquisition to confirm
	StateFunding DistributionState = "funding"
	// StatePaying is issuing payment batches
	StatePaying DistributionState = "paying"
	// StateCompleted is terminal
	StateCompleted DistributionState = "completed"
)

// Distribution represents one reward period
type Distribution struct {
	ID                   int64      `json:"distributionId" db:"distribution_id"`
	CreationDate         time.Time  `json:"creationDate" db:"creation_date"`
	DistributionDate     time.Time  `json:"distributionDate" db:"distribution_date"`
	SnapshotTime         *time.Time `json:"snapshotTime,omitempty" db:"snapshot_time"`
	IsFrozen             bool       `json:"isFrozen" db:"is_frozen"`
	IsCompleted          bool       `json:"isCompleted" db:"is_completed"`
	BoughtPayoutAsset    bool       `json:"boughtPayoutAsset" db:"bought_payout_asset"`
	AcquisitionRef       *string    `json:"acquisitionRef,omitempty" db:"acquisition_ref"`
	TotalUSDBalance      float64    `json:"totalUsdBalance" db:"total_usd_balance"`
	TotalUnscaledRewards float64    `json:"totalUnscaledRewards" db:"total_unscaled_rewards"`
	TotalRewards         float64    `json:"totalRewards" db:"total_rewards"`
}

// State derives the lifecycle stage from the persisted flags
func (d *Distribution) State() DistributionState {
	switch {
	case d.IsCompleted:
		return StateCompleted
	case !d.IsFrozen:
		return StatePending
	case d.BoughtPayoutAsset:
		return StatePaying
	case d.AcquisitionRef != nil:
		return StateFunding
	default:
		return StateFrozen
	}
}

// Due reports whether the period's distribution date has been reached
func (d *Distribution) Due(now time.Time) bool {
	return !now.Before(d.DistributionDate)
}

// BalanceSnapshot is a holder's valued balances for one distribution
type BalanceSnapshot struct {
	DistributionID int64           `json:"distributionId" db:"distribution_id"`
	Address        string          `json:"address" db:"address"`
	USDBalance     float64         `json:"usdBalance" db:"usd_balance"`
	Details        json.RawMessage `json:"details,omitempty" db:"details"`
}

// RewardEntry is one holder's computed reward for a distribution
type RewardEntry struct {
	DistributionID        int64   `json:"distributionId" db:"distribution_id"`
	Address               string  `json:"address" db:"address"`
	USDReward             float64 `json:"usdReward" db:"usd_reward"`
	Share                 float64 `json:"share" db:"share"`
	RewardInSmallestUnits int64   `json:"rewardInSmallestUnits" db:"reward_in_smallest_units"`
	PaymentUnit           *string `json:"paymentUnit,omitempty" db:"payment_unit"`
}

// Paid reports whether a payment has been recorded for the entry
func (r *RewardEntry) Paid() bool {
	return r.PaymentUnit != nil
}
