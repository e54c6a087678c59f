package models

import "time"

// Holder is a participant address and its immutable referrer link
type Holder struct {
	Address         string    `json:"address" db:"address"`
	ReferrerAddress *string   `json:"referrerAddress,omitempty" db:"referrer_address"`
	FirstUnit       string    `json:"firstUnit" db:"first_unit"`
	CreatedAt       time.Time `json:"createdAt" db:"created_at"`
}

// HolderView joins a holder with its rows in one distribution
type HolderView struct {
	Address               string   `json:"address"`
	ReferrerAddress       *string  `json:"referrerAddress,omitempty"`
	USDBalance            *float64 `json:"usdBalance"`
	RewardInSmallestUnits *int64   `json:"rewardInSmallestUnits"`
	USDReward             *float64 `json:"usdReward"`
	Share                 *float64 `json:"share"`
}
