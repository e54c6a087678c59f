// Package rewards computes the capped referral reward split for one
// distribution period.
package rewards

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Holder is a participant with its valued balance and optional referrer
type Holder struct {
	Address    string
	Referrer   string
	USDBalance float64
}

// Params are the reward rates and payout conversion of one computation
type Params struct {
	ReferrerRate float64
	ReferredRate float64
	Cap          float64

	// GrowthFactor converts USD to payout asset display units
	GrowthFactor float64
	Decimals     int

	Suspended map[string]struct{}
}

// Reward is one address's reward
type Reward struct {
	Address        string
	USD            float64
	Share          float64
	SmallestUnits  int64
	UnscaledAmount float64
}

// Result is the outcome of one computation
type Result struct {
	Rewards       []Reward
	TotalBalance  float64
	TotalUnscaled float64
	Total         float64
}

// Compute splits rewards between holders and their referrers. Only direct
// referrals earn: a referrer's own referrer gets nothing from the chain.
func Compute(holders []Holder, p Params) (*Result, error) {
	result := &Result{}
	unscaled := make(map[string]float64)

	for _, h := range holders {
		result.TotalBalance += h.USDBalance
		if h.Referrer == "" {
			continue
		}
		if _, suspended := p.Suspended[h.Referrer]; suspended {
			continue
		}
		referred := p.ReferredRate * h.USDBalance
		referrer := p.ReferrerRate * h.USDBalance
		unscaled[h.Address] += referred
		unscaled[h.Referrer] += referrer
		result.TotalUnscaled += referred + referrer
	}

	if result.TotalUnscaled == 0 {
		return result, nil
	}
	if p.GrowthFactor <= 0 {
		return nil, fmt.Errorf("invalid growth factor %v", p.GrowthFactor)
	}

	result.Total = result.TotalUnscaled
	scaled := result.TotalUnscaled > p.Cap
	if scaled {
		result.Total = p.Cap
	}

	growth := decimal.NewFromFloat(p.GrowthFactor)
	for address, amount := range unscaled {
		usd := amount
		if scaled {
			usd = amount * p.Cap / result.TotalUnscaled
		}
		result.Rewards = append(result.Rewards, Reward{
			Address:        address,
			USD:            usd,
			Share:          usd / result.Total,
			SmallestUnits:  ToSmallestUnits(usd, growth, p.Decimals),
			UnscaledAmount: amount,
		})
	}
	sort.Slice(result.Rewards, func(i, j int) bool {
		return result.Rewards[i].Address < result.Rewards[j].Address
	})
	return result, nil
}

// ToSmallestUnits converts a USD amount to payout asset smallest units,
// truncating toward zero
func ToSmallestUnits(usd float64, growth decimal.Decimal, decimals int) int64 {
	return decimal.NewFromFloat(usd).Div(growth).Shift(int32(decimals)).Truncate(0).IntPart()
}
