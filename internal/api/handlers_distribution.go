package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	apperrors "github.com/referral-distributor/internal/errors"
	"github.com/referral-distributor/internal/models"
	"github.com/referral-distributor/internal/types"
)

// DistributionResponse is one distribution with its balance and reward rows
type DistributionResponse struct {
	DistributionID   int64         `json:"distribution_id"`
	DistributionDate time.Time     `json:"distribution_date"`
	LastUpdated      *time.Time    `json:"last_updated"`
	IsFrozen         bool          `json:"is_frozen"`
	IsCompleted      bool          `json:"is_completed"`
	TotalUSDBalance  float64       `json:"total_usd_balance"`
	TotalRewards     float64       `json:"total_rewards"`
	Balances         []BalanceItem `json:"balances"`
	Rewards          []RewardItem  `json:"rewards"`
}

// BalanceItem is one holder's valued balance
type BalanceItem struct {
	Address    string  `json:"address"`
	USDBalance float64 `json:"usd_balance"`
}

// RewardItem is one address's reward
type RewardItem struct {
	Address               string  `json:"address"`
	RewardInSmallestUnits int64   `json:"reward_in_smallest_units"`
	USDReward             float64 `json:"usd_reward"`
	Share                 float64 `json:"share"`
	PaymentUnit           *string `json:"payment_unit,omitempty"`
}

// HolderItem is a holder joined with its rows in one distribution
type HolderItem struct {
	Address               string   `json:"address"`
	ReferrerAddress       *string  `json:"referrer_address,omitempty"`
	USDBalance            *float64 `json:"usd_balance"`
	RewardInSmallestUnits *int64   `json:"reward_in_smallest_units"`
	USDReward             *float64 `json:"usd_reward"`
	Share                 *float64 `json:"share"`
}

// ReferralsResponse is an address's own rows and the holders it referred
type ReferralsResponse struct {
	DistributionID   int64        `json:"distribution_id"`
	DistributionDate time.Time    `json:"distribution_date"`
	LastUpdated      *time.Time   `json:"last_updated"`
	MyInfo           *HolderItem  `json:"my_info"`
	Referrals        []HolderItem `json:"referrals"`
}

// UserItem is a holder and its referrer link
type UserItem struct {
	Address         string  `json:"address"`
	ReferrerAddress *string `json:"referrer_address"`
	FirstUnit       string  `json:"first_unit"`
}

func holderItem(v models.HolderView) HolderItem {
	return HolderItem{
		Address:               v.Address,
		ReferrerAddress:       v.ReferrerAddress,
		USDBalance:            v.USDBalance,
		RewardInSmallestUnits: v.RewardInSmallestUnits,
		USDReward:             v.USDReward,
		Share:                 v.Share,
	}
}

// handleGetDistribution serves a distribution by numeric id, "next" (the
// newest, possibly still open) or "latest" (the newest completed)
func (s *Server) handleGetDistribution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	var (
		d   *models.Distribution
		err error
	)
	switch id {
	case "next":
		d, err = s.deps.Distributions.GetLatest(ctx)
	case "latest":
		d, err = s.deps.Distributions.GetLatestCompleted(ctx)
	default:
		n, parseErr := strconv.ParseInt(id, 10, 64)
		if parseErr != nil || n <= 0 {
			respondError(w, r, apperrors.NewInvalidParameterError("distribution_id", "invalid distribution_id: "+id))
			return
		}
		d, err = s.deps.Distributions.GetByID(ctx, n)
	}
	if err != nil {
		respondError(w, r, err)
		return
	}
	if d == nil {
		respondError(w, r, apperrors.NewNotFoundError("distribution", id))
		return
	}

	balances, err := s.deps.Distributions.Balances(ctx, d.ID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	rewards, err := s.deps.Distributions.Rewards(ctx, d.ID)
	if err != nil {
		respondError(w, r, err)
		return
	}

	resp := DistributionResponse{
		DistributionID:   d.ID,
		DistributionDate: d.DistributionDate,
		LastUpdated:      d.SnapshotTime,
		IsFrozen:         d.IsFrozen,
		IsCompleted:      d.IsCompleted,
		TotalUSDBalance:  d.TotalUSDBalance,
		TotalRewards:     d.TotalRewards,
		Balances:         make([]BalanceItem, 0, len(balances)),
		Rewards:          make([]RewardItem, 0, len(rewards)),
	}
	for _, b := range balances {
		resp.Balances = append(resp.Balances, BalanceItem{Address: b.Address, USDBalance: b.USDBalance})
	}
	for _, rw := range rewards {
		resp.Rewards = append(resp.Rewards, RewardItem{
			Address:               rw.Address,
			RewardInSmallestUnits: rw.RewardInSmallestUnits,
			USDReward:             rw.USDReward,
			Share:                 rw.Share,
			PaymentUnit:           rw.PaymentUnit,
		})
	}
	respondData(w, resp)
}

// handleGetReferrals serves an address's standing in the newest distribution
func (s *Server) handleGetReferrals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address := mux.Vars(r)["address"]
	if !types.IsValidAddress(address) {
		respondError(w, r, apperrors.NewInvalidParameterError("address", "invalid user address"))
		return
	}

	d, err := s.deps.Distributions.GetLatest(ctx)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if d == nil {
		respondError(w, r, apperrors.NewNotFoundError("distribution", "next"))
		return
	}

	var myInfo *HolderItem
	view, err := s.deps.Holders.View(ctx, d.ID, address)
	switch {
	case err == nil:
		item := holderItem(*view)
		myInfo = &item
	case apperrors.Is(err, apperrors.CategoryNotFound):
		// a referrer that never held anything itself only has a reward row
		reward, err := s.deps.Distributions.Reward(ctx, d.ID, address)
		if err != nil {
			respondError(w, r, err)
			return
		}
		if reward != nil {
			myInfo = &HolderItem{
				Address:               reward.Address,
				RewardInSmallestUnits: &reward.RewardInSmallestUnits,
				USDReward:             &reward.USDReward,
				Share:                 &reward.Share,
			}
		}
	default:
		respondError(w, r, err)
		return
	}

	referrals, err := s.deps.Holders.Referrals(ctx, d.ID, address)
	if err != nil {
		respondError(w, r, err)
		return
	}
	items := make([]HolderItem, 0, len(referrals))
	for _, v := range referrals {
		items = append(items, holderItem(v))
	}

	respondData(w, ReferralsResponse{
		DistributionID:   d.ID,
		DistributionDate: d.DistributionDate,
		LastUpdated:      d.SnapshotTime,
		MyInfo:           myInfo,
		Referrals:        items,
	})
}

// handleListUsers serves all holders
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	holders, err := s.deps.Holders.List(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	users := make([]UserItem, 0, len(holders))
	for _, h := range holders {
		users = append(users, UserItem{Address: h.Address, ReferrerAddress: h.ReferrerAddress, FirstUnit: h.FirstUnit})
	}
	respondData(w, map[string]interface{}{"users": users})
}
