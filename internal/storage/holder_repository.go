package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/referral-distributor/internal/errors"
	"github.com/referral-distributor/internal/models"
)

// HolderRepository handles holders, their referrer links and the suspended
// referrer list
type HolderRepository struct {
	db *PostgresDB
}

// NewHolderRepository creates a new holder repository
func NewHolderRepository(db *PostgresDB) *HolderRepository {
	return &HolderRepository{db: db}
}

// Insert records a holder unless it is already known. The first recorded
// referrer wins. It reports whether a row was inserted.
func (r *HolderRepository) Insert(ctx context.Context, h *models.Holder) (bool, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		INSERT INTO holders (address, referrer_address, first_unit, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address) DO NOTHING
	`, h.Address, h.ReferrerAddress, h.FirstUnit, h.CreatedAt)
	if err != nil {
		return false, apperrors.NewDatabaseError("insert holder", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get returns a holder or a not found error
func (r *HolderRepository) Get(ctx context.Context, address string) (*models.Holder, error) {
	var h models.Holder
	err := r.db.Pool().QueryRow(ctx, `
		SELECT address, referrer_address, first_unit, created_at
		FROM holders WHERE address = $1
	`, address).Scan(&h.Address, &h.ReferrerAddress, &h.FirstUnit, &h.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("holder", address)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get holder", err)
	}
	return &h, nil
}

// List returns all holders ordered by address
func (r *HolderRepository) List(ctx context.Context) ([]models.Holder, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT address, referrer_address, first_unit, created_at
		FROM holders ORDER BY address
	`)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list holders", err)
	}
	defer rows.Close()

	var out []models.Holder
	for rows.Next() {
		var h models.Holder
		if err := rows.Scan(&h.Address, &h.ReferrerAddress, &h.FirstUnit, &h.CreatedAt); err != nil {
			return nil, apperrors.NewDatabaseError("scan holder", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate holders", err)
	}
	return out, nil
}

// SuspendedReferrers returns the referrers excluded from rewards
func (r *HolderRepository) SuspendedReferrers(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT address FROM suspended_referrers`)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list suspended referrers", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var address string
		if err := rows.Scan(&address); err != nil {
			return nil, apperrors.NewDatabaseError("scan suspended referrer", err)
		}
		out[address] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate suspended referrers", err)
	}
	return out, nil
}

// Suspend adds address to the suspended referrer list
func (r *HolderRepository) Suspend(ctx context.Context, address string) error {
	_, err := r.db.Pool().Exec(ctx, `INSERT INTO suspended_referrers (address) VALUES ($1) ON CONFLICT DO NOTHING`, address)
	if err != nil {
		return apperrors.NewDatabaseError("suspend referrer", err)
	}
	return nil
}

const holderViewQuery = `
	SELECT h.address, h.referrer_address, b.usd_balance, rw.reward_in_smallest_units, rw.usd_reward, rw.share
	FROM holders h
	LEFT JOIN balances b ON b.address = h.address AND b.distribution_id = $1
	LEFT JOIN rewards rw ON rw.address = h.address AND rw.distribution_id = $1
`

func scanHolderView(row pgx.Row) (*models.HolderView, error) {
	var v models.HolderView
	if err := row.Scan(&v.Address, &v.ReferrerAddress, &v.USDBalance, &v.RewardInSmallestUnits, &v.USDReward, &v.Share); err != nil {
		return nil, err
	}
	return &v, nil
}

// View returns a holder joined with its rows in a distribution
func (r *HolderRepository) View(ctx context.Context, distributionID int64, address string) (*models.HolderView, error) {
	v, err := scanHolderView(r.db.Pool().QueryRow(ctx, holderViewQuery+` WHERE h.address = $2`, distributionID, address))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("holder", address)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get holder view", err)
	}
	return v, nil
}

// Referrals returns the holders referred by referrer, largest balance first
func (r *HolderRepository) Referrals(ctx context.Context, distributionID int64, referrer string) ([]models.HolderView, error) {
	rows, err := r.db.Pool().Query(ctx,
		holderViewQuery+` WHERE h.referrer_address = $2 ORDER BY b.usd_balance DESC NULLS LAST, h.address`,
		distributionID, referrer)
	if err != nil {
		return nil, apperrors.NewDatabaseError("query referrals", err)
	}
	defer rows.Close()

	var out []models.HolderView
	for rows.Next() {
		v, err := scanHolderView(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan referral", err)
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate referrals", err)
	}
	return out, nil
}
