package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/referral-distributor/internal/errors"
	"github.com/referral-distributor/internal/models"
)

// ErrNotOpen is returned when a write targets a distribution that is no
// longer in the state the write expects
var ErrNotOpen = errors.New("distribution is not in the expected state")

const distributionColumns = `
	distribution_id, creation_date, distribution_date, snapshot_time, is_frozen, is_completed,
	bought_payout_asset, acquisition_ref, total_usd_balance, total_unscaled_rewards, total_rewards
`

// Snapshot is the full set of rows written for one distribution
type Snapshot struct {
	Balances             []models.BalanceSnapshot
	Rewards              []models.RewardEntry
	TotalUSDBalance      float64
	TotalUnscaledRewards float64
	TotalRewards         float64
	SnapshotTime         time.Time
	Freeze               bool
}

// DistributionRepository handles distribution, balance and reward persistence
type DistributionRepository struct {
	db *PostgresDB
}

// NewDistributionRepository creates a new distribution repository
func NewDistributionRepository(db *PostgresDB) *DistributionRepository {
	return &DistributionRepository{db: db}
}

func scanDistribution(row pgx.Row) (*models.Distribution, error) {
	var d models.Distribution
	err := row.Scan(
		&d.ID,
		&d.CreationDate,
		&d.DistributionDate,
		&d.SnapshotTime,
		&d.IsFrozen,
		&d.IsCompleted,
		&d.BoughtPayoutAsset,
		&d.AcquisitionRef,
		&d.TotalUSDBalance,
		&d.TotalUnscaledRewards,
		&d.TotalRewards,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// queryOne returns nil without error when no row matches
func (r *DistributionRepository) queryOne(ctx context.Context, query string, args ...interface{}) (*models.Distribution, error) {
	d, err := scanDistribution(r.db.Pool().QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get distribution", err)
	}
	return d, nil
}

// GetOpen returns the distribution that is not completed, or nil
func (r *DistributionRepository) GetOpen(ctx context.Context) (*models.Distribution, error) {
	return r.queryOne(ctx, `SELECT `+distributionColumns+` FROM distributions WHERE NOT is_completed`)
}

// GetLatest returns the distribution with the highest id, or nil
func (r *DistributionRepository) GetLatest(ctx context.Context) (*models.Distribution, error) {
	return r.queryOne(ctx, `SELECT `+distributionColumns+` FROM distributions ORDER BY distribution_id DESC LIMIT 1`)
}

// GetLatestCompleted returns the most recently completed distribution, or nil
func (r *DistributionRepository) GetLatestCompleted(ctx context.Context) (*models.Distribution, error) {
	return r.queryOne(ctx, `SELECT `+distributionColumns+` FROM distributions WHERE is_completed ORDER BY distribution_id DESC LIMIT 1`)
}

// GetByID returns a distribution or a not found error
func (r *DistributionRepository) GetByID(ctx context.Context, id int64) (*models.Distribution, error) {
	d, err := r.queryOne(ctx, `SELECT `+distributionColumns+` FROM distributions WHERE distribution_id = $1`, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, apperrors.NewNotFoundError("distribution", fmt.Sprint(id))
	}
	return d, nil
}

// Create opens a new distribution due at distributionDate. It fails with
// ErrNotOpen when another distribution is still open.
func (r *DistributionRepository) Create(ctx context.Context, creationDate, distributionDate time.Time) (*models.Distribution, error) {
	query := `
		INSERT INTO distributions (creation_date, distribution_date)
		VALUES ($1, $2)
		RETURNING ` + distributionColumns

	d, err := scanDistribution(r.db.Pool().QueryRow(ctx, query, creationDate, distributionDate))
	if isUniqueViolation(err) {
		return nil, ErrNotOpen
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("create distribution", err)
	}
	return d, nil
}

// ReplaceSnapshot deletes and re-inserts the balance and reward rows of an
// unfrozen distribution and updates its totals in one transaction. With
// Freeze set the distribution becomes frozen.
func (r *DistributionRepository) ReplaceSnapshot(ctx context.Context, id int64, s *Snapshot) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE distributions
			SET total_usd_balance = $2, total_unscaled_rewards = $3, total_rewards = $4,
				snapshot_time = $5, is_frozen = $6
			WHERE distribution_id = $1 AND NOT is_frozen AND NOT is_completed
		`, id, s.TotalUSDBalance, s.TotalUnscaledRewards, s.TotalRewards, s.SnapshotTime, s.Freeze)
		if err != nil {
			return apperrors.NewDatabaseError("update distribution totals", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotOpen
		}

		if _, err := tx.Exec(ctx, `DELETE FROM balances WHERE distribution_id = $1`, id); err != nil {
			return apperrors.NewDatabaseError("delete balances", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM rewards WHERE distribution_id = $1`, id); err != nil {
			return apperrors.NewDatabaseError("delete rewards", err)
		}

		balanceRows := make([][]interface{}, 0, len(s.Balances))
		for _, b := range s.Balances {
			balanceRows = append(balanceRows, []interface{}{id, b.Address, b.USDBalance, []byte(b.Details)})
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"balances"},
			[]string{"distribution_id", "address", "usd_balance", "details"},
			pgx.CopyFromRows(balanceRows),
		); err != nil {
			return apperrors.NewDatabaseError("insert balances", err)
		}

		rewardRows := make([][]interface{}, 0, len(s.Rewards))
		for _, rw := range s.Rewards {
			rewardRows = append(rewardRows, []interface{}{id, rw.Address, rw.USDReward, rw.Share, rw.RewardInSmallestUnits})
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"rewards"},
			[]string{"distribution_id", "address", "usd_reward", "share", "reward_in_smallest_units"},
			pgx.CopyFromRows(rewardRows),
		); err != nil {
			return apperrors.NewDatabaseError("insert rewards", err)
		}
		return nil
	})
}

// SetAcquisitionRef records or clears (ref nil) the pending acquisition of a
// frozen distribution
func (r *DistributionRepository) SetAcquisitionRef(ctx context.Context, id int64, ref *string) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE distributions SET acquisition_ref = $2
		WHERE distribution_id = $1 AND is_frozen AND NOT is_completed AND NOT bought_payout_asset
	`, id, ref)
	if err != nil {
		return apperrors.NewDatabaseError("set acquisition ref", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOpen
	}
	return nil
}

// MarkBought records that the operator holds enough payout asset
func (r *DistributionRepository) MarkBought(ctx context.Context, id int64) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE distributions SET bought_payout_asset = TRUE
		WHERE distribution_id = $1 AND is_frozen AND NOT is_completed
	`, id)
	if err != nil {
		return apperrors.NewDatabaseError("mark bought", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOpen
	}
	return nil
}

// Complete marks a frozen distribution completed
func (r *DistributionRepository) Complete(ctx context.Context, id int64) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE distributions SET is_completed = TRUE
		WHERE distribution_id = $1 AND is_frozen AND NOT is_completed
	`, id)
	if err != nil {
		return apperrors.NewDatabaseError("complete distribution", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOpen
	}
	return nil
}

// UnpaidRewards returns up to limit unpaid, nonzero rewards, smallest first
func (r *DistributionRepository) UnpaidRewards(ctx context.Context, id int64, limit int) ([]models.RewardEntry, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT distribution_id, address, usd_reward, share, reward_in_smallest_units, payment_unit
		FROM rewards
		WHERE distribution_id = $1 AND payment_unit IS NULL AND reward_in_smallest_units > 0
		ORDER BY reward_in_smallest_units ASC, address ASC
		LIMIT $2
	`, id, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("query unpaid rewards", err)
	}
	return collectRewards(rows)
}

// UnpaidTotal sums the smallest-unit amounts of id's unpaid rewards
func (r *DistributionRepository) UnpaidTotal(ctx context.Context, id int64) (int64, error) {
	var total int64
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COALESCE(SUM(reward_in_smallest_units), 0)::bigint
		FROM rewards
		WHERE distribution_id = $1 AND payment_unit IS NULL
	`, id).Scan(&total)
	if err != nil {
		return 0, apperrors.NewDatabaseError("sum unpaid rewards", err)
	}
	return total, nil
}

// MarkPaid records unit as the payment of addresses' rewards. Rewards that
// already carry a payment are left untouched.
func (r *DistributionRepository) MarkPaid(ctx context.Context, id int64, unit string, addresses []string) (int64, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE rewards SET payment_unit = $2
		WHERE distribution_id = $1 AND address = ANY($3) AND payment_unit IS NULL
	`, id, unit, addresses)
	if err != nil {
		return 0, apperrors.NewDatabaseError("mark paid", err)
	}
	return tag.RowsAffected(), nil
}

// Balances returns a distribution's balance rows, largest first
func (r *DistributionRepository) Balances(ctx context.Context, id int64) ([]models.BalanceSnapshot, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT distribution_id, address, usd_balance, details
		FROM balances
		WHERE distribution_id = $1
		ORDER BY usd_balance DESC, address ASC
	`, id)
	if err != nil {
		return nil, apperrors.NewDatabaseError("query balances", err)
	}
	defer rows.Close()

	var out []models.BalanceSnapshot
	for rows.Next() {
		var b models.BalanceSnapshot
		if err := rows.Scan(&b.DistributionID, &b.Address, &b.USDBalance, &b.Details); err != nil {
			return nil, apperrors.NewDatabaseError("scan balance", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate balances", err)
	}
	return out, nil
}

// Rewards returns a distribution's reward rows, largest first
func (r *DistributionRepository) Rewards(ctx context.Context, id int64) ([]models.RewardEntry, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT distribution_id, address, usd_reward, share, reward_in_smallest_units, payment_unit
		FROM rewards
		WHERE distribution_id = $1
		ORDER BY usd_reward DESC, address ASC
	`, id)
	if err != nil {
		return nil, apperrors.NewDatabaseError("query rewards", err)
	}
	return collectRewards(rows)
}

// Reward returns one address's reward row, or nil
func (r *DistributionRepository) Reward(ctx context.Context, id int64, address string) (*models.RewardEntry, error) {
	var rw models.RewardEntry
	err := r.db.Pool().QueryRow(ctx, `
		SELECT distribution_id, address, usd_reward, share, reward_in_smallest_units, payment_unit
		FROM rewards
		WHERE distribution_id = $1 AND address = $2
	`, id, address).Scan(&rw.DistributionID, &rw.Address, &rw.USDReward, &rw.Share, &rw.RewardInSmallestUnits, &rw.PaymentUnit)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get reward", err)
	}
	return &rw, nil
}

func collectRewards(rows pgx.Rows) ([]models.RewardEntry, error) {
	defer rows.Close()

	var out []models.RewardEntry
	for rows.Next() {
		var rw models.RewardEntry
		if err := rows.Scan(&rw.DistributionID, &rw.Address, &rw.USDReward, &rw.Share, &rw.RewardInSmallestUnits, &rw.PaymentUnit); err != nil {
			return nil, apperrors.NewDatabaseError("scan reward", err)
		}
		out = append(out, rw)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate rewards", err)
	}
	return out, nil
}
