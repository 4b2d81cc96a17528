/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to programs, rewards, the point ledger and redemptions.
 *
 * Concurrency discipline:
 * - The `point_balances` projection row for a (user, business) pair is the
 *   serialization point. Every balance-affecting transaction locks it with
 *   `FOR UPDATE`, so two concurrent redemptions against the same customer
 *   cannot both pass the balance check, while operations on unrelated
 *   pairs never block each other.
 * - The issued -> consumed transition is a conditional UPDATE on status
 *   inside that same transaction, so only one concurrent attempt can win.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/onecard/loyalty-service/internal/domain"
)

var (
	ErrNoActiveProgram      = errors.New("no active program for business")
	ErrAmbiguousProgram     = errors.New("multiple active programs for business")
	ErrRewardNotFound       = errors.New("reward not found")
	ErrRedemptionNotFound   = errors.New("redemption not found")
	ErrRedemptionNotPending = errors.New("redemption is not in issued status")
	ErrInsufficientPoints   = errors.New("insufficient points")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindActiveProgram retrieves the single active program for a business.
// Zero rows and multiple rows are both hard failures: the earn path must
// never silently pick one of several active programs.
func (r *PostgresRepository) FindActiveProgram(ctx context.Context, businessID uuid.UUID) (*domain.Program, error) {
	query := `
		SELECT id, business_id, earn_rate_ppd, active, created_at
		FROM programs
		WHERE business_id = $1 AND active = true
		LIMIT 2
	`
	rows, err := r.db.Query(ctx, query, businessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var programs []domain.Program
	for rows.Next() {
		var p domain.Program
		if err := rows.Scan(&p.ID, &p.BusinessID, &p.EarnRatePPD, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		programs = append(programs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(programs) {
	case 0:
		return nil, ErrNoActiveProgram
	case 1:
		return &programs[0], nil
	default:
		return nil, ErrAmbiguousProgram
	}
}

// FindRewardByID retrieves a reward catalog item by its ID.
func (r *PostgresRepository) FindRewardByID(ctx context.Context, rewardID uuid.UUID) (*domain.Reward, error) {
	var reward domain.Reward
	query := `
		SELECT id, business_id, label, description, cost_points, active, created_at
		FROM rewards_catalog
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, rewardID).Scan(
		&reward.ID,
		&reward.BusinessID,
		&reward.Label,
		&reward.Description,
		&reward.CostPoints,
		&reward.Active,
		&reward.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRewardNotFound
		}
		return nil, err
	}
	return &reward, nil
}

// ListActiveRewards returns a business's currently redeemable catalog items.
func (r *PostgresRepository) ListActiveRewards(ctx context.Context, businessID uuid.UUID) ([]domain.Reward, error) {
	query := `
		SELECT id, business_id, label, description, cost_points, active, created_at
		FROM rewards_catalog
		WHERE business_id = $1 AND active = true
		ORDER BY cost_points ASC
	`
	rows, err := r.db.Query(ctx, query, businessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rewards []domain.Reward
	for rows.Next() {
		var reward domain.Reward
		if err := rows.Scan(
			&reward.ID,
			&reward.BusinessID,
			&reward.Label,
			&reward.Description,
			&reward.CostPoints,
			&reward.Active,
			&reward.CreatedAt,
		); err != nil {
			return nil, err
		}
		rewards = append(rewards, reward)
	}
	return rewards, rows.Err()
}

// FindStaffID resolves a staff member's internal ID from their verified email
// within one business. A miss is not an error; attribution is best-effort.
func (r *PostgresRepository) FindStaffID(ctx context.Context, email string, businessID uuid.UUID) (*uuid.UUID, error) {
	var staffID uuid.UUID
	query := `SELECT id FROM business_users WHERE lower(btrim(email)) = lower(btrim($1)) AND business_id = $2`
	err := r.db.QueryRow(ctx, query, email, businessID).Scan(&staffID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &staffID, nil
}

// AppendEarnEntry inserts one credit entry into the point ledger and
// updates the balance projection as a single transaction, so a reader
// never observes a balance the ledger does not support.
func (r *PostgresRepository) AppendEarnEntry(ctx context.Context, entry *domain.LedgerEntry) (*domain.LedgerEntry, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	insertQuery := `
		INSERT INTO point_ledger (user_id, business_id, delta_points, reason, amount_cents, staff_user_id, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`
	err = tx.QueryRow(ctx, insertQuery,
		entry.UserID,
		entry.BusinessID,
		entry.DeltaPoints,
		entry.Reason,
		entry.AmountCents,
		entry.StaffUserID,
		entry.Notes,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	upsertQuery := `
		INSERT INTO point_balances (user_id, business_id, balance, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, business_id)
		DO UPDATE SET balance = point_balances.balance + $3, updated_at = NOW()
	`
	if _, err := tx.Exec(ctx, upsertQuery, entry.UserID, entry.BusinessID, entry.DeltaPoints); err != nil {
		return nil, fmt.Errorf("failed to update balance projection: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit earn entry: %w", err)
	}
	return entry, nil
}

// GetBalance returns the current balance from the projection. A user with
// no ledger history has a zero balance, not an error.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID, businessID uuid.UUID) (int64, error) {
	var balance int64
	query := `SELECT balance FROM point_balances WHERE user_id = $1 AND business_id = $2`
	err := r.db.QueryRow(ctx, query, userID, businessID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

// ListBalanceDrift compares every projection row against its ledger fold
// and returns the pairs that disagree. Used by the periodic sweep for
// audit logging; mutations never run off this result.
func (r *PostgresRepository) ListBalanceDrift(ctx context.Context, limit int) ([]BalanceDrift, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT b.user_id, b.business_id, b.balance, COALESCE(l.total, 0)
		FROM point_balances b
		LEFT JOIN (
			SELECT user_id, business_id, SUM(delta_points) AS total
			FROM point_ledger
			GROUP BY user_id, business_id
		) l ON l.user_id = b.user_id AND l.business_id = b.business_id
		WHERE b.balance IS DISTINCT FROM COALESCE(l.total, 0)
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drifts []BalanceDrift
	for rows.Next() {
		var d BalanceDrift
		if err := rows.Scan(&d.UserID, &d.BusinessID, &d.ProjectedBalance, &d.LedgerBalance); err != nil {
			return nil, err
		}
		drifts = append(drifts, d)
	}
	return drifts, rows.Err()
}

// ListLedgerEntries returns a business's most recent ledger entries.
func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, businessID uuid.UUID, opts domain.LedgerListOptions) ([]domain.LedgerEntry, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, user_id, business_id, delta_points, reason, amount_cents, staff_user_id, notes, created_at
		FROM point_ledger
		WHERE business_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, businessID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(
			&e.ID,
			&e.UserID,
			&e.BusinessID,
			&e.DeltaPoints,
			&e.Reason,
			&e.AmountCents,
			&e.StaffUserID,
			&e.Notes,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CreateRedemption inserts a new redemption row in the issued status.
func (r *PostgresRepository) CreateRedemption(ctx context.Context, redemption *domain.Redemption) (*domain.Redemption, error) {
	query := `
		INSERT INTO redemptions (user_id, business_id, reward_id, redeem_token_hash, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := r.db.QueryRow(ctx, query,
		redemption.UserID,
		redemption.BusinessID,
		redemption.RewardID,
		redemption.TokenHash,
		redemption.Status,
		redemption.ExpiresAt,
	).Scan(&redemption.ID, &redemption.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create redemption: %w", err)
	}
	return redemption, nil
}

// FindRedemptionByTokenHash resolves a presented token by its digest and
// joins the reward catalog for the label and current cost. Lookup is on
// the digest only; a raw secret never reaches the database.
func (r *PostgresRepository) FindRedemptionByTokenHash(ctx context.Context, tokenHash string) (*domain.Redemption, error) {
	var redemption domain.Redemption
	query := `
		SELECT r.id, r.user_id, r.business_id, r.reward_id, r.redeem_token_hash,
		       r.status, r.expires_at, r.consumed_at, r.staff_user_id, r.created_at,
		       rw.label, rw.cost_points
		FROM redemptions r
		JOIN rewards_catalog rw ON rw.id = r.reward_id
		WHERE r.redeem_token_hash = $1
	`
	err := r.db.QueryRow(ctx, query, tokenHash).Scan(
		&redemption.ID,
		&redemption.UserID,
		&redemption.BusinessID,
		&redemption.RewardID,
		&redemption.TokenHash,
		&redemption.Status,
		&redemption.ExpiresAt,
		&redemption.ConsumedAt,
		&redemption.StaffUserID,
		&redemption.CreatedAt,
		&redemption.RewardLabel,
		&redemption.RewardCostPoints,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRedemptionNotFound
		}
		return nil, err
	}
	return &redemption, nil
}

// VoidExpiredRedemption transitions an issued redemption to expired. The
// status condition makes the transition safe to race: a concurrent
// consumption or another expiry check wins at most once.
func (r *PostgresRepository) VoidExpiredRedemption(ctx context.Context, redemptionID uuid.UUID) (bool, error) {
	query := `
		UPDATE redemptions
		SET status = $1
		WHERE id = $2 AND status = $3
	`
	tag, err := r.db.Exec(ctx, query, domain.RedemptionStatusExpired, redemptionID, domain.RedemptionStatusIssued)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ConsumeRedemptionAtomic performs the redeem state transition as one
// atomic unit: authoritative balance check, issued -> consumed CAS,
// ledger debit and balance projection update all commit or none do.
func (r *PostgresRepository) ConsumeRedemptionAtomic(ctx context.Context, params ConsumeRedemptionParams) (*domain.LedgerEntry, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the balance row. This serializes all balance-affecting work
	// for this (user, business) pair; a customer with no earn history has
	// no row and therefore no balance to spend.
	var balance int64
	balanceQuery := `
		SELECT balance FROM point_balances
		WHERE user_id = $1 AND business_id = $2
		FOR UPDATE
	`
	err = tx.QueryRow(ctx, balanceQuery, params.UserID, params.BusinessID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrInsufficientPoints
		}
		return nil, fmt.Errorf("failed to lock balance row: %w", err)
	}
	if balance < params.CostPoints {
		return nil, ErrInsufficientPoints
	}

	// 2. Compare-and-swap the redemption status. Exactly one concurrent
	// attempt can observe 'issued' here; everyone else rolls back.
	casQuery := `
		UPDATE redemptions
		SET status = $1, consumed_at = NOW(), staff_user_id = $2
		WHERE id = $3 AND status = $4
	`
	tag, err := tx.Exec(ctx, casQuery,
		domain.RedemptionStatusConsumed,
		params.StaffUserID,
		params.RedemptionID,
		domain.RedemptionStatusIssued,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mark redemption consumed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrRedemptionNotPending
	}

	// 3. Append the debit entry to the point ledger.
	notes := fmt.Sprintf("Redeemed: %s", params.RewardLabel)
	entry := &domain.LedgerEntry{
		UserID:      params.UserID,
		BusinessID:  params.BusinessID,
		DeltaPoints: -params.CostPoints,
		Reason:      domain.LedgerReasonRedeem,
		StaffUserID: params.StaffUserID,
		Notes:       &notes,
	}
	insertQuery := `
		INSERT INTO point_ledger (user_id, business_id, delta_points, reason, staff_user_id, notes)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err = tx.QueryRow(ctx, insertQuery,
		entry.UserID,
		entry.BusinessID,
		entry.DeltaPoints,
		entry.Reason,
		entry.StaffUserID,
		entry.Notes,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert redeem ledger entry: %w", err)
	}

	// 4. Update the balance projection under the held lock.
	updateQuery := `
		UPDATE point_balances
		SET balance = balance - $1, updated_at = NOW()
		WHERE user_id = $2 AND business_id = $3
	`
	if _, err := tx.Exec(ctx, updateQuery, params.CostPoints, params.UserID, params.BusinessID); err != nil {
		return nil, fmt.Errorf("failed to update balance projection: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit redemption: %w", err)
	}
	return entry, nil
}

// ExpireStaleRedemptions marks issued rows past their TTL as expired and
// returns how many rows were transitioned.
func (r *PostgresRepository) ExpireStaleRedemptions(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE redemptions
		SET status = $1
		WHERE status = $2 AND expires_at < $3
	`
	tag, err := r.db.Exec(ctx, query, domain.RedemptionStatusExpired, domain.RedemptionStatusIssued, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
