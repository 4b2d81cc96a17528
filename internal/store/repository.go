/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the loyalty-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation and handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/onecard/loyalty-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Program and reward catalog reads
	FindActiveProgram(ctx context.Context, businessID uuid.UUID) (*domain.Program, error)
	FindRewardByID(ctx context.Context, rewardID uuid.UUID) (*domain.Reward, error)
	ListActiveRewards(ctx context.Context, businessID uuid.UUID) ([]domain.Reward, error)

	// Staff attribution. Returns nil without error when no staff record
	// matches; attribution is best-effort and never blocks an operation.
	FindStaffID(ctx context.Context, email string, businessID uuid.UUID) (*uuid.UUID, error)

	// Ledger and balance methods
	// AppendEarnEntry persists one credit entry and updates the balance
	// projection in the same transaction.
	AppendEarnEntry(ctx context.Context, entry *domain.LedgerEntry) (*domain.LedgerEntry, error)
	GetBalance(ctx context.Context, userID, businessID uuid.UUID) (int64, error)
	// ListBalanceDrift folds the ledger and reports (user, business) pairs
	// whose projection disagrees with the sum of their deltas. An empty
	// result is the expected steady state.
	ListBalanceDrift(ctx context.Context, limit int) ([]BalanceDrift, error)
	ListLedgerEntries(ctx context.Context, businessID uuid.UUID, opts domain.LedgerListOptions) ([]domain.LedgerEntry, error)

	// Redemption lifecycle methods
	CreateRedemption(ctx context.Context, redemption *domain.Redemption) (*domain.Redemption, error)
	FindRedemptionByTokenHash(ctx context.Context, tokenHash string) (*domain.Redemption, error)
	// VoidExpiredRedemption transitions issued -> expired. Returns false when
	// another request already moved the row to a terminal status.
	VoidExpiredRedemption(ctx context.Context, redemptionID uuid.UUID) (bool, error)
	// ConsumeRedemptionAtomic performs the authoritative balance check, the
	// issued -> consumed status transition and the ledger debit as one
	// transaction serialized per (user, business).
	ConsumeRedemptionAtomic(ctx context.Context, params ConsumeRedemptionParams) (*domain.LedgerEntry, error)
	// ExpireStaleRedemptions marks issued rows past their TTL as expired.
	// Used by the background reconciliation sweep, never by the request path.
	ExpireStaleRedemptions(ctx context.Context, now time.Time) (int64, error)
}

// ConsumeRedemptionParams carries everything the atomic consume transition needs.
type ConsumeRedemptionParams struct {
	RedemptionID uuid.UUID
	UserID       uuid.UUID
	BusinessID   uuid.UUID
	CostPoints   int64
	RewardLabel  string
	StaffUserID  *uuid.UUID
}

// BalanceDrift describes a projection row that no longer matches the
// ledger fold for its (user, business) pair.
type BalanceDrift struct {
	UserID           uuid.UUID
	BusinessID       uuid.UUID
	ProjectedBalance int64
	LedgerBalance    int64
}
