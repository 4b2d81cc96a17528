/**
 * @description
 * This file defines the core domain models for the loyalty-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Points are plain int64 deltas; a positive delta is an earn, a negative
 *   delta is a redemption. Monetary amounts are stored as `int64` cents to
 *   avoid floating-point inaccuracies.
 * - Redemption secrets are never stored: only the SHA-256 digest of the
 *   opaque token lives in the database.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Ledger entry reasons.
const (
	LedgerReasonEarn       = "earn"
	LedgerReasonRedeem     = "redeem"
	LedgerReasonAdjustment = "adjustment"
)

// Redemption lifecycle statuses. A redemption starts as `issued` and
// transitions exactly once to one of the terminal statuses.
const (
	RedemptionStatusIssued   = "issued"
	RedemptionStatusConsumed = "consumed"
	RedemptionStatusVoid     = "void"
	RedemptionStatusExpired  = "expired"
)

// LedgerEntry is one immutable row of the append-only point ledger.
// A user's balance with a business is the sum of their delta_points.
// This struct maps directly to the `point_ledger` table.
type LedgerEntry struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"user_id"`
	BusinessID  uuid.UUID  `json:"business_id"`
	DeltaPoints int64      `json:"delta_points"`
	Reason      string     `json:"reason"`                 // 'earn', 'redeem', 'adjustment'
	AmountCents *int64     `json:"amount_cents,omitempty"` // monetary basis, earn entries only
	StaffUserID *uuid.UUID `json:"staff_user_id,omitempty"`
	Notes       *string    `json:"notes,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Program holds a business's earn configuration. Exactly one program per
// business may be active at a time; the earn path fails loudly if that
// invariant is ever violated.
type Program struct {
	ID          uuid.UUID `json:"id"`
	BusinessID  uuid.UUID `json:"business_id"`
	EarnRatePPD int64     `json:"earn_rate_ppd"` // points per dollar
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Reward is one redeemable item in a business's catalog.
type Reward struct {
	ID          uuid.UUID `json:"id"`
	BusinessID  uuid.UUID `json:"business_id"`
	Label       string    `json:"label"`
	Description *string   `json:"description,omitempty"`
	CostPoints  int64     `json:"cost_points"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Redemption is the token-lifecycle record. The raw redeem token is
// returned to the customer exactly once at issue time; only its digest
// is persisted.
type Redemption struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"user_id"`
	BusinessID  uuid.UUID  `json:"business_id"`
	RewardID    uuid.UUID  `json:"reward_id"`
	TokenHash   string     `json:"-"`
	Status      string     `json:"status"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ConsumedAt  *time.Time `json:"consumed_at,omitempty"`
	StaffUserID *uuid.UUID `json:"staff_user_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`

	// Joined from the reward catalog when resolving a presented token.
	RewardLabel      string `json:"reward_label,omitempty"`
	RewardCostPoints int64  `json:"reward_cost_points,omitempty"`
}

// EarnRequest is the DTO for incoming earn API requests.
type EarnRequest struct {
	UserID      uuid.UUID `json:"user_id"`
	BusinessID  uuid.UUID `json:"business_id"`
	AmountCents int64     `json:"amount_cents"`
}

// EarnResult is returned after a successful points credit.
type EarnResult struct {
	PointsEarned int64     `json:"points_earned"`
	LedgerID     uuid.UUID `json:"ledger_id"`
	AmountCents  int64     `json:"amount_cents"`
}

// IssueRedemptionRequest is the DTO for incoming token-issue API requests.
type IssueRedemptionRequest struct {
	UserID   uuid.UUID `json:"user_id"`
	RewardID uuid.UUID `json:"reward_id"`
}

// IssuedRedemption carries the raw one-time token back to the caller.
// The token is shown as a QR code by the client and cannot be recovered
// from the service afterwards.
type IssuedRedemption struct {
	RedemptionID uuid.UUID `json:"redemption_id"`
	RedeemToken  string    `json:"redeem_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ConsumeRedemptionRequest is the DTO for incoming token-consume API requests.
// BusinessID is the business claimed by the redeeming terminal.
type ConsumeRedemptionRequest struct {
	RedeemToken string    `json:"redeem_token"`
	BusinessID  uuid.UUID `json:"business_id"`
}

// ConsumeRedemptionResult is returned after a successful redemption.
type ConsumeRedemptionResult struct {
	RewardLabel    string `json:"reward_label"`
	PointsDeducted int64  `json:"points_deducted"`
}

// LedgerListOptions controls pagination for the business ledger read.
type LedgerListOptions struct {
	Limit  int
	Offset int
}
