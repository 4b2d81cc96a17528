/**
 * @description
 * This file contains the core business logic for the loyalty-service. The `Service`
 * struct orchestrates the earn and redemption flows, coordinating between the
 * database repository and the message broker.
 *
 * Key features:
 * - Earn: validates the purchase against the business's single active program,
 *   computes floor-semantics points and appends exactly one credit entry.
 * - Issue: generates the one-time redeem token, stores only its SHA-256 digest
 *   and creates the redemption row with a short TTL.
 * - Consume: walks the redemption state machine; the balance check, status
 *   transition and ledger debit happen as one atomic unit in the store.
 * - Publishes loyalty events to RabbitMQ for asynchronous consumers.
 *
 * @dependencies
 * - context, crypto/rand, crypto/sha256, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For event publishing.
 */

package app

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/onecard/loyalty-service/internal/domain"
	"github.com/onecard/loyalty-service/internal/store"
	"github.com/onecard/loyalty-service/pkg/rabbitmq"
)

const (
	// DefaultRedeemTokenTTL is the window during which an issued token may
	// be consumed.
	DefaultRedeemTokenTTL = 2 * time.Minute

	// redeemTokenBytes is the entropy of the raw redeem secret. 16 bytes
	// (128 bits) makes guessing infeasible within the token's lifetime.
	redeemTokenBytes = 16
)

var (
	ErrInvalidAmount         = errors.New("amount must be greater than zero")
	ErrAmountTooSmall        = errors.New("amount too small to earn points")
	ErrRewardInactive        = errors.New("reward is no longer available")
	ErrWrongBusiness         = errors.New("redeem token not valid for this business")
	ErrRedemptionExpired     = errors.New("redeem token expired")
	ErrRedemptionAlreadyUsed = errors.New("redeem token already used")
	ErrRedemptionVoid        = errors.New("redeem token is void")
	ErrTooManyAttempts       = errors.New("too many redeem attempts")
)

// RateLimiter throttles redeem-attempt bursts per terminal. A nil limiter
// disables throttling.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic for the loyalty ledger and
// redemption engine.
type Service struct {
	repo          store.Repository
	eventProducer rabbitmq.Publisher
	tokenTTL      time.Duration

	rateLimiter           RateLimiter
	consumeLimitPerMinute int
}

// NewService creates a new loyalty service instance.
func NewService(repo store.Repository, producer rabbitmq.Publisher, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = DefaultRedeemTokenTTL
	}
	return &Service{
		repo:          repo,
		eventProducer: producer,
		tokenTTL:      tokenTTL,
	}
}

// SetConsumeRateLimiter installs a distributed rate limiter for the consume
// endpoint. Limiting is skipped when the limiter is nil or the limit is zero.
func (s *Service) SetConsumeRateLimiter(limiter RateLimiter, limitPerMinute int) {
	s.rateLimiter = limiter
	s.consumeLimitPerMinute = limitPerMinute
}

// resolveStaff maps an authenticated staff email to an internal staff ID for
// attribution. Missing credentials or a lookup miss yield nil, never an error
// that blocks the operation.
func (s *Service) resolveStaff(ctx context.Context, staffEmail string, businessID uuid.UUID) *uuid.UUID {
	if staffEmail == "" {
		return nil
	}
	staffID, err := s.repo.FindStaffID(ctx, staffEmail, businessID)
	if err != nil {
		log.Printf("level=warn component=service msg=\"staff lookup failed; continuing without attribution\" business_id=%s err=%v", businessID, err)
		return nil
	}
	return staffID
}

// EarnPoints credits a customer for a purchase. It computes
// floor(dollars * earn_rate) with integer math, so fractions of a point
// are dropped, never rounded up. Exactly one ledger entry is written on
// success; none on any failure path.
func (s *Service) EarnPoints(ctx context.Context, req domain.EarnRequest, staffEmail string) (*domain.EarnResult, error) {
	if req.AmountCents <= 0 {
		return nil, ErrInvalidAmount
	}

	program, err := s.repo.FindActiveProgram(ctx, req.BusinessID)
	if err != nil {
		return nil, err
	}

	// floor(amount_cents / 100 * rate) via integer division.
	points := req.AmountCents * program.EarnRatePPD / 100
	if points <= 0 {
		return nil, ErrAmountTooSmall
	}

	staffID := s.resolveStaff(ctx, staffEmail, req.BusinessID)

	amountCents := req.AmountCents
	entry := &domain.LedgerEntry{
		UserID:      req.UserID,
		BusinessID:  req.BusinessID,
		DeltaPoints: points,
		Reason:      domain.LedgerReasonEarn,
		AmountCents: &amountCents,
		StaffUserID: staffID,
	}
	entry, err = s.repo.AppendEarnEntry(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("failed to credit points: %w", err)
	}

	s.publishEvent(ctx, rabbitmq.LoyaltyEvent{
		EventType:   rabbitmq.EventTypePointsEarned,
		UserID:      req.UserID,
		BusinessID:  req.BusinessID,
		DeltaPoints: points,
		LedgerID:    entry.ID,
		Timestamp:   time.Now().UTC(),
	})

	return &domain.EarnResult{
		PointsEarned: points,
		LedgerID:     entry.ID,
		AmountCents:  req.AmountCents,
	}, nil
}

// IssueRedemption creates a short-lived single-use redeem token for one
// reward. The balance check here is optimistic; the authoritative check
// happens again at consume time because the balance may change in between.
func (s *Service) IssueRedemption(ctx context.Context, req domain.IssueRedemptionRequest) (*domain.IssuedRedemption, error) {
	reward, err := s.repo.FindRewardByID(ctx, req.RewardID)
	if err != nil {
		return nil, err
	}
	if !reward.Active {
		return nil, ErrRewardInactive
	}

	balance, err := s.repo.GetBalance(ctx, req.UserID, reward.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	if balance < reward.CostPoints {
		return nil, store.ErrInsufficientPoints
	}

	token, tokenHash, err := newRedeemToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate redeem token: %w", err)
	}

	redemption := &domain.Redemption{
		UserID:     req.UserID,
		BusinessID: reward.BusinessID,
		RewardID:   reward.ID,
		TokenHash:  tokenHash,
		Status:     domain.RedemptionStatusIssued,
		ExpiresAt:  time.Now().Add(s.tokenTTL),
	}
	redemption, err = s.repo.CreateRedemption(ctx, redemption)
	if err != nil {
		return nil, err
	}

	return &domain.IssuedRedemption{
		RedemptionID: redemption.ID,
		RedeemToken:  token,
		ExpiresAt:    redemption.ExpiresAt,
	}, nil
}

// ConsumeRedemption walks the redemption state machine for a presented
// token. terminalKey identifies the caller for rate limiting (remote
// address or staff email).
func (s *Service) ConsumeRedemption(ctx context.Context, req domain.ConsumeRedemptionRequest, staffEmail, terminalKey string) (*domain.ConsumeRedemptionResult, error) {
	if err := s.checkConsumeRateLimit(ctx, terminalKey); err != nil {
		return nil, err
	}

	// 1. Resolve by digest. Equality is on the hash, never the raw secret.
	redemption, err := s.repo.FindRedemptionByTokenHash(ctx, hashRedeemToken(req.RedeemToken))
	if err != nil {
		return nil, err
	}

	// 2. A token issued for business A must not redeem at business B.
	if redemption.BusinessID != req.BusinessID {
		return nil, ErrWrongBusiness
	}

	// 3. Terminal states reject idempotently; re-presenting a consumed
	// token never re-deducts points.
	switch redemption.Status {
	case domain.RedemptionStatusIssued:
	case domain.RedemptionStatusConsumed:
		return nil, ErrRedemptionAlreadyUsed
	case domain.RedemptionStatusExpired:
		return nil, ErrRedemptionExpired
	default:
		return nil, ErrRedemptionVoid
	}

	// 4. Lazy expiry: transition and reject without touching the ledger.
	if time.Now().After(redemption.ExpiresAt) {
		if _, err := s.repo.VoidExpiredRedemption(ctx, redemption.ID); err != nil {
			log.Printf("level=warn component=service msg=\"failed to void expired redemption\" redemption_id=%s err=%v", redemption.ID, err)
		}
		return nil, ErrRedemptionExpired
	}

	staffID := s.resolveStaff(ctx, staffEmail, redemption.BusinessID)

	// 5+6. Authoritative balance check, status CAS and ledger debit run as
	// one atomic unit in the store. Losing the status race surfaces as
	// already-used; insufficient funds leaves the token issued so it may
	// still be consumed later within the TTL.
	entry, err := s.repo.ConsumeRedemptionAtomic(ctx, store.ConsumeRedemptionParams{
		RedemptionID: redemption.ID,
		UserID:       redemption.UserID,
		BusinessID:   redemption.BusinessID,
		CostPoints:   redemption.RewardCostPoints,
		RewardLabel:  redemption.RewardLabel,
		StaffUserID:  staffID,
	})
	if err != nil {
		if errors.Is(err, store.ErrRedemptionNotPending) {
			return nil, ErrRedemptionAlreadyUsed
		}
		return nil, err
	}

	s.publishEvent(ctx, rabbitmq.LoyaltyEvent{
		EventType:   rabbitmq.EventTypeRewardRedeemed,
		UserID:      redemption.UserID,
		BusinessID:  redemption.BusinessID,
		RewardID:    &redemption.RewardID,
		DeltaPoints: entry.DeltaPoints,
		LedgerID:    entry.ID,
		Timestamp:   time.Now().UTC(),
	})

	return &domain.ConsumeRedemptionResult{
		RewardLabel:    redemption.RewardLabel,
		PointsDeducted: redemption.RewardCostPoints,
	}, nil
}

// Balance returns a customer's current point balance with one business.
func (s *Service) Balance(ctx context.Context, userID, businessID uuid.UUID) (int64, error) {
	return s.repo.GetBalance(ctx, userID, businessID)
}

// ListRewards returns a business's active reward catalog.
func (s *Service) ListRewards(ctx context.Context, businessID uuid.UUID) ([]domain.Reward, error) {
	return s.repo.ListActiveRewards(ctx, businessID)
}

// ListLedger returns a business's recent ledger entries.
func (s *Service) ListLedger(ctx context.Context, businessID uuid.UUID, opts domain.LedgerListOptions) ([]domain.LedgerEntry, error) {
	return s.repo.ListLedgerEntries(ctx, businessID, opts)
}

func (s *Service) checkConsumeRateLimit(ctx context.Context, terminalKey string) error {
	if s.rateLimiter == nil || s.consumeLimitPerMinute <= 0 || terminalKey == "" {
		return nil
	}
	count, _, err := s.rateLimiter.ConsumeRateLimit(ctx, "redeem_consume", terminalKey, s.consumeLimitPerMinute, time.Minute)
	if err != nil {
		// Fail open: a limiter outage must not block redemptions.
		log.Printf("level=warn component=service msg=\"rate limiter unavailable; skipping limit\" err=%v", err)
		return nil
	}
	if count > s.consumeLimitPerMinute {
		return ErrTooManyAttempts
	}
	return nil
}

func (s *Service) publishEvent(ctx context.Context, event rabbitmq.LoyaltyEvent) {
	if s.eventProducer == nil {
		return
	}
	if err := s.eventProducer.PublishLoyaltyEvent(ctx, event); err != nil {
		log.Printf("level=warn component=service msg=\"failed to publish loyalty event\" event_type=%s err=%v", event.EventType, err)
	}
}

// newRedeemToken generates the opaque redeem secret and its storable digest.
func newRedeemToken() (token string, tokenHash string, err error) {
	buf := make([]byte, redeemTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	token = hex.EncodeToString(buf)
	return token, hashRedeemToken(token), nil
}

// hashRedeemToken computes the one-way digest under which redemptions are
// stored and looked up.
func hashRedeemToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
