package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/onecard/loyalty-service/internal/domain"
	"github.com/onecard/loyalty-service/internal/store"
)

type earnRepoStub struct {
	store.Repository

	program    *domain.Program
	programErr error
	staffID    *uuid.UUID

	appended *domain.LedgerEntry
}

func (s *earnRepoStub) FindActiveProgram(ctx context.Context, businessID uuid.UUID) (*domain.Program, error) {
	if s.programErr != nil {
		return nil, s.programErr
	}
	return s.program, nil
}

func (s *earnRepoStub) FindStaffID(ctx context.Context, email string, businessID uuid.UUID) (*uuid.UUID, error) {
	return s.staffID, nil
}

func (s *earnRepoStub) AppendEarnEntry(ctx context.Context, entry *domain.LedgerEntry) (*domain.LedgerEntry, error) {
	entry.ID = uuid.New()
	entry.CreatedAt = time.Now()
	s.appended = entry
	return entry, nil
}

func TestEarnPointsFloorsFractionalPoints(t *testing.T) {
	businessID := uuid.New()
	repo := &earnRepoStub{
		program: &domain.Program{BusinessID: businessID, EarnRatePPD: 5, Active: true},
	}
	svc := NewService(repo, nil, 0)

	result, err := svc.EarnPoints(context.Background(), domain.EarnRequest{
		UserID:      uuid.New(),
		BusinessID:  businessID,
		AmountCents: 250,
	}, "")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result.PointsEarned != 12 {
		t.Fatalf("expected floor(2.50 * 5) = 12 points, got %d", result.PointsEarned)
	}
	if repo.appended == nil {
		t.Fatal("expected a ledger entry to be appended")
	}
	if repo.appended.DeltaPoints != 12 || repo.appended.Reason != domain.LedgerReasonEarn {
		t.Fatalf("unexpected ledger entry: %+v", repo.appended)
	}
	if repo.appended.AmountCents == nil || *repo.appended.AmountCents != 250 {
		t.Fatalf("expected amount_cents 250 on the entry, got %v", repo.appended.AmountCents)
	}
}

func TestEarnPointsRejectsAmountTooSmall(t *testing.T) {
	repo := &earnRepoStub{
		program: &domain.Program{EarnRatePPD: 5, Active: true},
	}
	svc := NewService(repo, nil, 0)

	_, err := svc.EarnPoints(context.Background(), domain.EarnRequest{
		UserID:      uuid.New(),
		BusinessID:  uuid.New(),
		AmountCents: 10,
	}, "")
	if !errors.Is(err, ErrAmountTooSmall) {
		t.Fatalf("expected ErrAmountTooSmall, got %v", err)
	}
	if repo.appended != nil {
		t.Fatal("no ledger entry may be written when the amount is too small")
	}
}

func TestEarnPointsRejectsNonPositiveAmount(t *testing.T) {
	svc := NewService(&earnRepoStub{}, nil, 0)

	for _, amount := range []int64{0, -100} {
		_, err := svc.EarnPoints(context.Background(), domain.EarnRequest{
			UserID:      uuid.New(),
			BusinessID:  uuid.New(),
			AmountCents: amount,
		}, "")
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %d: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestEarnPointsFailsLoudlyOnAmbiguousProgram(t *testing.T) {
	repo := &earnRepoStub{programErr: store.ErrAmbiguousProgram}
	svc := NewService(repo, nil, 0)

	_, err := svc.EarnPoints(context.Background(), domain.EarnRequest{
		UserID:      uuid.New(),
		BusinessID:  uuid.New(),
		AmountCents: 1000,
	}, "")
	if !errors.Is(err, store.ErrAmbiguousProgram) {
		t.Fatalf("expected ErrAmbiguousProgram to surface, got %v", err)
	}
	if repo.appended != nil {
		t.Fatal("no ledger entry may be written when the program is ambiguous")
	}
}

func TestEarnPointsAttributesStaff(t *testing.T) {
	staffID := uuid.New()
	repo := &earnRepoStub{
		program: &domain.Program{EarnRatePPD: 2, Active: true},
		staffID: &staffID,
	}
	svc := NewService(repo, nil, 0)

	_, err := svc.EarnPoints(context.Background(), domain.EarnRequest{
		UserID:      uuid.New(),
		BusinessID:  uuid.New(),
		AmountCents: 500,
	}, "staff@example.com")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if repo.appended.StaffUserID == nil || *repo.appended.StaffUserID != staffID {
		t.Fatalf("expected staff attribution %s, got %v", staffID, repo.appended.StaffUserID)
	}
}

type issueRepoStub struct {
	store.Repository

	reward  *domain.Reward
	balance int64

	created *domain.Redemption
}

func (s *issueRepoStub) FindRewardByID(ctx context.Context, rewardID uuid.UUID) (*domain.Reward, error) {
	if s.reward == nil {
		return nil, store.ErrRewardNotFound
	}
	return s.reward, nil
}

func (s *issueRepoStub) GetBalance(ctx context.Context, userID, businessID uuid.UUID) (int64, error) {
	return s.balance, nil
}

func (s *issueRepoStub) CreateRedemption(ctx context.Context, redemption *domain.Redemption) (*domain.Redemption, error) {
	redemption.ID = uuid.New()
	redemption.CreatedAt = time.Now()
	s.created = redemption
	return redemption, nil
}

func TestIssueRedemptionStoresOnlyTokenDigest(t *testing.T) {
	reward := &domain.Reward{
		ID:         uuid.New(),
		BusinessID: uuid.New(),
		Label:      "Free Coffee",
		CostPoints: 50,
		Active:     true,
	}
	repo := &issueRepoStub{reward: reward, balance: 100}
	svc := NewService(repo, nil, 0)

	issued, err := svc.IssueRedemption(context.Background(), domain.IssueRedemptionRequest{
		UserID:   uuid.New(),
		RewardID: reward.ID,
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(issued.RedeemToken) != 32 {
		t.Fatalf("expected a 16-byte hex token, got %q", issued.RedeemToken)
	}
	sum := sha256.Sum256([]byte(issued.RedeemToken))
	if repo.created.TokenHash != hex.EncodeToString(sum[:]) {
		t.Fatal("stored token hash must be the SHA-256 digest of the raw token")
	}
	if repo.created.Status != domain.RedemptionStatusIssued {
		t.Fatalf("expected issued status, got %q", repo.created.Status)
	}

	ttl := time.Until(issued.ExpiresAt)
	if ttl <= time.Minute || ttl > DefaultRedeemTokenTTL {
		t.Fatalf("expected expiry within the default 2 minute TTL, got %v", ttl)
	}
}

func TestIssueRedemptionRejectsInactiveReward(t *testing.T) {
	repo := &issueRepoStub{
		reward:  &domain.Reward{ID: uuid.New(), CostPoints: 50, Active: false},
		balance: 100,
	}
	svc := NewService(repo, nil, 0)

	_, err := svc.IssueRedemption(context.Background(), domain.IssueRedemptionRequest{
		UserID:   uuid.New(),
		RewardID: uuid.New(),
	})
	if !errors.Is(err, ErrRewardInactive) {
		t.Fatalf("expected ErrRewardInactive, got %v", err)
	}
	if repo.created != nil {
		t.Fatal("no redemption may be created for an inactive reward")
	}
}

func TestIssueRedemptionRejectsInsufficientBalance(t *testing.T) {
	repo := &issueRepoStub{
		reward:  &domain.Reward{ID: uuid.New(), CostPoints: 50, Active: true},
		balance: 49,
	}
	svc := NewService(repo, nil, 0)

	_, err := svc.IssueRedemption(context.Background(), domain.IssueRedemptionRequest{
		UserID:   uuid.New(),
		RewardID: uuid.New(),
	})
	if !errors.Is(err, store.ErrInsufficientPoints) {
		t.Fatalf("expected ErrInsufficientPoints, got %v", err)
	}
}

type consumeRepoStub struct {
	store.Repository

	redemption *domain.Redemption
	consumeErr error

	voidedID      *uuid.UUID
	consumeParams *store.ConsumeRedemptionParams
}

func (s *consumeRepoStub) FindRedemptionByTokenHash(ctx context.Context, tokenHash string) (*domain.Redemption, error) {
	if s.redemption == nil || s.redemption.TokenHash != tokenHash {
		return nil, store.ErrRedemptionNotFound
	}
	return s.redemption, nil
}

func (s *consumeRepoStub) FindStaffID(ctx context.Context, email string, businessID uuid.UUID) (*uuid.UUID, error) {
	return nil, nil
}

func (s *consumeRepoStub) VoidExpiredRedemption(ctx context.Context, redemptionID uuid.UUID) (bool, error) {
	s.voidedID = &redemptionID
	return true, nil
}

func (s *consumeRepoStub) ConsumeRedemptionAtomic(ctx context.Context, params store.ConsumeRedemptionParams) (*domain.LedgerEntry, error) {
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	s.consumeParams = &params
	return &domain.LedgerEntry{
		ID:          uuid.New(),
		UserID:      params.UserID,
		BusinessID:  params.BusinessID,
		DeltaPoints: -params.CostPoints,
		Reason:      domain.LedgerReasonRedeem,
		CreatedAt:   time.Now(),
	}, nil
}

func issuedRedemption(token string) *domain.Redemption {
	sum := sha256.Sum256([]byte(token))
	return &domain.Redemption{
		ID:               uuid.New(),
		UserID:           uuid.New(),
		BusinessID:       uuid.New(),
		RewardID:         uuid.New(),
		TokenHash:        hex.EncodeToString(sum[:]),
		Status:           domain.RedemptionStatusIssued,
		ExpiresAt:        time.Now().Add(time.Minute),
		RewardLabel:      "Free Coffee",
		RewardCostPoints: 50,
	}
}

func TestConsumeRedemptionSuccess(t *testing.T) {
	token := "aabbccddeeff00112233445566778899"
	repo := &consumeRepoStub{redemption: issuedRedemption(token)}
	svc := NewService(repo, nil, 0)

	result, err := svc.ConsumeRedemption(context.Background(), domain.ConsumeRedemptionRequest{
		RedeemToken: token,
		BusinessID:  repo.redemption.BusinessID,
	}, "", "terminal-1")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result.RewardLabel != "Free Coffee" || result.PointsDeducted != 50 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if repo.consumeParams == nil {
		t.Fatal("expected the atomic consume to run")
	}
	if repo.consumeParams.CostPoints != 50 {
		t.Fatalf("expected 50 points deducted, got %d", repo.consumeParams.CostPoints)
	}
}

func TestConsumeRedemptionRejectsUnknownToken(t *testing.T) {
	repo := &consumeRepoStub{redemption: issuedRedemption("aabbccddeeff00112233445566778899")}
	svc := NewService(repo, nil, 0)

	_, err := svc.ConsumeRedemption(context.Background(), domain.ConsumeRedemptionRequest{
		RedeemToken: "00000000000000000000000000000000",
		BusinessID:  repo.redemption.BusinessID,
	}, "", "terminal-1")
	if !errors.Is(err, store.ErrRedemptionNotFound) {
		t.Fatalf("expected ErrRedemptionNotFound, got %v", err)
	}
}

func TestConsumeRedemptionRejectsWrongBusiness(t *testing.T) {
	token := "aabbccddeeff00112233445566778899"
	repo := &consumeRepoStub{redemption: issuedRedemption(token)}
	svc := NewService(repo, nil, 0)

	_, err := svc.ConsumeRedemption(context.Background(), domain.ConsumeRedemptionRequest{
		RedeemToken: token,
		BusinessID:  uuid.New(),
	}, "", "terminal-1")
	if !errors.Is(err, ErrWrongBusiness) {
		t.Fatalf("expected ErrWrongBusiness, got %v", err)
	}
	if repo.consumeParams != nil || repo.voidedID != nil {
		t.Fatal("a wrong-business attempt must not change any state")
	}
}

func TestConsumeRedemptionRejectsAlreadyConsumed(t *testing.T) {
	token := "aabbccddeeff00112233445566778899"
	redemption := issuedRedemption(token)
	redemption.Status = domain.RedemptionStatusConsumed
	repo := &consumeRepoStub{redemption: redemption}
	svc := NewService(repo, nil, 0)

	_, err := svc.ConsumeRedemption(context.Background(), domain.ConsumeRedemptionRequest{
		RedeemToken: token,
		BusinessID:  redemption.BusinessID,
	}, "", "terminal-1")
	if !errors.Is(err, ErrRedemptionAlreadyUsed) {
		t.Fatalf("expected ErrRedemptionAlreadyUsed, got %v", err)
	}
	if repo.consumeParams != nil {
		t.Fatal("re-presenting a consumed token must not re-deduct points")
	}
}

func TestConsumeRedemptionExpiresLazily(t *testing.T) {
	token := "aabbccddeeff00112233445566778899"
	redemption := issuedRedemption(token)
	redemption.ExpiresAt = time.Now().Add(-time.Second)
	repo := &consumeRepoStub{redemption: redemption}
	svc := NewService(repo, nil, 0)

	_, err := svc.ConsumeRedemption(context.Background(), domain.ConsumeRedemptionRequest{
		RedeemToken: token,
		BusinessID:  redemption.BusinessID,
	}, "", "terminal-1")
	if !errors.Is(err, ErrRedemptionExpired) {
		t.Fatalf("expected ErrRedemptionExpired, got %v", err)
	}
	if repo.voidedID == nil || *repo.voidedID != redemption.ID {
		t.Fatal("expected the expired redemption to be voided")
	}
	if repo.consumeParams != nil {
		t.Fatal("no ledger entry may be written for an expired token")
	}
}

func TestConsumeRedemptionLosingStatusRaceReadsAsAlreadyUsed(t *testing.T) {
	token := "aabbccddeeff00112233445566778899"
	repo := &consumeRepoStub{
		redemption: issuedRedemption(token),
		consumeErr: store.ErrRedemptionNotPending,
	}
	svc := NewService(repo, nil, 0)

	_, err := svc.ConsumeRedemption(context.Background(), domain.ConsumeRedemptionRequest{
		RedeemToken: token,
		BusinessID:  repo.redemption.BusinessID,
	}, "", "terminal-1")
	if !errors.Is(err, ErrRedemptionAlreadyUsed) {
		t.Fatalf("expected losing the status race to read as already used, got %v", err)
	}
}

func TestConsumeRedemptionInsufficientFundsIsNotTerminal(t *testing.T) {
	token := "aabbccddeeff00112233445566778899"
	repo := &consumeRepoStub{
		redemption: issuedRedemption(token),
		consumeErr: store.ErrInsufficientPoints,
	}
	svc := NewService(repo, nil, 0)

	_, err := svc.ConsumeRedemption(context.Background(), domain.ConsumeRedemptionRequest{
		RedeemToken: token,
		BusinessID:  repo.redemption.BusinessID,
	}, "", "terminal-1")
	if !errors.Is(err, store.ErrInsufficientPoints) {
		t.Fatalf("expected ErrInsufficientPoints, got %v", err)
	}
	// The token stays issued: only expiry or consumption terminates it.
	if repo.voidedID != nil {
		t.Fatal("insufficient funds must not void the token")
	}
}

type denyAllLimiter struct{}

func (denyAllLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return limit + 1, 30, nil
}

func TestConsumeRedemptionRateLimited(t *testing.T) {
	token := "aabbccddeeff00112233445566778899"
	repo := &consumeRepoStub{redemption: issuedRedemption(token)}
	svc := NewService(repo, nil, 0)
	svc.SetConsumeRateLimiter(denyAllLimiter{}, 10)

	_, err := svc.ConsumeRedemption(context.Background(), domain.ConsumeRedemptionRequest{
		RedeemToken: token,
		BusinessID:  repo.redemption.BusinessID,
	}, "", "terminal-1")
	if !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("expected ErrTooManyAttempts, got %v", err)
	}
	if repo.consumeParams != nil {
		t.Fatal("a rate-limited attempt must not reach the store")
	}
}
