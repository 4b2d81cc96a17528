package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/onecard/loyalty-service/internal/domain"
	"github.com/onecard/loyalty-service/internal/store"
)

// concurrentRepoStub reproduces the store's serialization contract in
// memory: the balance check, status CAS and debit happen under one lock,
// exactly like the FOR UPDATE transaction in the Postgres implementation.
type concurrentRepoStub struct {
	store.Repository

	mu          sync.Mutex
	balance     int64
	redemptions map[uuid.UUID]*domain.Redemption
	ledger      []domain.LedgerEntry
}

func (s *concurrentRepoStub) FindRedemptionByTokenHash(ctx context.Context, tokenHash string) (*domain.Redemption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.redemptions {
		if r.TokenHash == tokenHash {
			copied := *r
			return &copied, nil
		}
	}
	return nil, store.ErrRedemptionNotFound
}

func (s *concurrentRepoStub) FindStaffID(ctx context.Context, email string, businessID uuid.UUID) (*uuid.UUID, error) {
	return nil, nil
}

func (s *concurrentRepoStub) ConsumeRedemptionAtomic(ctx context.Context, params store.ConsumeRedemptionParams) (*domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.balance < params.CostPoints {
		return nil, store.ErrInsufficientPoints
	}
	redemption, ok := s.redemptions[params.RedemptionID]
	if !ok || redemption.Status != domain.RedemptionStatusIssued {
		return nil, store.ErrRedemptionNotPending
	}

	redemption.Status = domain.RedemptionStatusConsumed
	s.balance -= params.CostPoints
	entry := domain.LedgerEntry{
		ID:          uuid.New(),
		UserID:      params.UserID,
		BusinessID:  params.BusinessID,
		DeltaPoints: -params.CostPoints,
		Reason:      domain.LedgerReasonRedeem,
		CreatedAt:   time.Now(),
	}
	s.ledger = append(s.ledger, entry)
	return &entry, nil
}

// Two concurrent consumes with two distinct valid tokens for the same
// customer, where each cost fits the balance individually but not
// combined: exactly one may succeed and the balance must stay
// non-negative.
func TestConcurrentConsumesCannotOverdrawBalance(t *testing.T) {
	userID := uuid.New()
	businessID := uuid.New()

	newToken := func(raw string, cost int64) *domain.Redemption {
		sum := sha256.Sum256([]byte(raw))
		return &domain.Redemption{
			ID:               uuid.New(),
			UserID:           userID,
			BusinessID:       businessID,
			RewardID:         uuid.New(),
			TokenHash:        hex.EncodeToString(sum[:]),
			Status:           domain.RedemptionStatusIssued,
			ExpiresAt:        time.Now().Add(time.Minute),
			RewardLabel:      "Reward",
			RewardCostPoints: cost,
		}
	}

	tokenA := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	tokenB := "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	redemptionA := newToken(tokenA, 60)
	redemptionB := newToken(tokenB, 60)

	repo := &concurrentRepoStub{
		balance: 100, // each token fits alone, both together overdraw
		redemptions: map[uuid.UUID]*domain.Redemption{
			redemptionA.ID: redemptionA,
			redemptionB.ID: redemptionB,
		},
	}
	svc := NewService(repo, nil, 0)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, token := range []string{tokenA, tokenB} {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			_, err := svc.ConsumeRedemption(context.Background(), domain.ConsumeRedemptionRequest{
				RedeemToken: token,
				BusinessID:  businessID,
			}, "", "terminal-1")
			results <- err
		}(token)
	}
	wg.Wait()
	close(results)

	var successes, insufficient int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, store.ErrInsufficientPoints):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if successes != 1 || insufficient != 1 {
		t.Fatalf("expected exactly one success and one insufficient-funds failure, got %d/%d", successes, insufficient)
	}
	if repo.balance < 0 {
		t.Fatalf("balance went negative: %d", repo.balance)
	}
	if len(repo.ledger) != 1 {
		t.Fatalf("expected exactly one debit entry, got %d", len(repo.ledger))
	}
}

// Two concurrent consumes of the same token: the status CAS lets exactly
// one win; the loser observes a terminal state and no second debit occurs.
func TestConcurrentConsumesOfSameTokenDeductOnce(t *testing.T) {
	userID := uuid.New()
	businessID := uuid.New()
	token := "cccccccccccccccccccccccccccccccc"
	sum := sha256.Sum256([]byte(token))
	redemption := &domain.Redemption{
		ID:               uuid.New(),
		UserID:           userID,
		BusinessID:       businessID,
		RewardID:         uuid.New(),
		TokenHash:        hex.EncodeToString(sum[:]),
		Status:           domain.RedemptionStatusIssued,
		ExpiresAt:        time.Now().Add(time.Minute),
		RewardLabel:      "Reward",
		RewardCostPoints: 40,
	}
	repo := &concurrentRepoStub{
		balance:     100,
		redemptions: map[uuid.UUID]*domain.Redemption{redemption.ID: redemption},
	}
	svc := NewService(repo, nil, 0)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ConsumeRedemption(context.Background(), domain.ConsumeRedemptionRequest{
				RedeemToken: token,
				BusinessID:  businessID,
			}, "", "terminal-1")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes int
	for err := range results {
		if err == nil {
			successes++
		} else if !errors.Is(err, ErrRedemptionAlreadyUsed) {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if successes != 1 {
		t.Fatalf("expected exactly one winning consume, got %d", successes)
	}
	if repo.balance != 60 {
		t.Fatalf("expected exactly one 40-point deduction from 100, got balance %d", repo.balance)
	}
	if len(repo.ledger) != 1 {
		t.Fatalf("expected exactly one debit entry, got %d", len(repo.ledger))
	}
}
