/**
 * @description
 * Cron-driven reconciliation. Correctness never depends on this sweep:
 * the TTL is always checked before a token is consumed. The sweep makes
 * expired-but-never-presented redemptions auditable by moving them from
 * `issued` to `expired`, and audits the balance projection against the
 * ledger fold, logging any pair that drifted.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: Cron scheduling.
 * - internal/store: Data access.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/onecard/loyalty-service/internal/store"
	"github.com/robfig/cron/v3"
)

const (
	sweepTimeout   = 30 * time.Second
	driftReportCap = 100
)

// RedemptionSweeper periodically expires stale issued redemptions.
type RedemptionSweeper struct {
	cron *cron.Cron
	repo store.Repository
}

// NewRedemptionSweeper creates a sweeper backed by the given repository.
func NewRedemptionSweeper(repo store.Repository) *RedemptionSweeper {
	return &RedemptionSweeper{
		cron: cron.New(),
		repo: repo,
	}
}

// Start registers the sweep on the given cron schedule and starts the scheduler.
func (s *RedemptionSweeper) Start(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, s.Sweep); err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("level=info component=sweeper msg=\"redemption sweep scheduled\" schedule=%q", schedule)
	return nil
}

// Stop gracefully stops the scheduler and returns a context that is done
// once any in-flight sweep has finished.
func (s *RedemptionSweeper) Stop() context.Context {
	return s.cron.Stop()
}

// Sweep marks issued redemptions past their TTL as expired.
func (s *RedemptionSweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	expired, err := s.repo.ExpireStaleRedemptions(ctx, time.Now())
	if err != nil {
		log.Printf("level=error component=sweeper msg=\"redemption sweep failed\" err=%v", err)
		return
	}
	if expired > 0 {
		log.Printf("level=info component=sweeper msg=\"expired stale redemptions\" count=%d", expired)
	}

	drifts, err := s.repo.ListBalanceDrift(ctx, driftReportCap)
	if err != nil {
		log.Printf("level=error component=sweeper msg=\"balance drift audit failed\" err=%v", err)
		return
	}
	for _, d := range drifts {
		log.Printf("level=error component=sweeper msg=\"balance projection drift\" user_id=%s business_id=%s projected=%d ledger=%d",
			d.UserID, d.BusinessID, d.ProjectedBalance, d.LedgerBalance)
	}
}
