// Package audit periodically recomputes balances from the transaction log
// and reports accounts whose cached balance has drifted.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/lyriclabs/creditledger/pkg/credits"
)

const defaultSweepInterval = 10 * time.Minute

// AccountLister enumerates the accounts to audit.
type AccountLister interface {
	ListAccountRefs(ctx context.Context) ([]credits.AccountRef, error)
}

// Sweeper walks every account on a timer and verifies the cached balance
// against the sum of its transactions.
type Sweeper struct {
	creditService *credits.Service
	accounts      AccountLister
	logger        *zap.Logger
	interval      time.Duration
	driftedGauge  prometheus.Gauge
	sweepsTotal   prometheus.Counter
}

// NewSweeper wires a Sweeper. A nil registerer uses the default prometheus
// registry; a non-positive interval falls back to the default.
func NewSweeper(creditService *credits.Service, accounts AccountLister, logger *zap.Logger, interval time.Duration, registerer prometheus.Registerer) (*Sweeper, error) {
	if creditService == nil {
		return nil, fmt.Errorf("audit: credit service is nil")
	}
	if accounts == nil {
		return nil, fmt.Errorf("audit: account lister is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)
	return &Sweeper{
		creditService: creditService,
		accounts:      accounts,
		logger:        logger,
		interval:      interval,
		driftedGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "creditledger_audit_drifted_accounts",
			Help: "Accounts whose cached balance disagreed with the ledger on the last sweep.",
		}),
		sweepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "creditledger_audit_sweeps_total",
			Help: "Completed audit sweeps.",
		}),
	}, nil
}

// Run sweeps on the configured interval until ctx is cancelled. The first
// sweep happens immediately.
func (sweeper *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()

	if err := sweeper.Sweep(ctx); err != nil {
		sweeper.logger.Error("audit sweep failed", zap.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := sweeper.Sweep(ctx); err != nil {
				sweeper.logger.Error("audit sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep verifies every account once. A storage error aborts the sweep; drift
// does not stop the remaining accounts from being audited, but is reported as
// credits.ErrBalanceDrift once the whole sweep has completed.
func (sweeper *Sweeper) Sweep(ctx context.Context) error {
	refs, err := sweeper.accounts.ListAccountRefs(ctx)
	if err != nil {
		return err
	}
	drifted := 0
	for _, ref := range refs {
		report, verifyErr := sweeper.creditService.VerifyAccount(ctx, ref)
		if verifyErr != nil {
			return verifyErr
		}
		if !report.Consistent() {
			drifted++
			sweeper.logger.Error("balance drift detected",
				zap.String("account_id", report.AccountID),
				zap.Int64("cached_credits", report.CachedCredits),
				zap.Int64("computed_credits", report.ComputedCredits))
		}
	}
	sweeper.driftedGauge.Set(float64(drifted))
	sweeper.sweepsTotal.Inc()
	if drifted > 0 {
		return fmt.Errorf("%d drifted accounts: %w", drifted, credits.ErrBalanceDrift)
	}
	return nil
}
