// Package reconciliation checks ledger freezes against open P2P deals and
// surfaces settlements that need an operator.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/custodia/internal/apperr"
	"github.com/mbd888/custodia/internal/settlement"
	"github.com/mbd888/custodia/internal/syncutil"
	"github.com/mbd888/custodia/internal/usdc"
)

// FrozenLedger exposes frozen totals.
type FrozenLedger interface {
	FrozenTotals(ctx context.Context) (map[string]*big.Int, error)
}

// OpenDeals is the P2P engine's view of what should be frozen. It owns the
// repair because only it can recompute a seller's open sum atomically with
// the overwrite.
type OpenDeals interface {
	OpenFrozenBySeller(ctx context.Context) (map[string]*big.Int, error)
	FinalizeSettled(ctx context.Context, limit int) (int, error)
	RepairFrozen(ctx context.Context, actorID, userID, reason string) (bool, error)
}

// Settlements lists payouts with no final outcome.
type Settlements interface {
	// MarkStale moves transfers stuck in initiated to unknown.
	MarkStale(ctx context.Context, limit int) (int, error)
	ListUnresolved(ctx context.Context, limit int) ([]*settlement.Record, error)
}

// Mismatch is one user whose frozen total disagrees with their open deals.
type Mismatch struct {
	UserID   string `json:"userId"`
	Frozen   string `json:"frozen"`
	Expected string `json:"expected"`
	Diff     string `json:"diff"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	Mismatches  []Mismatch           `json:"mismatches"`
	Unresolved  []*settlement.Record `json:"unresolved"`
	Finalized   int                  `json:"finalized"`
	Stale       int                  `json:"stale,omitempty"`
	Repaired    int                  `json:"repaired,omitempty"`
	FrozenTotal string               `json:"frozenTotal"`
	CheckedAt   time.Time            `json:"checkedAt"`
}

// Clean reports whether nothing needs attention.
func (r *Report) Clean() bool {
	return len(r.Mismatches) == 0 && len(r.Unresolved) == 0
}

// Service performs reconciliation between the ledger and the deal engines.
type Service struct {
	ledger      FrozenLedger
	deals       OpenDeals
	settlements Settlements
	locks       *syncutil.KeyedMutex
	logger      *slog.Logger
}

// NewService creates a reconciliation service.
func NewService(ledger FrozenLedger, deals OpenDeals, settlements Settlements) *Service {
	return &Service{
		ledger:      ledger,
		deals:       deals,
		settlements: settlements,
		locks:       syncutil.NewKeyedMutex(),
		logger:      slog.Default(),
	}
}

// WithLocks shares the deal engines' lock table so a repair does not race a
// new deal against the same seller.
func (s *Service) WithLocks(l *syncutil.KeyedMutex) *Service {
	s.locks = l
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Run closes P2P deals whose payouts were resolved, compares every user's
// frozen total with the sum of their open deals and surfaces settlements
// that need an operator, including transfers stuck in initiated.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	finalized, err := s.deals.FinalizeSettled(ctx, 200)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("finalize settled payouts: %w", err)
	}
	mismatches, total, err := s.compare(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, err
	}
	stale, err := s.settlements.MarkStale(ctx, 500)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("mark stale settlements: %w", err)
	}
	unresolved, err := s.settlements.ListUnresolved(ctx, 500)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list unresolved settlements: %w", err)
	}

	reconcileFrozenMismatches.Set(float64(len(mismatches)))
	reconcileUnresolved.Set(float64(len(unresolved)))

	return &Report{
		Mismatches:  mismatches,
		Unresolved:  unresolved,
		Finalized:   finalized,
		Stale:       stale,
		FrozenTotal: usdc.Format(total),
		CheckedAt:   start,
	}, nil
}

// Apply runs reconciliation and overwrites each mismatched frozen total
// with the open-deal sum. Every repair is recorded as an override.
func (s *Service) Apply(ctx context.Context, actorID, reason string) (*Report, error) {
	if strings.TrimSpace(actorID) == "" || strings.TrimSpace(reason) == "" {
		return nil, apperr.Validation("actor and reason are required")
	}
	report, err := s.Run(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range report.Mismatches {
		ok, err := s.repair(ctx, actorID, m.UserID, reason)
		if err != nil {
			reconcileErrors.Inc()
			return report, fmt.Errorf("repair %s: %w", m.UserID, err)
		}
		if ok {
			report.Repaired++
		}
	}
	reconcileRepairs.Add(float64(report.Repaired))
	if report.Repaired > 0 {
		s.logger.Warn("frozen totals repaired", "count", report.Repaired, "actor_id", actorID, "reason", reason)
	}
	return report, nil
}

// repair holds the user's lock so no new deal freezes against them; the
// deal store recomputes and writes under its own row lock.
func (s *Service) repair(ctx context.Context, actorID, userID, reason string) (bool, error) {
	unlock, err := s.locks.Lock(ctx, "user:"+userID)
	if err != nil {
		return false, err
	}
	defer unlock()
	return s.deals.RepairFrozen(ctx, actorID, userID, reason)
}

func (s *Service) compare(ctx context.Context) ([]Mismatch, *big.Int, error) {
	frozen, err := s.ledger.FrozenTotals(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("read frozen totals: %w", err)
	}
	open, err := s.deals.OpenFrozenBySeller(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("sum open deals: %w", err)
	}

	ids := make(map[string]struct{}, len(frozen)+len(open))
	total := new(big.Int)
	for id, v := range frozen {
		ids[id] = struct{}{}
		total.Add(total, v)
	}
	for id := range open {
		ids[id] = struct{}{}
	}

	var out []Mismatch
	for id := range ids {
		have, want := orZero(frozen[id]), orZero(open[id])
		if have.Cmp(want) == 0 {
			continue
		}
		out = append(out, Mismatch{
			UserID:   id,
			Frozen:   usdc.Format(have),
			Expected: usdc.Format(want),
			Diff:     usdc.Format(new(big.Int).Sub(have, want)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, total, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
