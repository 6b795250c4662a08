package engine

import (
	"context"
	"database/sql"

	"github.com/sammyslee/if.then.fund/internal/domain"
)

// applyContribution posts one contribution's amount into every cached
// rollup, factor +1 on creation and -1 on reversal:
//   - the action's for/against total (against when the money went to
//     the actor's challenger),
//   - the trigger execution's total and count,
//   - the four aggregate slices keyed by (outcome, district); the
//     district-keyed slices are skipped while the pledger's district
//     is still unknown.
//
// Every update is a single atomic increment so unrelated contributions
// can post concurrently without clobbering each other.
func (e Engine) applyContribution(ctx context.Context, tx *sql.Tx, c domain.Contribution, triggerExecutionID string, desiredOutcome int, district *string, against bool, factor int) error {
	delta := c.Amount
	if factor < 0 {
		delta = delta.Neg()
	}
	now := e.nowStr()

	if err := e.Repo.AddActionContribTotalTx(ctx, tx, c.ActionID, delta, against); err != nil {
		return err
	}
	if err := e.Repo.AddTriggerExecutionContribTotalsTx(ctx, tx, triggerExecutionID, delta, factor); err != nil {
		return err
	}
	if err := e.Repo.AddToAggregateTx(ctx, tx, triggerExecutionID, domain.AggregateAllOutcomes, domain.AggregateAllDistricts, delta, now); err != nil {
		return err
	}
	if err := e.Repo.AddToAggregateTx(ctx, tx, triggerExecutionID, desiredOutcome, domain.AggregateAllDistricts, delta, now); err != nil {
		return err
	}
	if district != nil {
		if err := e.Repo.AddToAggregateTx(ctx, tx, triggerExecutionID, domain.AggregateAllOutcomes, *district, delta, now); err != nil {
			return err
		}
		if err := e.Repo.AddToAggregateTx(ctx, tx, triggerExecutionID, desiredOutcome, *district, delta, now); err != nil {
			return err
		}
	}
	return nil
}
