package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/sammyslee/if.then.fund/internal/domain"
	"github.com/sammyslee/if.then.fund/internal/events"
)

// MarkPreExecutionNotices stamps the pre-execution notice time on
// every open pledge of a trigger that does not have one yet. The
// notice delivery itself happens elsewhere; the stamp is what starts
// the waiting period the distribution engine enforces.
func (e Engine) MarkPreExecutionNotices(ctx context.Context, triggerID, actorID string) (int, error) {
	pledges, err := e.Repo.ListOpenPledgesByTrigger(ctx, triggerID)
	if err != nil {
		return 0, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	marked := 0
	for _, p := range pledges {
		if p.PreExecutionEmailSentAt != nil {
			continue
		}
		if err := e.Repo.SetPledgePreExecutionEmailSentTx(ctx, tx, p.ID, now); err != nil {
			return 0, err
		}
		marked++
	}
	if marked > 0 {
		if err := e.Events.Append(ctx, tx, "pledge.pre_execution_notice", "trigger", triggerID, actorID, events.EventPayload{"pledges": marked}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return marked, nil
}

// MarkPostExecutionNotices stamps the post-execution notice time on
// every executed pledge of a trigger still missing one.
func (e Engine) MarkPostExecutionNotices(ctx context.Context, triggerID, actorID string) (int, error) {
	pledges, err := e.Repo.ListPledgesByTrigger(ctx, triggerID)
	if err != nil {
		return 0, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	marked := 0
	for _, p := range pledges {
		if p.Status != domain.PledgeExecuted || p.PostExecutionEmailSentAt != nil {
			continue
		}
		if err := e.Repo.SetPledgePostExecutionEmailSentTx(ctx, tx, p.ID, now); err != nil {
			return 0, err
		}
		marked++
	}
	if marked > 0 {
		if err := e.Events.Append(ctx, tx, "pledge.post_execution_notice", "trigger", triggerID, actorID, events.EventPayload{"pledges": marked}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return marked, nil
}

// ExecuteOpenPledges runs the distribution engine over every open
// pledge of an executed trigger. A failing pledge does not stop the
// sweep; failures are logged and reported together at the end.
func (e Engine) ExecuteOpenPledges(ctx context.Context, triggerID, actorID string) ([]domain.PledgeExecution, error) {
	pledges, err := e.Repo.ListOpenPledgesByTrigger(ctx, triggerID)
	if err != nil {
		return nil, err
	}
	var executed []domain.PledgeExecution
	var failures []error
	for _, p := range pledges {
		pe, err := e.ExecutePledge(ctx, p.ID, actorID)
		if err != nil {
			log.Printf("pledge %s: execution failed: %v", p.ID, err)
			failures = append(failures, fmt.Errorf("pledge %s: %w", p.ID, err))
			continue
		}
		executed = append(executed, pe)
	}
	return executed, errors.Join(failures...)
}
