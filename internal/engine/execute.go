package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sammyslee/if.then.fund/internal/domain"
	"github.com/sammyslee/if.then.fund/internal/events"
	"github.com/sammyslee/if.then.fund/internal/legislative"
)

// ActorOutcome says what one actor did when the trigger resolved:
// either an index into the trigger's outcome list, or a reason string
// for taking no outcome (did not vote, voted present). Exactly one of
// the two may be set; both nil means the actor is recorded with no
// outcome and no reason.
type ActorOutcome struct {
	ActorID            string
	Outcome            *int
	ReasonForNoOutcome *string
}

// ExecuteTrigger resolves a trigger: creates the one TriggerExecution,
// snapshots one Action per actor, and flips the trigger to executed.
// Legal only from open or paused. The whole fan-out is one atomic
// unit; the guarded status update serializes racing execute/vacate
// calls, so only one resolution can ever win.
func (e Engine) ExecuteTrigger(ctx context.Context, triggerID string, actionTime time.Time, description string, outcomes []ActorOutcome, actorID string) (domain.TriggerExecution, error) {
	if e.Config == nil {
		return domain.TriggerExecution{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TriggerExecution{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTriggerTx(ctx, tx, triggerID)
	if err != nil {
		return domain.TriggerExecution{}, err
	}
	if t.Status != domain.TriggerOpen && t.Status != domain.TriggerPaused {
		return domain.TriggerExecution{}, &InvalidStateError{Entity: "trigger", ID: t.ID, Status: t.Status, Op: "execute"}
	}
	now := e.nowStr()
	ok, err := e.Repo.UpdateTriggerStatusTx(ctx, tx, t.ID, domain.TriggerExecuted, now, domain.TriggerOpen, domain.TriggerPaused)
	if err != nil {
		return domain.TriggerExecution{}, err
	}
	if !ok {
		return domain.TriggerExecution{}, &InvalidStateError{Entity: "trigger", ID: t.ID, Status: t.Status, Op: "execute"}
	}

	te := domain.TriggerExecution{
		ID:          uuid.NewString(),
		TriggerID:   t.ID,
		ActionTime:  actionTime.UTC().Format(time.RFC3339),
		Cycle:       e.Config.Site.Cycle,
		Description: description,
		CreatedAt:   now,
	}
	if err := e.Repo.InsertTriggerExecutionTx(ctx, tx, te); err != nil {
		return domain.TriggerExecution{}, fmt.Errorf("insert trigger execution: %w", err)
	}

	for _, ao := range outcomes {
		if ao.Outcome != nil && ao.ReasonForNoOutcome != nil {
			return domain.TriggerExecution{}, fmt.Errorf("actor %s has both an outcome and a no-outcome reason", ao.ActorID)
		}
		if ao.Outcome != nil && (*ao.Outcome < 0 || *ao.Outcome >= len(t.Outcomes)) {
			return domain.TriggerExecution{}, fmt.Errorf("actor %s outcome %d out of range", ao.ActorID, *ao.Outcome)
		}
		actor, err := e.Repo.GetActorTx(ctx, tx, ao.ActorID)
		if err != nil {
			return domain.TriggerExecution{}, fmt.Errorf("actor %s: %w", ao.ActorID, err)
		}
		// Snapshot the actor's identity so later edits to the actor
		// cannot rewrite how this execution looked at the time.
		a := domain.Action{
			ID:                 uuid.NewString(),
			ExecutionID:        te.ID,
			ActorID:            actor.ID,
			Outcome:            ao.Outcome,
			ReasonForNoOutcome: ao.ReasonForNoOutcome,
			NameLong:           actor.NameLong,
			NameShort:          actor.NameShort,
			NameSort:           actor.NameSort,
			Party:              actor.Party,
			Title:              actor.Title,
			ChallengerID:       actor.ChallengerID,
			ActionTime:         te.ActionTime,
			CreatedAt:          now,
		}
		if err := e.Repo.InsertActionTx(ctx, tx, a); err != nil {
			return domain.TriggerExecution{}, fmt.Errorf("insert action for actor %s: %w", actor.ID, err)
		}
	}

	if err := e.Events.Append(ctx, tx, "trigger.executed", "trigger", t.ID, actorID, events.EventPayload{
		"execution_id": te.ID,
		"actions":      len(outcomes),
		"action_time":  te.ActionTime,
	}); err != nil {
		return domain.TriggerExecution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TriggerExecution{}, err
	}
	return te, nil
}

// ExecuteTriggerFromVote fetches a roll call and executes the trigger
// from it, mapping each member's vote key onto the trigger's outcome
// list. Members recorded as not voting or voting present get a reason
// instead of an outcome; members unknown to the store are skipped.
func (e Engine) ExecuteTriggerFromVote(ctx context.Context, triggerID, voteURL, actorID string) (domain.TriggerExecution, error) {
	if e.Legislative == nil {
		return domain.TriggerExecution{}, errors.New("legislative client not configured")
	}
	t, err := e.Repo.GetTrigger(ctx, triggerID)
	if err != nil {
		return domain.TriggerExecution{}, err
	}
	vote, err := e.Legislative.FetchVote(ctx, voteURL)
	if err != nil {
		return domain.TriggerExecution{}, fmt.Errorf("fetch vote: %w", err)
	}
	keyToOutcome := map[string]int{}
	for i, o := range t.Outcomes {
		keyToOutcome[o.VoteKey] = i
	}
	var outcomes []ActorOutcome
	for _, voter := range vote.Voters {
		actor, err := e.Repo.GetActorByGovTrackID(ctx, voter.GovTrackID)
		if err != nil {
			continue
		}
		ao := ActorOutcome{ActorID: actor.ID}
		if reason := legislative.ReasonForVoteKey(voter.VoteKey); reason != "" {
			ao.ReasonForNoOutcome = &reason
		} else if idx, found := keyToOutcome[voter.VoteKey]; found {
			outcome := idx
			ao.Outcome = &outcome
		} else {
			return domain.TriggerExecution{}, fmt.Errorf("vote key %q from %s matches no trigger outcome", voter.VoteKey, vote.URL)
		}
		outcomes = append(outcomes, ao)
	}
	description := fmt.Sprintf("Roll call vote at %s", vote.URL)
	return e.ExecuteTrigger(ctx, triggerID, vote.Created, description, outcomes, actorID)
}

// VacateTrigger abandons a trigger that will never resolve: the
// trigger and every open pledge under it flip to vacated in one atomic
// unit. Executed pledges already turned into money and stay untouched;
// a pledge in any other state aborts the vacate.
func (e Engine) VacateTrigger(ctx context.Context, triggerID, actorID string) (domain.Trigger, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Trigger{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTriggerTx(ctx, tx, triggerID)
	if err != nil {
		return domain.Trigger{}, err
	}
	if t.Status != domain.TriggerOpen && t.Status != domain.TriggerPaused {
		return domain.Trigger{}, &InvalidStateError{Entity: "trigger", ID: t.ID, Status: t.Status, Op: "vacate"}
	}
	now := e.nowStr()
	ok, err := e.Repo.UpdateTriggerStatusTx(ctx, tx, t.ID, domain.TriggerVacated, now, domain.TriggerOpen, domain.TriggerPaused)
	if err != nil {
		return domain.Trigger{}, err
	}
	if !ok {
		return domain.Trigger{}, &InvalidStateError{Entity: "trigger", ID: t.ID, Status: t.Status, Op: "vacate"}
	}

	pledges, err := e.Repo.ListPledgesByTriggerTx(ctx, tx, t.ID)
	if err != nil {
		return domain.Trigger{}, err
	}
	vacated := 0
	for _, p := range pledges {
		switch p.Status {
		case domain.PledgeOpen:
			flipped, err := e.Repo.UpdatePledgeStatusTx(ctx, tx, p.ID, domain.PledgeOpen, domain.PledgeVacated, now)
			if err != nil {
				return domain.Trigger{}, err
			}
			if !flipped {
				return domain.Trigger{}, &InvalidStateError{Entity: "pledge", ID: p.ID, Status: p.Status, Op: "vacate"}
			}
			vacated++
		case domain.PledgeExecuted:
			// Already resolved to real money; nothing to unwind here.
		default:
			return domain.Trigger{}, &InvalidStateError{Entity: "pledge", ID: p.ID, Status: p.Status, Op: "vacate"}
		}
	}

	if err := e.Events.Append(ctx, tx, "trigger.vacated", "trigger", t.ID, actorID, events.EventPayload{"pledges_vacated": vacated}); err != nil {
		return domain.Trigger{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Trigger{}, err
	}
	t.Status = domain.TriggerVacated
	t.UpdatedAt = now
	return t, nil
}
