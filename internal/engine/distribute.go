package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sammyslee/if.then.fund/internal/currency"
	"github.com/sammyslee/if.then.fund/internal/domain"
	"github.com/sammyslee/if.then.fund/internal/donations"
	"github.com/sammyslee/if.then.fund/internal/events"
	"github.com/sammyslee/if.then.fund/internal/repo"
)

// allocation is one planned contribution: which action earned it,
// which recipient gets it, and whether the money counts against the
// action's actor (it went to the challenger).
type allocation struct {
	Action    domain.Action
	Recipient domain.Recipient
	Weight    decimal.Decimal
	Amount    decimal.Decimal
	Against   bool
}

// ExecutePledge turns one open pledge under an executed trigger into
// contributions. One atomic unit: precondition checks, recipient
// computation, the external donation call, and all bookkeeping commit
// or roll back together. Business rejections from the processor are
// recorded as a problem and committed; any other processor failure
// aborts everything and needs manual reconciliation since the external
// state is unknown.
func (e Engine) ExecutePledge(ctx context.Context, pledgeID, actorID string) (domain.PledgeExecution, error) {
	sched, err := e.schedule()
	if err != nil {
		return domain.PledgeExecution{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PledgeExecution{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetPledgeTx(ctx, tx, pledgeID)
	if err != nil {
		return domain.PledgeExecution{}, err
	}
	t, err := e.Repo.GetTriggerTx(ctx, tx, p.TriggerID)
	if err != nil {
		return domain.PledgeExecution{}, err
	}
	if p.Status != domain.PledgeOpen {
		return domain.PledgeExecution{}, &InvalidStateError{Entity: "pledge", ID: p.ID, Status: p.Status, Op: "execute"}
	}
	if t.Status != domain.TriggerExecuted {
		return domain.PledgeExecution{}, &InvalidStateError{Entity: "trigger", ID: t.ID, Status: t.Status, Op: "execute a pledge under"}
	}
	if p.Algorithm != sched.Algorithm {
		// Stale pledges are never silently re-priced under a newer
		// fee schedule.
		return domain.PledgeExecution{}, fmt.Errorf("pledge %s was made under fee schedule %d; active schedule is %d", p.ID, p.Algorithm, sched.Algorithm)
	}
	te, err := e.Repo.GetTriggerExecutionByTriggerTx(ctx, tx, t.ID)
	if err != nil {
		return domain.PledgeExecution{}, fmt.Errorf("trigger execution for %s: %w", t.ID, err)
	}

	if p.UserID == nil {
		// Unconfirmed pledges never move money, but every pledge under
		// an executed trigger still gets exactly one execution record.
		return e.recordProblem(ctx, tx, p, te, domain.ProblemEmailUnconfirmed, "", actorID)
	}

	plan, err := e.planAllocations(ctx, tx, te.ID, p)
	if err != nil {
		return domain.PledgeExecution{}, err
	}
	if len(plan) == 0 {
		return e.recordProblem(ctx, tx, p, te, domain.ProblemFiltersExcludedAll, "", actorID)
	}

	if err := e.checkExecutionDelay(p); err != nil {
		return domain.PledgeExecution{}, err
	}
	if e.Processor == nil {
		return domain.PledgeExecution{}, errors.New("donation processor not configured")
	}

	net := sched.Net(p.Amount)
	weights := make([]decimal.Decimal, len(plan))
	for i, a := range plan {
		weights[i] = a.Weight
	}
	shares, err := currency.Allocate(net, weights)
	if err != nil {
		return domain.PledgeExecution{}, err
	}
	lineItems := make([]donations.LineItem, 0, len(plan))
	kept := plan[:0]
	total := decimal.Zero
	for i := range plan {
		if shares[i].IsZero() {
			continue
		}
		if shares[i].GreaterThan(sched.MaxContrib) {
			return domain.PledgeExecution{}, fmt.Errorf("allocation %s to recipient %s exceeds the per-recipient maximum %s", shares[i], plan[i].Recipient.ID, sched.MaxContrib)
		}
		plan[i].Amount = shares[i]
		total = total.Add(shares[i])
		lineItems = append(lineItems, donations.LineItem{
			RecipientProcessorID: plan[i].Recipient.ProcessorID,
			Amount:               shares[i],
		})
		kept = append(kept, plan[i])
	}
	plan = kept
	fees := sched.Fees(total)
	charged := total.Add(fees)

	user, err := e.Repo.GetUser(ctx, *p.UserID)
	if err != nil {
		return domain.PledgeExecution{}, fmt.Errorf("user %s: %w", *p.UserID, err)
	}
	donReq := donations.DonationRequest{
		Email:     user.Email,
		Amount:    charged,
		Fees:      fees,
		LineItems: lineItems,
		AuxData:   map[string]any{"pledge_id": p.ID, "trigger_id": t.ID},
	}
	donation, err := e.Processor.CreateDonation(ctx, donReq)
	if err != nil {
		var ve *donations.ValidationError
		if errors.As(err, &ve) {
			return e.recordProblem(ctx, tx, p, te, domain.ProblemTransactionFailed, ve.Message, actorID)
		}
		// The processor's state is unknown; log the full request before
		// the rollback discards it, then surface the raw error for
		// manual reconciliation.
		log.Printf("pledge %s: donation request failed (amount=%s fees=%s line_items=%d): %v", p.ID, charged.StringFixed(2), fees.StringFixed(2), len(lineItems), err)
		return domain.PledgeExecution{}, err
	}

	txnByRecipient := map[string]string{}
	for _, li := range donation.LineItems {
		txnByRecipient[li.RecipientProcessorID] = li.TransactionGUID
	}

	now := e.nowStr()
	pe := domain.PledgeExecution{
		ID:                 uuid.NewString(),
		PledgeID:           p.ID,
		TriggerExecutionID: te.ID,
		Problem:            domain.ProblemNone,
		Charged:            charged,
		Fees:               fees,
		CreatedAt:          now,
	}
	if raw := string(donation.Raw); raw != "" {
		pe.DonationJSON = &raw
	}
	if err := e.Repo.InsertPledgeExecutionTx(ctx, tx, pe); err != nil {
		return domain.PledgeExecution{}, fmt.Errorf("insert pledge execution: %w", err)
	}
	for _, a := range plan {
		txnID, found := txnByRecipient[a.Recipient.ProcessorID]
		if !found {
			return domain.PledgeExecution{}, fmt.Errorf("processor response missing transaction for recipient %s", a.Recipient.ProcessorID)
		}
		c := domain.Contribution{
			ID:                uuid.NewString(),
			PledgeExecutionID: pe.ID,
			ActionID:          a.Action.ID,
			RecipientID:       a.Recipient.ID,
			Amount:            a.Amount,
			ProcessorID:       a.Recipient.ProcessorID,
			TransactionID:     txnID,
			CreatedAt:         now,
		}
		if err := e.Repo.InsertContributionTx(ctx, tx, c); err != nil {
			return domain.PledgeExecution{}, fmt.Errorf("insert contribution: %w", err)
		}
		if err := e.applyContribution(ctx, tx, c, te.ID, p.DesiredOutcome, pe.District, a.Against, 1); err != nil {
			return domain.PledgeExecution{}, err
		}
	}

	flipped, err := e.Repo.UpdatePledgeStatusTx(ctx, tx, p.ID, domain.PledgeOpen, domain.PledgeExecuted, now)
	if err != nil {
		return domain.PledgeExecution{}, err
	}
	if !flipped {
		return domain.PledgeExecution{}, &InvalidStateError{Entity: "pledge", ID: p.ID, Status: p.Status, Op: "execute"}
	}
	if err := e.Repo.AddTriggerExecutionPledgeCountsTx(ctx, tx, te.ID, 1, 1); err != nil {
		return domain.PledgeExecution{}, err
	}
	if err := e.Events.Append(ctx, tx, "pledge.executed", "pledge", p.ID, actorID, events.EventPayload{
		"pledge_execution_id": pe.ID,
		"charged":             charged.StringFixed(2),
		"fees":                fees.StringFixed(2),
		"contributions":       len(plan),
	}); err != nil {
		return domain.PledgeExecution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PledgeExecution{}, err
	}
	return pe, nil
}

// planAllocations computes the weighted recipient set for a pledge
// against the trigger's actions. For each action with an outcome: if
// the outcome matches the pledge's desired outcome the incumbent gets
// the incumbent fraction (1+dial)/2; otherwise the actor's challenger
// gets the challenger fraction (1-dial)/2. Party and competitiveness
// filters, inactive recipients, missing challengers, and zero weights
// all drop the entry.
func (e Engine) planAllocations(ctx context.Context, tx *sql.Tx, triggerExecutionID string, p domain.Pledge) ([]allocation, error) {
	actions, err := e.Repo.ListActionsByExecutionTx(ctx, tx, triggerExecutionID)
	if err != nil {
		return nil, err
	}
	incumbWeight := decimal.NewFromFloat((1 + p.IncumbChallgr) / 2)
	challgrWeight := decimal.NewFromFloat((1 - p.IncumbChallgr) / 2)

	var plan []allocation
	for _, a := range actions {
		if !a.HasOutcome() {
			continue
		}
		// Actions without a challenger link are uncontested seats; the
		// competitiveness filter excludes them.
		if p.FilterCompetitive && a.ChallengerID == nil {
			continue
		}
		var rec domain.Recipient
		var weight decimal.Decimal
		var party string
		against := false
		if *a.Outcome == p.DesiredOutcome {
			// An actor with no donation-eligible recipient is a filter
			// exclusion; any other lookup failure aborts the execution.
			rec, err = e.Repo.GetRecipientByActorTx(ctx, tx, a.ActorID)
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			weight = incumbWeight
			party = a.Party
		} else {
			if a.ChallengerID == nil {
				continue
			}
			rec, err = e.Repo.GetRecipientTx(ctx, tx, *a.ChallengerID)
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			weight = challgrWeight
			party = domain.OppositeParty(a.Party)
			against = true
		}
		if !rec.Active {
			continue
		}
		if p.FilterParty != nil && party != *p.FilterParty {
			continue
		}
		if weight.IsZero() {
			continue
		}
		plan = append(plan, allocation{Action: a, Recipient: rec, Weight: weight, Against: against})
	}
	return plan, nil
}

// checkExecutionDelay enforces the waiting period between the
// pre-execution notice and money movement. A violation is a usage
// error in the calling code, not something reported to the pledger.
func (e Engine) checkExecutionDelay(p domain.Pledge) error {
	if e.Config.Testing.SkipExecutionDelay {
		return nil
	}
	if p.PreExecutionEmailSentAt == nil {
		return fmt.Errorf("pledge %s has no pre-execution notice on record", p.ID)
	}
	sentAt, err := time.Parse(time.RFC3339, *p.PreExecutionEmailSentAt)
	if err != nil {
		return fmt.Errorf("pledge %s pre-execution timestamp: %w", p.ID, err)
	}
	warn := time.Duration(e.Config.Algorithm.PreExecutionWarnHours) * time.Hour
	if e.now().Sub(sentAt) < warn {
		return fmt.Errorf("pledge %s noticed at %s; waiting period of %s has not elapsed", p.ID, sentAt.Format(time.RFC3339), warn)
	}
	return nil
}

// recordProblem writes the no-money-moved execution record: the pledge
// still flips to executed so it is never retried automatically.
func (e Engine) recordProblem(ctx context.Context, tx *sql.Tx, p domain.Pledge, te domain.TriggerExecution, problem, detail, actorID string) (domain.PledgeExecution, error) {
	now := e.nowStr()
	pe := domain.PledgeExecution{
		ID:                 uuid.NewString(),
		PledgeID:           p.ID,
		TriggerExecutionID: te.ID,
		Problem:            problem,
		CreatedAt:          now,
	}
	if detail != "" {
		pe.ExceptionText = &detail
	}
	if err := e.Repo.InsertPledgeExecutionTx(ctx, tx, pe); err != nil {
		return domain.PledgeExecution{}, fmt.Errorf("insert pledge execution: %w", err)
	}
	flipped, err := e.Repo.UpdatePledgeStatusTx(ctx, tx, p.ID, domain.PledgeOpen, domain.PledgeExecuted, now)
	if err != nil {
		return domain.PledgeExecution{}, err
	}
	if !flipped {
		return domain.PledgeExecution{}, &InvalidStateError{Entity: "pledge", ID: p.ID, Status: p.Status, Op: "execute"}
	}
	if err := e.Repo.AddTriggerExecutionPledgeCountsTx(ctx, tx, te.ID, 1, 0); err != nil {
		return domain.PledgeExecution{}, err
	}
	if err := e.Events.Append(ctx, tx, "pledge.executed", "pledge", p.ID, actorID, events.EventPayload{
		"pledge_execution_id": pe.ID,
		"problem":             problem,
	}); err != nil {
		return domain.PledgeExecution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PledgeExecution{}, err
	}
	return pe, nil
}
