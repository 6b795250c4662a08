package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sammyslee/if.then.fund/internal/domain"
	"github.com/sammyslee/if.then.fund/internal/events"
	"github.com/sammyslee/if.then.fund/internal/geo"
)

// UndoPledgeExecution reverses an executed pledge: every contribution
// is backed out of the cached rollups and deleted, the pledge returns
// to open, and the execution record is removed, all in one atomic
// unit. Voiding the external transactions happens last, after commit:
// if a void fails the local ledger is already consistent and only the
// processor call needs a manual retry.
func (e Engine) UndoPledgeExecution(ctx context.Context, pledgeExecutionID string, allowCredit bool, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	pe, err := e.Repo.GetPledgeExecutionTx(ctx, tx, pledgeExecutionID)
	if err != nil {
		return err
	}
	p, err := e.Repo.GetPledgeTx(ctx, tx, pe.PledgeID)
	if err != nil {
		return err
	}
	contribs, err := e.Repo.ListContributionsByPledgeExecutionTx(ctx, tx, pe.ID)
	if err != nil {
		return err
	}

	for _, c := range contribs {
		rec, err := e.Repo.GetRecipientTx(ctx, tx, c.RecipientID)
		if err != nil {
			return fmt.Errorf("recipient %s: %w", c.RecipientID, err)
		}
		if err := e.applyContribution(ctx, tx, c, pe.TriggerExecutionID, p.DesiredOutcome, pe.District, rec.IsChallenger(), -1); err != nil {
			return err
		}
		if err := e.Repo.DeleteContributionTx(ctx, tx, c.ID); err != nil {
			return err
		}
	}

	now := e.nowStr()
	flipped, err := e.Repo.UpdatePledgeStatusTx(ctx, tx, p.ID, domain.PledgeExecuted, domain.PledgeOpen, now)
	if err != nil {
		return err
	}
	if !flipped {
		return &InvalidStateError{Entity: "pledge", ID: p.ID, Status: p.Status, Op: "undo"}
	}
	withContribs := 0
	if pe.Problem == domain.ProblemNone {
		withContribs = -1
	}
	if err := e.Repo.AddTriggerExecutionPledgeCountsTx(ctx, tx, pe.TriggerExecutionID, -1, withContribs); err != nil {
		return err
	}
	if err := e.Repo.DeletePledgeExecutionTx(ctx, tx, pe.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "pledge.execution.undone", "pledge", p.ID, actorID, events.EventPayload{
		"pledge_execution_id": pe.ID,
		"contributions":       len(contribs),
		"allow_credit":        allowCredit,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	// Executions that recorded a problem made no donation; there is
	// nothing external to void.
	if pe.DonationJSON == nil {
		return nil
	}
	if e.Processor == nil {
		return errors.New("donation processor not configured; void transactions manually")
	}
	seen := map[string]bool{}
	var voidErrs []error
	for _, c := range contribs {
		if seen[c.TransactionID] {
			continue
		}
		seen[c.TransactionID] = true
		if err := e.Processor.VoidTransaction(ctx, c.TransactionID, allowCredit); err != nil {
			voidErrs = append(voidErrs, fmt.Errorf("void transaction %s: %w", c.TransactionID, err))
		}
	}
	return errors.Join(voidErrs...)
}

// UpdateDistrict files a pledge execution's contributions under the
// resolved district: reverse every contribution out of the aggregates,
// set the district, re-apply. The reverse/re-apply pair makes the
// operation idempotent; repeating it with the same district lands the
// totals in the same place.
func (e Engine) UpdateDistrict(ctx context.Context, pledgeExecutionID, district, geocodeJSON, actorID string) error {
	if district == "" {
		return errors.New("district is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	pe, err := e.Repo.GetPledgeExecutionTx(ctx, tx, pledgeExecutionID)
	if err != nil {
		return err
	}
	p, err := e.Repo.GetPledgeTx(ctx, tx, pe.PledgeID)
	if err != nil {
		return err
	}
	contribs, err := e.Repo.ListContributionsByPledgeExecutionTx(ctx, tx, pe.ID)
	if err != nil {
		return err
	}

	type undoEntry struct {
		c       domain.Contribution
		against bool
	}
	entries := make([]undoEntry, 0, len(contribs))
	for _, c := range contribs {
		rec, err := e.Repo.GetRecipientTx(ctx, tx, c.RecipientID)
		if err != nil {
			return fmt.Errorf("recipient %s: %w", c.RecipientID, err)
		}
		entries = append(entries, undoEntry{c: c, against: rec.IsChallenger()})
	}

	for _, en := range entries {
		if err := e.applyContribution(ctx, tx, en.c, pe.TriggerExecutionID, p.DesiredOutcome, pe.District, en.against, -1); err != nil {
			return err
		}
	}
	if err := e.Repo.UpdatePledgeExecutionDistrictTx(ctx, tx, pe.ID, district, geocodeJSON); err != nil {
		return err
	}
	for _, en := range entries {
		if err := e.applyContribution(ctx, tx, en.c, pe.TriggerExecutionID, p.DesiredOutcome, &district, en.against, 1); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, "pledge.execution.district", "pledge", p.ID, actorID, events.EventPayload{
		"pledge_execution_id": pe.ID,
		"district":            district,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ResolveDistrict geocodes an address and back-fills the district onto
// a pledge execution. A not-found from the geocoder leaves the record
// untouched for a later retry.
func (e Engine) ResolveDistrict(ctx context.Context, pledgeExecutionID string, addr geo.Address, actorID string) (string, error) {
	if e.Geocoder == nil {
		return "", errors.New("geocoder not configured")
	}
	res, err := e.Geocoder.DistrictFor(ctx, addr)
	if err != nil {
		if errors.Is(err, geo.ErrNotFound) {
			return "", err
		}
		return "", fmt.Errorf("geocode: %w", err)
	}
	if err := e.UpdateDistrict(ctx, pledgeExecutionID, res.District, string(res.Raw), actorID); err != nil {
		return "", err
	}
	return res.District, nil
}
