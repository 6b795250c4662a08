package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sammyslee/if.then.fund/internal/domain"
	"github.com/sammyslee/if.then.fund/internal/events"
	"github.com/sammyslee/if.then.fund/internal/repo"
)

// PledgeCreateOptions are parameters for creating a pledge. Exactly one
// of UserID and Email must be set: a pledge made with only an email is
// unconfirmed and will not move money until the email is claimed by a
// user account.
type PledgeCreateOptions struct {
	ID                string
	TriggerID         string
	UserID            string
	Email             string
	DesiredOutcome    int
	Amount            decimal.Decimal
	IncumbChallgr     float64
	FilterParty       string
	FilterCompetitive bool
	CCLastFour        string
	ActorID           string
}

func (e Engine) CreatePledge(ctx context.Context, opts PledgeCreateOptions) (domain.Pledge, error) {
	sched, err := e.schedule()
	if err != nil {
		return domain.Pledge{}, err
	}
	if (opts.UserID == "") == (opts.Email == "") {
		return domain.Pledge{}, errors.New("exactly one of user and email is required")
	}
	if opts.IncumbChallgr < -1 || opts.IncumbChallgr > 1 {
		return domain.Pledge{}, fmt.Errorf("incumb-challgr %v out of range [-1,1]", opts.IncumbChallgr)
	}
	if opts.FilterParty != "" && opts.FilterParty != domain.PartyDemocratic && opts.FilterParty != domain.PartyRepublican {
		return domain.Pledge{}, fmt.Errorf("filter party %q must be a major party", opts.FilterParty)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Pledge{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTriggerTx(ctx, tx, opts.TriggerID)
	if err != nil {
		return domain.Pledge{}, err
	}
	if t.Status != domain.TriggerOpen {
		return domain.Pledge{}, &InvalidStateError{Entity: "trigger", ID: t.ID, Status: t.Status, Op: "accept a pledge"}
	}
	if opts.DesiredOutcome < 0 || opts.DesiredOutcome >= len(t.Outcomes) {
		return domain.Pledge{}, fmt.Errorf("desired outcome %d out of range", opts.DesiredOutcome)
	}
	minPledge := sched.MinimumPledge(t.MaxSplit)
	if opts.Amount.LessThan(minPledge) {
		return domain.Pledge{}, fmt.Errorf("amount %s below the minimum pledge %s", opts.Amount, minPledge)
	}
	if opts.Amount.GreaterThan(sched.MaxContrib) {
		return domain.Pledge{}, fmt.Errorf("amount %s exceeds the maximum contribution %s", opts.Amount, sched.MaxContrib)
	}

	now := e.nowStr()
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	p := domain.Pledge{
		ID:                id,
		TriggerID:         t.ID,
		UserID:            optionalString(opts.UserID),
		Email:             optionalString(opts.Email),
		Status:            domain.PledgeOpen,
		Algorithm:         sched.Algorithm,
		DesiredOutcome:    opts.DesiredOutcome,
		Amount:            opts.Amount,
		IncumbChallgr:     opts.IncumbChallgr,
		FilterParty:       optionalString(opts.FilterParty),
		FilterCompetitive: opts.FilterCompetitive,
		CCLastFour:        optionalString(opts.CCLastFour),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.Repo.InsertPledgeTx(ctx, tx, p); err != nil {
		return domain.Pledge{}, fmt.Errorf("insert pledge: %w", err)
	}
	if err := e.Repo.AddTriggerPledgeTotalsTx(ctx, tx, t.ID, 1, p.Amount); err != nil {
		return domain.Pledge{}, err
	}
	if err := e.Events.Append(ctx, tx, "pledge.created", "pledge", p.ID, opts.ActorID, events.EventPayload{
		"trigger_id":      t.ID,
		"amount":          p.Amount.StringFixed(2),
		"desired_outcome": p.DesiredOutcome,
		"confirmed":       p.UserID != nil,
	}); err != nil {
		return domain.Pledge{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Pledge{}, err
	}
	return p, nil
}

// ConfirmPledgeEmail attaches an email-only pledge to a confirmed user
// account, clearing the provisional email. Returns false if the pledge
// was already confirmed.
func (e Engine) ConfirmPledgeEmail(ctx context.Context, pledgeID, userID, actorID string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetPledgeTx(ctx, tx, pledgeID)
	if err != nil {
		return false, err
	}
	if p.UserID != nil {
		return false, nil
	}
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return false, fmt.Errorf("user %s: %w", userID, err)
	}
	now := e.nowStr()
	if err := e.Repo.ConfirmPledgeUserTx(ctx, tx, p.ID, userID, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := e.Events.Append(ctx, tx, "pledge.confirmed", "pledge", p.ID, actorID, events.EventPayload{"user_id": userID}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// CancelPledge deletes an open pledge, rolling its amount out of the
// trigger's cached totals and archiving its immutable fields. The
// foreign key from pledge_executions restricts deletion, so a pledge
// that has already executed cannot vanish out from under its record.
func (e Engine) CancelPledge(ctx context.Context, pledgeID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetPledgeTx(ctx, tx, pledgeID)
	if err != nil {
		return err
	}
	if p.Status != domain.PledgeOpen {
		return &InvalidStateError{Entity: "pledge", ID: p.ID, Status: p.Status, Op: "cancel"}
	}

	archived, err := json.Marshal(map[string]any{
		"pledge_id":       p.ID,
		"created_at":      p.CreatedAt,
		"algorithm":       p.Algorithm,
		"desired_outcome": p.DesiredOutcome,
		"amount":          p.Amount.StringFixed(2),
	})
	if err != nil {
		return err
	}
	now := e.nowStr()
	cp := domain.CancelledPledge{
		ID:         uuid.NewString(),
		TriggerID:  p.TriggerID,
		UserID:     p.UserID,
		Email:      p.Email,
		PledgeJSON: string(archived),
		CreatedAt:  now,
	}
	if err := e.Repo.InsertCancelledPledgeTx(ctx, tx, cp); err != nil {
		return fmt.Errorf("archive pledge: %w", err)
	}
	if err := e.Repo.AddTriggerPledgeTotalsTx(ctx, tx, p.TriggerID, -1, p.Amount.Neg()); err != nil {
		return err
	}
	if err := e.Repo.DeletePledgeTx(ctx, tx, p.ID); err != nil {
		return fmt.Errorf("delete pledge: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "pledge.cancelled", "pledge", p.ID, actorID, events.EventPayload{
		"trigger_id": p.TriggerID,
		"amount":     p.Amount.StringFixed(2),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
