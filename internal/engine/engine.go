package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sammyslee/if.then.fund/internal/config"
	"github.com/sammyslee/if.then.fund/internal/currency"
	"github.com/sammyslee/if.then.fund/internal/domain"
	"github.com/sammyslee/if.then.fund/internal/donations"
	"github.com/sammyslee/if.then.fund/internal/events"
	"github.com/sammyslee/if.then.fund/internal/geo"
	"github.com/sammyslee/if.then.fund/internal/legislative"
	"github.com/sammyslee/if.then.fund/internal/repo"
)

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Config      *config.Config
	Processor   donations.Processor
	Geocoder    geo.Geocoder
	Legislative legislative.Client
	Now         func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) schedule() (currency.Schedule, error) {
	if e.Config == nil {
		return currency.Schedule{}, errors.New("config not loaded")
	}
	return e.Config.Schedule()
}

// InvalidStateError is an operation invoked against an entity in the
// wrong lifecycle state. It is rejected before any mutation and the
// caller may retry once the state is right.
type InvalidStateError struct {
	Entity string
	ID     string
	Status string
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s is %s; cannot %s", e.Entity, e.ID, e.Status, e.Op)
}

// ensureTriggerTransition enforces the trigger state machine:
// monotonic except open<->paused; executed and vacated are terminal.
func ensureTriggerTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.TriggerDraft:
		if newStatus == domain.TriggerOpen {
			return nil
		}
	case domain.TriggerOpen:
		if newStatus == domain.TriggerPaused || newStatus == domain.TriggerExecuted || newStatus == domain.TriggerVacated {
			return nil
		}
	case domain.TriggerPaused:
		if newStatus == domain.TriggerOpen || newStatus == domain.TriggerExecuted || newStatus == domain.TriggerVacated {
			return nil
		}
	}
	return fmt.Errorf("invalid trigger status transition %s -> %s", oldStatus, newStatus)
}

// TriggerCreateOptions are parameters for creating a trigger.
type TriggerCreateOptions struct {
	ID          string
	Key         string
	Title       string
	Slug        string
	Description string
	Outcomes    []domain.Outcome
	MaxSplit    int
	ActorID     string
}

func (e Engine) CreateTrigger(ctx context.Context, opts TriggerCreateOptions) (domain.Trigger, error) {
	if opts.Title == "" {
		return domain.Trigger{}, errors.New("title is required")
	}
	if len(opts.Outcomes) < 2 {
		return domain.Trigger{}, errors.New("at least two outcomes are required")
	}
	if opts.MaxSplit <= 0 {
		return domain.Trigger{}, errors.New("max-split must be positive")
	}
	seen := map[string]bool{}
	for _, o := range opts.Outcomes {
		if o.VoteKey == "" || o.Label == "" {
			return domain.Trigger{}, errors.New("every outcome needs a vote key and a label")
		}
		if seen[o.VoteKey] {
			return domain.Trigger{}, fmt.Errorf("duplicate outcome vote key %q", o.VoteKey)
		}
		seen[o.VoteKey] = true
	}
	now := e.nowStr()
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	slug := opts.Slug
	if slug == "" {
		slug = Slugify(opts.Title)
	}
	t := domain.Trigger{
		ID:          id,
		Key:         opts.Key,
		Title:       opts.Title,
		Slug:        slug,
		Description: opts.Description,
		Status:      domain.TriggerDraft,
		Outcomes:    opts.Outcomes,
		MaxSplit:    opts.MaxSplit,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Trigger{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTriggerTx(ctx, tx, t); err != nil {
		return domain.Trigger{}, fmt.Errorf("insert trigger: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "trigger.created", "trigger", t.ID, opts.ActorID, events.EventPayload{"title": t.Title, "status": t.Status}); err != nil {
		return domain.Trigger{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Trigger{}, err
	}
	return t, nil
}

// CreateTriggerFromBill builds a yes/no trigger for a vote on a bill,
// pulling title and slug from the legislative data source.
func (e Engine) CreateTriggerFromBill(ctx context.Context, billID, chamber, actorID string) (domain.Trigger, error) {
	if e.Legislative == nil {
		return domain.Trigger{}, errors.New("legislative client not configured")
	}
	var maxSplit int
	switch chamber {
	case "senate", "s":
		chamber = "s"
		maxSplit = 100
	case "house", "h":
		chamber = "h"
		maxSplit = 435
	default:
		return domain.Trigger{}, fmt.Errorf("unknown chamber %q", chamber)
	}
	bill, err := e.Legislative.FetchBill(ctx, billID)
	if err != nil {
		return domain.Trigger{}, fmt.Errorf("fetch bill %s: %w", billID, err)
	}
	return e.CreateTrigger(ctx, TriggerCreateOptions{
		Key:   fmt.Sprintf("usbill:%s:%s", bill.ID, chamber),
		Title: fmt.Sprintf("Vote on %s", bill.ShortName),
		Slug:  bill.Slug,
		Outcomes: []domain.Outcome{
			{VoteKey: "+", Label: fmt.Sprintf("Yes on %s", bill.ShortName)},
			{VoteKey: "-", Label: fmt.Sprintf("No on %s", bill.ShortName)},
		},
		MaxSplit: maxSplit,
		ActorID:  actorID,
	})
}

// SetTriggerStatus moves a trigger between the non-terminal states
// (draft->open, open<->paused). Executing and vacating have their own
// entry points since they fan out side effects.
func (e Engine) SetTriggerStatus(ctx context.Context, triggerID, status, actorID string) (domain.Trigger, error) {
	if status != domain.TriggerOpen && status != domain.TriggerPaused {
		return domain.Trigger{}, fmt.Errorf("use execute or vacate to finalize a trigger, not status=%s", status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Trigger{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTriggerTx(ctx, tx, triggerID)
	if err != nil {
		return domain.Trigger{}, err
	}
	if err := ensureTriggerTransition(t.Status, status); err != nil {
		return domain.Trigger{}, &InvalidStateError{Entity: "trigger", ID: t.ID, Status: t.Status, Op: "set status " + status}
	}
	now := e.nowStr()
	ok, err := e.Repo.UpdateTriggerStatusTx(ctx, tx, t.ID, status, now, t.Status)
	if err != nil {
		return domain.Trigger{}, err
	}
	if !ok {
		return domain.Trigger{}, &InvalidStateError{Entity: "trigger", ID: t.ID, Status: t.Status, Op: "set status " + status}
	}
	if err := e.Events.Append(ctx, tx, "trigger.status", "trigger", t.ID, actorID, events.EventPayload{"from": t.Status, "to": status}); err != nil {
		return domain.Trigger{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Trigger{}, err
	}
	t.Status = status
	t.UpdatedAt = now
	return t, nil
}

// GetTriggerOutcomeTotals reports per-outcome contribution totals for
// an executed trigger, largest first, from the all-district aggregate
// slices.
func (e Engine) GetTriggerOutcomeTotals(ctx context.Context, triggerID string) ([]domain.OutcomeTotal, error) {
	t, err := e.Repo.GetTrigger(ctx, triggerID)
	if err != nil {
		return nil, err
	}
	te, err := e.Repo.GetTriggerExecutionByTrigger(ctx, triggerID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, &InvalidStateError{Entity: "trigger", ID: t.ID, Status: t.Status, Op: "report outcomes"}
		}
		return nil, err
	}
	totals := make([]domain.OutcomeTotal, len(t.Outcomes))
	for i, o := range t.Outcomes {
		total, err := e.Repo.GetAggregate(ctx, te.ID, i, domain.AggregateAllDistricts)
		if err != nil {
			return nil, err
		}
		totals[i] = domain.OutcomeTotal{Index: i, Label: o.Label, Contribs: total}
	}
	sort.SliceStable(totals, func(i, j int) bool {
		return totals[i].Contribs.GreaterThan(totals[j].Contribs)
	})
	return totals, nil
}

// MinimumPledge returns the smallest pledge accepted for a trigger:
// enough for a cent to reach every possible recipient after fees.
func (e Engine) MinimumPledge(t domain.Trigger) (decimal.Decimal, error) {
	sched, err := e.schedule()
	if err != nil {
		return decimal.Zero, err
	}
	return sched.MinimumPledge(t.MaxSplit), nil
}

// Slugify lowercases and dashes a title for use in URLs.
func Slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
