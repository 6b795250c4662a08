package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/sammyslee/if.then.fund/internal/config"
	"github.com/sammyslee/if.then.fund/internal/db"
	"github.com/sammyslee/if.then.fund/internal/domain"
	"github.com/sammyslee/if.then.fund/internal/donations"
	"github.com/sammyslee/if.then.fund/internal/engine"
	"github.com/sammyslee/if.then.fund/internal/migrate"
	"github.com/sammyslee/if.then.fund/internal/repo"
)

type fakeProcessor struct {
	mu          sync.Mutex
	fail        error
	requests    []donations.DonationRequest
	voided      []string
	voidCredits []bool
}

func (f *fakeProcessor) CreateDonation(ctx context.Context, req donations.DonationRequest) (donations.Donation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.fail != nil {
		return donations.Donation{}, f.fail
	}
	d := donations.Donation{
		DonationID: "don-1",
		Raw:        json.RawMessage(`{"donation_id":"don-1"}`),
	}
	for _, li := range req.LineItems {
		d.LineItems = append(d.LineItems, donations.SettledLineItem{
			RecipientProcessorID: li.RecipientProcessorID,
			TransactionGUID:      "txn-" + li.RecipientProcessorID,
		})
	}
	return d, nil
}

func (f *fakeProcessor) VoidTransaction(ctx context.Context, transactionGUID string, allowCredit bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voided = append(f.voided, transactionGUID)
	f.voidCredits = append(f.voidCredits, allowCredit)
	return nil
}

type testEnv struct {
	Engine    engine.Engine
	Processor *fakeProcessor
	Ctx       context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Testing.SkipExecutionDelay = true
	proc := &fakeProcessor{}
	eng := engine.New(conn, cfg)
	eng.Processor = proc
	eng.Now = func() time.Time { return time.Date(2016, 3, 1, 12, 0, 0, 0, time.UTC) }
	return &testEnv{Engine: eng, Processor: proc, Ctx: context.Background()}
}

func (env *testEnv) seedUser(t *testing.T, id, email string) {
	t.Helper()
	err := env.Engine.Repo.InsertUser(env.Ctx, domain.User{ID: id, Email: email, CreatedAt: "2016-01-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

// seedActor creates an actor with an incumbent recipient and a
// challenger recipient wired through the actor's challenger link.
func (env *testEnv) seedActor(t *testing.T, n int, party string) domain.Actor {
	t.Helper()
	actorID := fmt.Sprintf("actor-%d", n)
	a := domain.Actor{
		ID:         actorID,
		GovTrackID: int64(400000 + n),
		NameLong:   fmt.Sprintf("Sen. Test Senator %d", n),
		NameShort:  fmt.Sprintf("Senator %d", n),
		NameSort:   fmt.Sprintf("Senator %d", n),
		Party:      party,
		Title:      "Senator",
		CreatedAt:  "2016-01-01T00:00:00Z",
		UpdatedAt:  "2016-01-01T00:00:00Z",
	}
	if err := env.Engine.Repo.InsertActor(env.Ctx, a); err != nil {
		t.Fatalf("seed actor: %v", err)
	}
	incumbent := domain.Recipient{
		ID:          actorID + "-inc",
		ProcessorID: "proc-" + actorID,
		Active:      true,
		ActorID:     &actorID,
		CreatedAt:   "2016-01-01T00:00:00Z",
	}
	if err := env.Engine.Repo.InsertRecipient(env.Ctx, incumbent); err != nil {
		t.Fatalf("seed incumbent recipient: %v", err)
	}
	office := fmt.Sprintf("S-TX-%d", n)
	opposite := domain.OppositeParty(party)
	challenger := domain.Recipient{
		ID:           actorID + "-chal",
		ProcessorID:  "proc-" + actorID + "-chal",
		Active:       true,
		OfficeSought: &office,
		Party:        &opposite,
		CreatedAt:    "2016-01-01T00:00:00Z",
	}
	if err := env.Engine.Repo.InsertRecipient(env.Ctx, challenger); err != nil {
		t.Fatalf("seed challenger recipient: %v", err)
	}
	if err := env.Engine.Repo.SetActorChallenger(env.Ctx, actorID, challenger.ID, "2016-01-01T00:00:00Z"); err != nil {
		t.Fatalf("link challenger: %v", err)
	}
	a.ChallengerID = &challenger.ID
	return a
}

func (env *testEnv) seedOpenTrigger(t *testing.T) domain.Trigger {
	t.Helper()
	tr, err := env.Engine.CreateTrigger(env.Ctx, engine.TriggerCreateOptions{
		Title: "Vote on the Example Act",
		Outcomes: []domain.Outcome{
			{VoteKey: "+", Label: "Yes on the Example Act"},
			{VoteKey: "-", Label: "No on the Example Act"},
		},
		MaxSplit: 100,
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	tr, err = env.Engine.SetTriggerStatus(env.Ctx, tr.ID, domain.TriggerOpen, "tester")
	if err != nil {
		t.Fatalf("open trigger: %v", err)
	}
	return tr
}

func (env *testEnv) createPledge(t *testing.T, triggerID, userID string, amount string, dial float64, desired int) domain.Pledge {
	t.Helper()
	p, err := env.Engine.CreatePledge(env.Ctx, engine.PledgeCreateOptions{
		TriggerID:      triggerID,
		UserID:         userID,
		DesiredOutcome: desired,
		Amount:         decimal.RequireFromString(amount),
		IncumbChallgr:  dial,
		ActorID:        "tester",
	})
	if err != nil {
		t.Fatalf("create pledge: %v", err)
	}
	return p
}

func outcomeOf(i int) *int { return &i }

func (env *testEnv) executeTrigger(t *testing.T, triggerID string, outcomes []engine.ActorOutcome) domain.TriggerExecution {
	t.Helper()
	te, err := env.Engine.ExecuteTrigger(env.Ctx, triggerID, env.Engine.Now(), "roll call", outcomes, "tester")
	if err != nil {
		t.Fatalf("execute trigger: %v", err)
	}
	return te
}

func TestTriggerStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	tr, err := env.Engine.CreateTrigger(env.Ctx, engine.TriggerCreateOptions{
		Title:    "Lifecycle",
		Outcomes: []domain.Outcome{{VoteKey: "+", Label: "Yes"}, {VoteKey: "-", Label: "No"}},
		MaxSplit: 10,
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	// draft cannot pause
	_, err = env.Engine.SetTriggerStatus(env.Ctx, tr.ID, domain.TriggerPaused, "tester")
	var ise *engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	tr, err = env.Engine.SetTriggerStatus(env.Ctx, tr.ID, domain.TriggerOpen, "tester")
	if err != nil || tr.Status != domain.TriggerOpen {
		t.Fatalf("to open: %v", err)
	}
	tr, err = env.Engine.SetTriggerStatus(env.Ctx, tr.ID, domain.TriggerPaused, "tester")
	if err != nil || tr.Status != domain.TriggerPaused {
		t.Fatalf("to paused: %v", err)
	}
	tr, err = env.Engine.SetTriggerStatus(env.Ctx, tr.ID, domain.TriggerOpen, "tester")
	if err != nil || tr.Status != domain.TriggerOpen {
		t.Fatalf("back to open: %v", err)
	}
	// executed is terminal
	env.executeTrigger(t, tr.ID, nil)
	_, err = env.Engine.SetTriggerStatus(env.Ctx, tr.ID, domain.TriggerOpen, "tester")
	if !errors.As(err, &ise) {
		t.Fatalf("expected terminal state error, got %v", err)
	}
	_, err = env.Engine.ExecuteTrigger(env.Ctx, tr.ID, env.Engine.Now(), "again", nil, "tester")
	if !errors.As(err, &ise) {
		t.Fatalf("expected double-execute rejection, got %v", err)
	}
}

func TestExecuteTriggerSnapshotsActions(t *testing.T) {
	env := newTestEnv(t)
	actor := env.seedActor(t, 1, domain.PartyDemocratic)
	tr := env.seedOpenTrigger(t)
	reason := "Did not vote."
	te := env.executeTrigger(t, tr.ID, []engine.ActorOutcome{
		{ActorID: actor.ID, Outcome: outcomeOf(0)},
	})

	actions, err := env.Engine.Repo.ListActionsByExecution(env.Ctx, te.ID)
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, actions, 1)
	require.Equal(t, actor.NameLong, actions[0].NameLong)
	require.Equal(t, actor.Party, actions[0].Party)
	require.NotNil(t, actions[0].ChallengerID)
	require.Equal(t, 0, *actions[0].Outcome)

	got, err := env.Engine.Repo.GetTrigger(env.Ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, domain.TriggerExecuted, got.Status)

	// reason-only outcome on a second trigger
	tr2 := env.seedOpenTrigger(t)
	te2 := env.executeTrigger(t, tr2.ID, []engine.ActorOutcome{
		{ActorID: actor.ID, ReasonForNoOutcome: &reason},
	})
	actions2, err := env.Engine.Repo.ListActionsByExecution(env.Ctx, te2.ID)
	if err != nil {
		t.Fatal(err)
	}
	require.Nil(t, actions2[0].Outcome)
	require.Equal(t, reason, *actions2[0].ReasonForNoOutcome)
}

func TestVacateTrigger(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "user-1", "one@example.com")
	env.seedUser(t, "user-2", "two@example.com")
	env.seedActor(t, 1, domain.PartyDemocratic)
	tr := env.seedOpenTrigger(t)
	p1 := env.createPledge(t, tr.ID, "user-1", "10.00", 1, 0)
	p2 := env.createPledge(t, tr.ID, "user-2", "10.00", 1, 0)

	vacated, err := env.Engine.VacateTrigger(env.Ctx, tr.ID, "tester")
	if err != nil {
		t.Fatalf("vacate: %v", err)
	}
	require.Equal(t, domain.TriggerVacated, vacated.Status)
	got1, _ := env.Engine.Repo.GetPledge(env.Ctx, p1.ID)
	got2, _ := env.Engine.Repo.GetPledge(env.Ctx, p2.ID)
	require.Equal(t, domain.PledgeVacated, got1.Status)
	require.Equal(t, domain.PledgeVacated, got2.Status)

	// vacating again is a state error
	_, err = env.Engine.VacateTrigger(env.Ctx, tr.ID, "tester")
	var ise *engine.InvalidStateError
	require.ErrorAs(t, err, &ise)
}

func TestVacateLeavesExecutedPledges(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "user-1", "one@example.com")
	actor := env.seedActor(t, 1, domain.PartyDemocratic)
	tr := env.seedOpenTrigger(t)
	p := env.createPledge(t, tr.ID, "user-1", "10.00", 1, 0)
	env.executeTrigger(t, tr.ID, []engine.ActorOutcome{{ActorID: actor.ID, Outcome: outcomeOf(0)}})
	if _, err := env.Engine.ExecutePledge(env.Ctx, p.ID, "tester"); err != nil {
		t.Fatalf("execute pledge: %v", err)
	}
	// trigger is already executed, vacate is illegal from there; the
	// executed-pledge tolerance is observable through the state guard.
	_, err := env.Engine.VacateTrigger(env.Ctx, tr.ID, "tester")
	var ise *engine.InvalidStateError
	require.ErrorAs(t, err, &ise)
	got, _ := env.Engine.Repo.GetPledge(env.Ctx, p.ID)
	require.Equal(t, domain.PledgeExecuted, got.Status)
}

func TestExecutePledgeAllIncumbent(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "user-1", "one@example.com")
	actor := env.seedActor(t, 1, domain.PartyDemocratic)
	tr := env.seedOpenTrigger(t)
	p := env.createPledge(t, tr.ID, "user-1", "10.00", 1, 0)
	te := env.executeTrigger(t, tr.ID, []engine.ActorOutcome{{ActorID: actor.ID, Outcome: outcomeOf(0)}})

	pe, err := env.Engine.ExecutePledge(env.Ctx, p.ID, "tester")
	if err != nil {
		t.Fatalf("execute pledge: %v", err)
	}
	require.Equal(t, domain.ProblemNone, pe.Problem)
	require.Equal(t, "10.00", pe.Charged.StringFixed(2))
	require.Equal(t, "1.01", pe.Fees.StringFixed(2))

	contribs, err := env.Engine.Repo.ListContributionsByPledgeExecution(env.Ctx, pe.ID)
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, contribs, 1)
	require.Equal(t, "8.99", contribs[0].Amount.StringFixed(2))
	require.Equal(t, actor.ID+"-inc", contribs[0].RecipientID)

	// contributions + fees == charged, to the cent
	sum := decimal.Zero
	for _, c := range contribs {
		sum = sum.Add(c.Amount)
	}
	require.True(t, sum.Add(pe.Fees).Equal(pe.Charged), "sum %s + fees %s != charged %s", sum, pe.Fees, pe.Charged)

	gotTE, _ := env.Engine.Repo.GetTriggerExecution(env.Ctx, te.ID)
	require.Equal(t, 1, gotTE.PledgeCount)
	require.Equal(t, 1, gotTE.PledgeCountWithContribs)
	require.Equal(t, 1, gotTE.NumContributions)
	require.Equal(t, "8.99", gotTE.TotalContributions.StringFixed(2))

	actions, _ := env.Engine.Repo.ListActionsByExecution(env.Ctx, te.ID)
	require.Equal(t, "8.99", actions[0].TotalContributionsFor.StringFixed(2))
	require.Equal(t, "0.00", actions[0].TotalContributionsAgainst.StringFixed(2))

	allAll, _ := env.Engine.Repo.GetAggregate(env.Ctx, te.ID, domain.AggregateAllOutcomes, domain.AggregateAllDistricts)
	require.Equal(t, "8.99", allAll.StringFixed(2))
	outcomeAll, _ := env.Engine.Repo.GetAggregate(env.Ctx, te.ID, 0, domain.AggregateAllDistricts)
	require.Equal(t, "8.99", outcomeAll.StringFixed(2))

	gotP, _ := env.Engine.Repo.GetPledge(env.Ctx, p.ID)
	require.Equal(t, domain.PledgeExecuted, gotP.Status)

	// re-executing the same pledge must fail fast
	_, err = env.Engine.ExecutePledge(env.Ctx, p.ID, "tester")
	var ise *engine.InvalidStateError
	require.ErrorAs(t, err, &ise)
	require.Len(t, env.Processor.requests, 1)
}

// Racing executions of the same pledge: the status guard lets exactly
// one through, so the donor is charged once.
func TestExecutePledgeConcurrentSingleCharge(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "user-1", "one@example.com")
	actor := env.seedActor(t, 1, domain.PartyDemocratic)
	tr := env.seedOpenTrigger(t)
	p := env.createPledge(t, tr.ID, "user-1", "10.00", 1, 0)
	te := env.executeTrigger(t, tr.ID, []engine.ActorOutcome{{ActorID: actor.ID, Outcome: outcomeOf(0)}})

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := env.Engine.ExecutePledge(env.Ctx, p.ID, "tester")
			errs <- err
		}()
	}
	var succeeded, rejected int
	for i := 0; i < 2; i++ {
		err := <-errs
		if err == nil {
			succeeded++
			continue
		}
		var ise *engine.InvalidStateError
		require.ErrorAs(t, err, &ise)
		rejected++
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, rejected)
	require.Len(t, env.Processor.requests, 1)

	pe, err := env.Engine.Repo.GetPledgeExecutionByPledge(env.Ctx, p.ID)
	require.NoError(t, err)
	contribs, err := env.Engine.Repo.ListContributionsByPledgeExecution(env.Ctx, pe.ID)
	require.NoError(t, err)
	require.Len(t, contribs, 1)
	gotTE, _ := env.Engine.Repo.GetTriggerExecution(env.Ctx, te.ID)
	require.Equal(t, 1, gotTE.PledgeCount)
	require.Equal(t, "8.99", gotTE.TotalContributions.StringFixed(2))
}

// An actor with no recipient on file drops out of the split like a
// filter exclusion; the lookup miss must not fail the execution.
func TestExecutePledgeSkipsActorWithoutRecipient(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "user-1", "one@example.com")
	bare := domain.Actor{
		ID:         "actor-bare",
		GovTrackID: 400099,
		NameLong:   "Sen. Test Senator 99",
		NameShort:  "Senator 99",
		NameSort:   "Senator 99",
		Party:      domain.PartyDemocratic,
		Title:      "Senator",
		CreatedAt:  "2016-01-01T00:00:00Z",
		UpdatedAt:  "2016-01-01T00:00:00Z",
	}
	require.NoError(t, env.Engine.Repo.InsertActor(env.Ctx, bare))
	tr := env.seedOpenTrigger(t)
	p := env.createPledge(t, tr.ID, "user-1", "10.00", 1, 0)
	env.executeTrigger(t, tr.ID, []engine.ActorOutcome{{ActorID: bare.ID, Outcome: outcomeOf(0)}})

	pe, err := env.Engine.ExecutePledge(env.Ctx, p.ID, "tester")
	require.NoError(t, err)
	require.Equal(t, domain.ProblemFiltersExcludedAll, pe.Problem)
	require.Empty(t, env.Processor.requests)
}

func TestExecutePledgeSplitsAcrossRecipients(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "user-1", "one@example.com")
	yes := env.seedActor(t, 1, domain.PartyDemocratic)
	no := env.seedActor(t, 2, domain.PartyRepublican)
	tr := env.seedOpenTrigger(t)
	p := env.createPledge(t, tr.ID, "user-1", "10.00", 0, 0)
	te := env.executeTrigger(t, tr.ID, []engine.ActorOutcome{
		{ActorID: yes.ID, Outcome: outcomeOf(0)},
		{ActorID: no.ID, Outcome: outcomeOf(1)},
	})

	pe, err := env.Engine.ExecutePledge(env.Ctx, p.ID, "tester")
	if err != nil {
		t.Fatalf("execute pledge: %v", err)
	}
	contribs, _ := env.Engine.Repo.ListContributionsByPledgeExecution(env.Ctx, pe.ID)
	require.Len(t, contribs, 2)
	sum := decimal.Zero
	byRecipient := map[string]decimal.Decimal{}
	for _, c := range contribs {
		sum = sum.Add(c.Amount)
		byRecipient[c.RecipientID] = c.Amount
	}
	// net 8.99 over equal weights: 4.50 + 4.49, residual cent to the first
	require.True(t, sum.Equal(decimal.RequireFromString("8.99")), "sum=%s", sum)
	require.Equal(t, "4.50", byRecipient[yes.ID+"-inc"].StringFixed(2))
	require.Equal(t, "4.49", byRecipient[no.ID+"-chal"].StringFixed(2))

	// money to the challenger counts against the no-voting actor
	actions, _ := env.Engine.Repo.ListActionsByExecution(env.Ctx, te.ID)
	for _, a := range actions {
		if a.ActorID == no.ID {
			require.Equal(t, "4.49", a.TotalContributionsAgainst.StringFixed(2))
			require.Equal(t, "0.00", a.TotalContributionsFor.StringFixed(2))
		}
	}
}

func TestExecutePledgeFiltersExcludedAll(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "user-1", "one@example.com")
	actor := env.seedActor(t, 1, domain.PartyDemocratic)
	tr := env.seedOpenTrigger(t)
	p := env.createPledge(t, tr.ID, "user-1", "10.00", 1, 0)
	reason := "Did not vote."
	te := env.executeTrigger(t, tr.ID, []engine.ActorOutcome{
		{ActorID: actor.ID, ReasonForNoOutcome: &reason},
	})

	pe, err := env.Engine.ExecutePledge(env.Ctx, p.ID, "tester")
	if err != nil {
		t.Fatalf("execute pledge: %v", err)
	}
	require.Equal(t, domain.ProblemFiltersExcludedAll, pe.Problem)
	contribs, _ := env.Engine.Repo.ListContributionsByPledgeExecution(env.Ctx, pe.ID)
	require.Empty(t, contribs)
	require.Empty(t, env.Processor.requests)

	gotP, _ := env.Engine.Repo.GetPledge(env.Ctx, p.ID)
	require.Equal(t, domain.PledgeExecuted, gotP.Status)
	gotTE, _ := env.Engine.Repo.GetTriggerExecution(env.Ctx, te.ID)
	require.Equal(t, 1, gotTE.PledgeCount)
	require.Equal(t, 0, gotTE.PledgeCountWithContribs)
}

func TestExecutePledgeUnconfirmedEmail(t *testing.T) {
	env := newTestEnv(t)
	actor := env.seedActor(t, 1, domain.PartyDemocratic)
	tr := env.seedOpenTrigger(t)
	p, err := env.Engine.CreatePledge(env.Ctx, engine.PledgeCreateOptions{
		TriggerID:      tr.ID,
		Email:          "anon@example.com",
		DesiredOutcome: 0,
		Amount:         decimal.RequireFromString("10.00"),
		IncumbChallgr:  1,
		ActorID:        "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.executeTrigger(t, tr.ID, []engine.ActorOutcome{{ActorID: actor.ID, Outcome: outcomeOf(0)}})

	pe, err := env.Engine.ExecutePledge(env.Ctx, p.ID, "tester")
	if err != nil {
		t.Fatalf("execute pledge: %v", err)
	}
	require.Equal(t, domain.ProblemEmailUnconfirmed, pe.Problem)
	require.Empty(t, env.Processor.requests)
	gotP, _ := env.Engine.Repo.GetPledge(env.Ctx, p.ID)
	require.Equal(t, domain.PledgeExecuted, gotP.Status)
}

func TestExecutePledgeTransactionFailed(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "user-1", "one@example.com")
	actor := env.seedActor(t, 1, domain.PartyDemocratic)
	tr := env.seedOpenTrigger(t)
	p := env.createPledge(t, tr.ID, "user-1", "10.00", 1, 0)
	env.executeTrigger(t, tr.ID, []engine.ActorOutcome{{ActorID: actor.ID, Outcome: outcomeOf(0)}})

	env.Processor.fail = &donations.ValidationError{Message: "card declined"}
	pe, err := env.Engine.ExecutePledge(env.Ctx, p.ID, "tester")
	if err != nil {
		t.Fatalf("execute pledge: %v", err)
	}
	require.Equal(t, domain.ProblemTransactionFailed, pe.Problem)
	require.NotNil(t, pe.ExceptionText)
	require.Equal(t, "card declined", *pe.ExceptionText)
	contribs, _ := env.Engine.Repo.ListContributionsByPledgeExecution(env.Ctx, pe.ID)
	require.Empty(t, contribs)
	gotP, _ := env.Engine.Repo.GetPledge(env.Ctx, p.ID)
	require.Equal(t, domain.PledgeExecuted, gotP.Status)
}

func TestExecutePledgeInfrastructureErrorAborts(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "user-1", "one@example.com")
	actor := env.seedActor(t, 1, domain.PartyDemocratic)
	tr := env.seedOpenTrigger(t)
	p := env.createPledge(t, tr.ID, "user-1", "10.00", 1, 0)
	env.executeTrigger(t, tr.ID, []engine.ActorOutcome{{ActorID: actor.ID, Outcome: outcomeOf(0)}})

	env.Processor.fail = errors.New("connection reset")
	_, err := env.Engine.ExecutePledge(env.Ctx, p.ID, "tester")
	require.Error(t, err)

	// nothing persisted: pledge still open, no execution record
	gotP, _ := env.Engine.Repo.GetPledge(env.Ctx, p.ID)
	require.Equal(t, domain.PledgeOpen, gotP.Status)
	_, err = env.Engine.Repo.GetPledgeExecutionByPledge(env.Ctx, p.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)

	// and the pledge is executable once the processor recovers
	env.Processor.fail = nil
	pe, err := env.Engine.ExecutePledge(env.Ctx, p.ID, "tester")
	require.NoError(t, err)
	require.Equal(t, domain.ProblemNone, pe.Problem)
}

func TestUndoRestoresCounters(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "user-1", "one@example.com")
	actor := env.seedActor(t, 1, domain.PartyDemocratic)
	tr := env.seedOpenTrigger(t)
	p := env.createPledge(t, tr.ID, "user-1", "10.00", 1, 0)
	te := env.executeTrigger(t, tr.ID, []engine.ActorOutcome{{ActorID: actor.ID, Outcome: outcomeOf(0)}})

	pe, err := env.Engine.ExecutePledge(env.Ctx, p.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.UndoPledgeExecution(env.Ctx, pe.ID, false, "tester"); err != nil {
		t.Fatalf("undo: %v", err)
	}

	gotP, _ := env.Engine.Repo.GetPledge(env.Ctx, p.ID)
	require.Equal(t, domain.PledgeOpen, gotP.Status)
	_, err = env.Engine.Repo.GetPledgeExecutionByPledge(env.Ctx, p.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)

	gotTE, _ := env.Engine.Repo.GetTriggerExecution(env.Ctx, te.ID)
	require.Equal(t, 0, gotTE.PledgeCount)
	require.Equal(t, 0, gotTE.PledgeCountWithContribs)
	require.Equal(t, 0, gotTE.NumContributions)
	require.Equal(t, "0.00", gotTE.TotalContributions.StringFixed(2))

	actions, _ := env.Engine.Repo.ListActionsByExecution(env.Ctx, te.ID)
	require.Equal(t, "0.00", actions[0].TotalContributionsFor.StringFixed(2))
	allAll, _ := env.Engine.Repo.GetAggregate(env.Ctx, te.ID, domain.AggregateAllOutcomes, domain.AggregateAllDistricts)
	require.Equal(t, "0.00", allAll.StringFixed(2))

	// the external transaction was voided, once, as a plain void
	require.Equal(t, []string{"txn-proc-actor-1"}, env.Processor.voided)
	require.Equal(t, []bool{false}, env.Processor.voidCredits)

	// and the round trip is repeatable
	pe2, err := env.Engine.ExecutePledge(env.Ctx, p.ID, "tester")
	require.NoError(t, err)
	require.Equal(t, "10.00", pe2.Charged.StringFixed(2))
}

func TestUndoForwardsAllowCredit(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "user-1", "one@example.com")
	actor := env.seedActor(t, 1, domain.PartyDemocratic)
	tr := env.seedOpenTrigger(t)
	p := env.createPledge(t, tr.ID, "user-1", "10.00", 1, 0)
	env.executeTrigger(t, tr.ID, []engine.ActorOutcome{{ActorID: actor.ID, Outcome: outcomeOf(0)}})
	pe, err := env.Engine.ExecutePledge(env.Ctx, p.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}

	if err := env.Engine.UndoPledgeExecution(env.Ctx, pe.ID, true, "tester"); err != nil {
		t.Fatalf("undo: %v", err)
	}
	require.Equal(t, []string{"txn-proc-" + actor.ID}, env.Processor.voided)
	require.Equal(t, []bool{true}, env.Processor.voidCredits)
}

func TestUndoProblemExecutionSkipsVoid(t *testing.T) {
	env := newTestEnv(t)
	actor := env.seedActor(t, 1, domain.PartyDemocratic)
	tr := env.seedOpenTrigger(t)
	p, err := env.Engine.CreatePledge(env.Ctx, engine.PledgeCreateOptions{
		TriggerID:      tr.ID,
		Email:          "anon@example.com",
		DesiredOutcome: 0,
		Amount:         decimal.RequireFromString("10.00"),
		IncumbChallgr:  1,
		ActorID:        "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.executeTrigger(t, tr.ID, []engine.ActorOutcome{{ActorID: actor.ID, Outcome: outcomeOf(0)}})
	pe, err := env.Engine.ExecutePledge(env.Ctx, p.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, domain.ProblemEmailUnconfirmed, pe.Problem)

	// no donation was made; undo must not try to void anything
	if err := env.Engine.UndoPledgeExecution(env.Ctx, pe.ID, false, "tester"); err != nil {
		t.Fatalf("undo: %v", err)
	}
	require.Empty(t, env.Processor.voided)
	gotP, _ := env.Engine.Repo.GetPledge(env.Ctx, p.ID)
	require.Equal(t, domain.PledgeOpen, gotP.Status)
}

func TestUpdateDistrictIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "user-1", "one@example.com")
	actor := env.seedActor(t, 1, domain.PartyDemocratic)
	tr := env.seedOpenTrigger(t)
	p := env.createPledge(t, tr.ID, "user-1", "10.00", 1, 0)
	te := env.executeTrigger(t, tr.ID, []engine.ActorOutcome{{ActorID: actor.ID, Outcome: outcomeOf(0)}})
	pe, err := env.Engine.ExecutePledge(env.Ctx, p.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := env.Engine.UpdateDistrict(env.Ctx, pe.ID, "CA12", `{"source":"test"}`, "tester"); err != nil {
			t.Fatalf("update district (pass %d): %v", i+1, err)
		}
	}

	allDistrict, _ := env.Engine.Repo.GetAggregate(env.Ctx, te.ID, domain.AggregateAllOutcomes, "CA12")
	require.Equal(t, "8.99", allDistrict.StringFixed(2))
	outcomeDistrict, _ := env.Engine.Repo.GetAggregate(env.Ctx, te.ID, 0, "CA12")
	require.Equal(t, "8.99", outcomeDistrict.StringFixed(2))
	allAll, _ := env.Engine.Repo.GetAggregate(env.Ctx, te.ID, domain.AggregateAllOutcomes, domain.AggregateAllDistricts)
	require.Equal(t, "8.99", allAll.StringFixed(2))

	gotTE, _ := env.Engine.Repo.GetTriggerExecution(env.Ctx, te.ID)
	require.Equal(t, 1, gotTE.NumContributions)
	require.Equal(t, "8.99", gotTE.TotalContributions.StringFixed(2))

	gotPE, _ := env.Engine.Repo.GetPledgeExecution(env.Ctx, pe.ID)
	require.NotNil(t, gotPE.District)
	require.Equal(t, "CA12", *gotPE.District)
}

func TestCancelPledge(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "user-1", "one@example.com")
	tr := env.seedOpenTrigger(t)
	p := env.createPledge(t, tr.ID, "user-1", "10.00", 1, 0)

	before, _ := env.Engine.Repo.GetTrigger(env.Ctx, tr.ID)
	require.Equal(t, 1, before.PledgeCount)
	require.Equal(t, "10.00", before.TotalPledged.StringFixed(2))

	if err := env.Engine.CancelPledge(env.Ctx, p.ID, "tester"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	after, _ := env.Engine.Repo.GetTrigger(env.Ctx, tr.ID)
	require.Equal(t, 0, after.PledgeCount)
	require.Equal(t, "0.00", after.TotalPledged.StringFixed(2))
	_, err := env.Engine.Repo.GetPledge(env.Ctx, p.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)

	archived, err := env.Engine.Repo.ListCancelledPledgesByTrigger(env.Ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	require.Contains(t, archived[0].PledgeJSON, "10.00")
}

func TestCancelExecutedPledgeRejected(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "user-1", "one@example.com")
	actor := env.seedActor(t, 1, domain.PartyDemocratic)
	tr := env.seedOpenTrigger(t)
	p := env.createPledge(t, tr.ID, "user-1", "10.00", 1, 0)
	env.executeTrigger(t, tr.ID, []engine.ActorOutcome{{ActorID: actor.ID, Outcome: outcomeOf(0)}})
	if _, err := env.Engine.ExecutePledge(env.Ctx, p.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	err := env.Engine.CancelPledge(env.Ctx, p.ID, "tester")
	var ise *engine.InvalidStateError
	require.ErrorAs(t, err, &ise)
}

func TestConfirmPledgeEmail(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "user-1", "one@example.com")
	tr := env.seedOpenTrigger(t)
	p, err := env.Engine.CreatePledge(env.Ctx, engine.PledgeCreateOptions{
		TriggerID:      tr.ID,
		Email:          "anon@example.com",
		DesiredOutcome: 0,
		Amount:         decimal.RequireFromString("10.00"),
		IncumbChallgr:  1,
		ActorID:        "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	ok, err := env.Engine.ConfirmPledgeEmail(env.Ctx, p.ID, "user-1", "tester")
	require.NoError(t, err)
	require.True(t, ok)
	got, _ := env.Engine.Repo.GetPledge(env.Ctx, p.ID)
	require.NotNil(t, got.UserID)
	require.Equal(t, "user-1", *got.UserID)
	require.Nil(t, got.Email)

	// second confirmation reports already-confirmed
	ok, err = env.Engine.ConfirmPledgeEmail(env.Ctx, p.ID, "user-1", "tester")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFindPledgesByCCLastFour(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "user-1", "one@example.com")
	env.seedUser(t, "user-2", "two@example.com")
	tr := env.seedOpenTrigger(t)

	anon, err := env.Engine.CreatePledge(env.Ctx, engine.PledgeCreateOptions{
		TriggerID:      tr.ID,
		Email:          "anon@example.com",
		DesiredOutcome: 0,
		Amount:         decimal.RequireFromString("10.00"),
		IncumbChallgr:  1,
		CCLastFour:     "4242",
		ActorID:        "tester",
	})
	require.NoError(t, err)
	// a pledge already on a user account is not a candidate
	_, err = env.Engine.CreatePledge(env.Ctx, engine.PledgeCreateOptions{
		TriggerID:      tr.ID,
		UserID:         "user-1",
		DesiredOutcome: 0,
		Amount:         decimal.RequireFromString("10.00"),
		IncumbChallgr:  1,
		CCLastFour:     "4242",
		ActorID:        "tester",
	})
	require.NoError(t, err)

	matches, err := env.Engine.Repo.FindPledgesByCCLastFour(env.Ctx, "4242")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, anon.ID, matches[0].ID)

	// claiming the pledge removes it from the match set
	ok, err := env.Engine.ConfirmPledgeEmail(env.Ctx, anon.ID, "user-2", "tester")
	require.NoError(t, err)
	require.True(t, ok)
	matches, err = env.Engine.Repo.FindPledgesByCCLastFour(env.Ctx, "4242")
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestCreatePledgeValidation(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "user-1", "one@example.com")
	tr := env.seedOpenTrigger(t)

	// below the trigger minimum (max_split 100 needs $1.29)
	_, err := env.Engine.CreatePledge(env.Ctx, engine.PledgeCreateOptions{
		TriggerID: tr.ID, UserID: "user-1", Amount: decimal.RequireFromString("1.00"), IncumbChallgr: 1, ActorID: "tester",
	})
	require.Error(t, err)

	// above the per-recipient maximum
	_, err = env.Engine.CreatePledge(env.Ctx, engine.PledgeCreateOptions{
		TriggerID: tr.ID, UserID: "user-1", Amount: decimal.RequireFromString("600.00"), IncumbChallgr: 1, ActorID: "tester",
	})
	require.Error(t, err)

	// desired outcome out of range
	_, err = env.Engine.CreatePledge(env.Ctx, engine.PledgeCreateOptions{
		TriggerID: tr.ID, UserID: "user-1", DesiredOutcome: 5, Amount: decimal.RequireFromString("10.00"), IncumbChallgr: 1, ActorID: "tester",
	})
	require.Error(t, err)

	// one pledge per (trigger,user)
	env.createPledge(t, tr.ID, "user-1", "10.00", 1, 0)
	_, err = env.Engine.CreatePledge(env.Ctx, engine.PledgeCreateOptions{
		TriggerID: tr.ID, UserID: "user-1", DesiredOutcome: 0, Amount: decimal.RequireFromString("10.00"), IncumbChallgr: 1, ActorID: "tester",
	})
	require.Error(t, err)
}

func TestExecutionDelayEnforced(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Testing.SkipExecutionDelay = false
	env.seedUser(t, "user-1", "one@example.com")
	actor := env.seedActor(t, 1, domain.PartyDemocratic)
	tr := env.seedOpenTrigger(t)
	p := env.createPledge(t, tr.ID, "user-1", "10.00", 1, 0)
	env.executeTrigger(t, tr.ID, []engine.ActorOutcome{{ActorID: actor.ID, Outcome: outcomeOf(0)}})

	// no notice on record at all
	_, err := env.Engine.ExecutePledge(env.Ctx, p.ID, "tester")
	require.Error(t, err)

	marked, err := env.Engine.MarkPreExecutionNotices(env.Ctx, tr.ID, "tester")
	require.NoError(t, err)
	require.Equal(t, 1, marked)

	// notice just sent; the waiting period has not elapsed
	_, err = env.Engine.ExecutePledge(env.Ctx, p.ID, "tester")
	require.Error(t, err)

	env.Engine.Now = func() time.Time { return time.Date(2016, 3, 3, 12, 0, 0, 0, time.UTC) }
	pe, err := env.Engine.ExecutePledge(env.Ctx, p.ID, "tester")
	require.NoError(t, err)
	require.Equal(t, domain.ProblemNone, pe.Problem)
}

func TestPartyFilter(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "user-1", "one@example.com")
	dem := env.seedActor(t, 1, domain.PartyDemocratic)
	rep := env.seedActor(t, 2, domain.PartyRepublican)
	tr := env.seedOpenTrigger(t)
	party := domain.PartyDemocratic
	p, err := env.Engine.CreatePledge(env.Ctx, engine.PledgeCreateOptions{
		TriggerID:      tr.ID,
		UserID:         "user-1",
		DesiredOutcome: 0,
		Amount:         decimal.RequireFromString("10.00"),
		IncumbChallgr:  1,
		FilterParty:    party,
		ActorID:        "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.executeTrigger(t, tr.ID, []engine.ActorOutcome{
		{ActorID: dem.ID, Outcome: outcomeOf(0)},
		{ActorID: rep.ID, Outcome: outcomeOf(0)},
	})
	pe, err := env.Engine.ExecutePledge(env.Ctx, p.ID, "tester")
	require.NoError(t, err)
	contribs, _ := env.Engine.Repo.ListContributionsByPledgeExecution(env.Ctx, pe.ID)
	require.Len(t, contribs, 1)
	require.Equal(t, dem.ID+"-inc", contribs[0].RecipientID)
}

func TestGetTriggerOutcomeTotals(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "user-1", "one@example.com")
	actor := env.seedActor(t, 1, domain.PartyDemocratic)
	tr := env.seedOpenTrigger(t)
	p := env.createPledge(t, tr.ID, "user-1", "10.00", 1, 0)
	env.executeTrigger(t, tr.ID, []engine.ActorOutcome{{ActorID: actor.ID, Outcome: outcomeOf(0)}})
	if _, err := env.Engine.ExecutePledge(env.Ctx, p.ID, "tester"); err != nil {
		t.Fatal(err)
	}

	totals, err := env.Engine.GetTriggerOutcomeTotals(env.Ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, totals, 2)
	require.Equal(t, 0, totals[0].Index)
	require.Equal(t, "8.99", totals[0].Contribs.StringFixed(2))
	require.Equal(t, "0.00", totals[1].Contribs.StringFixed(2))
}
