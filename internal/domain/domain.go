package domain

import "github.com/shopspring/decimal"

// Trigger statuses. Transitions are monotonic except open<->paused;
// executed and vacated are terminal.
const (
	TriggerDraft    = "draft"
	TriggerOpen     = "open"
	TriggerPaused   = "paused"
	TriggerExecuted = "executed"
	TriggerVacated  = "vacated"
)

// Pledge statuses.
const (
	PledgeOpen     = "open"
	PledgeExecuted = "executed"
	PledgeVacated  = "vacated"
)

// Pledge execution problem codes.
const (
	ProblemNone               = "none"
	ProblemEmailUnconfirmed   = "email_unconfirmed"
	ProblemFiltersExcludedAll = "filters_excluded_all"
	ProblemTransactionFailed  = "transaction_failed"
)

// Parties.
const (
	PartyDemocratic  = "democratic"
	PartyRepublican  = "republican"
	PartyIndependent = "independent"
)

// OppositeParty returns the opposing major party, or "" for parties
// that have no opposite (independents have no challenger slot).
func OppositeParty(party string) string {
	switch party {
	case PartyDemocratic:
		return PartyRepublican
	case PartyRepublican:
		return PartyDemocratic
	}
	return ""
}

// Outcome is one possible result of a trigger. The slice order on a
// Trigger is semantically meaningful and immutable after creation:
// pledges and actions refer to outcomes by index.
type Outcome struct {
	VoteKey string `json:"vote_key"`
	Label   string `json:"label"`
}

type Trigger struct {
	ID           string          `json:"id"`
	Key          string          `json:"key,omitempty"`
	Title        string          `json:"title"`
	Slug         string          `json:"slug"`
	Description  string          `json:"description,omitempty"`
	Status       string          `json:"status" enum:"draft,open,paused,executed,vacated"`
	Outcomes     []Outcome       `json:"outcomes"`
	MaxSplit     int             `json:"max_split"`
	PledgeCount  int             `json:"pledge_count"`
	TotalPledged decimal.Decimal `json:"total_pledged"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
	UpdatedAt    string          `json:"updated_at" format:"date-time"`
}

// TriggerExecution records how a trigger resolved. Exactly one per
// executed trigger; immutable afterwards except the cached counters.
type TriggerExecution struct {
	ID                      string          `json:"id"`
	TriggerID               string          `json:"trigger_id"`
	ActionTime              string          `json:"action_time" format:"date-time"`
	Cycle                   int             `json:"cycle"`
	Description             string          `json:"description,omitempty"`
	PledgeCount             int             `json:"pledge_count"`
	PledgeCountWithContribs int             `json:"pledge_count_with_contribs"`
	NumContributions        int             `json:"num_contributions"`
	TotalContributions      decimal.Decimal `json:"total_contributions"`
	CreatedAt               string          `json:"created_at" format:"date-time"`
}

type Actor struct {
	ID           string  `json:"id"`
	GovTrackID   int64   `json:"govtrack_id"`
	NameLong     string  `json:"name_long"`
	NameShort    string  `json:"name_short"`
	NameSort     string  `json:"name_sort"`
	Party        string  `json:"party" enum:"democratic,republican,independent"`
	Title        string  `json:"title"`
	ChallengerID *string `json:"challenger_id,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

// Action snapshots one actor's behavior under one trigger execution.
// Name, party, title and the challenger link are copied from the Actor
// at execution time so history does not drift if the Actor is edited.
type Action struct {
	ID                        string          `json:"id"`
	ExecutionID               string          `json:"execution_id"`
	ActorID                   string          `json:"actor_id"`
	Outcome                   *int            `json:"outcome,omitempty"`
	ReasonForNoOutcome        *string         `json:"reason_for_no_outcome,omitempty"`
	NameLong                  string          `json:"name_long"`
	NameShort                 string          `json:"name_short"`
	NameSort                  string          `json:"name_sort"`
	Party                     string          `json:"party"`
	Title                     string          `json:"title"`
	ChallengerID              *string         `json:"challenger_id,omitempty"`
	TotalContributionsFor     decimal.Decimal `json:"total_contributions_for"`
	TotalContributionsAgainst decimal.Decimal `json:"total_contributions_against"`
	ActionTime                string          `json:"action_time" format:"date-time"`
	CreatedAt                 string          `json:"created_at" format:"date-time"`
}

// HasOutcome reports whether the actor took one of the trigger's outcomes.
func (a Action) HasOutcome() bool {
	return a.Outcome != nil
}

type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Pledge is a user's conditional commitment. An unconfirmed pledge has
// Email set and UserID nil; it is excluded from money movement.
type Pledge struct {
	ID                       string          `json:"id"`
	TriggerID                string          `json:"trigger_id"`
	UserID                   *string         `json:"user_id,omitempty"`
	Email                    *string         `json:"email,omitempty"`
	Status                   string          `json:"status" enum:"open,executed,vacated"`
	Algorithm                int             `json:"algorithm"`
	DesiredOutcome           int             `json:"desired_outcome"`
	Amount                   decimal.Decimal `json:"amount"`
	IncumbChallgr            float64         `json:"incumb_challgr"`
	FilterParty              *string         `json:"filter_party,omitempty"`
	FilterCompetitive        bool            `json:"filter_competitive"`
	CCLastFour               *string         `json:"cclastfour,omitempty"`
	PreExecutionEmailSentAt  *string         `json:"pre_execution_email_sent_at,omitempty" format:"date-time"`
	PostExecutionEmailSentAt *string         `json:"post_execution_email_sent_at,omitempty" format:"date-time"`
	CreatedAt                string          `json:"created_at" format:"date-time"`
	UpdatedAt                string          `json:"updated_at" format:"date-time"`
}

// PledgeExecution is one-to-one with an executed pledge. DonationJSON
// holds the processor's donation record; it is nil when the execution
// recorded a problem and no money moved.
type PledgeExecution struct {
	ID                 string          `json:"id"`
	PledgeID           string          `json:"pledge_id"`
	TriggerExecutionID string          `json:"trigger_execution_id"`
	Problem            string          `json:"problem" enum:"none,email_unconfirmed,filters_excluded_all,transaction_failed"`
	Charged            decimal.Decimal `json:"charged"`
	Fees               decimal.Decimal `json:"fees"`
	District           *string         `json:"district,omitempty"`
	DonationJSON       *string         `json:"donation_json,omitempty"`
	ExceptionText      *string         `json:"exception_text,omitempty"`
	GeocodeJSON        *string         `json:"geocode_json,omitempty"`
	CreatedAt          string          `json:"created_at" format:"date-time"`
}

// Recipient is a payable entity: either an incumbent (ActorID set) or a
// general-election challenger slot identified by office sought + party.
type Recipient struct {
	ID           string  `json:"id"`
	ProcessorID  string  `json:"processor_id"`
	Active       bool    `json:"active"`
	ActorID      *string `json:"actor_id,omitempty"`
	OfficeSought *string `json:"office_sought,omitempty"`
	Party        *string `json:"party,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

// IsChallenger reports whether the recipient is a challenger slot
// rather than an incumbent actor.
func (r Recipient) IsChallenger() bool {
	return r.ActorID == nil
}

type Contribution struct {
	ID                string          `json:"id"`
	PledgeExecutionID string          `json:"pledge_execution_id"`
	ActionID          string          `json:"action_id"`
	RecipientID       string          `json:"recipient_id"`
	Amount            decimal.Decimal `json:"amount"`
	ProcessorID       string          `json:"processor_id"`
	TransactionID     string          `json:"transaction_id"`
	RefundedAt        *string         `json:"refunded_at,omitempty" format:"date-time"`
	CreatedAt         string          `json:"created_at" format:"date-time"`
}

// AggregateAllOutcomes and AggregateAllDistricts are the sentinel slice
// keys for aggregates spanning every outcome or district. Sentinels are
// used instead of NULL because sqlite treats NULLs as distinct in
// unique indexes, which would break the upsert on the aggregate key.
const (
	AggregateAllOutcomes  = -1
	AggregateAllDistricts = ""
)

// ContributionAggregate is a cached sum over contributions for one
// trigger execution, sliced by outcome and district.
type ContributionAggregate struct {
	TriggerExecutionID string          `json:"trigger_execution_id"`
	Outcome            int             `json:"outcome"`
	District           string          `json:"district"`
	Total              decimal.Decimal `json:"total"`
	UpdatedAt          string          `json:"updated_at" format:"date-time"`
}

// CancelledPledge archives the immutable fields of a deleted pledge.
type CancelledPledge struct {
	ID         string  `json:"id"`
	TriggerID  string  `json:"trigger_id"`
	UserID     *string `json:"user_id,omitempty"`
	Email      *string `json:"email,omitempty"`
	PledgeJSON string  `json:"pledge_json"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// OutcomeTotal pairs an outcome index with its aggregated contribution
// total for reporting.
type OutcomeTotal struct {
	Index    int             `json:"index"`
	Label    string          `json:"label"`
	Contribs decimal.Decimal `json:"contribs"`
}
