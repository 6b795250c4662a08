package server

import (
	"github.com/sammyslee/if.then.fund/internal/domain"
)

// Request and response shapes for the API. Money travels as fixed
// two-decimal strings; the engine owns the decimal arithmetic.

type OutcomeDTO struct {
	VoteKey string `json:"vote_key"`
	Label   string `json:"label"`
}

type CreateTriggerRequest struct {
	Key         string       `json:"key,omitempty"`
	Title       string       `json:"title"`
	Slug        string       `json:"slug,omitempty"`
	Description string       `json:"description,omitempty"`
	Outcomes    []OutcomeDTO `json:"outcomes"`
	MaxSplit    int          `json:"max_split"`
}

type TriggerResponse struct {
	ID           string       `json:"id"`
	Key          string       `json:"key,omitempty"`
	Title        string       `json:"title"`
	Slug         string       `json:"slug"`
	Description  string       `json:"description,omitempty"`
	Status       string       `json:"status"`
	Outcomes     []OutcomeDTO `json:"outcomes"`
	MaxSplit     int          `json:"max_split"`
	PledgeCount  int          `json:"pledge_count"`
	TotalPledged string       `json:"total_pledged"`
	CreatedAt    string       `json:"created_at"`
	UpdatedAt    string       `json:"updated_at"`
}

func triggerResponse(t domain.Trigger) TriggerResponse {
	outcomes := make([]OutcomeDTO, len(t.Outcomes))
	for i, o := range t.Outcomes {
		outcomes[i] = OutcomeDTO{VoteKey: o.VoteKey, Label: o.Label}
	}
	return TriggerResponse{
		ID:           t.ID,
		Key:          t.Key,
		Title:        t.Title,
		Slug:         t.Slug,
		Description:  t.Description,
		Status:       t.Status,
		Outcomes:     outcomes,
		MaxSplit:     t.MaxSplit,
		PledgeCount:  t.PledgeCount,
		TotalPledged: t.TotalPledged.StringFixed(2),
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

func mapTriggers(items []domain.Trigger) []TriggerResponse {
	out := make([]TriggerResponse, len(items))
	for i, t := range items {
		out[i] = triggerResponse(t)
	}
	return out
}

type TriggerExecutionResponse struct {
	ID                      string `json:"id"`
	TriggerID               string `json:"trigger_id"`
	ActionTime              string `json:"action_time"`
	Cycle                   int    `json:"cycle"`
	Description             string `json:"description,omitempty"`
	PledgeCount             int    `json:"pledge_count"`
	PledgeCountWithContribs int    `json:"pledge_count_with_contribs"`
	NumContributions        int    `json:"num_contributions"`
	TotalContributions      string `json:"total_contributions"`
	CreatedAt               string `json:"created_at"`
}

func triggerExecutionResponse(te domain.TriggerExecution) TriggerExecutionResponse {
	return TriggerExecutionResponse{
		ID:                      te.ID,
		TriggerID:               te.TriggerID,
		ActionTime:              te.ActionTime,
		Cycle:                   te.Cycle,
		Description:             te.Description,
		PledgeCount:             te.PledgeCount,
		PledgeCountWithContribs: te.PledgeCountWithContribs,
		NumContributions:        te.NumContributions,
		TotalContributions:      te.TotalContributions.StringFixed(2),
		CreatedAt:               te.CreatedAt,
	}
}

type CreatePledgeRequest struct {
	TriggerID         string  `json:"trigger_id"`
	Email             string  `json:"email,omitempty"`
	DesiredOutcome    int     `json:"desired_outcome"`
	Amount            string  `json:"amount"`
	IncumbChallgr     float64 `json:"incumb_challgr"`
	FilterParty       *string `json:"filter_party,omitempty"`
	FilterCompetitive bool    `json:"filter_competitive,omitempty"`
	CCLastFour        string  `json:"cclastfour,omitempty"`
}

type PledgeResponse struct {
	ID                string  `json:"id"`
	TriggerID         string  `json:"trigger_id"`
	UserID            *string `json:"user_id,omitempty"`
	Email             *string `json:"email,omitempty"`
	Status            string  `json:"status"`
	Algorithm         int     `json:"algorithm"`
	DesiredOutcome    int     `json:"desired_outcome"`
	Amount            string  `json:"amount"`
	IncumbChallgr     float64 `json:"incumb_challgr"`
	FilterParty       *string `json:"filter_party,omitempty"`
	FilterCompetitive bool    `json:"filter_competitive"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
}

func pledgeResponse(p domain.Pledge) PledgeResponse {
	return PledgeResponse{
		ID:                p.ID,
		TriggerID:         p.TriggerID,
		UserID:            p.UserID,
		Email:             p.Email,
		Status:            p.Status,
		Algorithm:         p.Algorithm,
		DesiredOutcome:    p.DesiredOutcome,
		Amount:            p.Amount.StringFixed(2),
		IncumbChallgr:     p.IncumbChallgr,
		FilterParty:       p.FilterParty,
		FilterCompetitive: p.FilterCompetitive,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

func mapPledges(items []domain.Pledge) []PledgeResponse {
	out := make([]PledgeResponse, len(items))
	for i, p := range items {
		out[i] = pledgeResponse(p)
	}
	return out
}

type PledgeExecutionResponse struct {
	ID                 string  `json:"id"`
	PledgeID           string  `json:"pledge_id"`
	TriggerExecutionID string  `json:"trigger_execution_id"`
	Problem            string  `json:"problem"`
	Charged            string  `json:"charged"`
	Fees               string  `json:"fees"`
	District           *string `json:"district,omitempty"`
	CreatedAt          string  `json:"created_at"`
}

func pledgeExecutionResponse(pe domain.PledgeExecution) PledgeExecutionResponse {
	return PledgeExecutionResponse{
		ID:                 pe.ID,
		PledgeID:           pe.PledgeID,
		TriggerExecutionID: pe.TriggerExecutionID,
		Problem:            pe.Problem,
		Charged:            pe.Charged.StringFixed(2),
		Fees:               pe.Fees.StringFixed(2),
		District:           pe.District,
		CreatedAt:          pe.CreatedAt,
	}
}

type ContributionResponse struct {
	ID                string `json:"id"`
	PledgeExecutionID string `json:"pledge_execution_id"`
	ActionID          string `json:"action_id"`
	RecipientID       string `json:"recipient_id"`
	Amount            string `json:"amount"`
	TransactionID     string `json:"transaction_id"`
	CreatedAt         string `json:"created_at"`
}

func mapContributions(items []domain.Contribution) []ContributionResponse {
	out := make([]ContributionResponse, len(items))
	for i, c := range items {
		out[i] = ContributionResponse{
			ID:                c.ID,
			PledgeExecutionID: c.PledgeExecutionID,
			ActionID:          c.ActionID,
			RecipientID:       c.RecipientID,
			Amount:            c.Amount.StringFixed(2),
			TransactionID:     c.TransactionID,
			CreatedAt:         c.CreatedAt,
		}
	}
	return out
}

type OutcomeTotalResponse struct {
	Index    int    `json:"index"`
	Label    string `json:"label"`
	Contribs string `json:"contribs"`
}

func mapOutcomeTotals(items []domain.OutcomeTotal) []OutcomeTotalResponse {
	out := make([]OutcomeTotalResponse, len(items))
	for i, ot := range items {
		out[i] = OutcomeTotalResponse{Index: ot.Index, Label: ot.Label, Contribs: ot.Contribs.StringFixed(2)}
	}
	return out
}

type ActionResponse struct {
	ID                        string  `json:"id"`
	ActorID                   string  `json:"actor_id"`
	Outcome                   *int    `json:"outcome,omitempty"`
	ReasonForNoOutcome        *string `json:"reason_for_no_outcome,omitempty"`
	NameLong                  string  `json:"name_long"`
	Party                     string  `json:"party"`
	Title                     string  `json:"title"`
	TotalContributionsFor     string  `json:"total_contributions_for"`
	TotalContributionsAgainst string  `json:"total_contributions_against"`
}

func mapActions(items []domain.Action) []ActionResponse {
	out := make([]ActionResponse, len(items))
	for i, a := range items {
		out[i] = ActionResponse{
			ID:                        a.ID,
			ActorID:                   a.ActorID,
			Outcome:                   a.Outcome,
			ReasonForNoOutcome:        a.ReasonForNoOutcome,
			NameLong:                  a.NameLong,
			Party:                     a.Party,
			Title:                     a.Title,
			TotalContributionsFor:     a.TotalContributionsFor.StringFixed(2),
			TotalContributionsAgainst: a.TotalContributionsAgainst.StringFixed(2),
		}
	}
	return out
}
