package repo

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	"github.com/sammyslee/if.then.fund/internal/domain"
)

const actorCols = `id,govtrack_id,name_long,name_short,name_sort,party,title,challenger_id,created_at,updated_at`

func scanActor(scan func(dest ...any) error) (domain.Actor, error) {
	var a domain.Actor
	err := scan(&a.ID, &a.GovTrackID, &a.NameLong, &a.NameShort, &a.NameSort, &a.Party, &a.Title, &a.ChallengerID, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) InsertActor(ctx context.Context, a domain.Actor) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO actors(id,govtrack_id,name_long,name_short,name_sort,party,title,challenger_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.GovTrackID, a.NameLong, a.NameShort, a.NameSort, a.Party, a.Title, nullableStringPtr(a.ChallengerID), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+actorCols+` FROM actors WHERE id=?`, id)
	return scanActor(row.Scan)
}

func (r Repo) GetActorTx(ctx context.Context, tx *sql.Tx, id string) (domain.Actor, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+actorCols+` FROM actors WHERE id=?`, id)
	return scanActor(row.Scan)
}

func (r Repo) GetActorByGovTrackID(ctx context.Context, govtrackID int64) (domain.Actor, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+actorCols+` FROM actors WHERE govtrack_id=?`, govtrackID)
	return scanActor(row.Scan)
}

func (r Repo) ListActors(ctx context.Context) ([]domain.Actor, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+actorCols+` FROM actors ORDER BY name_sort, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Actor
	for rows.Next() {
		a, err := scanActor(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) SetActorChallenger(ctx context.Context, actorID, recipientID, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE actors SET challenger_id=?, updated_at=? WHERE id=?`, recipientID, updatedAt, actorID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

const recipientCols = `id,processor_id,active,actor_id,office_sought,party,created_at`

func scanRecipient(scan func(dest ...any) error) (domain.Recipient, error) {
	var rec domain.Recipient
	err := scan(&rec.ID, &rec.ProcessorID, &rec.Active, &rec.ActorID, &rec.OfficeSought, &rec.Party, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

func (r Repo) InsertRecipient(ctx context.Context, rec domain.Recipient) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO recipients(id,processor_id,active,actor_id,office_sought,party,created_at)
VALUES (?,?,?,?,?,?,?)`,
		rec.ID, rec.ProcessorID, rec.Active, nullableStringPtr(rec.ActorID), nullableStringPtr(rec.OfficeSought), nullableStringPtr(rec.Party), rec.CreatedAt)
	return err
}

func (r Repo) getRecipient(ctx context.Context, q querier, where string, args ...any) (domain.Recipient, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recipientCols+` FROM recipients WHERE `+where, args...)
	return scanRecipient(row.Scan)
}

func (r Repo) GetRecipient(ctx context.Context, id string) (domain.Recipient, error) {
	return r.getRecipient(ctx, r.DB, "id=?", id)
}

func (r Repo) GetRecipientTx(ctx context.Context, tx *sql.Tx, id string) (domain.Recipient, error) {
	return r.getRecipient(ctx, tx, "id=?", id)
}

func (r Repo) GetRecipientByActor(ctx context.Context, actorID string) (domain.Recipient, error) {
	return r.getRecipient(ctx, r.DB, "actor_id=?", actorID)
}

func (r Repo) GetRecipientByActorTx(ctx context.Context, tx *sql.Tx, actorID string) (domain.Recipient, error) {
	return r.getRecipient(ctx, tx, "actor_id=?", actorID)
}

// GetChallengerRecipient looks up a general-election challenger slot by
// the office contested and the challenger's party.
func (r Repo) GetChallengerRecipient(ctx context.Context, officeSought, party string) (domain.Recipient, error) {
	return r.getRecipient(ctx, r.DB, "office_sought=? AND party=?", officeSought, party)
}

func (r Repo) ListRecipients(ctx context.Context) ([]domain.Recipient, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+recipientCols+` FROM recipients ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (r Repo) SetRecipientActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE recipients SET active=? WHERE id=?`, active, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

const actionCols = `id,execution_id,actor_id,outcome,reason_for_no_outcome,name_long,name_short,name_sort,party,title,challenger_id,total_contributions_for,total_contributions_against,action_time,created_at`

func scanAction(scan func(dest ...any) error) (domain.Action, error) {
	var a domain.Action
	var forCents, againstCents int64
	err := scan(&a.ID, &a.ExecutionID, &a.ActorID, &a.Outcome, &a.ReasonForNoOutcome, &a.NameLong, &a.NameShort, &a.NameSort, &a.Party, &a.Title, &a.ChallengerID, &forCents, &againstCents, &a.ActionTime, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.TotalContributionsFor = dollars(forCents)
	a.TotalContributionsAgainst = dollars(againstCents)
	return a, nil
}

func (r Repo) InsertActionTx(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO actions(id,execution_id,actor_id,outcome,reason_for_no_outcome,name_long,name_short,name_sort,party,title,challenger_id,total_contributions_for,total_contributions_against,action_time,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ExecutionID, a.ActorID, nullableIntPtr(a.Outcome), nullableStringPtr(a.ReasonForNoOutcome),
		a.NameLong, a.NameShort, a.NameSort, a.Party, a.Title, nullableStringPtr(a.ChallengerID),
		cents(a.TotalContributionsFor), cents(a.TotalContributionsAgainst), a.ActionTime, a.CreatedAt)
	return err
}

func (r Repo) GetAction(ctx context.Context, id string) (domain.Action, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+actionCols+` FROM actions WHERE id=?`, id)
	return scanAction(row.Scan)
}

func (r Repo) listActions(ctx context.Context, q querier, executionID string) ([]domain.Action, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+actionCols+` FROM actions WHERE execution_id=? ORDER BY name_sort, id`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) ListActionsByExecution(ctx context.Context, executionID string) ([]domain.Action, error) {
	return r.listActions(ctx, r.DB, executionID)
}

func (r Repo) ListActionsByExecutionTx(ctx context.Context, tx *sql.Tx, executionID string) ([]domain.Action, error) {
	return r.listActions(ctx, tx, executionID)
}

// AddActionContribTotalTx bumps the action's for/against rollup. A
// contribution to the actor's challenger counts against the actor.
func (r Repo) AddActionContribTotalTx(ctx context.Context, tx *sql.Tx, actionID string, delta decimal.Decimal, against bool) error {
	col := "total_contributions_for"
	if against {
		col = "total_contributions_against"
	}
	_, err := tx.ExecContext(ctx, `UPDATE actions SET `+col+` = `+col+` + ? WHERE id=?`, cents(delta), actionID)
	return err
}
