package repo

import (
	"context"
	"database/sql"

	"github.com/sammyslee/if.then.fund/internal/domain"
)

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,email,created_at) VALUES (?,?,?)`, u.ID, u.Email, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,email,created_at FROM users WHERE id=?`, id)
	var u domain.User
	err := row.Scan(&u.ID, &u.Email, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,email,created_at FROM users WHERE email=?`, email)
	var u domain.User
	err := row.Scan(&u.ID, &u.Email, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

const pledgeCols = `id,trigger_id,user_id,email,status,algorithm,desired_outcome,amount,incumb_challgr,filter_party,filter_competitive,cclastfour,pre_execution_email_sent_at,post_execution_email_sent_at,created_at,updated_at`

func scanPledge(scan func(dest ...any) error) (domain.Pledge, error) {
	var p domain.Pledge
	var amount int64
	err := scan(&p.ID, &p.TriggerID, &p.UserID, &p.Email, &p.Status, &p.Algorithm, &p.DesiredOutcome, &amount, &p.IncumbChallgr,
		&p.FilterParty, &p.FilterCompetitive, &p.CCLastFour, &p.PreExecutionEmailSentAt, &p.PostExecutionEmailSentAt, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Amount = dollars(amount)
	return p, nil
}

func (r Repo) InsertPledgeTx(ctx context.Context, tx *sql.Tx, p domain.Pledge) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO pledges(id,trigger_id,user_id,email,status,algorithm,desired_outcome,amount,incumb_challgr,filter_party,filter_competitive,cclastfour,pre_execution_email_sent_at,post_execution_email_sent_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.TriggerID, nullableStringPtr(p.UserID), nullableStringPtr(p.Email), p.Status, p.Algorithm, p.DesiredOutcome,
		cents(p.Amount), p.IncumbChallgr, nullableStringPtr(p.FilterParty), p.FilterCompetitive, nullableStringPtr(p.CCLastFour),
		nullableStringPtr(p.PreExecutionEmailSentAt), nullableStringPtr(p.PostExecutionEmailSentAt), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) getPledge(ctx context.Context, q querier, where string, args ...any) (domain.Pledge, error) {
	row := q.QueryRowContext(ctx, `SELECT `+pledgeCols+` FROM pledges WHERE `+where, args...)
	return scanPledge(row.Scan)
}

func (r Repo) GetPledge(ctx context.Context, id string) (domain.Pledge, error) {
	return r.getPledge(ctx, r.DB, "id=?", id)
}

func (r Repo) GetPledgeTx(ctx context.Context, tx *sql.Tx, id string) (domain.Pledge, error) {
	return r.getPledge(ctx, tx, "id=?", id)
}

func (r Repo) GetPledgeByTriggerAndUser(ctx context.Context, triggerID, userID string) (domain.Pledge, error) {
	return r.getPledge(ctx, r.DB, "trigger_id=? AND user_id=?", triggerID, userID)
}

func (r Repo) GetPledgeByTriggerAndEmail(ctx context.Context, triggerID, email string) (domain.Pledge, error) {
	return r.getPledge(ctx, r.DB, "trigger_id=? AND email=?", triggerID, email)
}

func (r Repo) listPledges(ctx context.Context, q querier, where string, args ...any) ([]domain.Pledge, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+pledgeCols+` FROM pledges WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Pledge
	for rows.Next() {
		p, err := scanPledge(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) ListPledgesByTrigger(ctx context.Context, triggerID string) ([]domain.Pledge, error) {
	return r.listPledges(ctx, r.DB, "trigger_id=?", triggerID)
}

func (r Repo) ListPledgesByTriggerTx(ctx context.Context, tx *sql.Tx, triggerID string) ([]domain.Pledge, error) {
	return r.listPledges(ctx, tx, "trigger_id=?", triggerID)
}

// ListOpenPledgesByTrigger returns the pledges still awaiting execution
// for a trigger, in creation order.
func (r Repo) ListOpenPledgesByTrigger(ctx context.Context, triggerID string) ([]domain.Pledge, error) {
	return r.listPledges(ctx, r.DB, "trigger_id=? AND status=?", triggerID, domain.PledgeOpen)
}

// FindPledgesByCCLastFour returns open, unconfirmed pledges whose card
// last-four matches. Used to reunite an anonymous pledge with the user
// who later logs in with the same card.
func (r Repo) FindPledgesByCCLastFour(ctx context.Context, lastFour string) ([]domain.Pledge, error) {
	return r.listPledges(ctx, r.DB, "cclastfour=? AND user_id IS NULL AND status=?", lastFour, domain.PledgeOpen)
}

// UpdatePledgeStatusTx flips a pledge's status only if it currently has
// fromStatus; false means another transaction got there first.
func (r Repo) UpdatePledgeStatusTx(ctx context.Context, tx *sql.Tx, id, fromStatus, toStatus, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE pledges SET status=?, updated_at=? WHERE id=? AND status=?`, toStatus, updatedAt, id, fromStatus)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ConfirmPledgeUserTx moves an email-only pledge onto a confirmed user
// account, clearing the provisional email.
func (r Repo) ConfirmPledgeUserTx(ctx context.Context, tx *sql.Tx, pledgeID, userID, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE pledges SET user_id=?, email=NULL, updated_at=? WHERE id=? AND user_id IS NULL`, userID, updatedAt, pledgeID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func (r Repo) SetPledgePreExecutionEmailSentTx(ctx context.Context, tx *sql.Tx, pledgeID, sentAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE pledges SET pre_execution_email_sent_at=?, updated_at=? WHERE id=?`, sentAt, sentAt, pledgeID)
	return err
}

func (r Repo) SetPledgePostExecutionEmailSentTx(ctx context.Context, tx *sql.Tx, pledgeID, sentAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE pledges SET post_execution_email_sent_at=?, updated_at=? WHERE id=?`, sentAt, sentAt, pledgeID)
	return err
}

func (r Repo) DeletePledgeTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM pledges WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

const pledgeExecutionCols = `id,pledge_id,trigger_execution_id,problem,charged,fees,district,donation_json,exception_text,geocode_json,created_at`

func scanPledgeExecution(scan func(dest ...any) error) (domain.PledgeExecution, error) {
	var pe domain.PledgeExecution
	var charged, fees int64
	err := scan(&pe.ID, &pe.PledgeID, &pe.TriggerExecutionID, &pe.Problem, &charged, &fees,
		&pe.District, &pe.DonationJSON, &pe.ExceptionText, &pe.GeocodeJSON, &pe.CreatedAt)
	if err == sql.ErrNoRows {
		return pe, ErrNotFound
	}
	if err != nil {
		return pe, err
	}
	pe.Charged = dollars(charged)
	pe.Fees = dollars(fees)
	return pe, nil
}

func (r Repo) InsertPledgeExecutionTx(ctx context.Context, tx *sql.Tx, pe domain.PledgeExecution) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO pledge_executions(id,pledge_id,trigger_execution_id,problem,charged,fees,district,donation_json,exception_text,geocode_json,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		pe.ID, pe.PledgeID, pe.TriggerExecutionID, pe.Problem, cents(pe.Charged), cents(pe.Fees),
		nullableStringPtr(pe.District), nullableStringPtr(pe.DonationJSON), nullableStringPtr(pe.ExceptionText),
		nullableStringPtr(pe.GeocodeJSON), pe.CreatedAt)
	return err
}

func (r Repo) getPledgeExecution(ctx context.Context, q querier, where string, arg any) (domain.PledgeExecution, error) {
	row := q.QueryRowContext(ctx, `SELECT `+pledgeExecutionCols+` FROM pledge_executions WHERE `+where, arg)
	return scanPledgeExecution(row.Scan)
}

func (r Repo) GetPledgeExecution(ctx context.Context, id string) (domain.PledgeExecution, error) {
	return r.getPledgeExecution(ctx, r.DB, "id=?", id)
}

func (r Repo) GetPledgeExecutionTx(ctx context.Context, tx *sql.Tx, id string) (domain.PledgeExecution, error) {
	return r.getPledgeExecution(ctx, tx, "id=?", id)
}

func (r Repo) GetPledgeExecutionByPledge(ctx context.Context, pledgeID string) (domain.PledgeExecution, error) {
	return r.getPledgeExecution(ctx, r.DB, "pledge_id=?", pledgeID)
}

func (r Repo) GetPledgeExecutionByPledgeTx(ctx context.Context, tx *sql.Tx, pledgeID string) (domain.PledgeExecution, error) {
	return r.getPledgeExecution(ctx, tx, "pledge_id=?", pledgeID)
}

func (r Repo) ListPledgeExecutionsByTriggerExecution(ctx context.Context, triggerExecutionID string) ([]domain.PledgeExecution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+pledgeExecutionCols+` FROM pledge_executions WHERE trigger_execution_id=? ORDER BY created_at, id`, triggerExecutionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PledgeExecution
	for rows.Next() {
		pe, err := scanPledgeExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, pe)
	}
	return res, rows.Err()
}

// ListPledgeExecutionsMissingDistrict returns successful executions
// whose donor district could not be geocoded at execution time.
func (r Repo) ListPledgeExecutionsMissingDistrict(ctx context.Context) ([]domain.PledgeExecution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+pledgeExecutionCols+` FROM pledge_executions WHERE district IS NULL AND problem=? ORDER BY created_at, id`, domain.ProblemNone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PledgeExecution
	for rows.Next() {
		pe, err := scanPledgeExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, pe)
	}
	return res, rows.Err()
}

func (r Repo) UpdatePledgeExecutionDistrictTx(ctx context.Context, tx *sql.Tx, id, district, geocodeJSON string) error {
	res, err := tx.ExecContext(ctx, `UPDATE pledge_executions SET district=?, geocode_json=? WHERE id=?`, district, nullable(geocodeJSON), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func (r Repo) DeletePledgeExecutionTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM pledge_executions WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func (r Repo) InsertCancelledPledgeTx(ctx context.Context, tx *sql.Tx, cp domain.CancelledPledge) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cancelled_pledges(id,trigger_id,user_id,email,pledge_json,created_at)
VALUES (?,?,?,?,?,?)`,
		cp.ID, cp.TriggerID, nullableStringPtr(cp.UserID), nullableStringPtr(cp.Email), cp.PledgeJSON, cp.CreatedAt)
	return err
}

func (r Repo) ListCancelledPledgesByTrigger(ctx context.Context, triggerID string) ([]domain.CancelledPledge, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,trigger_id,user_id,email,pledge_json,created_at FROM cancelled_pledges WHERE trigger_id=? ORDER BY created_at, id`, triggerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CancelledPledge
	for rows.Next() {
		var cp domain.CancelledPledge
		if err := rows.Scan(&cp.ID, &cp.TriggerID, &cp.UserID, &cp.Email, &cp.PledgeJSON, &cp.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, cp)
	}
	return res, rows.Err()
}
