package repo

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	"github.com/sammyslee/if.then.fund/internal/domain"
)

const contributionCols = `id,pledge_execution_id,action_id,recipient_id,amount,processor_id,transaction_id,refunded_at,created_at`

func scanContribution(scan func(dest ...any) error) (domain.Contribution, error) {
	var c domain.Contribution
	var amount int64
	err := scan(&c.ID, &c.PledgeExecutionID, &c.ActionID, &c.RecipientID, &amount, &c.ProcessorID, &c.TransactionID, &c.RefundedAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Amount = dollars(amount)
	return c, nil
}

func (r Repo) InsertContributionTx(ctx context.Context, tx *sql.Tx, c domain.Contribution) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO contributions(id,pledge_execution_id,action_id,recipient_id,amount,processor_id,transaction_id,refunded_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.PledgeExecutionID, c.ActionID, c.RecipientID, cents(c.Amount), c.ProcessorID, c.TransactionID,
		nullableStringPtr(c.RefundedAt), c.CreatedAt)
	return err
}

func (r Repo) listContributions(ctx context.Context, q querier, where string, arg any) ([]domain.Contribution, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+contributionCols+` FROM contributions WHERE `+where+` ORDER BY created_at, id`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contribution
	for rows.Next() {
		c, err := scanContribution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) ListContributionsByPledgeExecution(ctx context.Context, pledgeExecutionID string) ([]domain.Contribution, error) {
	return r.listContributions(ctx, r.DB, "pledge_execution_id=?", pledgeExecutionID)
}

func (r Repo) ListContributionsByPledgeExecutionTx(ctx context.Context, tx *sql.Tx, pledgeExecutionID string) ([]domain.Contribution, error) {
	return r.listContributions(ctx, tx, "pledge_execution_id=?", pledgeExecutionID)
}

func (r Repo) ListContributionsByRecipient(ctx context.Context, recipientID string) ([]domain.Contribution, error) {
	return r.listContributions(ctx, r.DB, "recipient_id=?", recipientID)
}

func (r Repo) DeleteContributionTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM contributions WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

// AddToAggregateTx adds delta to one aggregate slice, creating the row
// on first touch. outcome/district use the sentinel keys for the
// all-outcomes and all-districts slices so the unique index can match.
func (r Repo) AddToAggregateTx(ctx context.Context, tx *sql.Tx, triggerExecutionID string, outcome int, district string, delta decimal.Decimal, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO contribution_aggregates(trigger_execution_id,outcome,district,total,updated_at)
VALUES (?,?,?,?,?)
ON CONFLICT(trigger_execution_id,outcome,district) DO UPDATE SET total = total + excluded.total, updated_at = excluded.updated_at`,
		triggerExecutionID, outcome, district, cents(delta), updatedAt)
	return err
}

// GetAggregate reads one slice total; a missing row reads as zero.
func (r Repo) GetAggregate(ctx context.Context, triggerExecutionID string, outcome int, district string) (decimal.Decimal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT total FROM contribution_aggregates WHERE trigger_execution_id=? AND outcome=? AND district=?`,
		triggerExecutionID, outcome, district)
	var total int64
	err := row.Scan(&total)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return dollars(total), nil
}

func (r Repo) ListAggregatesByTriggerExecution(ctx context.Context, triggerExecutionID string) ([]domain.ContributionAggregate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT trigger_execution_id,outcome,district,total,updated_at FROM contribution_aggregates WHERE trigger_execution_id=? ORDER BY outcome, district`, triggerExecutionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ContributionAggregate
	for rows.Next() {
		var agg domain.ContributionAggregate
		var total int64
		if err := rows.Scan(&agg.TriggerExecutionID, &agg.Outcome, &agg.District, &total, &agg.UpdatedAt); err != nil {
			return nil, err
		}
		agg.Total = dollars(total)
		res = append(res, agg)
	}
	return res, rows.Err()
}

// SumContributionsByTriggerExecution recomputes the true total from the
// contribution rows. Used to cross-check the cached aggregates.
func (r Repo) SumContributionsByTriggerExecution(ctx context.Context, triggerExecutionID string) (decimal.Decimal, int, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(c.amount),0), COUNT(*)
FROM contributions c
JOIN pledge_executions pe ON pe.id = c.pledge_execution_id
WHERE pe.trigger_execution_id=?`, triggerExecutionID)
	var total int64
	var n int
	if err := row.Scan(&total, &n); err != nil {
		return decimal.Zero, 0, err
	}
	return dollars(total), n, nil
}
