package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sammyslee/if.then.fund/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx so reads can run
// inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// cents and dollars convert between decimal dollar amounts and the
// integer-cent representation stored in the database. Integer cents
// keep `SET total = total + ?` increments exact.
func cents(d decimal.Decimal) int64 {
	return d.Shift(2).IntPart()
}

func dollars(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

const triggerCols = `id,COALESCE(key,''),title,slug,COALESCE(description,''),status,outcomes_json,max_split,pledge_count,total_pledged,created_at,updated_at`

func scanTrigger(scan func(dest ...any) error) (domain.Trigger, error) {
	var t domain.Trigger
	var outcomesJSON string
	var totalPledged int64
	err := scan(&t.ID, &t.Key, &t.Title, &t.Slug, &t.Description, &t.Status, &outcomesJSON, &t.MaxSplit, &t.PledgeCount, &totalPledged, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(outcomesJSON), &t.Outcomes); err != nil {
		return t, err
	}
	t.TotalPledged = dollars(totalPledged)
	return t, nil
}

func (r Repo) InsertTriggerTx(ctx context.Context, tx *sql.Tx, t domain.Trigger) error {
	outcomes, err := json.Marshal(t.Outcomes)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO triggers(id,key,title,slug,description,status,outcomes_json,max_split,pledge_count,total_pledged,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, nullable(t.Key), t.Title, t.Slug, nullable(t.Description), t.Status, string(outcomes), t.MaxSplit,
		t.PledgeCount, cents(t.TotalPledged), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) getTrigger(ctx context.Context, q querier, where string, arg any) (domain.Trigger, error) {
	row := q.QueryRowContext(ctx, `SELECT `+triggerCols+` FROM triggers WHERE `+where, arg)
	return scanTrigger(row.Scan)
}

func (r Repo) GetTrigger(ctx context.Context, id string) (domain.Trigger, error) {
	return r.getTrigger(ctx, r.DB, "id=?", id)
}

func (r Repo) GetTriggerTx(ctx context.Context, tx *sql.Tx, id string) (domain.Trigger, error) {
	return r.getTrigger(ctx, tx, "id=?", id)
}

func (r Repo) GetTriggerByKey(ctx context.Context, key string) (domain.Trigger, error) {
	return r.getTrigger(ctx, r.DB, "key=?", key)
}

func (r Repo) ListTriggers(ctx context.Context, status string) ([]domain.Trigger, error) {
	clauses := []string{"1=1"}
	var args []any
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT ` + triggerCols + ` FROM triggers WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateTriggerStatusTx flips a trigger's status only if the current
// status is one of fromStatuses. It reports whether the row changed;
// false means the trigger was in some other state when the update ran,
// which is the compare-and-swap guard against concurrent transitions.
func (r Repo) UpdateTriggerStatusTx(ctx context.Context, tx *sql.Tx, id, toStatus, updatedAt string, fromStatuses ...string) (bool, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(fromStatuses)), ",")
	args := []any{toStatus, updatedAt, id}
	for _, s := range fromStatuses {
		args = append(args, s)
	}
	res, err := tx.ExecContext(ctx, `UPDATE triggers SET status=?, updated_at=? WHERE id=? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AddTriggerPledgeTotalsTx bumps the cached pledge_count/total_pledged
// in one statement so concurrent pledge writers never lose an update.
func (r Repo) AddTriggerPledgeTotalsTx(ctx context.Context, tx *sql.Tx, id string, deltaCount int, deltaAmount decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `UPDATE triggers SET pledge_count = pledge_count + ?, total_pledged = total_pledged + ? WHERE id=?`,
		deltaCount, cents(deltaAmount), id)
	return err
}

const triggerExecutionCols = `id,trigger_id,action_time,cycle,COALESCE(description,''),pledge_count,pledge_count_with_contribs,num_contributions,total_contributions,created_at`

func scanTriggerExecution(scan func(dest ...any) error) (domain.TriggerExecution, error) {
	var te domain.TriggerExecution
	var total int64
	err := scan(&te.ID, &te.TriggerID, &te.ActionTime, &te.Cycle, &te.Description, &te.PledgeCount, &te.PledgeCountWithContribs, &te.NumContributions, &total, &te.CreatedAt)
	if err == sql.ErrNoRows {
		return te, ErrNotFound
	}
	if err != nil {
		return te, err
	}
	te.TotalContributions = dollars(total)
	return te, nil
}

func (r Repo) InsertTriggerExecutionTx(ctx context.Context, tx *sql.Tx, te domain.TriggerExecution) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO trigger_executions(id,trigger_id,action_time,cycle,description,pledge_count,pledge_count_with_contribs,num_contributions,total_contributions,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		te.ID, te.TriggerID, te.ActionTime, te.Cycle, nullable(te.Description),
		te.PledgeCount, te.PledgeCountWithContribs, te.NumContributions, cents(te.TotalContributions), te.CreatedAt)
	return err
}

func (r Repo) getTriggerExecution(ctx context.Context, q querier, where string, arg any) (domain.TriggerExecution, error) {
	row := q.QueryRowContext(ctx, `SELECT `+triggerExecutionCols+` FROM trigger_executions WHERE `+where, arg)
	return scanTriggerExecution(row.Scan)
}

func (r Repo) GetTriggerExecution(ctx context.Context, id string) (domain.TriggerExecution, error) {
	return r.getTriggerExecution(ctx, r.DB, "id=?", id)
}

func (r Repo) GetTriggerExecutionTx(ctx context.Context, tx *sql.Tx, id string) (domain.TriggerExecution, error) {
	return r.getTriggerExecution(ctx, tx, "id=?", id)
}

func (r Repo) GetTriggerExecutionByTrigger(ctx context.Context, triggerID string) (domain.TriggerExecution, error) {
	return r.getTriggerExecution(ctx, r.DB, "trigger_id=?", triggerID)
}

func (r Repo) GetTriggerExecutionByTriggerTx(ctx context.Context, tx *sql.Tx, triggerID string) (domain.TriggerExecution, error) {
	return r.getTriggerExecution(ctx, tx, "trigger_id=?", triggerID)
}

// AddTriggerExecutionPledgeCountsTx bumps the cached pledge counters.
func (r Repo) AddTriggerExecutionPledgeCountsTx(ctx context.Context, tx *sql.Tx, id string, deltaPledges, deltaWithContribs int) error {
	_, err := tx.ExecContext(ctx, `UPDATE trigger_executions SET pledge_count = pledge_count + ?, pledge_count_with_contribs = pledge_count_with_contribs + ? WHERE id=?`,
		deltaPledges, deltaWithContribs, id)
	return err
}

// AddTriggerExecutionContribTotalsTx bumps the cached contribution
// rollups as a single atomic increment.
func (r Repo) AddTriggerExecutionContribTotalsTx(ctx context.Context, tx *sql.Tx, id string, deltaAmount decimal.Decimal, deltaNum int) error {
	_, err := tx.ExecContext(ctx, `UPDATE trigger_executions SET total_contributions = total_contributions + ?, num_contributions = num_contributions + ? WHERE id=?`,
		cents(deltaAmount), deltaNum, id)
	return err
}

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events ` + where + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
