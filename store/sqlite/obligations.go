package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/warp/community-ledger/ledger"
)

// =============================================================================
// OBLIGATION STORE (ledger.Store interface)
// =============================================================================

const (
	allocationAdvance = "advance"
	allocationForward = "forward"
)

const obligationColumns = `
	id, unit_id, resident_id, period_year, period_month,
	amount_due, amount_paid, surplus, extra_amount, extra_reason,
	period_start, period_end, due_date, state,
	payment_method, payment_reference, paid_at,
	created_by, created_at, updated_at, version`

// InsertObligation adds a new obligation and its allocation entries.
func (s *Store) InsertObligation(ctx context.Context, ob ledger.Obligation) error {
	return s.inTx(ctx, func(q querier) error {
		return queries{q}.InsertObligation(ctx, ob)
	})
}

// UpdateObligation persists ob if its version is still current.
func (s *Store) UpdateObligation(ctx context.Context, ob ledger.Obligation) (int, error) {
	var version int
	err := s.inTx(ctx, func(q querier) error {
		v, err := queries{q}.UpdateObligation(ctx, ob)
		version = v
		return err
	})
	return version, err
}

func (s *Store) GetObligation(ctx context.Context, id ledger.ObligationID) (*ledger.Obligation, error) {
	return queries{s.db}.GetObligation(ctx, id)
}

func (s *Store) FindObligation(ctx context.Context, unitID ledger.UnitID, period ledger.Period) (*ledger.Obligation, error) {
	return queries{s.db}.FindObligation(ctx, unitID, period)
}

func (s *Store) LatestObligation(ctx context.Context, unitID ledger.UnitID) (*ledger.Obligation, error) {
	return queries{s.db}.LatestObligation(ctx, unitID)
}

func (s *Store) ListObligations(ctx context.Context, unitID ledger.UnitID, filter ledger.ObligationFilter) ([]ledger.Obligation, error) {
	return queries{s.db}.ListObligations(ctx, unitID, filter)
}

func (s *Store) ListOpenDueBefore(ctx context.Context, t time.Time) ([]ledger.Obligation, error) {
	return queries{s.db}.ListOpenDueBefore(ctx, t)
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	return s.inTx(ctx, func(q querier) error {
		return fn(queries{q})
	})
}

// queries runs the obligation statements against either the pool or a
// transaction. Inside WithTx it is the ledger.Store handed to the caller.
type queries struct {
	q querier
}

func (x queries) InsertObligation(ctx context.Context, ob ledger.Obligation) error {
	if ob.Version == 0 {
		ob.Version = 1
	}
	query := `INSERT INTO obligations (` + obligationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var resident sql.NullString
	if ob.ResidentID != nil {
		resident = sql.NullString{String: string(*ob.ResidentID), Valid: true}
	}

	_, err := x.q.ExecContext(ctx, query,
		ob.ID,
		ob.UnitID,
		resident,
		ob.Period.Year,
		int(ob.Period.Month),
		ob.AmountDue.Value.String(),
		ob.AmountPaid.Value.String(),
		ob.Surplus.Value.String(),
		ob.ExtraAmount.Value.String(),
		ob.ExtraReason,
		formatDate(ob.PeriodStart),
		formatDate(ob.PeriodEnd),
		formatDate(ob.DueDate),
		ob.State,
		nullString(ob.PaymentMethod),
		nullString(ob.PaymentReference),
		nullTime(ob.PaidAt),
		ob.CreatedBy,
		formatTime(ob.CreatedAt),
		formatTime(ob.UpdatedAt),
		ob.Version,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateObligation
		}
		return fmt.Errorf("failed to insert obligation: %w", err)
	}

	return x.insertAllocations(ctx, ob)
}

func (x queries) UpdateObligation(ctx context.Context, ob ledger.Obligation) (int, error) {
	query := `
		UPDATE obligations SET
			amount_due = ?, amount_paid = ?, surplus = ?, extra_amount = ?, extra_reason = ?,
			state = ?, payment_method = ?, payment_reference = ?, paid_at = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`
	res, err := x.q.ExecContext(ctx, query,
		ob.AmountDue.Value.String(),
		ob.AmountPaid.Value.String(),
		ob.Surplus.Value.String(),
		ob.ExtraAmount.Value.String(),
		ob.ExtraReason,
		ob.State,
		nullString(ob.PaymentMethod),
		nullString(ob.PaymentReference),
		nullTime(ob.PaidAt),
		formatTime(ob.UpdatedAt),
		ob.ID,
		ob.Version,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update obligation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to update obligation: %w", err)
	}
	if n == 0 {
		var count int
		if err := x.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM obligations WHERE id = ?", ob.ID).Scan(&count); err != nil {
			return 0, err
		}
		if count == 0 {
			return 0, fmt.Errorf("%w: %s", ledger.ErrObligationNotFound, ob.ID)
		}
		return 0, ledger.ErrConcurrentModification
	}

	if err := x.insertAllocations(ctx, ob); err != nil {
		return 0, err
	}
	return ob.Version + 1, nil
}

// insertAllocations writes any entries not stored yet. The trail is
// append-only, so existing rows are left alone.
func (x queries) insertAllocations(ctx context.Context, ob ledger.Obligation) error {
	query := `
		INSERT OR IGNORE INTO obligation_allocations
		(obligation_id, kind, counterpart_id, period_year, period_month, amount, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	write := func(kind string, entries []ledger.AllocationEntry) error {
		for _, e := range entries {
			_, err := x.q.ExecContext(ctx, query,
				ob.ID, kind, e.CounterpartID, e.Period.Year, int(e.Period.Month),
				e.Amount.Value.String(), formatTime(e.AppliedAt),
			)
			if err != nil {
				return fmt.Errorf("failed to insert %s allocation: %w", kind, err)
			}
		}
		return nil
	}
	if err := write(allocationAdvance, ob.AdvancePayments); err != nil {
		return err
	}
	return write(allocationForward, ob.ForwardAllocations)
}

func (x queries) GetObligation(ctx context.Context, id ledger.ObligationID) (*ledger.Obligation, error) {
	obs, err := x.selectObligations(ctx, "WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, fmt.Errorf("%w: %s", ledger.ErrObligationNotFound, id)
	}
	return &obs[0], nil
}

func (x queries) FindObligation(ctx context.Context, unitID ledger.UnitID, period ledger.Period) (*ledger.Obligation, error) {
	obs, err := x.selectObligations(ctx,
		"WHERE unit_id = ? AND period_year = ? AND period_month = ?",
		unitID, period.Year, int(period.Month))
	if err != nil || len(obs) == 0 {
		return nil, err
	}
	return &obs[0], nil
}

func (x queries) LatestObligation(ctx context.Context, unitID ledger.UnitID) (*ledger.Obligation, error) {
	obs, err := x.selectObligations(ctx,
		"WHERE unit_id = ? ORDER BY period_year DESC, period_month DESC LIMIT 1", unitID)
	if err != nil || len(obs) == 0 {
		return nil, err
	}
	return &obs[0], nil
}

func (x queries) ListObligations(ctx context.Context, unitID ledger.UnitID, filter ledger.ObligationFilter) ([]ledger.Obligation, error) {
	where := "WHERE unit_id = ?"
	args := []any{unitID}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			args = append(args, st)
		}
		where += " AND state IN (" + strings.Join(placeholders, ", ") + ")"
	}
	return x.selectObligations(ctx, where+" ORDER BY period_year ASC, period_month ASC", args...)
}

func (x queries) ListOpenDueBefore(ctx context.Context, t time.Time) ([]ledger.Obligation, error) {
	return x.selectObligations(ctx,
		"WHERE state IN (?, ?) AND due_date < ? ORDER BY due_date ASC",
		ledger.StatePending, ledger.StatePartial, formatDate(t))
}

// selectObligations loads matching rows, then their allocation trails. The
// row cursor is closed before the second round of queries because the pool
// has a single connection.
func (x queries) selectObligations(ctx context.Context, clause string, args ...any) ([]ledger.Obligation, error) {
	rows, err := x.q.QueryContext(ctx, "SELECT "+obligationColumns+" FROM obligations "+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query obligations: %w", err)
	}
	defer rows.Close()

	var obligations []ledger.Obligation
	for rows.Next() {
		ob, err := scanObligation(rows)
		if err != nil {
			return nil, err
		}
		obligations = append(obligations, ob)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range obligations {
		if err := x.loadAllocations(ctx, &obligations[i]); err != nil {
			return nil, err
		}
	}
	return obligations, nil
}

func (x queries) loadAllocations(ctx context.Context, ob *ledger.Obligation) error {
	rows, err := x.q.QueryContext(ctx, `
		SELECT kind, counterpart_id, period_year, period_month, amount, applied_at
		FROM obligation_allocations
		WHERE obligation_id = ?
		ORDER BY rowid ASC
	`, ob.ID)
	if err != nil {
		return fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e         ledger.AllocationEntry
			kind      string
			month     int
			amount    string
			appliedAt string
		)
		if err := rows.Scan(&kind, &e.CounterpartID, &e.Period.Year, &month, &amount, &appliedAt); err != nil {
			return fmt.Errorf("failed to scan allocation: %w", err)
		}
		e.Period.Month = time.Month(month)
		if e.Amount, err = ledger.ParseMoney(amount); err != nil {
			return fmt.Errorf("failed to parse allocation amount %q: %w", amount, err)
		}
		e.AppliedAt = parseTime(appliedAt)

		if kind == allocationAdvance {
			ob.AdvancePayments = append(ob.AdvancePayments, e)
		} else {
			ob.ForwardAllocations = append(ob.ForwardAllocations, e)
		}
	}
	return rows.Err()
}

func scanObligation(rows *sql.Rows) (ledger.Obligation, error) {
	var (
		ob          ledger.Obligation
		residentID  sql.NullString
		month       int
		amountDue   string
		amountPaid  string
		surplus     string
		extraAmount string
		periodStart string
		periodEnd   string
		dueDate     string
		method      sql.NullString
		reference   sql.NullString
		paidAt      sql.NullString
		createdAt   string
		updatedAt   string
	)

	err := rows.Scan(
		&ob.ID, &ob.UnitID, &residentID, &ob.Period.Year, &month,
		&amountDue, &amountPaid, &surplus, &extraAmount, &ob.ExtraReason,
		&periodStart, &periodEnd, &dueDate, &ob.State,
		&method, &reference, &paidAt,
		&ob.CreatedBy, &createdAt, &updatedAt, &ob.Version,
	)
	if err != nil {
		return ob, fmt.Errorf("failed to scan obligation: %w", err)
	}

	ob.Period.Month = time.Month(month)
	amounts := []struct {
		dst *ledger.Money
		src string
	}{
		{&ob.AmountDue, amountDue},
		{&ob.AmountPaid, amountPaid},
		{&ob.Surplus, surplus},
		{&ob.ExtraAmount, extraAmount},
	}
	for _, a := range amounts {
		m, err := ledger.ParseMoney(a.src)
		if err != nil {
			return ob, fmt.Errorf("failed to parse amount %q of %s: %w", a.src, ob.ID, err)
		}
		*a.dst = m
	}

	ob.PeriodStart = parseTime(periodStart)
	ob.PeriodEnd = parseTime(periodEnd)
	ob.DueDate = parseTime(dueDate)
	ob.CreatedAt = parseTime(createdAt)
	ob.UpdatedAt = parseTime(updatedAt)

	if residentID.Valid {
		r := ledger.ResidentID(residentID.String)
		ob.ResidentID = &r
	}
	if method.Valid {
		ob.PaymentMethod = &method.String
	}
	if reference.Valid {
		ob.PaymentReference = &reference.String
	}
	if paidAt.Valid {
		t := parseTime(paidAt.String)
		ob.PaidAt = &t
	}

	return ob, nil
}

// formatDate renders second-precision UTC timestamps, so that due dates
// compare correctly as text.
func formatDate(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
