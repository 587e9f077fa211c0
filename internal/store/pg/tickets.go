package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"flowbit.dev/internal/ids"
	"flowbit.dev/internal/tickets"
)

const ticketColumns = `id, title, description, status, priority, customer_id, created_by, assigned_to,
	workflow_id, workflow_status, comments, tags, trigger_state, trigger_attempts, last_trigger_at,
	last_trigger_error, created_at, updated_at`

func scanTicket(row rowScanner) (tickets.Ticket, error) {
	var (
		t            tickets.Ticket
		assigned     sql.NullString
		lastTrigger  sql.NullTime
		rawComments  []byte
		rawTags      []byte
		status, prio string
		wfStatus     string
		trigState    string
	)
	if err := row.Scan(
		&t.ID, &t.Title, &t.Description, &status, &prio, &t.CustomerID, &t.CreatedBy, &assigned,
		&t.WorkflowID, &wfStatus, &rawComments, &rawTags, &trigState, &t.TriggerAttempts, &lastTrigger,
		&t.LastTriggerError, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return tickets.Ticket{}, err
	}
	t.Status = tickets.Status(status)
	t.Priority = tickets.Priority(prio)
	t.WorkflowStatus = tickets.WorkflowStatus(wfStatus)
	t.TriggerState = tickets.TriggerState(trigState)
	if assigned.Valid {
		v := assigned.String
		t.AssignedTo = &v
	}
	if lastTrigger.Valid {
		v := lastTrigger.Time
		t.LastTriggerAt = &v
	}
	t.Comments = []tickets.Comment{}
	if len(rawComments) > 0 {
		if err := json.Unmarshal(rawComments, &t.Comments); err != nil {
			return tickets.Ticket{}, fmt.Errorf("decode comments: %w", err)
		}
	}
	t.Tags = []string{}
	if len(rawTags) > 0 {
		if err := json.Unmarshal(rawTags, &t.Tags); err != nil {
			return tickets.Ticket{}, fmt.Errorf("decode tags: %w", err)
		}
	}
	return t, nil
}

func encodeLists(t *tickets.Ticket) (comments, tags []byte, err error) {
	c := t.Comments
	if c == nil {
		c = []tickets.Comment{}
	}
	g := t.Tags
	if g == nil {
		g = []string{}
	}
	if comments, err = json.Marshal(c); err != nil {
		return nil, nil, err
	}
	if tags, err = json.Marshal(g); err != nil {
		return nil, nil, err
	}
	return comments, tags, nil
}

func (s *Store) Create(ctx context.Context, t *tickets.Ticket) error {
	if s.db == nil {
		return errNoDB
	}
	if t.ID == "" {
		t.ID = ids.New()
	}
	comments, tags, err := encodeLists(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into tickets (`+ticketColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, t.ID, t.Title, t.Description, string(t.Status), string(t.Priority), t.CustomerID, t.CreatedBy,
		nullString(t.AssignedTo), t.WorkflowID, string(t.WorkflowStatus), comments, tags,
		string(t.TriggerState), t.TriggerAttempts, nullTime(t.LastTriggerAt), t.LastTriggerError,
		t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *Store) Get(ctx context.Context, customerID, id string) (tickets.Ticket, error) {
	if s.db == nil {
		return tickets.Ticket{}, errNoDB
	}
	t, err := scanTicket(s.db.QueryRowContext(ctx,
		`select `+ticketColumns+` from tickets where id=$1 and customer_id=$2`, id, customerID))
	if errors.Is(err, sql.ErrNoRows) {
		return tickets.Ticket{}, tickets.ErrNotFound
	}
	return t, err
}

func (s *Store) GetByID(ctx context.Context, id string) (tickets.Ticket, error) {
	if s.db == nil {
		return tickets.Ticket{}, errNoDB
	}
	t, err := scanTicket(s.db.QueryRowContext(ctx, `select `+ticketColumns+` from tickets where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return tickets.Ticket{}, tickets.ErrNotFound
	}
	return t, err
}

func (s *Store) List(ctx context.Context, customerID string, f tickets.Filter) ([]tickets.Ticket, int, error) {
	if s.db == nil {
		return nil, 0, errNoDB
	}
	where := []string{"customer_id=$1"}
	args := []any{customerID}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, "status=$"+strconv.Itoa(len(args)))
	}
	if f.Priority != "" {
		args = append(args, string(f.Priority))
		where = append(where, "priority=$"+strconv.Itoa(len(args)))
	}
	cond := strings.Join(where, " and ")

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from tickets where `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = tickets.MaxPageSize
	}
	pageArgs := append(append([]any(nil), args...), limit, f.Offset())
	rows, err := s.db.QueryContext(ctx, `
		select `+ticketColumns+` from tickets where `+cond+`
		order by created_at desc, id desc
		limit $`+strconv.Itoa(len(args)+1)+` offset $`+strconv.Itoa(len(args)+2),
		pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	res := []tickets.Ticket{}
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, t)
	}
	return res, total, rows.Err()
}

func (s *Store) Update(ctx context.Context, customerID, id string, patch tickets.Patch, at time.Time) (tickets.Ticket, error) {
	t, _, err := s.withTicket(ctx, "id=$1 and customer_id=$2", []any{id, customerID}, func(tx *sql.Tx, t *tickets.Ticket) (bool, error) {
		patch.Apply(t)
		t.UpdatedAt = at
		return true, nil
	})
	return t, err
}

func (s *Store) Delete(ctx context.Context, customerID, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from tickets where id=$1 and customer_id=$2`, id, customerID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return tickets.ErrNotFound
	}
	return nil
}

func (s *Store) AddComment(ctx context.Context, customerID, id string, c tickets.Comment) (tickets.Ticket, error) {
	if s.db == nil {
		return tickets.Ticket{}, errNoDB
	}
	raw, err := json.Marshal([]tickets.Comment{c})
	if err != nil {
		return tickets.Ticket{}, err
	}
	t, err := scanTicket(s.db.QueryRowContext(ctx, `
		update tickets set comments = comments || $3::jsonb, updated_at=$4
		where id=$1 and customer_id=$2
		returning `+ticketColumns,
		id, customerID, raw, c.CreatedAt))
	if errors.Is(err, sql.ErrNoRows) {
		return tickets.Ticket{}, tickets.ErrNotFound
	}
	return t, err
}

func (s *Store) Count(ctx context.Context, customerID string, status tickets.Status) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from tickets where customer_id=$1 and ($2 = '' or status=$2)
	`, customerID, string(status)).Scan(&n)
	return n, err
}

func (s *Store) ClaimTrigger(ctx context.Context, id string, attempts int, at time.Time) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update tickets set trigger_attempts = trigger_attempts + 1, last_trigger_at=$3
		where id=$1 and trigger_attempts=$2 and trigger_state <> 'acknowledged'
	`, id, attempts, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `select 1 from tickets where id=$1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, tickets.ErrNotFound
	}
	return false, err
}

func (s *Store) RecordTrigger(ctx context.Context, id string, out tickets.TriggerOutcome) (tickets.Ticket, bool, error) {
	var applied bool
	t, _, err := s.withTicket(ctx, "id=$1", []any{id}, func(tx *sql.Tx, t *tickets.Ticket) (bool, error) {
		if t.TriggerState == tickets.TriggerAcknowledged {
			return false, nil
		}
		if out.Err != "" {
			t.TriggerState = tickets.TriggerNotSent
			t.LastTriggerError = out.Err
		} else {
			t.TriggerState = tickets.TriggerSent
			t.LastTriggerError = ""
			t.WorkflowStatus = tickets.WorkflowProcessing
			if out.ExecutionID != "" {
				t.WorkflowID = out.ExecutionID
			}
		}
		t.UpdatedAt = out.At
		applied = true
		return true, nil
	})
	return t, applied, err
}

func (s *Store) ApplyCallback(ctx context.Context, id string, c tickets.Completion) (tickets.Ticket, bool, error) {
	var duplicate bool
	t, _, err := s.withTicket(ctx, "id=$1", []any{id}, func(tx *sql.Tx, t *tickets.Ticket) (bool, error) {
		if c.ExecutionID != "" {
			res, err := tx.ExecContext(ctx, `
				insert into workflow_callbacks (ticket_id, execution_id, processed_at)
				values ($1,$2,$3) on conflict do nothing
			`, id, c.ExecutionID, c.At)
			if err != nil {
				return false, err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return false, err
			}
			if n == 0 {
				duplicate = true
				return false, nil
			}
			t.WorkflowID = c.ExecutionID
		}
		t.WorkflowStatus = tickets.WorkflowCompleted
		t.Status = c.Status
		t.Comments = append(t.Comments, c.Comment)
		t.TriggerState = tickets.TriggerAcknowledged
		t.LastTriggerError = ""
		t.UpdatedAt = c.At
		return true, nil
	})
	return t, duplicate, err
}

func (s *Store) ListStaleTriggers(ctx context.Context, before time.Time, limit int) ([]tickets.Ticket, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+ticketColumns+` from tickets
		where trigger_state <> 'acknowledged'
		  and workflow_status in ('pending','processing')
		  and coalesce(last_trigger_at, created_at) < $1
		order by created_at
		limit $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []tickets.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (s *Store) MarkWorkflowFailed(ctx context.Context, id string, c tickets.Comment) (bool, error) {
	_, wrote, err := s.withTicket(ctx, "id=$1", []any{id}, func(tx *sql.Tx, t *tickets.Ticket) (bool, error) {
		if t.TriggerState == tickets.TriggerAcknowledged || t.WorkflowStatus == tickets.WorkflowCompleted {
			return false, nil
		}
		t.WorkflowStatus = tickets.WorkflowFailed
		t.Comments = append(t.Comments, c)
		t.UpdatedAt = c.CreatedAt
		return true, nil
	})
	return wrote, err
}

// withTicket locks one ticket row, lets fn mutate it and persists the result
// when fn asks for it. Missing rows map to tickets.ErrNotFound.
func (s *Store) withTicket(
	ctx context.Context,
	where string,
	args []any,
	fn func(tx *sql.Tx, t *tickets.Ticket) (bool, error),
) (tickets.Ticket, bool, error) {
	if s.db == nil {
		return tickets.Ticket{}, false, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return tickets.Ticket{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	t, err := scanTicket(tx.QueryRowContext(ctx, `select `+ticketColumns+` from tickets where `+where+` for update`, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return tickets.Ticket{}, false, tickets.ErrNotFound
	}
	if err != nil {
		return tickets.Ticket{}, false, err
	}

	write, err := fn(tx, &t)
	if err != nil {
		return tickets.Ticket{}, false, err
	}
	if write {
		comments, tags, err := encodeLists(&t)
		if err != nil {
			return tickets.Ticket{}, false, err
		}
		if _, err := tx.ExecContext(ctx, `
			update tickets set title=$2, description=$3, status=$4, priority=$5, assigned_to=$6,
				workflow_id=$7, workflow_status=$8, comments=$9, tags=$10, trigger_state=$11,
				last_trigger_error=$12, updated_at=$13
			where id=$1
		`, t.ID, t.Title, t.Description, string(t.Status), string(t.Priority), nullString(t.AssignedTo),
			t.WorkflowID, string(t.WorkflowStatus), comments, tags, string(t.TriggerState),
			t.LastTriggerError, t.UpdatedAt); err != nil {
			return tickets.Ticket{}, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return tickets.Ticket{}, false, err
	}
	return t, write, nil
}
