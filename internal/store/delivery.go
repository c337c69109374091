// delivery.go -- outbox task claiming and delivery log queries.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

const taskColumns = `id, request_id, username, email, ip, encrypted_code, status,
	attempt_count, next_attempt_at, last_error, created_at, updated_at`

func scanTask(row pgx.Row) (*DeliveryTask, error) {
	var t DeliveryTask
	err := row.Scan(&t.ID, &t.RequestID, &t.Username, &t.Email, &t.IP, &t.EncryptedCode, &t.Status,
		&t.AttemptCount, &t.NextAttemptAt, &t.LastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ClaimDueTasks claims up to limit tasks that are due at now, oldest due first, and marks
// them SENDING with a lease until now+lease. SKIP LOCKED keeps concurrent claimers disjoint.
// A SENDING task whose lease lapsed is due again, and reclaiming it counts as an attempt so
// a task that kills its worker every time still runs out of attempts.
// The returned NextAttemptAt is the lease token for RenewLease and MarkTask*.
func (s *PostgresStore) ClaimDueTasks(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]DeliveryTask, error) {
	rows, err := s.pool.Query(ctx, `
		WITH due AS (
			SELECT id, next_attempt_at AS due_at FROM delivery_tasks
			WHERE status IN ('PENDING', 'FAILED', 'SENDING')
			  AND next_attempt_at IS NOT NULL AND next_attempt_at <= $1
			ORDER BY next_attempt_at, created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE delivery_tasks t
		SET status = 'SENDING', next_attempt_at = $2, updated_at = $1,
			attempt_count = t.attempt_count + CASE WHEN t.status = 'SENDING' THEN 1 ELSE 0 END
		FROM due
		WHERE t.id = due.id
		RETURNING t.id, t.request_id, t.username, t.email, t.ip, t.encrypted_code, t.status,
			t.attempt_count, t.next_attempt_at, t.last_error, t.created_at, t.updated_at, due.due_at
	`, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claiming due tasks: %w", err)
	}
	defer rows.Close()

	type claimed struct {
		task  DeliveryTask
		dueAt time.Time
	}
	var out []claimed
	for rows.Next() {
		var c claimed
		t := &c.task
		if err := rows.Scan(&t.ID, &t.RequestID, &t.Username, &t.Email, &t.IP, &t.EncryptedCode, &t.Status,
			&t.AttemptCount, &t.NextAttemptAt, &t.LastError, &t.CreatedAt, &t.UpdatedAt, &c.dueAt); err != nil {
			return nil, fmt.Errorf("scanning claimed task: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading claimed tasks: %w", err)
	}

	// UPDATE ... RETURNING has no defined order; restore oldest-due-first.
	sort.SliceStable(out, func(i, j int) bool { return out[i].dueAt.Before(out[j].dueAt) })
	tasks := make([]DeliveryTask, len(out))
	for i := range out {
		tasks[i] = out[i].task
	}
	return tasks, nil
}

// RenewLease extends the lease on a task the caller still holds to now+lease and returns
// the new lease token. ErrLeaseLost if held is no longer the task's lease.
func (s *PostgresStore) RenewLease(ctx context.Context, taskID uuid.UUID, held, now time.Time, lease time.Duration) (time.Time, error) {
	var until time.Time
	err := s.pool.QueryRow(ctx, `
		UPDATE delivery_tasks
		SET next_attempt_at = $3, updated_at = $4
		WHERE id = $1 AND status = 'SENDING' AND next_attempt_at = $2
		RETURNING next_attempt_at
	`, taskID, held, now.Add(lease), now).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrLeaseLost
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("renewing task lease: %w", err)
	}
	return until, nil
}

// MarkTaskSent records a successful delivery on the task and its log in one transaction.
// Only the holder of lease may record; anyone else gets ErrLeaseLost and nothing changes.
func (s *PostgresStore) MarkTaskSent(ctx context.Context, taskID, requestID uuid.UUID, lease time.Time, providerID int64, now time.Time) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE delivery_tasks
			SET status = 'SENT', next_attempt_at = NULL, last_error = NULL, updated_at = $2
			WHERE id = $1 AND status = 'SENDING' AND next_attempt_at = $3
		`, taskID, now, lease)
		if err != nil {
			return fmt.Errorf("marking task sent: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrLeaseLost
		}
		if _, err := tx.Exec(ctx, `
			UPDATE delivery_logs
			SET status = 'SENT', provider_id = $2, error_message = NULL,
				sent_at = COALESCE(sent_at, $3), updated_at = $3
			WHERE request_id = $1
		`, requestID, providerID, now); err != nil {
			return fmt.Errorf("marking log sent: %w", err)
		}
		return nil
	})
}

// MarkTaskFailed records a failed attempt. nextAttemptAt nil makes the failure terminal.
// Same lease rule as MarkTaskSent.
func (s *PostgresStore) MarkTaskFailed(ctx context.Context, taskID, requestID uuid.UUID, lease time.Time, attempts int, lastError string, nextAttemptAt *time.Time, now time.Time) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE delivery_tasks
			SET status = 'FAILED', attempt_count = $2, last_error = $3, next_attempt_at = $4, updated_at = $5
			WHERE id = $1 AND status = 'SENDING' AND next_attempt_at = $6
		`, taskID, attempts, lastError, nextAttemptAt, now, lease)
		if err != nil {
			return fmt.Errorf("marking task failed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrLeaseLost
		}
		if _, err := tx.Exec(ctx, `
			UPDATE delivery_logs
			SET status = 'FAILED', error_message = $2, sent_at = COALESCE(sent_at, $3), updated_at = $3
			WHERE request_id = $1
		`, requestID, lastError, now); err != nil {
			return fmt.Errorf("marking log failed: %w", err)
		}
		return nil
	})
}

// GetTaskByRequest returns the most recent task for a request. pgx.ErrNoRows if none.
func (s *PostgresStore) GetTaskByRequest(ctx context.Context, requestID uuid.UUID) (*DeliveryTask, error) {
	return scanTask(s.pool.QueryRow(ctx,
		"SELECT "+taskColumns+" FROM delivery_tasks WHERE request_id = $1 ORDER BY created_at DESC LIMIT 1",
		requestID))
}

const logColumns = `id, request_id, username, email, ip, masked_code, encrypted_code, status,
	provider_id, error_message, sent_at, created_at, updated_at`

func scanLog(row pgx.Row) (*DeliveryLog, error) {
	var l DeliveryLog
	err := row.Scan(&l.ID, &l.RequestID, &l.Username, &l.Email, &l.IP, &l.MaskedCode, &l.EncryptedCode,
		&l.Status, &l.ProviderID, &l.ErrorMessage, &l.SentAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// GetDeliveryLog fetches a log row by id. Returns pgx.ErrNoRows if absent.
func (s *PostgresStore) GetDeliveryLog(ctx context.Context, id uuid.UUID) (*DeliveryLog, error) {
	return scanLog(s.pool.QueryRow(ctx, "SELECT "+logColumns+" FROM delivery_logs WHERE id = $1", id))
}

// logSortColumns whitelists sort keys; anything else falls back to sent_at.
var logSortColumns = map[string]string{
	"sentAt":    "sent_at",
	"createdAt": "created_at",
	"email":     "email",
	"status":    "status",
}

// ListDeliveryLogs returns one page of logs with sent_at in [q.From, q.To) and the total count.
func (s *PostgresStore) ListDeliveryLogs(ctx context.Context, q LogQuery) ([]DeliveryLog, int64, error) {
	col, ok := logSortColumns[q.SortBy]
	if !ok {
		col = "sent_at"
	}
	dir := "DESC"
	if q.SortAsc {
		dir = "ASC"
	}

	var total int64
	if err := s.pool.QueryRow(ctx,
		"SELECT count(*) FROM delivery_logs WHERE sent_at >= $1 AND sent_at < $2",
		q.From, q.To).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting delivery logs: %w", err)
	}

	// col and dir come from fixed whitelists above, never from the request.
	rows, err := s.pool.Query(ctx,
		"SELECT "+logColumns+" FROM delivery_logs WHERE sent_at >= $1 AND sent_at < $2"+
			" ORDER BY "+col+" "+dir+", id "+dir+" LIMIT $3 OFFSET $4",
		q.From, q.To, q.Page.Size, q.Page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("listing delivery logs: %w", err)
	}
	defer rows.Close()

	var logs []DeliveryLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning delivery log: %w", err)
		}
		logs = append(logs, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("reading delivery logs: %w", err)
	}
	return logs, total, nil
}
