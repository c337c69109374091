// requests.go -- verification request queries.
//
// CreateRequest is the only writer that inserts requests; it supersedes and inserts
// under a per-email advisory lock so two concurrent sends cannot both become active.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// activeRequestIndex is the partial unique index backing the one-active-request rule.
const activeRequestIndex = "verification_requests_one_active"

const requestColumns = `id, username, email, ip, code_hash, status, expires_at,
	resend_available_at, attempt_count, verified_at, used_at, created_at`

func scanRequest(row pgx.Row) (*VerificationRequest, error) {
	var r VerificationRequest
	err := row.Scan(&r.ID, &r.Username, &r.Email, &r.IP, &r.CodeHash, &r.Status, &r.ExpiresAt,
		&r.ResendAvailableAt, &r.AttemptCount, &r.VerifiedAt, &r.UsedAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRequest atomically supersedes any active request for nr.Request.Email and inserts
// the new request with its delivery task and log.
// Returns *ActiveRequestError if an active request is still inside its resend interval at now,
// or ErrActiveRequestConflict if a concurrent insert won the unique index.
func (s *PostgresStore) CreateRequest(ctx context.Context, nr NewRequest, now time.Time) error {
	req, task, lg := nr.Request, nr.Task, nr.Log

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		// Serialize sends per email for the rest of the transaction.
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", req.Email); err != nil {
			return fmt.Errorf("locking email: %w", err)
		}

		var resendAt *time.Time
		err := tx.QueryRow(ctx, `
			SELECT max(resend_available_at) FROM verification_requests
			WHERE email = $1 AND status IN ('PENDING', 'VERIFIED_PENDING_REGISTER')
		`, req.Email).Scan(&resendAt)
		if err != nil {
			return fmt.Errorf("checking active request: %w", err)
		}
		if resendAt != nil && resendAt.After(now) {
			return &ActiveRequestError{ResendAvailableAt: *resendAt}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE verification_requests SET status = 'SUPERSEDED', updated_at = $2
			WHERE email = $1 AND status IN ('PENDING', 'VERIFIED_PENDING_REGISTER')
		`, req.Email, now); err != nil {
			return fmt.Errorf("superseding active requests: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO verification_requests
				(id, username, email, ip, code_hash, status, expires_at, resend_available_at, attempt_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 'PENDING', $6, $7, 0, $8, $8)
		`, req.ID, req.Username, req.Email, req.IP, req.CodeHash, req.ExpiresAt, req.ResendAvailableAt, now); err != nil {
			return fmt.Errorf("inserting verification request: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO delivery_tasks
				(id, request_id, username, email, ip, encrypted_code, status, attempt_count, next_attempt_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 'PENDING', 0, $7, $7, $7)
		`, task.ID, req.ID, req.Username, req.Email, req.IP, task.EncryptedCode, now); err != nil {
			return fmt.Errorf("inserting delivery task: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO delivery_logs
				(id, request_id, username, email, ip, masked_code, encrypted_code, status, sent_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'PENDING', $8, $8, $8)
		`, lg.ID, req.ID, req.Username, req.Email, req.IP, lg.MaskedCode, lg.EncryptedCode, now); err != nil {
			return fmt.Errorf("inserting delivery log: %w", err)
		}
		return nil
	})

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == activeRequestIndex {
		return ErrActiveRequestConflict
	}
	return err
}

// GetRequest fetches a request by id. Returns pgx.ErrNoRows if absent.
func (s *PostgresStore) GetRequest(ctx context.Context, id uuid.UUID) (*VerificationRequest, error) {
	return scanRequest(s.pool.QueryRow(ctx,
		"SELECT "+requestColumns+" FROM verification_requests WHERE id = $1", id))
}

// RequestMutation inspects and optionally mutates a locked request.
// persist=true writes status, attempt_count, verified_at and used_at back, even when err is
// non-nil (e.g. a wrong code still burns an attempt). err is returned to MutateRequest's caller.
type RequestMutation func(r *VerificationRequest) (persist bool, err error)

// MutateRequest locks the request row, applies fn, and persists its changes if asked.
// Returns pgx.ErrNoRows if the request does not exist.
func (s *PostgresStore) MutateRequest(ctx context.Context, id uuid.UUID, fn RequestMutation) error {
	var fnErr error
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		req, err := scanRequest(tx.QueryRow(ctx,
			"SELECT "+requestColumns+" FROM verification_requests WHERE id = $1 FOR UPDATE", id))
		if err != nil {
			return err
		}

		persist, err := fn(req)
		fnErr = err
		if !persist {
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE verification_requests
			SET status = $2, attempt_count = $3, verified_at = $4, used_at = $5, updated_at = now()
			WHERE id = $1
		`, req.ID, req.Status, req.AttemptCount, req.VerifiedAt, req.UsedAt); err != nil {
			return fmt.Errorf("updating verification request: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return fnErr
}

// ExpirePendingRequests marks every PENDING request past its deadline as EXPIRED.
// Returns the number of rows changed.
func (s *PostgresStore) ExpirePendingRequests(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE verification_requests SET status = 'EXPIRED', updated_at = $1
		WHERE status = 'PENDING' AND expires_at < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("expiring pending requests: %w", err)
	}
	return tag.RowsAffected(), nil
}
