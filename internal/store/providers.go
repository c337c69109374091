// providers.go -- SMTP provider configuration and persisted health.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const providerColumns = `id, name, host, port, username, password_encrypted, from_address,
	use_tls, use_ssl, enabled, max_per_minute, max_per_day,
	failure_count, last_failure_at, last_success_at, circuit_opened_at,
	sent_minute_count, sent_minute_window_start, sent_day_count, sent_day_date,
	created_at, updated_at`

func scanProvider(row pgx.Row) (*SMTPProvider, error) {
	var p SMTPProvider
	h := &p.Health
	err := row.Scan(&p.ID, &p.Name, &p.Host, &p.Port, &p.Username, &p.PasswordEncrypted, &p.FromAddress,
		&p.UseTLS, &p.UseSSL, &p.Enabled, &p.MaxPerMinute, &p.MaxPerDay,
		&h.FailureCount, &h.LastFailureAt, &h.LastSuccessAt, &h.CircuitOpenedAt,
		&h.SentMinuteCount, &h.MinuteWindowStart, &h.SentDayCount, &h.SentDayDate,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) queryProviders(ctx context.Context, where string) ([]SMTPProvider, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+providerColumns+" FROM smtp_providers "+where+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("listing smtp providers: %w", err)
	}
	defer rows.Close()

	var out []SMTPProvider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning smtp provider: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ListProviders returns all providers ordered by id.
func (s *PostgresStore) ListProviders(ctx context.Context) ([]SMTPProvider, error) {
	return s.queryProviders(ctx, "")
}

// ListEnabledProviders returns enabled providers ordered by id.
func (s *PostgresStore) ListEnabledProviders(ctx context.Context) ([]SMTPProvider, error) {
	return s.queryProviders(ctx, "WHERE enabled")
}

// GetProvider fetches a provider by id. Returns pgx.ErrNoRows if absent.
func (s *PostgresStore) GetProvider(ctx context.Context, id int64) (*SMTPProvider, error) {
	return scanProvider(s.pool.QueryRow(ctx, "SELECT "+providerColumns+" FROM smtp_providers WHERE id = $1", id))
}

// CreateProvider inserts p (config fields only) and returns the stored row.
// Returns the raw pgx error on a duplicate name so callers can map the unique violation.
func (s *PostgresStore) CreateProvider(ctx context.Context, p SMTPProvider) (*SMTPProvider, error) {
	return scanProvider(s.pool.QueryRow(ctx, `
		INSERT INTO smtp_providers
			(name, host, port, username, password_encrypted, from_address, use_tls, use_ssl, enabled, max_per_minute, max_per_day)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+providerColumns,
		p.Name, p.Host, p.Port, p.Username, p.PasswordEncrypted, p.FromAddress,
		p.UseTLS, p.UseSSL, p.Enabled, p.MaxPerMinute, p.MaxPerDay))
}

// UpdateProvider overwrites the config fields of p.ID. A nil PasswordEncrypted keeps the
// stored password. Returns pgx.ErrNoRows if absent.
func (s *PostgresStore) UpdateProvider(ctx context.Context, p SMTPProvider) (*SMTPProvider, error) {
	return scanProvider(s.pool.QueryRow(ctx, `
		UPDATE smtp_providers
		SET name = $2, host = $3, port = $4, username = $5,
			password_encrypted = COALESCE($6, password_encrypted),
			from_address = $7, use_tls = $8, use_ssl = $9, enabled = $10,
			max_per_minute = $11, max_per_day = $12, updated_at = now()
		WHERE id = $1
		RETURNING `+providerColumns,
		p.ID, p.Name, p.Host, p.Port, p.Username, p.PasswordEncrypted, p.FromAddress,
		p.UseTLS, p.UseSSL, p.Enabled, p.MaxPerMinute, p.MaxPerDay))
}

// UpsertProviderByName inserts p or updates the provider with the same name.
// Used by the startup seed; runtime health columns are left alone on update.
func (s *PostgresStore) UpsertProviderByName(ctx context.Context, p SMTPProvider) (*SMTPProvider, error) {
	return scanProvider(s.pool.QueryRow(ctx, `
		INSERT INTO smtp_providers
			(name, host, port, username, password_encrypted, from_address, use_tls, use_ssl, enabled, max_per_minute, max_per_day)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (name) DO UPDATE
		SET host = EXCLUDED.host, port = EXCLUDED.port, username = EXCLUDED.username,
			password_encrypted = COALESCE(EXCLUDED.password_encrypted, smtp_providers.password_encrypted),
			from_address = EXCLUDED.from_address, use_tls = EXCLUDED.use_tls, use_ssl = EXCLUDED.use_ssl,
			enabled = EXCLUDED.enabled, max_per_minute = EXCLUDED.max_per_minute,
			max_per_day = EXCLUDED.max_per_day, updated_at = now()
		RETURNING `+providerColumns,
		p.Name, p.Host, p.Port, p.Username, p.PasswordEncrypted, p.FromAddress,
		p.UseTLS, p.UseSSL, p.Enabled, p.MaxPerMinute, p.MaxPerDay))
}

// DeleteProvider removes a provider. Returns pgx.ErrNoRows if absent.
func (s *PostgresStore) DeleteProvider(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM smtp_providers WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("deleting smtp provider: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// SaveProviderHealth persists the runtime breaker/quota state of provider id.
func (s *PostgresStore) SaveProviderHealth(ctx context.Context, id int64, h ProviderHealth) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE smtp_providers
		SET failure_count = $2, last_failure_at = $3, last_success_at = $4, circuit_opened_at = $5,
			sent_minute_count = $6, sent_minute_window_start = $7, sent_day_count = $8, sent_day_date = $9
		WHERE id = $1
	`, id, h.FailureCount, h.LastFailureAt, h.LastSuccessAt, h.CircuitOpenedAt,
		h.SentMinuteCount, h.MinuteWindowStart, h.SentDayCount, h.SentDayDate)
	if err != nil {
		return fmt.Errorf("saving smtp provider health: %w", err)
	}
	return nil
}
