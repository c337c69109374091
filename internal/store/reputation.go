// reputation.go -- per-IP counters and bans.
//
// Every mutation is one statement so a ban decision always reads the counter value
// current at that moment, never a snapshot taken earlier by the caller.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// IncrementSendStats adds one requested and one unverified to ip's daily and total rows.
// Returns the daily row after the increment.
func (s *PostgresStore) IncrementSendStats(ctx context.Context, ip string, day time.Time) (*IPStats, error) {
	st := &IPStats{IP: ip}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			INSERT INTO ip_daily_stats (ip, day, requested_count, unverified_count)
			VALUES ($1, $2, 1, 1)
			ON CONFLICT (ip, day) DO UPDATE
			SET requested_count = ip_daily_stats.requested_count + 1,
				unverified_count = ip_daily_stats.unverified_count + 1,
				updated_at = now()
			RETURNING requested_count, unverified_count
		`, ip, day).Scan(&st.RequestedCount, &st.UnverifiedCount); err != nil {
			return fmt.Errorf("incrementing daily stats: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO ip_total_stats (ip, requested_count, unverified_count)
			VALUES ($1, 1, 1)
			ON CONFLICT (ip) DO UPDATE
			SET requested_count = ip_total_stats.requested_count + 1,
				unverified_count = ip_total_stats.unverified_count + 1,
				updated_at = now()
		`, ip); err != nil {
			return fmt.Errorf("incrementing total stats: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// DecrementUnverified subtracts one unverified from ip's daily and total rows, floored at zero.
// Rows that do not exist yet are left absent. Returns the daily row (zero if absent).
func (s *PostgresStore) DecrementUnverified(ctx context.Context, ip string, day time.Time) (*IPStats, error) {
	st := &IPStats{IP: ip}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE ip_daily_stats
			SET unverified_count = GREATEST(unverified_count - 1, 0), updated_at = now()
			WHERE ip = $1 AND day = $2
			RETURNING requested_count, unverified_count
		`, ip, day).Scan(&st.RequestedCount, &st.UnverifiedCount)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("decrementing daily stats: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE ip_total_stats
			SET unverified_count = GREATEST(unverified_count - 1, 0), updated_at = now()
			WHERE ip = $1
		`, ip); err != nil {
			return fmt.Errorf("decrementing total stats: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// AutoBanIfOver creates or refreshes an AUTO ban when ip's current daily unverified count
// exceeds threshold. A MANUAL ban on the same ip is left untouched.
// Returns true if an AUTO ban row was written.
func (s *PostgresStore) AutoBanIfOver(ctx context.Context, ip string, day time.Time, threshold int, until time.Time, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO ip_bans (ip, ban_type, banned_until, reason)
		SELECT $1, 'AUTO', $4, $5 FROM ip_daily_stats
		WHERE ip = $1 AND day = $2 AND unverified_count > $3
		ON CONFLICT (ip) DO UPDATE
		SET banned_until = EXCLUDED.banned_until, reason = EXCLUDED.reason, updated_at = now()
		WHERE ip_bans.ban_type = 'AUTO'
	`, ip, day, threshold, until, reason)
	if err != nil {
		return false, fmt.Errorf("applying auto ban: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AutoUnbanIfRecovered deletes ip's AUTO ban when its current daily unverified count is at
// or below threshold. Returns true if a ban was removed.
func (s *PostgresStore) AutoUnbanIfRecovered(ctx context.Context, ip string, day time.Time, threshold int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM ip_bans
		WHERE ip = $1 AND ban_type = 'AUTO'
		  AND COALESCE((SELECT unverified_count FROM ip_daily_stats WHERE ip = $1 AND day = $2), 0) <= $3
	`, ip, day, threshold)
	if err != nil {
		return false, fmt.Errorf("lifting auto ban: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const banColumns = "ip, ban_type, banned_until, reason, created_at, updated_at"

func scanBan(row pgx.Row) (*IPBan, error) {
	var b IPBan
	if err := row.Scan(&b.IP, &b.Type, &b.BannedUntil, &b.Reason, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

// ActiveBan deletes ip's ban if it lapsed at or before now, then returns the remaining ban.
// Returns pgx.ErrNoRows when ip is not banned.
func (s *PostgresStore) ActiveBan(ctx context.Context, ip string, now time.Time) (*IPBan, error) {
	if _, err := s.pool.Exec(ctx, "DELETE FROM ip_bans WHERE ip = $1 AND banned_until <= $2", ip, now); err != nil {
		return nil, fmt.Errorf("clearing stale ban: %w", err)
	}
	return scanBan(s.pool.QueryRow(ctx, "SELECT "+banColumns+" FROM ip_bans WHERE ip = $1", ip))
}

// GetBan returns ip's ban record regardless of expiry. pgx.ErrNoRows if none.
func (s *PostgresStore) GetBan(ctx context.Context, ip string) (*IPBan, error) {
	return scanBan(s.pool.QueryRow(ctx, "SELECT "+banColumns+" FROM ip_bans WHERE ip = $1", ip))
}

// UpsertManualBan writes a MANUAL ban for ip, replacing any existing record.
func (s *PostgresStore) UpsertManualBan(ctx context.Context, ip string, until time.Time, reason string) (*IPBan, error) {
	return scanBan(s.pool.QueryRow(ctx, `
		INSERT INTO ip_bans (ip, ban_type, banned_until, reason)
		VALUES ($1, 'MANUAL', $2, $3)
		ON CONFLICT (ip) DO UPDATE
		SET ban_type = 'MANUAL', banned_until = EXCLUDED.banned_until, reason = EXCLUDED.reason, updated_at = now()
		RETURNING `+banColumns, ip, until, reason))
}

// DeleteBan removes ip's ban only if it has the given type. Returns rows deleted.
func (s *PostgresStore) DeleteBan(ctx context.Context, ip string, banType BanType) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM ip_bans WHERE ip = $1 AND ban_type = $2", ip, banType)
	if err != nil {
		return 0, fmt.Errorf("deleting ban: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpiredAutoBans garbage-collects AUTO bans that lapsed before now.
func (s *PostgresStore) DeleteExpiredAutoBans(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM ip_bans WHERE ban_type = 'AUTO' AND banned_until < $1", now)
	if err != nil {
		return 0, fmt.Errorf("sweeping auto bans: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListBans returns every ban record, soonest expiry first.
func (s *PostgresStore) ListBans(ctx context.Context) ([]IPBan, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+banColumns+" FROM ip_bans ORDER BY banned_until")
	if err != nil {
		return nil, fmt.Errorf("listing bans: %w", err)
	}
	defer rows.Close()

	var bans []IPBan
	for rows.Next() {
		b, err := scanBan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ban: %w", err)
		}
		bans = append(bans, *b)
	}
	return bans, rows.Err()
}

var ipStatsSortColumns = map[string]string{
	"requestedToday":  "requested_today",
	"unverifiedToday": "unverified_today",
	"requestedTotal":  "requested_total",
	"unverifiedTotal": "unverified_total",
}

// ListIPStats returns one page of IPs seen on q.Day with today's and all-time counters.
func (s *PostgresStore) ListIPStats(ctx context.Context, q IPStatsQuery) ([]IPStatsRow, int64, error) {
	col, ok := ipStatsSortColumns[q.SortBy]
	if !ok {
		col = "unverified_today"
	}
	dir := "DESC"
	if q.SortAsc {
		dir = "ASC"
	}

	var total int64
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM ip_daily_stats WHERE day = $1", q.Day).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting ip stats: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT d.ip,
			d.requested_count AS requested_today,
			d.unverified_count AS unverified_today,
			COALESCE(t.requested_count, 0) AS requested_total,
			COALESCE(t.unverified_count, 0) AS unverified_total,
			b.ban_type, b.banned_until
		FROM ip_daily_stats d
		LEFT JOIN ip_total_stats t ON t.ip = d.ip
		LEFT JOIN ip_bans b ON b.ip = d.ip
		WHERE d.day = $1
		ORDER BY `+col+" "+dir+`, d.ip
		LIMIT $2 OFFSET $3
	`, q.Day, q.Page.Size, q.Page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("listing ip stats: %w", err)
	}
	defer rows.Close()

	var out []IPStatsRow
	for rows.Next() {
		var r IPStatsRow
		if err := rows.Scan(&r.IP, &r.RequestedToday, &r.UnverifiedToday, &r.RequestedTotal, &r.UnverifiedTotal,
			&r.BanType, &r.BannedUntil); err != nil {
			return nil, 0, fmt.Errorf("scanning ip stats: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("reading ip stats: %w", err)
	}
	return out, total, nil
}
