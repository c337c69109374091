// Package reputation tracks per-IP send/verify counters and applies IP bans.
//
// AUTO bans are owned by the heuristic: an IP whose unverified sends today exceed the
// threshold is banned until the next local midnight plus a grace period, and the ban is
// lifted as soon as verifications bring the count back down. MANUAL bans are owned by
// operators and are never touched by the heuristic.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MGallo-Code/postern/internal/store"
	"github.com/jackc/pgx/v5"
)

// ErrBanned is returned by AssertNotBanned when the IP has an active ban.
var ErrBanned = errors.New("ip is banned")

// ErrAutoBan is returned by ManualUnban for an IP whose ban belongs to the heuristic.
var ErrAutoBan = errors.New("automatic bans cannot be removed manually")

// ErrInvalidBan is returned by ManualBan when the end time is not in the future.
var ErrInvalidBan = errors.New("ban must end in the future")

// autoBanReason is stored on every AUTO ban row.
const autoBanReason = "AUTO: unverified over threshold"

// Store is the persistence Tracker needs. Satisfied by *store.PostgresStore.
type Store interface {
	IncrementSendStats(ctx context.Context, ip string, day time.Time) (*store.IPStats, error)
	DecrementUnverified(ctx context.Context, ip string, day time.Time) (*store.IPStats, error)
	AutoBanIfOver(ctx context.Context, ip string, day time.Time, threshold int, until time.Time, reason string) (bool, error)
	AutoUnbanIfRecovered(ctx context.Context, ip string, day time.Time, threshold int) (bool, error)
	ActiveBan(ctx context.Context, ip string, now time.Time) (*store.IPBan, error)
	GetBan(ctx context.Context, ip string) (*store.IPBan, error)
	UpsertManualBan(ctx context.Context, ip string, until time.Time, reason string) (*store.IPBan, error)
	DeleteBan(ctx context.Context, ip string, banType store.BanType) (int64, error)
	DeleteExpiredAutoBans(ctx context.Context, now time.Time) (int64, error)
	ListBans(ctx context.Context) ([]store.IPBan, error)
	ListIPStats(ctx context.Context, q store.IPStatsQuery) ([]store.IPStatsRow, int64, error)
}

// Tracker owns the IP reputation rules. Construct once in run() and share.
type Tracker struct {
	Store     Store
	Threshold int            // unverified sends per day before an AUTO ban
	Extra     time.Duration  // grace added after the next local midnight
	Location  *time.Location // zone that defines "today"; nil means time.Local
	Now       func() time.Time
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Tracker) loc() *time.Location {
	if t.Location != nil {
		return t.Location
	}
	return time.Local
}

// Today returns midnight of the current local day in the tracker's zone.
func (t *Tracker) Today() time.Time {
	n := t.now().In(t.loc())
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, t.loc())
}

// nextMidnight returns the first instant of the day after now, in loc.
func nextMidnight(now time.Time, loc *time.Location) time.Time {
	n := now.In(loc)
	return time.Date(n.Year(), n.Month(), n.Day()+1, 0, 0, 0, 0, loc)
}

// AssertNotBanned returns ErrBanned (wrapped with the ban end) if ip has an active ban.
// A lapsed ban is deleted on the way.
func (t *Tracker) AssertNotBanned(ctx context.Context, ip string) error {
	ban, err := t.Store.ActiveBan(ctx, ip, t.now())
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking ban: %w", err)
	}
	return fmt.Errorf("%w until %s", ErrBanned, ban.BannedUntil.Format(time.RFC3339))
}

// RecordSend counts one code send from ip and applies an AUTO ban if the daily
// unverified count is now over the threshold.
func (t *Tracker) RecordSend(ctx context.Context, ip string) error {
	day := t.Today()
	if _, err := t.Store.IncrementSendStats(ctx, ip, day); err != nil {
		return err
	}
	return t.autoBanIfNeeded(ctx, ip, day)
}

// RecordVerified counts one successful verification from ip and lifts its AUTO ban if
// the daily unverified count has recovered.
func (t *Tracker) RecordVerified(ctx context.Context, ip string) error {
	day := t.Today()
	if _, err := t.Store.DecrementUnverified(ctx, ip, day); err != nil {
		return err
	}
	return t.autoUnbanIfRecovered(ctx, ip, day)
}

func (t *Tracker) autoBanIfNeeded(ctx context.Context, ip string, day time.Time) error {
	until := nextMidnight(t.now(), t.loc()).Add(t.Extra)
	banned, err := t.Store.AutoBanIfOver(ctx, ip, day, t.Threshold, until, autoBanReason)
	if err != nil {
		return err
	}
	if banned {
		slog.Warn("reputation: auto ban applied", "ip", ip, "until", until, "threshold", t.Threshold)
	}
	return nil
}

func (t *Tracker) autoUnbanIfRecovered(ctx context.Context, ip string, day time.Time) error {
	lifted, err := t.Store.AutoUnbanIfRecovered(ctx, ip, day, t.Threshold)
	if err != nil {
		return err
	}
	if lifted {
		slog.Info("reputation: auto ban lifted", "ip", ip)
	}
	return nil
}

// ManualBan bans ip until the given time, replacing any existing ban (AUTO included).
func (t *Tracker) ManualBan(ctx context.Context, ip string, until time.Time, reason string) (*store.IPBan, error) {
	if !until.After(t.now()) {
		return nil, ErrInvalidBan
	}
	ban, err := t.Store.UpsertManualBan(ctx, ip, until, reason)
	if err != nil {
		return nil, fmt.Errorf("saving manual ban: %w", err)
	}
	slog.Info("reputation: manual ban applied", "ip", ip, "until", until)
	return ban, nil
}

// ManualUnban removes a MANUAL ban. Unknown ips are a no-op; AUTO bans return ErrAutoBan.
func (t *Tracker) ManualUnban(ctx context.Context, ip string) error {
	ban, err := t.Store.GetBan(ctx, ip)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading ban: %w", err)
	}
	if ban.Type == store.BanAuto {
		return ErrAutoBan
	}
	if _, err := t.Store.DeleteBan(ctx, ip, store.BanManual); err != nil {
		return err
	}
	slog.Info("reputation: manual ban removed", "ip", ip)
	return nil
}

// Sweep garbage-collects lapsed AUTO bans. Returns the number removed.
func (t *Tracker) Sweep(ctx context.Context) (int64, error) {
	return t.Store.DeleteExpiredAutoBans(ctx, t.now())
}

// ListBans returns every ban record.
func (t *Tracker) ListBans(ctx context.Context) ([]store.IPBan, error) {
	return t.Store.ListBans(ctx)
}

// ListStats returns one page of per-IP counters. A zero q.Day means today.
func (t *Tracker) ListStats(ctx context.Context, q store.IPStatsQuery) ([]store.IPStatsRow, int64, error) {
	if q.Day.IsZero() {
		q.Day = t.Today()
	}
	return t.Store.ListIPStats(ctx, q)
}
