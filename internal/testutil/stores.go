// stores.go
//
// Shared in-memory implementation of the store methods the service packages consume.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MGallo-Code/postern/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// MockStore mirrors *store.PostgresStore in memory.
//
// Always stateful...requests, tasks, logs, providers, counters and bans are maps, like a
// real store. "Not found" is pgx.ErrNoRows, like the real store.
// Use *Err fields to inject errors for specific operations.
type MockStore struct {
	// Error injection...zero value means no error
	CreateRequestErr   error
	MutateRequestErr   error
	ClaimErr           error
	MarkErr            error
	IncrementErr       error
	DecrementErr       error
	ActiveBanErr       error
	SaveHealthErr      error
	InsertAuditErr     error
	ListProvidersErr   error
	CheckHealthErr     error
	ExpireRequestsErr  error
	DeleteExpiredErr   error
	ListDeliveryLogErr error

	Requests  map[uuid.UUID]*store.VerificationRequest
	Tasks     map[uuid.UUID]*store.DeliveryTask
	Logs      map[uuid.UUID]*store.DeliveryLog
	Providers map[int64]*store.SMTPProvider
	Daily     map[string]*store.IPStats // keyed by ip + "|" + YYYY-MM-DD
	Totals    map[string]*store.IPStats
	Bans      map[string]*store.IPBan
	Audits    []store.AuditEntry

	// HealthSaves counts SaveProviderHealth calls per provider.
	HealthSaves map[int64]int

	nextProviderID int64
	mu             sync.Mutex
}

// NewMockStore returns an empty MockStore seeded with the given providers.
func NewMockStore(providers ...store.SMTPProvider) *MockStore {
	ms := &MockStore{
		Requests:    make(map[uuid.UUID]*store.VerificationRequest),
		Tasks:       make(map[uuid.UUID]*store.DeliveryTask),
		Logs:        make(map[uuid.UUID]*store.DeliveryLog),
		Providers:   make(map[int64]*store.SMTPProvider),
		Daily:       make(map[string]*store.IPStats),
		Totals:      make(map[string]*store.IPStats),
		Bans:        make(map[string]*store.IPBan),
		HealthSaves: make(map[int64]int),
	}
	for _, p := range providers {
		p := p
		if p.ID == 0 {
			ms.nextProviderID++
			p.ID = ms.nextProviderID
		} else if p.ID > ms.nextProviderID {
			ms.nextProviderID = p.ID
		}
		ms.Providers[p.ID] = &p
	}
	return ms
}

func dayKey(ip string, day time.Time) string {
	return ip + "|" + day.Format("2006-01-02")
}

func (m *MockStore) CheckHealth(_ context.Context) error {
	return m.CheckHealthErr
}

// --- Requests ---

func (m *MockStore) CreateRequest(_ context.Context, nr store.NewRequest, now time.Time) error {
	if m.CreateRequestErr != nil {
		return m.CreateRequestErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	email := nr.Request.Email
	var active []*store.VerificationRequest
	for _, r := range m.Requests {
		if r.Email == email && r.Status.Active() {
			active = append(active, r)
		}
	}
	for _, r := range active {
		if r.ResendAvailableAt.After(now) {
			return &store.ActiveRequestError{ResendAvailableAt: r.ResendAvailableAt}
		}
	}
	for _, r := range active {
		r.Status = store.RequestSuperseded
	}

	req := nr.Request
	req.Status = store.RequestPending
	req.AttemptCount = 0
	req.CreatedAt = now
	m.Requests[req.ID] = &req

	task := nr.Task
	task.RequestID = req.ID
	task.Username, task.Email, task.IP = req.Username, req.Email, req.IP
	task.Status = store.TaskPending
	due := now
	task.NextAttemptAt = &due
	task.CreatedAt, task.UpdatedAt = now, now
	m.Tasks[task.ID] = &task

	lg := nr.Log
	lg.RequestID = req.ID
	lg.Username, lg.Email, lg.IP = req.Username, req.Email, req.IP
	lg.Status = store.LogPending
	sent := now
	lg.SentAt = &sent
	lg.CreatedAt, lg.UpdatedAt = now, now
	m.Logs[lg.ID] = &lg
	return nil
}

func (m *MockStore) GetRequest(_ context.Context, id uuid.UUID) (*store.VerificationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.Requests[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *r
	return &cp, nil
}

// MutateRequest applies fn to a copy and writes it back only when fn asks to persist,
// matching the row-lock-then-update shape of the real store.
func (m *MockStore) MutateRequest(_ context.Context, id uuid.UUID, fn store.RequestMutation) error {
	if m.MutateRequestErr != nil {
		return m.MutateRequestErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.Requests[id]
	if !ok {
		return pgx.ErrNoRows
	}
	cp := *r
	persist, err := fn(&cp)
	if persist {
		r.Status = cp.Status
		r.AttemptCount = cp.AttemptCount
		r.VerifiedAt = cp.VerifiedAt
		r.UsedAt = cp.UsedAt
	}
	return err
}

func (m *MockStore) ExpirePendingRequests(_ context.Context, now time.Time) (int64, error) {
	if m.ExpireRequestsErr != nil {
		return 0, m.ExpireRequestsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.Requests {
		if r.Status == store.RequestPending && r.ExpiresAt.Before(now) {
			r.Status = store.RequestExpired
			n++
		}
	}
	return n, nil
}

// --- Delivery ---

func (m *MockStore) ClaimDueTasks(_ context.Context, now time.Time, lease time.Duration, limit int) ([]store.DeliveryTask, error) {
	if m.ClaimErr != nil {
		return nil, m.ClaimErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*store.DeliveryTask
	for _, t := range m.Tasks {
		if t.Status == store.TaskSent || t.NextAttemptAt == nil || t.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, t)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(*due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(*due[j].NextAttemptAt)
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]store.DeliveryTask, 0, len(due))
	leaseEnd := now.Add(lease)
	for _, t := range due {
		if t.Status == store.TaskSending {
			t.AttemptCount++
		}
		t.Status = store.TaskSending
		end := leaseEnd
		t.NextAttemptAt = &end
		t.UpdatedAt = now
		out = append(out, *t)
	}
	return out, nil
}

func (m *MockStore) logByRequest(requestID uuid.UUID) *store.DeliveryLog {
	for _, l := range m.Logs {
		if l.RequestID == requestID {
			return l
		}
	}
	return nil
}

// heldTask returns the task if it is SENDING under lease, like the conditional UPDATE.
func (m *MockStore) heldTask(taskID uuid.UUID, lease time.Time) (*store.DeliveryTask, bool) {
	t, ok := m.Tasks[taskID]
	if !ok || t.Status != store.TaskSending || t.NextAttemptAt == nil || !t.NextAttemptAt.Equal(lease) {
		return nil, false
	}
	return t, true
}

func (m *MockStore) RenewLease(_ context.Context, taskID uuid.UUID, held, now time.Time, lease time.Duration) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.heldTask(taskID, held)
	if !ok {
		return time.Time{}, store.ErrLeaseLost
	}
	until := now.Add(lease)
	t.NextAttemptAt = &until
	t.UpdatedAt = now
	return until, nil
}

func (m *MockStore) MarkTaskSent(_ context.Context, taskID, requestID uuid.UUID, lease time.Time, providerID int64, now time.Time) error {
	if m.MarkErr != nil {
		return m.MarkErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.heldTask(taskID, lease)
	if !ok {
		return store.ErrLeaseLost
	}
	t.Status = store.TaskSent
	t.NextAttemptAt = nil
	t.LastError = nil
	t.UpdatedAt = now
	if l := m.logByRequest(requestID); l != nil {
		l.Status = store.LogSent
		pid := providerID
		l.ProviderID = &pid
		l.ErrorMessage = nil
		l.UpdatedAt = now
	}
	return nil
}

func (m *MockStore) MarkTaskFailed(_ context.Context, taskID, requestID uuid.UUID, lease time.Time, attempts int, lastError string, nextAttemptAt *time.Time, now time.Time) error {
	if m.MarkErr != nil {
		return m.MarkErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.heldTask(taskID, lease)
	if !ok {
		return store.ErrLeaseLost
	}
	t.Status = store.TaskFailed
	t.AttemptCount = attempts
	errMsg := lastError
	t.LastError = &errMsg
	t.NextAttemptAt = nextAttemptAt
	t.UpdatedAt = now
	if l := m.logByRequest(requestID); l != nil {
		l.Status = store.LogFailed
		msg := lastError
		l.ErrorMessage = &msg
		l.UpdatedAt = now
	}
	return nil
}

func (m *MockStore) GetTaskByRequest(_ context.Context, requestID uuid.UUID) (*store.DeliveryTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *store.DeliveryTask
	for _, t := range m.Tasks {
		if t.RequestID == requestID && (latest == nil || t.CreatedAt.After(latest.CreatedAt)) {
			latest = t
		}
	}
	if latest == nil {
		return nil, pgx.ErrNoRows
	}
	cp := *latest
	return &cp, nil
}

// TaskByRequest is a test helper returning the task for requestID, or nil.
func (m *MockStore) TaskByRequest(requestID uuid.UUID) *store.DeliveryTask {
	t, err := m.GetTaskByRequest(context.Background(), requestID)
	if err != nil {
		return nil
	}
	return t
}

// LogByRequest is a test helper returning a copy of the log for requestID, or nil.
func (m *MockStore) LogByRequest(requestID uuid.UUID) *store.DeliveryLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.logByRequest(requestID)
	if l == nil {
		return nil
	}
	cp := *l
	return &cp
}

func (m *MockStore) GetDeliveryLog(_ context.Context, id uuid.UUID) (*store.DeliveryLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.Logs[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *l
	return &cp, nil
}

// ListDeliveryLogs filters on sent_at and pages newest first; SortBy is ignored.
func (m *MockStore) ListDeliveryLogs(_ context.Context, q store.LogQuery) ([]store.DeliveryLog, int64, error) {
	if m.ListDeliveryLogErr != nil {
		return nil, 0, m.ListDeliveryLogErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []store.DeliveryLog
	for _, l := range m.Logs {
		if l.SentAt == nil || l.SentAt.Before(q.From) || !l.SentAt.Before(q.To) {
			continue
		}
		all = append(all, *l)
	}
	sort.Slice(all, func(i, j int) bool {
		if q.SortAsc {
			return all[i].SentAt.Before(*all[j].SentAt)
		}
		return all[i].SentAt.After(*all[j].SentAt)
	})
	total := int64(len(all))
	start := q.Page.Offset()
	if start > len(all) {
		start = len(all)
	}
	end := start + q.Page.Size
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

// --- Reputation ---

func (m *MockStore) IncrementSendStats(_ context.Context, ip string, day time.Time) (*store.IPStats, error) {
	if m.IncrementErr != nil {
		return nil, m.IncrementErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.Daily[dayKey(ip, day)]
	if !ok {
		d = &store.IPStats{IP: ip}
		m.Daily[dayKey(ip, day)] = d
	}
	d.RequestedCount++
	d.UnverifiedCount++
	t, ok := m.Totals[ip]
	if !ok {
		t = &store.IPStats{IP: ip}
		m.Totals[ip] = t
	}
	t.RequestedCount++
	t.UnverifiedCount++
	cp := *d
	return &cp, nil
}

func (m *MockStore) DecrementUnverified(_ context.Context, ip string, day time.Time) (*store.IPStats, error) {
	if m.DecrementErr != nil {
		return nil, m.DecrementErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &store.IPStats{IP: ip}
	if d, ok := m.Daily[dayKey(ip, day)]; ok {
		if d.UnverifiedCount > 0 {
			d.UnverifiedCount--
		}
		*out = *d
	}
	if t, ok := m.Totals[ip]; ok && t.UnverifiedCount > 0 {
		t.UnverifiedCount--
	}
	return out, nil
}

func (m *MockStore) AutoBanIfOver(_ context.Context, ip string, day time.Time, threshold int, until time.Time, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.Daily[dayKey(ip, day)]
	if !ok || d.UnverifiedCount <= threshold {
		return false, nil
	}
	if b, ok := m.Bans[ip]; ok {
		if b.Type != store.BanAuto {
			return false, nil
		}
		b.BannedUntil = until
		b.Reason = reason
		return true, nil
	}
	m.Bans[ip] = &store.IPBan{IP: ip, Type: store.BanAuto, BannedUntil: until, Reason: reason}
	return true, nil
}

func (m *MockStore) AutoUnbanIfRecovered(_ context.Context, ip string, day time.Time, threshold int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.Bans[ip]
	if !ok || b.Type != store.BanAuto {
		return false, nil
	}
	if d, ok := m.Daily[dayKey(ip, day)]; ok && d.UnverifiedCount > threshold {
		return false, nil
	}
	delete(m.Bans, ip)
	return true, nil
}

func (m *MockStore) ActiveBan(_ context.Context, ip string, now time.Time) (*store.IPBan, error) {
	if m.ActiveBanErr != nil {
		return nil, m.ActiveBanErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.Bans[ip]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	if !b.BannedUntil.After(now) {
		delete(m.Bans, ip)
		return nil, pgx.ErrNoRows
	}
	cp := *b
	return &cp, nil
}

func (m *MockStore) GetBan(_ context.Context, ip string) (*store.IPBan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.Bans[ip]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *b
	return &cp, nil
}

func (m *MockStore) UpsertManualBan(_ context.Context, ip string, until time.Time, reason string) (*store.IPBan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := &store.IPBan{IP: ip, Type: store.BanManual, BannedUntil: until, Reason: reason}
	m.Bans[ip] = b
	cp := *b
	return &cp, nil
}

func (m *MockStore) DeleteBan(_ context.Context, ip string, banType store.BanType) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.Bans[ip]
	if !ok || b.Type != banType {
		return 0, nil
	}
	delete(m.Bans, ip)
	return 1, nil
}

func (m *MockStore) DeleteExpiredAutoBans(_ context.Context, now time.Time) (int64, error) {
	if m.DeleteExpiredErr != nil {
		return 0, m.DeleteExpiredErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for ip, b := range m.Bans {
		if b.Type == store.BanAuto && b.BannedUntil.Before(now) {
			delete(m.Bans, ip)
			n++
		}
	}
	return n, nil
}

func (m *MockStore) ListBans(_ context.Context) ([]store.IPBan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.IPBan, 0, len(m.Bans))
	for _, b := range m.Bans {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BannedUntil.Before(out[j].BannedUntil) })
	return out, nil
}

// ListIPStats returns every ip seen on q.Day ordered by ip; sorting and paging are ignored.
func (m *MockStore) ListIPStats(_ context.Context, q store.IPStatsQuery) ([]store.IPStatsRow, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	suffix := "|" + q.Day.Format("2006-01-02")
	var out []store.IPStatsRow
	for key, d := range m.Daily {
		if !strings.HasSuffix(key, suffix) {
			continue
		}
		row := store.IPStatsRow{IP: d.IP, RequestedToday: d.RequestedCount, UnverifiedToday: d.UnverifiedCount}
		if t, ok := m.Totals[d.IP]; ok {
			row.RequestedTotal, row.UnverifiedTotal = t.RequestedCount, t.UnverifiedCount
		}
		if b, ok := m.Bans[d.IP]; ok {
			bt, until := b.Type, b.BannedUntil
			row.BanType, row.BannedUntil = &bt, &until
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out, int64(len(out)), nil
}

// --- Providers ---

func (m *MockStore) ListProviders(_ context.Context) ([]store.SMTPProvider, error) {
	if m.ListProvidersErr != nil {
		return nil, m.ListProvidersErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.SMTPProvider, 0, len(m.Providers))
	for _, p := range m.Providers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockStore) ListEnabledProviders(ctx context.Context) ([]store.SMTPProvider, error) {
	all, err := m.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, p := range all {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MockStore) GetProvider(_ context.Context, id int64) (*store.SMTPProvider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Providers[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *p
	return &cp, nil
}

func (m *MockStore) CreateProvider(_ context.Context, p store.SMTPProvider) (*store.SMTPProvider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.Providers {
		if cur.Name == p.Name {
			return nil, &pgconn.PgError{Code: "23505", ConstraintName: "smtp_providers_name_key"}
		}
	}
	m.nextProviderID++
	p.ID = m.nextProviderID
	p.Health = store.ProviderHealth{}
	m.Providers[p.ID] = &p
	cp := p
	return &cp, nil
}

func (m *MockStore) UpdateProvider(_ context.Context, p store.SMTPProvider) (*store.SMTPProvider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.Providers[p.ID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	if p.PasswordEncrypted == nil {
		p.PasswordEncrypted = cur.PasswordEncrypted
	}
	p.Health = cur.Health
	p.CreatedAt = cur.CreatedAt
	m.Providers[p.ID] = &p
	cp := p
	return &cp, nil
}

func (m *MockStore) UpsertProviderByName(ctx context.Context, p store.SMTPProvider) (*store.SMTPProvider, error) {
	m.mu.Lock()
	var existing int64
	for id, cur := range m.Providers {
		if cur.Name == p.Name {
			existing = id
		}
	}
	m.mu.Unlock()
	if existing == 0 {
		return m.CreateProvider(ctx, p)
	}
	p.ID = existing
	return m.UpdateProvider(ctx, p)
}

func (m *MockStore) DeleteProvider(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Providers[id]; !ok {
		return pgx.ErrNoRows
	}
	delete(m.Providers, id)
	return nil
}

func (m *MockStore) SaveProviderHealth(_ context.Context, id int64, h store.ProviderHealth) error {
	if m.SaveHealthErr != nil {
		return m.SaveHealthErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HealthSaves[id]++
	if p, ok := m.Providers[id]; ok {
		p.Health = h
	}
	return nil
}

// --- Audit ---

func (m *MockStore) InsertAuditEntry(_ context.Context, e store.AuditEntry) error {
	if m.InsertAuditErr != nil {
		return m.InsertAuditErr
	}
	m.mu.Lock()
	m.Audits = append(m.Audits, e)
	m.mu.Unlock()
	return nil
}

func (m *MockStore) ListAuditEntries(_ context.Context, logID uuid.UUID) ([]store.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.AuditEntry
	for _, e := range m.Audits {
		if e.LogID == logID {
			out = append(out, e)
		}
	}
	return out, nil
}
