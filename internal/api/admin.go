// admin.go -- /admin/* handlers: SMTP providers, delivery logs, IP stats and bans.
// Every route here runs behind RequireAdmin.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/MGallo-Code/postern/internal/adminauth"
	"github.com/MGallo-Code/postern/internal/audit"
	"github.com/MGallo-Code/postern/internal/codecrypto"
	"github.com/MGallo-Code/postern/internal/mail"
	"github.com/MGallo-Code/postern/internal/reputation"
	"github.com/MGallo-Code/postern/internal/smtppool"
	"github.com/MGallo-Code/postern/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
	maxPageNumber   = 1_000_000 // keeps page*size far from overflowing the OFFSET
	testMailSubject = "SMTP test message"
	testMailBody    = "This is an SMTP test message."
)

// --- SMTP providers ---

type providerView struct {
	ID              int64                   `json:"id"`
	Name            string                  `json:"name"`
	Host            string                  `json:"host"`
	Port            int                     `json:"port"`
	Username        string                  `json:"username"`
	HasPassword     bool                    `json:"hasPassword"`
	FromAddress     string                  `json:"fromAddress"`
	UseTLS          bool                    `json:"useTls"`
	UseSSL          bool                    `json:"useSsl"`
	Enabled         bool                    `json:"enabled"`
	MaxPerMinute    *int                    `json:"maxPerMinute"`
	MaxPerDay       *int                    `json:"maxPerDay"`
	Status          smtppool.ProviderStatus `json:"status"`
	FailureCount    int                     `json:"failureCount"`
	LastFailureAt   *time.Time              `json:"lastFailureAt"`
	LastSuccessAt   *time.Time              `json:"lastSuccessAt"`
	CircuitOpenedAt *time.Time              `json:"circuitOpenedAt"`
	SentMinuteCount int                     `json:"sentMinuteCount"`
	SentDayCount    int                     `json:"sentDayCount"`
}

func (h *Handler) viewProvider(p *store.SMTPProvider) providerView {
	health := h.Pool.Health(p)
	return providerView{
		ID:              p.ID,
		Name:            p.Name,
		Host:            p.Host,
		Port:            p.Port,
		Username:        p.Username,
		HasPassword:     p.PasswordEncrypted != nil && *p.PasswordEncrypted != "",
		FromAddress:     p.FromAddress,
		UseTLS:          p.UseTLS,
		UseSSL:          p.UseSSL,
		Enabled:         p.Enabled,
		MaxPerMinute:    p.MaxPerMinute,
		MaxPerDay:       p.MaxPerDay,
		Status:          h.Pool.Status(p),
		FailureCount:    health.FailureCount,
		LastFailureAt:   health.LastFailureAt,
		LastSuccessAt:   health.LastSuccessAt,
		CircuitOpenedAt: health.CircuitOpenedAt,
		SentMinuteCount: health.SentMinuteCount,
		SentDayCount:    health.SentDayCount,
	}
}

type providerInput struct {
	Name         string `json:"name"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	FromAddress  string `json:"fromAddress"`
	UseTLS       bool   `json:"useTls"`
	UseSSL       bool   `json:"useSsl"`
	Enabled      *bool  `json:"enabled"`
	MaxPerMinute *int   `json:"maxPerMinute"`
	MaxPerDay    *int   `json:"maxPerDay"`
}

// validate returns a client-facing message, or "" if the input is usable.
func (in *providerInput) validate() string {
	switch {
	case strings.TrimSpace(in.Name) == "":
		return "name is required"
	case strings.TrimSpace(in.Host) == "":
		return "host is required"
	case in.Port <= 0 || in.Port > 65535:
		return "port must be between 1 and 65535"
	case !strings.Contains(in.FromAddress, "@"):
		return "fromAddress must be an email address"
	case in.UseTLS && in.UseSSL:
		return "useTls and useSsl are mutually exclusive"
	case in.MaxPerMinute != nil && *in.MaxPerMinute < 0, in.MaxPerDay != nil && *in.MaxPerDay < 0:
		return "quotas must not be negative"
	}
	return ""
}

// toProvider builds the stored row. A blank password yields nil (keep / none).
func (h *Handler) toProvider(in *providerInput) (store.SMTPProvider, error) {
	p := store.SMTPProvider{
		Name:         strings.TrimSpace(in.Name),
		Host:         strings.TrimSpace(in.Host),
		Port:         in.Port,
		Username:     in.Username,
		FromAddress:  strings.TrimSpace(in.FromAddress),
		UseTLS:       in.UseTLS,
		UseSSL:       in.UseSSL,
		Enabled:      in.Enabled == nil || *in.Enabled,
		MaxPerMinute: in.MaxPerMinute,
		MaxPerDay:    in.MaxPerDay,
	}
	if in.Password != "" {
		enc, err := h.Crypto.Encrypt(in.Password)
		if err != nil {
			return p, err
		}
		p.PasswordEncrypted = &enc
	}
	return p, nil
}

func providerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		BadRequest(w, r, "invalid provider id")
		return 0, false
	}
	return id, true
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ListProviders handles GET /admin/smtp.
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.Store.ListProviders(r.Context())
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	out := make([]providerView, 0, len(providers))
	for i := range providers {
		out = append(out, h.viewProvider(&providers[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateProvider handles POST /admin/smtp.
func (h *Handler) CreateProvider(w http.ResponseWriter, r *http.Request) {
	var input providerInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		logWarn(r, "failed to decode provider input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}
	if msg := input.validate(); msg != "" {
		BadRequest(w, r, msg)
		return
	}
	p, err := h.toProvider(&input)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	created, err := h.Store.CreateProvider(r.Context(), p)
	if err != nil {
		if isUniqueViolation(err) {
			Conflict(w, "provider name already exists")
			return
		}
		InternalServerError(w, r, err)
		return
	}
	logInfo(r, "smtp provider created", "provider_id", created.ID, "name", created.Name, "admin", adminName(r))
	writeJSON(w, http.StatusOK, h.viewProvider(created))
}

// UpdateProvider handles PUT /admin/smtp/{id}. A blank password keeps the stored one.
func (h *Handler) UpdateProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := providerID(w, r)
	if !ok {
		return
	}
	var input providerInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		logWarn(r, "failed to decode provider input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}
	if msg := input.validate(); msg != "" {
		BadRequest(w, r, msg)
		return
	}
	p, err := h.toProvider(&input)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	p.ID = id

	updated, err := h.Store.UpdateProvider(r.Context(), p)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		NotFound(w, "provider not found")
		return
	case isUniqueViolation(err):
		Conflict(w, "provider name already exists")
		return
	case err != nil:
		InternalServerError(w, r, err)
		return
	}
	logInfo(r, "smtp provider updated", "provider_id", id, "admin", adminName(r))
	writeJSON(w, http.StatusOK, h.viewProvider(updated))
}

// DeleteProvider handles DELETE /admin/smtp/{id}.
func (h *Handler) DeleteProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := providerID(w, r)
	if !ok {
		return
	}
	if err := h.Store.DeleteProvider(r.Context(), id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			NotFound(w, "provider not found")
			return
		}
		InternalServerError(w, r, err)
		return
	}
	h.Pool.Forget(id)
	logInfo(r, "smtp provider deleted", "provider_id", id, "admin", adminName(r))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// TestProvider handles POST /admin/smtp/{id}/test: one direct send, no failover.
func (h *Handler) TestProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := providerID(w, r)
	if !ok {
		return
	}
	var input struct {
		ToEmail string `json:"toEmail"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		logWarn(r, "failed to decode smtp test input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}
	if !strings.Contains(input.ToEmail, "@") {
		BadRequest(w, r, "toEmail must be an email address")
		return
	}

	err := h.Pool.SendDirect(r.Context(), id, mail.Message{
		To:      strings.TrimSpace(input.ToEmail),
		Subject: testMailSubject,
		Body:    testMailBody,
	})
	switch {
	case errors.Is(err, smtppool.ErrUnknownProvider):
		NotFound(w, "provider not found")
		return
	case errors.Is(err, smtppool.ErrUnavailable):
		ServiceUnavailable(w, "provider unavailable")
		return
	case err != nil:
		logWarn(r, "smtp test failed", "provider_id", id, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"status": "failed", "error": err.Error()})
		return
	}
	logInfo(r, "smtp test sent", "provider_id", id, "admin", adminName(r))
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// --- Delivery logs ---

type logView struct {
	ID           uuid.UUID       `json:"id"`
	RequestID    uuid.UUID       `json:"requestId"`
	Username     string          `json:"username"`
	Email        string          `json:"email"`
	IP           string          `json:"ip"`
	MaskedCode   string          `json:"maskedCode"`
	Status       store.LogStatus `json:"status"`
	ProviderID   *int64          `json:"providerId"`
	ErrorMessage *string         `json:"errorMessage"`
	SentAt       *time.Time      `json:"sentAt"`
	CreatedAt    time.Time       `json:"createdAt"`
}

type pageView[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Size  int   `json:"size"`
}

// parsePage reads page/size with defaults; returns a client message on bad input.
func parsePage(r *http.Request) (store.Page, string) {
	p := store.Page{Number: 0, Size: defaultPageSize}
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > maxPageNumber {
			return p, "page must be an integer between 0 and " + strconv.Itoa(maxPageNumber)
		}
		p.Number = n
	}
	if v := q.Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return p, "size must be a positive integer"
		}
		p.Size = min(n, maxPageSize)
	}
	return p, ""
}

func (h *Handler) parseDay(v string) (time.Time, error) {
	return time.ParseInLocation(time.DateOnly, v, h.loc())
}

// ListLogs handles GET /admin/logs?start=&end=&page=&size=&sort=. Dates are inclusive.
func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := h.parseDay(q.Get("start"))
	if err != nil {
		BadRequest(w, r, "start must be YYYY-MM-DD")
		return
	}
	end, err := h.parseDay(q.Get("end"))
	if err != nil {
		BadRequest(w, r, "end must be YYYY-MM-DD")
		return
	}
	page, msg := parsePage(r)
	if msg != "" {
		BadRequest(w, r, msg)
		return
	}

	query := store.LogQuery{From: start, To: end.AddDate(0, 0, 1), Page: page, SortBy: "sentAt"}
	if sort := q.Get("sort"); sort != "" {
		field, dir, _ := strings.Cut(sort, ",")
		query.SortBy = field
		query.SortAsc = strings.EqualFold(dir, "asc")
	}

	logs, total, err := h.Store.ListDeliveryLogs(r.Context(), query)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	items := make([]logView, 0, len(logs))
	for _, l := range logs {
		items = append(items, logView{
			ID: l.ID, RequestID: l.RequestID, Username: l.Username, Email: l.Email, IP: l.IP,
			MaskedCode: l.MaskedCode, Status: l.Status, ProviderID: l.ProviderID,
			ErrorMessage: l.ErrorMessage, SentAt: l.SentAt, CreatedAt: l.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, pageView[logView]{Items: items, Total: total, Page: page.Number, Size: page.Size})
}

// DecryptLog handles POST /admin/logs/{id}/decrypt. Audited before the code is returned.
func (h *Handler) DecryptLog(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.FromString(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, r, "invalid log id")
		return
	}

	code, err := h.Decrypter.Decrypt(r.Context(), id, adminName(r), clientIP(r))
	switch {
	case errors.Is(err, audit.ErrNotFound):
		NotFound(w, "log not found")
		return
	case errors.Is(err, codecrypto.ErrCrypto):
		logError(r, "decrypting delivery log failed", "log_id", id, "error", err)
		message(w, http.StatusInternalServerError, "code could not be decrypted")
		return
	case err != nil:
		InternalServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code": code})
}

// --- IP stats and bans ---

type banView struct {
	IP          string        `json:"ip"`
	Type        store.BanType `json:"type"`
	BannedUntil time.Time     `json:"bannedUntil"`
	Reason      string        `json:"reason"`
}

type ipStatsView struct {
	IP              string         `json:"ip"`
	RequestedToday  int            `json:"requestedToday"`
	UnverifiedToday int            `json:"unverifiedToday"`
	RequestedTotal  int            `json:"requestedTotal"`
	UnverifiedTotal int            `json:"unverifiedTotal"`
	BanType         *store.BanType `json:"banType"`
	BannedUntil     *time.Time     `json:"bannedUntil"`
}

// IPStats handles GET /admin/ip-stats?date=&page=&size=&sortField=&sortDir=.
func (h *Handler) IPStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := store.IPStatsQuery{SortBy: "unverifiedToday"}
	if v := q.Get("date"); v != "" {
		day, err := h.parseDay(v)
		if err != nil {
			BadRequest(w, r, "date must be YYYY-MM-DD")
			return
		}
		query.Day = day
	} else {
		query.Day = h.Reputation.Today()
	}
	page, msg := parsePage(r)
	if msg != "" {
		BadRequest(w, r, msg)
		return
	}
	query.Page = page
	if v := q.Get("sortField"); v != "" {
		query.SortBy = v
	}
	query.SortAsc = strings.EqualFold(q.Get("sortDir"), "asc")

	rows, total, err := h.Reputation.ListStats(r.Context(), query)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	items := make([]ipStatsView, 0, len(rows))
	for _, s := range rows {
		items = append(items, ipStatsView(s))
	}
	writeJSON(w, http.StatusOK, pageView[ipStatsView]{Items: items, Total: total, Page: page.Number, Size: page.Size})
}

// ListBans handles GET /admin/ip-bans.
func (h *Handler) ListBans(w http.ResponseWriter, r *http.Request) {
	bans, err := h.Reputation.ListBans(r.Context())
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	out := make([]banView, 0, len(bans))
	for _, b := range bans {
		out = append(out, banView{IP: b.IP, Type: b.Type, BannedUntil: b.BannedUntil, Reason: b.Reason})
	}
	writeJSON(w, http.StatusOK, out)
}

// BanIP handles POST /admin/ip-bans. Replaces any existing ban, AUTO included.
func (h *Handler) BanIP(w http.ResponseWriter, r *http.Request) {
	var input struct {
		IP          string    `json:"ip"`
		BannedUntil time.Time `json:"bannedUntil"`
		Reason      string    `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		logWarn(r, "failed to decode ban input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(input.IP))
	if err != nil {
		BadRequest(w, r, "invalid ip")
		return
	}

	ban, err := h.Reputation.ManualBan(r.Context(), addr.Unmap().String(), input.BannedUntil, input.Reason)
	if err != nil {
		if errors.Is(err, reputation.ErrInvalidBan) {
			BadRequest(w, r, "bannedUntil must be in the future")
			return
		}
		InternalServerError(w, r, err)
		return
	}
	logInfo(r, "ip banned", "banned_ip", ban.IP, "until", ban.BannedUntil, "admin", adminName(r))
	writeJSON(w, http.StatusOK, banView{IP: ban.IP, Type: ban.Type, BannedUntil: ban.BannedUntil, Reason: ban.Reason})
}

// UnbanIP handles DELETE /admin/ip-bans/{ip}. AUTO bans cannot be lifted here.
func (h *Handler) UnbanIP(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if err := h.Reputation.ManualUnban(r.Context(), ip); err != nil {
		if errors.Is(err, reputation.ErrAutoBan) {
			Conflict(w, "automatic bans cannot be removed manually")
			return
		}
		InternalServerError(w, r, err)
		return
	}
	logInfo(r, "ip unbanned", "banned_ip", ip, "admin", adminName(r))
	writeJSON(w, http.StatusOK, map[string]string{"status": "unbanned"})
}

func adminName(r *http.Request) string {
	if id, ok := adminauth.FromContext(r.Context()); ok {
		return id.Username
	}
	return ""
}
