// models.go -- Shared domain types for the store package.
// Row shapes for Postgres tables plus the typed errors the store returns.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrActiveRequestConflict is returned by CreateRequest when a concurrent send for the
// same email won the race to the one-active-request unique index.
var ErrActiveRequestConflict = errors.New("concurrent active request for email")

// ErrLeaseLost is returned by RenewLease and MarkTask* when the task is no longer SENDING
// under the lease the caller claimed it with: the lease lapsed and another worker took it.
var ErrLeaseLost = errors.New("task lease no longer held")

// ActiveRequestError is returned by CreateRequest when an active request for the email
// is still inside its resend interval. ResendAvailableAt is the stored value, unmodified.
type ActiveRequestError struct {
	ResendAvailableAt time.Time
}

func (e *ActiveRequestError) Error() string {
	return fmt.Sprintf("active request not resendable until %s", e.ResendAvailableAt.Format(time.RFC3339))
}

// RequestStatus is the verification request lifecycle state.
type RequestStatus string

const (
	RequestPending    RequestStatus = "PENDING"
	RequestVerified   RequestStatus = "VERIFIED_PENDING_REGISTER"
	RequestUsed       RequestStatus = "USED"
	RequestExpired    RequestStatus = "EXPIRED"
	RequestSuperseded RequestStatus = "SUPERSEDED"
)

// Active reports whether s counts toward the one-active-request-per-email invariant.
func (s RequestStatus) Active() bool {
	return s == RequestPending || s == RequestVerified
}

// VerificationRequest represents a row in verification_requests.
// Nullable columns are pointers; nil means SQL NULL.
type VerificationRequest struct {
	ID                uuid.UUID
	Username          string
	Email             string
	IP                string
	CodeHash          string
	Status            RequestStatus
	ExpiresAt         time.Time
	ResendAvailableAt time.Time
	AttemptCount      int
	VerifiedAt        *time.Time
	UsedAt            *time.Time
	CreatedAt         time.Time
}

// TaskStatus is the outbox task state.
type TaskStatus string

const (
	TaskPending TaskStatus = "PENDING"
	TaskSending TaskStatus = "SENDING"
	TaskSent    TaskStatus = "SENT"
	TaskFailed  TaskStatus = "FAILED"
)

// DeliveryTask represents a row in delivery_tasks.
// FAILED with NextAttemptAt set is a scheduled retry; FAILED with nil is terminal.
type DeliveryTask struct {
	ID            uuid.UUID
	RequestID     uuid.UUID
	Username      string
	Email         string
	IP            string
	EncryptedCode string
	Status        TaskStatus
	AttemptCount  int
	NextAttemptAt *time.Time
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// LogStatus is the operator-facing delivery state.
type LogStatus string

const (
	LogPending LogStatus = "PENDING"
	LogSent    LogStatus = "SENT"
	LogFailed  LogStatus = "FAILED"
)

// DeliveryLog represents a row in delivery_logs.
type DeliveryLog struct {
	ID            uuid.UUID
	RequestID     uuid.UUID
	Username      string
	Email         string
	IP            string
	MaskedCode    string
	EncryptedCode *string
	Status        LogStatus
	ProviderID    *int64
	ErrorMessage  *string
	SentAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewRequest bundles the three rows written atomically by CreateRequest.
type NewRequest struct {
	Request VerificationRequest
	Task    DeliveryTask
	Log     DeliveryLog
}

// ProviderHealth is the runtime breaker and quota state of one SMTP provider.
type ProviderHealth struct {
	FailureCount      int
	LastFailureAt     *time.Time
	LastSuccessAt     *time.Time
	CircuitOpenedAt   *time.Time
	SentMinuteCount   int
	MinuteWindowStart *time.Time
	SentDayCount      int
	SentDayDate       *time.Time // date only, midnight in the configured zone
}

// SMTPProvider represents a row in smtp_providers.
// MaxPerMinute / MaxPerDay nil means unlimited.
type SMTPProvider struct {
	ID                int64
	Name              string
	Host              string
	Port              int
	Username          string
	PasswordEncrypted *string
	FromAddress       string
	UseTLS            bool
	UseSSL            bool
	Enabled           bool
	MaxPerMinute      *int
	MaxPerDay         *int
	Health            ProviderHealth
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// BanType distinguishes heuristic bans from operator bans.
type BanType string

const (
	BanAuto   BanType = "AUTO"
	BanManual BanType = "MANUAL"
)

// IPBan represents a row in ip_bans.
type IPBan struct {
	IP          string
	Type        BanType
	BannedUntil time.Time
	Reason      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IPStats is one counter row (daily or total) after a mutation.
type IPStats struct {
	IP              string
	RequestedCount  int
	UnverifiedCount int
}

// IPStatsRow joins today's and all-time counters for the admin listing.
type IPStatsRow struct {
	IP              string
	RequestedToday  int
	UnverifiedToday int
	RequestedTotal  int
	UnverifiedTotal int
	BanType         *BanType
	BannedUntil     *time.Time
}

// AuditEntry represents a row in delivery_log_audits.
type AuditEntry struct {
	ID            uuid.UUID
	LogID         uuid.UUID
	AdminUsername string
	AdminIP       string
	Action        string
	CreatedAt     time.Time
}

// Page is a zero-based page request.
type Page struct {
	Number int
	Size   int
}

// Offset returns the row offset for p.
func (p Page) Offset() int { return p.Number * p.Size }

// LogQuery filters the delivery log listing. From is inclusive, To exclusive.
type LogQuery struct {
	From    time.Time
	To      time.Time
	Page    Page
	SortBy  string // createdAt, sentAt, email, status
	SortAsc bool
}

// IPStatsQuery selects the admin IP stats listing for one day.
type IPStatsQuery struct {
	Day     time.Time
	Page    Page
	SortBy  string // requestedToday, unverifiedToday, requestedTotal, unverifiedTotal
	SortAsc bool
}
