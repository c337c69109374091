// Package outbox delivers verification code emails from the delivery_tasks table.
//
// The send path commits a PENDING task in the same transaction as the request, so a
// crash between "accepted" and "delivered" never loses a code. Worker claims due
// tasks, renders and sends them through the SMTP pool, and records one of three
// outcomes: sent, retry scheduled, or exhausted.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MGallo-Code/postern/internal/mail"
	"github.com/MGallo-Code/postern/internal/store"
	"github.com/MGallo-Code/postern/internal/telemetry"
	"github.com/gofrs/uuid/v5"
)

// Store is the task persistence the worker needs. Satisfied by *store.PostgresStore.
type Store interface {
	ClaimDueTasks(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]store.DeliveryTask, error)
	RenewLease(ctx context.Context, taskID uuid.UUID, held, now time.Time, lease time.Duration) (time.Time, error)
	MarkTaskSent(ctx context.Context, taskID, requestID uuid.UUID, lease time.Time, providerID int64, now time.Time) error
	MarkTaskFailed(ctx context.Context, taskID, requestID uuid.UUID, lease time.Time, attempts int, lastError string, nextAttemptAt *time.Time, now time.Time) error
}

// Decrypter recovers the plaintext code from a task. Satisfied by *codecrypto.Crypto.
type Decrypter interface {
	Decrypt(envelope string) (string, error)
}

// Sender delivers one message with failover. Satisfied by *smtppool.Pool.
type Sender interface {
	SendWithFailover(ctx context.Context, msg mail.Message) (*store.SMTPProvider, error)
}

// Waiter blocks between cycles. RedisNotifier wakes early on new work.
type Waiter interface {
	Wait(ctx context.Context, d time.Duration) error
}

// Config controls batching, retries and pacing.
type Config struct {
	BatchSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Delay          time.Duration // idle wait between cycles
	Lease          time.Duration // how long a claimed task stays SENDING before it is due again
	CodeTTL        time.Duration // rendered into the email body
	Subject        string
}

// Worker drains due delivery tasks. Construct with NewWorker.
type Worker struct {
	store  Store
	crypto Decrypter
	sender Sender
	cfg    Config

	Waiter  Waiter
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

// NewWorker returns a worker that waits on a plain timer; set Waiter to a
// RedisNotifier to wake on new work.
func NewWorker(s Store, dec Decrypter, sender Sender, cfg Config) *Worker {
	return &Worker{store: s, crypto: dec, sender: sender, cfg: cfg, Waiter: sleepWaiter{}}
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Outcome is the result of one delivery attempt: exactly one of Sent, Scheduled, Exhausted.
type Outcome interface {
	outcome() string
}

// Sent means the message was accepted by ProviderID.
type Sent struct {
	ProviderID int64
}

// Scheduled means the attempt failed and the task is due again at RetryAt.
type Scheduled struct {
	RetryAt time.Time
	Err     error
}

// Exhausted means the task failed for good.
type Exhausted struct {
	Err error
}

// errLeaseReclaims exhausts a task whose leases lapsed MaxAttempts times without a result.
var errLeaseReclaims = errors.New("delivery never completed within its lease")

func (Sent) outcome() string      { return "sent" }
func (Scheduled) outcome() string { return "scheduled" }
func (Exhausted) outcome() string { return "exhausted" }

// Backoff returns the retry delay after the given attempt number (1-based):
// base, 2*base, 4*base, ... capped at ceiling.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling || d <= 0 {
			return ceiling
		}
	}
	return min(d, ceiling)
}

// RunCycle claims one batch of due tasks and attempts each.
// Returns the number of tasks claimed.
//
// The batch is sent one task at a time, so each task's lease is renewed just before its
// attempt. A task whose lease lapsed meanwhile belongs to whichever worker reclaimed it
// and is skipped here.
func (w *Worker) RunCycle(ctx context.Context) (int, error) {
	tasks, err := w.store.ClaimDueTasks(ctx, w.now(), w.cfg.Lease, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claiming tasks: %w", err)
	}
	for i := range tasks {
		if ctx.Err() != nil {
			// Unprocessed tasks keep their lease and become due again when it lapses.
			return len(tasks), ctx.Err()
		}
		t := &tasks[i]
		lease, err := w.store.RenewLease(ctx, t.ID, *t.NextAttemptAt, w.now(), w.cfg.Lease)
		if errors.Is(err, store.ErrLeaseLost) {
			slog.Info("outbox: lease lapsed before attempt, skipping", "task_id", t.ID)
			continue
		}
		if err != nil {
			slog.Error("outbox: renewing lease failed", "task_id", t.ID, "err", err)
			continue
		}
		t.NextAttemptAt = &lease

		attempts, out := w.attempt(ctx, t)
		if err := w.record(ctx, t, attempts, out); err != nil {
			if errors.Is(err, store.ErrLeaseLost) {
				slog.Warn("outbox: lease lost during attempt, outcome dropped",
					"task_id", t.ID, "outcome", out.outcome())
				continue
			}
			slog.Error("outbox: recording outcome failed", "task_id", t.ID, "outcome", out.outcome(), "err", err)
		}
	}
	return len(tasks), nil
}

// attempt decides the outcome of delivering t once. Returns the attempt count to persist.
func (w *Worker) attempt(ctx context.Context, t *store.DeliveryTask) (int, Outcome) {
	if t.AttemptCount >= w.cfg.MaxAttempts {
		// Only reachable through lapsed-lease reclaims, which the claim counts.
		return t.AttemptCount, Exhausted{Err: errLeaseReclaims}
	}
	attempts := t.AttemptCount + 1

	code, err := w.crypto.Decrypt(t.EncryptedCode)
	if err != nil {
		// A payload that cannot be decrypted now never will be.
		return attempts, Exhausted{Err: fmt.Errorf("decrypting code: %w", err)}
	}

	body := mail.RenderCodeEmail(mail.CodeEmail{
		Username:  t.Username,
		Code:      code,
		RequestID: t.RequestID.String(),
		TTL:       w.cfg.CodeTTL,
	})
	prov, err := w.sender.SendWithFailover(ctx, mail.Message{To: t.Email, Subject: w.cfg.Subject, Body: body})
	if err == nil {
		return attempts, Sent{ProviderID: prov.ID}
	}
	if attempts >= w.cfg.MaxAttempts {
		return attempts, Exhausted{Err: err}
	}
	return attempts, Scheduled{
		RetryAt: w.now().Add(Backoff(attempts, w.cfg.InitialBackoff, w.cfg.MaxBackoff)),
		Err:     err,
	}
}

// record persists out on the task and its log under the task's current lease.
func (w *Worker) record(ctx context.Context, t *store.DeliveryTask, attempts int, out Outcome) error {
	now := w.now()
	lease := *t.NextAttemptAt
	w.Metrics.DeliveryOutcome(ctx, out.outcome())

	switch o := out.(type) {
	case Sent:
		slog.Info("outbox: code delivered", "task_id", t.ID, "request_id", t.RequestID, "provider_id", o.ProviderID)
		return w.store.MarkTaskSent(ctx, t.ID, t.RequestID, lease, o.ProviderID, now)
	case Scheduled:
		slog.Info("outbox: delivery failed, retry scheduled",
			"task_id", t.ID, "attempt", attempts, "retry_at", o.RetryAt, "err", o.Err)
		retryAt := o.RetryAt
		return w.store.MarkTaskFailed(ctx, t.ID, t.RequestID, lease, attempts, o.Err.Error(), &retryAt, now)
	case Exhausted:
		slog.Warn("outbox: delivery exhausted",
			"task_id", t.ID, "request_id", t.RequestID, "attempt", attempts, "err", o.Err)
		return w.store.MarkTaskFailed(ctx, t.ID, t.RequestID, lease, attempts, o.Err.Error(), nil, now)
	default:
		return fmt.Errorf("unknown outcome %T", out)
	}
}

// Run drives cycles until ctx is cancelled. Blocks; call in a goroutine.
// A full batch runs the next cycle immediately; otherwise the worker waits for
// Delay or an early wake-up.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("outbox: worker started", "batch_size", w.cfg.BatchSize, "delay", w.cfg.Delay)
	for {
		n, err := w.RunCycle(ctx)
		if ctx.Err() != nil {
			slog.Info("outbox: worker stopped")
			return
		}
		if err != nil {
			slog.Error("outbox: cycle failed", "err", err)
		}
		if err == nil && n >= w.cfg.BatchSize && w.cfg.BatchSize > 0 {
			continue
		}
		if werr := w.Waiter.Wait(ctx, w.cfg.Delay); werr != nil {
			slog.Warn("outbox: wake-up wait failed, falling back to timer", "err", werr)
			if errors.Is(werr, context.Canceled) {
				return
			}
			sleepWaiter{}.Wait(ctx, w.cfg.Delay)
		}
	}
}
