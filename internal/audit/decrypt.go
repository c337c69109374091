// Package audit gates admin access to stored verification codes. Every plaintext
// handed out is preceded by an append-only audit row.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MGallo-Code/postern/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// ActionDecryptCode is the action recorded for a code decrypt.
const ActionDecryptCode = "DECRYPT_CODE"

// ErrNotFound means the log does not exist or carries no encrypted code.
var ErrNotFound = errors.New("delivery log not found")

// Store is the persistence Decrypter needs. Satisfied by *store.PostgresStore.
type Store interface {
	GetDeliveryLog(ctx context.Context, id uuid.UUID) (*store.DeliveryLog, error)
	InsertAuditEntry(ctx context.Context, e store.AuditEntry) error
}

// Cipher opens an encrypted code envelope. Satisfied by *codecrypto.Crypto.
type Cipher interface {
	Decrypt(envelope string) (string, error)
}

// Decrypter performs audited decrypts of delivery log codes.
type Decrypter struct {
	Store  Store
	Cipher Cipher
	Now    func() time.Time
}

// Decrypt returns the plaintext code of logID. The audit row is written first; if it
// cannot be written the plaintext is withheld.
func (d *Decrypter) Decrypt(ctx context.Context, logID uuid.UUID, adminUsername, adminIP string) (string, error) {
	lg, err := d.Store.GetDeliveryLog(ctx, logID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("loading delivery log: %w", err)
	}
	if lg.EncryptedCode == nil || *lg.EncryptedCode == "" {
		return "", ErrNotFound
	}

	code, err := d.Cipher.Decrypt(*lg.EncryptedCode)
	if err != nil {
		return "", err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating audit id: %w", err)
	}
	now := time.Now()
	if d.Now != nil {
		now = d.Now()
	}
	entry := store.AuditEntry{
		ID:            id,
		LogID:         logID,
		AdminUsername: adminUsername,
		AdminIP:       adminIP,
		Action:        ActionDecryptCode,
		CreatedAt:     now,
	}
	if err := d.Store.InsertAuditEntry(ctx, entry); err != nil {
		return "", fmt.Errorf("writing audit entry: %w", err)
	}

	slog.Info("audit: code decrypted", "log_id", logID, "admin", adminUsername, "ip", adminIP)
	return code, nil
}
