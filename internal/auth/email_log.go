package auth

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tokenmail/tokenmail/internal/email"
)

// EmailStatus is the delivery status recorded in the audit log.
type EmailStatus string

const (
	EmailStatusSent   EmailStatus = "sent"
	EmailStatusFailed EmailStatus = "failed"
	// EmailStatusBounced is recorded when a provider later reports the
	// message as undeliverable, for example via a webhook.
	EmailStatusBounced EmailStatus = "bounced"
)

// ParseEmailStatus parses a status from a string.
func ParseEmailStatus(raw string) (EmailStatus, error) {
	switch s := EmailStatus(raw); s {
	case EmailStatusSent, EmailStatusFailed, EmailStatusBounced:
		return s, nil
	default:
		return "", fmt.Errorf("unknown email status: %q", raw)
	}
}

// EmailLog is one entry in the append-only audit log of outgoing email.
// Entries are written for every delivery attempt, also failed ones.
type EmailLog struct {
	ID        uuid.UUID
	Email     email.Address
	EmailType TokenPurpose
	Status    EmailStatus
	// Provider is the sender that made the attempt, for example "postmark".
	Provider string
	// MessageID is the provider assigned ID, empty for failed attempts.
	MessageID string
	// ErrorMessage holds the failure reason, empty for successful attempts.
	ErrorMessage string
	IPAddress    *string
	CreatedAt    time.Time
}
