package auth

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tokenmail/tokenmail/internal/email"
)

// EmailTokenFilter is used to filter email tokens.
// Returned tokens must match all the provided fields.
// If a field is empty or nil, it's ignored.
type EmailTokenFilter struct {
	IDs      []uuid.UUID
	Emails   []email.Address
	Purposes []TokenPurpose
	Digests  []string
	// IsConsumed filters on whether a token has been used.
	IsConsumed *bool
	// ExpiresBefore matches tokens whose expiry is strictly before the
	// given time.
	ExpiresBefore *time.Time
}

// Store provides access to the token store.
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx is a transaction. If an error occurs on any of the methods,
// the transaction is considered to have failed and should be rolled back.
// Tx is not safe for concurrent use.
type Tx interface {
	Commit() error
	Rollback() error

	// CreateEmailToken creates an email token.
	CreateEmailToken(t *EmailToken) error
	// ConsumeEmailTokens marks all unconsumed tokens matching the
	// filter as consumed at the given time. It returns how many tokens
	// were consumed.
	ConsumeEmailTokens(filter *EmailTokenFilter, now time.Time) (int, error)
	// FindEmailTokens queries for email tokens based on the provided filter.
	FindEmailTokens(filter *EmailTokenFilter) ([]EmailToken, error)
	// DeleteEmailTokens removes all tokens matching the filter and
	// returns how many were removed.
	DeleteEmailTokens(filter *EmailTokenFilter) (int, error)

	// CreateEmailLog appends an entry to the email audit log.
	CreateEmailLog(l *EmailLog) error
}
