package auth

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tokenmail/tokenmail/internal/email"
)

// TokenPurpose represents the purpose of an email token. Each purpose
// has its own lifetime and email template, and a token is only valid
// for the purpose it was issued for.
type TokenPurpose string

const (
	// TokenPurposeVerification indicates a token is for verifying an email address.
	TokenPurposeVerification TokenPurpose = "verification"
	// TokenPurposePasswordReset indicates a token is for resetting a password.
	TokenPurposePasswordReset TokenPurpose = "password_reset"
	// TokenPurposeMagicLink indicates a token is for passwordless sign in.
	TokenPurposeMagicLink TokenPurpose = "magic_link"
	// TokenPurposeEmailChange indicates a token is for confirming an email change.
	TokenPurposeEmailChange TokenPurpose = "email_change"
)

// ParseTokenPurpose parses a purpose from a string.
func ParseTokenPurpose(raw string) (TokenPurpose, error) {
	switch p := TokenPurpose(raw); p {
	case TokenPurposeVerification, TokenPurposePasswordReset, TokenPurposeMagicLink, TokenPurposeEmailChange:
		return p, nil
	default:
		return "", fmt.Errorf("unknown token purpose: %q", raw)
	}
}

// TTL returns how long a token issued for this purpose stays valid.
// Magic links are the shortest lived because they grant a session
// directly, verification tokens the longest because people check
// their email slowly.
func (p TokenPurpose) TTL() time.Duration {
	switch p {
	case TokenPurposeVerification:
		return 24 * time.Hour
	case TokenPurposePasswordReset:
		return time.Hour
	case TokenPurposeMagicLink:
		return 15 * time.Minute
	case TokenPurposeEmailChange:
		return time.Hour
	default:
		return 0
	}
}

// EmailToken contains the state of a random token that was sent via email.
// Such tokens can only be used once and have a limited lifetime.
type EmailToken struct {
	ID uuid.UUID
	// UserID links the token to an account, when the caller knows one.
	UserID *uuid.UUID
	// Email is the address the token was sent to. For email changes
	// this is the current address, not the new one.
	Email email.Address
	// TokenDigest is the keyed digest of the token. We only store the
	// digest to prevent someone with access to the database from
	// mis-using the tokens.
	TokenDigest string
	Purpose     TokenPurpose
	// NewEmail is the address the account moves to, only set for
	// email change tokens.
	NewEmail   *email.Address
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	// IPAddress and UserAgent describe the request that asked for the
	// token, they are kept for audit purposes.
	IPAddress *string
	UserAgent *string
	CreatedAt time.Time
}

// Live reports whether the token can still be consumed at the given time.
func (t EmailToken) Live(now time.Time) bool {
	return t.ConsumedAt == nil && now.Before(t.ExpiresAt)
}
