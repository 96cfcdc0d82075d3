package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/tokenmail/tokenmail/internal/email"
	"github.com/tokenmail/tokenmail/internal/errorz"
	"github.com/tokenmail/tokenmail/internal/krypto"
	"github.com/tokenmail/tokenmail/internal/ratelimit"
)

var (
	// ErrInvalidToken is returned when a token does not exist, was
	// already used or belongs to a different purpose. Callers should
	// not distinguish these cases towards the end user.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned when a token exists but its lifetime
	// has passed.
	ErrTokenExpired = errors.New("token expired")
	// ErrSameEmail is returned when an email change targets the
	// current address.
	ErrSameEmail = errors.New("new email equals current email")
)

// RateLimitError is returned when a request is denied by the rate limiter.
type RateLimitError struct {
	// ResetAt is when the current window ends and requests are
	// accepted again.
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return "rate limit exceeded"
}

// Emailer is used to send templated emails.
type Emailer interface {
	SendMessage(ctx context.Context, name string, recipient email.Address, data email.MessageData) (email.SendResult, error)
}

// RateLimits holds the per-address budgets for the different token flows.
type RateLimits struct {
	// EmailSend covers verification and email change requests.
	EmailSend ratelimit.Limit
	// PasswordReset covers password reset requests.
	PasswordReset ratelimit.Limit
	// MagicLink covers magic link requests.
	MagicLink ratelimit.Limit
}

// ServiceConfig is the configuration for the Service.
type ServiceConfig struct {
	// SiteName is used in email subjects and bodies.
	SiteName string
	// BaseURL is the public URL the token links point to.
	BaseURL *url.URL
	// DigestKey is the key used to digest tokens before they are stored.
	DigestKey krypto.Key
	// Limits are the rate limit budgets per flow.
	Limits RateLimits
}

// RequestMeta describes the request that triggered a token flow, it
// ends up in the audit trail.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// Service provides the main rules for issuing, delivering and
// verifying email tokens.
type Service struct {
	store   Store
	limiter ratelimit.Limiter
	emailer Emailer
	logger  *slog.Logger
	cfg     ServiceConfig

	// NowFunc is used to get the current time.
	// Exposed for testing purposes.
	NowFunc func() time.Time
}

func NewService(store Store, limiter ratelimit.Limiter, emailer Emailer, logger *slog.Logger, cfg ServiceConfig) (*Service, error) {
	if cfg.BaseURL == nil {
		return nil, errors.New("base URL is required")
	}

	return &Service{
		store:   store,
		limiter: limiter,
		emailer: emailer,
		logger:  logger,
		cfg:     cfg,
		NowFunc: time.Now,
	}, nil
}

// SendVerification issues a verification token and emails it to addr.
func (s *Service) SendVerification(ctx context.Context, addr email.Address, userID *uuid.UUID, meta RequestMeta) error {
	return s.sendToken(ctx, TokenPurposeVerification, addr, nil, userID, meta)
}

// SendPasswordReset issues a password reset token and emails it to addr.
func (s *Service) SendPasswordReset(ctx context.Context, addr email.Address, userID *uuid.UUID, meta RequestMeta) error {
	return s.sendToken(ctx, TokenPurposePasswordReset, addr, nil, userID, meta)
}

// SendMagicLink issues a magic link token and emails it to addr.
func (s *Service) SendMagicLink(ctx context.Context, addr email.Address, userID *uuid.UUID, meta RequestMeta) error {
	return s.sendToken(ctx, TokenPurposeMagicLink, addr, nil, userID, meta)
}

// RequestEmailChange issues an email change token. The confirmation is
// sent to the current address, not the new one, so an attacker who
// controls a session but not the mailbox cannot move the account.
func (s *Service) RequestEmailChange(ctx context.Context, current, newAddr email.Address, userID *uuid.UUID, meta RequestMeta) error {
	if newAddr == "" {
		return errorz.InvalidInput{email.ErrInvalidEmail}
	}

	if current == newAddr {
		return ErrSameEmail
	}

	return s.sendToken(ctx, TokenPurposeEmailChange, current, &newAddr, userID, meta)
}

func (s *Service) sendToken(ctx context.Context, purpose TokenPurpose, addr email.Address, newAddr *email.Address, userID *uuid.UUID, meta RequestMeta) error {
	// A missing address is a caller mistake, reject it before it
	// consumes a rate limit slot.
	if addr == "" {
		return errorz.InvalidInput{email.ErrInvalidEmail}
	}

	if err := s.checkLimit(ctx, purpose, addr); err != nil {
		return err
	}

	token, err := krypto.GenerateToken()
	if err != nil {
		return err
	}

	digest, err := token.Digest(s.cfg.DigestKey)
	if err != nil {
		return err
	}

	now := s.NowFunc().UTC()

	emailToken := EmailToken{
		ID:          uuid.New(),
		UserID:      userID,
		Email:       addr,
		TokenDigest: digest,
		Purpose:     purpose,
		NewEmail:    newAddr,
		ExpiresAt:   now.Add(purpose.TTL()),
		IPAddress:   strPtr(meta.IPAddress),
		UserAgent:   strPtr(meta.UserAgent),
		CreatedAt:   now,
	}

	err = s.inTx(ctx, func(tx Tx) error {
		// Issuing a new token invalidates all live tokens for the same
		// address and purpose, only the most recent email works.
		_, txErr := tx.ConsumeEmailTokens(&EmailTokenFilter{
			Emails:     []email.Address{addr},
			Purposes:   []TokenPurpose{purpose},
			IsConsumed: ptr(false),
		}, now)
		if txErr != nil {
			return txErr
		}

		return tx.CreateEmailToken(&emailToken)
	})
	if err != nil {
		return err
	}

	data := email.MessageData{
		SiteName:  s.cfg.SiteName,
		Recipient: addr,
		Link:      s.tokenLink(purpose, token),
	}
	if newAddr != nil {
		data.NewEmail = *newAddr
	}

	result, sendErr := s.emailer.SendMessage(ctx, templateName(purpose), addr, data)
	s.auditSend(ctx, purpose, addr, meta, result)

	if sendErr != nil {
		return fmt.Errorf("failed to send %s email: %w", purpose, sendErr)
	}

	return nil
}

// checkLimit consults the rate limiter for the flow. The limiter fails
// closed, when it's unreachable the request is denied.
func (s *Service) checkLimit(ctx context.Context, purpose TokenPurpose, addr email.Address) error {
	scope, limit := s.limitFor(purpose)

	res, err := s.limiter.CheckAndConsume(ctx, scope+":"+string(addr), limit.MaxRequests, limit.Window)
	if err != nil {
		return err
	}

	if !res.Allowed {
		return &RateLimitError{ResetAt: res.ResetAt}
	}

	return nil
}

func (s *Service) limitFor(purpose TokenPurpose) (string, ratelimit.Limit) {
	switch purpose {
	case TokenPurposePasswordReset:
		return "password_reset", s.cfg.Limits.PasswordReset
	case TokenPurposeMagicLink:
		return "magic_link", s.cfg.Limits.MagicLink
	default:
		return "email_send", s.cfg.Limits.EmailSend
	}
}

// auditSend appends an audit entry for every delivery attempt. Audit
// failures are logged but never surfaced, the email already went out
// or failed independently of the bookkeeping.
func (s *Service) auditSend(ctx context.Context, purpose TokenPurpose, addr email.Address, meta RequestMeta, result email.SendResult) {
	now := s.NowFunc().UTC()

	for _, attempt := range result.Attempts {
		entry := EmailLog{
			ID:        uuid.New(),
			Email:     addr,
			EmailType: purpose,
			Status:    EmailStatusSent,
			Provider:  attempt.Provider,
			MessageID: attempt.MessageID,
			IPAddress: strPtr(meta.IPAddress),
			CreatedAt: now,
		}

		if attempt.Err != nil {
			entry.Status = EmailStatusFailed
			entry.ErrorMessage = attempt.Err.Error()
		}

		err := s.inTx(ctx, func(tx Tx) error {
			return tx.CreateEmailLog(&entry)
		})
		if err != nil {
			s.logger.Error("failed to write email audit log",
				"email_type", purpose,
				"provider", attempt.Provider,
				"error", err,
			)
		}
	}
}

// Verification is the outcome of a successfully consumed token.
type Verification struct {
	Purpose TokenPurpose
	Email   email.Address
	// NewEmail is only set for email change tokens, it's the address
	// the account should move to.
	NewEmail *email.Address
	UserID   *uuid.UUID
}

// VerifyToken consumes the token identified by raw for the given
// purpose. A token can only be consumed once, concurrent calls for the
// same token see at most one success.
func (s *Service) VerifyToken(ctx context.Context, raw string, purpose TokenPurpose) (*Verification, error) {
	token, err := krypto.ParseToken(raw)
	if err != nil {
		return nil, ErrInvalidToken
	}

	digest, err := token.Digest(s.cfg.DigestKey)
	if err != nil {
		return nil, err
	}

	var verification *Verification

	err = s.inTx(ctx, func(tx Tx) error {
		tokens, txErr := tx.FindEmailTokens(&EmailTokenFilter{
			Digests:    []string{digest},
			Purposes:   []TokenPurpose{purpose},
			IsConsumed: ptr(false),
		})
		if txErr != nil {
			return txErr
		}

		if len(tokens) != 1 {
			return ErrInvalidToken
		}

		found := tokens[0]
		now := s.NowFunc().UTC()

		if !now.Before(found.ExpiresAt) {
			return ErrTokenExpired
		}

		// The filter above already excluded consumed tokens, but a
		// concurrent verify may have won the race. The consume count
		// decides who succeeded.
		n, txErr := tx.ConsumeEmailTokens(&EmailTokenFilter{
			IDs:        []uuid.UUID{found.ID},
			IsConsumed: ptr(false),
		}, now)
		if txErr != nil {
			return txErr
		}

		if n != 1 {
			return ErrInvalidToken
		}

		verification = &Verification{
			Purpose:  found.Purpose,
			Email:    found.Email,
			NewEmail: found.NewEmail,
			UserID:   found.UserID,
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return verification, nil
}

// PurgeTokens removes tokens that expired before the cutoff. Expired
// tokens are kept around for a while for audit purposes, the caller
// decides the retention by picking the cutoff.
func (s *Service) PurgeTokens(ctx context.Context, cutoff time.Time) (int, error) {
	var removed int

	err := s.inTx(ctx, func(tx Tx) error {
		n, txErr := tx.DeleteEmailTokens(&EmailTokenFilter{
			ExpiresBefore: ptr(cutoff.UTC()),
		})
		if txErr != nil {
			return txErr
		}

		removed = n
		return nil
	})
	if err != nil {
		return 0, err
	}

	return removed, nil
}

// RecordBounce appends a bounce to the audit log, providers report
// these asynchronously.
func (s *Service) RecordBounce(ctx context.Context, addr email.Address, emailType TokenPurpose, provider, messageID, reason string) error {
	if addr == "" {
		return errorz.InvalidInput{email.ErrInvalidEmail}
	}

	entry := EmailLog{
		ID:           uuid.New(),
		Email:        addr,
		EmailType:    emailType,
		Status:       EmailStatusBounced,
		Provider:     provider,
		MessageID:    messageID,
		ErrorMessage: reason,
		CreatedAt:    s.NowFunc().UTC(),
	}

	return s.inTx(ctx, func(tx Tx) error {
		return tx.CreateEmailLog(&entry)
	})
}

func (s *Service) tokenLink(purpose TokenPurpose, token krypto.Token) string {
	u := *s.cfg.BaseURL
	u.Path = "/auth/verify"

	q := url.Values{}
	q.Set("token", token.String())
	q.Set("type", string(purpose))
	u.RawQuery = q.Encode()

	return u.String()
}

func templateName(purpose TokenPurpose) string {
	switch purpose {
	case TokenPurposeVerification:
		return "verification"
	case TokenPurposePasswordReset:
		return "password-reset"
	case TokenPurposeMagicLink:
		return "magic-link"
	case TokenPurposeEmailChange:
		return "email-change"
	default:
		return string(purpose)
	}
}

func (s *Service) inTx(ctx context.Context, f func(tx Tx) error) error {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return err
	}

	err = f(tx)
	if err != nil {
		rBackErr := tx.Rollback()
		if rBackErr != nil {
			err = errors.Join(err, rBackErr)
		}
		return err
	}

	err = tx.Commit()
	if err != nil {
		return err
	}

	return nil
}

func ptr[T any](v T) *T {
	return &v
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
