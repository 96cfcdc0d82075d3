package auth_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tokenmail/tokenmail/internal/auth"
	authdb "github.com/tokenmail/tokenmail/internal/auth/db"
	"github.com/tokenmail/tokenmail/internal/db/testdb"
	"github.com/tokenmail/tokenmail/internal/email"
	"github.com/tokenmail/tokenmail/internal/errorz"
	"github.com/tokenmail/tokenmail/internal/krypto"
	"github.com/tokenmail/tokenmail/internal/ratelimit"
)

type serviceDeps struct {
	svc     *auth.Service
	sender  *email.MemorySender
	limiter *ratelimit.Memory
	now     time.Time
}

func serviceForTest(t *testing.T) *serviceDeps {
	t.Helper()

	testDB := testdb.RunWhile(t, true)

	key, err := krypto.ParseKey("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	if err != nil {
		t.Fatalf("failed to parse key: %v", err)
	}

	encryptor, err := krypto.NewEncryptor([]krypto.Key{key})
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	store := authdb.New(testDB, encryptor, key)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sender := email.NewMemorySender()
	emailer, err := email.NewService(renderLinkOnly{}, []email.Sender{sender}, "noreply@example.com", logger)
	if err != nil {
		t.Fatalf("failed to create email service: %v", err)
	}

	limiter := ratelimit.NewMemory()

	baseURL, err := url.Parse("https://app.example.com")
	if err != nil {
		t.Fatalf("failed to parse base URL: %v", err)
	}

	svc, err := auth.NewService(store, limiter, emailer, logger, auth.ServiceConfig{
		SiteName:  "Example",
		BaseURL:   baseURL,
		DigestKey: key,
		Limits: auth.RateLimits{
			EmailSend:     ratelimit.Limit{MaxRequests: 5, Window: time.Hour},
			PasswordReset: ratelimit.Limit{MaxRequests: 3, Window: time.Hour},
			MagicLink:     ratelimit.Limit{MaxRequests: 10, Window: time.Hour},
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	deps := &serviceDeps{
		svc:     svc,
		sender:  sender,
		limiter: limiter,
		now:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	svc.NowFunc = func() time.Time {
		return deps.now
	}
	limiter.NowFunc = svc.NowFunc

	return deps
}

// renderLinkOnly renders bodies that consist of just the link, which
// makes it trivial for tests to pluck the token back out.
type renderLinkOnly struct{}

func (renderLinkOnly) Render(_ context.Context, name string, element email.TemplateElement, data any) (string, error) {
	d := data.(email.MessageData)
	if element == email.ElementSubject {
		return name, nil
	}
	return d.Link, nil
}

// lastToken extracts the token from the most recently sent email.
func lastToken(t *testing.T, sender *email.MemorySender) string {
	t.Helper()

	msg, ok := sender.Last()
	if !ok {
		t.Fatalf("no email was sent")
	}

	u, err := url.Parse(strings.TrimSpace(msg.Body))
	if err != nil {
		t.Fatalf("failed to parse link %q: %v", msg.Body, err)
	}

	return u.Query().Get("token")
}

func Test_Service_SendAndVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("ok, full verification flow", func(t *testing.T) {
		deps := serviceForTest(t)

		err := deps.svc.SendVerification(ctx, "alice@example.com", nil, auth.RequestMeta{})
		if err != nil {
			t.Fatalf("failed to send verification: %v", err)
		}

		msg, ok := deps.sender.Last()
		if !ok {
			t.Fatalf("no email was sent")
		}
		if msg.Recipient != "alice@example.com" {
			t.Errorf("got recipient %q, want %q", msg.Recipient, "alice@example.com")
		}

		raw := lastToken(t, deps.sender)

		got, err := deps.svc.VerifyToken(ctx, raw, auth.TokenPurposeVerification)
		if err != nil {
			t.Fatalf("failed to verify token: %v", err)
		}

		if got.Email != "alice@example.com" {
			t.Errorf("got email %q, want %q", got.Email, "alice@example.com")
		}
		if got.Purpose != auth.TokenPurposeVerification {
			t.Errorf("got purpose %q, want %q", got.Purpose, auth.TokenPurposeVerification)
		}
		if got.NewEmail != nil {
			t.Errorf("got new email %v, want nil", got.NewEmail)
		}
	})

	t.Run("fail, token only works once", func(t *testing.T) {
		deps := serviceForTest(t)

		err := deps.svc.SendMagicLink(ctx, "alice@example.com", nil, auth.RequestMeta{})
		if err != nil {
			t.Fatalf("failed to send magic link: %v", err)
		}

		raw := lastToken(t, deps.sender)

		_, err = deps.svc.VerifyToken(ctx, raw, auth.TokenPurposeMagicLink)
		if err != nil {
			t.Fatalf("failed to verify token: %v", err)
		}

		_, err = deps.svc.VerifyToken(ctx, raw, auth.TokenPurposeMagicLink)
		if !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("expected error to be %v got %v (via errors.Is)", auth.ErrInvalidToken, err)
		}
	})

	t.Run("fail, issuing a new token invalidates the previous one", func(t *testing.T) {
		deps := serviceForTest(t)

		err := deps.svc.SendPasswordReset(ctx, "alice@example.com", nil, auth.RequestMeta{})
		if err != nil {
			t.Fatalf("failed to send password reset: %v", err)
		}

		first := lastToken(t, deps.sender)

		err = deps.svc.SendPasswordReset(ctx, "alice@example.com", nil, auth.RequestMeta{})
		if err != nil {
			t.Fatalf("failed to send password reset: %v", err)
		}

		second := lastToken(t, deps.sender)

		_, err = deps.svc.VerifyToken(ctx, first, auth.TokenPurposePasswordReset)
		if !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("expected error to be %v got %v (via errors.Is)", auth.ErrInvalidToken, err)
		}

		_, err = deps.svc.VerifyToken(ctx, second, auth.TokenPurposePasswordReset)
		if err != nil {
			t.Fatalf("failed to verify second token: %v", err)
		}
	})

	t.Run("fail, token for a different purpose", func(t *testing.T) {
		deps := serviceForTest(t)

		err := deps.svc.SendVerification(ctx, "alice@example.com", nil, auth.RequestMeta{})
		if err != nil {
			t.Fatalf("failed to send verification: %v", err)
		}

		raw := lastToken(t, deps.sender)

		_, err = deps.svc.VerifyToken(ctx, raw, auth.TokenPurposePasswordReset)
		if !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("expected error to be %v got %v (via errors.Is)", auth.ErrInvalidToken, err)
		}
	})

	t.Run("fail, empty address is rejected before the limiter", func(t *testing.T) {
		deps := serviceForTest(t)

		err := deps.svc.SendPasswordReset(ctx, "", nil, auth.RequestMeta{})

		var invalid errorz.InvalidInput
		if !errors.As(err, &invalid) {
			t.Fatalf("expected an invalid input error, got %v", err)
		}
		if _, ok := deps.sender.Last(); ok {
			t.Errorf("an email was sent")
		}

		// The full budget is still available.
		for i := 0; i < 3; i++ {
			err := deps.svc.SendPasswordReset(ctx, "alice@example.com", nil, auth.RequestMeta{})
			if err != nil {
				t.Fatalf("failed to send password reset %d: %v", i+1, err)
			}
		}
	})

	t.Run("ok, concurrent verifies consume exactly once", func(t *testing.T) {
		deps := serviceForTest(t)

		err := deps.svc.SendMagicLink(ctx, "alice@example.com", nil, auth.RequestMeta{})
		if err != nil {
			t.Fatalf("failed to send magic link: %v", err)
		}

		raw := lastToken(t, deps.sender)

		const attempts = 8

		var wg sync.WaitGroup
		results := make(chan error, attempts)

		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()

				_, err := deps.svc.VerifyToken(ctx, raw, auth.TokenPurposeMagicLink)
				results <- err
			}()
		}

		wg.Wait()
		close(results)

		var successes int
		for err := range results {
			if err == nil {
				successes++
				continue
			}
			if !errors.Is(err, auth.ErrInvalidToken) {
				t.Errorf("expected error to be %v got %v (via errors.Is)", auth.ErrInvalidToken, err)
			}
		}

		if successes != 1 {
			t.Errorf("got %d successful verifies, want 1", successes)
		}
	})

	t.Run("ok, concurrent issues leave one live token", func(t *testing.T) {
		deps := serviceForTest(t)

		const issues = 4

		var wg sync.WaitGroup
		for i := 0; i < issues; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()

				err := deps.svc.SendVerification(ctx, "alice@example.com", nil, auth.RequestMeta{})
				if err != nil {
					t.Errorf("failed to send verification: %v", err)
				}
			}()
		}
		wg.Wait()

		if len(deps.sender.Emails) != issues {
			t.Fatalf("got %d emails, want %d", len(deps.sender.Emails), issues)
		}

		// Whichever issue committed last holds the only live token.
		var successes int
		for _, msg := range deps.sender.Emails {
			u, err := url.Parse(strings.TrimSpace(msg.Body))
			if err != nil {
				t.Fatalf("failed to parse link %q: %v", msg.Body, err)
			}

			_, err = deps.svc.VerifyToken(ctx, u.Query().Get("token"), auth.TokenPurposeVerification)
			if err == nil {
				successes++
			} else if !errors.Is(err, auth.ErrInvalidToken) {
				t.Errorf("expected error to be %v got %v (via errors.Is)", auth.ErrInvalidToken, err)
			}
		}

		if successes != 1 {
			t.Errorf("got %d live tokens, want 1", successes)
		}
	})

	t.Run("fail, garbage tokens", func(t *testing.T) {
		deps := serviceForTest(t)

		for name, raw := range map[string]string{
			"empty":      "",
			"too short":  "abcdef",
			"not hex":    strings.Repeat("z", 64),
			"never sent": strings.Repeat("a", 64),
		} {
			t.Run(name, func(t *testing.T) {
				_, err := deps.svc.VerifyToken(ctx, raw, auth.TokenPurposeVerification)
				if !errors.Is(err, auth.ErrInvalidToken) {
					t.Fatalf("expected error to be %v got %v (via errors.Is)", auth.ErrInvalidToken, err)
				}
			})
		}
	})
}

func Test_Service_TokenExpiry(t *testing.T) {
	ctx := context.Background()

	tests := map[string]struct {
		send func(deps *serviceDeps) error
		purp auth.TokenPurpose
		ttl  time.Duration
	}{
		"verification expires after 24 hours": {
			send: func(deps *serviceDeps) error {
				return deps.svc.SendVerification(ctx, "alice@example.com", nil, auth.RequestMeta{})
			},
			purp: auth.TokenPurposeVerification,
			ttl:  24 * time.Hour,
		},
		"password reset expires after 1 hour": {
			send: func(deps *serviceDeps) error {
				return deps.svc.SendPasswordReset(ctx, "alice@example.com", nil, auth.RequestMeta{})
			},
			purp: auth.TokenPurposePasswordReset,
			ttl:  time.Hour,
		},
		"magic link expires after 15 minutes": {
			send: func(deps *serviceDeps) error {
				return deps.svc.SendMagicLink(ctx, "alice@example.com", nil, auth.RequestMeta{})
			},
			purp: auth.TokenPurposeMagicLink,
			ttl:  15 * time.Minute,
		},
		"email change expires after 1 hour": {
			send: func(deps *serviceDeps) error {
				return deps.svc.RequestEmailChange(ctx, "alice@example.com", "bob@example.com", nil, auth.RequestMeta{})
			},
			purp: auth.TokenPurposeEmailChange,
			ttl:  time.Hour,
		},
	}

	for name, tc := range tests {
		t.Run("ok, just before the deadline: "+name, func(t *testing.T) {
			deps := serviceForTest(t)

			if err := tc.send(deps); err != nil {
				t.Fatalf("failed to send: %v", err)
			}

			raw := lastToken(t, deps.sender)
			deps.now = deps.now.Add(tc.ttl - time.Second)

			_, err := deps.svc.VerifyToken(ctx, raw, tc.purp)
			if err != nil {
				t.Fatalf("failed to verify token: %v", err)
			}
		})

		t.Run("fail, on the deadline: "+name, func(t *testing.T) {
			deps := serviceForTest(t)

			if err := tc.send(deps); err != nil {
				t.Fatalf("failed to send: %v", err)
			}

			raw := lastToken(t, deps.sender)
			deps.now = deps.now.Add(tc.ttl)

			_, err := deps.svc.VerifyToken(ctx, raw, tc.purp)
			if !errors.Is(err, auth.ErrTokenExpired) {
				t.Fatalf("expected error to be %v got %v (via errors.Is)", auth.ErrTokenExpired, err)
			}
		})
	}
}

func Test_Service_RequestEmailChange(t *testing.T) {
	ctx := context.Background()

	t.Run("ok, confirmation goes to the current address", func(t *testing.T) {
		deps := serviceForTest(t)

		err := deps.svc.RequestEmailChange(ctx, "alice@example.com", "alice@new.example.com", nil, auth.RequestMeta{})
		if err != nil {
			t.Fatalf("failed to request email change: %v", err)
		}

		msg, ok := deps.sender.Last()
		if !ok {
			t.Fatalf("no email was sent")
		}
		if msg.Recipient != "alice@example.com" {
			t.Errorf("got recipient %q, want the current address %q", msg.Recipient, "alice@example.com")
		}

		raw := lastToken(t, deps.sender)

		got, err := deps.svc.VerifyToken(ctx, raw, auth.TokenPurposeEmailChange)
		if err != nil {
			t.Fatalf("failed to verify token: %v", err)
		}

		if got.Email != "alice@example.com" {
			t.Errorf("got email %q, want %q", got.Email, "alice@example.com")
		}
		if got.NewEmail == nil || *got.NewEmail != "alice@new.example.com" {
			t.Errorf("got new email %v, want %q", got.NewEmail, "alice@new.example.com")
		}
	})

	t.Run("fail, new address equals current", func(t *testing.T) {
		deps := serviceForTest(t)

		err := deps.svc.RequestEmailChange(ctx, "alice@example.com", "alice@example.com", nil, auth.RequestMeta{})
		if !errors.Is(err, auth.ErrSameEmail) {
			t.Fatalf("expected error to be %v got %v (via errors.Is)", auth.ErrSameEmail, err)
		}

		if _, ok := deps.sender.Last(); ok {
			t.Errorf("an email was sent")
		}
	})
}

func Test_Service_RateLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("fail, too many password resets", func(t *testing.T) {
		deps := serviceForTest(t)

		for i := 0; i < 3; i++ {
			err := deps.svc.SendPasswordReset(ctx, "alice@example.com", nil, auth.RequestMeta{})
			if err != nil {
				t.Fatalf("failed to send password reset %d: %v", i+1, err)
			}
		}

		err := deps.svc.SendPasswordReset(ctx, "alice@example.com", nil, auth.RequestMeta{})

		var limitErr *auth.RateLimitError
		if !errors.As(err, &limitErr) {
			t.Fatalf("expected a rate limit error, got %v", err)
		}
		if limitErr.ResetAt.IsZero() {
			t.Errorf("got zero ResetAt")
		}

		// Other addresses are not affected.
		err = deps.svc.SendPasswordReset(ctx, "bob@example.com", nil, auth.RequestMeta{})
		if err != nil {
			t.Fatalf("failed to send password reset for other address: %v", err)
		}
	})

	t.Run("ok, flows have separate budgets", func(t *testing.T) {
		deps := serviceForTest(t)

		for i := 0; i < 3; i++ {
			err := deps.svc.SendPasswordReset(ctx, "alice@example.com", nil, auth.RequestMeta{})
			if err != nil {
				t.Fatalf("failed to send password reset %d: %v", i+1, err)
			}
		}

		// The password reset budget is exhausted but magic links still work.
		err := deps.svc.SendMagicLink(ctx, "alice@example.com", nil, auth.RequestMeta{})
		if err != nil {
			t.Fatalf("failed to send magic link: %v", err)
		}
	})

	t.Run("fail, limiter unavailable denies the request", func(t *testing.T) {
		svc, err := auth.NewService(storeForTest(t), &failingLimiter{}, failingEmailer{}, slog.New(slog.NewTextHandler(io.Discard, nil)), auth.ServiceConfig{
			BaseURL:   mustURL(t, "https://app.example.com"),
			DigestKey: mustKey(t),
			Limits:    auth.RateLimits{},
		})
		if err != nil {
			t.Fatalf("failed to create service: %v", err)
		}

		err = svc.SendVerification(ctx, "alice@example.com", nil, auth.RequestMeta{})
		if !errors.Is(err, ratelimit.ErrUnavailable) {
			t.Fatalf("expected error to be %v got %v (via errors.Is)", ratelimit.ErrUnavailable, err)
		}
	})
}

func Test_Service_SendFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("fail, all senders down", func(t *testing.T) {
		deps := serviceForTest(t)
		deps.sender.FailFunc = func(email.Address) error {
			return errors.New("provider down")
		}

		err := deps.svc.SendVerification(ctx, "alice@example.com", nil, auth.RequestMeta{})
		if !errors.Is(err, email.ErrAllSendersFailed) {
			t.Fatalf("expected error to be %v got %v (via errors.Is)", email.ErrAllSendersFailed, err)
		}
	})
}

func Test_Service_PurgeTokens(t *testing.T) {
	ctx := context.Background()

	t.Run("ok, removes tokens past the cutoff", func(t *testing.T) {
		deps := serviceForTest(t)

		err := deps.svc.SendMagicLink(ctx, "alice@example.com", nil, auth.RequestMeta{})
		if err != nil {
			t.Fatalf("failed to send magic link: %v", err)
		}

		err = deps.svc.SendVerification(ctx, "bob@example.com", nil, auth.RequestMeta{})
		if err != nil {
			t.Fatalf("failed to send verification: %v", err)
		}

		// The magic link expired an hour in, the verification token has
		// 24 hours and survives the cutoff.
		deps.now = deps.now.Add(time.Hour)

		removed, err := deps.svc.PurgeTokens(ctx, deps.now)
		if err != nil {
			t.Fatalf("failed to purge tokens: %v", err)
		}
		if removed != 1 {
			t.Errorf("got %d removed, want 1", removed)
		}
	})
}

type failingLimiter struct{}

func (f *failingLimiter) CheckAndConsume(context.Context, string, int, time.Duration) (ratelimit.Result, error) {
	return ratelimit.Result{}, ratelimit.ErrUnavailable
}

type failingEmailer struct{}

func (failingEmailer) SendMessage(context.Context, string, email.Address, email.MessageData) (email.SendResult, error) {
	return email.SendResult{}, email.ErrAllSendersFailed
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse URL: %v", err)
	}

	return u
}

func mustKey(t *testing.T) krypto.Key {
	t.Helper()

	key, err := krypto.ParseKey("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	if err != nil {
		t.Fatalf("failed to parse key: %v", err)
	}

	return key
}

func storeForTest(t *testing.T) auth.Store {
	t.Helper()

	testDB := testdb.RunWhile(t, true)

	encryptor, err := krypto.NewEncryptor([]krypto.Key{mustKey(t)})
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	return authdb.New(testDB, encryptor, mustKey(t))
}
