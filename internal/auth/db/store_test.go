package db_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tokenmail/tokenmail/internal/auth"
	"github.com/tokenmail/tokenmail/internal/auth/db"
	"github.com/tokenmail/tokenmail/internal/db/testdb"
	"github.com/tokenmail/tokenmail/internal/email"
	"github.com/tokenmail/tokenmail/internal/errorz"
	"github.com/tokenmail/tokenmail/internal/krypto"
)

func storeForTest(t *testing.T) *db.Store {
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

	return db.New(testDB, encryptor, key)
}

func testToken(t *testing.T, modFunc func(tok *auth.EmailToken)) auth.EmailToken {
	t.Helper()

	tok := auth.EmailToken{
		ID:          uuid.MustParse("7c2b27b2-5f39-47b7-a5a0-9c1e5f7a8b01"),
		Email:       "alice@example.com",
		TokenDigest: "digest-1",
		Purpose:     auth.TokenPurposeVerification,
		ExpiresAt:   now(t, 1),
		CreatedAt:   now(t, 0),
	}

	if modFunc != nil {
		modFunc(&tok)
	}

	return tok
}

func now(t *testing.T, i int) time.Time {
	t.Helper()
	if i > 9 {
		t.Fatalf("to keep timestamps sortable, i can't be larger than 9, got: %d", i)
	}
	return time.Date(2024, 5, 1, 12, 0, i, 0, time.UTC)
}

func inTestTx(t *testing.T, store *db.Store, f func(tx auth.Tx)) {
	t.Helper()

	tx, err := store.BeginTx(context.Background())
	if err != nil {
		t.Fatalf("failed to begin tx: %v", err)
	}

	f(tx)

	if err := tx.Commit(); err != nil {
		t.Fatalf("failed to commit tx: %v", err)
	}
}

func Test_Tx_CreateAndFindEmailToken(t *testing.T) {
	t.Run("ok, roundtrip all fields", func(t *testing.T) {
		store := storeForTest(t)

		userID := uuid.MustParse("27e12f3a-91c5-4e51-b1a6-0f04c7f3a9d2")
		newEmail := email.Address("bob@example.com")

		tok := testToken(t, func(tok *auth.EmailToken) {
			tok.UserID = &userID
			tok.Purpose = auth.TokenPurposeEmailChange
			tok.NewEmail = &newEmail
			ip := "192.0.2.1"
			ua := "test-agent"
			tok.IPAddress = &ip
			tok.UserAgent = &ua
		})

		inTestTx(t, store, func(tx auth.Tx) {
			if err := tx.CreateEmailToken(&tok); err != nil {
				t.Fatalf("failed to create email token: %v", err)
			}

			got, err := tx.FindEmailTokens(&auth.EmailTokenFilter{
				IDs: []uuid.UUID{tok.ID},
			})
			if err != nil {
				t.Fatalf("failed to find email tokens: %v", err)
			}

			if len(got) != 1 {
				t.Fatalf("got %d tokens, want 1", len(got))
			}

			if !reflect.DeepEqual(got[0], tok) {
				t.Errorf("got\n%#v\nwant\n%#v\n", got[0], tok)
			}
		})
	})

	t.Run("ok, find by email and purpose", func(t *testing.T) {
		store := storeForTest(t)

		tok := testToken(t, nil)
		other := testToken(t, func(tok *auth.EmailToken) {
			tok.ID = uuid.MustParse("a1b9a1ab-19a6-4b5e-8a3f-55c7a86f0002")
			tok.Email = "bob@example.com"
			tok.TokenDigest = "digest-2"
		})

		inTestTx(t, store, func(tx auth.Tx) {
			for _, tok := range []*auth.EmailToken{&tok, &other} {
				if err := tx.CreateEmailToken(tok); err != nil {
					t.Fatalf("failed to create email token: %v", err)
				}
			}

			got, err := tx.FindEmailTokens(&auth.EmailTokenFilter{
				Emails:   []email.Address{tok.Email},
				Purposes: []auth.TokenPurpose{auth.TokenPurposeVerification},
			})
			if err != nil {
				t.Fatalf("failed to find email tokens: %v", err)
			}

			if len(got) != 1 || got[0].ID != tok.ID {
				t.Errorf("expected only the matching token, got %#v", got)
			}
		})
	})

	t.Run("fail, duplicate digest", func(t *testing.T) {
		store := storeForTest(t)

		tok := testToken(t, nil)
		dup := testToken(t, func(tok *auth.EmailToken) {
			tok.ID = uuid.MustParse("a1b9a1ab-19a6-4b5e-8a3f-55c7a86f0001")
		})

		tx, err := store.BeginTx(context.Background())
		if err != nil {
			t.Fatalf("failed to begin tx: %v", err)
		}
		defer tx.Rollback()

		if err := tx.CreateEmailToken(&tok); err != nil {
			t.Fatalf("failed to create email token: %v", err)
		}

		err = tx.CreateEmailToken(&dup)
		if !errors.Is(err, errorz.ErrConstraintViolated) {
			t.Fatalf("expected error to be %v got %v (via errors.Is)", errorz.ErrConstraintViolated, err)
		}
	})

	t.Run("fail, zero uuid", func(t *testing.T) {
		store := storeForTest(t)

		tok := testToken(t, func(tok *auth.EmailToken) {
			tok.ID = uuid.Nil
		})

		tx, err := store.BeginTx(context.Background())
		if err != nil {
			t.Fatalf("failed to begin tx: %v", err)
		}
		defer tx.Rollback()

		err = tx.CreateEmailToken(&tok)
		if !errors.Is(err, errorz.ErrConstraintViolated) {
			t.Fatalf("expected error to be %v got %v (via errors.Is)", errorz.ErrConstraintViolated, err)
		}
	})
}

func Test_Tx_ConsumeEmailTokens(t *testing.T) {
	t.Run("ok, consumes live tokens once", func(t *testing.T) {
		store := storeForTest(t)

		tok := testToken(t, nil)

		inTestTx(t, store, func(tx auth.Tx) {
			if err := tx.CreateEmailToken(&tok); err != nil {
				t.Fatalf("failed to create email token: %v", err)
			}

			n, err := tx.ConsumeEmailTokens(&auth.EmailTokenFilter{
				IDs: []uuid.UUID{tok.ID},
			}, now(t, 2))
			if err != nil {
				t.Fatalf("failed to consume email tokens: %v", err)
			}
			if n != 1 {
				t.Fatalf("got %d consumed, want 1", n)
			}

			// A second consume is a no-op, consumed tokens stay consumed.
			n, err = tx.ConsumeEmailTokens(&auth.EmailTokenFilter{
				IDs: []uuid.UUID{tok.ID},
			}, now(t, 3))
			if err != nil {
				t.Fatalf("failed to consume email tokens: %v", err)
			}
			if n != 0 {
				t.Fatalf("got %d consumed, want 0", n)
			}

			got, err := tx.FindEmailTokens(&auth.EmailTokenFilter{
				IDs: []uuid.UUID{tok.ID},
			})
			if err != nil {
				t.Fatalf("failed to find email tokens: %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("got %d tokens, want 1", len(got))
			}
			if got[0].ConsumedAt == nil || !got[0].ConsumedAt.Equal(now(t, 2)) {
				t.Errorf("got consumed at %v, want %v", got[0].ConsumedAt, now(t, 2))
			}
		})
	})

	t.Run("ok, consume by email and purpose leaves others alone", func(t *testing.T) {
		store := storeForTest(t)

		verify := testToken(t, nil)
		reset := testToken(t, func(tok *auth.EmailToken) {
			tok.ID = uuid.MustParse("a1b9a1ab-19a6-4b5e-8a3f-55c7a86f0003")
			tok.TokenDigest = "digest-2"
			tok.Purpose = auth.TokenPurposePasswordReset
		})

		inTestTx(t, store, func(tx auth.Tx) {
			for _, tok := range []*auth.EmailToken{&verify, &reset} {
				if err := tx.CreateEmailToken(tok); err != nil {
					t.Fatalf("failed to create email token: %v", err)
				}
			}

			n, err := tx.ConsumeEmailTokens(&auth.EmailTokenFilter{
				Emails:   []email.Address{verify.Email},
				Purposes: []auth.TokenPurpose{auth.TokenPurposeVerification},
			}, now(t, 2))
			if err != nil {
				t.Fatalf("failed to consume email tokens: %v", err)
			}
			if n != 1 {
				t.Fatalf("got %d consumed, want 1", n)
			}

			got, err := tx.FindEmailTokens(&auth.EmailTokenFilter{
				IsConsumed: ptr(false),
			})
			if err != nil {
				t.Fatalf("failed to find email tokens: %v", err)
			}
			if len(got) != 1 || got[0].ID != reset.ID {
				t.Errorf("expected only the password reset token to stay live, got %#v", got)
			}
		})
	})
}

func Test_Tx_DeleteEmailTokens(t *testing.T) {
	t.Run("ok, delete by expiry cutoff", func(t *testing.T) {
		store := storeForTest(t)

		old := testToken(t, func(tok *auth.EmailToken) {
			tok.ExpiresAt = now(t, 1)
		})
		fresh := testToken(t, func(tok *auth.EmailToken) {
			tok.ID = uuid.MustParse("a1b9a1ab-19a6-4b5e-8a3f-55c7a86f0004")
			tok.TokenDigest = "digest-2"
			tok.ExpiresAt = now(t, 5)
		})

		inTestTx(t, store, func(tx auth.Tx) {
			for _, tok := range []*auth.EmailToken{&old, &fresh} {
				if err := tx.CreateEmailToken(tok); err != nil {
					t.Fatalf("failed to create email token: %v", err)
				}
			}

			n, err := tx.DeleteEmailTokens(&auth.EmailTokenFilter{
				ExpiresBefore: ptr(now(t, 3)),
			})
			if err != nil {
				t.Fatalf("failed to delete email tokens: %v", err)
			}
			if n != 1 {
				t.Fatalf("got %d deleted, want 1", n)
			}

			got, err := tx.FindEmailTokens(&auth.EmailTokenFilter{})
			if err != nil {
				t.Fatalf("failed to find email tokens: %v", err)
			}
			if len(got) != 1 || got[0].ID != fresh.ID {
				t.Errorf("expected only the fresh token to remain, got %#v", got)
			}
		})
	})
}

func Test_Tx_CreateEmailLog(t *testing.T) {
	t.Run("ok, append entries", func(t *testing.T) {
		store := storeForTest(t)

		entry := auth.EmailLog{
			ID:        uuid.MustParse("e59f7a10-34aa-4c7a-9e1a-b4f29d9a0001"),
			Email:     "alice@example.com",
			EmailType: auth.TokenPurposeMagicLink,
			Status:    auth.EmailStatusSent,
			Provider:  "postmark",
			MessageID: "msg-1",
			CreatedAt: now(t, 0),
		}

		inTestTx(t, store, func(tx auth.Tx) {
			if err := tx.CreateEmailLog(&entry); err != nil {
				t.Fatalf("failed to create email log: %v", err)
			}
		})
	})

	t.Run("fail, zero uuid", func(t *testing.T) {
		store := storeForTest(t)

		entry := auth.EmailLog{
			Email:     "alice@example.com",
			EmailType: auth.TokenPurposeMagicLink,
			Status:    auth.EmailStatusFailed,
			CreatedAt: now(t, 0),
		}

		tx, err := store.BeginTx(context.Background())
		if err != nil {
			t.Fatalf("failed to begin tx: %v", err)
		}
		defer tx.Rollback()

		err = tx.CreateEmailLog(&entry)
		if !errors.Is(err, errorz.ErrConstraintViolated) {
			t.Fatalf("expected error to be %v got %v (via errors.Is)", errorz.ErrConstraintViolated, err)
		}
	})
}

func ptr[T any](v T) *T {
	return &v
}
