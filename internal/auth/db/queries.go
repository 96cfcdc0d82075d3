package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tokenmail/tokenmail/internal/auth"
	"github.com/tokenmail/tokenmail/internal/db"
	"github.com/tokenmail/tokenmail/internal/email"
	"github.com/tokenmail/tokenmail/internal/errorz"
)

type execFunc func(query string, params ...any) (sql.Result, error)
type queryFunc func(query string, params ...any) (*sql.Rows, error)

func insertEmailToken(q db.Query, ef execFunc, tok *auth.EmailToken) error {
	if tok.ID == uuid.Nil {
		return fmt.Errorf("zero uuid provided: %w", errorz.ErrConstraintViolated)
	}

	q.Unsafe(`INSERT INTO email_tokens (id, user_id, email_encrypted, email_blind_index, token_digest, purpose, new_email_encrypted, expires_at, consumed_at, ip_address, user_agent, created_at) VALUES (`)
	q.Params(tok.ID, nullableUUID(tok.UserID))
	q.Unsafe(`, `)
	q.ParamEncrypted([]byte(tok.Email))
	q.Unsafe(`, `)
	q.ParamBlindIndex([]byte(tok.Email))
	q.Unsafe(`, `)
	q.Params(tok.TokenDigest, tok.Purpose)
	q.Unsafe(`, `)
	if tok.NewEmail != nil {
		q.ParamEncrypted([]byte(*tok.NewEmail))
	} else {
		q.Param(nil)
	}
	q.Unsafe(`, `)
	q.Params(tok.ExpiresAt, tok.ConsumedAt, tok.IPAddress, tok.UserAgent, tok.CreatedAt)
	q.Unsafe(`)`)

	s, params, err := q.Get()
	if err != nil {
		return err
	}

	_, err = ef(s, params...)
	if err != nil {
		return errorz.MapDBErr(err)
	}

	return nil
}

func consumeEmailTokens(q db.Query, ef execFunc, f *auth.EmailTokenFilter, now time.Time) (int, error) {
	q.Unsafe(`UPDATE email_tokens SET consumed_at = `)
	q.Param(now)
	q.Unsafe(` WHERE consumed_at IS NULL `)

	if err := applyEmailTokenFilter(&q, f); err != nil {
		return 0, err
	}

	s, params, err := q.Get()
	if err != nil {
		return 0, err
	}

	result, err := ef(s, params...)
	if err != nil {
		return 0, errorz.MapDBErr(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errorz.MapDBErr(err)
	}

	return int(rows), nil
}

func selectEmailTokens(q db.Query, qf queryFunc, f *auth.EmailTokenFilter) ([]auth.EmailToken, error) {
	q.Unsafe(`SELECT id, user_id, email_encrypted, token_digest, purpose, new_email_encrypted, expires_at, consumed_at, ip_address, user_agent, created_at FROM email_tokens WHERE 1=1 `)

	if err := applyEmailTokenFilter(&q, f); err != nil {
		return nil, err
	}

	q.Unsafe(` ORDER BY created_at ASC, id ASC`)

	s, params, err := q.Get()
	if err != nil {
		return nil, err
	}

	rows, err := qf(s, params...)
	if err != nil {
		return nil, errorz.MapDBErr(err)
	}

	defer rows.Close()

	out := make([]auth.EmailToken, 0)
	for rows.Next() {
		var (
			token    auth.EmailToken
			userID   uuid.NullUUID
			emailTgt = q.DecryptionTarget()
			newTgt   = q.DecryptionTarget()
		)

		err := rows.Scan(&token.ID, &userID, emailTgt, &token.TokenDigest, &token.Purpose, newTgt, &token.ExpiresAt, &token.ConsumedAt, &token.IPAddress, &token.UserAgent, &token.CreatedAt)
		if err != nil {
			return nil, errorz.MapDBErr(err)
		}

		if userID.Valid {
			token.UserID = &userID.UUID
		}

		token.Email, err = email.ParseAddress(string(emailTgt.Data))
		if err != nil {
			return nil, err
		}

		if newTgt.Data != nil {
			addr, err := email.ParseAddress(string(newTgt.Data))
			if err != nil {
				return nil, err
			}
			token.NewEmail = &addr
		}

		out = append(out, token)
	}

	if err := rows.Err(); err != nil {
		return nil, errorz.MapDBErr(err)
	}

	return out, nil
}

func deleteEmailTokens(q db.Query, ef execFunc, f *auth.EmailTokenFilter) (int, error) {
	q.Unsafe(`DELETE FROM email_tokens WHERE 1=1 `)

	if err := applyEmailTokenFilter(&q, f); err != nil {
		return 0, err
	}

	s, params, err := q.Get()
	if err != nil {
		return 0, err
	}

	result, err := ef(s, params...)
	if err != nil {
		return 0, errorz.MapDBErr(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errorz.MapDBErr(err)
	}

	return int(rows), nil
}

func applyEmailTokenFilter(q *db.Query, f *auth.EmailTokenFilter) error {
	if len(f.IDs) > 0 {
		q.Unsafe(`AND id IN (`)
		q.Params(anySlice(f.IDs)...)
		q.Unsafe(`) `)
	}

	if len(f.Emails) > 0 {
		q.Unsafe(`AND email_blind_index IN (`)
		for i, addr := range f.Emails {
			if i > 0 {
				q.Unsafe(`, `)
			}
			q.ParamBlindIndex([]byte(addr))
		}
		q.Unsafe(`) `)
	}

	if len(f.Purposes) > 0 {
		q.Unsafe(`AND purpose IN (`)
		q.Params(anySlice(f.Purposes)...)
		q.Unsafe(`) `)
	}

	if len(f.Digests) > 0 {
		q.Unsafe(`AND token_digest IN (`)
		q.Params(anySlice(f.Digests)...)
		q.Unsafe(`) `)
	}

	if f.IsConsumed != nil {
		q.Unsafe(`AND consumed_at IS `)
		if *f.IsConsumed {
			q.Unsafe(`NOT `)
		}
		q.Unsafe(`NULL `)
	}

	if f.ExpiresBefore != nil {
		q.Unsafe(`AND expires_at < `)
		q.Param(*f.ExpiresBefore)
		q.Unsafe(` `)
	}

	return nil
}

func insertEmailLog(q db.Query, ef execFunc, l *auth.EmailLog) error {
	if l.ID == uuid.Nil {
		return fmt.Errorf("zero uuid provided: %w", errorz.ErrConstraintViolated)
	}

	q.Unsafe(`INSERT INTO email_logs (id, email_encrypted, email_blind_index, email_type, status, provider, message_id, error_message, ip_address, created_at) VALUES (`)
	q.Param(l.ID)
	q.Unsafe(`, `)
	q.ParamEncrypted([]byte(l.Email))
	q.Unsafe(`, `)
	q.ParamBlindIndex([]byte(l.Email))
	q.Unsafe(`, `)
	q.Params(l.EmailType, l.Status, l.Provider, l.MessageID, l.ErrorMessage, l.IPAddress, l.CreatedAt)
	q.Unsafe(`)`)

	s, params, err := q.Get()
	if err != nil {
		return err
	}

	_, err = ef(s, params...)
	if err != nil {
		return errorz.MapDBErr(err)
	}

	return nil
}

func nullableUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func anySlice[T any](s []T) []any {
	out := make([]any, 0, len(s))
	for _, v := range s {
		out = append(out, v)
	}
	return out
}
