package db

import (
	"database/sql"
	"time"

	"github.com/tokenmail/tokenmail/internal/auth"
)

type Tx struct {
	tx    *sql.Tx
	store *Store
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// CreateEmailToken creates an email token in the database.
// It returns errorz.ErrConstraintViolated when a token with the same
// digest already exists.
func (t *Tx) CreateEmailToken(tok *auth.EmailToken) error {
	return insertEmailToken(t.store.newQuery(), t.tx.Exec, tok)
}

// ConsumeEmailTokens marks all unconsumed tokens matching the filter as
// consumed at the given time. It returns how many tokens were consumed.
func (t *Tx) ConsumeEmailTokens(filter *auth.EmailTokenFilter, now time.Time) (int, error) {
	return consumeEmailTokens(t.store.newQuery(), t.tx.Exec, filter, now)
}

// FindEmailTokens queries for email tokens based on the provided filter.
// It returns an empty slice if no tokens are found.
func (t *Tx) FindEmailTokens(filter *auth.EmailTokenFilter) ([]auth.EmailToken, error) {
	return selectEmailTokens(t.store.newQuery(), t.tx.Query, filter)
}

// DeleteEmailTokens removes all tokens matching the filter and returns
// how many were removed.
func (t *Tx) DeleteEmailTokens(filter *auth.EmailTokenFilter) (int, error) {
	return deleteEmailTokens(t.store.newQuery(), t.tx.Exec, filter)
}

// CreateEmailLog appends an entry to the email audit log.
func (t *Tx) CreateEmailLog(l *auth.EmailLog) error {
	return insertEmailLog(t.store.newQuery(), t.tx.Exec, l)
}
