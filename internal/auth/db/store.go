// Package db implements the auth store on top of SQLite. Email
// addresses are encrypted at rest and looked up via blind indexes, so
// a database leak exposes neither addresses nor usable tokens.
package db

import (
	"context"
	"database/sql"

	"github.com/tokenmail/tokenmail/internal/auth"
	"github.com/tokenmail/tokenmail/internal/db"
	"github.com/tokenmail/tokenmail/internal/krypto"
)

// Store is responsible for interacting with a database.
type Store struct {
	db            *sql.DB
	encryptor     *krypto.Encryptor
	blindIndexKey krypto.Key
}

// New creates a new Store.
func New(database *sql.DB, encryptor *krypto.Encryptor, blindIndexKey krypto.Key) *Store {
	return &Store{
		db:            database,
		encryptor:     encryptor,
		blindIndexKey: blindIndexKey,
	}
}

// BeginTx starts a new transaction.
func (s *Store) BeginTx(ctx context.Context) (auth.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{
		tx:    tx,
		store: s,
	}, nil
}

func (s *Store) newQuery() db.Query {
	return db.Query{
		Encryptor:     s.encryptor,
		BlindIndexKey: s.blindIndexKey,
	}
}
