package db

import (
	"errors"
	"strings"

	"github.com/tokenmail/tokenmail/internal/krypto"
)

// Query helps build SQL queries using bind parameters.
// Use Unsafe to construct parts of a query and Param to add bind parameters.
// The final query and parameters can be retrieved using the Get method.
//
// The zero value is ready to use, but without an Encryptor and
// BlindIndexKey the encrypted parameter methods will error.
type Query struct {
	Encryptor     *krypto.Encryptor
	BlindIndexKey krypto.Key
	b             strings.Builder
	params        []any
	err           error
}

// Unsafe writes a non-parameterized part of a query.
func (q *Query) Unsafe(s string) {
	q.b.WriteString(s)
}

// Param writes a parameterized part of a query.
func (q *Query) Param(v any) {
	q.b.WriteString("?")
	q.params = append(q.params, v)
}

// ParamEncrypted writes a parameterized part of a query and encrypts the
// value before adding it to the query.
func (q *Query) ParamEncrypted(d []byte) {
	if q.Encryptor == nil {
		q.err = errors.Join(q.err, errors.New("no encryptor set"))
		return
	}

	enc, err := q.Encryptor.Encrypt(d)
	if err != nil {
		q.err = errors.Join(q.err, err)
		return
	}

	q.Param(enc)
}

// ParamBlindIndex writes a parameterized part of a query and adds a blind
// index of the value to the query.
// Important Note: The blind indexes will need to be rebuilt if the key or
// digest parameters change.
func (q *Query) ParamBlindIndex(d []byte) {
	digest, err := krypto.KeyedDigest(d, q.BlindIndexKey)
	if err != nil {
		q.err = errors.Join(q.err, err)
		return
	}

	q.Param(digest)
}

// Params writes multiple parameterized parts of a query seperated by commas.
func (q *Query) Params(v ...any) {
	for i, p := range v {
		if i > 0 {
			q.b.WriteString(", ")
		}
		q.b.WriteString("?")
		q.params = append(q.params, p)
	}
}

// Get returns the constructed query and parameter values.
func (q *Query) Get() (string, []any, error) {
	return q.b.String(), q.params, q.err
}

// DecryptionTarget returns a decryptable value that can be used to scan encrypted values.
func (q *Query) DecryptionTarget() *Decryptable {
	return &Decryptable{
		encryptor: q.Encryptor,
	}
}

type Decryptable struct {
	encryptor *krypto.Encryptor
	Data      []byte
}

func (d *Decryptable) Scan(src any) error {
	if src == nil {
		d.Data = nil
		return nil
	}

	b, ok := src.([]byte)
	if !ok {
		return errors.New("invalid type")
	}

	data, err := d.encryptor.Decrypt(b)
	if err != nil {
		return err
	}

	d.Data = data

	return nil
}
