package krypto

import "crypto/rand"

// genRandomBytes returns n bytes from the operating system CSPRNG.
// An error from the entropy source is fatal for the caller, it should
// never be ignored.
func genRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		return nil, err
	}
	return b, nil
}
