package krypto

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
)

const (
	otpDigits = 6
	otpSpace  = 1000000
)

// OTP is a one-time numeric passcode, an alternative token encoding
// meant for manual entry. Like a Token it is confidential.
type OTP string

// GenerateOTP returns a 6-digit zero-padded code drawn uniformly from
// the CSPRNG. Uniformity matters: a biased code would make some values
// cheaper to guess.
func GenerateOTP() (OTP, error) {
	// Rejection sampling: discard values in the incomplete final
	// bucket of the uint32 range so that the modulo is unbiased.
	const limit = (1 << 32) - ((1 << 32) % otpSpace)

	var buf [4]byte
	for {
		_, err := rand.Read(buf[:])
		if err != nil {
			return "", err
		}

		v := binary.BigEndian.Uint32(buf[:])
		if uint64(v) < uint64(limit) {
			return OTP(fmt.Sprintf("%0*d", otpDigits, v%otpSpace)), nil
		}
	}
}

func (o OTP) Format(f fmt.State, verb rune) {
	f.Write([]byte(SecretMarker))
}

// LogValue implements the slog.Valuer interface.
func (o OTP) LogValue() slog.Value {
	return slog.StringValue(SecretMarker)
}
