// Package smtp sends email by submitting it directly over SMTP. Unlike
// the API based senders it needs no provider account, which makes it
// the fallback of choice when the primary provider is down. Messages
// are DKIM signed when a signing key is configured, unsigned mail is
// likely to land in spam folders but will still be delivered.
package smtp

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"mime/quotedprintable"
	"net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/google/uuid"

	"github.com/tokenmail/tokenmail/internal/email"
	"github.com/tokenmail/tokenmail/internal/krypto"
)

// Settings contains the settings for the SMTP sender.
type Settings struct {
	// Addr is the host:port of the submission server.
	Addr string
	// Username and Password are optional, when empty the sender submits
	// without authentication.
	Username string
	Password krypto.Secret
	// DKIMDomain, DKIMSelector and DKIMKeyPEM configure message signing.
	// All three must be set to sign, or all three empty to skip signing.
	DKIMDomain   string
	DKIMSelector string
	DKIMKeyPEM   krypto.Secret
}

// Sender is an email sender that submits messages over SMTP.
type Sender struct {
	settings Settings
	signer   crypto.Signer

	// NowFunc is used to get the current time.
	// Exposed for testing purposes.
	NowFunc func() time.Time
}

// NewSender creates a new sender. It fails when the DKIM settings are
// partially configured or the key does not parse.
func NewSender(s Settings) (*Sender, error) {
	sender := &Sender{
		settings: s,
		NowFunc:  time.Now,
	}

	dkimSet := 0
	for _, set := range []bool{s.DKIMDomain != "", s.DKIMSelector != "", s.DKIMKeyPEM.IsSet()} {
		if set {
			dkimSet++
		}
	}

	switch dkimSet {
	case 0:
		// Signing disabled.
	case 3:
		signer, err := parseSigner(s.DKIMKeyPEM.SecretValue())
		if err != nil {
			return nil, fmt.Errorf("failed to parse DKIM key: %w", err)
		}
		sender.signer = signer
	default:
		return nil, errors.New("DKIM domain, selector and key must be configured together")
	}

	return sender, nil
}

func (s *Sender) Name() string {
	return "smtp"
}

// Send submits an email over SMTP.
func (s *Sender) Send(ctx context.Context, from, recipient email.Address, subject, body string) (string, error) {
	msgID := fmt.Sprintf("<%s@%s>", uuid.New(), domainOf(from))

	msg, err := s.buildMessage(from, recipient, subject, body, msgID)
	if err != nil {
		return "", err
	}

	var auth smtp.Auth
	if s.settings.Username != "" {
		host, _, ok := strings.Cut(s.settings.Addr, ":")
		if !ok {
			host = s.settings.Addr
		}
		auth = smtp.PlainAuth("", s.settings.Username, string(s.settings.Password.SecretValue()), host)
	}

	// net/smtp has no context support, run the submission in a
	// goroutine so a cancelled context doesn't keep the caller waiting.
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(s.settings.Addr, auth, string(from), []string{string(recipient)}, msg)
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("failed to submit message: %w", err)
		}
	}

	return msgID, nil
}

func (s *Sender) buildMessage(from, recipient email.Address, subject, body, msgID string) ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", recipient)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", s.NowFunc().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-Id: %s\r\n", msgID)
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(body)); err != nil {
		return nil, err
	}
	if err := qp.Close(); err != nil {
		return nil, err
	}

	if s.signer == nil {
		return buf.Bytes(), nil
	}

	opts := &dkim.SignOptions{
		Domain:   s.settings.DKIMDomain,
		Selector: s.settings.DKIMSelector,
		Signer:   s.signer,
		HeaderKeys: []string{
			"From", "To", "Subject", "Date", "Message-Id",
		},
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, &buf, opts); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}

	return signed.Bytes(), nil
}

func parseSigner(pemData []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}

		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("key type %T cannot sign", key)
		}

		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

func domainOf(a email.Address) string {
	_, domain, ok := strings.Cut(string(a), "@")
	if !ok {
		return "localhost"
	}

	return domain
}
