package mailgun

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/tokenmail/tokenmail/internal/email"
	"github.com/tokenmail/tokenmail/internal/krypto"
)

// Settings contains the settings for the Mailgun API.
type Settings struct {
	APIHost  string
	Domain   string
	Username string
	Password krypto.Secret
}

// Sender is an email sender that sends emails using the Mailgun API.
type Sender struct {
	client   *http.Client
	settings Settings
}

// NewSender creates a new sender.
func NewSender(client *http.Client, s Settings) *Sender {
	return &Sender{
		client:   client,
		settings: s,
	}
}

func (s *Sender) Name() string {
	return "mailgun"
}

type response struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Send sends an email using the Mailgun API.
func (s *Sender) Send(ctx context.Context, from, recipient email.Address, subject, body string) (string, error) {
	// Below we send a POST request to the Mailgun API to send an email. We don't use the Go mailgun package,
	// because it brings in a lot of dependencies that we don't need. If we need more advanced features, we can
	// reconsider using it.

	// We first map the input fields to a multipart form.
	data := map[string]io.Reader{
		"from":    strings.NewReader(string(from)),
		"to":      strings.NewReader(string(recipient)),
		"subject": strings.NewReader(subject),
		"text":    strings.NewReader(body),
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for field, v := range data {
		ff, err := w.CreateFormField(field)
		if err != nil {
			return "", err
		}
		_, err = io.Copy(ff, v)
		if err != nil {
			return "", err
		}
	}

	err := w.Close()
	if err != nil {
		return "", err
	}

	// Then we construct the request.
	reqURL := fmt.Sprintf("https://%s/v3/%s/messages", s.settings.APIHost, s.settings.Domain)
	reqBody := bytes.NewReader(buf.Bytes())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", w.FormDataContentType())
	req.SetBasicAuth(s.settings.Username, string(s.settings.Password.SecretValue()))

	// And finally we send the request.
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}

	resBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("request did not succeed %d: %v", resp.StatusCode, string(resBody))
	}

	var res response
	if err := json.Unmarshal(resBody, &res); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	return res.ID, nil
}
