package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// TemplateElement is used by a renderer to identify the different parts of an email template.
type TemplateElement string

const (
	ElementSubject TemplateElement = "subject"
	ElementBody    TemplateElement = "body"
)

// DefaultSendTimeout bounds a single delivery attempt, not the whole
// provider chain.
const DefaultSendTimeout = 10 * time.Second

// ErrAllSendersFailed indicates no sender in the chain managed to
// deliver the message.
var ErrAllSendersFailed = errors.New("all email senders failed")

// Renderer is responsible for rendering email templates.
type Renderer interface {
	Render(ctx context.Context, name string, element TemplateElement, data any) (string, error)
}

// Sender is responsible for actually sending an email.
type Sender interface {
	// Name identifies the provider in audit logs, for example "postmark".
	Name() string
	// Send delivers the email and returns the provider assigned message ID.
	Send(ctx context.Context, from, recipient Address, subject, body string) (string, error)
}

// MessageData is the data available to email templates.
type MessageData struct {
	SiteName  string
	Recipient Address
	Link      string
	// NewEmail is only set for email change confirmations.
	NewEmail Address
}

// Attempt records a single delivery attempt against one provider.
type Attempt struct {
	Provider  string
	MessageID string
	Err       error
}

// SendResult describes how a message made its way out, or failed to.
type SendResult struct {
	// Attempts are in chain order. On success the last attempt is the
	// one that delivered.
	Attempts []Attempt
}

// Delivered returns the successful attempt, if any.
func (r SendResult) Delivered() (Attempt, bool) {
	if len(r.Attempts) == 0 {
		return Attempt{}, false
	}

	last := r.Attempts[len(r.Attempts)-1]
	if last.Err != nil {
		return Attempt{}, false
	}

	return last, true
}

// Service sends rendered emails via a chain of senders. The first
// sender is the primary provider, the rest are fallbacks tried in
// order when the previous one fails.
type Service struct {
	renderer Renderer
	senders  []Sender
	from     Address
	logger   *slog.Logger
	timeout  time.Duration
}

// ServiceOpt modifies a Service.
type ServiceOpt func(*Service)

// WithSendTimeout overrides the per-attempt timeout.
func WithSendTimeout(d time.Duration) ServiceOpt {
	return func(s *Service) {
		s.timeout = d
	}
}

func NewService(renderer Renderer, senders []Sender, from Address, logger *slog.Logger, opts ...ServiceOpt) (*Service, error) {
	if len(senders) == 0 {
		return nil, errors.New("need at least one sender")
	}

	s := &Service{
		renderer: renderer,
		senders:  senders,
		from:     from,
		logger:   logger,
		timeout:  DefaultSendTimeout,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// SendMessage renders the named template and walks the sender chain
// until one delivers. The returned SendResult always describes every
// attempt, also when SendMessage returns an error.
func (s *Service) SendMessage(ctx context.Context, name string, recipient Address, data MessageData) (SendResult, error) {
	subject, err := s.renderer.Render(ctx, name, ElementSubject, data)
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to render subject: %w", err)
	}

	body, err := s.renderer.Render(ctx, name, ElementBody, data)
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to render body: %w", err)
	}

	var result SendResult
	for _, sender := range s.senders {
		msgID, err := s.sendOne(ctx, sender, recipient, subject, body)

		result.Attempts = append(result.Attempts, Attempt{
			Provider:  sender.Name(),
			MessageID: msgID,
			Err:       err,
		})

		if err == nil {
			return result, nil
		}

		s.logger.Warn("email sender failed",
			"provider", sender.Name(),
			"template", name,
			"error", err,
		)
	}

	return result, ErrAllSendersFailed
}

func (s *Service) sendOne(ctx context.Context, sender Sender, recipient Address, subject, body string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return sender.Send(ctx, s.from, recipient, subject, body)
}
