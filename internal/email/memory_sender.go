package email

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemorySender is a Sender that keeps emails in memory, it's used in tests.
type MemorySender struct {
	mu     sync.Mutex
	Emails []MemoryEmail

	// FailFunc, when set, is consulted before recording. It allows tests
	// to make specific sends fail.
	FailFunc func(recipient Address) error
}

type MemoryEmail struct {
	From      Address
	Recipient Address
	Subject   string
	Body      string
	MessageID string
}

func NewMemorySender() *MemorySender {
	return &MemorySender{}
}

func (s *MemorySender) Name() string {
	return "memory"
}

func (s *MemorySender) Send(_ context.Context, from, recipient Address, subject, body string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailFunc != nil {
		if err := s.FailFunc(recipient); err != nil {
			return "", err
		}
	}

	msgID := uuid.New().String()
	s.Emails = append(s.Emails, MemoryEmail{
		From:      from,
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		MessageID: msgID,
	})

	return msgID, nil
}

// Last returns the most recently recorded email.
func (s *MemorySender) Last() (MemoryEmail, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.Emails) == 0 {
		return MemoryEmail{}, false
	}

	return s.Emails[len(s.Emails)-1], true
}
