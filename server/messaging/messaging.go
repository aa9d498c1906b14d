package messaging

import (
	"context"
	"fmt"
	"sync"
)

const (
	ChannelSMS   = "sms"
	ChannelKakao = "kakao"
	ChannelEmail = "email"
)

type Message struct {
	Channel      string            `json:"channel"`
	Recipient    string            `json:"recipient"`
	Content      string            `json:"content"`
	Subject      string            `json:"subject,omitempty"`
	TemplateID   string            `json:"templateId,omitempty"`
	TemplateArgs map[string]string `json:"templateArgs,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type SendResult struct {
	Success           bool   `json:"success"`
	ProviderMessageID string `json:"providerMessageId,omitempty"`
	Error             string `json:"error,omitempty"`
}

// Sender delivers one message through a provider. A returned error means the
// provider could not be reached; a result with Success false means it
// rejected the message.
type Sender interface {
	Send(ctx context.Context, msg Message) (SendResult, error)
}

// NoopSender accepts every message without delivering it. Dry runs use it.
type NoopSender struct {
	mu   sync.Mutex
	sent []Message
}

func (s *NoopSender) Send(ctx context.Context, msg Message) (SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return SendResult{Success: true, ProviderMessageID: fmt.Sprintf("dry-run-%d", len(s.sent))}, nil
}

// Sent returns the messages accepted so far.
func (s *NoopSender) Sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.sent...)
}
