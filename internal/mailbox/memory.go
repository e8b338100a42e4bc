// Package mailbox provides the mail sources the collector correlates saved
// attachments against.
package mailbox

import (
	"context"
	"sync"
	"time"

	"actindex/internal/collector"
)

// MemoryMailbox is an in-memory mailbox. Use in tests and for replayed
// investigations where messages are loaded up front.
type MemoryMailbox struct {
	mu       sync.Mutex
	messages []collector.MailMessage
	changes  chan struct{}
}

// NewMemoryMailbox creates an empty MemoryMailbox.
func NewMemoryMailbox() *MemoryMailbox {
	return &MemoryMailbox{changes: make(chan struct{}, 1)}
}

// Add stores msg and signals a change.
func (m *MemoryMailbox) Add(msg collector.MailMessage) {
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()

	select {
	case m.changes <- struct{}{}:
	default:
	}
}

// Fetch returns the messages received at or after since.
func (m *MemoryMailbox) Fetch(ctx context.Context, since time.Time) ([]collector.MailMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []collector.MailMessage
	for _, msg := range m.messages {
		if !msg.Received.Before(since) {
			out = append(out, msg)
		}
	}
	return out, nil
}

// Changes is signalled after every Add. Signals coalesce.
func (m *MemoryMailbox) Changes() <-chan struct{} {
	return m.changes
}
