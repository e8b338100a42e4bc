package mailbox

import (
	"fmt"

	"actindex/internal/collector"
	"actindex/internal/config"
)

// NewMailboxFromConfig creates a Mailbox implementation based on the mail config type.
func NewMailboxFromConfig(cfg config.MailConfig, logger collector.Logger) (collector.Mailbox, error) {
	switch cfg.Type {
	case "mbox", "":
		if cfg.MboxPath == "" {
			return nil, fmt.Errorf("mbox mailbox requires mbox_path to be set")
		}
		return NewMboxMailbox(cfg.MboxPath, logger), nil
	case "memory":
		return NewMemoryMailbox(), nil
	default:
		return nil, fmt.Errorf("unknown mailbox type: %s", cfg.Type)
	}
}
