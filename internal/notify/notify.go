// Package notify sends merge requests to a human and blocks until they
// acknowledge.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// Channel is a two-way notification channel. WaitForReply has no timeout;
// the operator decides when to answer.
type Channel interface {
	Name() string
	Send(ctx context.Context, text string) error
	WaitForReply(ctx context.Context) (string, error)
	Close() error
}

// Kind selects a Channel implementation
type Kind string

const (
	KindTerminal Kind = "terminal"
	KindTelegram Kind = "telegram"
	KindFile     Kind = "file"
)

// IsValid checks if the channel kind value is valid
func (k Kind) IsValid() bool {
	switch k {
	case KindTerminal, KindTelegram, KindFile:
		return true
	}
	return false
}

// Config selects and configures the notification channel
type Config struct {
	Kind Kind

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// File: the notice is written to AckFile+".txt"; creating AckFile
	// acknowledges it
	AckFile string
}

// New builds the configured channel
func New(cfg Config, logger *slog.Logger) (Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Kind {
	case KindTerminal, "":
		return NewTerminal(os.Stdin, os.Stdout), nil
	case KindTelegram:
		return NewTelegram(cfg.TelegramToken, cfg.TelegramChatID, logger)
	case KindFile:
		if cfg.AckFile == "" {
			return nil, fmt.Errorf("ack file path is required for the file channel")
		}
		return NewAckFile(cfg.AckFile, logger), nil
	default:
		return nil, fmt.Errorf("unknown notification channel: %s", cfg.Kind)
	}
}
