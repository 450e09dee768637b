// Package transport holds the messaging types shared by the notifier and
// its chat adapters.
package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Notification is one operator message.
type Notification struct {
	Channel string // "telegram"
	Level   string // activity type: info, success, warning, error
	Target  ChatTarget
	Text    string
	Options *SendOptions
}

// Sender delivers text to a chat. Long text may be split into several
// messages; the returned ref is the first one.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
