package chat

import (
	"context"
	"log/slog"

	"github.com/chaz8081/blechat/internal/ble/protocol"
)

// previewBytes bounds the text handed to a Notifier.
const previewBytes = 120

// Notifier delivers a user-visible notification. Implementations must not
// block for long; delivery is fire-and-forget.
type Notifier interface {
	NotifyUser(title, text string)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(title, text string)

// NotifyUser calls f(title, text).
func (f NotifierFunc) NotifyUser(title, text string) { f(title, text) }

// SlogNotifier logs notifications, for hosts without a notification service.
type SlogNotifier struct{}

// NotifyUser logs the notification at info level.
func (SlogNotifier) NotifyUser(title, text string) {
	slog.Info("[CHAT] new message", "from", title, "text", text)
}

// ForwardNotifications notifies n about every inbound message appended by
// router until ctx is cancelled. Locally authored messages are skipped.
func ForwardNotifications(ctx context.Context, router *Router, n Notifier) {
	msgs, cancel := router.Subscribe(32)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if msg.IsFromLocalUser {
				continue
			}
			title := msg.SenderAddress
			if d, ok := router.Registry().Device(msg.PeerAddress); ok {
				title = d.DisplayName()
			}
			n.NotifyUser(title, protocol.Truncate(msg.Text, previewBytes))
		}
	}
}
