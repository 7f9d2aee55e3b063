package resend

import (
	"context"
	"log/slog"

	"github.com/getmockd/lime/pkg/channel"
	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/logging"
)

// DeadMessageHandler is called once for every message that exhausted its
// resends.
type DeadMessageHandler interface {
	Handle(ctx context.Context, m *envelope.Message, info channel.Info) error
}

// DeadMessageHandlerFunc adapts a function to DeadMessageHandler.
type DeadMessageHandlerFunc func(ctx context.Context, m *envelope.Message, info channel.Info) error

// Handle implements DeadMessageHandler.
func (f DeadMessageHandlerFunc) Handle(ctx context.Context, m *envelope.Message, info channel.Info) error {
	return f(ctx, m, info)
}

// LoggingDeadMessageHandler logs dead messages at warn level.
type LoggingDeadMessageHandler struct {
	Logger *slog.Logger
}

// Handle implements DeadMessageHandler.
func (h LoggingDeadMessageHandler) Handle(_ context.Context, m *envelope.Message, info channel.Info) error {
	log := h.Logger
	if log == nil {
		log = logging.Nop()
	}
	count, _ := m.GetMetadata(ResendCountKey)
	log.Warn("message not acknowledged, giving up",
		logging.KeyEnvelopeID, m.ID,
		logging.KeySessionID, info.SessionID,
		logging.KeyRemoteNode, m.To.String(),
		"resends", count,
	)
	return nil
}

// NotificationSender is the part of a channel ForwardDeadMessageHandler
// needs.
type NotificationSender interface {
	SendNotification(ctx context.Context, n *envelope.Notification) error
}

// ForwardDeadMessageHandler tells the originator of a relayed message that
// it could not be delivered, with a failed notification sent through
// Sender. Messages without a From were sent by the local node and are
// ignored.
type ForwardDeadMessageHandler struct {
	Sender NotificationSender
}

// Handle implements DeadMessageHandler.
func (h ForwardDeadMessageHandler) Handle(ctx context.Context, m *envelope.Message, _ channel.Info) error {
	if m.From == nil {
		return nil
	}
	n := envelope.NewFailedNotification(m.ID, m.From.Clone(), &envelope.Reason{
		Code:        envelope.ReasonDispatchError,
		Description: "message was not acknowledged by " + m.To.String(),
	})
	return h.Sender.SendNotification(ctx, n)
}
