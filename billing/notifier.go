package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/warp/rent-engine/generic"
	"go.uber.org/zap"
)

// NotificationKind distinguishes the messages sent to a tenant.
type NotificationKind string

const (
	NotifyBill         NotificationKind = "bill"
	NotifyRentReminder NotificationKind = "rent_reminder"
)

// Notification is one message to a tenant chat.
type Notification struct {
	ID          string
	Kind        NotificationKind
	ApartmentID string
	ChatID      string
	Month       generic.Month
	Amount      generic.Money
	Text        string
}

// Notifier delivers notifications. An error means nothing was delivered.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

func newNotification(kind NotificationKind, p Profile, m generic.Month, amount generic.Money) Notification {
	n := Notification{
		ID:          uuid.NewString(),
		Kind:        kind,
		ApartmentID: p.ApartmentID,
		ChatID:      p.ChatID,
		Month:       m,
		Amount:      amount.Round2(),
	}
	switch kind {
	case NotifyBill:
		n.Text = fmt.Sprintf("Utilities for %s: %s RUB", m, n.Amount)
	case NotifyRentReminder:
		n.Text = fmt.Sprintf("Rent for %s is overdue: %s RUB", m, n.Amount)
	}
	return n
}

// LogNotifier writes notifications to the log instead of a chat.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, msg Notification) error {
	n.logger.Info("notification",
		zap.String("notification_id", msg.ID),
		zap.String("kind", string(msg.Kind)),
		zap.String("apartment_id", msg.ApartmentID),
		zap.String("chat_id", msg.ChatID),
		zap.Stringer("month", msg.Month),
		zap.Stringer("amount", msg.Amount),
		zap.String("text", msg.Text),
	)
	return nil
}
