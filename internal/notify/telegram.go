package notify

import (
	"context"
	"fmt"
	"html"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"calendar-assistant/internal/store"
)

// Sender is the slice of the Telegram client the sink needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSink delivers reminders as Telegram messages, rendered in the
// recipient's timezone.
type TelegramSink struct {
	api        Sender
	users      *store.UserRepository
	defaultLoc *time.Location
}

var _ Sink = (*TelegramSink)(nil)

func NewTelegramSink(api Sender, users *store.UserRepository, defaultLoc *time.Location) *TelegramSink {
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	return &TelegramSink{api: api, users: users, defaultLoc: defaultLoc}
}

// Deliver sends one reminder, bounded by ctx. The Telegram client is not
// context-aware, so the send runs in its own goroutine and a deadline
// expiry fails the delivery for this tick; the call itself may finish
// later, at worst redelivering into the idempotent ledger path.
func (s *TelegramSink) Deliver(ctx context.Context, d Delivery) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	loc := s.defaultLoc
	if s.users != nil {
		if user, err := s.users.FindByTelegramID(ctx, d.RecipientID); err == nil {
			loc = user.Location(loc)
		}
	}

	msg := tgbotapi.NewMessage(d.RecipientID, renderReminder(d, loc))
	msg.ParseMode = tgbotapi.ModeHTML

	sent := make(chan error, 1)
	go func() {
		_, err := s.api.Send(msg)
		sent <- err
	}()

	select {
	case err := <-sent:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, ctx.Err())
	}
}

func renderReminder(d Delivery, loc *time.Location) string {
	start := d.StartUTC.In(loc)
	text := fmt.Sprintf("🔔 <b>%s</b>\n🕘 %s", html.EscapeString(d.Title), start.Format("02.01.2006 15:04"))
	if d.Place != "" {
		text += fmt.Sprintf("\n📍 %s", html.EscapeString(d.Place))
	}
	text += fmt.Sprintf("\n⏳ starts in %s", formatOffset(d.Offset))
	return text
}

func formatOffset(offset time.Duration) string {
	if offset < time.Hour {
		return fmt.Sprintf("%d min", int(offset.Minutes()))
	}
	return offset.Truncate(time.Minute).String()
}
