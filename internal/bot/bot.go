package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"calendar-assistant/internal/config"
	"calendar-assistant/internal/ics"
	"calendar-assistant/internal/intent"
	"calendar-assistant/internal/model"
	"calendar-assistant/internal/service"
	"calendar-assistant/internal/store"
)

const (
	cbConfirmPrefix = "confirm:"
	cbCancelPrefix  = "cancel:"
	cbDeletePrefix  = "delete:"
)

// pendingEvent is a template awaiting the user's confirmation tap.
type pendingEvent struct {
	token    string
	template model.EventTemplate
}

// Bot is the Telegram front end: free text in, extracted events out. All
// natural-language understanding is delegated to the intent extractor.
type Bot struct {
	api       *tgbotapi.BotAPI
	userRepo  *store.UserRepository
	extractor intent.Extractor
	events    *service.EventService
	config    *config.Config
	log       *logrus.Logger

	defaultLoc *time.Location

	pending map[int64]pendingEvent
	mu      sync.Mutex
}

func New(token string, userRepo *store.UserRepository, extractor intent.Extractor, events *service.EventService, cfg *config.Config, log *logrus.Logger) (*Bot, error) {
	// The client timeout leaves headroom over the 60s long poll while
	// guaranteeing no API call can hang a caller forever.
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{
		Timeout: 90 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	loc, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		return nil, fmt.Errorf("load default timezone: %w", err)
	}

	log.WithField("account", api.Self.UserName).Info("bot authorized")

	return &Bot{
		api:        api,
		userRepo:   userRepo,
		extractor:  extractor,
		events:     events,
		config:     cfg,
		log:        log,
		defaultLoc: loc,
		pending:    make(map[int64]pendingEvent),
	}, nil
}

// API exposes the underlying client so the notification sink can share it.
func (b *Bot) API() *tgbotapi.BotAPI {
	return b.api
}

// Start begins polling updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := b.api.GetUpdatesChan(updateConfig)

	b.log.Info("start polling updates")

	go func() {
		<-ctx.Done()
		b.api.StopReceivingUpdates()
	}()

	for update := range updates {
		switch {
		case update.CallbackQuery != nil:
			if err := b.handleCallback(ctx, update.CallbackQuery); err != nil {
				b.log.WithError(err).Warn("handle callback")
			}
		case update.Message != nil:
			if update.Message.Chat == nil || !update.Message.Chat.IsPrivate() {
				continue
			}
			if err := b.handleMessage(ctx, update.Message); err != nil {
				b.log.WithError(err).Warn("handle message")
			}
		}
	}

	return ctx.Err()
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.From == nil {
		return nil
	}

	if msg.IsCommand() {
		b.log.WithFields(logrus.Fields{"user": msg.From.ID, "command": msg.Command()}).Info("command")
		return b.handleCommand(ctx, msg)
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return b.sendText(msg.Chat.ID, "Send me a message like “dentist tomorrow at 3pm” and I will put it on your calendar.")
	}

	return b.captureEvent(ctx, msg, text)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) error {
	switch msg.Command() {
	case "start":
		return b.handleStart(ctx, msg)
	case "help":
		return b.handleHelp(msg)
	case "list":
		return b.handleList(ctx, msg)
	case "delete":
		return b.handleDelete(ctx, msg)
	case "export":
		return b.handleExport(ctx, msg)
	case "timezone":
		return b.handleTimezone(ctx, msg)
	case "cancel":
		b.clearPending(msg.From.ID)
		return b.sendText(msg.Chat.ID, "⏪ Cancelled.")
	default:
		return b.sendText(msg.Chat.ID, "Unknown command, see /help.")
	}
}

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) error {
	if _, err := b.ensureUser(ctx, msg.From); err != nil {
		return err
	}

	name := strings.TrimSpace(msg.From.FirstName)
	if name == "" {
		name = "there"
	}

	text := fmt.Sprintf(
		"👋 Hi %s!\n<b>I am your calendar assistant.</b> Describe an event in plain words — "+
			"“standup every Monday and Wednesday at 9am” — and I will schedule it and remind you.\n\n"+
			"Commands:\n"+
			"• /list — upcoming events\n"+
			"• /delete &lt;id&gt; — remove an event\n"+
			"• /export — download your calendar as .ics\n"+
			"• /timezone &lt;IANA name&gt; — set your timezone\n"+
			"• /cancel — discard the pending event",
		escape(name),
	)

	return b.sendText(msg.Chat.ID, text)
}

func (b *Bot) handleHelp(msg *tgbotapi.Message) error {
	text := "ℹ️ <b>How it works</b>\n" +
		"Write the event as you would say it; recurring patterns like “every other Friday until March” are fine.\n" +
		"I ask for confirmation before saving, and remind you 30 minutes before each occurrence.\n\n" +
		"• /list — upcoming events with ids\n" +
		"• /delete &lt;id&gt; — remove one occurrence\n" +
		"• /export — calendar as iCalendar text\n" +
		"• /timezone Europe/Moscow — times are understood and shown in your zone"
	return b.sendText(msg.Chat.ID, text)
}

// captureEvent runs the text through the extractor and asks the user to
// confirm the resulting template before anything is persisted.
func (b *Bot) captureEvent(ctx context.Context, msg *tgbotapi.Message, text string) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}

	extraction, err := b.extractor.Extract(ctx, text)
	if err != nil {
		b.log.WithError(err).WithField("user", user.TelegramID).Warn("extraction failed")
		return b.sendText(msg.Chat.ID, "I could not reach the understanding service, please try again in a minute.")
	}

	tmpl, err := extraction.Template(b.config.ConfidenceThreshold)
	switch {
	case errors.Is(err, intent.ErrNeedsClarification):
		question := strings.TrimSpace(extraction.Question)
		if question == "" {
			question = "Could you rephrase that with an explicit date and time?"
		}
		return b.sendText(msg.Chat.ID, "🤔 "+escape(question))
	case err != nil:
		b.log.WithError(err).WithField("user", user.TelegramID).Warn("invalid extraction")
		return b.sendText(msg.Chat.ID, "That did not parse into an event, please try stating the date and time explicitly.")
	}

	token := fmt.Sprintf("%d", time.Now().UnixNano())
	b.setPending(msg.From.ID, pendingEvent{token: token, template: tmpl})

	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Save", cbConfirmPrefix+token),
			tgbotapi.NewInlineKeyboardButtonData("↩️ Cancel", cbCancelPrefix+token),
		),
	)
	return b.sendWithReplyMarkup(msg.Chat.ID, b.renderTemplate(tmpl, user), keyboard)
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) error {
	if cb == nil || cb.From == nil || cb.Message == nil {
		return nil
	}
	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		b.log.WithError(err).Warn("callback ack")
	}

	data := cb.Data
	switch {
	case strings.HasPrefix(data, cbConfirmPrefix):
		return b.confirmPending(ctx, cb, strings.TrimPrefix(data, cbConfirmPrefix))
	case strings.HasPrefix(data, cbCancelPrefix):
		b.clearPending(cb.From.ID)
		return b.sendText(cb.Message.Chat.ID, "↩️ Discarded.")
	case strings.HasPrefix(data, cbDeletePrefix):
		id := strings.TrimPrefix(data, cbDeletePrefix)
		return b.deleteOccurrence(ctx, cb.Message.Chat.ID, cb.From.ID, id)
	default:
		return nil
	}
}

func (b *Bot) confirmPending(ctx context.Context, cb *tgbotapi.CallbackQuery, token string) error {
	pending, ok := b.getPending(cb.From.ID)
	if !ok || pending.token != token {
		return b.sendText(cb.Message.Chat.ID, "Nothing pending to save, send me the event again.")
	}
	b.clearPending(cb.From.ID)

	instances, err := b.events.CreateFromTemplate(ctx, cb.From.ID, pending.template)
	if err != nil {
		b.log.WithError(err).WithField("user", cb.From.ID).Error("create event")
		return b.sendText(cb.Message.Chat.ID, "Saving failed, please try again.")
	}

	if len(instances) == 1 {
		return b.sendText(cb.Message.Chat.ID, "✅ Saved. I will remind you before it starts.")
	}
	return b.sendText(cb.Message.Chat.ID,
		fmt.Sprintf("✅ Saved %d occurrences. I will remind you before each one.", len(instances)))
}

func (b *Bot) handleList(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}

	instances, err := b.events.ListUpcoming(ctx, user.TelegramID)
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		return b.sendText(msg.Chat.ID, "📭 Nothing scheduled.")
	}

	loc := user.Location(b.defaultLoc)
	var builder strings.Builder
	builder.WriteString("📅 <b>Upcoming events</b>\n\n")
	for _, inst := range instances {
		builder.WriteString(fmt.Sprintf("• <b>%s</b> — %s",
			escape(inst.Title), inst.StartUTC.In(loc).Format("Mon 02.01 15:04")))
		if inst.Place != "" {
			builder.WriteString(fmt.Sprintf(" @ %s", escape(inst.Place)))
		}
		builder.WriteString(fmt.Sprintf("\n  <code>%s</code>\n", escape(shortID(inst.ID))))
	}
	builder.WriteString("\nDelete one with /delete &lt;id&gt;.")
	return b.sendText(msg.Chat.ID, builder.String())
}

func (b *Bot) handleDelete(ctx context.Context, msg *tgbotapi.Message) error {
	arg := strings.TrimSpace(msg.CommandArguments())
	if arg == "" {
		return b.sendText(msg.Chat.ID, "Usage: /delete <id> — ids are listed by /list.")
	}

	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}

	// Ids are shown truncated; resolve against upcoming instances.
	instances, err := b.events.ListUpcoming(ctx, user.TelegramID)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if inst.ID == arg || shortID(inst.ID) == arg {
			return b.deleteOccurrence(ctx, msg.Chat.ID, user.TelegramID, inst.ID)
		}
	}
	return b.sendText(msg.Chat.ID, "No upcoming event with that id.")
}

func (b *Bot) deleteOccurrence(ctx context.Context, chatID, ownerID int64, id string) error {
	if err := b.events.DeleteOccurrence(ctx, ownerID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return b.sendText(chatID, "That event is already gone.")
		}
		return err
	}
	return b.sendText(chatID, "🗑 Removed.")
}

func (b *Bot) handleExport(ctx context.Context, msg *tgbotapi.Message) error {
	user, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		return err
	}

	instances, err := b.events.ListUpcoming(ctx, user.TelegramID)
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		return b.sendText(msg.Chat.ID, "📭 Nothing to export.")
	}

	doc := tgbotapi.NewDocument(msg.Chat.ID, tgbotapi.FileBytes{
		Name:  "calendar.ics",
		Bytes: []byte(ics.ExportCalendar(instances)),
	})
	_, err = b.api.Send(doc)
	return err
}

func (b *Bot) handleTimezone(ctx context.Context, msg *tgbotapi.Message) error {
	arg := strings.TrimSpace(msg.CommandArguments())
	if arg == "" {
		return b.sendText(msg.Chat.ID, "Usage: /timezone Europe/Moscow")
	}
	if _, err := time.LoadLocation(arg); err != nil {
		return b.sendText(msg.Chat.ID, "I do not know that timezone; use an IANA name like Europe/Moscow.")
	}

	if _, err := b.ensureUser(ctx, msg.From); err != nil {
		return err
	}
	if err := b.userRepo.SetTimezone(ctx, msg.From.ID, arg); err != nil {
		return err
	}
	return b.sendText(msg.Chat.ID, fmt.Sprintf("🌍 Timezone set to %s.", escape(arg)))
}

func (b *Bot) renderTemplate(tmpl model.EventTemplate, user *model.User) string {
	loc := user.Location(b.defaultLoc)
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("🗓 <b>%s</b>\n🕘 %s", escape(tmpl.Title),
		tmpl.Start.In(loc).Format("Mon 02.01.2006 15:04")))
	if tmpl.Duration > 0 {
		builder.WriteString(fmt.Sprintf(" · %s", tmpl.Duration.Truncate(time.Minute)))
	}
	if tmpl.Place != "" {
		builder.WriteString(fmt.Sprintf("\n📍 %s", escape(tmpl.Place)))
	}
	if tmpl.Recurrence != nil {
		builder.WriteString(fmt.Sprintf("\n♻️ %s", describeRule(*tmpl.Recurrence)))
	}
	builder.WriteString("\n\nSave it?")
	return builder.String()
}

func describeRule(rule model.RecurrenceRule) string {
	var parts []string
	switch rule.Frequency {
	case model.FreqDaily:
		parts = append(parts, every(rule.Interval, "day"))
	case model.FreqWeekly:
		parts = append(parts, every(rule.Interval, "week"))
		if len(rule.Weekdays) > 0 {
			names := make([]string, len(rule.Weekdays))
			for i, wd := range rule.Weekdays {
				names[i] = wd.String()[:3]
			}
			parts = append(parts, "on "+strings.Join(names, ", "))
		}
	case model.FreqMonthly:
		parts = append(parts, every(rule.Interval, "month"))
	}
	if rule.Count > 0 {
		parts = append(parts, fmt.Sprintf("%d times", rule.Count))
	}
	if rule.Until != nil {
		parts = append(parts, "until "+rule.Until.Format("02.01.2006"))
	}
	return strings.Join(parts, ", ")
}

func every(interval int, unit string) string {
	if interval == 1 {
		return "every " + unit
	}
	return fmt.Sprintf("every %d %ss", interval, unit)
}

func (b *Bot) ensureUser(ctx context.Context, from *tgbotapi.User) (*model.User, error) {
	return b.userRepo.UpsertFromTelegram(ctx, from.ID, from.FirstName, from.LastName, from.UserName)
}

func (b *Bot) sendText(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) sendWithReplyMarkup(chatID int64, text string, markup interface{}) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = markup
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) setPending(userID int64, p pendingEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[userID] = p
}

func (b *Bot) getPending(userID int64) (pendingEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[userID]
	return p, ok
}

func (b *Bot) clearPending(userID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, userID)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func escape(s string) string {
	return html.EscapeString(s)
}
