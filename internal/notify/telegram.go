// Package notify pushes detected changes to a Telegram chat and answers a
// couple of read-only bot commands.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"pagewatch/internal/domain"
	"pagewatch/internal/storage"
)

// sender is the part of *tgbot.Bot the notifier uses.
type sender interface {
	SendMessage(ctx context.Context, params *tgbot.SendMessageParams) (*models.Message, error)
	SendPhoto(ctx context.Context, params *tgbot.SendPhotoParams) (*models.Message, error)
}

// TelegramNotifier sends change alerts to one chat.
type TelegramNotifier struct {
	bot    *tgbot.Bot
	send   sender
	chatID int64
	ledger storage.Ledger
	log    logrus.FieldLogger
	now    func() time.Time
}

// NewTelegramNotifier creates the bot and registers its command handlers.
// Alerts and command replies are limited to chatID.
func NewTelegramNotifier(token string, chatID int64, ledger storage.Ledger, logger logrus.FieldLogger) (*TelegramNotifier, error) {
	log := logger.WithField("component", "telegram")

	b, err := tgbot.New(token)
	if err != nil {
		log.WithError(err).Error("Failed to create Telegram bot instance")
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	n := &TelegramNotifier{
		bot:    b,
		send:   b,
		chatID: chatID,
		ledger: ledger,
		log:    log,
		now:    time.Now,
	}
	n.registerHandlers()

	log.WithField("chat_id", chatID).Info("Telegram notifier initialized")
	return n, nil
}

// registerHandlers sets up the command handlers.
func (n *TelegramNotifier) registerHandlers() {
	n.bot.RegisterHandler(tgbot.HandlerTypeMessageText, "/start", tgbot.MatchTypeExact, n.startHandler)
	n.bot.RegisterHandler(tgbot.HandlerTypeMessageText, "/targets", tgbot.MatchTypePrefix, n.targetsHandler)
}

// Start begins polling for updates from Telegram.
// This function blocks until the context is cancelled.
func (n *TelegramNotifier) Start(ctx context.Context) {
	n.log.Info("Starting Telegram bot polling...")
	n.bot.Start(ctx)
	n.log.Info("Telegram bot polling stopped.")
}

// NotifyChange sends the new capture with a caption naming the target.
// Without an image it falls back to a text message.
func (n *TelegramNotifier) NotifyChange(ctx context.Context, t domain.Target, d *domain.Difference) error {
	text := changeCaption(t, d)
	if len(d.After) == 0 {
		_, err := n.send.SendMessage(ctx, &tgbot.SendMessageParams{ChatID: n.chatID, Text: text})
		return err
	}
	_, err := n.send.SendPhoto(ctx, &tgbot.SendPhotoParams{
		ChatID:  n.chatID,
		Photo:   &models.InputFileUpload{Filename: fmt.Sprintf("change-%d.png", d.ChangeID2), Data: bytes.NewReader(d.After)},
		Caption: text,
	})
	if err != nil {
		return fmt.Errorf("send change photo: %w", err)
	}
	n.log.WithFields(logrus.Fields{"target_id": t.ID, "change_id": d.ChangeID2}).Debug("Change notification sent")
	return nil
}

func changeCaption(t domain.Target, d *domain.Difference) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Change detected: %s\n%s\n", t.Name, t.URL)
	if t.Selector != "" {
		fmt.Fprintf(&b, "Region: %s\n", t.Selector)
	}
	fmt.Fprintf(&b, "Similarity %.3f, %.1f%% of pixels changed", d.Score, d.ChangedFraction*100)
	return b.String()
}

// authorized reports whether the update comes from the configured chat.
func (n *TelegramNotifier) authorized(update *models.Update) bool {
	return update.Message != nil && update.Message.Chat.ID == n.chatID
}

// startHandler handles the /start command.
func (n *TelegramNotifier) startHandler(ctx context.Context, b *tgbot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	log := n.log.WithFields(logrus.Fields{
		"chat_id": update.Message.Chat.ID,
		"command": "/start",
	})
	log.Info("Received /start command")

	text := "This chat receives page change alerts. Use /targets to see what is being watched."
	if !n.authorized(update) {
		text = "This bot only reports to its configured chat."
	}
	if _, err := b.SendMessage(ctx, &tgbot.SendMessageParams{ChatID: update.Message.Chat.ID, Text: text}); err != nil {
		log.WithError(err).Error("Failed to send welcome message")
	}
}

// targetsHandler handles the /targets command.
func (n *TelegramNotifier) targetsHandler(ctx context.Context, b *tgbot.Bot, update *models.Update) {
	if !n.authorized(update) {
		return
	}
	log := n.log.WithField("command", "/targets")

	text := "Could not load targets."
	targets, err := n.ledger.ListTargets(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to list targets")
	} else {
		text = formatTargets(targets, n.now())
	}
	if _, err := b.SendMessage(ctx, &tgbot.SendMessageParams{ChatID: n.chatID, Text: text}); err != nil {
		log.WithError(err).Error("Failed to send target list")
	}
}

func formatTargets(targets []domain.Target, now time.Time) string {
	if len(targets) == 0 {
		return "No targets are being watched."
	}
	var b strings.Builder
	for i, t := range targets {
		checked := "never checked"
		if t.LastChecked != nil {
			checked = "checked " + now.Sub(*t.LastChecked).Truncate(time.Second).String() + " ago"
		}
		fmt.Fprintf(&b, "%d. %s (every %dm, %s)\n   %s\n", i+1, t.Name, t.IntervalMinutes, checked, t.URL)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
