// Package telegram receives and sends chat messages through a Telegram bot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// botAPI is the subset of *tgbotapi.BotAPI used here.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Inbound is a user message received by the bot.
type Inbound struct {
	ID     string
	ChatID string
	From   string
	Text   string
}

// InboundFunc handles one received message.
type InboundFunc func(ctx context.Context, in Inbound) error

type Bot struct {
	api    botAPI
	logger *zap.Logger
}

// New connects to the Bot API with token.
func New(token string, logger *zap.Logger) (*Bot, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram: token must not be empty")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: failed to create bot: %w", err)
	}
	return newBot(api, logger), nil
}

func newBot(api botAPI, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{api: api, logger: logger}
}

// Send posts text to the chat identified by chatKey and returns the
// Telegram message id.
func (b *Bot) Send(_ context.Context, chatKey, text string) (string, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(chatKey), 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram: invalid chat id %q: %w", chatKey, err)
	}
	sent, err := b.api.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return "", fmt.Errorf("telegram: send message: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// Poll long-polls for updates until ctx is cancelled, handing each text
// message to handle. Handler errors are logged; polling continues.
func (b *Bot) Poll(ctx context.Context, handle InboundFunc) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			in, ok := toInbound(update)
			if !ok {
				continue
			}
			if err := handle(ctx, in); err != nil {
				b.logger.Error("Failed to handle telegram message",
					zap.Error(err),
					zap.String("message_id", in.ID),
					zap.String("chat_id", in.ChatID))
			}
		}
	}
}

func toInbound(update tgbotapi.Update) (Inbound, bool) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return Inbound{}, false
	}
	text := msg.Text
	if msg.Caption != "" {
		text = msg.Caption
	}
	if msg.IsCommand() {
		switch msg.Command() {
		case "start", "help":
			// bot commands map onto dialogue keywords
			text = map[string]string{"start": "hola", "help": "ayuda"}[msg.Command()]
		default:
			text = msg.CommandArguments()
		}
	}
	if strings.TrimSpace(text) == "" {
		return Inbound{}, false
	}
	in := Inbound{
		ID:     fmt.Sprintf("tg:%d:%d", msg.Chat.ID, msg.MessageID),
		ChatID: strconv.FormatInt(msg.Chat.ID, 10),
		Text:   text,
	}
	if msg.From != nil {
		in.From = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	}
	return in, true
}
