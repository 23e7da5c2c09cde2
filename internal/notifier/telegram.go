package notifier

import (
	"context"

	tele "gopkg.in/telebot.v4"
)

// Telegram sends alerts to a single chat. The bot is send-only: no poller is
// started.
type Telegram struct {
	bot  *tele.Bot
	chat tele.ChatID
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	// No Poller: we never receive updates.
	b, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chat: tele.ChatID(chatID)}, nil
}

func (t *Telegram) Send(ctx context.Context, text string) error {
	// telebot has no context plumbing on Send; honor ctx by bailing early.
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}
