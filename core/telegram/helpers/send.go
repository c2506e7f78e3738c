package helpers

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"anonbot/core/logger"
	"anonbot/core/telegram/sender"

	tele "gopkg.in/telebot.v4"
)

var globalDispatcher atomic.Pointer[sender.Dispatcher]

// SetDispatcher wires the asynchronous sender used by helper functions.
func SetDispatcher(d *sender.Dispatcher) {
	globalDispatcher.Store(d)
}

func currentDispatcher() *sender.Dispatcher {
	return globalDispatcher.Load()
}

func sendAsync(c tele.Context, action, endpoint string, run func() error) error {
	disp := currentDispatcher()
	if disp == nil {
		return run()
	}

	ctx := BuildContext(c)
	if err := disp.Enqueue(ctx, action, endpoint, run); err != nil {
		if errors.Is(err, sender.ErrQueueFull) || errors.Is(err, sender.ErrQueueClosed) {
			logger.Warn(ctx, "tg.sender", "queue.fallback",
				slog.String("action", action),
				slog.String("endpoint", endpoint),
				slog.String("err", err.Error()),
			)
			return run()
		}
		return err
	}
	return nil
}

// SendText sends raw text (no parse mode) to the current recipient.
func SendText(c tele.Context, text string, opts ...*tele.SendOptions) error {
	var sendOpts *tele.SendOptions
	if len(opts) > 0 {
		sendOpts = opts[0]
	}
	return sendAsync(c, "send.text", "sendMessage", func() error {
		if sendOpts != nil {
			return c.Send(text, sendOpts)
		}
		return c.Send(text)
	})
}

// SendTo delivers raw text to an arbitrary chat (not the update originator).
// No parse mode: the payload may be user content.
func SendTo(c tele.Context, bot *tele.Bot, chatID int64, text string, markup ...*tele.ReplyMarkup) error {
	var rm *tele.ReplyMarkup
	if len(markup) > 0 {
		rm = markup[0]
	}
	opts := &tele.SendOptions{ReplyMarkup: rm}
	return sendAsync(c, "send.to", "sendMessage", func() error {
		_, err := bot.Send(tele.ChatID(chatID), text, opts)
		return err
	})
}

// SendToTracked delivers raw text to another chat and runs onSent with the
// delivered message, inside the sender worker.
func SendToTracked(c tele.Context, bot *tele.Bot, chatID int64, text string, markup *tele.ReplyMarkup, onSent func(*tele.Message) error) error {
	opts := &tele.SendOptions{ReplyMarkup: markup}
	return sendAsync(c, "send.tracked", "sendMessage", func() error {
		sent, err := bot.Send(tele.ChatID(chatID), text, opts)
		if err != nil {
			return err
		}
		if onSent != nil {
			return onSent(sent)
		}
		return nil
	})
}

// CopyTo copies the message carried by the update to another chat without a
// forward header, keeping the author hidden. onSent runs after a successful
// copy with the delivered message, inside the sender worker.
func CopyTo(c tele.Context, bot *tele.Bot, chatID int64, markup *tele.ReplyMarkup, onSent func(*tele.Message) error) error {
	msg := c.Message()
	if msg == nil {
		return errors.New("helpers: update carries no message to copy")
	}
	var opts []interface{}
	if markup != nil {
		opts = append(opts, markup)
	}
	return sendAsync(c, "copy.message", "copyMessage", func() error {
		sent, err := bot.Copy(tele.ChatID(chatID), msg, opts...)
		if err != nil {
			return err
		}
		if onSent != nil {
			return onSent(sent)
		}
		return nil
	})
}
