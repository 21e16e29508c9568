// Package telegram implements transport.Client on top of telebot.
//
// Telegram failure modes are folded into the transport error wrappers:
// flood waits become retry-after hints, unreachable or forbidden chats
// become permanent errors.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Client struct {
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{bot: b, log: log}, nil
}

// Bot exposes the underlying telebot instance for handler registration.
func (c *Client) Bot() *tele.Bot { return c.bot }

func (c *Client) Close() error {
	c.bot.Stop()
	return nil
}

func (c *Client) SendText(ctx context.Context, to kit.Target, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	msg, err := c.bot.Send(recipientFor(to), text, sendOptions(to, opt))
	if err != nil {
		return kit.MessageRef{}, classify(err)
	}
	return messageRef(to, msg), nil
}

func (c *Client) SendMedia(ctx context.Context, to kit.Target, p kit.Payload, opt *kit.SendOptions) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	what, err := mediaFor(p)
	if err != nil {
		return kit.MessageRef{}, err
	}
	msg, err := c.bot.Send(recipientFor(to), what, sendOptions(to, opt))
	if err != nil {
		return kit.MessageRef{}, classify(err)
	}
	return messageRef(to, msg), nil
}

func mediaFor(p kit.Payload) (any, error) {
	file := tele.FromDisk(p.MediaPath)
	switch p.MediaKind {
	case kit.MediaPhoto:
		return &tele.Photo{File: file, Caption: p.Text}, nil
	case kit.MediaVideo:
		return &tele.Video{File: file, Caption: p.Text}, nil
	case kit.MediaDocument:
		return &tele.Document{File: file, Caption: p.Text}, nil
	case kit.MediaAudio:
		return &tele.Audio{File: file, Caption: p.Text}, nil
	default:
		return nil, kit.Permanent(errors.New("unsupported media kind " + string(p.MediaKind)))
	}
}

func sendOptions(to kit.Target, opt *kit.SendOptions) *tele.SendOptions {
	out := &tele.SendOptions{ThreadID: to.ThreadID}
	if opt != nil {
		out.ParseMode = opt.ParseMode
		out.DisableWebPagePreview = opt.DisablePreview
	}
	return out
}

func messageRef(to kit.Target, msg *tele.Message) kit.MessageRef {
	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
	if msg.Chat != nil {
		ref.ChatID = msg.Chat.ID
	}
	return ref
}

// recipient satisfies tele.Recipient for both id and username addressing.
type recipient string

func (r recipient) Recipient() string { return string(r) }

func recipientFor(to kit.Target) tele.Recipient {
	if to.Username != "" {
		return recipient("@" + to.Username)
	}
	return recipient(strconv.FormatInt(to.ChatID, 10))
}

// classify maps telebot errors onto the transport wrappers.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return kit.RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	for _, perm := range permanentErrs {
		if errors.Is(err, perm) {
			return kit.Permanent(err)
		}
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range permanentNeedles {
		if strings.Contains(msg, needle) {
			return kit.Permanent(err)
		}
	}
	return err
}

var permanentErrs = []error{
	tele.ErrChatNotFound,
	tele.ErrUserIsDeactivated,
	tele.ErrBlockedByUser,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
	tele.ErrKickedFromChannel,
	tele.ErrNotStartedByUser,
	tele.ErrNoRightsToSend,
	tele.ErrNoRightsToSendPhoto,
}

// Fallback matches for API descriptions telebot has no sentinel for.
var permanentNeedles = []string{
	"chat not found",
	"user not found",
	"bot was blocked",
	"bot was kicked",
	"not a member",
	"have no rights",
	"forbidden",
	"chat_write_forbidden",
}
