package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"reddit_relay/internal/delivery"
	"reddit_relay/internal/media"
	"reddit_relay/internal/model"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	SendMediaGroup(config tgbotapi.MediaGroupConfig) ([]tgbotapi.Message, error)
}

// Transport sends delivery messages through the Bot API. Numeric
// destinations are chat ids, anything else is used as a channel @username.
type Transport struct {
	api sender
}

// NewTransport creates a Transport.
func NewTransport(api *tgbotapi.BotAPI) *Transport {
	return &Transport{api: api}
}

// Send implements delivery.Transport.
func (t *Transport) Send(ctx context.Context, msg delivery.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var err error
	switch {
	case !msg.HasMedia():
		_, err = t.api.Send(textMessage(msg.Destination, msg.Text))
	case msg.Media.Kind == media.KindVideo:
		v := tgbotapi.NewVideo(0, tgbotapi.FilePath(msg.Media.Path))
		address(&v.BaseChat, msg.Destination)
		v.Caption = msg.Text
		v.ParseMode = tgbotapi.ModeHTML
		v.SupportsStreaming = true
		_, err = t.api.Send(v)
	case msg.Media.Kind == media.KindPhoto:
		p := tgbotapi.NewPhoto(0, tgbotapi.FilePath(msg.Media.Path))
		address(&p.BaseChat, msg.Destination)
		p.Caption = msg.Text
		p.ParseMode = tgbotapi.ModeHTML
		_, err = t.api.Send(p)
	case msg.Media.Kind == media.KindGallery:
		err = t.sendGallery(msg)
	default:
		return delivery.Permanent(fmt.Errorf("unsupported media kind %s", msg.Media.Kind))
	}
	return sendError(err)
}

// sendGallery sends the image URLs as one album with the caption on the
// first photo. Telegram albums need at least two items.
func (t *Transport) sendGallery(msg delivery.Message) error {
	urls := msg.Media.URLs
	if len(urls) == 0 {
		_, err := t.api.Send(textMessage(msg.Destination, msg.Text))
		return err
	}
	if len(urls) == 1 {
		p := tgbotapi.NewPhoto(0, tgbotapi.FileURL(urls[0]))
		address(&p.BaseChat, msg.Destination)
		p.Caption = msg.Text
		p.ParseMode = tgbotapi.ModeHTML
		_, err := t.api.Send(p)
		return err
	}

	files := make([]any, 0, len(urls))
	for i, u := range urls {
		photo := tgbotapi.NewInputMediaPhoto(tgbotapi.FileURL(u))
		if i == 0 {
			photo.Caption = msg.Text
			photo.ParseMode = tgbotapi.ModeHTML
		}
		files = append(files, photo)
	}
	group := tgbotapi.NewMediaGroup(0, files)
	if id, ok := msg.Destination.ChatID(); ok {
		group.ChatID = id
	} else {
		group.ChannelUsername = string(msg.Destination)
	}
	_, err := t.api.SendMediaGroup(group)
	return err
}

func textMessage(dest model.DestinationID, text string) tgbotapi.MessageConfig {
	m := tgbotapi.NewMessage(0, text)
	address(&m.BaseChat, dest)
	m.ParseMode = tgbotapi.ModeHTML
	m.DisableWebPagePreview = true
	return m
}

func address(c *tgbotapi.BaseChat, dest model.DestinationID) {
	if id, ok := dest.ChatID(); ok {
		c.ChatID = id
		return
	}
	c.ChannelUsername = string(dest)
}

// sendError maps Bot API failures onto the dispatcher's retry classes.
func sendError(err error) error {
	if err == nil {
		return nil
	}
	var tgErr *tgbotapi.Error
	if !errors.As(err, &tgErr) {
		return err
	}
	if tgErr.RetryAfter > 0 {
		return &delivery.RetryAfterError{After: time.Duration(tgErr.RetryAfter) * time.Second, Err: err}
	}
	switch tgErr.Code {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusRequestEntityTooLarge:
		return delivery.Permanent(err)
	}
	return err
}
