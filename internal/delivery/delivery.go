// Package delivery formats items into chat messages and hands them to the
// chat transport with bounded retries.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"reddit_relay/internal/media"
	"reddit_relay/internal/model"
)

// ErrDropped is returned when a message could not be delivered after all
// retries. The item stays seen.
var ErrDropped = errors.New("delivery dropped")

// Message is one outgoing chat message. Text is HTML; it becomes the caption
// when Media carries an upload.
type Message struct {
	Destination model.DestinationID
	Text        string
	Media       *media.Media
}

// HasMedia reports whether the message uploads a payload.
func (m Message) HasMedia() bool {
	return m.Media != nil && m.Media.Kind != media.KindLinkOnly
}

// Transport sends a message to a destination.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a transport error that retrying cannot fix, such as a
// blocked bot or an unknown chat.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryAfterError asks the dispatcher to wait before the next attempt.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// Config configures a Dispatcher.
type Config struct {
	Retries      int
	Backoff      time.Duration
	Rate         int
	LinksBaseURL string
}

// Dispatcher formats items and sends them through a Transport.
type Dispatcher struct {
	transport Transport
	limiter   *rate.Limiter
	cfg       Config
	log       *slog.Logger

	mu       sync.Mutex
	dropping map[model.DestinationID]bool
}

// New creates a Dispatcher. Rate is the global message rate per second.
func New(transport Transport, cfg Config, log *slog.Logger) *Dispatcher {
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	return &Dispatcher{
		transport: transport,
		limiter:   rate.NewLimiter(limit, 1),
		cfg:       cfg,
		log:       log,
		dropping:  make(map[model.DestinationID]bool),
	}
}

// Deliver sends item to dest, uploading m when it carries media. A permanent
// rejection of the upload falls back to a link message.
func (d *Dispatcher) Deliver(ctx context.Context, dest model.DestinationID, item model.Item, m *media.Media) error {
	msg := Message{Destination: dest, Media: m}
	if msg.HasMedia() {
		msg.Text = FormatCaption(item, d.cfg.LinksBaseURL)
	} else {
		msg.Media = nil
		msg.Text = FormatLink(item, d.cfg.LinksBaseURL)
	}

	err := d.send(ctx, msg)
	if err != nil && msg.HasMedia() && IsPermanent(err) {
		d.log.Warn("media upload rejected, sending link", "chat_id", dest, "item_id", item.ID,
			"kind", m.Kind.String(), "error", err)
		err = d.send(ctx, Message{Destination: dest, Text: FormatLink(item, d.cfg.LinksBaseURL)})
	}
	return d.track(dest, err)
}

// Notify sends a plain status message to dest.
func (d *Dispatcher) Notify(ctx context.Context, dest model.DestinationID, text string) error {
	return d.track(dest, d.send(ctx, Message{Destination: dest, Text: html.EscapeString(text)}))
}

func (d *Dispatcher) send(ctx context.Context, msg Message) error {
	backoff := retry.WithMaxRetries(uint64(max(d.cfg.Retries, 0)), retry.NewExponential(d.cfg.Backoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		err := d.transport.Send(ctx, msg)
		if err == nil || IsPermanent(err) {
			return err
		}
		var ra *RetryAfterError
		if errors.As(err, &ra) && ra.After > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(ra.After):
			}
		}
		return retry.RetryableError(err)
	})
	if err == nil || ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%w: %w", ErrDropped, err)
}

// track logs the first drop of a streak per destination and the recovery.
func (d *Dispatcher) track(dest model.DestinationID, err error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case err == nil:
		if d.dropping[dest] {
			delete(d.dropping, dest)
			d.log.Info("delivery recovered", "chat_id", dest)
		}
	case errors.Is(err, ErrDropped):
		if !d.dropping[dest] {
			d.dropping[dest] = true
			d.log.Warn("delivery dropped", "chat_id", dest, "error", err)
		} else {
			d.log.Debug("delivery dropped", "chat_id", dest, "error", err)
		}
	}
	return err
}
