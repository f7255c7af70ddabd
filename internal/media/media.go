// Package media materializes the video, image or gallery behind an item so
// it can be uploaded instead of linked.
package media

import (
	"context"
	"errors"
	"os"

	"reddit_relay/internal/model"
)

// Resolver errors. Any error means the item is delivered as a link.
var (
	ErrUnsupported = errors.New("unsupported media")
	ErrTimeout     = errors.New("media resolution timed out")
	ErrTooLarge    = errors.New("media too large")
)

// MaxGallerySize is the largest media group Telegram accepts.
const MaxGallerySize = 10

// Kind is the shape of a resolved payload.
type Kind int

// Payload kinds.
const (
	KindLinkOnly Kind = iota
	KindVideo
	KindPhoto
	KindGallery
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindPhoto:
		return "photo"
	case KindGallery:
		return "gallery"
	default:
		return "link"
	}
}

// Media is a resolved payload. Local files live in a private temporary
// directory that Close removes.
type Media struct {
	Kind   Kind
	Path   string
	Size   int64
	Width  int
	Height int
	URLs   []string

	dir string
}

// LinkOnly returns the fallback payload that sends the permalink instead.
func LinkOnly() *Media {
	return &Media{Kind: KindLinkOnly}
}

// Close removes the payload's temporary files. It is safe on nil.
func (m *Media) Close() error {
	if m == nil || m.dir == "" {
		return nil
	}
	dir := m.dir
	m.dir = ""
	return os.RemoveAll(dir)
}

// Resolver turns an item into a payload. Callers must Close the result.
type Resolver interface {
	Resolve(ctx context.Context, item model.Item) (*Media, error)
}
