package reddit

import (
	"net/url"
	"path"
	"strings"
	"time"

	"reddit_relay/internal/model"
)

// post is a t3 thing of the JSON listing.
type post struct {
	ID               string                   `json:"id"`
	Subreddit        string                   `json:"subreddit"`
	Title            string                   `json:"title"`
	Permalink        string                   `json:"permalink"`
	URL              string                   `json:"url"`
	Score            int                      `json:"score"`
	CreatedUTC       float64                  `json:"created_utc"`
	IsVideo          bool                     `json:"is_video"`
	IsSelf           bool                     `json:"is_self"`
	IsGallery        bool                     `json:"is_gallery"`
	PostHint         string                   `json:"post_hint"`
	CrosspostParents []post                   `json:"crosspost_parent_list"`
	GalleryData      *galleryData             `json:"gallery_data"`
	MediaMetadata    map[string]mediaMetadata `json:"media_metadata"`
}

type galleryData struct {
	Items []struct {
		MediaID string `json:"media_id"`
	} `json:"items"`
}

type mediaMetadata struct {
	Status string `json:"status"`
	Kind   string `json:"e"`
	Source struct {
		URL string `json:"u"`
	} `json:"s"`
}

// classify maps listing fields to an item type. Checks run in priority order.
func classify(p post) model.ItemType {
	switch {
	case downloadableVideo(p):
		return model.ItemVideo
	case p.PostHint == "image":
		return model.ItemImage
	// rich:video is mostly long youtube embeds, not worth downloading.
	case p.PostHint == "link", p.PostHint == "rich:video":
		return model.ItemLink
	case p.IsSelf:
		return model.ItemSelfText
	case p.IsGallery:
		return model.ItemGallery
	default:
		return model.ItemUnknown
	}
}

// downloadableVideo reports whether yt-dlp can fetch the post's video. Crosspost
// URLs redirect to the parent, so a video parent makes the post a video too.
func downloadableVideo(p post) bool {
	if p.IsVideo || thirdPartyVideo(p.URL) {
		return true
	}
	for _, parent := range p.CrosspostParents {
		if classify(parent) == model.ItemVideo {
			return true
		}
	}
	return false
}

func thirdPartyVideo(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return (host == "i.imgur.com" && strings.HasSuffix(u.Path, ".gifv")) || host == "gfycat.com"
}

// galleryURLs returns the gallery's image URLs in display order, skipping
// entries that are still processing or are not still images.
func galleryURLs(p post) []string {
	if p.GalleryData == nil {
		return nil
	}
	var urls []string
	for _, it := range p.GalleryData.Items {
		meta, ok := p.MediaMetadata[it.MediaID]
		if !ok || meta.Status != "valid" || meta.Kind != "Image" || meta.Source.URL == "" {
			continue
		}
		urls = append(urls, meta.Source.URL)
	}
	return urls
}

func (p post) item(rank int) model.Item {
	it := model.Item{
		ID:        p.ID,
		Subreddit: p.Subreddit,
		Title:     p.Title,
		Permalink: p.Permalink,
		URL:       p.URL,
		Type:      classify(p),
		Score:     p.Score,
		Rank:      rank,
	}
	if p.CreatedUTC > 0 {
		it.CreatedAt = time.Unix(int64(p.CreatedUTC), 0).UTC()
	}
	if it.Type == model.ItemGallery {
		it.GalleryURLs = galleryURLs(p)
	}
	return it
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
}

// classifyURL guesses an item type from the link alone, for listings that
// carry no post hints (RSS and the API client).
func classifyURL(rawURL string, isSelf bool) model.ItemType {
	if isSelf {
		return model.ItemSelfText
	}
	if rawURL == "" {
		return model.ItemUnknown
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return model.ItemUnknown
	}
	host := strings.ToLower(u.Hostname())
	ext := strings.ToLower(path.Ext(u.Path))

	switch {
	case host == "v.redd.it", thirdPartyVideo(rawURL):
		return model.ItemVideo
	case host == "i.redd.it", host == "i.imgur.com", imageExts[ext]:
		return model.ItemImage
	case strings.HasSuffix(host, "reddit.com") && strings.HasPrefix(u.Path, "/gallery/"):
		return model.ItemGallery
	case strings.HasSuffix(host, "reddit.com") && strings.Contains(u.Path, "/comments/"):
		return model.ItemSelfText
	default:
		return model.ItemLink
	}
}
