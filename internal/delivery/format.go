package delivery

import (
	"html"
	"unicode/utf8"

	"reddit_relay/internal/model"
	"reddit_relay/internal/reddit"
)

// maxTitleRunes keeps captions under Telegram's 1024 character limit.
const maxTitleRunes = 800

func anchor(href, text string) string {
	return `<a href="` + html.EscapeString(href) + `">` + html.EscapeString(text) + `</a>`
}

func subredditLink(subreddit string) string {
	return anchor(reddit.SubredditURL(subreddit), "/r/"+subreddit)
}

func title(item model.Item) string {
	t := item.Title
	if utf8.RuneCountInString(t) <= maxTitleRunes {
		return t
	}
	r := []rune(t)
	return string(r[:maxTitleRunes]) + "…"
}

// FormatCaption renders the caption attached to an uploaded video, photo or
// gallery.
func FormatCaption(item model.Item, linksBase string) string {
	comments := anchor(reddit.PermalinkURL(item.Permalink, linksBase), "comments")
	return html.EscapeString(title(item)) + "\n" + subredditLink(item.Subreddit) + " [" + comments + "]"
}

// FormatLink renders a text message whose title links to the item's target.
// Items without an external target link to their comments page.
func FormatLink(item model.Item, linksBase string) string {
	permalink := reddit.PermalinkURL(item.Permalink, linksBase)
	target := permalink
	if item.URL != "" {
		target = reddit.PermalinkURL(item.URL, linksBase)
	}
	return anchor(target, title(item)) + "\n" + subredditLink(item.Subreddit) + " [" + anchor(permalink, "comments") + "]"
}
