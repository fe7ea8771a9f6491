// Package format builds the outbound message text for a content item.
package format

import (
	"strings"
)

const (
	// DefaultTemplate mirrors the classic "title link hashtags" layout.
	DefaultTemplate = "%title% %link% %hashtags%"

	// maxRunes is the hard cap of the external API's message length,
	// measured in Unicode code points.
	maxRunes = 280

	// maxHashtags bounds how many hashtags make it into the message.
	maxHashtags = 3
)

// Message substitutes %title%, %link% and %hashtags% into template and
// truncates the result to the API's length cap. Unknown placeholders are
// left untouched; there are no error conditions.
func Message(template, title, link string, hashtags []string) string {
	if len(hashtags) > maxHashtags {
		hashtags = hashtags[:maxHashtags]
	}
	out := strings.NewReplacer(
		"%title%", title,
		"%link%", link,
		"%hashtags%", strings.Join(hashtags, " "),
	).Replace(template)
	return truncateRunes(out, maxRunes)
}

// Hashtags derives hashtag labels from category names and tag labels:
// whitespace stripped, '#'-prefixed, de-duplicated in encounter order.
// The caller decides how many of them to use.
func Hashtags(categories, tags []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(categories)+len(tags))
	for _, label := range append(append([]string{}, categories...), tags...) {
		h := "#" + stripSpace(label)
		if h == "#" {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

func stripSpace(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
