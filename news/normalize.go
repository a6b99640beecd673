package news

import (
	"strings"
	"unicode"
)

// NormalizeTitle lowercases a title and strips all whitespace. Dedupe within
// a fetch run compares normalized titles, so "智慧 水务" and "智慧水务" collide.
func NormalizeTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	for _, r := range strings.ToLower(title) {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
