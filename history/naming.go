package history

import (
	"strings"
	"unicode"
)

// Pascalize turns "post_patches", "post-patches" or "postPatches" into
// "PostPatches".
func Pascalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	upper := true
	for _, r := range s {
		if r == '_' || r == '-' || unicode.IsSpace(r) {
			upper = true
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Decamelize turns "postPatches" or "PostPatches" into "post_patches". Every
// upper-case letter after the first rune starts a new word.
func Decamelize(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
