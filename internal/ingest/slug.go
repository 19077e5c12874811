package ingest

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxSlugLength = 40

// slugStripper decomposes accented runes and drops their combining marks so
// labels like "café" survive as "cafe" instead of collapsing to underscores.
var slugStripper = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// slugify reduces a caller-supplied label to a scratch-filename prefix:
// lowercase ASCII letters and digits with single underscores between runs,
// capped at maxSlugLength, falling back to "asset" when nothing survives.
func slugify(label string) string {
	lowered := strings.ToLower(strings.TrimSpace(label))
	if stripped, _, err := transform.String(slugStripper, lowered); err == nil {
		lowered = stripped
	}

	var b strings.Builder
	b.Grow(len(lowered))
	pendingSeparator := false
	for _, r := range lowered {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isAlnum {
			pendingSeparator = b.Len() > 0
			continue
		}
		if pendingSeparator {
			b.WriteByte('_')
			pendingSeparator = false
		}
		b.WriteRune(r)
	}

	slug := b.String()
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "_")
	}
	if slug == "" {
		return "asset"
	}
	return slug
}
