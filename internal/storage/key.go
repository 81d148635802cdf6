package storage

import (
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxSlugLen = 96

// StagingKey returns the object key for an upload: uploads/<uploadID>/<slug>
// where slug is an ASCII rendering of the client's file name.
func StagingKey(uploadID, filename string) string {
	return "uploads/" + uploadID + "/" + slugify(path.Base(strings.ReplaceAll(filename, "\\", "/")))
}

// slugify strips diacritics, lowercases and replaces anything outside
// [a-z0-9.] with single dashes.
func slugify(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.'):
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}

	slug := strings.Trim(b.String(), "-.")
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[len(slug)-maxSlugLen:], "-.")
	}
	if slug == "" {
		return "upload"
	}
	return slug
}
