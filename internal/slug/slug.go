// Package slug derives stable natural keys from human-entered names.
// Source data is frequently Czech (organization names, event titles), so
// diacritics are folded before slugging to keep keys ASCII and stable across
// upstream formatting drift.
package slug

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var foldTransformer = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// Fold removes diacritical marks: "Štěpánka" -> "Stepanka".
func Fold(s string) string {
	out, _, err := transform.String(foldTransformer, s)
	if err != nil {
		return s
	}
	return out
}

// Make converts a name into a lowercase ASCII slug suitable as a natural key.
// Runs of non-alphanumeric characters collapse into single hyphens; leading
// and trailing hyphens are trimmed. Make("") returns "".
func Make(name string) string {
	folded := strings.ToLower(Fold(name))
	var b strings.Builder
	b.Grow(len(folded))
	lastHyphen := true // suppress leading hyphen
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
