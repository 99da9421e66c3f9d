package transform

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// textNormalizer canonicalizes names so that casing and spacing variants of
// the same value share one natural key. A cases.Caser keeps state, so a
// normalizer must not be shared between goroutines.
type textNormalizer struct {
	title cases.Caser
}

func newTextNormalizer() *textNormalizer {
	return &textNormalizer{title: cases.Title(language.Und)}
}

// Normalize applies NFC, trims and collapses whitespace runs, then title-cases:
// "  ACME   store" becomes "Acme Store".
func (n *textNormalizer) Normalize(s string) string {
	if s == "" {
		return ""
	}
	s = norm.NFC.String(s)
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	return n.title.String(s)
}

// NormalizeText is the one-off form of textNormalizer.Normalize.
func NormalizeText(s string) string {
	return newTextNormalizer().Normalize(s)
}
