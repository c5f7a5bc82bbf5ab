package textmatch

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// homoglyphs maps visually confusable runes to the ASCII letter they imitate.
// Keys are lowercase; Normalize lowercases before applying the table. Full-width
// forms and ligatures are already folded by NFKC and need no entries here.
var homoglyphs = map[rune]rune{
	// Cyrillic
	'а': 'a',
	'в': 'b',
	'е': 'e',
	'ё': 'e',
	'і': 'i',
	'ј': 'j',
	'к': 'k',
	'м': 'm',
	'н': 'h',
	'о': 'o',
	'р': 'p',
	'ѕ': 's',
	'с': 'c',
	'т': 't',
	'у': 'y',
	'х': 'x',
	'ԁ': 'd',
	'ղ': 'n',
	// Greek
	'α': 'a',
	'β': 'b',
	'ι': 'i',
	'κ': 'k',
	'ν': 'v',
	'ο': 'o',
	'ρ': 'p',
	'τ': 't',
	'υ': 'u',
	'χ': 'x',
	// Latin lookalikes outside ASCII
	'ı': 'i',
	'ł': 'l',
	'ɡ': 'g',
}

// Normalize folds a package name to its canonical comparable form: NFKC
// compatibility normalization, lowercasing, then homoglyph substitution.
// Normalize(Normalize(x)) == Normalize(x) for all x.
func Normalize(name string) string {
	folded := strings.ToLower(norm.NFKC.String(name))
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if ascii, ok := homoglyphs[r]; ok {
			b.WriteRune(ascii)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
