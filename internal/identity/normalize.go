package identity

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Separator splits a tax id from its check digit, as in "900100200-1".
const Separator = "-"

// clean folds full-width digits and strips the spacing and thousands dots
// people type into tax ids ("900.100.200 - 1").
func clean(taxID string) string {
	s := norm.NFKC.String(strings.TrimSpace(taxID))
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '.', '\u00a0':
			return -1
		case '\u2010', '\u2011', '\u2012', '\u2013', '\u2014', '\u2212':
			return '-'
		}
		return r
	}, s)
}

// Normalize returns the canonical party id for a tax id: the first segment
// before the separator.
func Normalize(taxID string) string {
	s := clean(taxID)
	if i := strings.Index(s, Separator); i >= 0 {
		return s[:i]
	}
	return s
}

// Variants lists the candidate ids probed for a tax id, in probe order and
// without duplicates: the value as typed, its cleaned form, the first
// segment, and when it has no separator, the value without its last
// character (a check digit typed without separator). Older ERP rows keep the
// dots, so the typed value goes first.
func Variants(taxID string) []string {
	raw := clean(taxID)
	if raw == "" {
		return nil
	}
	out := make([]string, 0, 4)
	add := func(v string) {
		if v == "" {
			return
		}
		for _, existing := range out {
			if existing == v {
				return
			}
		}
		out = append(out, v)
	}

	add(strings.TrimSpace(taxID))
	add(raw)
	if strings.Contains(raw, Separator) {
		add(Normalize(raw))
	} else if len(raw) > 1 {
		runes := []rune(raw)
		add(string(runes[:len(runes)-1]))
	}
	return out
}
