// Package cachekeys derives the namespaced keys used by the shared region
// store. Keys must be deterministic, redis-safe ASCII, and distinct for
// distinct filters.
package cachekeys

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// Region builds the payload key for a layer + coarse region bucket, with an
// optional filter expression folded in as sanitized text plus a hash suffix.
func Region(layer, regionKey, filters string) string {
	layerNorm := sanitize(strings.TrimSpace(layer))
	filterText := normalizeFilters(filters)
	filterSafe := sanitize(filterText)

	const maxFilterTextLen = 160
	if len(filterSafe) > maxFilterTextLen {
		filterSafe = filterSafe[:maxFilterTextLen]
	}

	sum := xxhash.Sum64String(filterText)

	return fmt.Sprintf("vp:%s:%s:filters=%s:f=%016x", layerNorm, regionKey, filterSafe, sum)
}

// Cell builds the index key listing which payload keys live under an H3 cell.
func Cell(layer string, res int, cell string) string {
	return fmt.Sprintf("vpidx:%s:%d:%s", sanitize(strings.TrimSpace(layer)), res, cell)
}

var filterPunct = regexp.MustCompile(`\s*([=<>!\.,\(\)])\s*`)

func normalizeFilters(s string) string {
	if s == "" {
		return ""
	}
	s = collapseASCIIWhitespace(strings.TrimSpace(s))
	// Remove spaces around punctuation tokens.
	return filterPunct.ReplaceAllString(s, "$1")
}

func sanitize(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == ':' || r == '_' || r == '-' || r == '=' || r == '.' || r == ',':
			out = r
		default:
			// Any other rune (including non-ASCII) becomes '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

// converts any run of ASCII whitespace to a single space.
func collapseASCIIWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	wasWS := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f' {
			if !wasWS {
				b.WriteByte(' ')
				wasWS = true
			}
			continue
		}
		b.WriteRune(r)
		wasWS = false
	}
	return strings.TrimSpace(b.String())
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
