package geocode

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// normalize upper-cases a postcode and collapses internal whitespace, so
// "sw1a  1aa" and "SW1A 1AA" share a cache entry.
func normalize(postcode string) string {
	return cases.Upper(language.Und).String(strings.Join(strings.Fields(postcode), " "))
}

func lower(s string) string {
	return cases.Lower(language.Und).String(strings.TrimSpace(s))
}

func cacheKey(postcode, country string) string {
	return lower(country) + "|" + normalize(postcode)
}
