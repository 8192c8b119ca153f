package textutil

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// NormalizeText applies NFC normalisation and collapses internal whitespace.
// Carrier label printers reject combining sequences, so address fields are
// canonicalised before persistence.
func NormalizeText(value string) string {
	value = norm.NFC.String(strings.TrimSpace(value))
	fields := strings.Fields(value)
	return strings.Join(fields, " ")
}

// CanonicalRegion validates and upper-cases an ISO 3166-1 country code.
// Unknown codes are returned trimmed and upper-cased as-is.
func CanonicalRegion(code string) string {
	trimmed := strings.ToUpper(strings.TrimSpace(code))
	if trimmed == "" {
		return ""
	}
	region, err := language.ParseRegion(trimmed)
	if err != nil {
		return trimmed
	}
	return region.String()
}
