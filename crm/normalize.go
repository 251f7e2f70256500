package crm

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Normalised stage names shared by every provider.
const (
	StageQualified    = "qualified"
	StagePresentation = "presentation"
	StageProposal     = "proposal"
	StageNegotiation  = "negotiation"
	StageClosedWon    = "closed-won"
	StageClosedLost   = "closed-lost"
)

// DefaultProbability is used for stage codes missing from a provider table.
const DefaultProbability = 50

var amountJunk = regexp.MustCompile(`[^0-9.\-]`)

// ParseAmount strips formatting characters ("$1,200.50", "1 200 ₽") and parses
// what is left. The sign is kept so validation can reject negative amounts.
// Unparseable input yields 0.
func ParseAmount(raw string) float64 {
	cleaned := amountJunk.ReplaceAllString(raw, "")
	if cleaned == "" {
		return 0
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	return v
}

// SplitName splits a free-text name on its first whitespace run.
// "Anna Maria  Lopez" becomes ("Anna", "Maria  Lopez").
func SplitName(full string) (first, last string) {
	full = strings.TrimSpace(full)
	i := strings.IndexFunc(full, unicode.IsSpace)
	if i < 0 {
		return full, ""
	}
	return full[:i], strings.TrimSpace(full[i:])
}

// NormalizeEmail lower-cases and trims an address for dedup lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ParseTime accepts the timestamp shapes providers send: RFC 3339 with or
// without fraction, Salesforce's "+0000" offset, bare dates and unix seconds.
func ParseTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.000-0700",
		"2006-01-02T15:04:05-0700",
		"2006-01-02 15:04:05",
		"2006-01-02",
		"02.01.2006",
		"01/02/2006",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
		t := time.Unix(secs, 0).UTC()
		return &t
	}
	return nil
}

// UnixTime converts a unix-seconds field, treating 0 as absent.
func UnixTime(secs int64) *time.Time {
	if secs <= 0 {
		return nil
	}
	t := time.Unix(secs, 0).UTC()
	return &t
}

// ClampLimit applies a provider's page-size ceiling. Non-positive limits get
// the ceiling too.
func ClampLimit(limit, ceiling int) int {
	if limit <= 0 || limit > ceiling {
		return ceiling
	}
	return limit
}
