package moderation

import (
	"regexp"
	"strings"
)

// Run lengths at which flooding is reported.
const (
	charFloodRun = 5
	wordFloodRun = 3
)

var (
	// Scheme or www links, plus bare domains followed by a path. A bare
	// "v2.0" or "3.14" does not match.
	linkRE = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+|\b[a-z0-9-]+\.(?:com|net|org|io|co|app|me|xyz|info|biz)/\S*`)

	// Phone numbers with an optional country code and separators, standing
	// alone between whitespace. Short numbers such as flight or platform
	// numbers do not match.
	phoneRE = regexp.MustCompile(`(?:^|\s)(?:\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

// spamCheck is a named detector. The name is reported as the result Term.
type spamCheck struct {
	name  string
	match func(string) bool
}

// allSpamChecks lists every check in evaluation order; the first hit wins.
var allSpamChecks = []spamCheck{
	{CheckURL, linkRE.MatchString},
	{CheckPhone, phoneRE.MatchString},
	{CheckCharFlood, func(s string) bool { return longestRun([]rune(s)) >= charFloodRun }},
	{CheckWordFlood, func(s string) bool { return longestRun(strings.Fields(strings.ToLower(s))) >= wordFloodRun }},
}

// longestRun returns the length of the longest stretch of equal adjacent
// items.
func longestRun[T comparable](items []T) int {
	best, run := 0, 0
	for i, it := range items {
		if i > 0 && it == items[i-1] {
			run++
		} else {
			run = 1
		}
		best = max(best, run)
	}
	return best
}

func (f *Filter) checkSpamPatterns(text string) FilterResult {
	for _, sc := range f.checks {
		if sc.match(text) {
			return FilterResult{Blocked: true, Reason: ReasonSpam, Term: sc.name}
		}
	}
	return FilterResult{}
}
