// Package topicguard keeps a streaming conversation anchored to the topic
// the caller opened with. Utterances are reduced to content keywords and
// compared against an anchor set that grows as the conversation goes on.
package topicguard

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	// MaxAnchorKeywords caps the anchor set.
	MaxAnchorKeywords = 16
	// DefaultMinKeywords is how many keywords an utterance needs before it is judged.
	DefaultMinKeywords = 2
	// DefaultWarningText is spoken when a caller drifts off topic.
	DefaultWarningText = "Let's stay on the topic we started with."
)

// stopWords are function words that carry no topic.
var stopWords = toSet(
	"about", "above", "after", "again", "against", "all", "also", "and", "any", "are",
	"because", "been", "before", "being", "below", "between", "both", "but", "can",
	"could", "did", "does", "doing", "down", "during", "each", "few", "for", "from",
	"further", "had", "has", "have", "having", "her", "here", "hers", "herself", "him",
	"himself", "his", "how", "into", "its", "itself", "just", "more", "most", "myself",
	"nor", "not", "now", "off", "once", "only", "other", "our", "ours", "ourselves",
	"out", "over", "own", "same", "she", "should", "some", "such", "than", "that",
	"the", "their", "theirs", "them", "themselves", "then", "there", "these", "they",
	"this", "those", "through", "too", "under", "until", "very", "was", "were", "what",
	"when", "where", "which", "while", "who", "whom", "why", "will", "with", "would",
	"you", "your", "yours", "yourself", "yourselves",
)

// Decision is the outcome of judging one utterance.
type Decision struct {
	// Allow is false only for a judged utterance with no anchor overlap.
	Allow bool
	// EstablishAnchor is set when no anchor existed yet.
	EstablishAnchor bool
	// Judged is false when the utterance had too few keywords to judge.
	Judged   bool
	Keywords []string
	Overlap  []string
}

// ExtractKeywords returns the distinct content keywords of text in order
// of first appearance.
func ExtractKeywords(text string) []string {
	lower := cases.Lower(language.Und)
	seen := make(map[string]struct{})
	var out []string
	for _, field := range strings.Fields(text) {
		tok := normalizeToken(lower.String(field))
		if utf8.RuneCountInString(tok) < 3 || isAllDigits(tok) {
			continue
		}
		if _, stop := stopWords[tok]; stop {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// NormalizeMinKeywords floors a configured threshold, with a minimum of 1.
func NormalizeMinKeywords(v float64) int {
	n := int(v)
	if n < 1 {
		return 1
	}
	return n
}

// Evaluate judges transcript against the current anchor.
func Evaluate(transcript string, anchor []string, minKeywords int) Decision {
	if minKeywords < 1 {
		minKeywords = 1
	}
	keywords := ExtractKeywords(transcript)
	if len(keywords) < minKeywords {
		return Decision{Allow: true, Keywords: keywords}
	}
	if len(anchor) == 0 {
		return Decision{Allow: true, EstablishAnchor: true, Judged: true, Keywords: keywords}
	}

	anchorSet := toSet(anchor...)
	var overlap []string
	for _, kw := range keywords {
		if _, ok := anchorSet[kw]; ok {
			overlap = append(overlap, kw)
		}
	}
	return Decision{
		Allow:    len(overlap) > 0,
		Judged:   true,
		Keywords: keywords,
		Overlap:  overlap,
	}
}

// MergeAnchor appends unseen keywords to anchor, keeping first-seen order
// and capping the result at max entries.
func MergeAnchor(anchor, keywords []string, max int) []string {
	if max <= 0 {
		max = MaxAnchorKeywords
	}
	out := make([]string, 0, min(len(anchor)+len(keywords), max))
	seen := make(map[string]struct{}, max)
	for _, group := range [][]string{anchor, keywords} {
		for _, kw := range group {
			if len(out) == max {
				return out
			}
			if _, dup := seen[kw]; dup {
				continue
			}
			seen[kw] = struct{}{}
			out = append(out, kw)
		}
	}
	return out
}

func normalizeToken(tok string) string {
	return strings.TrimFunc(tok, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

func toSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
