package topicguard

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var fillerTokens = toSet("ah", "eh", "erm", "hey", "hi", "hm", "hmm", "huh", "mhm", "mm", "uh", "uhh", "um", "umm")

// shortAcknowledgements are real answers despite being short.
var shortAcknowledgements = toSet("no", "nope", "ok", "okay", "sure", "yes", "yep")

// IsNonResponse reports whether an utterance is noise that should not
// trigger a reply: empty text, lone fillers, or single very short tokens.
func IsNonResponse(text string) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return true
	}

	lower := cases.Lower(language.Und)
	allFiller := true
	for _, field := range fields {
		if _, ok := fillerTokens[normalizeToken(lower.String(field))]; !ok {
			allFiller = false
			break
		}
	}
	if allFiller {
		return true
	}
	if len(fields) > 1 {
		return false
	}

	tok := normalizeToken(lower.String(fields[0]))
	if _, ok := shortAcknowledgements[tok]; ok {
		return false
	}
	return utf8.RuneCountInString(tok) <= 2
}
