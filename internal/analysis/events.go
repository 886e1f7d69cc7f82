package analysis

import (
	"strings"
	"unicode"
)

// PhraseEvents detects game events by matching configured phrases against a
// transcript. Matching is case-insensitive, ignores punctuation, and respects
// word boundaries. It is read-only after construction.
type PhraseEvents struct {
	order   []string
	phrases map[string][]string
}

// NewPhraseEvents returns a detector for the given phrase table. order fixes
// the order in which detected events are reported; tags missing from order
// are never reported.
func NewPhraseEvents(order []string, phrases map[string][]string) *PhraseEvents {
	norm := make(map[string][]string, len(phrases))
	for tag, ps := range phrases {
		for _, p := range ps {
			if n := normalizeText(p); n != "" {
				norm[tag] = append(norm[tag], n)
			}
		}
	}
	return &PhraseEvents{order: order, phrases: norm}
}

// Detect returns the event tags announced in transcript.
func (p *PhraseEvents) Detect(transcript string) []string {
	text := normalizeText(transcript)
	if text == "" {
		return nil
	}
	text = " " + text + " "

	var events []string
	for _, tag := range p.order {
		for _, phrase := range p.phrases[tag] {
			if strings.Contains(text, " "+phrase+" ") {
				events = append(events, tag)
				break
			}
		}
	}
	return events
}

// normalizeText lower-cases s, replaces punctuation with spaces (apostrophes
// are dropped), and collapses runs of whitespace.
func normalizeText(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\'' || r == '’':
			return -1
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			return unicode.ToLower(r)
		default:
			return ' '
		}
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
