package analysis

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.85
	defaultFuzzyThreshold    = 0.92

	// minFuzzyLen is the shortest keyword (without spaces) eligible for
	// phonetic or fuzzy matching. Shorter keywords must match exactly.
	minFuzzyLen = 4
)

// SpotterOption is a functional option for configuring a [KeywordSpotter].
type SpotterOption func(*KeywordSpotter)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched n-gram to count as the keyword. Default: 0.85.
func WithPhoneticThreshold(threshold float64) SpotterOption {
	return func(s *KeywordSpotter) {
		s.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when the
// Double Metaphone codes do not overlap. Default: 0.92.
func WithFuzzyThreshold(threshold float64) SpotterOption {
	return func(s *KeywordSpotter) {
		s.fuzzyThreshold = threshold
	}
}

// keyword is one vocabulary entry with its precomputed match data.
type keyword struct {
	word   string
	norm   string
	tokens []string
	codes  map[string]struct{}
}

// KeywordSpotter finds vocabulary keywords in transcripts. Transcription
// often mishears gaming slang, so besides exact matches it accepts n-grams
// whose Double Metaphone codes overlap the keyword's and whose Jaro-Winkler
// similarity clears the phonetic threshold, or whose similarity alone clears
// the higher fuzzy threshold.
//
// The spotter is read-only after construction and safe for concurrent use.
type KeywordSpotter struct {
	vocab             []keyword
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewKeywordSpotter returns a spotter for vocabulary. Empty entries are
// ignored; order is preserved.
func NewKeywordSpotter(vocabulary []string, opts ...SpotterOption) *KeywordSpotter {
	s := &KeywordSpotter{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(s)
	}
	for _, w := range vocabulary {
		norm := normalizeText(w)
		if norm == "" {
			continue
		}
		tokens := strings.Fields(norm)
		s.vocab = append(s.vocab, keyword{word: w, norm: norm, tokens: tokens, codes: codesForTokens(tokens)})
	}
	return s
}

// Spot returns the vocabulary entries heard in transcript, in vocabulary
// order. An empty result is not an error.
func (s *KeywordSpotter) Spot(transcript string) []string {
	text := normalizeText(transcript)
	if text == "" || len(s.vocab) == 0 {
		return nil
	}
	padded := " " + text + " "
	tokens := strings.Fields(text)

	var found []string
	for _, kw := range s.vocab {
		if strings.Contains(padded, " "+kw.norm+" ") || s.fuzzyMatch(kw, tokens) {
			found = append(found, kw.word)
		}
	}
	return found
}

// fuzzyMatch compares kw against every n-gram of tokens with the keyword's
// token count.
func (s *KeywordSpotter) fuzzyMatch(kw keyword, tokens []string) bool {
	concat := strings.Join(kw.tokens, "")
	if len(concat) < minFuzzyLen {
		return false
	}
	n := len(kw.tokens)
	for i := 0; i+n <= len(tokens); i++ {
		gram := tokens[i : i+n]
		score := bestJWScore(gram, kw.tokens)
		if codesOverlap(codesForTokens(gram), kw.codes) {
			if score >= s.phoneticThreshold {
				return true
			}
		} else if score >= s.fuzzyThreshold {
			return true
		}
	}
	return false
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, sec := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if sec != "" {
			codes[sec] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the higher of the spaced and the space-stripped
// Jaro-Winkler similarity of the two token runs.
func bestJWScore(a, b []string) float64 {
	score := matchr.JaroWinkler(strings.Join(a, " "), strings.Join(b, " "), false)
	if len(a) > 1 || len(b) > 1 {
		if s := matchr.JaroWinkler(strings.Join(a, ""), strings.Join(b, ""), false); s > score {
			score = s
		}
	}
	return score
}
