// Package namematch resolves speaker names against a host's character
// registry.
//
// Hosts are sloppy about identity: the same character arrives as "Seraphina",
// "seraphina.png" (keyed by card file), or "Señora Seraphina" depending on
// which event fired. Resolution happens in three stages:
//
//  1. Normalization: names are case-folded, diacritics are stripped, known
//     card-file extensions are removed, and runs of whitespace collapse to a
//     single space. Two names that normalize equally are the same speaker.
//
//  2. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each token of the input and of each registry entry. Entries sharing at
//     least one code become candidates and are ranked by Jaro-Winkler
//     similarity against the configurable phonetic threshold.
//
//  3. Fuzzy fallback: when no phonetic candidate survives, pure Jaro-Winkler
//     similarity is tested against a stricter fuzzy threshold.
//
// Multi-word names are handled by comparing full strings, space-stripped
// strings, and the best pairwise token score.
package namematch

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// cardExtensions are filename suffixes hosts use to key character cards.
var cardExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".webp": {}, ".gif": {},
	".json": {}, ".yaml": {}, ".yml": {}, ".card": {},
}

// Normalize canonicalizes a speaker name: case-folded, diacritics stripped,
// card-file extension removed, whitespace collapsed. The result is the
// comparison key for speaker identity everywhere in the engine.
func Normalize(name string) string {
	s := strings.TrimSpace(name)
	if s == "" {
		return ""
	}

	if dot := strings.LastIndexByte(s, '.'); dot > 0 {
		if _, known := cardExtensions[strings.ToLower(s[dot:])]; known {
			s = s[:dot]
		}
	}

	s = stripDiacritics(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// Equal reports whether two names normalize to the same identity.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// stripDiacritics decomposes s and removes combining marks, so "Señora"
// compares equal to "Senora". The transformer chain is stateful and built
// per call.
func stripDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched entry to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic candidate is found and the matcher falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher resolves a possibly misspelled or differently keyed speaker name
// to an entry of a character registry. Safe for concurrent use; read-only
// after construction.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] with the supplied options applied.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Resolve finds the registry entry best matching name. An exact match on
// normalized identity wins with confidence 1; otherwise phonetic candidates
// are ranked by Jaro-Winkler similarity, with a fuzzy fallback when no entry
// sounds alike. When ok is false the name is unresolved and resolved is
// empty.
func (m *Matcher) Resolve(name string, registry []string) (resolved string, confidence float64, ok bool) {
	want := Normalize(name)
	if want == "" || len(registry) == 0 {
		return "", 0, false
	}

	for _, entry := range registry {
		if Normalize(entry) == want {
			return entry, 1, true
		}
	}

	wantTokens := strings.Fields(want)
	wantCodes := phoneticCodes(wantTokens)

	type candidate struct {
		entry    string
		score    float64
		phonetic bool
	}
	var best candidate

	for _, entry := range registry {
		entryNorm := Normalize(entry)
		if entryNorm == "" {
			continue
		}
		entryTokens := strings.Fields(entryNorm)

		soundsAlike := codesOverlap(wantCodes, phoneticCodes(entryTokens))
		score := similarity(wantTokens, entryTokens, want, entryNorm)

		if soundsAlike {
			if score >= m.phoneticThreshold && (!best.phonetic || score > best.score) {
				best = candidate{entry: entry, score: score, phonetic: true}
			}
		} else if !best.phonetic {
			if score >= m.fuzzyThreshold && score > best.score {
				best = candidate{entry: entry, score: score, phonetic: false}
			}
		}
	}

	if best.entry == "" {
		return "", 0, false
	}
	return best.entry, best.score, true
}

// phoneticCodes returns the union of Double Metaphone codes for the tokens.
// Empty codes are excluded.
func phoneticCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

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

// similarity computes the highest Jaro-Winkler score between the input and a
// registry entry across three strategies: full strings, space-stripped
// strings, and the best pairwise token score.
func similarity(inputTokens, entryTokens []string, inputFull, entryFull string) float64 {
	score := matchr.JaroWinkler(inputFull, entryFull, false)

	if len(inputTokens) > 1 || len(entryTokens) > 1 {
		concatIn := strings.Join(inputTokens, "")
		concatEntry := strings.Join(entryTokens, "")
		if s := matchr.JaroWinkler(concatIn, concatEntry, false); s > score {
			score = s
		}
	}

	for _, it := range inputTokens {
		for _, et := range entryTokens {
			if s := matchr.JaroWinkler(it, et, false); s > score {
				score = s
			}
		}
	}

	return score
}
