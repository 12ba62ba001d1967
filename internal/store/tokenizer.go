package store

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// trailingParticles are Korean postpositions stripped from the end of Hangul
// tokens so "김치찌개를" and "김치찌개" index identically. Single-syllable
// particles that commonly end nouns (이, 가, 과, 도) are left alone.
var trailingParticles = []string{
	"으로", "에서", "에게", "까지", "부터", "처럼", "보다",
	"은", "는", "을", "를",
}

// DefaultStopWords are dropped from full-text queries and documents.
var DefaultStopWords = []string{
	"a", "an", "and", "the", "of", "for", "with", "to", "in", "on", "or",
	"recipe", "recipes", "please",
	"좀", "주세요", "알려줘", "추천", "추천해줘",
}

// Tokenize splits text into lowercase word tokens on any non letter/digit rune
// and strips trailing Korean particles. Tokens shorter than two runes are
// kept only when they are Hangul (one syllable is a meaningful word).
func Tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := make([]string, 0, len(words))
	for _, w := range words {
		w = stripParticle(w)
		if utf8.RuneCountInString(w) < 2 && !isHangul(w) {
			continue
		}
		tokens = append(tokens, w)
	}
	return tokens
}

func stripParticle(w string) string {
	if !isHangul(w) {
		return w
	}
	for _, p := range trailingParticles {
		if strings.HasSuffix(w, p) && utf8.RuneCountInString(w) > utf8.RuneCountInString(p) {
			return strings.TrimSuffix(w, p)
		}
	}
	return w
}

func isHangul(w string) bool {
	r, _ := utf8.DecodeLastRuneInString(w)
	return unicode.Is(unicode.Hangul, r)
}

// FilterStopWords removes stop words from a token list.
func FilterStopWords(tokens []string, stopWords map[string]struct{}) []string {
	result := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if _, isStop := stopWords[strings.ToLower(token)]; !isStop {
			result = append(result, token)
		}
	}
	return result
}

// BuildStopWordMap converts a slice of stop words to a lookup set.
func BuildStopWordMap(stopWords []string) map[string]struct{} {
	m := make(map[string]struct{}, len(stopWords))
	for _, word := range stopWords {
		m[strings.ToLower(word)] = struct{}{}
	}
	return m
}

// Trigrams returns the trigram set of s using pg_trgm conventions: each word
// is lowercased and padded with two leading spaces and one trailing space.
func Trigrams(s string) map[string]struct{} {
	set := make(map[string]struct{})
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		runes := []rune("  " + w + " ")
		for i := 0; i+3 <= len(runes); i++ {
			set[string(runes[i:i+3])] = struct{}{}
		}
	}
	return set
}

// TrigramSimilarity is |A∩B| / |A∪B| over the trigram sets of a and b,
// matching pg_trgm's similarity().
func TrigramSimilarity(a, b string) float64 {
	ta, tb := Trigrams(a), Trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(ta)+len(tb)-shared)
}

// TrigramCoverage is the fraction of query's trigrams found in text. It
// approximates pg_trgm's word_similarity() for long content fields.
func TrigramCoverage(query, text string) float64 {
	tq, tt := Trigrams(query), Trigrams(text)
	if len(tq) == 0 || len(tt) == 0 {
		return 0
	}
	shared := 0
	for t := range tq {
		if _, ok := tt[t]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(tq))
}

// rawTrigrams returns the unpadded 3-rune substrings of s, as produced by the
// SQLite FTS5 trigram tokenizer.
func rawTrigrams(s string) []string {
	runes := []rune(strings.ToLower(strings.TrimSpace(s)))
	seen := make(map[string]struct{})
	var out []string
	for i := 0; i+3 <= len(runes); i++ {
		g := string(runes[i : i+3])
		if strings.ContainsRune(g, '"') {
			continue
		}
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	return out
}

// escapeLike escapes LIKE wildcards using backslash.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
