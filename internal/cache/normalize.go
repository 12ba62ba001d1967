package cache

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// quantityPhrases canonicalizes spelled-out durations. Longer patterns are
// listed first so 일주일 wins over shorter overlaps.
var quantityPhrases = []struct{ from, to string }{
	{"seven days", "7일"},
	{"one week", "7일"},
	{"a week", "7일"},
	{"1 week", "7일"},
	{"one month", "30일"},
	{"a month", "30일"},
	{"1 month", "30일"},
	{"one day", "1일"},
	{"a day", "1일"},
	{"일주일", "7일"},
	{"1주일", "7일"},
	{"한 주", "7일"},
	{"한주", "7일"},
	{"칠일", "7일"},
	{"한 달", "30일"},
	{"한달", "30일"},
	{"1개월", "30일"},
	{"1달", "30일"},
	{"하루", "1일"},
	{"이틀", "2일"},
	{"사흘", "3일"},
	{"나흘", "4일"},
}

var (
	quantityPattern = compileQuantityPattern()
	quantityCanon   = func() map[string]string {
		m := make(map[string]string, len(quantityPhrases))
		for _, q := range quantityPhrases {
			m[q.from] = q.to
		}
		return m
	}()
)

// compileQuantityPattern builds one leftmost-first alternation. English
// phrases are bounded by \b so "a weekend" and "11 week" are left alone.
func compileQuantityPattern() *regexp.Regexp {
	alts := make([]string, 0, len(quantityPhrases))
	for _, q := range quantityPhrases {
		alt := regexp.QuoteMeta(q.from)
		if q.from[0] < utf8.RuneSelf {
			alt = `\b` + alt + `\b`
		}
		alts = append(alts, alt)
	}
	return regexp.MustCompile(strings.Join(alts, "|"))
}

// replaceQuantities rewrites duration phrases to their canonical day count.
// A match directly preceded by a digit is part of a larger number ("11주일")
// and is kept as written.
func replaceQuantities(s string) string {
	matches := quantityPattern.FindAllStringIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		if m[0] > 0 && isDigit(s[m[0]-1]) {
			continue
		}
		b.WriteString(s[last:m[0]])
		b.WriteString(quantityCanon[s[m[0]:m[1]]])
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// intentReplacer collapses synonyms of the same request noun.
var intentReplacer = strings.NewReplacer(
	"meal plans", "식단",
	"meal plan", "식단",
	"diet plan", "식단",
	"menu plan", "식단",
	"식단표", "식단",
	"식단 표", "식단",
	"식단계획", "식단",
	"식단 계획", "식단",
	"메뉴표", "식단",
)

var (
	// "7 days" / "3 day" → "7일"
	englishDays = regexp.MustCompile(`\b(\d+)\s*days?\b`)
	// "7 일" → "7일"
	spacedKoreanDays = regexp.MustCompile(`(\d+)\s+일`)
)

// requestEndings are polite request forms and fillers that do not change
// what is being asked for. They are removed from the end of the query.
var requestEndings = []string{
	"만들어주세요", "만들어줘요", "만들어줘", "만들어",
	"추천해주세요", "추천해줘요", "추천해줘",
	"알려주세요", "알려줘요", "알려줘",
	"보여주세요", "보여줘", "짜줘", "짜주세요",
	"해주세요", "해줘요", "해줘", "부탁해요", "부탁해",
	"주세요", "줘", "이러면", "어때요", "어때", "좀", "요",
	"please", "pls", "thanks",
}

// fillers are dropped wherever they occur.
var fillers = map[string]bool{
	"좀": true, "please": true, "pls": true,
}

// trailingParticles are object/topic markers stripped from the last word.
var trailingParticles = []string{"으로", "에서", "에게", "을", "를", "은", "는"}

// Normalize maps a query onto the canonical text used for fingerprinting.
// It folds compatibility forms and case, drops punctuation, collapses
// whitespace, canonicalizes duration paraphrases and request nouns, and
// strips trailing request endings. Queries that differ only in those respects
// normalize identically.
func Normalize(text string) string {
	s := strings.ToLower(norm.NFKC.String(text))

	s = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return ' '
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}

	s = englishDays.ReplaceAllString(s, "${1}일")
	s = replaceQuantities(s)
	s = spacedKoreanDays.ReplaceAllString(s, "${1}일")
	s = intentReplacer.Replace(s)

	words := strings.Fields(s)
	kept := words[:0]
	for _, w := range words {
		if !fillers[w] {
			kept = append(kept, w)
		}
	}
	words = stripEndings(kept)
	if len(words) == 0 {
		// Nothing but filler: keep the folded text so distinct inputs stay distinct.
		return s
	}
	return strings.Join(words, " ")
}

// stripEndings removes request endings from the end, whether they stand alone
// or are glued to the last word, then a trailing particle.
func stripEndings(words []string) []string {
	for len(words) > 0 {
		last := words[len(words)-1]
		trimmed := trimEnding(last)
		if trimmed == last {
			break
		}
		if trimmed == "" {
			words = words[:len(words)-1]
			continue
		}
		words[len(words)-1] = trimmed
	}
	if len(words) > 0 {
		words[len(words)-1] = trimParticle(words[len(words)-1])
	}
	return words
}

func trimEnding(w string) string {
	for _, e := range requestEndings {
		if strings.HasSuffix(w, e) {
			return strings.TrimSuffix(w, e)
		}
	}
	return w
}

func trimParticle(w string) string {
	if utf8.RuneCountInString(w) < 3 {
		return w
	}
	for _, p := range trailingParticles {
		if strings.HasSuffix(w, p) {
			return strings.TrimSuffix(w, p)
		}
	}
	return w
}
