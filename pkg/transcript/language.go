package transcript

import (
	"strings"
	"unicode"

	"golang.org/x/text/language"
)

// Detector guesses the language of a piece of text.
type Detector interface {
	Detect(text string) (language.Tag, bool)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(text string) (language.Tag, bool)

// Detect implements Detector.
func (f DetectorFunc) Detect(text string) (language.Tag, bool) { return f(text) }

// DefaultMinLetters is the shortest text ScriptDetector will judge.
const DefaultMinLetters = 8

// ScriptDetector classifies text by writing system. Latin text is scored by
// common words and a handful of diacritics. It is crude; short, mixed or
// ambiguous text is reported as unknown.
type ScriptDetector struct {
	MinLetters int
}

var scripts = []struct {
	table *unicode.RangeTable
	tag   language.Tag
}{
	{unicode.Cyrillic, language.Russian},
	{unicode.Hebrew, language.Hebrew},
	{unicode.Arabic, language.Arabic},
	{unicode.Greek, language.Greek},
	{unicode.Hiragana, language.Japanese},
	{unicode.Katakana, language.Japanese},
	{unicode.Hangul, language.Korean},
	{unicode.Han, language.Chinese},
	{unicode.Devanagari, language.Hindi},
	{unicode.Thai, language.Thai},
}

var diacritics = []struct {
	chars string
	tag   language.Tag
}{
	{"ãõ", language.Portuguese},
	{"ñ¿¡", language.Spanish},
	{"ßäöü", language.German},
	{"èêëàâîïôûùçœ", language.French},
}

// Common short words per Latin-script language. A word may count for more
// than one language.
var latinWords = map[language.Tag][]string{
	language.English: {
		"the", "and", "is", "are", "you", "what", "where", "how", "this", "that",
		"with", "have", "it", "of", "to", "my", "i", "can", "please", "hello", "thanks", "yes",
	},
	language.Spanish: {
		"el", "la", "los", "las", "que", "y", "es", "por", "para", "con", "una",
		"como", "cómo", "estas", "estás", "esta", "está", "hola", "donde", "dónde",
		"gracias", "muy", "pero", "quiero", "hoy", "yo", "tengo",
	},
	language.French: {
		"le", "la", "les", "et", "est", "vous", "je", "nous", "pas", "une", "des",
		"du", "bonjour", "merci", "oui", "comment", "avec", "pour", "suis", "très",
	},
	language.German: {
		"der", "die", "das", "und", "ist", "ich", "nicht", "ein", "eine", "wir",
		"mit", "guten", "danke", "wie", "wo", "bitte", "heute",
	},
	language.Portuguese: {
		"os", "não", "um", "uma", "você", "obrigado", "obrigada", "olá", "estou",
		"tudo", "bem", "com", "então", "sim",
	},
}

// latinWordSet is latinWords inverted for lookup.
var latinWordSet = func() map[string][]language.Tag {
	set := make(map[string][]language.Tag)
	for tag, words := range latinWords {
		for _, w := range words {
			set[w] = append(set[w], tag)
		}
	}
	return set
}()

// latinCandidates is the scoring order; ties are never resolved by it.
var latinCandidates = []language.Tag{
	language.English, language.Spanish, language.French, language.German, language.Portuguese,
}

// detectLatin scores common words and marker diacritics. Text without a clear
// winner is unknown, so plain text never defaults to English.
func detectLatin(text string) (language.Tag, bool) {
	lower := strings.ToLower(text)
	scores := make(map[language.Tag]int, len(latinCandidates))

	for _, d := range diacritics {
		if strings.ContainsAny(lower, d.chars) {
			scores[d.tag] += 2
		}
	}
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	for _, w := range words {
		for _, tag := range latinWordSet[w] {
			scores[tag]++
		}
	}

	best, bestScore, second := language.Und, 0, 0
	for _, tag := range latinCandidates {
		switch sc := scores[tag]; {
		case sc > bestScore:
			best, bestScore, second = tag, sc, bestScore
		case sc > second:
			second = sc
		}
	}
	if bestScore < 2 || bestScore == second {
		return language.Und, false
	}
	return best, true
}

// Detect implements Detector.
func (d ScriptDetector) Detect(text string) (language.Tag, bool) {
	minLetters := d.MinLetters
	if minLetters <= 0 {
		minLetters = DefaultMinLetters
	}

	counts := make([]int, len(scripts))
	letters, latin, kana := 0, 0, 0
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.Is(unicode.Latin, r) {
			latin++
			continue
		}
		if unicode.In(r, unicode.Hiragana, unicode.Katakana) {
			kana++
		}
		for i, s := range scripts {
			if unicode.Is(s.table, r) {
				counts[i]++
				break
			}
		}
	}
	if letters < minLetters {
		return language.Und, false
	}

	best, bestCount := -1, 0
	for i, c := range counts {
		if c > bestCount {
			best, bestCount = i, c
		}
	}
	// Japanese text mixes kana with Han; any kana decides it.
	if bestCount > 0 && scripts[best].tag == language.Chinese && kana > 0 {
		return language.Japanese, true
	}
	if bestCount*2 > letters {
		return scripts[best].tag, true
	}
	if latin*2 <= letters {
		return language.Und, false
	}

	return detectLatin(text)
}

// SameLanguage reports whether two language codes share a base language,
// so "en-US" and "en-GB" match. Unparseable codes compare case-insensitively.
func SameLanguage(a, b string) bool {
	ta, errA := language.Parse(a)
	tb, errB := language.Parse(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(a, b)
	}
	ba, _ := ta.Base()
	bb, _ := tb.Base()
	return ba == bb
}

// Base returns the base language subtag of code, e.g. "es" for "es-MX".
func Base(code string) string {
	t, err := language.Parse(code)
	if err != nil {
		return code
	}
	b, _ := t.Base()
	return b.String()
}
