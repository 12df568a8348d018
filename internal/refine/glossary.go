package refine

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	// Meeting speech is mostly ordinary vocabulary, so both thresholds sit
	// well above what a names-only matcher would use.
	phoneticThreshold = 0.85
	fuzzyThreshold    = 0.93
	minTermLen        = 3
)

var entrySplit = regexp.MustCompile(`[,;\n]+`)

// Correction records one glossary substitution.
type Correction struct {
	Original  string
	Corrected string
	Score     float64
}

// ParseGlossary extracts canonical terms from a free-form hint such as
// "API=Application Programming Interface, Kubernetes; SLO (service level
// objective)". Only the part before "=", ":" or "(" of each entry is kept.
// Terms shorter than three letters are dropped.
func ParseGlossary(hint string) []string {
	var terms []string
	seen := make(map[string]bool)
	for _, entry := range entrySplit.Split(hint, -1) {
		if i := strings.IndexAny(entry, "=:("); i >= 0 {
			entry = entry[:i]
		}
		entry = strings.Join(strings.Fields(entry), " ")
		key := strings.ToLower(entry)
		if len([]rune(entry)) < minTermLen || seen[key] {
			continue
		}
		seen[key] = true
		terms = append(terms, entry)
	}
	return terms
}

type preparedTerm struct {
	term   string
	lower  string
	tokens []string
	codes  map[string]struct{}
}

// Aligner rewrites phonetically close spellings of glossary terms to their
// canonical form. It is read-only after construction.
type Aligner struct {
	terms    []preparedTerm
	maxWords int
}

// NewAligner prepares terms for matching. It returns nil when terms is empty.
func NewAligner(terms []string) *Aligner {
	if len(terms) == 0 {
		return nil
	}
	a := &Aligner{}
	for _, t := range terms {
		lower := strings.ToLower(t)
		tokens := strings.Fields(lower)
		a.terms = append(a.terms, preparedTerm{term: t, lower: lower, tokens: tokens, codes: codesFor(tokens)})
		a.maxWords = max(a.maxWords, len(tokens))
	}
	return a
}

// Align walks text token by token, trying the longest window first so
// multi-word terms win over partial matches. Punctuation around a window is
// kept. Line breaks are collapsed to single spaces.
func (a *Aligner) Align(text string) (string, []Correction) {
	if a == nil {
		return text, nil
	}
	tokens := strings.Fields(text)
	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(tokens); {
		n := min(a.maxWords, len(tokens)-i)
		matched := false
		for ; n >= 1; n-- {
			lead, core, trail := splitPunct(tokens[i : i+n])
			if len([]rune(core)) < minTermLen {
				continue
			}
			term, score, ok := a.match(core)
			if !ok {
				continue
			}
			if term != core {
				corrections = append(corrections, Correction{Original: core, Corrected: term, Score: score})
			}
			out = append(out, lead+term+trail)
			i += n
			matched = true
			break
		}
		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}
	return strings.Join(out, " "), corrections
}

func (a *Aligner) match(window string) (string, float64, bool) {
	lower := strings.ToLower(window)
	tokens := strings.Fields(lower)
	codes := codesFor(tokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, t := range a.terms {
		if lower == t.lower {
			return t.term, 1, true
		}
		if len(tokens) != len(t.tokens) {
			continue
		}
		score := jwScore(tokens, t.tokens, lower, t.lower)
		phonetic := overlaps(codes, t.codes)
		switch {
		case phonetic && score >= phoneticThreshold:
			if !bestPhonetic || score > bestScore {
				best, bestScore, bestPhonetic = t.term, score, true
			}
		case !phonetic && !bestPhonetic && score >= fuzzyThreshold && score > bestScore:
			best, bestScore = t.term, score
		}
	}
	return best, bestScore, best != ""
}

// splitPunct joins tokens and separates leading and trailing punctuation.
func splitPunct(tokens []string) (lead, core, trail string) {
	s := strings.Join(tokens, " ")
	core = strings.TrimLeftFunc(s, isPunct)
	lead = s[:len(s)-len(core)]
	trimmed := strings.TrimRightFunc(core, isPunct)
	trail = core[len(trimmed):]
	return lead, trimmed, trail
}

func isPunct(r rune) bool { return unicode.IsPunct(r) || unicode.IsSymbol(r) }

func codesFor(tokens []string) map[string]struct{} {
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

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// jwScore is the best Jaro-Winkler similarity over the full strings and the
// strings with spaces removed.
func jwScore(in, term []string, inFull, termFull string) float64 {
	score := matchr.JaroWinkler(inFull, termFull, false)
	if len(in) > 1 {
		if s := matchr.JaroWinkler(strings.Join(in, ""), strings.Join(term, ""), false); s > score {
			score = s
		}
	}
	return score
}
