package engine

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// tailMatchLen is the number of trailing runes of the safe text that must
// reappear in a new hypothesis before the hypothesis tail is appended.
const tailMatchLen = 10

// Stabilizer turns a stream of fluctuating realtime hypotheses for one
// utterance into text that is unlikely to change with more context.
//
// The safe text is the longest common prefix of the two most recent
// hypotheses; it only ever grows. Each update returns the safe text extended
// by whatever the newest hypothesis says after the point where the end of the
// safe text reappears in it.
//
// The zero value is ready to use. A Stabilizer is not safe for concurrent use.
type Stabilizer struct {
	prev     []rune
	havePrev bool
	safe     []rune
}

// Update feeds one hypothesis and returns the stabilized text, normalised to
// single spaces with an upper-case first letter. It returns "" while nothing
// is known.
func (s *Stabilizer) Update(hypothesis string) string {
	text := []rune(collapseSpace(hypothesis))

	if s.havePrev {
		if p := commonPrefix(s.prev, text); len(p) >= len(s.safe) {
			s.safe = p
		}
	}
	s.prev = text
	s.havePrev = true

	var out []rune
	switch pos := tailMatch(s.safe, text, tailMatchLen); {
	case pos >= 0:
		out = make([]rune, 0, len(s.safe)+len(text)-pos)
		out = append(out, s.safe...)
		out = append(out, text[pos:]...)
	case len(s.safe) > 0:
		out = s.safe
	default:
		out = text
	}
	return sentenceCase(collapseSpace(string(out)))
}

// Reset forgets all history. Call it at the end of every utterance.
func (s *Stabilizer) Reset() {
	s.prev = nil
	s.havePrev = false
	s.safe = nil
}

// commonPrefix returns the longest common prefix of a and b as a new slice.
func commonPrefix(a, b []rune) []rune {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return append([]rune(nil), a[:i]...)
}

// tailMatch finds the last n runes of safe inside text, searching from the
// end of text, and returns the index just past the match. It returns -1 when
// either input is shorter than n or there is no match.
func tailMatch(safe, text []rune, n int) int {
	if len(safe) < n || len(text) < n {
		return -1
	}
	target := safe[len(safe)-n:]
	for end := len(text); end >= n; end-- {
		if runesEqual(text[end-n:end], target) {
			return end
		}
	}
	return -1
}

func runesEqual(a, b []rune) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// collapseSpace trims s and replaces every whitespace run with one space.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// sentenceCase upper-cases the first rune of s.
func sentenceCase(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || unicode.IsUpper(r) {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
