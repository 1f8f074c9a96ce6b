// Package tokens holds the tokenizer and stopword list shared by every
// overlap-based score in the pipeline.
package tokens

import "strings"

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "is": {}, "are": {}, "of": {}, "to": {},
	"and": {}, "for": {}, "in": {}, "on": {}, "with": {}, "by": {}, "be": {},
	"as": {}, "at": {}, "or": {}, "that": {}, "this": {}, "from": {}, "it": {},
	"any": {}, "must": {},
}

// Tokenize lowercases text and returns its ASCII alphanumeric runs in order.
func Tokenize(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	start := -1
	for i := 0; i < len(lower); i++ {
		if isAlnum(lower[i]) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, lower[start:i])
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, lower[start:])
	}
	return out
}

// Content returns the tokens of text that are not stopwords, in order.
func Content(text string) []string {
	all := Tokenize(text)
	out := all[:0]
	for _, t := range all {
		if !IsStopword(t) {
			out = append(out, t)
		}
	}
	return out
}

func IsStopword(token string) bool {
	_, ok := stopwords[token]
	return ok
}

// Set is an unordered token collection.
type Set map[string]struct{}

func NewSet(toks []string) Set {
	s := make(Set, len(toks))
	for _, t := range toks {
		s[t] = struct{}{}
	}
	return s
}

// ContentSet is NewSet(Content(text)).
func ContentSet(text string) Set {
	return NewSet(Content(text))
}

func (s Set) Has(token string) bool {
	_, ok := s[token]
	return ok
}

// Overlap counts tokens present in both sets.
func (s Set) Overlap(other Set) int {
	small, large := s, other
	if len(small) > len(large) {
		small, large = large, small
	}
	n := 0
	for t := range small {
		if large.Has(t) {
			n++
		}
	}
	return n
}

func isAlnum(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}
