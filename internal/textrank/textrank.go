// Package textrank tokenizes text and scores documents with Okapi BM25. The
// in-process and redis index backends share it so their rankings agree.
package textrank

import (
	"math"
	"strings"
	"unicode"
)

const (
	K1 = 1.2
	B  = 0.75
)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "is": true,
	"it": true, "of": true, "on": true, "or": true, "that": true, "the": true,
	"to": true, "was": true, "with": true,
}

// Tokenize lower-cases text and splits it on anything that is not a letter,
// digit or underscore. Stopwords and single-rune tokens are dropped.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 2 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// QueryTerms returns the distinct tokens of a query in first-seen order.
func QueryTerms(query string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range Tokenize(query) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// TermFreqs counts tokens and returns the document length.
func TermFreqs(text string) (map[string]int, int) {
	toks := Tokenize(text)
	tf := make(map[string]int, len(toks))
	for _, t := range toks {
		tf[t]++
	}
	return tf, len(toks)
}

// Corpus holds the collection statistics BM25 needs.
type Corpus struct {
	Docs   int
	AvgLen float64
}

// IDF is the non-negative BM25 inverse document frequency.
func (c Corpus) IDF(docFreq int) float64 {
	n := float64(c.Docs)
	df := float64(docFreq)
	return math.Log(1 + (n-df+0.5)/(df+0.5))
}

// Term scores one query term in one document.
func (c Corpus) Term(tf, docLen, docFreq int) float64 {
	if tf == 0 {
		return 0
	}
	avg := c.AvgLen
	if avg <= 0 {
		avg = 1
	}
	f := float64(tf)
	norm := f + K1*(1-B+B*float64(docLen)/avg)
	return c.IDF(docFreq) * f * (K1 + 1) / norm
}
