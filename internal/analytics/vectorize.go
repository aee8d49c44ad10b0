package analytics

import (
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/shizukutanaka/Kiroku/internal/logdata"
)

// tokenize lower-cases a message and splits it on whitespace.
func tokenize(message string) []string {
	return strings.Fields(strings.ToLower(message))
}

// vectorizer learns a fixed vocabulary from a training corpus and maps
// messages onto term-count vectors weighted by smoothed inverse
// document frequency. The vocabulary keeps first-seen token order so
// downstream results are deterministic.
type vectorizer struct {
	terms []string
	index map[string]int
	idf   []float64
}

func newVectorizer() *vectorizer {
	return &vectorizer{index: make(map[string]int)}
}

// fit builds the vocabulary and per-term IDF weights:
// idf = ln((N+1)/(df+1)) + 1, where df counts the messages containing
// the term at least once.
func (v *vectorizer) fit(messages []string) {
	df := make([]int, 0)
	for _, msg := range messages {
		seen := make(map[int]bool)
		for _, tok := range tokenize(msg) {
			idx, ok := v.index[tok]
			if !ok {
				idx = len(v.terms)
				v.index[tok] = idx
				v.terms = append(v.terms, tok)
				df = append(df, 0)
			}
			if !seen[idx] {
				seen[idx] = true
				df[idx]++
			}
		}
	}

	n := float64(len(messages))
	v.idf = make([]float64, len(v.terms))
	for i, d := range df {
		v.idf[i] = math.Log((n+1)/(float64(d)+1)) + 1
	}
}

// transform maps messages onto an N x vocabulary matrix of raw term
// counts multiplied by the trained IDF weights. Tokens outside the
// vocabulary contribute nothing. Returns nil when there are no
// messages or the vocabulary is empty.
func (v *vectorizer) transform(messages []string) *mat.Dense {
	if len(messages) == 0 || len(v.terms) == 0 {
		return nil
	}
	m := mat.NewDense(len(messages), len(v.terms), nil)
	for i, msg := range messages {
		for _, tok := range tokenize(msg) {
			if j, ok := v.index[tok]; ok {
				m.Set(i, j, m.At(i, j)+v.idf[j])
			}
		}
	}
	return m
}

func (v *vectorizer) vocabularySize() int {
	return len(v.terms)
}

// messages collects the message field of each record.
func messages(records []logdata.Record) []string {
	msgs := make([]string, len(records))
	for i, rec := range records {
		msgs[i] = rec.Message
	}
	return msgs
}
