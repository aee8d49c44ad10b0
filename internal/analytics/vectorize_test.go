package analytics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTokenize tests message tokenization
func TestTokenize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"lowercases", "Hello World", []string{"hello", "world"}},
		{"splits on any whitespace", "a\tb\nc  d", []string{"a", "b", "c", "d"}},
		{"empty", "", nil},
		{"whitespace only", "   \t ", nil},
		{"keeps punctuation attached", "error: retry!", []string{"error:", "retry!"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tokenize(tt.input))
		})
	}
}

// TestVectorizerFit tests vocabulary order and IDF weights
func TestVectorizerFit(t *testing.T) {
	t.Parallel()

	v := newVectorizer()
	v.fit([]string{"b a", "a c"})

	// Vocabulary keeps first-seen order.
	assert.Equal(t, []string{"b", "a", "c"}, v.terms)

	// idf = ln((N+1)/(df+1)) + 1 with N = 2.
	require.Len(t, v.idf, 3)
	assert.InDelta(t, math.Log(3.0/2.0)+1, v.idf[0], 1e-12) // b: df 1
	assert.InDelta(t, 1.0, v.idf[1], 1e-12)                 // a: df 2
	assert.InDelta(t, math.Log(3.0/2.0)+1, v.idf[2], 1e-12) // c: df 1
}

// TestVectorizerFitCountsDocumentFrequencyOnce tests that repeats within
// one message do not inflate df
func TestVectorizerFitCountsDocumentFrequencyOnce(t *testing.T) {
	t.Parallel()

	v := newVectorizer()
	v.fit([]string{"a a a", "b"})

	// df(a) is 1 even though the token repeats in its message.
	assert.InDelta(t, math.Log(3.0/2.0)+1, v.idf[v.index["a"]], 1e-12)
}

// TestVectorizerTransform tests TF-IDF weighting
func TestVectorizerTransform(t *testing.T) {
	t.Parallel()

	v := newVectorizer()
	v.fit([]string{"a b", "b b c"})

	m := v.transform([]string{"b b a z"})
	require.NotNil(t, m)

	rows, cols := m.Dims()
	assert.Equal(t, 1, rows)
	assert.Equal(t, 3, cols)

	idfA := math.Log(3.0/2.0) + 1 // df 1
	idfB := 1.0                   // df 2

	assert.InDelta(t, idfA, m.At(0, v.index["a"]), 1e-12)
	assert.InDelta(t, 2*idfB, m.At(0, v.index["b"]), 1e-12)
	assert.Equal(t, 0.0, m.At(0, v.index["c"]))
}

// TestVectorizerTransformEdgeCases tests nil results for degenerate input
func TestVectorizerTransformEdgeCases(t *testing.T) {
	t.Parallel()

	v := newVectorizer()
	v.fit([]string{"a b"})

	assert.Nil(t, v.transform(nil))
	assert.Nil(t, v.transform([]string{}))

	empty := newVectorizer()
	empty.fit([]string{"   "})
	assert.Zero(t, empty.vocabularySize())
	assert.Nil(t, empty.transform([]string{"anything"}))
}
