package analytics

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Kiroku/internal/logdata"
)

const (
	// DefaultMinPatternCount is the minimum number of matching records
	// a term needs before it is reported as a pattern.
	DefaultMinPatternCount = 3

	// maxPatternExamples caps the example records attached to a pattern.
	maxPatternExamples = 5
)

// Pattern is a vocabulary term that recurs across enough records,
// together with how often it matched and a few example records.
type Pattern struct {
	Term     string           `json:"pattern"`
	Count    int              `json:"count"`
	Examples []logdata.Record `json:"examples"`
}

// PatternRecognizer learns a message vocabulary and reports the terms
// that recur across at least MinPatternCount records of a batch.
type PatternRecognizer struct {
	logger   *zap.Logger
	minCount int

	mu      sync.RWMutex
	vec     *vectorizer
	trained bool
}

// NewPatternRecognizer creates a recognizer. A non-positive minimum
// count selects DefaultMinPatternCount.
func NewPatternRecognizer(logger *zap.Logger, minCount int) *PatternRecognizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if minCount <= 0 {
		minCount = DefaultMinPatternCount
	}
	return &PatternRecognizer{
		logger:   logger,
		minCount: minCount,
	}
}

// Train fits the vocabulary and IDF weights on the batch. An empty
// batch leaves the recognizer untrained.
func (p *PatternRecognizer) Train(records []logdata.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(records) == 0 {
		p.logger.Warn("Pattern training skipped: no records")
		return
	}

	vec := newVectorizer()
	vec.fit(messages(records))
	p.vec = vec
	p.trained = true

	p.logger.Info("Pattern vocabulary trained",
		zap.Int("records", len(records)),
		zap.Int("vocabulary", vec.vocabularySize()),
	)
}

// Recognize weighs the batch against the trained vocabulary and
// returns the recurring terms sorted by match count, descending. Ties
// keep vocabulary order. Untrained recognizers and empty batches yield
// an empty result. Examples hold the first matching records in input
// order, capped at five.
func (p *PatternRecognizer) Recognize(records []logdata.Record) []Pattern {
	p.mu.RLock()
	defer p.mu.RUnlock()

	patterns := make([]Pattern, 0)
	if !p.trained {
		p.logger.Warn("Pattern recognition skipped: recognizer not trained")
		return patterns
	}
	if len(records) == 0 {
		return patterns
	}

	weights := p.vec.transform(messages(records))
	if weights == nil {
		return patterns
	}

	for j, term := range p.vec.terms {
		count := 0
		var examples []logdata.Record
		for i := range records {
			if weights.At(i, j) == 0 {
				continue
			}
			count++
			if len(examples) < maxPatternExamples {
				examples = append(examples, records[i])
			}
		}
		if count >= p.minCount {
			patterns = append(patterns, Pattern{
				Term:     term,
				Count:    count,
				Examples: examples,
			})
		}
	}

	sort.SliceStable(patterns, func(a, b int) bool {
		return patterns[a].Count > patterns[b].Count
	})
	return patterns
}

// Trained reports whether a vocabulary has been learned.
func (p *PatternRecognizer) Trained() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.trained
}

// MinCount returns the configured pattern threshold.
func (p *PatternRecognizer) MinCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minCount
}

// SetMinCount replaces the pattern threshold, e.g. on a config reload.
// A non-positive value selects DefaultMinPatternCount. The trained
// vocabulary is kept.
func (p *PatternRecognizer) SetMinCount(minCount int) {
	if minCount <= 0 {
		minCount = DefaultMinPatternCount
	}
	p.mu.Lock()
	p.minCount = minCount
	p.mu.Unlock()
}

// Reset discards the trained vocabulary.
func (p *PatternRecognizer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vec = nil
	p.trained = false
}
