// Package masking redacts sensitive substrings from log records before
// they are stored or analyzed.
package masking

import (
	"fmt"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Kiroku/internal/logdata"
)

// Rule is a user-supplied masking rule. Pattern is a Go regular
// expression; Replacement may reference capture groups with ${n}.
type Rule struct {
	Name        string `json:"name"`
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
}

// maskRule is a compiled rule.
type maskRule struct {
	name        string
	re          *regexp.Regexp
	replacement string
}

// defaultRules covers the credential shapes that commonly leak into
// logs. Key/value style rules keep the key and mask the value.
var defaultRules = []Rule{
	{
		Name:        "password",
		Pattern:     `(?i)(password|passwd|pwd)(["']?\s*[:=]\s*["']?)[^\s"',;]+`,
		Replacement: `${1}${2}[REDACTED]`,
	},
	{
		Name:        "api_key",
		Pattern:     `(?i)(api[_-]?key|access[_-]?key|client[_-]?secret)(["']?\s*[:=]\s*["']?)[^\s"',;]+`,
		Replacement: `${1}${2}[REDACTED]`,
	},
	{
		Name:        "token",
		Pattern:     `(?i)(token|secret|credential)(["']?\s*[:=]\s*["']?)[^\s"',;]+`,
		Replacement: `${1}${2}[REDACTED]`,
	},
	{
		Name:        "bearer",
		Pattern:     `(?i)(bearer\s+)[a-z0-9\-_.~+/]+=*`,
		Replacement: `${1}[REDACTED]`,
	},
	{
		Name:        "basic_auth",
		Pattern:     `(?i)(authorization:\s*basic\s+)[a-z0-9+/=]+`,
		Replacement: `${1}[REDACTED]`,
	},
	{
		Name:        "aws_access_key",
		Pattern:     `\bAKIA[0-9A-Z]{16}\b`,
		Replacement: `[REDACTED_AWS_KEY]`,
	},
	{
		Name:        "private_key",
		Pattern:     `(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`,
		Replacement: `[REDACTED_PRIVATE_KEY]`,
	},
	{
		Name:        "card_number",
		Pattern:     `\b\d{4}[ -]\d{4}[ -]\d{4}[ -]\d{4}\b`,
		Replacement: `[REDACTED_CARD]`,
	},
}

// DefaultRules returns a copy of the built-in rule set.
func DefaultRules() []Rule {
	rules := make([]Rule, len(defaultRules))
	copy(rules, defaultRules)
	return rules
}

// Masker applies the built-in and any custom masking rules to records.
// Inputs are never mutated; masked copies are returned.
type Masker struct {
	logger *zap.Logger

	mu    sync.Mutex
	rules []maskRule
	hits  map[string]uint64
}

// NewMasker compiles the default rules plus any custom ones. A custom
// rule that fails to compile is a configuration error.
func NewMasker(logger *zap.Logger, custom []Rule) (*Masker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	compiled, err := compileRules(custom)
	if err != nil {
		return nil, err
	}

	return &Masker{
		logger: logger,
		rules:  compiled,
		hits:   make(map[string]uint64),
	}, nil
}

// compileRules compiles the default rules followed by the custom ones.
func compileRules(custom []Rule) ([]maskRule, error) {
	all := append(DefaultRules(), custom...)
	compiled := make([]maskRule, 0, len(all))
	for _, r := range all {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("masking rule %q: %w", r.Name, err)
		}
		compiled = append(compiled, maskRule{
			name:        r.Name,
			re:          re,
			replacement: r.Replacement,
		})
	}
	return compiled, nil
}

// SetRules replaces the custom rule set at runtime, e.g. on a config
// reload. The default rules always stay in front and hit counters
// carry over. On a compile error the previous rules stay in effect.
func (m *Masker) SetRules(custom []Rule) error {
	compiled, err := compileRules(custom)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.rules = compiled
	m.mu.Unlock()

	m.logger.Info("Masking rules updated", zap.Int("rules", len(compiled)))
	return nil
}

// MaskString applies every rule to s and returns the masked string and
// the number of redactions made.
func (m *Masker) MaskString(s string) (string, int) {
	// SetRules swaps the slice wholesale, so a snapshot is safe to
	// iterate without holding the lock.
	m.mu.Lock()
	rules := m.rules
	m.mu.Unlock()

	total := 0
	for i := range rules {
		rule := &rules[i]
		matches := rule.re.FindAllStringIndex(s, -1)
		if len(matches) == 0 {
			continue
		}
		s = rule.re.ReplaceAllString(s, rule.replacement)
		total += len(matches)

		m.mu.Lock()
		m.hits[rule.name] += uint64(len(matches))
		m.mu.Unlock()
	}
	return s, total
}

// MaskRecord returns a masked copy of the record, covering the message
// and any field values.
func (m *Masker) MaskRecord(rec logdata.Record) (logdata.Record, int) {
	total := 0
	rec.Message, total = m.MaskString(rec.Message)

	if len(rec.Fields) > 0 {
		fields := make(map[string]string, len(rec.Fields))
		for k, v := range rec.Fields {
			masked, n := m.MaskString(v)
			fields[k] = masked
			total += n
		}
		rec.Fields = fields
	}
	return rec, total
}

// MaskRecords masks a batch, returning the masked copies and the total
// redaction count.
func (m *Masker) MaskRecords(records []logdata.Record) ([]logdata.Record, int) {
	if len(records) == 0 {
		return []logdata.Record{}, 0
	}

	masked := make([]logdata.Record, len(records))
	total := 0
	for i, rec := range records {
		rec, n := m.MaskRecord(rec)
		masked[i] = rec
		total += n
	}

	if total > 0 {
		m.logger.Debug("Masked sensitive content",
			zap.Int("records", len(records)),
			zap.Int("redactions", total),
		)
	}
	return masked, total
}

// RuleHits returns how often each rule has matched since creation.
func (m *Masker) RuleHits() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	hits := make(map[string]uint64, len(m.hits))
	for k, v := range m.hits {
		hits[k] = v
	}
	return hits
}
