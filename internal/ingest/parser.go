// Package ingest reads log files into records: JSON and plain-text
// layouts, transparent decompression, directory walks.
package ingest

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Kiroku/internal/logdata"
)

// Plain-text layouts, most specific first.
var (
	// 2025-03-01 08:00:01 ERROR db: connection refused
	plainLine = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:Z|[+-]\d{2}:?\d{2})?)\s+\[?(\w+)\]?\s+(.*)$`)

	// [2025-03-01T08:00:02Z] INFO started worker 3
	bracketLine = regexp.MustCompile(`^\[([^\]]+)\]\s+\[?(\w+)\]?\s+(.*)$`)

	// db: connection refused  (logger prefix inside the message part)
	loggerPrefix = regexp.MustCompile(`^([\w.\-/]+):\s+(.*)$`)
)

// knownLevels guards the plain-text layouts against treating an
// ordinary word as a severity.
var knownLevels = map[string]bool{
	"TRACE": true, "DEBUG": true, "INFO": true, "NOTICE": true,
	"WARN": true, "WARNING": true, "ERROR": true, "ERR": true,
	"FATAL": true, "CRITICAL": true, "CRIT": true, "PANIC": true,
}

// Parser turns single log lines into records. JSON lines are tried
// first, then the plain-text layouts, and anything else becomes a raw
// message record. Parsing never fails: a malformed timestamp is
// replaced by the current time.
type Parser struct {
	logger    *zap.Logger
	normalize bool
}

// NewParser creates a parser. When normalize is set, severities are
// canonicalized (warn becomes WARNING and so on).
func NewParser(logger *zap.Logger, normalize bool) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger, normalize: normalize}
}

// ParseLine parses one line into a record.
func (p *Parser) ParseLine(line string) logdata.Record {
	line = strings.TrimRight(line, "\r")

	if strings.HasPrefix(strings.TrimSpace(line), "{") {
		if rec, ok := p.parseJSON(line); ok {
			return p.finish(rec)
		}
	}

	if m := plainLine.FindStringSubmatch(line); m != nil && knownLevels[strings.ToUpper(m[2])] {
		return p.finish(p.plainRecord(m[1], m[2], m[3]))
	}
	if m := bracketLine.FindStringSubmatch(line); m != nil && knownLevels[strings.ToUpper(m[2])] {
		return p.finish(p.plainRecord(m[1], m[2], m[3]))
	}

	return p.finish(logdata.Record{Message: line})
}

func (p *Parser) parseJSON(line string) (logdata.Record, bool) {
	var rec logdata.Record
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return logdata.Record{}, false
	}
	if rec.Message == "" && rec.Level == "" {
		return logdata.Record{}, false
	}
	return rec, true
}

func (p *Parser) plainRecord(ts, level, rest string) logdata.Record {
	rec := logdata.Record{Level: level, Message: rest}

	parsed, err := logdata.ParseTimestamp(ts)
	if err != nil {
		p.logger.Warn("Malformed timestamp, substituting current time",
			zap.String("timestamp", ts),
		)
	} else {
		rec.Timestamp = parsed
	}

	if m := loggerPrefix.FindStringSubmatch(rest); m != nil {
		rec.Logger = m[1]
		rec.Message = m[2]
	}
	return rec
}

// finish applies the timestamp fallback and optional level
// normalization.
func (p *Parser) finish(rec logdata.Record) logdata.Record {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if p.normalize {
		rec = rec.Normalize()
	}
	return rec
}
