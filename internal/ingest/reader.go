package ingest

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Kiroku/internal/logdata"
)

const (
	// DefaultMaxLineBytes caps a single log line. Longer lines abort
	// the file read instead of silently truncating.
	DefaultMaxLineBytes = 1024 * 1024

	initialScanBuffer = 64 * 1024
)

// DefaultExtensions lists the file extensions ReadDir picks up.
var DefaultExtensions = []string{".log", ".txt", ".jsonl", ".out", ".gz", ".zst", ".zstd"}

// Config controls file ingestion.
type Config struct {
	MaxLineBytes    int
	Extensions      []string
	NormalizeLevels bool
}

// DefaultConfig returns the ingestion defaults.
func DefaultConfig() Config {
	return Config{
		MaxLineBytes:    DefaultMaxLineBytes,
		Extensions:      DefaultExtensions,
		NormalizeLevels: true,
	}
}

// Reader loads log records from files, streams, and directories.
// Compressed inputs are detected by extension and decompressed on the
// fly.
type Reader struct {
	logger     *zap.Logger
	config     Config
	parser     *Parser
	extensions map[string]bool
}

// NewReader creates a reader. Zero config fields fall back to
// defaults.
func NewReader(logger *zap.Logger, config Config) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxLineBytes <= 0 {
		config.MaxLineBytes = DefaultMaxLineBytes
	}
	if len(config.Extensions) == 0 {
		config.Extensions = DefaultExtensions
	}
	extensions := make(map[string]bool, len(config.Extensions))
	for _, ext := range config.Extensions {
		extensions[strings.ToLower(ext)] = true
	}
	return &Reader{
		logger:     logger.Named("ingest"),
		config:     config,
		parser:     NewParser(logger, config.NormalizeLevels),
		extensions: extensions,
	}
}

// Read parses records line by line from src. Empty lines are skipped.
func (r *Reader) Read(src io.Reader) ([]logdata.Record, error) {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, initialScanBuffer), r.config.MaxLineBytes)

	var records []logdata.Record
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		records = append(records, r.parser.ParseLine(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan input: %w", err)
	}
	return records, nil
}

// ReadFile reads a single log file, decompressing .gz and .zst
// transparently.
func (r *Reader) ReadFile(path string) ([]logdata.Record, error) {
	src, err := r.open(path)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	records, err := r.Read(src)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	r.logger.Debug("File ingested",
		zap.String("path", path),
		zap.Int("records", len(records)),
	)
	return records, nil
}

// ReadDir walks a directory tree and ingests every file whose
// extension is in the configured set. Unreadable files are skipped
// with a warning rather than failing the whole walk.
func (r *Reader) ReadDir(root string) ([]logdata.Record, error) {
	var records []logdata.Record
	files := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !r.extensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		recs, err := r.ReadFile(path)
		if err != nil {
			r.logger.Warn("Skipping unreadable file",
				zap.String("path", path),
				zap.Error(err),
			)
			return nil
		}
		files++
		records = append(records, recs...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	r.logger.Info("Directory ingested",
		zap.String("path", root),
		zap.Int("files", files),
		zap.Int("records", len(records)),
	)
	return records, nil
}

// ReadPath ingests a file or a directory, whichever path points at.
func (r *Reader) ReadPath(path string) ([]logdata.Record, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return r.ReadDir(path)
	}
	return r.ReadFile(path)
}

// open opens path and wraps it in a decompressor when the extension
// calls for one.
func (r *Reader) open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz", ".gzip":
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("gzip %s: %w", path, err)
		}
		return &compositeCloser{Reader: zr, closers: []io.Closer{zr, f}}, nil
	case ".zst", ".zstd":
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("zstd %s: %w", path, err)
		}
		return &compositeCloser{Reader: zr, closers: []io.Closer{zr.IOReadCloser(), f}}, nil
	default:
		return f, nil
	}
}

// compositeCloser closes a decompressor and its underlying file in
// order.
type compositeCloser struct {
	io.Reader
	closers []io.Closer
}

func (c *compositeCloser) Close() error {
	var first error
	for _, closer := range c.closers {
		if err := closer.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
