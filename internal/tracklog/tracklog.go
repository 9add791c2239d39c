// Package tracklog journals delivery outcomes to CSV files with automatic
// rotation. It is an audit trail only; nothing is ever re-sent from it.
package tracklog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/gpsreporter/internal/logger"
	"github.com/shaunagostinho/gpsreporter/internal/status"
)

// Journal records delivered and failed fixes.
type Journal struct {
	mu      sync.Mutex
	dir     string
	enabled bool
	maxRows int
	log     *zap.Logger

	file   *os.File
	writer *csv.Writer
	rows   int
}

// Config holds journal configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" json:"maxRows"`
}

const defaultMaxRows = 100_000 // ~70 days at one fix per minute

var csvHeader = []string{
	"recorded_at", "captured_at_ms", "latitude", "longitude",
	"source", "transport", "outcome", "http_code", "message",
}

// New creates a Journal.
func New(cfg Config) *Journal {
	if cfg.Path == "" {
		cfg.Path = "/var/log/gpsreporter"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &Journal{
		dir:     cfg.Path,
		enabled: cfg.Enabled,
		maxRows: cfg.MaxRows,
		log:     logger.Named("tracklog"),
	}
}

// SetEnabled allows toggling the journal at runtime.
func (j *Journal) SetEnabled(on bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.enabled = on
	if !on && j.file != nil {
		j.closeFile()
	}
}

// IsEnabled returns whether the journal is active.
func (j *Journal) IsEnabled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enabled
}

// Publish records delivery outcomes and ignores every other status.
func (j *Journal) Publish(s status.Status) {
	if s.Fix == nil || (s.Kind != status.KindDelivered && s.Kind != status.KindDeliveryFailed) {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.enabled {
		return
	}

	if j.writer == nil || j.rows >= j.maxRows {
		if err := j.rotateFile(s.At); err != nil {
			j.log.Error("rotate failed", zap.Error(err))
			return
		}
	}

	if err := j.writer.Write(buildRow(s)); err != nil {
		j.log.Error("write failed", zap.Error(err))
		return
	}
	j.writer.Flush()
	j.rows++
}

// Close flushes and closes the current file.
func (j *Journal) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closeFile()
}

func (j *Journal) rotateFile(now time.Time) error {
	j.closeFile()

	if err := os.MkdirAll(j.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", j.dir, err)
	}

	filename := fmt.Sprintf("track_%s.csv", now.UTC().Format("2006-01-02_150405.000"))
	path := filepath.Join(j.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	j.file = f
	j.writer = csv.NewWriter(f)
	j.rows = 0

	if err := j.writer.Write(csvHeader); err != nil {
		return err
	}
	j.writer.Flush()

	j.log.Info("opened", zap.String("path", path))
	return nil
}

func (j *Journal) closeFile() {
	if j.writer != nil {
		j.writer.Flush()
		j.writer = nil
	}
	if j.file != nil {
		j.file.Close()
		j.file = nil
	}
}

func buildRow(s status.Status) []string {
	outcome := "sent"
	if s.Kind == status.KindDeliveryFailed {
		outcome = "failed"
	}
	return []string{
		s.At.UTC().Format(time.RFC3339Nano),
		strconv.FormatInt(s.Fix.CapturedAtMillis(), 10),
		strconv.FormatFloat(s.Fix.Latitude, 'f', -1, 64),
		strconv.FormatFloat(s.Fix.Longitude, 'f', -1, 64),
		s.Source,
		s.Transport,
		outcome,
		strconv.Itoa(s.Code),
		s.Message,
	}
}
