package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nshaver/nilesbridge/internal/receiver"
)

// Logger records zone state transitions to CSV files with automatic
// rotation. Every change the reconciler emits becomes one timestamped
// row, which makes protocol behavior auditable over long sessions.
type Logger struct {
	mu      sync.Mutex
	dir     string
	enabled bool

	file   *os.File
	writer *csv.Writer
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

const maxRowsPerFile = 100_000

var csvHeader = []string{
	"timestamp", "receiver", "zone", "zone_name", "key", "value", "display",
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/nilesbridge"
	}
	return &Logger{
		dir:     cfg.Path,
		enabled: cfg.Enabled,
	}
}

// Record writes one row per state change. Disabled loggers are a no-op.
func (l *Logger) Record(receiverID string, zone *receiver.Zone, changes []receiver.StateChange) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(time.Now()); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	ts := time.Now().Format(time.RFC3339Nano)
	for _, c := range changes {
		row := []string{
			ts,
			receiverID,
			fmt.Sprintf("%d", zone.Number),
			zone.Name,
			c.Key,
			fmt.Sprintf("%v", c.Value),
			c.Display,
		}
		if err := l.writer.Write(row); err != nil {
			log.Printf("[logger] write failed: %v", err)
			return
		}
		l.rows++
	}
	l.writer.Flush()
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("nilesbridge_%s.csv", now.Format("2006-01-02_150405"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
