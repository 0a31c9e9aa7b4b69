// Package auditlog records a human-readable trail of every command
// exchange (e.g. "BOLUS 01.00", "CANCEL BOLUS") the way spec.md §4.4's
// RequestLabel is threaded through Transport.Send. It is adapted from
// two teacher files: the rolling in-memory buffer shape of
// sol/screenbuf.go's ScreenBuffer (mutex-guarded byte slice with
// max-size truncation), and the per-pod-directory rotation/retention
// shape of logs/writer.go's getOrCreateFile/Cleanup — with that file's
// ANSI-escape-cleaning and screen-redraw-dedup logic dropped, since
// there is no terminal stream here, only discrete one-line audit
// entries.
package auditlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const defaultRingSize = 64 * 1024 // 64KB

// Ring is a rolling in-memory buffer of recent audit entries, used to
// serve the status server's recent-activity endpoint without touching
// disk (adapted from sol/screenbuf.go's ScreenBuffer).
type Ring struct {
	mu   sync.RWMutex
	data []byte
	max  int
}

// NewRing returns a Ring capped at maxSize bytes.
func NewRing(maxSize int) *Ring {
	if maxSize <= 0 {
		maxSize = defaultRingSize
	}
	return &Ring{data: make([]byte, 0, maxSize), max: maxSize}
}

// Write appends p, truncating the oldest bytes if the ring is full.
func (r *Ring) Write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, p...)
	if len(r.data) > r.max {
		excess := len(r.data) - r.max
		copy(r.data, r.data[excess:])
		r.data = r.data[:r.max]
	}
}

// Bytes returns a copy of the ring's current contents.
func (r *Ring) Bytes() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]byte, len(r.data))
	copy(out, r.data)
	return out
}

// Writer appends timestamped audit entries to a per-pod log file and
// mirrors them into a Ring for fast in-memory access
// (adapted from logs/writer.go's getOrCreateFile, minus its ANSI
// cleaning and dedup logic — audit entries are already one line each).
type Writer struct {
	basePath      string
	retentionDays int

	mu    sync.Mutex
	files map[string]*os.File
	rings map[string]*Ring
}

// NewWriter returns a Writer rooted at basePath, one subdirectory per
// pod key.
func NewWriter(basePath string, retentionDays int) *Writer {
	return &Writer{
		basePath:      basePath,
		retentionDays: retentionDays,
		files:         make(map[string]*os.File),
		rings:         make(map[string]*Ring),
	}
}

// Record appends one labeled exchange to podKey's audit trail, e.g.
// Record("pod-0001", "BOLUS 01.00").
func (w *Writer) Record(podKey, label string) error {
	line := fmt.Sprintf("%s %s\n", time.Now().Format(time.RFC3339), label)

	w.mu.Lock()
	defer w.mu.Unlock()

	ring, ok := w.rings[podKey]
	if !ok {
		ring = NewRing(defaultRingSize)
		w.rings[podKey] = ring
	}
	ring.Write([]byte(line))

	f, err := w.getOrCreateFile(podKey)
	if err != nil {
		return fmt.Errorf("open audit log for %s: %w", podKey, err)
	}
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write audit log for %s: %w", podKey, err)
	}
	return nil
}

// Recent returns the ring-buffered recent audit entries for podKey.
func (w *Writer) Recent(podKey string) []byte {
	w.mu.Lock()
	ring, ok := w.rings[podKey]
	w.mu.Unlock()
	if !ok {
		return nil
	}
	return ring.Bytes()
}

func (w *Writer) getOrCreateFile(podKey string) (*os.File, error) {
	if f, exists := w.files[podKey]; exists {
		return f, nil
	}

	dir := filepath.Join(w.basePath, podKey)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	symlinkPath := filepath.Join(dir, "current.log")
	if target, err := os.Readlink(symlinkPath); err == nil {
		existingPath := filepath.Join(dir, target)
		if f, err := os.OpenFile(existingPath, os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			w.files[podKey] = f
			return f, nil
		}
	}

	filename := time.Now().Format("2006-01-02_15-04-05") + ".log"
	path := filepath.Join(dir, filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit log file: %w", err)
	}
	w.files[podKey] = f

	os.Remove(symlinkPath)
	os.Symlink(filename, symlinkPath)

	log.Infof("created audit log file: %s", path)
	return f, nil
}

// Cleanup removes audit log files older than the configured retention
// window (adapted from logs/writer.go's Cleanup).
func (w *Writer) Cleanup() {
	if w.retentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -w.retentionDays)

	entries, err := os.ReadDir(w.basePath)
	if err != nil {
		return
	}
	for _, podDir := range entries {
		if !podDir.IsDir() {
			continue
		}
		podPath := filepath.Join(w.basePath, podDir.Name())
		logFiles, err := os.ReadDir(podPath)
		if err != nil {
			continue
		}
		for _, logFile := range logFiles {
			if logFile.IsDir() || filepath.Ext(logFile.Name()) != ".log" {
				continue
			}
			info, err := logFile.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				path := filepath.Join(podPath, logFile.Name())
				os.Remove(path)
				log.Infof("cleaned up old audit log: %s", path)
			}
		}
	}
}

// Close closes every open audit log file.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range w.files {
		f.Close()
	}
	w.files = make(map[string]*os.File)
}
