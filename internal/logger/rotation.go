package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const backupTimeFormat = "20060102-150405.000"

// RotationConfig controls when a RotatingWriter starts a new file and how long
// backups are kept
type RotationConfig struct {
	// MaxBytes is the size at which the active file is rotated. Zero disables
	// rotation.
	MaxBytes int64
	// MaxAge removes backups older than this. Zero keeps every backup.
	MaxAge time.Duration
	// Compress gzips backups after rotation
	Compress bool
}

// RotatingWriter is an io.WriteCloser over a log file that is renamed to a
// timestamped backup once it grows past MaxBytes
type RotatingWriter struct {
	cfg      RotationConfig
	filename string

	mu   sync.Mutex
	file *os.File
	size int64

	// background compression and pruning
	jobs sync.WaitGroup
	now  func() time.Time
}

// NewRotatingWriter opens filename for appending, creating its directory
func NewRotatingWriter(filename string, cfg RotationConfig) (*RotatingWriter, error) {
	file, err := openLogFile(filename)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat log file: %w", err)
	}

	w := &RotatingWriter{
		cfg:      cfg,
		filename: filename,
		file:     file,
		size:     info.Size(),
		now:      time.Now,
	}

	now := w.now()
	w.jobs.Add(1)
	go func() {
		defer w.jobs.Done()
		w.prune(now)
	}()

	return w, nil
}

// Write appends p, rotating first when p would push the file past MaxBytes.
// A record is never split across files.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}

	if w.cfg.MaxBytes > 0 && w.size > 0 && w.size+int64(len(p)) > w.cfg.MaxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the active file and waits for pending compression
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.jobs.Wait()
	return err
}

// Backups lists rotated files, oldest first
func (w *RotatingWriter) Backups() ([]string, error) {
	matches, err := filepath.Glob(w.filename + ".*")
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// rotate renames the active file and opens a fresh one. w.mu is held.
func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}

	now := w.now()
	backup := w.backupName(now)
	if err := os.Rename(w.filename, backup); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	file, err := openLogFile(w.filename)
	if err != nil {
		return err
	}
	w.file = file
	w.size = 0

	w.jobs.Add(1)
	go func() {
		defer w.jobs.Done()
		if w.cfg.Compress {
			_ = compressFile(backup)
		}
		w.prune(now)
	}()

	return nil
}

// backupName returns an unused backup path for now
func (w *RotatingWriter) backupName(now time.Time) string {
	base := fmt.Sprintf("%s.%s", w.filename, now.Format(backupTimeFormat))
	name := base
	for i := 1; ; i++ {
		_, errPlain := os.Stat(name)
		_, errGz := os.Stat(name + ".gz")
		if os.IsNotExist(errPlain) && os.IsNotExist(errGz) {
			return name
		}
		name = fmt.Sprintf("%s-%d", base, i)
	}
}

// prune removes backups older than MaxAge
func (w *RotatingWriter) prune(now time.Time) {
	if w.cfg.MaxAge <= 0 {
		return
	}

	backups, err := w.Backups()
	if err != nil {
		return
	}

	cutoff := now.Add(-w.cfg.MaxAge)
	for _, path := range backups {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(path)
		}
	}
}

// openLogFile creates the parent directory and opens filename for appending
func openLogFile(filename string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, nil
}

// compressFile replaces path with path.gz
func compressFile(path string) error {
	if strings.HasSuffix(path, ".gz") {
		return nil
	}

	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}

	gzw := gzip.NewWriter(dst)
	if _, err := io.Copy(gzw, src); err != nil {
		gzw.Close()
		dst.Close()
		os.Remove(path + ".gz")
		return err
	}
	if err := gzw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	return os.Remove(path)
}
