package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/markus-lassfolk/uomping/pkg"
	"github.com/markus-lassfolk/uomping/pkg/logx"
)

// FileExporter buffers records as JSON lines, one stream per data id, and
// appends each stream to <dir>/<dataid>.json on every flush. On Close it also
// rewrites the run file with every record of the run in emission order.
type FileExporter struct {
	dir     string
	runFile string
	logger  *logx.Logger

	flushMu sync.Mutex // keeps stream appends in order
	mu      sync.Mutex
	pending map[string]*bytes.Buffer
	run     bytes.Buffer
	saved   int
	dropped int
	closed  bool
}

// NewFileExporter creates the result directory if needed
func NewFileExporter(dir, runFile string, logger *logx.Logger) (*FileExporter, error) {
	if logger == nil {
		logger = &logx.Logger{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create result directory: %w", err)
	}
	return &FileExporter{
		dir:     dir,
		runFile: runFile,
		logger:  logger,
		pending: make(map[string]*bytes.Buffer),
	}, nil
}

// Save buffers rec. It never touches the filesystem.
func (e *FileExporter) Save(rec pkg.Record) {
	line, err := json.Marshal(rec)
	if err != nil {
		e.logger.Error("Failed to encode record", "kind", string(rec.Kind()), "error", err)
		return
	}
	line = append(line, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		e.dropped++
		return
	}
	buf, ok := e.pending[rec.DataID()]
	if !ok {
		buf = &bytes.Buffer{}
		e.pending[rec.DataID()] = buf
	}
	buf.Write(line)
	e.run.Write(line)
	e.saved++
}

// Run flushes every interval until ctx is cancelled
func (e *FileExporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Flush(); err != nil {
				e.logger.Warn("Periodic flush failed", "error", err)
			}
		}
	}
}

// Flush appends buffered lines to their stream files. Streams that fail to
// write keep their lines for the next flush.
func (e *FileExporter) Flush() error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.Lock()
	batch := e.pending
	e.pending = make(map[string]*bytes.Buffer)
	e.mu.Unlock()

	ids := make([]string, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var firstErr error
	for _, id := range ids {
		if err := appendFile(e.StreamPath(id), batch[id].Bytes()); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			e.requeue(id, batch[id])
			continue
		}
		e.logger.Debug("Flushed result stream", "data_id", id, "bytes", batch[id].Len())
	}
	return firstErr
}

func (e *FileExporter) requeue(id string, lines *bytes.Buffer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if newer, ok := e.pending[id]; ok {
		lines.Write(newer.Bytes())
	}
	e.pending[id] = lines
}

// StreamPath is the file holding the stream for data id
func (e *FileExporter) StreamPath(dataID string) string {
	return filepath.Join(e.dir, dataID+".json")
}

// Close flushes the streams and writes the run file. Records saved after
// Close are dropped.
func (e *FileExporter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	err := e.Flush()

	e.mu.Lock()
	run := append([]byte(nil), e.run.Bytes()...)
	saved := e.saved
	e.mu.Unlock()

	if e.runFile != "" {
		if werr := writeFileAtomic(e.runFile, run); werr != nil && err == nil {
			err = werr
		}
	}
	e.logger.Info("Results written", "records", saved, "run_file", e.runFile)
	return err
}

// Saved returns the number of records accepted so far
func (e *FileExporter) Saved() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.saved
}

func appendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}
