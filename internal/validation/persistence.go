package validation

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/microstructure-core/internal/domain"
)

// outcomeLine is the JSON Lines record written to each stream file. It
// carries the detector and kind alongside the record so a reader doesn't
// need the file path to know what produced it.
type outcomeLine struct {
	Detector domain.DetectorType    `json:"detector"`
	Kind     domain.OutcomeKind     `json:"kind"`
	Record   domain.ValidationRecord `json:"record"`
}

// JSONLSink buffers finalized outcome records in memory and flushes them to
// per-detector, per-day JSON Lines files. Flushes run on their own schedule
// (StartFlushLoop), on explicit Flush calls, and synchronously inside the
// Write that fills the buffer.
type JSONLSink struct {
	dir           string
	maxBufferSize int
	logger        *zap.Logger

	mu      sync.Mutex
	buffer  []outcomeLine
	day     string // UTC date of the currently open files, YYYY-MM-DD
	writers map[string]*bufio.Writer
	files   map[string]*os.File
}

// NewJSONLSink constructs a sink writing under dir. dir is created if
// missing.
func NewJSONLSink(dir string, maxBufferSize int, logger *zap.Logger) (*JSONLSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("validation: create outcome dir: %w", err)
	}
	if maxBufferSize <= 0 {
		maxBufferSize = 256
	}
	return &JSONLSink{
		dir:           dir,
		maxBufferSize: maxBufferSize,
		logger:        logger,
		writers:       make(map[string]*bufio.Writer),
		files:         make(map[string]*os.File),
	}, nil
}

// Write enqueues a finalized record. Below maxBufferSize it returns without
// disk I/O and the record reaches disk on the next explicit or
// interval-driven Flush. The Write that brings the buffer to maxBufferSize
// runs Flush itself on the caller's goroutine and returns its error.
func (s *JSONLSink) Write(ctx context.Context, detector domain.DetectorType, kind domain.OutcomeKind, record domain.ValidationRecord) error {
	s.mu.Lock()
	s.buffer = append(s.buffer, outcomeLine{Detector: detector, Kind: kind, Record: record})
	full := len(s.buffer) >= s.maxBufferSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the buffer to disk, rolling file handles over on UTC date
// change. A disk error is logged and the batch dropped after one retry;
// never propagated back into the hot path.
func (s *JSONLSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := s.writeBatch(batch); err != nil {
		s.logger.Error("validation: flush failed, retrying once", zap.Error(err))
		if err := s.writeBatch(batch); err != nil {
			s.logger.Error("validation: flush retry failed, dropping batch",
				zap.Int("dropped", len(batch)), zap.Error(err))
			return err
		}
	}
	return nil
}

func (s *JSONLSink) writeBatch(batch []outcomeLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	today := time.Now().UTC().Format("2006-01-02")
	if today != s.day {
		s.rolloverLocked(today)
	}

	for _, line := range batch {
		w, err := s.writerForLocked(line.Detector, line.Kind)
		if err != nil {
			return err
		}
		b, err := json.Marshal(line)
		if err != nil {
			return fmt.Errorf("validation: marshal outcome: %w", err)
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	for _, w := range s.writers {
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// rolloverLocked closes every open file and resets state for a new UTC day.
// Caller holds s.mu.
func (s *JSONLSink) rolloverLocked(day string) {
	for key, f := range s.files {
		f.Close()
		delete(s.files, key)
		delete(s.writers, key)
	}
	s.day = day
}

func (s *JSONLSink) writerForLocked(detector domain.DetectorType, kind domain.OutcomeKind) (*bufio.Writer, error) {
	key := string(detector) + ":" + string(kind)
	if w, ok := s.writers[key]; ok {
		return w, nil
	}
	name := fmt.Sprintf("%s_%s_%s.jsonl", detector, kind, s.day)
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("validation: open outcome file %s: %w", name, err)
	}
	w := bufio.NewWriter(f)
	s.files[key] = f
	s.writers[key] = w
	return w, nil
}

// Close flushes and closes every open file handle.
func (s *JSONLSink) Close() error {
	if err := s.Flush(context.Background()); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, f := range s.files {
		f.Close()
		delete(s.files, key)
	}
	return nil
}

// StartFlushLoop runs periodic flushes until ctx is cancelled, so writers
// make progress even when the buffer never fills.
func (s *JSONLSink) StartFlushLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.Error("validation: periodic flush failed", zap.Error(err))
			}
		}
	}
}
