package validation

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/vitos/microstructure-core/internal/domain"
)

func TestJSONLSinkWritesAndFlushesOnFull(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewJSONLSink(dir, 2, zap.NewNop())
	if err != nil {
		t.Fatalf("NewJSONLSink: %v", err)
	}
	defer sink.Close()

	ctx := context.Background()
	rec := domain.ValidationRecord{ID: "a", DetectorType: domain.DetectorAbsorption, TPSLStatus: domain.StatusTP}
	if err := sink.Write(ctx, domain.DetectorAbsorption, domain.KindValidation, rec); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	// Second write hits maxBufferSize=2 and triggers an implicit flush.
	if err := sink.Write(ctx, domain.DetectorAbsorption, domain.KindValidation, rec); err != nil {
		t.Fatalf("write 2: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var found bool
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".jsonl") {
			found = true
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				t.Fatalf("read file: %v", err)
			}
			lines := strings.Count(strings.TrimSpace(string(data)), "\n") + 1
			if lines != 2 {
				t.Fatalf("expected 2 lines, got %d", lines)
			}
		}
	}
	if !found {
		t.Fatalf("expected a .jsonl file to be written")
	}
}

func TestJSONLSinkExplicitFlush(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewJSONLSink(dir, 100, zap.NewNop())
	if err != nil {
		t.Fatalf("NewJSONLSink: %v", err)
	}
	defer sink.Close()

	ctx := context.Background()
	rec := domain.ValidationRecord{ID: "b", DetectorType: domain.DetectorDeltaCVD, TPSLStatus: domain.StatusNeither}
	if err := sink.Write(ctx, domain.DetectorDeltaCVD, domain.KindRejections, rec); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) == 0 {
		t.Fatalf("expected a file after explicit flush")
	}
}
