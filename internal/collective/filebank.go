package collective

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nidhogg/crystalline/internal/memory"
	"go.uber.org/zap"
)

// FileBank stores each partition as a JSON-lines file at
// <dir>/collective/<category>/<yyyymmdd>.jsonl. Files are only ever appended to.
type FileBank struct {
	dir    string
	mu     sync.Mutex
	logger *zap.Logger
}

// NewFileBank creates the collective directory under dir.
func NewFileBank(dir string, logger *zap.Logger) (*FileBank, error) {
	path := filepath.Join(dir, "collective")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create collective dir: %w", err)
	}
	return &FileBank{dir: path, logger: logger}, nil
}

func (b *FileBank) partitionPath(category memory.Category, day time.Time) string {
	return filepath.Join(b.dir, category.String(), dayKey(day)+".jsonl")
}

// Append writes e as one line to its partition.
func (b *FileBank) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	line = append(line, '\n')

	path := b.partitionPath(e.Category, e.Timestamp)
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create partition dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open partition %s: %w", path, err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append partition %s: %w", path, err)
	}
	return f.Close()
}

// Partition reads every entry of one (category, day) partition. Lines that
// do not decode are skipped.
func (b *FileBank) Partition(ctx context.Context, category memory.Category, day time.Time) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := b.partitionPath(category, day)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open partition %s: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			b.logger.Warn("skipping malformed collective entry", zap.String("partition", path), zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return entries, fmt.Errorf("read partition %s: %w", path, err)
	}
	return entries, nil
}

// Close is a no-op; partitions are opened per call.
func (b *FileBank) Close() error { return nil }
