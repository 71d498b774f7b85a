package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nidhogg/crystalline/internal/memory"
	"go.uber.org/zap"
)

// FileStore keeps one JSON snapshot per owner under <dir>/essences.
// Saves go to a temp file that is renamed over the previous snapshot, so a
// reader sees either the old or the new essence, never a mix.
type FileStore struct {
	dir    string
	logger *zap.Logger
}

// NewFileStore creates the essences directory under dir.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	path := filepath.Join(dir, "essences")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create essence dir: %w", err)
	}
	logger.Info("file essence store ready", zap.String("dir", path))
	return &FileStore{dir: path, logger: logger}, nil
}

func (s *FileStore) path(owner string) string {
	return filepath.Join(s.dir, owner+".json")
}

// Save atomically replaces the owner's snapshot.
func (s *FileStore) Save(ctx context.Context, e *memory.IdentityEssence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := memory.ValidateOwnerID(e.OwnerID); err != nil {
		return err
	}
	data, err := encodeSnapshot(e)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+e.OwnerID+".*.tmp")
	if err != nil {
		return fmt.Errorf("save essence %s: %w", e.OwnerID, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write essence %s: %w", e.OwnerID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync essence %s: %w", e.OwnerID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close essence %s: %w", e.OwnerID, err)
	}
	if err := os.Rename(tmpName, s.path(e.OwnerID)); err != nil {
		return fmt.Errorf("rename essence %s: %w", e.OwnerID, err)
	}
	committed = true

	if d, err := os.Open(s.dir); err == nil {
		if err := d.Sync(); err != nil {
			s.logger.Debug("essence dir sync failed", zap.Error(err))
		}
		d.Close()
	}

	s.logger.Debug("essence saved",
		zap.String("owner", e.OwnerID),
		zap.Int("crystals", len(e.Crystals)),
		zap.Int("bytes", len(data)))
	return nil
}

// Load reads the owner's snapshot. It returns memory.ErrEssenceNotFound
// when none has been saved.
func (s *FileStore) Load(ctx context.Context, owner string) (*memory.IdentityEssence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := memory.ValidateOwnerID(owner); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(owner))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, memory.ErrEssenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read essence %s: %w", owner, err)
	}
	return decodeSnapshot(owner, data)
}

// Close is a no-op; it lets FileStore stand in wherever a closable store is expected.
func (s *FileStore) Close() {}
