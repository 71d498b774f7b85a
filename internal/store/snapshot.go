package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidhogg/crystalline/internal/memory"
)

const snapshotVersion = 1

// snapshot is the on-disk and in-database form of an essence.
type snapshot struct {
	Version int                     `json:"version"`
	SavedAt time.Time               `json:"saved_at"`
	Essence *memory.IdentityEssence `json:"essence"`
}

func encodeSnapshot(e *memory.IdentityEssence) ([]byte, error) {
	data, err := json.Marshal(snapshot{Version: snapshotVersion, SavedAt: time.Now().UTC(), Essence: e})
	if err != nil {
		return nil, fmt.Errorf("encode essence %s: %w", e.OwnerID, err)
	}
	return data, nil
}

func decodeSnapshot(owner string, data []byte) (*memory.IdentityEssence, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode essence %s: %w", owner, err)
	}
	if s.Version != snapshotVersion {
		return nil, fmt.Errorf("decode essence %s: unsupported snapshot version %d", owner, s.Version)
	}
	if s.Essence == nil {
		return nil, fmt.Errorf("decode essence %s: snapshot has no essence", owner)
	}
	if s.Essence.OwnerID != owner {
		return nil, fmt.Errorf("decode essence %s: snapshot belongs to %q", owner, s.Essence.OwnerID)
	}
	s.Essence.Normalize()
	return s.Essence, nil
}
