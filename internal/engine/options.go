package engine

import (
	"context"
	"errors"
	"time"

	"github.com/nidhogg/crystalline/internal/memory"
)

// ErrClosed is returned by a Registry after Close.
var ErrClosed = errors.New("memory engine registry closed")

// ErrCollectiveDisabled is returned by collective reads when no link is configured.
var ErrCollectiveDisabled = errors.New("collective link not configured")

// Store persists whole essences.
type Store interface {
	Save(ctx context.Context, e *memory.IdentityEssence) error
	Load(ctx context.Context, owner string) (*memory.IdentityEssence, error)
}

// Projector mirrors integrated crystals into a secondary system. Projection
// is best effort and runs off the caller's path.
type Projector interface {
	Name() string
	Project(ctx context.Context, c memory.KnowledgeCrystal) error
}

// ActivationRefresher is implemented by projectors that also mirror
// activation changes made by recall and decay.
type ActivationRefresher interface {
	RefreshActivation(ctx context.Context, owner string, activations map[string]float64) error
}

// Options tunes every engine a Registry creates.
type Options struct {
	Threshold        float64
	WorkingMemoryCap int
	EvictionBatch    int
	MaxCrystals      int
	Recall           memory.RecallOpts
	Profile          memory.Profile
	Decay            memory.DecayConfig
	DecayInterval    time.Duration // zero disables the sweep loop
	QueueSize        int
	JobTimeout       time.Duration
	AdoptThreshold   float64 // pulled entries above this are integrated locally
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Threshold:        memory.DefaultCrystallizationThreshold,
		WorkingMemoryCap: memory.DefaultWorkingMemoryCap,
		EvictionBatch:    memory.DefaultEvictionBatch,
		MaxCrystals:      memory.DefaultMaxCrystals,
		Recall:           memory.DefaultRecallOpts(),
		Profile:          memory.DefaultProfile(),
		Decay:            memory.DefaultDecayConfig(),
		DecayInterval:    time.Hour,
		QueueSize:        64,
		JobTimeout:       30 * time.Second,
		AdoptThreshold:   0.8,
	}
}

// SubmitResult reports what a submission did.
type SubmitResult struct {
	CreatedCrystal bool                 `json:"created_crystal"`
	CrystalID      string               `json:"crystal_id,omitempty"`
	Potential      float64              `json:"potential"`
	IdentityDelta  memory.IdentityDelta `json:"identity_delta"`
	Durable        bool                 `json:"durable"`
}

// RelatedView lists the crystals a crystal links to.
type RelatedView struct {
	Crystal memory.CrystalView   `json:"crystal"`
	Found   []memory.CrystalView `json:"found"`
	Missing []string             `json:"missing"`
}
