package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/crystalline/internal/collective"
	"github.com/nidhogg/crystalline/internal/memory"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Registry holds one Engine per owner. Owners share no mutable state;
// the registry lock only guards the engine map.
type Registry struct {
	store      Store
	link       *collective.Link
	projectors []Projector
	opts       Options
	now        func() time.Time

	engines map[string]*Engine
	loads   singleflight.Group
	closed  bool
	mu      sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewRegistry creates a registry backed by store. Zero option fields use
// the defaults. Call Close to stop background work.
func NewRegistry(store Store, opts Options, logger *zap.Logger) *Registry {
	opts = withDefaults(opts)
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		store:   store,
		opts:    opts,
		now:     time.Now,
		engines: make(map[string]*Engine),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
	if opts.DecayInterval > 0 {
		r.wg.Add(1)
		go r.decayLoop()
	}
	return r
}

func withDefaults(opts Options) Options {
	def := DefaultOptions()
	if opts.Threshold <= 0 {
		opts.Threshold = def.Threshold
	}
	if opts.WorkingMemoryCap <= 0 {
		opts.WorkingMemoryCap = def.WorkingMemoryCap
	}
	if opts.EvictionBatch <= 0 {
		opts.EvictionBatch = def.EvictionBatch
	}
	if opts.MaxCrystals <= 0 {
		opts.MaxCrystals = def.MaxCrystals
	}
	if opts.Recall.TopN <= 0 {
		opts.Recall.TopN = def.Recall.TopN
	}
	if opts.Recall.Threshold <= 0 {
		opts.Recall.Threshold = def.Recall.Threshold
	}
	if opts.Recall.Boost <= 0 {
		opts.Recall.Boost = def.Recall.Boost
	}
	if opts.Profile == (memory.Profile{}) {
		opts.Profile = def.Profile
	}
	if opts.Decay.HalfLife <= 0 {
		opts.Decay = def.Decay
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = def.JobTimeout
	}
	if opts.AdoptThreshold <= 0 {
		opts.AdoptThreshold = def.AdoptThreshold
	}
	return opts
}

// SetLink enables the collective link. Call before the first submission.
func (r *Registry) SetLink(l *collective.Link) {
	r.link = l
}

// AddProjector registers a projector. Call before the first submission.
func (r *Registry) AddProjector(p Projector) {
	r.projectors = append(r.projectors, p)
}

func (r *Registry) refreshers() []ActivationRefresher {
	var out []ActivationRefresher
	for _, p := range r.projectors {
		if ar, ok := p.(ActivationRefresher); ok {
			out = append(out, ar)
		}
	}
	return out
}

func (r *Registry) hasBackgroundWork() bool {
	return r.link != nil || len(r.projectors) > 0
}

// SubmitExperience is the ingestion path for an owner. The owner's essence
// is created on first submission.
func (r *Registry) SubmitExperience(ctx context.Context, owner string, rec memory.ExperienceRecord) (*SubmitResult, error) {
	e, err := r.engine(ctx, owner, true)
	if err != nil {
		return nil, err
	}
	return e.Submit(ctx, rec)
}

// QueryMemory recalls an owner's crystals relevant to query. topN <= 0
// uses the configured default.
func (r *Registry) QueryMemory(ctx context.Context, owner, query string, topN int) ([]memory.CrystalView, error) {
	e, err := r.engine(ctx, owner, false)
	if err != nil {
		return nil, err
	}
	return e.Query(ctx, query, topN), nil
}

// EssenceState exports an owner's essence.
func (r *Registry) EssenceState(ctx context.Context, owner string) (*memory.EssenceView, error) {
	e, err := r.engine(ctx, owner, false)
	if err != nil {
		return nil, err
	}
	v := e.State()
	return &v, nil
}

// Related resolves the related crystals of one of owner's crystals.
func (r *Registry) Related(ctx context.Context, owner, crystalID string) (*RelatedView, error) {
	e, err := r.engine(ctx, owner, false)
	if err != nil {
		return nil, err
	}
	return e.Related(crystalID)
}

// Crystals returns views of the listed crystals without reinforcing them.
func (r *Registry) Crystals(ctx context.Context, owner string, ids []string) ([]memory.CrystalView, error) {
	e, err := r.engine(ctx, owner, false)
	if err != nil {
		return nil, err
	}
	return e.Views(ids), nil
}

// PullCollective returns what other owners shared in category.
func (r *Registry) PullCollective(ctx context.Context, owner string, category memory.Category) ([]collective.Entry, error) {
	if err := memory.ValidateOwnerID(owner); err != nil {
		return nil, err
	}
	if r.link == nil {
		return nil, ErrCollectiveDisabled
	}
	return r.link.PullRelevant(ctx, owner, category)
}

// engine returns the owner's engine, loading its essence on first use.
// Concurrent first uses of one owner share a single load.
func (r *Registry) engine(ctx context.Context, owner string, create bool) (*Engine, error) {
	if err := memory.ValidateOwnerID(owner); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := r.engines[owner]; ok {
		r.mu.Unlock()
		return e, nil
	}
	r.mu.Unlock()

	v, err, _ := r.loads.Do(owner, func() (interface{}, error) {
		essence, err := r.store.Load(ctx, owner)
		if errors.Is(err, memory.ErrEssenceNotFound) {
			return (*memory.IdentityEssence)(nil), nil
		}
		if err != nil {
			return nil, &memory.PersistenceError{Owner: owner, Op: "load", Err: err}
		}
		return essence, nil
	})
	if err != nil {
		return nil, err
	}
	loaded := v.(*memory.IdentityEssence)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if e, ok := r.engines[owner]; ok {
		return e, nil
	}
	if loaded == nil {
		if !create {
			return nil, &memory.ValidationError{Field: "owner", Reason: fmt.Sprintf("no essence for %q", owner), Err: memory.ErrUnknownOwner}
		}
		loaded = memory.NewIdentityEssence(owner, r.opts.Profile, r.now())
		r.logger.Info("essence created", zap.String("owner", owner))
	} else {
		r.logger.Info("essence loaded", zap.String("owner", owner), zap.Int("crystals", len(loaded.Crystals)))
	}

	e := newEngine(r, loaded)
	r.engines[owner] = e
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		e.run(r.ctx)
	}()
	return e, nil
}

// list copies the engine set so callers can work without the registry lock.
func (r *Registry) list() []*Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e)
	}
	return out
}

func (r *Registry) decayLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.DecayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.DecayAll(r.ctx)
		}
	}
}

// DecayAll runs an activation decay sweep on every loaded owner.
func (r *Registry) DecayAll(ctx context.Context) int {
	total := 0
	for _, e := range r.list() {
		total += e.decay(ctx)
	}
	r.logger.Debug("decay sweep complete", zap.Int("updated", total))
	return total
}

// Close stops background work, drops queued jobs and saves every loaded
// essence one last time.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	var errs []error
	ctx := context.Background()
	for _, e := range r.list() {
		if err := e.flush(ctx); err != nil {
			errs = append(errs, &memory.PersistenceError{Owner: e.owner, Op: "save", Err: err})
		}
	}
	r.logger.Info("memory engine registry closed")
	return errors.Join(errs...)
}
