package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nidhogg/crystalline/internal/collective"
	"github.com/nidhogg/crystalline/internal/memory"
	"go.uber.org/zap"
)

// job is the work handed to an owner's background worker.
// A job with activations set only refreshes projected activation values.
type job struct {
	crystal           memory.KnowledgeCrystal
	sharingPreference float64
	collectiveAccess  bool
	activations       map[string]float64
}

// Engine owns one owner's essence. Every mutation takes the write lock,
// so an owner sees its operations applied one at a time.
type Engine struct {
	owner     string
	reg       *Registry
	essence   *memory.IdentityEssence
	wm        *memory.WorkingMemory
	evaluator *memory.Evaluator
	jobs      chan job
	mu        sync.RWMutex
	logger    *zap.Logger
}

func newEngine(reg *Registry, essence *memory.IdentityEssence) *Engine {
	ev := memory.NewEvaluator(reg.opts.Threshold)
	ev.Now = func() time.Time { return reg.now() }
	return &Engine{
		owner:     essence.OwnerID,
		reg:       reg,
		essence:   essence,
		wm:        memory.NewWorkingMemory(reg.opts.WorkingMemoryCap, reg.opts.EvictionBatch),
		evaluator: ev,
		jobs:      make(chan job, reg.opts.QueueSize),
		logger:    reg.logger.With(zap.String("owner", essence.OwnerID)),
	}
}

// Submit processes rec and, when it crystallizes, integrates and persists
// the new crystal. A failed save returns the result together with a
// *memory.PersistenceError; the in-memory essence keeps the crystal.
func (e *Engine) Submit(ctx context.Context, rec memory.ExperienceRecord) (*SubmitResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := memory.Process(rec, e.essence, e.reg.now())
	if err != nil {
		return nil, err
	}
	if evicted := e.wm.Push(p); evicted > 0 {
		e.logger.Debug("working memory evicted", zap.Int("count", evicted))
	}

	potential := e.evaluator.Potential(p)
	res := &SubmitResult{
		Potential:     potential,
		IdentityDelta: memory.IdentityDelta{Category: memory.Categorize(p.Insights)},
		Durable:       true,
	}
	if !e.evaluator.ShouldCrystallize(potential) {
		return res, nil
	}

	c := e.evaluator.Crystallize(e.owner, p, e.essence)
	delta, err := memory.Integrate(e.essence, c, e.reg.opts.MaxCrystals)
	if err != nil {
		return nil, err
	}
	res.CreatedCrystal = true
	res.CrystalID = c.ID
	res.IdentityDelta = delta

	e.logger.Info("crystal integrated",
		zap.String("crystal", c.ID),
		zap.String("category", c.Category.String()),
		zap.Float64("potential", potential),
		zap.Float64("coherence", e.essence.Coherence))

	saveErr := e.reg.store.Save(ctx, e.essence)
	e.enqueue(c)
	if saveErr != nil {
		res.Durable = false
		e.logger.Error("essence save failed", zap.Error(saveErr))
		return res, &memory.PersistenceError{Owner: e.owner, Op: "save", Err: saveErr}
	}
	return res, nil
}

// Query recalls crystals relevant to query and reinforces the ones returned.
func (e *Engine) Query(ctx context.Context, query string, topN int) []memory.CrystalView {
	e.mu.Lock()
	defer e.mu.Unlock()

	opts := e.reg.opts.Recall
	if topN > 0 {
		opts.TopN = topN
	}
	hits := memory.Recall(e.essence, query, opts, e.reg.now())
	views := make([]memory.CrystalView, len(hits))
	for i, h := range hits {
		views[i] = h.Crystal.View()
	}
	if len(hits) > 0 {
		e.saveQuietly(ctx, "recall")
		activations := make(map[string]float64, len(hits))
		for _, h := range hits {
			activations[h.Crystal.ID] = h.Crystal.Activation
		}
		e.enqueueActivations(activations)
	}
	return views
}

// State exports the current essence.
func (e *Engine) State() memory.EssenceView {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v := e.essence.View()
	v.WorkingMemory = e.wm.Len()
	return v
}

// Related resolves a crystal's related ids.
func (e *Engine) Related(id string) (*RelatedView, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	found, missing, ok := e.essence.Related(id)
	if !ok {
		return nil, memory.ErrCrystalNotFound
	}
	out := &RelatedView{
		Crystal: e.essence.Crystals[id].View(),
		Found:   make([]memory.CrystalView, len(found)),
		Missing: missing,
	}
	for i, c := range found {
		out.Found[i] = c.View()
	}
	return out, nil
}

// Views returns the views of the given ids that exist, in order, without
// touching activation.
func (e *Engine) Views(ids []string) []memory.CrystalView {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []memory.CrystalView
	for _, id := range ids {
		if c, ok := e.essence.Crystals[id]; ok {
			out = append(out, c.View())
		}
	}
	return out
}

// decay runs one activation decay sweep.
func (e *Engine) decay(ctx context.Context) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := memory.DecaySweep(e.essence, e.reg.opts.Decay, e.reg.now())
	if n > 0 {
		e.saveQuietly(ctx, "decay")
		activations := make(map[string]float64, len(e.essence.Crystals))
		for id, c := range e.essence.Crystals {
			activations[id] = c.Activation
		}
		e.enqueueActivations(activations)
	}
	return n
}

// flush saves the essence regardless of pending changes.
func (e *Engine) flush(ctx context.Context) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reg.store.Save(ctx, e.essence)
}

// saveQuietly persists after a secondary mutation. Failures are logged;
// the next successful save catches up. Callers hold the write lock.
func (e *Engine) saveQuietly(ctx context.Context, reason string) {
	if err := e.reg.store.Save(ctx, e.essence); err != nil {
		e.logger.Warn("essence save failed", zap.String("after", reason), zap.Error(err))
	}
}

// enqueue hands a copy of c to the background worker. A full queue drops
// the job. Callers hold the write lock.
func (e *Engine) enqueue(c *memory.KnowledgeCrystal) {
	if !e.reg.hasBackgroundWork() {
		return
	}
	j := job{
		crystal:           c.Clone(),
		sharingPreference: e.essence.SharingPreference,
		collectiveAccess:  e.essence.CollectiveAccess,
	}
	select {
	case e.jobs <- j:
	default:
		e.logger.Warn("background queue full, dropping crystal sync", zap.String("crystal", c.ID))
	}
}

// enqueueActivations hands changed activation values to the worker when a
// projector mirrors them. Callers hold the write lock.
func (e *Engine) enqueueActivations(activations map[string]float64) {
	if len(e.reg.refreshers()) == 0 {
		return
	}
	select {
	case e.jobs <- job{activations: activations}:
	default:
		e.logger.Warn("background queue full, dropping activation refresh", zap.Int("crystals", len(activations)))
	}
}

// run is the owner's background worker. It never holds the engine lock
// while doing I/O.
func (e *Engine) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-e.jobs:
			e.process(ctx, j)
		}
	}
}

func (e *Engine) process(ctx context.Context, j job) {
	ctx, cancel := context.WithTimeout(ctx, e.reg.opts.JobTimeout)
	defer cancel()

	if j.activations != nil {
		for _, r := range e.reg.refreshers() {
			if err := r.RefreshActivation(ctx, e.owner, j.activations); err != nil {
				e.logger.Warn("activation refresh failed", zap.Error(err))
			}
		}
		return
	}

	if link := e.reg.link; link != nil && j.crystal.Origin == memory.OriginLocal {
		entry, err := link.MaybeContribute(ctx, j.crystal, j.sharingPreference)
		if err != nil {
			e.logger.Warn("collective contribution dropped", zap.String("crystal", j.crystal.ID), zap.Error(err))
		} else if entry != nil {
			e.markShared(ctx, j.crystal.ID, entry.Timestamp)
		}
		if j.collectiveAccess {
			e.pullAndAdopt(ctx, link, j.crystal.Category)
		}
	}
	e.project(ctx, j.crystal)
}

func (e *Engine) project(ctx context.Context, c memory.KnowledgeCrystal) {
	for _, p := range e.reg.projectors {
		if err := p.Project(ctx, c); err != nil {
			e.logger.Warn("crystal projection failed",
				zap.String("projector", p.Name()),
				zap.String("crystal", c.ID),
				zap.Error(err))
		}
	}
}

func (e *Engine) markShared(ctx context.Context, id string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.essence.Crystals[id]
	if !ok {
		return
	}
	c.Shared = true
	c.SharedAt = at
	e.saveQuietly(ctx, "share")
}

// pullAndAdopt integrates highly relevant knowledge from other owners as
// lightweight crystals. Entries already adopted are skipped.
func (e *Engine) pullAndAdopt(ctx context.Context, link *collective.Link, category memory.Category) {
	entries, err := link.PullRelevant(ctx, e.owner, category)
	if err != nil {
		e.logger.Warn("collective pull dropped", zap.Error(err))
		return
	}

	var adopted []memory.KnowledgeCrystal
	e.mu.Lock()
	for _, entry := range entries {
		if entry.CollectiveRelevance <= e.reg.opts.AdoptThreshold {
			continue
		}
		c := memory.AdoptedCrystal(e.owner, entry.ID, entry.Category, entry.Summary.Insights, entry.Summary.Context, e.reg.now())
		_, err := memory.Integrate(e.essence, c, e.reg.opts.MaxCrystals)
		var dup *memory.DuplicateIDError
		if errors.As(err, &dup) {
			continue
		}
		if err != nil {
			e.logger.Warn("collective adoption stopped", zap.Error(err))
			break
		}
		adopted = append(adopted, c.Clone())
	}
	if len(adopted) > 0 {
		e.saveQuietly(ctx, "adopt")
	}
	e.mu.Unlock()

	for _, c := range adopted {
		e.logger.Info("adopted collective crystal", zap.String("crystal", c.ID), zap.String("category", c.Category.String()))
		e.project(ctx, c)
	}
}
