package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/user/storyloom/internal/memory"
	"github.com/user/storyloom/internal/narration"
	"github.com/user/storyloom/internal/persist"
	"github.com/user/storyloom/internal/timeline"
	"github.com/user/storyloom/internal/tokens"
	"github.com/user/storyloom/internal/types"
	"github.com/user/storyloom/internal/world"
)

// SlotStore is the persistence the pool loads from and flushes to.
type SlotStore interface {
	Save(ctx context.Context, slot *persist.Slot) error
	Load(ctx context.Context, window types.WindowID) (*persist.Slot, error)
}

// NarratorFactory builds the narrator for a new engine.
type NarratorFactory func(store *world.Store, mem *memory.Memory) (types.Narrator, error)

// Options configure every engine the pool creates.
type Options struct {
	Model         string
	SnapshotLimit int
	ShortBudget   int
	Counter       tokens.Counter
	Notifier      types.Notifier
	// Limiter is shared by all engines so the whole process respects one
	// cap on concurrent narrator calls.
	Limiter *semaphore.Weighted
	Retry   *narration.RetryPolicy
	Logger  *slog.Logger
}

// Pool owns one engine per window.
type Pool struct {
	mu      sync.Mutex
	engines map[types.WindowID]*Engine
	opts    Options
	factory NarratorFactory
	slots   SlotStore
	logger  *slog.Logger
}

// NewPool creates an empty pool. slots may be nil for an in-memory pool.
func NewPool(opts Options, factory NarratorFactory, slots SlotStore) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		engines: make(map[types.WindowID]*Engine),
		opts:    opts,
		factory: factory,
		slots:   slots,
		logger:  logger,
	}
}

// Get returns the engine for window, creating it and loading its save slot
// on first use.
func (p *Pool) Get(ctx context.Context, window types.WindowID) (*Engine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.engines[window]; ok {
		return e, nil
	}

	e, err := p.build(window)
	if err != nil {
		return nil, err
	}
	if p.slots != nil {
		slot, err := p.slots.Load(ctx, window)
		switch {
		case err == nil:
			e.Restore(slot)
			p.logger.Info("slot loaded", "window", string(window), "entries", len(slot.World.Story), "snapshots", len(slot.Snapshots))
		case errors.Is(err, persist.ErrSlotNotFound):
		default:
			e.Close()
			return nil, fmt.Errorf("load slot %s: %w", window, err)
		}
	}
	p.engines[window] = e
	return e, nil
}

// Lookup returns an already created engine.
func (p *Pool) Lookup(window types.WindowID) (*Engine, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.engines[window]
	return e, ok
}

// List returns the windows with a live engine, sorted.
func (p *Pool) List() []types.WindowID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.WindowID, 0, len(p.engines))
	for w := range p.engines {
		out = append(out, w)
	}
	slices.Sort(out)
	return out
}

// Flush saves every dirty engine. Failures are joined; the other engines
// are still saved.
func (p *Pool) Flush(ctx context.Context) error {
	if p.slots == nil {
		return nil
	}
	p.mu.Lock()
	engines := make([]*Engine, 0, len(p.engines))
	for _, e := range p.engines {
		engines = append(engines, e)
	}
	p.mu.Unlock()

	var errs []error
	saved := 0
	for _, e := range engines {
		if !e.Dirty() {
			continue
		}
		e.markClean()
		if err := p.slots.Save(ctx, e.Slot()); err != nil {
			e.dirty.Store(true)
			errs = append(errs, fmt.Errorf("save %s: %w", e.Window, err))
			continue
		}
		saved++
	}
	if saved > 0 {
		p.logger.Debug("slots flushed", "saved", saved)
	}
	return errors.Join(errs...)
}

// Close cancels every pending session and flushes once more.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	engines := make([]*Engine, 0, len(p.engines))
	for _, e := range p.engines {
		engines = append(engines, e)
	}
	p.mu.Unlock()

	for _, e := range engines {
		e.Close()
	}
	return p.Flush(ctx)
}

func (p *Pool) build(window types.WindowID) (*Engine, error) {
	logger := p.logger.With("window", string(window))
	counter := p.opts.Counter
	if counter == nil {
		counter = tokens.Approx{}
	}

	store := world.New(world.WithLogger(logger))
	memOpts := []memory.Option{memory.WithCounter(counter), memory.WithLogger(logger)}
	if p.opts.ShortBudget > 0 {
		memOpts = append(memOpts, memory.WithShortBudget(p.opts.ShortBudget))
	}
	mem := memory.New(memOpts...)

	tlOpts := []timeline.Option{timeline.WithLimit(p.opts.SnapshotLimit), timeline.WithLogger(logger)}
	if p.opts.Notifier != nil {
		tlOpts = append(tlOpts, timeline.WithNotifier(p.opts.Notifier))
	}
	tl := timeline.New(store, mem, tlOpts...)

	narrator, err := p.factory(store, mem)
	if err != nil {
		return nil, fmt.Errorf("build narrator for %s: %w", window, err)
	}

	ctrlOpts := []narration.Option{narration.WithModel(p.opts.Model), narration.WithLogger(logger)}
	if p.opts.Limiter != nil {
		ctrlOpts = append(ctrlOpts, narration.WithLimiter(p.opts.Limiter))
	}
	if p.opts.Retry != nil {
		ctrlOpts = append(ctrlOpts, narration.WithRetryPolicy(p.opts.Retry))
	}
	if p.opts.Notifier != nil {
		ctrlOpts = append(ctrlOpts, narration.WithNotifier(p.opts.Notifier))
	}

	e := &Engine{
		Window:     window,
		Store:      store,
		Timeline:   tl,
		Memory:     mem,
		Controller: narration.New(store, tl, mem, narrator, window, ctrlOpts...),
	}
	e.watch()
	return e, nil
}
