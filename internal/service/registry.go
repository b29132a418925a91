package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/evetabi/strikemarket/internal/ledger"
)

// Registry keeps at most one running MarketView per market identity.
// Views are reference counted: the last Release tears the view down.
type Registry struct {
	provider ledger.Provider
	opts     ViewOptions
	base     context.Context
	logger   *slog.Logger

	mu    sync.Mutex
	views map[domain.MarketID]*registered
}

type registered struct {
	view *MarketView
	refs int
}

// NewRegistry creates a registry whose views run under base.
func NewRegistry(base context.Context, p ledger.Provider, opts ViewOptions) *Registry {
	opts.defaults()
	return &Registry{
		provider: p,
		opts:     opts,
		base:     base,
		logger:   opts.Logger.With("component", "registry"),
		views:    make(map[domain.MarketID]*registered),
	}
}

// Provider returns the ledger provider views are opened against.
func (r *Registry) Provider() ledger.Provider { return r.provider }

// Acquire returns the running view of id, opening and starting it on first
// use. The caller must call release exactly once.
func (r *Registry) Acquire(ctx context.Context, id domain.MarketID) (*MarketView, func(), error) {
	r.mu.Lock()
	if e, ok := r.views[id]; ok {
		e.refs++
		r.mu.Unlock()
		return e.view, r.releaser(id, e), nil
	}
	r.mu.Unlock()

	// Open outside the lock: the first read may be slow.
	v, err := OpenView(ctx, r.provider, id, r.opts)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	if e, ok := r.views[id]; ok {
		// lost the race; use the winner's view
		e.refs++
		r.mu.Unlock()
		v.Close()
		return e.view, r.releaser(id, e), nil
	}
	e := &registered{view: v, refs: 1}
	r.views[id] = e
	r.mu.Unlock()

	v.Start(r.base)
	return v, r.releaser(id, e), nil
}

func (r *Registry) releaser(id domain.MarketID, e *registered) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			e.refs--
			last := e.refs == 0
			if last && r.views[id] == e {
				delete(r.views, id)
			}
			r.mu.Unlock()
			if last {
				e.view.Close()
			}
		})
	}
}

// With runs fn against the running view of id, or against a one-shot view
// that is read once and discarded when none is running. The one-shot view
// loads the snapshot history before fn runs; a failed load leaves the
// series with the baseline and live points only.
func (r *Registry) With(ctx context.Context, id domain.MarketID, fn func(*MarketView) error) error {
	r.mu.Lock()
	e, ok := r.views[id]
	r.mu.Unlock()
	if ok {
		return fn(e.view)
	}
	opts := r.opts
	opts.Cache = nil // one-shot views neither read nor write the cache
	opts.Publisher = nil
	v, err := OpenView(ctx, r.provider, id, opts)
	if err != nil {
		return err
	}
	defer v.Close()
	if err := v.LoadHistory(ctx); err != nil {
		v.logger.Warn("one-shot history load failed", "err", err)
	}
	return fn(v)
}

// Active lists the identities with a running view.
func (r *Registry) Active() []domain.MarketID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.MarketID, 0, len(r.views))
	for id := range r.views {
		out = append(out, id)
	}
	return out
}

// Session opens a caller-bound session on id, attached to the running view
// when there is one.
func (r *Registry) Session(ctx context.Context, id domain.MarketID, caller domain.Participant) (*Session, error) {
	c, err := r.provider.Client(ctx, id, caller)
	if err != nil {
		return nil, fmt.Errorf("service.Session: %w", err)
	}
	r.mu.Lock()
	var v *MarketView
	if e, ok := r.views[id]; ok {
		v = e.view
	}
	r.mu.Unlock()
	return NewSession(c, v, r.opts.Now, r.opts.Logger), nil
}

// Close tears down every running view.
func (r *Registry) Close() {
	r.mu.Lock()
	views := r.views
	r.views = make(map[domain.MarketID]*registered)
	r.mu.Unlock()
	for _, e := range views {
		e.view.Close()
	}
}
