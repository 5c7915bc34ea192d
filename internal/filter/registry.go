package filter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// NotFoundError reports a plan step referencing no installed filter.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("filter not found: %q", e.ID)
}

// RegisterOptions carries registry-level attributes for a filter. Enabled
// defaults to true when nil.
type RegisterOptions struct {
	Aliases  []string
	Tags     []string
	Priority int
	Enabled  *bool
}

// Info describes one registered filter for listings.
type Info struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Aliases  []string `json:"aliases,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Priority int      `json:"priority"`
	Enabled  bool     `json:"enabled"`
}

// ListFilter narrows Registry.List. Nil Enabled matches both states; Tags
// requires every named tag.
type ListFilter struct {
	Tags    []string
	Enabled *bool
}

type entry struct {
	filter Filter
	info   Info
}

// Registry holds installed filters and resolves plan step IDs to them.
// IDs and aliases share one namespace; IDs win on lookup.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	aliases map[string]string
	order   []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		aliases: make(map[string]string),
	}
}

// Register installs a filter. It rejects an empty ID, a duplicate ID, and
// any alias colliding with an existing ID or alias.
func (r *Registry) Register(f Filter, opts RegisterOptions) error {
	id := f.ID()
	if id == "" {
		return errors.New("register filter: empty id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("register filter: duplicate id %q", id)
	}
	if owner, exists := r.aliases[id]; exists {
		return fmt.Errorf("register filter: id %q collides with alias of %q", id, owner)
	}
	for _, alias := range opts.Aliases {
		if _, exists := r.entries[alias]; exists {
			return fmt.Errorf("register filter: alias %q collides with id", alias)
		}
		if owner, exists := r.aliases[alias]; exists {
			return fmt.Errorf("register filter: alias %q already used by %q", alias, owner)
		}
	}

	enabled := opts.Enabled == nil || *opts.Enabled
	r.entries[id] = &entry{
		filter: f,
		info: Info{
			ID:       id,
			Name:     f.Name(),
			Version:  f.Version(),
			Aliases:  opts.Aliases,
			Tags:     opts.Tags,
			Priority: opts.Priority,
			Enabled:  enabled,
		},
	}
	r.order = append(r.order, id)
	for _, alias := range opts.Aliases {
		r.aliases[alias] = id
	}
	return nil
}

// Get finds a filter by ID first, then by alias.
func (r *Registry) Get(idOrAlias string) (Filter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[idOrAlias]; ok {
		return e.filter, nil
	}
	if id, ok := r.aliases[idOrAlias]; ok {
		return r.entries[id].filter, nil
	}
	return nil, &NotFoundError{ID: idOrAlias}
}

// Has reports whether an ID or alias resolves to an installed filter.
func (r *Registry) Has(idOrAlias string) bool {
	_, err := r.Get(idOrAlias)
	return err == nil
}

// List returns registered filter infos matching the filter, sorted by
// ascending priority; ties keep registration order.
func (r *Registry) List(lf ListFilter) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.order))
	for _, id := range r.order {
		info := r.entries[id].info
		if lf.Enabled != nil && info.Enabled != *lf.Enabled {
			continue
		}
		if !hasAllTags(info.Tags, lf.Tags) {
			continue
		}
		out = append(out, info)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SetEnabled toggles a filter without unregistering it. Disabled filters
// still resolve; plans decide whether to run them.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	e.info.Enabled = enabled
	return nil
}

// InitializeAll runs every filter's OnInit hook concurrently. All hooks run
// to completion even when some fail; the joined error reports each failure.
func (r *Registry) InitializeAll(ctx context.Context) error {
	return r.runHooks(func(id string, f Filter) error {
		init, ok := f.(Initializer)
		if !ok {
			return nil
		}
		if err := init.OnInit(ctx); err != nil {
			return fmt.Errorf("init %s: %w", id, err)
		}
		return nil
	})
}

// DestroyAll runs every filter's OnDestroy hook concurrently, all-settled
// like InitializeAll.
func (r *Registry) DestroyAll(ctx context.Context) error {
	return r.runHooks(func(id string, f Filter) error {
		down, ok := f.(Destroyer)
		if !ok {
			return nil
		}
		if err := down.OnDestroy(ctx); err != nil {
			return fmt.Errorf("destroy %s: %w", id, err)
		}
		return nil
	})
}

func (r *Registry) runHooks(hook func(id string, f Filter) error) error {
	r.mu.RLock()
	targets := make(map[string]Filter, len(r.entries))
	for id, e := range r.entries {
		targets[id] = e.filter
	}
	r.mu.RUnlock()

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	for id, f := range targets {
		wg.Add(1)
		go func(id string, f Filter) {
			defer wg.Done()
			if err := hook(id, f); err != nil {
				emu.Lock()
				errs = append(errs, err)
				emu.Unlock()
			}
		}(id, f)
	}
	wg.Wait()
	return errors.Join(errs...)
}
