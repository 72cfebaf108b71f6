package model

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrSnakeDoc/hstroute/internal/logger"
)

// ErrDuplicateRegistration is returned when an identity or key is registered twice.
var ErrDuplicateRegistration = errors.New("model: duplicate registration")

// Registry binds one Model to each deployment identity.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*registration
	byKey map[any]string
	log   logger.Logger
}

type registration struct {
	model *Model
	key   any
}

// NewRegistry creates an empty registry.
func NewRegistry(log logger.Logger) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{
		byID:  make(map[string]*registration),
		byKey: make(map[any]string),
		log:   log.With(logger.Component("registry")),
	}
}

// Register builds and records the model for id. key is an optional secondary lookup key and
// must be comparable; nil means none. The model's caches and monitor are created here.
func (r *Registry) Register(ctx context.Context, id string, key any, src Source, opts Options) (*Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateRegistration, id)
	}
	if key != nil {
		if owner, ok := r.byKey[key]; ok {
			return nil, fmt.Errorf("%w: key already bound to %q", ErrDuplicateRegistration, owner)
		}
	}

	if opts.Logger == nil {
		opts.Logger = r.log
	}
	m, err := New(ctx, id, src, opts)
	if err != nil {
		return nil, err
	}

	r.byID[id] = &registration{model: m, key: key}
	if key != nil {
		r.byKey[key] = id
	}
	r.log.Info("model registered", logger.String("context", id), logger.String("root", m.Root()))
	return m, nil
}

// Unregister closes and removes the model for id. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	reg, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		if reg.key != nil {
			delete(r.byKey, reg.key)
		}
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	reg.model.Close()
	r.log.Info("model unregistered", logger.String("context", id))
}

// Get returns the model registered for id.
func (r *Registry) Get(id string) (*Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return reg.model, true
}

// GetByKey returns the model registered with the secondary key.
func (r *Registry) GetByKey(key any) (*Model, bool) {
	if key == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[key]
	if !ok {
		return nil, false
	}
	return r.byID[id].model, true
}

// IDs lists the registered identities, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close unregisters every model.
func (r *Registry) Close() {
	for _, id := range r.IDs() {
		r.Unregister(id)
	}
}
