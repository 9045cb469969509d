package session

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/tdworkflow/fixsession/pkg/fix"
)

// Registry is the process-wide session table. It is constructed at startup,
// passed to whoever needs session lookup, and drained at teardown; nothing
// reaches it as ambient global state.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Engine
	log      *zap.Logger
}

// NewRegistry returns an empty session table.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Engine),
		log:      logger.Named("registry"),
	}
}

// Register adds an engine, failing with ErrSessionExists when its id is
// already present. The store partition's own exclusivity backs this up for
// engines created outside this registry.
func (r *Registry) Register(e *Engine) error {
	key := e.ID().String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[key]; exists {
		return ErrSessionExists
	}
	r.sessions[key] = e
	r.log.Info("session registered", zap.String("session", key))
	return nil
}

// Deregister removes the engine for the id, if any.
func (r *Registry) Deregister(id fix.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id.String())
}

// Get looks a session up by its string form.
func (r *Registry) Get(id string) (*Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	return e, ok
}

// Snapshot returns the status of every registered session, ordered by id.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.Status())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}
