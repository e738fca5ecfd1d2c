package realtime

import (
	"context"
	"errors"
	"sync"
)

var errMissingFactory = errors.New("realtime: engine factory is required")

// EngineFactory builds a disconnected engine for one session.
type EngineFactory func(sessionID string) (*Engine, error)

// Registry is the keyed session-id to engine map with explicit lifecycle, so
// several sessions can coexist in one process without leaking ambient state.
type Registry struct {
	factory EngineFactory

	mu      sync.Mutex
	engines map[string]*Engine
}

// NewRegistry constructs a registry around the factory.
func NewRegistry(factory EngineFactory) (*Registry, error) {
	if factory == nil {
		return nil, errMissingFactory
	}
	return &Registry{
		factory: factory,
		engines: make(map[string]*Engine),
	}, nil
}

// Open returns the session's engine, building one on first use. The engine
// is always routed through Connect, so an engine that dropped to
// Disconnected since the last Open reconnects and reloads its cache;
// Connect is a no-op on an engine that is already active.
func (r *Registry) Open(ctx context.Context, sessionID string) (*Engine, error) {
	r.mu.Lock()
	if engine, ok := r.engines[sessionID]; ok {
		r.mu.Unlock()
		if err := engine.Connect(ctx); err != nil {
			return nil, err
		}
		return engine, nil
	}
	r.mu.Unlock()

	engine, err := r.factory(sessionID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.engines[sessionID]; ok {
		// Lost a concurrent open race; discard the fresh engine.
		r.mu.Unlock()
		engine.Close()
		if err := existing.Connect(ctx); err != nil {
			return nil, err
		}
		return existing, nil
	}
	r.engines[sessionID] = engine
	r.mu.Unlock()

	if err := engine.Connect(ctx); err != nil {
		r.Close(sessionID)
		return nil, err
	}
	return engine, nil
}

// Close tears down the session's engine if open.
func (r *Registry) Close(sessionID string) {
	r.mu.Lock()
	engine := r.engines[sessionID]
	delete(r.engines, sessionID)
	r.mu.Unlock()

	if engine != nil {
		engine.Close()
	}
}

// CloseAll tears down every open engine.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	engines := make([]*Engine, 0, len(r.engines))
	for _, engine := range r.engines {
		engines = append(engines, engine)
	}
	r.engines = make(map[string]*Engine)
	r.mu.Unlock()

	for _, engine := range engines {
		engine.Close()
	}
}
