package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"stashmirror/internal/db"
	"stashmirror/internal/secrets"
	"stashmirror/internal/stash"
)

// ErrNoInstances is returned when no enabled instance exists.
var ErrNoInstances = errors.New("no stash instance configured")

// Handle pairs an instance configuration with its live client.
type Handle struct {
	Config db.Instance
	Client *stash.Client
}

// Registry resolves instance ids to client handles. Handles are built once
// at Initialize and replaced wholesale on Reload after admin edits.
type Registry struct {
	db  *sql.DB
	enc *secrets.Encryptor

	mu          sync.RWMutex
	handles     []*Handle
	byID        map[string]*Handle
	initialized bool
}

// New returns an uninitialized Registry. enc may be nil when credential
// encryption is not configured; api keys are then stored as-is.
func New(database *sql.DB, enc *secrets.Encryptor) *Registry {
	return &Registry{db: database, enc: enc}
}

// Initialize loads enabled instances ordered by ascending priority and
// builds one client per instance. A second call is a logged no-op.
func (r *Registry) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		log.Debug().Msg("instance registry already initialized")
		return nil
	}
	return r.loadLocked(ctx)
}

// Reload clears all handles and re-initializes. Callers must invoke it after
// every instance configuration mutation.
func (r *Registry) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles = nil
	r.byID = nil
	r.initialized = false
	return r.loadLocked(ctx)
}

func (r *Registry) loadLocked(ctx context.Context) error {
	instances, err := db.ListInstances(ctx, r.db, true)
	if err != nil {
		return fmt.Errorf("load instances: %w", err)
	}
	handles := make([]*Handle, 0, len(instances))
	byID := make(map[string]*Handle, len(instances))
	for _, in := range instances {
		apiKey := in.APIKey
		if r.enc != nil {
			apiKey, err = r.enc.Decrypt(in.APIKey)
			if err != nil {
				return fmt.Errorf("decrypt credentials for instance %s: %w", in.ID, err)
			}
		}
		h := &Handle{
			Config: in,
			Client: stash.New(stash.Config{InstanceID: in.ID, Endpoint: in.URL, APIKey: apiKey}),
		}
		handles = append(handles, h)
		byID[in.ID] = h
	}
	r.handles = handles
	r.byID = byID
	r.initialized = true
	log.Info().Int("instances", len(handles)).Msg("instance registry initialized")
	return nil
}

// Default returns the highest-priority instance handle.
func (r *Registry) Default() (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.handles) == 0 {
		return nil, ErrNoInstances
	}
	return r.handles[0], nil
}

// DefaultConfig returns the highest-priority instance configuration.
func (r *Registry) DefaultConfig() (*db.Instance, error) {
	h, err := r.Default()
	if err != nil {
		return nil, err
	}
	cfg := h.Config
	return &cfg, nil
}

// Get returns the handle for id, or nil for unknown ids. Callers that treat
// absence as a bug should use GetRequired instead.
func (r *Registry) Get(id string) *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// GetConfig returns the configuration for id, or nil for unknown ids.
func (r *Registry) GetConfig(id string) *db.Instance {
	h := r.Get(id)
	if h == nil {
		return nil
	}
	cfg := h.Config
	return &cfg
}

// GetRequired returns the handle for id or a descriptive error.
func (r *Registry) GetRequired(id string) (*Handle, error) {
	if h := r.Get(id); h != nil {
		return h, nil
	}
	return nil, fmt.Errorf("stash instance %q is not registered or not enabled", id)
}

// All returns every handle in registration order (ascending priority).
func (r *Registry) All() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, len(r.handles))
	copy(out, r.handles)
	return out
}
