// Package identity holds the actor allow-list and bearer authentication
// for the human approval endpoints. Actors are named "kind:name"
// (agent:coder, human:alice, system:gateway). The allow-list file is
// itself a protected path under policy, so agents cannot grant themselves
// access.
package identity

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnknownActor    = errors.New("unknown actor")
	ErrInactiveActor   = errors.New("actor is not active")
	ErrUnauthenticated = errors.New("invalid bearer token")
)

// Identity is one allow-listed actor.
type Identity struct {
	ActorID string `json:"-"`
	Role    string `json:"role"`
	Status  string `json:"status"`
	// KeyFingerprint is a bcrypt hash of the actor's API key. Only human
	// and admin identities carry one.
	KeyFingerprint string `json:"key_fingerprint,omitempty"`
	Tier           int    `json:"tier"`
}

type allowlistFile struct {
	Actors map[string]Identity `json:"actors"`
}

// OperatorActorID is the synthetic identity attributed to approvals
// authenticated with the shared HUMAN_API_KEY secret.
const OperatorActorID = "human:operator"

// Registry is the loaded allow-list. Reads are lock-free for callers;
// Reload and the file watcher swap the map under a write lock.
type Registry struct {
	mu          sync.RWMutex
	path        string
	actors      map[string]Identity
	humanAPIKey string
	logger      *slog.Logger
}

// NewRegistry loads the allow-list from path. An empty path yields an
// empty registry: every actor is rejected, which is the fail-closed
// default.
func NewRegistry(path, humanAPIKey string) (*Registry, error) {
	r := &Registry{
		path:        path,
		actors:      map[string]Identity{},
		humanAPIKey: humanAPIKey,
		logger:      slog.Default().With("component", "identity"),
	}
	if path == "" {
		return r, nil
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the allow-list file from disk.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read allow-list %s: %w", r.path, err)
	}
	var f allowlistFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse allow-list %s: %w", r.path, err)
	}
	actors := make(map[string]Identity, len(f.Actors))
	for id, ident := range f.Actors {
		ident.ActorID = id
		actors[id] = ident
	}
	r.mu.Lock()
	r.actors = actors
	r.mu.Unlock()
	return nil
}

// Watch hot-reloads the allow-list when the file changes, until ctx is
// cancelled. Reload failures keep the previous allow-list in force.
func (r *Registry) Watch(ctx context.Context) error {
	if r.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("allow-list watcher: %w", err)
	}
	if err := watcher.Add(r.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", r.path, err)
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.Reload(); err != nil {
					r.logger.Error("allow-list reload failed, keeping previous", "error", err)
					continue
				}
				r.logger.Info("allow-list reloaded", "path", r.path, "actors", r.Len())
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("allow-list watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Len returns the number of loaded actors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actors)
}

// ValidateActor checks that an actor exists and is active.
func (r *Registry) ValidateActor(actorID string) (Identity, error) {
	r.mu.RLock()
	ident, ok := r.actors[actorID]
	r.mu.RUnlock()
	if !ok {
		return Identity{}, fmt.Errorf("%w: %s", ErrUnknownActor, actorID)
	}
	if ident.Status != "active" {
		return Identity{}, fmt.Errorf("%w: %s is %s", ErrInactiveActor, actorID, ident.Status)
	}
	return ident, nil
}

// AuthenticateHuman resolves a bearer token to a human identity. It first
// tries bcrypt fingerprints of admin/human identities, then falls back to
// a constant-time comparison against the shared HUMAN_API_KEY secret. An
// empty secret and no fingerprints means the approval surface is closed.
func (r *Registry) AuthenticateHuman(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}
	r.mu.RLock()
	candidates := make([]Identity, 0, len(r.actors))
	for _, ident := range r.actors {
		if ident.KeyFingerprint != "" && (ident.Role == "admin" || ident.Role == "human") {
			candidates = append(candidates, ident)
		}
	}
	r.mu.RUnlock()

	for _, ident := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(ident.KeyFingerprint), []byte(token)) == nil {
			if ident.Status != "active" {
				return Identity{}, fmt.Errorf("%w: %s is %s", ErrInactiveActor, ident.ActorID, ident.Status)
			}
			return ident, nil
		}
	}

	if r.humanAPIKey != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(r.humanAPIKey)) == 1 {
		return Identity{ActorID: OperatorActorID, Role: "admin", Status: "active", Tier: 3}, nil
	}
	return Identity{}, ErrUnauthenticated
}
