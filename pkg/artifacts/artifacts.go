// Package artifacts keeps the virtual files a conversation creates through
// tool calls.
package artifacts

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/forkchat/pkg/store"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound       = errors.New("artifact not found")
	ErrMissingAddress = errors.New("artifact needs a path or an id")
)

type Artifact struct {
	ID      string `json:"id"`
	Path    string `json:"path"`
	Type    string `json:"type,omitempty"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
	// Final is false while the artifact only holds speculative content
	// written from a still streaming tool call.
	Final     bool      `json:"final"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type UpsertOptions struct {
	Final bool
}

// Store is the resource collaborator used by the orchestrator and the
// artifact tools. Upsert is idempotent keyed on id, then path.
type Store interface {
	Upsert(ctx context.Context, sessionID string, a Artifact, opts UpsertOptions) (Artifact, error)
	// Read resolves identifier as an id first, then as a path.
	Read(ctx context.Context, sessionID string, identifier string) (Artifact, error)
	List(ctx context.Context, sessionID string) ([]Artifact, error)
}

// KVStore persists artifacts as JSON values under "artifact/<session>/<id>".
type KVStore struct {
	mu sync.Mutex
	kv store.Store
}

var _ Store = (*KVStore)(nil)

func NewKVStore(kv store.Store) *KVStore {
	return &KVStore{kv: kv}
}

func NewMemoryStore() *KVStore {
	return NewKVStore(store.NewMemoryStore())
}

func sessionPrefix(sessionID string) string {
	return "artifact/" + sessionID + "/"
}

func (s *KVStore) key(sessionID, id string) string {
	return sessionPrefix(sessionID) + id
}

func (s *KVStore) load(ctx context.Context, sessionID, id string) (Artifact, error) {
	data, err := s.kv.Load(ctx, s.key(sessionID, id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Artifact{}, ErrNotFound
		}
		return Artifact{}, err
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return Artifact{}, errors.Wrapf(err, "could not decode artifact %s", id)
	}
	return a, nil
}

func (s *KVStore) save(ctx context.Context, sessionID string, a Artifact) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.kv.Save(ctx, s.key(sessionID, a.ID), data)
}

func (s *KVStore) list(ctx context.Context, sessionID string) ([]Artifact, error) {
	keys, err := s.kv.List(ctx, sessionPrefix(sessionID))
	if err != nil {
		return nil, err
	}
	ret := make([]Artifact, 0, len(keys))
	for _, k := range keys {
		a, err := s.load(ctx, sessionID, strings.TrimPrefix(k, sessionPrefix(sessionID)))
		if err != nil {
			log.Warn().Err(err).Str("key", k).Msg("skipping unreadable artifact")
			continue
		}
		ret = append(ret, a)
	}
	return ret, nil
}

func (s *KVStore) find(ctx context.Context, sessionID, identifier string) (Artifact, error) {
	if identifier == "" {
		return Artifact{}, ErrNotFound
	}
	a, err := s.load(ctx, sessionID, identifier)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Artifact{}, err
	}
	all, err := s.list(ctx, sessionID)
	if err != nil {
		return Artifact{}, err
	}
	for _, a := range all {
		if a.Path == identifier {
			return a, nil
		}
	}
	return Artifact{}, ErrNotFound
}

// Upsert creates or updates an artifact. Empty fields of a leave the stored
// values untouched, so partial writes only ever add information.
func (s *KVStore) Upsert(ctx context.Context, sessionID string, a Artifact, opts UpsertOptions) (Artifact, error) {
	if a.ID == "" && a.Path == "" {
		return Artifact{}, ErrMissingAddress
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.find(ctx, sessionID, a.ID)
	if errors.Is(err, ErrNotFound) && a.Path != "" {
		existing, err = s.find(ctx, sessionID, a.Path)
	}
	switch {
	case err == nil:
		if a.Path != "" {
			existing.Path = a.Path
		}
		if a.Type != "" {
			existing.Type = a.Type
		}
		if a.Title != "" {
			existing.Title = a.Title
		}
		if a.Content != "" || opts.Final {
			existing.Content = a.Content
		}
	case errors.Is(err, ErrNotFound):
		existing = a
		if existing.ID == "" {
			existing.ID = uuid.NewString()
		}
		if existing.Path == "" {
			existing.Path = existing.ID
		}
	default:
		return Artifact{}, err
	}

	existing.Final = opts.Final
	existing.UpdatedAt = time.Now()
	if err := s.save(ctx, sessionID, existing); err != nil {
		return Artifact{}, errors.Wrapf(err, "could not save artifact %s", existing.Path)
	}
	log.Trace().
		Str("session", sessionID).
		Str("artifact", existing.ID).
		Str("path", existing.Path).
		Bool("final", opts.Final).
		Int("size", len(existing.Content)).
		Msg("artifact upserted")
	return existing, nil
}

func (s *KVStore) Read(ctx context.Context, sessionID string, identifier string) (Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(ctx, sessionID, identifier)
}

// List returns the session's artifacts sorted by path.
func (s *KVStore) List(ctx context.Context, sessionID string) ([]Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret, err := s.list(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Path < ret[j].Path })
	return ret, nil
}
