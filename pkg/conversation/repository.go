package conversation

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/forkchat/pkg/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionSummary is the listing view of a session.
type SessionSummary struct {
	ID        string    `json:"id" yaml:"id"`
	Title     string    `json:"title" yaml:"title"`
	Messages  int       `json:"messages" yaml:"messages"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// SessionRepository owns the set of sessions. Put is the persistence hook the
// orchestrator calls after every settled turn.
type SessionRepository interface {
	Get(ctx context.Context, id string) (*ChatSession, error)
	Put(ctx context.Context, s *ChatSession) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]SessionSummary, error)
	Create(ctx context.Context, options ...SessionOption) (*ChatSession, error)
}

func summarize(s *ChatSession) SessionSummary {
	return SessionSummary{
		ID:        s.ID,
		Title:     s.GetTitle(),
		Messages:  len(s.Messages),
		UpdatedAt: s.UpdatedAt,
	}
}

func sortSummaries(ret []SessionSummary) {
	sort.SliceStable(ret, func(i, j int) bool {
		return ret[i].UpdatedAt.After(ret[j].UpdatedAt)
	})
}

// MemoryRepository keeps sessions in memory. Sessions are cloned on the way
// in and out, so callers never share state through it.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*ChatSession
}

var _ SessionRepository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: map[string]*ChatSession{}}
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*ChatSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.Wrap(ErrSessionNotFound, id)
	}
	return s.Clone(), nil
}

func (r *MemoryRepository) Put(_ context.Context, s *ChatSession) error {
	if s.ID == "" {
		return errors.New("session without id")
	}
	c := s.Clone()
	c.IsGenerating = false
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = c
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

func (r *MemoryRepository) List(_ context.Context) ([]SessionSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]SessionSummary, 0, len(r.sessions))
	for _, s := range r.sessions {
		ret = append(ret, summarize(s))
	}
	sortSummaries(ret)
	return ret, nil
}

func (r *MemoryRepository) Create(ctx context.Context, options ...SessionOption) (*ChatSession, error) {
	s := NewChatSession(options...)
	if err := r.Put(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

const sessionKeyPrefix = "session/"

// StoreRepository persists each session as one JSON value in a store.Store.
type StoreRepository struct {
	store store.Store
}

var _ SessionRepository = (*StoreRepository)(nil)

func NewStoreRepository(s store.Store) *StoreRepository {
	return &StoreRepository{store: s}
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

func (r *StoreRepository) Get(ctx context.Context, id string) (*ChatSession, error) {
	data, err := r.store.Load(ctx, sessionKey(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.Wrap(ErrSessionNotFound, id)
		}
		return nil, err
	}
	var s ChatSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrapf(err, "could not decode session %s", id)
	}
	return &s, nil
}

func (r *StoreRepository) Put(ctx context.Context, s *ChatSession) error {
	if s.ID == "" {
		return errors.New("session without id")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return errors.Wrapf(err, "could not encode session %s", s.ID)
	}
	log.Trace().Str("session", s.ID).Int("bytes", len(data)).Msg("saving session")
	return r.store.Save(ctx, sessionKey(s.ID), data)
}

func (r *StoreRepository) Delete(ctx context.Context, id string) error {
	return r.store.Delete(ctx, sessionKey(id))
}

func (r *StoreRepository) List(ctx context.Context) ([]SessionSummary, error) {
	keys, err := r.store.List(ctx, sessionKeyPrefix)
	if err != nil {
		return nil, err
	}
	ret := make([]SessionSummary, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, sessionKeyPrefix)
		s, err := r.Get(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("session", id).Msg("skipping unreadable session")
			continue
		}
		ret = append(ret, summarize(s))
	}
	sortSummaries(ret)
	return ret, nil
}

func (r *StoreRepository) Create(ctx context.Context, options ...SessionOption) (*ChatSession, error) {
	s := NewChatSession(options...)
	if err := r.Put(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}
