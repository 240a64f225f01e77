package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/tenancy/store"
)

// Store persists identities per namespace.
type Store interface {
	// GetOrCreate returns the identity with id.Email in namespace, inserting
	// id when none exists.
	GetOrCreate(ctx context.Context, namespace string, id *Identity) (stored *Identity, created bool, err error)
	Get(ctx context.Context, namespace string, id uuid.UUID) (*Identity, error)
	GetByEmail(ctx context.Context, namespace, email string) (*Identity, error)
	// Update writes the mutable fields of id.
	Update(ctx context.Context, namespace string, id *Identity) error
	List(ctx context.Context, namespace string) ([]*Identity, error)
}

// MemoryStore is a Store for tests and single-process runs.
type MemoryStore struct {
	mu    sync.RWMutex
	byNS  map[string]map[string]*Identity // namespace -> email -> identity
	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byNS: make(map[string]map[string]*Identity), clock: time.Now}
}

func (s *MemoryStore) GetOrCreate(_ context.Context, namespace string, id *Identity) (*Identity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := s.byNS[namespace]
	if users == nil {
		users = make(map[string]*Identity)
		s.byNS[namespace] = users
	}
	if cur, ok := users[id.Email]; ok {
		c := *cur
		return &c, false, nil
	}

	now := s.clock().UTC()
	n := *id
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.Namespace = namespace
	n.CreatedAt, n.UpdatedAt = now, now
	users[n.Email] = &n
	c := n
	return &c, true, nil
}

func (s *MemoryStore) Get(_ context.Context, namespace string, id uuid.UUID) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.byNS[namespace] {
		if u.ID == id {
			c := *u
			return &c, nil
		}
	}
	return nil, fmt.Errorf("identity %s in %s: %w", id, namespace, store.ErrNotFound)
}

func (s *MemoryStore) GetByEmail(_ context.Context, namespace, email string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.byNS[namespace][email]; ok {
		c := *u
		return &c, nil
	}
	return nil, fmt.Errorf("identity %s in %s: %w", email, namespace, store.ErrNotFound)
}

func (s *MemoryStore) Update(_ context.Context, namespace string, id *Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byNS[namespace][id.Email]
	if !ok || cur.ID != id.ID {
		return fmt.Errorf("identity %s in %s: %w", id.ID, namespace, store.ErrNotFound)
	}
	cur.DisplayName = id.DisplayName
	cur.PasswordHash = id.PasswordHash
	cur.IsAdmin = id.IsAdmin
	cur.UpdatedAt = s.clock().UTC()
	id.UpdatedAt = cur.UpdatedAt
	return nil
}

func (s *MemoryStore) List(_ context.Context, namespace string) ([]*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Identity, 0, len(s.byNS[namespace]))
	for _, u := range s.byNS[namespace] {
		c := *u
		out = append(out, &c)
	}
	sortByEmail(out)
	return out, nil
}
