// Package store holds the canonical restaurant entities in memory, indexed by id and external key
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
)

var (
	ErrDuplicateID  = errors.New("entity id already exists")
	ErrKeyClaimed   = errors.New("external key already claimed by a live entity")
	ErrNotFound     = errors.New("entity not found")
	ErrInvalidMerge = errors.New("invalid merge")
	ErrInvalidID    = errors.New("invalid entity id")
)

// Store is the in-memory canonical store. Indexes are rebuilt on load and
// maintained incrementally on every mutation made through its methods.
type Store struct {
	entities  []*models.Entity
	byID      map[string]*models.Entity
	byKey     map[string][]*models.Entity // live holders only
	updatedAt time.Time
	now       func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{
		byID:  make(map[string]*models.Entity),
		byKey: make(map[string][]*models.Entity),
		now:   time.Now,
	}
}

// FromDocument builds a store from a decoded document. Loading tolerates
// legacy key collisions so the quality sweep can repair them; duplicate ids are rejected.
func FromDocument(doc *models.Document) (*Store, error) {
	s := New()
	s.updatedAt = doc.UpdatedAt
	for _, e := range doc.Entities {
		if e == nil {
			continue
		}
		if _, ok := s.byID[e.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, e.ID)
		}
		s.entities = append(s.entities, e)
		s.byID[e.ID] = e
		s.indexKey(e)
	}
	return s, nil
}

// Document returns the serializable form of the store
func (s *Store) Document() *models.Document {
	return &models.Document{
		SchemaVersion: models.SchemaVersion,
		Entities:      s.entities,
		UpdatedAt:     s.updatedAt,
		TotalCount:    len(s.entities),
	}
}

// Len returns the number of entities, tombstones included
func (s *Store) Len() int {
	return len(s.entities)
}

// UpdatedAt returns the last mutation time
func (s *Store) UpdatedAt() time.Time {
	return s.updatedAt
}

// Touch marks the entity and the store as updated now
func (s *Store) Touch(e *models.Entity) {
	now := s.now().UTC()
	e.UpdatedAt = now
	s.updatedAt = now
}

// All returns every entity in store order
func (s *Store) All() []*models.Entity {
	return s.entities
}

// Live returns every non-tombstoned entity in store order
func (s *Store) Live() []*models.Entity {
	out := make([]*models.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		if e.IsLive() {
			out = append(out, e)
		}
	}
	return out
}

// Get returns an entity by id
func (s *Store) Get(id string) (*models.Entity, bool) {
	e, ok := s.byID[id]
	return e, ok
}

// ByKey returns the live entity holding key. When legacy data has several
// holders the earliest in store order is returned.
func (s *Store) ByKey(key string) (*models.Entity, bool) {
	holders := s.byKey[key]
	if len(holders) == 0 {
		return nil, false
	}
	return holders[0], true
}

// Holders returns every live entity holding key
func (s *Store) Holders(key string) []*models.Entity {
	return append([]*models.Entity(nil), s.byKey[key]...)
}

// KeyConflicts returns the keys held by more than one live entity, in first-seen order
func (s *Store) KeyConflicts() []string {
	keys := []string{}
	seen := map[string]bool{}
	for _, e := range s.entities {
		if !e.IsLive() || !e.HasKey() || seen[e.Key()] {
			continue
		}
		seen[e.Key()] = true
		if len(s.byKey[e.Key()]) > 1 {
			keys = append(keys, e.Key())
		}
	}
	return keys
}

// Resolve follows a tombstone's merge pointer one hop to its root
func (s *Store) Resolve(id string) (*models.Entity, bool) {
	e, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	if e.IsLive() {
		return e, true
	}
	return s.Get(e.MergeTarget())
}

// Insert adds a new entity. Creating a second live holder of a key is refused.
func (s *Store) Insert(e *models.Entity) error {
	if e.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidID)
	}
	if _, ok := s.byID[e.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, e.ID)
	}
	if e.IsLive() && e.HasKey() {
		if holder, ok := s.ByKey(e.Key()); ok {
			return fmt.Errorf("%w: %s held by %s", ErrKeyClaimed, e.Key(), holder.ID)
		}
	}

	s.entities = append(s.entities, e)
	s.byID[e.ID] = e
	s.indexKey(e)
	s.Touch(e)
	return nil
}

// ClaimKey assigns key to e, refusing when another live entity already holds it
func (s *Store) ClaimKey(e *models.Entity, key string) error {
	if holder, ok := s.ByKey(key); ok && holder != e {
		return fmt.Errorf("%w: %s held by %s", ErrKeyClaimed, key, holder.ID)
	}
	s.assignKey(e, key)
	s.Touch(e)
	return nil
}

// ReleaseKey clears e's external key
func (s *Store) ReleaseKey(e *models.Entity) {
	if !e.HasKey() {
		return
	}
	s.assignKey(e, "")
	s.Touch(e)
}

// ShareKey assigns key to e even when another live entity holds it. The
// caller must resolve the resulting conflict before the store is committed.
// e is not touched; its pre-merge state stays visible to the resolver.
func (s *Store) ShareKey(e *models.Entity, key string) []*models.Entity {
	s.assignKey(e, key)
	others := []*models.Entity{}
	for _, h := range s.byKey[key] {
		if h != e {
			others = append(others, h)
		}
	}
	return others
}

func (s *Store) assignKey(e *models.Entity, key string) {
	s.unindexKey(e)
	e.SetKey(key)
	s.indexKey(e)
}

// MarkMerged tombstones loser into survivor. Entities previously merged into
// the loser are repointed at the survivor so no chain forms.
func (s *Store) MarkMerged(loser, survivor *models.Entity, reason string) error {
	if loser == survivor {
		return fmt.Errorf("%w: entity %s cannot merge into itself", ErrInvalidMerge, loser.ID)
	}
	if !survivor.IsLive() {
		return fmt.Errorf("%w: survivor %s is itself merged", ErrInvalidMerge, survivor.ID)
	}

	s.unindexKey(loser)
	now := s.now().UTC()
	loser.Status = models.EntityStatusDuplicateMerged
	loser.Merge = &models.MergeProvenance{Into: survivor.ID, Reason: reason, At: now}
	s.Touch(loser)

	for _, e := range s.entities {
		if e.Merge != nil && e.Merge.Into == loser.ID && e != loser {
			e.Merge.Into = survivor.ID
			s.Touch(e)
		}
	}
	s.Touch(survivor)
	return nil
}

// Reindex refreshes the key index after a field change made outside the store
func (s *Store) Reindex(e *models.Entity) {
	s.unindexKey(e)
	s.indexKey(e)
}

func (s *Store) indexKey(e *models.Entity) {
	if !e.IsLive() || !e.HasKey() {
		return
	}
	s.byKey[e.Key()] = append(s.byKey[e.Key()], e)
}

// unindexKey removes e from every key bucket it may still occupy
func (s *Store) unindexKey(e *models.Entity) {
	for key, holders := range s.byKey {
		for i, h := range holders {
			if h != e {
				continue
			}
			holders = append(holders[:i:i], holders[i+1:]...)
			if len(holders) == 0 {
				delete(s.byKey, key)
			} else {
				s.byKey[key] = holders
			}
			break
		}
	}
}
