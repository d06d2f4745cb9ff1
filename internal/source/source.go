// Package source supplies debatable entity pairs from a YAML roster. The
// roster is the daemon's view of the external entity store; it is re-read
// at the start of every enumeration so upstream syncs take effect without
// a restart.
package source

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/basket/arbiter/internal/debate"
)

// Entity is one roster row. Side assigns it to the A or B column of a
// pairing; Revision identifies the profile version and feeds the cache
// fingerprint.
type Entity struct {
	ID       string   `yaml:"id"`
	Side     string   `yaml:"side"` // "a" | "b"
	Revision string   `yaml:"revision"`
	Profile  string   `yaml:"profile"`
	Kinds    []string `yaml:"kinds,omitempty"` // empty means every roster kind
}

// ExplicitPair pins one pairing instead of the side cross product.
type ExplicitPair struct {
	AID  string `yaml:"a_id"`
	BID  string `yaml:"b_id"`
	Kind string `yaml:"kind"`
}

type roster struct {
	Kinds    []string       `yaml:"kinds"`
	Entities []Entity       `yaml:"entities"`
	Pairs    []ExplicitPair `yaml:"pairs,omitempty"`
}

// FileSource implements the scheduler's PairSource over a roster file.
type FileSource struct {
	path string

	mu     sync.RWMutex
	roster roster
	byID   map[string]*Entity
}

func NewFileSource(path string) (*FileSource, error) {
	s := &FileSource{path: path}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSource) reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read roster %s: %w", s.path, err)
	}
	var r roster
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("parse roster %s: %w", s.path, err)
	}
	byID := make(map[string]*Entity, len(r.Entities))
	for i := range r.Entities {
		e := &r.Entities[i]
		if e.ID == "" {
			return fmt.Errorf("roster %s: entity %d missing id", s.path, i)
		}
		if e.Side != "a" && e.Side != "b" {
			return fmt.Errorf("roster %s: entity %s side must be \"a\" or \"b\"", s.path, e.ID)
		}
		if _, dup := byID[e.ID]; dup {
			return fmt.Errorf("roster %s: duplicate entity id %s", s.path, e.ID)
		}
		byID[e.ID] = e
	}
	for _, p := range r.Pairs {
		if _, ok := byID[p.AID]; !ok {
			return fmt.Errorf("roster %s: pair references unknown entity %s", s.path, p.AID)
		}
		if _, ok := byID[p.BID]; !ok {
			return fmt.Errorf("roster %s: pair references unknown entity %s", s.path, p.BID)
		}
	}

	s.mu.Lock()
	s.roster = r
	s.byID = byID
	s.mu.Unlock()
	return nil
}

// EnumeratePairs lists every eligible pair: explicit pairs when declared,
// otherwise the side-a x side-b cross product per kind. Order is
// deterministic so cycles are reproducible.
func (s *FileSource) EnumeratePairs(ctx context.Context) ([]debate.EntityPair, error) {
	if err := s.reload(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.roster.Pairs) > 0 {
		out := make([]debate.EntityPair, 0, len(s.roster.Pairs))
		for _, p := range s.roster.Pairs {
			out = append(out, debate.EntityPair{AID: p.AID, BID: p.BID, Kind: debate.Kind(p.Kind)})
		}
		sortPairs(out)
		return out, nil
	}

	var out []debate.EntityPair
	for _, kind := range s.roster.Kinds {
		for i := range s.roster.Entities {
			a := &s.roster.Entities[i]
			if a.Side != "a" || !entityHasKind(a, kind) {
				continue
			}
			for j := range s.roster.Entities {
				b := &s.roster.Entities[j]
				if b.Side != "b" || !entityHasKind(b, kind) {
					continue
				}
				out = append(out, debate.EntityPair{AID: a.ID, BID: b.ID, Kind: debate.Kind(kind)})
			}
		}
	}
	sortPairs(out)
	return out, nil
}

// PairsForEntities lists pairs touching any of the given entities.
func (s *FileSource) PairsForEntities(ctx context.Context, entityIDs []string) ([]debate.EntityPair, error) {
	all, err := s.EnumeratePairs(ctx)
	if err != nil {
		return nil, err
	}
	touched := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		touched[id] = struct{}{}
	}
	var out []debate.EntityPair
	for _, p := range all {
		if _, ok := touched[p.AID]; ok {
			out = append(out, p)
			continue
		}
		if _, ok := touched[p.BID]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// PairContext loads the profiles for one pair. InputRev combines both
// profile revisions; any revision bump changes the cache fingerprint.
func (s *FileSource) PairContext(ctx context.Context, pair debate.EntityPair) (debate.PairContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.byID[pair.AID]
	if !ok {
		return debate.PairContext{}, fmt.Errorf("unknown entity %s", pair.AID)
	}
	b, ok := s.byID[pair.BID]
	if !ok {
		return debate.PairContext{}, fmt.Errorf("unknown entity %s", pair.BID)
	}
	return debate.PairContext{
		ProfileA: a.Profile,
		ProfileB: b.Profile,
		InputRev: a.Revision + ":" + b.Revision,
	}, nil
}

func entityHasKind(e *Entity, kind string) bool {
	if len(e.Kinds) == 0 {
		return true
	}
	for _, k := range e.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func sortPairs(pairs []debate.EntityPair) {
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].String() < pairs[j].String()
	})
}
