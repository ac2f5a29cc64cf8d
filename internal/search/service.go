package search

import (
	"sync"

	"dispatchsync/internal/dispatch"

	"github.com/rs/zerolog/log"
)

// backend is the index behind a Service.
type backend interface {
	Healthy() bool
	Search(q Query) ([]Result, int, error)
	Apply(changes Changes) error
	OnRecover(fn func())
	Close()
}

// Service tries Meilisearch first and falls back to scanning the snapshot.
// It remembers what the index holds and always diffs the newest document
// against that, so changes made while the index was down or never handed
// over still reach it.
type Service struct {
	index backend
	room  string

	mu      sync.Mutex
	latest  dispatch.Snapshot
	version uint64
	indexed dispatch.Snapshot
	rebuild bool
	syncing bool
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, room string) *Service {
	if meili == nil {
		return newService(nil, room)
	}
	return newService(meili, room)
}

func newService(index backend, room string) *Service {
	s := &Service{index: index, room: room, latest: dispatch.Empty(), indexed: dispatch.Empty()}
	if index != nil {
		index.OnRecover(s.recover)
	}
	return s
}

// Search answers q for the service's room. current is the live document, used
// when the index is unavailable.
func (s *Service) Search(q Query, current dispatch.Snapshot) Response {
	q.Room = s.room
	if s.index != nil && s.index.Healthy() {
		results, total, err := s.index.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "index"}
		}
		log.Warn().Err(err).Msg("search: meilisearch error, falling back to snapshot")
	}

	results, total := SearchSnapshot(current, q)
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "snapshot"}
}

// Index records next as the live document and brings the index up to it in
// the background. While the index is unhealthy nothing is sent; the backlog
// goes out on recovery.
func (s *Service) Index(next dispatch.Snapshot) {
	if s.index == nil {
		return
	}
	s.mu.Lock()
	s.latest = next.Clone()
	s.version++
	s.mu.Unlock()
	s.sync()
}

// Reindex rewrites every entity of snapshot, for a freshly configured index.
func (s *Service) Reindex(snapshot dispatch.Snapshot) {
	if s.index == nil {
		return
	}
	s.mu.Lock()
	s.rebuild = true
	s.mu.Unlock()
	s.Index(snapshot)
}

func (s *Service) recover() {
	s.mu.Lock()
	s.rebuild = true
	s.mu.Unlock()
	s.sync()
}

func (s *Service) sync() {
	if !s.index.Healthy() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncing {
		return
	}
	s.syncing = true
	go s.drain()
}

// drain applies batches until the index holds the latest document or a
// batch fails. A failed batch leaves the baseline alone, so the next attempt
// resends it.
func (s *Service) drain() {
	for {
		s.mu.Lock()
		target, version, base, rebuild := s.latest, s.version, s.indexed, s.rebuild
		s.rebuild = false
		s.mu.Unlock()

		changes := Diff(s.room, base, target)
		if rebuild {
			changes = Rebuild(s.room, base, target)
		}
		if !changes.Empty() {
			if err := s.index.Apply(changes); err != nil {
				log.Warn().Err(err).Msg("search: index snapshot changes")
				s.mu.Lock()
				s.rebuild = s.rebuild || rebuild
				s.syncing = false
				s.mu.Unlock()
				return
			}
		}

		s.mu.Lock()
		s.indexed = target
		if s.version == version && !s.rebuild {
			s.syncing = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

func (s *Service) Close() {
	if s.index != nil {
		s.index.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
