// Package selection keeps each client's chosen services between requests.
package selection

import (
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/chadiek/voice-checkout/internal/catalog"
	"github.com/chadiek/voice-checkout/internal/intent"
	"github.com/chadiek/voice-checkout/internal/logger"
)

// DefaultTTL is how long an untouched selection is kept.
const DefaultTTL = time.Hour

// Store maps a client id to an ordered list of selected service ids.
type Store struct {
	cache *cache.Cache
	log   *zap.SugaredLogger
	// guards read-modify-write cycles on a single entry
	mu sync.Mutex
}

func NewStore(ttl time.Duration, log *zap.SugaredLogger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{cache: cache.New(ttl, 10*time.Minute), log: logger.OrNop(log)}
}

// Selected returns a copy of the client's selection, in the order services were added.
func (s *Store) Selected(client string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.getLocked(client)...)
}

func (s *Store) getLocked(client string) []string {
	if v, ok := s.cache.Get(client); ok {
		return v.([]string)
	}
	return nil
}

func (s *Store) putLocked(client string, ids []string) []string {
	s.cache.SetDefault(client, ids)
	return append([]string{}, ids...)
}

// Add selects the services with the given numbers. Already selected and
// out-of-range numbers are ignored.
func (s *Store) Add(client string, numbers []int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := append([]string{}, s.getLocked(client)...)
	for _, n := range numbers {
		svc, ok := catalog.ByNumber(n)
		if !ok || contains(cur, svc.ID) {
			continue
		}
		cur = append(cur, svc.ID)
	}
	return s.putLocked(client, cur)
}

// Remove deselects the services with the given numbers.
func (s *Store) Remove(client string, numbers []int) []string {
	drop := make(map[string]bool, len(numbers))
	for _, n := range numbers {
		if svc, ok := catalog.ByNumber(n); ok {
			drop[svc.ID] = true
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur []string
	for _, id := range s.getLocked(client) {
		if !drop[id] {
			cur = append(cur, id)
		}
	}
	return s.putLocked(client, cur)
}

// Set toggles one service by id, as a checkbox would.
func (s *Store) Set(client, id string, selected bool) ([]string, error) {
	if _, ok := catalog.ByID(id); !ok {
		return nil, fmt.Errorf("%w: %q", catalog.ErrUnknownService, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.getLocked(client)
	var next []string
	for _, existing := range cur {
		if existing != id {
			next = append(next, existing)
		}
	}
	if selected {
		if contains(cur, id) {
			next = append([]string{}, cur...)
		} else {
			next = append(next, id)
		}
	}
	return s.putLocked(client, next), nil
}

// Replace overwrites the selection. Duplicates collapse; unknown ids are rejected.
func (s *Store) Replace(client string, ids []string) ([]string, error) {
	var next []string
	for _, id := range ids {
		if _, ok := catalog.ByID(id); !ok {
			return nil, fmt.Errorf("%w: %q", catalog.ErrUnknownService, id)
		}
		if !contains(next, id) {
			next = append(next, id)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(client, next), nil
}

func (s *Store) Clear(client string) {
	s.mu.Lock()
	s.cache.Delete(client)
	s.mu.Unlock()
}

// Listener adapts the store to voice directives for one client. onChange, if
// set, receives the selection after every applied directive.
func (s *Store) Listener(client string, onChange func(ids []string)) intent.Listener {
	return intent.Listener{
		OnAdd: func(numbers []int) {
			ids := s.Add(client, numbers)
			s.log.Infof("[%s] voice added services %v -> %v", client, numbers, ids)
			if onChange != nil {
				onChange(ids)
			}
		},
		OnRemove: func(numbers []int) {
			ids := s.Remove(client, numbers)
			s.log.Infof("[%s] voice removed services %v -> %v", client, numbers, ids)
			if onChange != nil {
				onChange(ids)
			}
		},
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
