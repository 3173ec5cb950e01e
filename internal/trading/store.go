package trading

import (
	"sort"
	"sync"

	"github.com/goldroute/goldroute/internal/errs"
)

// store keeps order state in memory for the life of the process. State
// transitions for one order are serialized by its slot mutex; distinct
// orders proceed independently.
type store struct {
	mu    sync.RWMutex
	slots map[string]*slot
}

type slot struct {
	mu    sync.Mutex
	order Order
}

func newStore() *store {
	return &store{slots: make(map[string]*slot)}
}

func (s *store) put(o Order) {
	s.mu.Lock()
	s.slots[o.ID] = &slot{order: o}
	s.mu.Unlock()
}

// get returns a copy; callers never see live state.
func (s *store) get(id string) (Order, bool) {
	s.mu.RLock()
	sl, ok := s.slots[id]
	s.mu.RUnlock()
	if !ok {
		return Order{}, false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.order.clone(), true
}

// update applies fn to the order under its slot lock. fn sees and mutates
// the live order; errors leave it untouched.
func (s *store) update(id string, fn func(*Order) error) (Order, error) {
	s.mu.RLock()
	sl, ok := s.slots[id]
	s.mu.RUnlock()
	if !ok {
		return Order{}, errs.Newf(errs.CodeNotFound, "order %s not found", id)
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	working := sl.order.clone()
	if err := fn(&working); err != nil {
		return sl.order.clone(), err
	}
	sl.order = working
	return working.clone(), nil
}

// list returns copies, newest first.
func (s *store) list() []Order {
	s.mu.RLock()
	out := make([]Order, 0, len(s.slots))
	for _, sl := range s.slots {
		sl.mu.Lock()
		out = append(out, sl.order.clone())
		sl.mu.Unlock()
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}
