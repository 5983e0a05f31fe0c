package devserver

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relayadmin/internal/adminapi"
)

// Store is an in-memory announcement table. Every mutation returns the
// event that describes it so the caller can broadcast in commit order.
type Store struct {
	mu    sync.Mutex
	items map[string]adminapi.Announcement
}

type change struct {
	kind    string
	payload map[string]any
}

func NewStore() *Store {
	return &Store{items: map[string]adminapi.Announcement{}}
}

func (s *Store) Stats() adminapi.AnnouncementStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats adminapi.AnnouncementStats
	for _, item := range s.items {
		stats.Total++
		if item.IsActive {
			stats.Active++
		}
	}
	return stats
}

func (s *Store) List(activeOnly bool) []adminapi.Announcement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]adminapi.Announcement, 0, len(s.items))
	for _, item := range s.items {
		if activeOnly && !item.IsActive {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) create(in adminapi.CreateAnnouncementInput) (adminapi.Announcement, change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	item := adminapi.Announcement{
		ID:        "ann_" + uuid.NewString(),
		Title:     strings.TrimSpace(in.Title),
		Body:      in.Body,
		IsActive:  in.IsActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.items[item.ID] = item
	return item, change{
		kind:    "announcement.created",
		payload: map[string]any{"id": item.ID, "isActive": item.IsActive},
	}
}

func (s *Store) setActive(id string, active bool) (adminapi.Announcement, *change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return adminapi.Announcement{}, nil, false
	}
	was := item.IsActive
	if was == active {
		return item, nil, true
	}
	item.IsActive = active
	item.UpdatedAt = time.Now().UTC()
	s.items[id] = item
	return item, &change{
		kind:    "announcement.updated",
		payload: map[string]any{"id": id, "isActive": active, "wasActive": was},
	}, true
}

func (s *Store) delete(id string) (change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return change{}, false
	}
	delete(s.items, id)
	return change{
		kind:    "announcement.deleted",
		payload: map[string]any{"id": id, "isActive": item.IsActive},
	}, true
}
