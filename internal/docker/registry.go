package docker

import (
	"sort"
	"sync"

	"github.com/sudankdk/icee/internal/metrics"
	"github.com/sudankdk/icee/internal/model"
)

// Registry tracks the containers that currently belong to an execution.
type Registry struct {
	containers sync.Map // container id -> model.ManagedContainer
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Add(c model.ManagedContainer) {
	if _, loaded := r.containers.LoadOrStore(c.ID, c); !loaded {
		metrics.ContainersManaged.Inc()
	}
}

func (r *Registry) Remove(id string) (model.ManagedContainer, bool) {
	v, ok := r.containers.LoadAndDelete(id)
	if !ok {
		return model.ManagedContainer{}, false
	}
	metrics.ContainersManaged.Dec()
	return v.(model.ManagedContainer), true
}

func (r *Registry) Contains(id string) bool {
	_, ok := r.containers.Load(id)
	return ok
}

// All returns a snapshot ordered by creation time.
func (r *Registry) All() []model.ManagedContainer {
	out := []model.ManagedContainer{}
	r.containers.Range(func(_, v any) bool {
		out = append(out, v.(model.ManagedContainer))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ForUser finds the container owned by userID. A user runs at most one
// execution at a time, so there is at most one match.
func (r *Registry) ForUser(userID string) (model.ManagedContainer, bool) {
	var found model.ManagedContainer
	var ok bool
	r.containers.Range(func(_, v any) bool {
		c := v.(model.ManagedContainer)
		if c.UserID == userID {
			found, ok = c, true
			return false
		}
		return true
	})
	return found, ok
}
