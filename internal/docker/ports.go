package docker

import (
	"sort"
	"sync"

	"github.com/sudankdk/icee/internal/execerr"
	"github.com/sudankdk/icee/internal/metrics"
)

// PortPool hands out host ports for remote screen servers. Every port is owned
// by at most one container at a time.
type PortPool struct {
	free    sync.Map // port -> struct{}
	members map[int]struct{}
}

func NewPortPool(ports []int) *PortPool {
	p := &PortPool{members: make(map[int]struct{}, len(ports))}
	for _, port := range ports {
		if port <= 0 {
			continue
		}
		p.members[port] = struct{}{}
		p.free.Store(port, struct{}{})
	}
	metrics.VNCPortsAvailable.Set(float64(len(p.members)))
	return p
}

// Take removes a free port from the pool.
func (p *PortPool) Take() (int, error) {
	var port int
	p.free.Range(func(k, _ any) bool {
		if _, loaded := p.free.LoadAndDelete(k); loaded {
			port = k.(int)
			return false
		}
		return true
	})
	if port == 0 {
		return 0, execerr.ErrNoPortsAvailable
	}
	metrics.VNCPortsAvailable.Dec()
	return port, nil
}

// Put returns port to the pool. Ports that never belonged to the pool, or that
// are already free, are ignored and reported as false.
func (p *PortPool) Put(port int) bool {
	if _, ok := p.members[port]; !ok {
		return false
	}
	if _, loaded := p.free.LoadOrStore(port, struct{}{}); loaded {
		return false
	}
	metrics.VNCPortsAvailable.Inc()
	return true
}

// Available lists the free ports in ascending order.
func (p *PortPool) Available() []int {
	var out []int
	p.free.Range(func(k, _ any) bool {
		out = append(out, k.(int))
		return true
	})
	sort.Ints(out)
	return out
}
