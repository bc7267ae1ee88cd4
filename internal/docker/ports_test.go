package docker

import (
	"sync"
	"testing"

	"github.com/docker/docker/api/types/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sudankdk/icee/internal/execerr"
	"github.com/sudankdk/icee/internal/model"
)

func TestPortPoolTakeAndPut(t *testing.T) {
	p := NewPortPool([]int{5901, 5902})

	a, err := p.Take()
	require.NoError(t, err)
	b, err := p.Take()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = p.Take()
	assert.ErrorIs(t, err, execerr.ErrNoPortsAvailable)

	assert.True(t, p.Put(a))
	assert.False(t, p.Put(a), "double return")
	assert.False(t, p.Put(8080), "foreign port")
	assert.Equal(t, []int{a}, p.Available())
}

func TestPortPoolConcurrentTakeIsExclusive(t *testing.T) {
	ports := make([]int, 50)
	for i := range ports {
		ports[i] = 6000 + i
	}
	p := NewPortPool(ports)

	var mu sync.Mutex
	seen := map[int]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 80; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := p.Take()
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[port], "port %d handed out twice", port)
			seen[port] = true
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
	assert.Empty(t, p.Available())
}

func TestRegistryForUser(t *testing.T) {
	r := NewRegistry()
	r.Add(model.ManagedContainer{ID: "a", UserID: "alice"})
	r.Add(model.ManagedContainer{ID: "b", UserID: "bob", VNCPort: 5901})

	c, ok := r.ForUser("bob")
	require.True(t, ok)
	assert.Equal(t, 5901, c.VNCPort)
	assert.Len(t, r.All(), 2)

	_, ok = r.Remove("b")
	assert.True(t, ok)
	_, ok = r.Remove("b")
	assert.False(t, ok)
	_, ok = r.ForUser("bob")
	assert.False(t, ok)
}

func TestSupportsStorageOpt(t *testing.T) {
	tests := []struct {
		name string
		info system.Info
		want bool
	}{
		{"overlay2 on xfs", system.Info{Driver: "overlay2", DriverStatus: [][2]string{{"Backing Filesystem", "xfs"}}}, true},
		{"overlay2 on ext4", system.Info{Driver: "overlay2", DriverStatus: [][2]string{{"Backing Filesystem", "extfs"}}}, false},
		{"btrfs", system.Info{Driver: "btrfs"}, true},
		{"vfs", system.Info{Driver: "vfs"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, supportsStorageOpt(tt.info))
		})
	}
}
