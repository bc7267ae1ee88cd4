package docker

import (
	"context"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/sudankdk/icee/internal/execerr"
	"github.com/sudankdk/icee/internal/metrics"
	"github.com/sudankdk/icee/internal/sandbox"
	"go.uber.org/zap"
)

// orphanGrace keeps the sweeper away from containers that were just created
// and are not registered yet.
const orphanGrace = time.Minute

// SweepOrphans removes managed containers that no execution owns, usually left
// over from a crash. It returns how many were removed.
func (m *Manager) SweepOrphans(ctx context.Context) (int, error) {
	containers, err := m.engine.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", sandbox.LabelManaged+"=true"),
		),
	})
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-orphanGrace).Unix()
	removed := 0
	for _, c := range containers {
		if m.registry.Contains(c.ID) || c.Created > cutoff {
			continue
		}
		if err := removeContainer(ctx, m.engine, c.ID); err != nil && execerr.KindOf(err) != execerr.KindGone {
			m.log.Warn("failed to remove orphan container", zap.String("container", shortID(c.ID)), zap.Error(err))
			continue
		}
		removed++
		metrics.OrphansRemovedTotal.Inc()
		m.log.Info("removed orphan container",
			zap.String("container", shortID(c.ID)),
			zap.String("user", c.Labels[sandbox.LabelUser]),
			zap.String("state", string(c.State)),
		)
	}
	return removed, nil
}

// RunSweeper calls SweepOrphans every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("orphan sweeper stopped")
			return
		case <-ticker.C:
			if _, err := m.SweepOrphans(ctx); err != nil {
				m.log.Warn("orphan sweep failed", zap.Error(err))
			}
		}
	}
}
