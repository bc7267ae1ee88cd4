package docker

import (
	"context"
	"time"

	"github.com/docker/docker/api/types/system"
	"go.uber.org/zap"
)

// storageQuotaSupported asks the daemon once whether a "size" storage option
// will be honoured. The answer holds for the life of the Manager.
func (m *Manager) storageQuotaSupported(ctx context.Context) bool {
	m.storageOnce.Do(func() {
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		info, err := m.engine.Info(probeCtx)
		if err != nil {
			m.log.Warn("could not query storage driver, container size limits are disabled", zap.Error(err))
			return
		}
		m.storageSupported = supportsStorageOpt(info)
		if !m.storageSupported {
			m.log.Warn("storage driver does not support size limits, container size limits are disabled",
				zap.String("driver", info.Driver),
				zap.String("backing_fs", backingFilesystem(info)),
			)
		}
	})
	return m.storageSupported
}

func supportsStorageOpt(info system.Info) bool {
	switch info.Driver {
	case "overlay2":
		// overlay2 needs xfs mounted with pquota
		return backingFilesystem(info) == "xfs"
	case "devicemapper", "btrfs", "zfs", "windowsfilter":
		return true
	}
	return false
}

func backingFilesystem(info system.Info) string {
	for _, kv := range info.DriverStatus {
		if kv[0] == "Backing Filesystem" {
			return kv[1]
		}
	}
	return ""
}
