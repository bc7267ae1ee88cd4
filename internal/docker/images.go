package docker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/sudankdk/icee/internal/metrics"
	"go.uber.org/zap"
)

const DefaultImagePullRetryAfter = 5 * time.Minute

type imageState struct {
	available bool
	failedAt  time.Time
	err       error
}

// ImageCache remembers which images are present on the daemon. Failed pulls
// are remembered too and only retried after retryAfter.
type ImageCache struct {
	states     sync.Map // image ref -> imageState
	retryAfter time.Duration
	now        func() time.Time
}

func NewImageCache(retryAfter time.Duration) *ImageCache {
	if retryAfter <= 0 {
		retryAfter = DefaultImagePullRetryAfter
	}
	return &ImageCache{retryAfter: retryAfter, now: time.Now}
}

// lookup reports a cached answer for ref. cached is false when the engine has
// to be asked.
func (c *ImageCache) lookup(ref string) (cached bool, err error) {
	v, found := c.states.Load(ref)
	if !found {
		return false, nil
	}
	st := v.(imageState)
	if st.available {
		return true, nil
	}
	if c.now().Sub(st.failedAt) < c.retryAfter {
		return true, st.err
	}
	return false, nil
}

func (c *ImageCache) markAvailable(ref string) {
	c.states.Store(ref, imageState{available: true})
}

func (c *ImageCache) markFailed(ref string, err error) {
	c.states.Store(ref, imageState{failedAt: c.now(), err: err})
}

// EnsureImage makes sure ref exists locally, pulling it when the daemon does
// not know it. Concurrent callers may pull the same image twice; that only
// costs bandwidth.
func (m *Manager) EnsureImage(ctx context.Context, ref string) error {
	if cached, err := m.images.lookup(ref); cached {
		return err
	}

	_, err := m.engine.ImageInspect(ctx, ref)
	if err == nil {
		m.images.markAvailable(ref)
		return nil
	}
	if !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", ref, err)
	}

	m.log.Info("pulling image", zap.String("image", ref))
	if err := m.pull(ctx, ref); err != nil {
		metrics.ImagePullsTotal.WithLabelValues("failed").Inc()
		err = fmt.Errorf("pull image %s: %w", ref, err)
		m.images.markFailed(ref, err)
		return err
	}
	metrics.ImagePullsTotal.WithLabelValues("ok").Inc()
	m.images.markAvailable(ref)
	m.log.Info("image pulled", zap.String("image", ref))
	return nil
}

func (m *Manager) pull(ctx context.Context, ref string) error {
	out, err := m.engine.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer out.Close()
	// The daemon reports pull failures inside the progress stream.
	return jsonmessage.DisplayJSONMessagesStream(out, io.Discard, 0, false, nil)
}
