package docker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/google/shlex"
	"github.com/sudankdk/icee/internal/execerr"
	"github.com/sudankdk/icee/internal/metrics"
	"github.com/sudankdk/icee/internal/model"
	"github.com/sudankdk/icee/internal/sandbox"
	"github.com/sudankdk/icee/internal/utils"
	"go.uber.org/zap"
)

// ScreenSessions is the remote screen subsystem. The manager only tells it
// when a user's container goes away.
type ScreenSessions interface {
	Close(ctx context.Context, userID string) error
}

type noScreens struct{}

func (noScreens) Close(context.Context, string) error { return nil }

type Options struct {
	// WorkingDir is where payload files land inside the container.
	WorkingDir          string
	ImagePullRetryAfter time.Duration
	// Ports is the host port pool for remote screen servers.
	Ports   []int
	Screens ScreenSessions
	// TeardownTimeout bounds the cleanup of a container that failed to start.
	TeardownTimeout time.Duration
}

const DefaultTeardownTimeout = 30 * time.Second

// Manager creates execution containers and tears them down again.
type Manager struct {
	engine     EngineAPI
	log        *zap.Logger
	images     *ImageCache
	ports      *PortPool
	registry   *Registry
	screens    ScreenSessions
	workingDir string
	// teardownTimeout bounds a release that runs after cancellation.
	teardownTimeout time.Duration

	storageOnce      sync.Once
	storageSupported bool

	inspectRetries  int
	inspectInterval time.Duration
}

func NewManager(engine EngineAPI, log *zap.Logger, opts Options) *Manager {
	if opts.WorkingDir == "" {
		opts.WorkingDir = sandbox.DefaultWorkingDir
	}
	if opts.Screens == nil {
		opts.Screens = noScreens{}
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = DefaultTeardownTimeout
	}
	return &Manager{
		engine:          engine,
		log:             log,
		images:          NewImageCache(opts.ImagePullRetryAfter),
		ports:           NewPortPool(opts.Ports),
		registry:        NewRegistry(),
		screens:         opts.Screens,
		workingDir:      opts.WorkingDir,
		teardownTimeout: opts.TeardownTimeout,
		inspectRetries:  20,
		inspectInterval: 50 * time.Millisecond,
	}
}

func (m *Manager) Registry() *Registry { return m.registry }

func (m *Manager) Ports() *PortPool { return m.ports }

func (m *Manager) WorkingDir() string { return m.workingDir }

type plannedCommand struct {
	cmd  model.Command
	argv []string
}

// plan picks the commands that will run and tokenizes them.
func plan(a model.Assignment, buildOnly bool) ([]plannedCommand, error) {
	var out []plannedCommand
	for i, cmd := range a.Commands {
		if buildOnly && cmd.Stage == model.StageExec {
			continue
		}
		argv, err := shlex.Split(cmd.Command)
		if err != nil {
			return nil, execerr.Wrap(err, execerr.KindConfig, "assignment %s: command %d", a.ID, i+1)
		}
		if len(argv) == 0 {
			return nil, execerr.Config("assignment %s: command %d is empty", a.ID, i+1)
		}
		out = append(out, plannedCommand{cmd: cmd, argv: argv})
	}
	if len(out) == 0 {
		return nil, execerr.ErrNoCommands
	}
	return out, nil
}

// Acquire creates and primes a container for one execution. Every error
// returned before the container exists leaves the engine untouched; errors
// after that point tear the container down before returning.
func (m *Manager) Acquire(ctx context.Context, payload model.Payload, a model.Assignment, rc model.ResourceConfig, userID string) (*Handle, error) {
	if a.ID == "" || a.Image == "" {
		return nil, execerr.Config("assignment %q has no id or image", a.ID)
	}
	if rc.MaxPayloadSizeBytes != nil {
		limit := rc.MaxPayloadSizeBytes.Int64()
		if size := utils.EstimatePayloadSize(payload); size > limit {
			return nil, &execerr.PayloadTooBigError{Limit: limit, Actual: size}
		}
	}
	if err := utils.ValidateFiles(payload); err != nil {
		return nil, err
	}
	commands, err := plan(a, payload.BuildOnly)
	if err != nil {
		return nil, err
	}

	cfg := sandbox.NewConfig(a, rc, userID, m.workingDir)
	if rc.HasVNCServer {
		port, err := m.ports.Take()
		if err != nil {
			return nil, err
		}
		cfg.HostPort = port
	}
	// nothing below may leak the port
	returnPort := func() {
		if cfg.HostPort > 0 {
			m.ports.Put(cfg.HostPort)
		}
	}

	if err := m.EnsureImage(ctx, a.Image); err != nil {
		returnPort()
		return nil, err
	}
	withStorage := cfg.StorageSize > 0 && m.storageQuotaSupported(ctx)

	started := time.Now()
	resp, err := m.engine.ContainerCreate(ctx, cfg.ContainerConfig(), cfg.HostConfig(withStorage), nil, nil, "")
	if err != nil {
		returnPort()
		metrics.ContainerAcquireDuration.WithLabelValues("failed").Observe(time.Since(started).Seconds())
		return nil, fmt.Errorf("create container: %w", err)
	}

	managed := model.ManagedContainer{
		ID:           resp.ID,
		UserID:       userID,
		AssignmentID: a.ID,
		Image:        a.Image,
		WorkingDir:   cfg.WorkingDir,
		VNCPort:      cfg.HostPort,
		CreatedAt:    started,
	}
	m.registry.Add(managed)
	h := NewHandle(managed, nil)

	log := m.log.With(zap.String("container", shortID(resp.ID)), zap.String("user", userID), zap.String("assignment", a.ID))
	for _, w := range resp.Warnings {
		log.Warn("engine warning", zap.String("warning", w))
	}

	if err := m.prime(ctx, h, payload.Files); err != nil {
		m.releaseDetached(ctx, h)
		metrics.ContainerAcquireDuration.WithLabelValues("failed").Observe(time.Since(started).Seconds())
		return nil, err
	}

	for _, pc := range commands {
		h.Stages = append(h.Stages, m.newStage(resp.ID, pc))
		if pc.cmd.Stage == model.StageBuild {
			h.HasBuildStage = true
		}
	}

	metrics.ContainerAcquireDuration.WithLabelValues("ok").Observe(time.Since(started).Seconds())
	log.Info("container ready",
		zap.String("limits", cfg.Describe()),
		zap.Bool("storage_limit", withStorage),
		zap.Int("vnc_port", cfg.HostPort),
		zap.String("files", utils.FilesSummary(payload.Files)),
		zap.Int("stages", len(h.Stages)),
	)
	return h, nil
}

// prime starts the container and uploads the payload.
func (m *Manager) prime(ctx context.Context, h *Handle, files []model.File) error {
	if err := m.engine.ContainerStart(ctx, h.Container.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	if len(files) == 0 {
		return nil
	}
	archive, err := utils.TarPayload(files)
	if err != nil {
		return err
	}
	if err := m.engine.CopyToContainer(ctx, h.Container.ID, h.Container.WorkingDir, archive, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("upload payload: %w", err)
	}
	return nil
}

func (m *Manager) newStage(containerID string, pc plannedCommand) *Stage {
	if !pc.cmd.WaitForExit {
		return NewBackgroundStage(pc.cmd, func(ctx context.Context) error {
			exec, err := m.engine.ContainerExecCreate(ctx, containerID, container.ExecOptions{
				Cmd:        pc.argv,
				WorkingDir: m.workingDir,
				Detach:     true,
			})
			if err != nil {
				return fmt.Errorf("create exec %q: %w", pc.cmd.Command, err)
			}
			if err := m.engine.ContainerExecStart(ctx, exec.ID, container.ExecStartOptions{Detach: true}); err != nil {
				return fmt.Errorf("start exec %q: %w", pc.cmd.Command, err)
			}
			return nil
		})
	}

	return NewForegroundStage(pc.cmd, func(ctx context.Context) (OutputStream, error) {
		exec, err := m.engine.ContainerExecCreate(ctx, containerID, container.ExecOptions{
			Cmd:          pc.argv,
			WorkingDir:   m.workingDir,
			AttachStdin:  pc.cmd.Stage == model.StageExec,
			AttachStdout: true,
			AttachStderr: true,
		})
		if err != nil {
			return nil, fmt.Errorf("create exec %q: %w", pc.cmd.Command, err)
		}
		attach, err := m.engine.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
		if err != nil {
			return nil, fmt.Errorf("attach exec %q: %w", pc.cmd.Command, err)
		}
		// no interactive input: programs reading stdin see EOF
		if pc.cmd.Stage == model.StageExec {
			_ = attach.CloseWrite()
		}
		return newExecStream(pc.cmd.Stage, attach, m.exitCode(exec.ID)), nil
	})
}

// exitCode inspects an exec whose output has ended. The daemon may still
// report it as running for a moment.
func (m *Manager) exitCode(execID string) func(ctx context.Context) (int, error) {
	return func(ctx context.Context) (int, error) {
		for i := 0; ; i++ {
			resp, err := m.engine.ContainerExecInspect(ctx, execID)
			if err != nil {
				return 0, err
			}
			if !resp.Running || i >= m.inspectRetries {
				return resp.ExitCode, nil
			}
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(m.inspectInterval):
			}
		}
	}
}

// Release tears the container of h down. It never fails and only acts once
// per handle.
func (m *Manager) Release(ctx context.Context, h *Handle) {
	if h == nil {
		return
	}
	h.releaseOnce.Do(func() {
		c := h.Container
		log := m.log.With(zap.String("container", shortID(c.ID)), zap.String("user", c.UserID))

		if c.VNCPort > 0 {
			if err := m.screens.Close(ctx, c.UserID); err != nil {
				log.Debug("closing screen session failed", zap.Error(err))
			}
			m.ports.Put(c.VNCPort)
		}
		m.registry.Remove(c.ID)

		err := removeContainer(ctx, m.engine, c.ID)
		switch {
		case err == nil:
			log.Debug("container removed")
		case execerr.KindOf(err) == execerr.KindGone:
			log.Debug("container already gone")
		default:
			log.Error("failed to remove container", zap.Error(err))
		}
	})
}

// releaseDetached releases h even when ctx has already been cancelled, which
// is the usual reason priming fails.
func (m *Manager) releaseDetached(ctx context.Context, h *Handle) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.teardownTimeout)
	defer cancel()
	m.Release(tctx, h)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
