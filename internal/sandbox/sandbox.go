package sandbox

import (
	"fmt"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/sudankdk/icee/internal/model"
)

const (
	LabelManaged    = "icee.managed"
	LabelUser       = "icee.user"
	LabelAssignment = "icee.assignment"

	DefaultWorkingDir = "/payload"
	DefaultVNCPort    = 5900
)

// Config describes one execution container.
type Config struct {
	Image      string
	WorkingDir string
	Labels     map[string]string
	Env        []string
	Memory     int64 // bytes
	CPU        int64 // NanoCPUs
	// StorageSize is the rootfs cap in bytes. Only applied when the daemon's
	// storage driver supports it.
	StorageSize int64
	// HostPort is the pooled host port bound to ContainerPort, 0 when the
	// assignment has no remote screen.
	HostPort      int
	ContainerPort int
}

// NewConfig builds a sandbox config for an assignment run.
func NewConfig(a model.Assignment, rc model.ResourceConfig, userID, workingDir string) Config {
	if workingDir == "" {
		workingDir = DefaultWorkingDir
	}
	cfg := Config{
		Image:      a.Image,
		WorkingDir: workingDir,
		Labels: map[string]string{
			LabelManaged:    "true",
			LabelUser:       userID,
			LabelAssignment: a.ID,
		},
		Env:           append([]string{"DOTNET_LOGGING_CONSOLE_DISABLECOLORS=true"}, rc.EnvironmentVariables...),
		ContainerPort: DefaultVNCPort,
	}
	if rc.MaxMemoryBytes != nil {
		cfg.Memory = rc.MaxMemoryBytes.Int64()
	}
	if rc.MaxVCPUs != nil {
		cfg.CPU = int64(*rc.MaxVCPUs * 1e9)
	}
	if rc.MaxContainerSizeBytes != nil {
		cfg.StorageSize = rc.MaxContainerSizeBytes.Int64()
	}
	return cfg
}

func (c Config) vncPort() nat.Port {
	return nat.Port(fmt.Sprintf("%d/tcp", c.ContainerPort))
}

// ContainerConfig keeps the container alive with a shell reading an open stdin,
// independent of the image's default command.
func (c Config) ContainerConfig() *container.Config {
	cfg := &container.Config{
		Image:        c.Image,
		Entrypoint:   []string{"/bin/sh"},
		Cmd:          []string{},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		OpenStdin:    true,
		Tty:          false,
		WorkingDir:   c.WorkingDir,
		Env:          c.Env,
		Labels:       c.Labels,
	}
	if c.HostPort > 0 {
		cfg.ExposedPorts = nat.PortSet{c.vncPort(): struct{}{}}
	}
	return cfg
}

// HostConfig applies the resource limits. withStorage must only be set when the
// daemon can honour a size storage option.
func (c Config) HostConfig(withStorage bool) *container.HostConfig {
	hc := &container.HostConfig{
		AutoRemove: false,
		Resources: container.Resources{
			Memory:   c.Memory,
			NanoCPUs: c.CPU,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: 1024, Hard: 2048},
				{Name: "nproc", Soft: 256, Hard: 512},
				{Name: "core", Soft: 0, Hard: 0},
			},
		},
	}
	if withStorage && c.StorageSize > 0 {
		hc.StorageOpt = map[string]string{"size": strconv.FormatInt(c.StorageSize, 10)}
	}
	if c.HostPort > 0 {
		hc.PortBindings = nat.PortMap{
			c.vncPort(): []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(c.HostPort)}},
		}
	}
	return hc
}

// Describe renders the limits for log lines.
func (c Config) Describe() string {
	mem := "unlimited"
	if c.Memory > 0 {
		mem = units.BytesSize(float64(c.Memory))
	}
	cpu := "unlimited"
	if c.CPU > 0 {
		cpu = fmt.Sprintf("%.2f", float64(c.CPU)/1e9)
	}
	return fmt.Sprintf("image=%s memory=%s vcpus=%s", c.Image, mem, cpu)
}
