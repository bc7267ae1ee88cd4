package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sudankdk/icee/internal/logger"
	"github.com/sudankdk/icee/internal/model"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the icee server.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         logger.Config     `yaml:"log"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Submissions SubmissionsConfig `yaml:"submissions"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	BodyLimit       int           `yaml:"bodyLimit"` // bytes
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type ExecutorConfig struct {
	MaxConcurrentExecutions int           `yaml:"maxConcurrentExecutions"`
	CatalogPath             string        `yaml:"catalogPath"`
	WorkingDir              string        `yaml:"workingDir"`
	ImagePullRetryAfter     time.Duration `yaml:"imagePullRetryAfter"`
	SweepInterval           time.Duration `yaml:"sweepInterval"`
	TeardownTimeout         time.Duration `yaml:"teardownTimeout"`
	// VNCPorts are host ports handed to assignments that run a screen server.
	VNCPorts PortList `yaml:"vncPorts"`
	// Defaults apply to assignments without an executorConfig.
	Defaults model.ResourceConfig `yaml:"defaults"`
}

type SubmissionsConfig struct {
	Backend       string      `yaml:"backend"` // local | minio
	Dir           string      `yaml:"dir"`
	AllowResubmit bool        `yaml:"allowResubmit"`
	MinIO         MinIOConfig `yaml:"minio"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	mem := model.ByteSize(512 * 1024 * 1024)
	disk := model.ByteSize(1024 * 1024)
	payload := model.ByteSize(2000)
	return &Config{
		Server: ServerConfig{
			Addr:            ":3000",
			BodyLimit:       4 * 1024 * 1024,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: logger.Config{
			Level:  "info",
			Format: "json",
		},
		Executor: ExecutorConfig{
			MaxConcurrentExecutions: 4,
			CatalogPath:             "assignments.yaml",
			WorkingDir:              "/payload",
			ImagePullRetryAfter:     5 * time.Minute,
			SweepInterval:           time.Minute,
			TeardownTimeout:         30 * time.Second,
			Defaults: model.ResourceConfig{
				MaxMemoryBytes:        &mem,
				MaxContainerSizeBytes: &disk,
				MaxPayloadSizeBytes:   &payload,
			},
		},
		Submissions: SubmissionsConfig{
			Backend: "local",
			Dir:     "submissions",
			MinIO: MinIOConfig{
				Bucket: "icee-submissions",
			},
		},
	}
}

// Load reads the YAML file at path (when set) over the defaults, then applies
// ICEE_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Addr = envOrDefault("ICEE_ADDR", c.Server.Addr)
	c.Log.Level = envOrDefault("ICEE_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOrDefault("ICEE_LOG_FORMAT", c.Log.Format)
	c.Executor.CatalogPath = envOrDefault("ICEE_CATALOG_PATH", c.Executor.CatalogPath)
	c.Submissions.Backend = envOrDefault("ICEE_SUBMISSIONS_BACKEND", c.Submissions.Backend)
	c.Submissions.Dir = envOrDefault("ICEE_SUBMISSIONS_DIR", c.Submissions.Dir)
	c.Submissions.MinIO.Endpoint = envOrDefault("ICEE_MINIO_ENDPOINT", c.Submissions.MinIO.Endpoint)
	c.Submissions.MinIO.AccessKey = envOrDefault("ICEE_MINIO_ACCESS_KEY", c.Submissions.MinIO.AccessKey)
	c.Submissions.MinIO.SecretKey = envOrDefault("ICEE_MINIO_SECRET_KEY", c.Submissions.MinIO.SecretKey)
	c.Submissions.MinIO.Bucket = envOrDefault("ICEE_MINIO_BUCKET", c.Submissions.MinIO.Bucket)
	if v := os.Getenv("ICEE_MINIO_USE_SSL"); v != "" {
		c.Submissions.MinIO.UseSSL = v == "true"
	}

	if v := os.Getenv("ICEE_MAX_CONCURRENT_EXECUTIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid ICEE_MAX_CONCURRENT_EXECUTIONS %q: %w", v, err)
		}
		c.Executor.MaxConcurrentExecutions = n
	}
	if v := os.Getenv("ICEE_VNC_PORTS"); v != "" {
		ports, err := ParsePorts(v)
		if err != nil {
			return fmt.Errorf("invalid ICEE_VNC_PORTS: %w", err)
		}
		c.Executor.VNCPorts = ports
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Executor.MaxConcurrentExecutions < 1 {
		errs = append(errs, fmt.Errorf("executor.maxConcurrentExecutions must be at least 1, got %d", c.Executor.MaxConcurrentExecutions))
	}
	if c.Executor.CatalogPath == "" {
		errs = append(errs, errors.New("executor.catalogPath is required"))
	}
	switch c.Submissions.Backend {
	case "local":
		if c.Submissions.Dir == "" {
			errs = append(errs, errors.New("submissions.dir is required for the local backend"))
		}
	case "minio":
		if c.Submissions.MinIO.Endpoint == "" || c.Submissions.MinIO.Bucket == "" {
			errs = append(errs, errors.New("submissions.minio.endpoint and bucket are required for the minio backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown submissions.backend %q", c.Submissions.Backend))
	}
	return errors.Join(errs...)
}

// PortList is a list of host ports. In YAML it may be a sequence or a string
// such as "5901-5905,5910".
type PortList []int

func (p *PortList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		ports, err := ParsePorts(value.Value)
		if err != nil {
			return err
		}
		*p = ports
		return nil
	case yaml.SequenceNode:
		var out PortList
		for _, item := range value.Content {
			ports, err := ParsePorts(item.Value)
			if err != nil {
				return err
			}
			out = append(out, ports...)
		}
		*p = out
		return nil
	}
	return fmt.Errorf("line %d: ports must be a list or a string", value.Line)
}

// ParsePorts parses a comma separated list of ports and inclusive ranges.
func ParsePorts(s string) (PortList, error) {
	var out PortList
	seen := map[int]bool{}
	add := func(n int) error {
		if n < 1 || n > 65535 {
			return fmt.Errorf("port %d out of range", n)
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
		return nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		from, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", part)
		}
		to := from
		if isRange {
			if to, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil || to < from {
				return nil, fmt.Errorf("invalid port range %q", part)
			}
		}
		for n := from; n <= to; n++ {
			if err := add(n); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
