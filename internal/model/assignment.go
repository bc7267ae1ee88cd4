package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

type Stage string

const (
	StageBuild Stage = "Build"
	StageExec  Stage = "Exec"
)

// Command is one step of an assignment pipeline.
type Command struct {
	Command     string `json:"command" yaml:"command"`
	Stage       Stage  `json:"stage" yaml:"stage"`
	WaitForExit bool   `json:"waitForExit" yaml:"waitForExit"`
}

// UnmarshalYAML defaults WaitForExit to true when the key is missing.
func (c *Command) UnmarshalYAML(value *yaml.Node) error {
	type plain Command
	raw := plain{WaitForExit: true}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*c = Command(raw)
	return nil
}

func (c *Command) UnmarshalJSON(data []byte) error {
	type plain Command
	raw := plain{WaitForExit: true}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Command(raw)
	return nil
}

// ByteSize is a byte count that can be written as a plain number or a
// human readable size such as "512MiB" or "1g".
type ByteSize int64

func (b ByteSize) Int64() int64 { return int64(b) }

func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ByteSize(n), nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	v, err := ParseByteSize(value.Value)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// ResourceConfig holds per-execution limits. A nil field means unlimited.
type ResourceConfig struct {
	Timeout               *time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxMemoryBytes        *ByteSize      `json:"maxMemoryBytes,omitempty" yaml:"maxMemoryBytes,omitempty"`
	MaxVCPUs              *float64       `json:"maxVCpus,omitempty" yaml:"maxVCpus,omitempty"`
	MaxContainerSizeBytes *ByteSize      `json:"maxContainerSizeBytes,omitempty" yaml:"maxContainerSizeBytes,omitempty"`
	MaxPayloadSizeBytes   *ByteSize      `json:"maxPayloadSizeBytes,omitempty" yaml:"maxPayloadSizeBytes,omitempty"`
	EnvironmentVariables  []string       `json:"environmentVariables,omitempty" yaml:"environmentVariables,omitempty"`
	HasVNCServer          bool           `json:"hasVncServer" yaml:"hasVncServer"`
}

// TimeoutOrZero returns the configured timeout, or zero when there is none.
func (c ResourceConfig) TimeoutOrZero() time.Duration {
	if c.Timeout == nil {
		return 0
	}
	return *c.Timeout
}

type Assignment struct {
	ID             string          `json:"id" yaml:"id"`
	Name           string          `json:"name" yaml:"name"`
	Image          string          `json:"image" yaml:"image"`
	Commands       []Command       `json:"commands" yaml:"commands"`
	Config         *ResourceConfig `json:"executorConfig,omitempty" yaml:"executorConfig,omitempty"`
	ErrorParser    string          `json:"errorParser,omitempty" yaml:"errorParser,omitempty"`
	InitialPayload []File          `json:"initialPayload,omitempty" yaml:"initialPayload,omitempty"`
}

// AssignmentSummary is what the catalog listing exposes.
type AssignmentSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
