package docker

import (
	"context"
	"sync"

	"github.com/sudankdk/icee/internal/model"
)

type StageKind int

const (
	// Foreground stages are attached and awaited.
	Foreground StageKind = iota
	// Background stages are started detached and never produce output.
	Background
)

func (k StageKind) String() string {
	if k == Background {
		return "background"
	}
	return "foreground"
}

// Stage is one command of the pipeline. Nothing runs in the container until
// Start is called, and Start runs the command at most once.
type Stage struct {
	Kind    StageKind
	Command model.Command

	once       sync.Once
	foreground func(ctx context.Context) (OutputStream, error)
	background func(ctx context.Context) error
	stream     OutputStream
	err        error
}

func NewForegroundStage(cmd model.Command, start func(ctx context.Context) (OutputStream, error)) *Stage {
	return &Stage{Kind: Foreground, Command: cmd, foreground: start}
}

func NewBackgroundStage(cmd model.Command, start func(ctx context.Context) error) *Stage {
	return &Stage{Kind: Background, Command: cmd, background: start}
}

// Start runs the command. Background stages return a nil stream. Later calls
// return the outcome of the first one.
func (s *Stage) Start(ctx context.Context) (OutputStream, error) {
	s.once.Do(func() {
		switch s.Kind {
		case Background:
			s.err = s.background(ctx)
		default:
			s.stream, s.err = s.foreground(ctx)
		}
	})
	return s.stream, s.err
}

// Handle binds a started container to its not yet started stages.
type Handle struct {
	Container     model.ManagedContainer
	HasBuildStage bool
	Stages        []*Stage

	releaseOnce sync.Once
}

func NewHandle(c model.ManagedContainer, stages []*Stage) *Handle {
	h := &Handle{Container: c, Stages: stages}
	for _, st := range stages {
		if st.Command.Stage == model.StageBuild {
			h.HasBuildStage = true
		}
	}
	return h
}
