package executer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sudankdk/icee/internal/docker"
	"github.com/sudankdk/icee/internal/execerr"
	"github.com/sudankdk/icee/internal/metrics"
	"github.com/sudankdk/icee/internal/model"
	"github.com/sudankdk/icee/internal/sourceerr"
	"go.uber.org/zap"
)

const (
	DefaultChunkSize       = 4096
	DefaultTeardownTimeout = 30 * time.Second

	msgWaiting         = "Waiting for an available container..."
	msgStartFailed     = "Failed to start a container. Contact a system-admin"
	msgExecutionFailed = "Execution failed. Contact a system-admin"
	msgStarting        = "Starting execution!"
)

var errTimedOut = errors.New("execution timed out")

// Catalog resolves assignment ids.
type Catalog interface {
	Get(id string) (model.Assignment, bool)
}

// Containers hands out primed containers and takes them back.
type Containers interface {
	Acquire(ctx context.Context, payload model.Payload, a model.Assignment, rc model.ResourceConfig, userID string) (*docker.Handle, error)
	Release(ctx context.Context, h *docker.Handle)
}

// Admission gates concurrent executions.
type Admission interface {
	Busy(userID string) bool
	Saturated() bool
	Admit(ctx context.Context, userID string) (func(), error)
}

type Options struct {
	// DefaultConfig applies to assignments without their own limits.
	DefaultConfig   model.ResourceConfig
	PayloadDir      string
	ChunkSize       int
	TeardownTimeout time.Duration
}

// Service runs payloads against assignments and streams what happens.
type Service struct {
	catalog    Catalog
	containers Containers
	admission  Admission
	log        *zap.Logger
	opts       Options
}

func NewService(catalog Catalog, containers Containers, admission Admission, log *zap.Logger, opts Options) *Service {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = DefaultTeardownTimeout
	}
	if opts.PayloadDir == "" {
		opts.PayloadDir = sourceerr.DefaultPayloadDir
	}
	return &Service{
		catalog:    catalog,
		containers: containers,
		admission:  admission,
		log:        log,
		opts:       opts,
	}
}

// Outcome is what an execution reports besides its log events.
type Outcome struct {
	SourceErrors []model.SourceError
}

// Execution is one running payload. Events must be drained, or the context
// passed to ExecuteStream cancelled, for the execution to make progress.
type Execution struct {
	ID string

	events  chan model.LogEvent
	done    chan struct{}
	outcome Outcome
	err     error
}

// Events is closed when the execution has finished and its container is gone.
func (e *Execution) Events() <-chan model.LogEvent { return e.events }

// Wait blocks until the execution has finished. The error is only set for
// infrastructure failures; everything the user caused is reported as an
// event instead.
func (e *Execution) Wait() (Outcome, error) {
	<-e.done
	return e.outcome, e.err
}

// ExecuteStream starts running payload for userID. Cancelling ctx aborts the
// execution silently.
func (s *Service) ExecuteStream(ctx context.Context, payload model.Payload, userID string) *Execution {
	ex := &Execution{
		ID:     uuid.NewString(),
		events: make(chan model.LogEvent),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(ex.done)
		defer close(ex.events)
		ex.outcome, ex.err = s.execute(ctx, ex, payload, userID)
	}()
	return ex
}

// run carries the state of one execution.
type run struct {
	*Service
	ex     *Execution
	log    *zap.Logger
	userID string
}

// emit delivers ev unless ctx ends first.
func (r *run) emit(ctx context.Context, ev model.LogEvent) bool {
	select {
	case r.ex.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func errorEvent(msg string) model.LogEvent {
	return model.LogEvent{Message: msg, Severity: model.SeverityError}
}

func (s *Service) execute(ctx context.Context, ex *Execution, payload model.Payload, userID string) (Outcome, error) {
	r := &run{
		Service: s,
		ex:      ex,
		userID:  userID,
		log: s.log.With(
			zap.String("execution", ex.ID),
			zap.String("user", userID),
			zap.String("assignment", payload.AssignmentID),
		),
	}

	a, ok := s.catalog.Get(payload.AssignmentID)
	if payload.AssignmentID == "" || !ok {
		r.emit(ctx, errorEvent(execerr.ErrUnknownAssignment.Message))
		metrics.ExecutionsTotal.WithLabelValues("", "rejected").Inc()
		return Outcome{}, nil
	}

	if s.admission.Busy(userID) {
		r.emit(ctx, errorEvent(execerr.ErrUserBusy.Message))
		metrics.ExecutionsTotal.WithLabelValues(a.ID, "rejected").Inc()
		return Outcome{}, nil
	}
	if s.admission.Saturated() {
		r.emit(ctx, model.LogEvent{Message: msgWaiting, Severity: model.SeverityDebug})
	}
	release, err := s.admission.Admit(ctx, userID)
	if err != nil {
		if msg, ok := execerr.UserMessage(err); ok {
			r.emit(ctx, errorEvent(msg))
			metrics.ExecutionsTotal.WithLabelValues(a.ID, "rejected").Inc()
		} else {
			metrics.ExecutionsTotal.WithLabelValues(a.ID, "cancelled").Inc()
		}
		return Outcome{}, nil
	}
	defer release()

	outcome, result, err := r.runAssignment(ctx, payload, a)
	metrics.ExecutionsTotal.WithLabelValues(a.ID, result).Inc()
	return outcome, err
}

// runAssignment owns the container for the whole execution. result is a short
// label for metrics.
func (r *run) runAssignment(ctx context.Context, payload model.Payload, a model.Assignment) (Outcome, string, error) {
	rc := r.opts.DefaultConfig
	if a.Config != nil {
		rc = *a.Config
	}
	parser, err := sourceerr.Lookup(a.ErrorParser, r.opts.PayloadDir)
	if err != nil {
		r.log.Error("assignment is misconfigured", zap.Error(err))
		r.emit(ctx, errorEvent(msgStartFailed))
		return Outcome{}, "error", err
	}

	r.log.Info("starting container")
	h, err := r.containers.Acquire(ctx, payload, a, rc, r.userID)
	if err != nil {
		if msg, ok := execerr.UserMessage(err); ok {
			r.emit(ctx, errorEvent(msg))
			return Outcome{}, "rejected", nil
		}
		if ctx.Err() != nil {
			return Outcome{}, "cancelled", nil
		}
		r.log.Error("failed to start container", zap.Error(err))
		r.emit(ctx, errorEvent(msgStartFailed))
		return Outcome{}, "error", err
	}

	teardown := sync.OnceFunc(func() {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.TeardownTimeout)
		defer cancel()
		r.containers.Release(tctx, h)
	})
	defer teardown()

	if len(h.Stages) == 0 {
		teardown()
		r.emit(ctx, errorEvent(execerr.ErrNoCommands.Message))
		return Outcome{}, "rejected", nil
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout := rc.TimeoutOrZero(); timeout > 0 {
		runCtx, cancel = context.WithTimeoutCause(ctx, timeout, errTimedOut)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	collector := newLineCollector(parser)
	var result string
	if r.emit(runCtx, model.LogEvent{Message: msgStarting, Severity: model.SeverityDebug}) {
		result, err = r.runStages(runCtx, h, collector)
	} else {
		err = runCtx.Err()
	}
	teardown()

	outcome := Outcome{SourceErrors: collector.found}
	timedOut := err != nil && ctx.Err() == nil && errors.Is(context.Cause(runCtx), errTimedOut)
	switch {
	case timedOut:
		r.log.Info("execution timed out", zap.Duration("timeout", rc.TimeoutOrZero()))
		r.emit(ctx, model.Errorf("Execution was aborted because it went on for too long. Maximum allowed time is %s", rc.TimeoutOrZero()))
		return outcome, "timeout", nil
	case ctx.Err() != nil && execerr.KindOf(err) != execerr.KindFatal:
		r.log.Info("execution cancelled by caller")
		return outcome, "cancelled", nil
	case err != nil:
		if execerr.KindOf(err) != execerr.KindFatal {
			r.emit(ctx, errorEvent(msgExecutionFailed))
		}
		r.log.Error("execution failed", zap.Error(err))
		return outcome, "error", err
	}
	r.log.Info("execution finished", zap.String("result", result), zap.Int("source_errors", len(outcome.SourceErrors)))
	return outcome, result, nil
}

// runStages runs the stages in order until one exits non-zero. It returns
// "ok" or "failed" when the pipeline ran to an end.
func (r *run) runStages(ctx context.Context, h *docker.Handle, collector *lineCollector) (string, error) {
	buf := make([]byte, r.opts.ChunkSize)
	completed := 0
	for _, st := range h.Stages {
		stream, err := st.Start(ctx)
		if st.Kind == docker.Background {
			if err != nil {
				r.log.Warn("background command failed to start", zap.String("command", st.Command.Command), zap.Error(err))
			}
			continue
		}
		if err != nil {
			return "", err
		}

		started := time.Now()
		code, err := r.drain(ctx, stream, buf, collector)
		stream.Close()
		if err != nil {
			return "", err
		}
		metrics.StageDuration.WithLabelValues(string(st.Command.Stage)).Observe(time.Since(started).Seconds())

		completed++
		if !r.emit(ctx, model.Debug("Execution stage %d (%s) exited with code: %d", completed, code.Stage, code.ReturnCode)) {
			return "", ctx.Err()
		}
		r.log.Debug("stage finished",
			zap.Int("stage", completed),
			zap.String("kind", string(code.Stage)),
			zap.Int("code", code.ReturnCode),
		)
		if code.ReturnCode != 0 {
			return "failed", nil
		}
	}
	return "ok", nil
}

// drain forwards a stage's output as log events until it ends.
func (r *run) drain(ctx context.Context, stream docker.OutputStream, buf []byte, collector *lineCollector) (model.ExecutionResult, error) {
	decoders := map[model.StreamChannel]*textDecoder{}
	send := func(ch model.StreamChannel, text string) bool {
		if text == "" {
			return true
		}
		collector.Feed(ch, text)
		sev := model.SeverityInformation
		if ch != model.StdOut {
			sev = model.SeverityError
		}
		return r.emit(ctx, model.LogEvent{Message: text, Severity: sev})
	}

	for {
		n, ch, err := stream.ReadChunk(ctx, buf)
		if err != nil {
			return model.ExecutionResult{}, err
		}
		if n == 0 {
			break
		}
		d, ok := decoders[ch]
		if !ok {
			d = &textDecoder{}
			decoders[ch] = d
		}
		if !send(ch, d.Decode(buf[:n])) {
			return model.ExecutionResult{}, ctx.Err()
		}
	}
	for _, ch := range []model.StreamChannel{model.StdOut, model.StdErr, model.StdIn} {
		if d, ok := decoders[ch]; ok {
			if !send(ch, d.Flush()) {
				return model.ExecutionResult{}, ctx.Err()
			}
		}
	}
	collector.Flush()
	return stream.Result(ctx)
}
