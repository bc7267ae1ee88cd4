package api

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sudankdk/icee/internal/executer"
	"github.com/sudankdk/icee/internal/metrics"
	"github.com/sudankdk/icee/internal/model"
	"go.uber.org/zap"
)

// UserHeader carries the caller's user id.
const UserHeader = "X-User-Id"

type Executor interface {
	ExecuteStream(ctx context.Context, payload model.Payload, userID string) *executer.Execution
}

type Catalog interface {
	GetAll() []model.AssignmentSummary
	Get(id string) (model.Assignment, bool)
}

type Submissions interface {
	Submit(ctx context.Context, payload model.Payload, userID string) error
	List(ctx context.Context, assignmentID string) ([]string, error)
	Open(ctx context.Context, assignmentID, userID string) (io.ReadCloser, error)
}

// Containers is the read-only view of running containers used by the remote
// screen subsystem.
type Containers interface {
	All() []model.ManagedContainer
	ForUser(userID string) (model.ManagedContainer, bool)
}

// DefaultHeartbeat is how often an idle execution stream is probed with an
// SSE comment, which is also how a dropped client is noticed.
const DefaultHeartbeat = 15 * time.Second

type Options struct {
	BodyLimit int
	Heartbeat time.Duration
}

type Server struct {
	exec        Executor
	catalog     Catalog
	submissions Submissions
	containers  Containers
	log         *zap.Logger
	app         *fiber.App
	heartbeat   time.Duration

	mu      sync.Mutex
	streams map[string]context.CancelFunc
}

func NewServer(exec Executor, catalog Catalog, submissions Submissions, containers Containers, log *zap.Logger, opts Options) *Server {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	s := &Server{
		exec:        exec,
		catalog:     catalog,
		submissions: submissions,
		containers:  containers,
		log:         log,
		heartbeat:   opts.Heartbeat,
		streams:     map[string]context.CancelFunc{},
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "icee",
		BodyLimit:             opts.BodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	s.app.Use(recover.New())
	s.app.Use(metrics.FiberMiddleware())
	s.app.Use(s.requestLogger)
	s.setupRoutes(s.app)
	return s
}

// App exposes the fiber app, mostly for tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error {
	s.log.Info("http server listening", zap.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown cancels every streaming execution so their connections can finish,
// then stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for id, cancel := range s.streams {
		s.log.Info("cancelling execution for shutdown", zap.String("execution", id))
		cancel()
	}
	s.mu.Unlock()
	return s.app.ShutdownWithContext(ctx)
}

// track registers cancel until the returned func is called.
func (s *Server) track(id string, cancel context.CancelFunc) func() {
	s.mu.Lock()
	s.streams[id] = cancel
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.streams, id)
		s.mu.Unlock()
	}
}

func (s *Server) setupRoutes(app *fiber.App) {
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ICEE Running") })
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	api := app.Group("/api")
	api.Get("/assignments", s.listAssignments)
	api.Get("/assignments/:id", s.getAssignment)
	api.Post("/execute", s.executeHandler)
	api.Post("/submissions", s.submitHandler)
	api.Get("/submissions/:assignmentId", s.listSubmissions)
	api.Get("/submissions/:assignmentId/:userId", s.downloadSubmission)
	api.Get("/containers", s.listContainers)
	api.Get("/containers/:userId", s.getContainer)
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "Internal Server Error"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code, msg = fe.Code, fe.Message
	} else {
		s.log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(code).JSON(fiber.Map{"error": msg})
}

func (s *Server) requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.log.Debug("request",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", c.Response().StatusCode()),
		zap.Duration("took", time.Since(start)),
	)
	return err
}
