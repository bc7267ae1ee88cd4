package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sudankdk/icee/internal/execerr"
	"github.com/sudankdk/icee/internal/executer"
	"github.com/sudankdk/icee/internal/model"
	"github.com/sudankdk/icee/internal/submission"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

func userID(c *fiber.Ctx) (string, error) {
	id := c.Get(UserHeader)
	if id == "" {
		return "", fiber.NewError(fiber.StatusBadRequest, "Missing "+UserHeader+" header")
	}
	return id, nil
}

func (s *Server) listAssignments(c *fiber.Ctx) error {
	return c.JSON(s.catalog.GetAll())
}

func (s *Server) getAssignment(c *fiber.Ctx) error {
	a, ok := s.catalog.Get(c.Params("id"))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "Assignment not found")
	}
	return c.JSON(a)
}

// executeHandler streams an execution as server-sent events: one "log" event
// per LogEvent, a "sourceErrors" event when diagnostics were found and a
// final "end" event.
func (s *Server) executeHandler(c *fiber.Ctx) error {
	user, err := userID(c)
	if err != nil {
		return err
	}
	var payload model.Payload
	if err := c.BodyParser(&payload); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	// The stream outlives this handler, so it cannot use the request context.
	ctx, cancel := context.WithCancel(context.Background())
	ex := s.exec.ExecuteStream(ctx, payload, user)
	untrack := s.track(ex.ID, cancel)

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer untrack()
		defer cancel()
		s.stream(w, ex, cancel, s.log.With(zap.String("execution", ex.ID), zap.String("user", user)))
	}))
	return nil
}

// stream writes the events of ex to w. A heartbeat comment goes out whenever
// the execution is quiet; the first failed write cancels the execution.
func (s *Server) stream(w *bufio.Writer, ex *executer.Execution, cancel context.CancelFunc, log *zap.Logger) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	events := ex.Events()
	gone := false
	for events != nil && !gone {
		var err error
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			err = writeEvent(w, "log", ev)
		case <-ticker.C:
			err = writeHeartbeat(w)
		}
		if err != nil {
			log.Info("client went away, cancelling execution", zap.Error(err))
			gone = true
			cancel()
		}
	}
	if gone {
		for range ex.Events() {
		}
	}

	outcome, err := ex.Wait()
	if err != nil {
		log.Error("execution failed", zap.Error(err))
	}
	if gone {
		return
	}
	if len(outcome.SourceErrors) > 0 {
		if writeEvent(w, "sourceErrors", outcome.SourceErrors) != nil {
			return
		}
	}
	_ = writeEvent(w, "end", fiber.Map{"failed": err != nil})
}

func writeHeartbeat(w *bufio.Writer) error {
	if _, err := w.WriteString(": ping\n\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeEvent(w *bufio.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return w.Flush()
}

func (s *Server) submitHandler(c *fiber.Ctx) error {
	user, err := userID(c)
	if err != nil {
		return err
	}
	var payload model.Payload
	if err := c.BodyParser(&payload); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if err := s.submissions.Submit(c.UserContext(), payload, user); err != nil {
		return submissionError(err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"assignmentId": payload.AssignmentID,
		"userId":       user,
	})
}

func (s *Server) listSubmissions(c *fiber.Ctx) error {
	users, err := s.submissions.List(c.UserContext(), c.Params("assignmentId"))
	if err != nil {
		return submissionError(err)
	}
	return c.JSON(users)
}

func (s *Server) downloadSubmission(c *fiber.Ctx) error {
	assignmentID, user := c.Params("assignmentId"), c.Params("userId")
	rc, err := s.submissions.Open(c.UserContext(), assignmentID, user)
	if err != nil {
		return submissionError(err)
	}
	c.Attachment(submission.FileName(assignmentID, user))
	c.Set(fiber.HeaderContentType, "application/gzip")
	return c.SendStream(rc)
}

func submissionError(err error) error {
	switch {
	case errors.Is(err, execerr.ErrAlreadySubmitted):
		return fiber.NewError(fiber.StatusConflict, execerr.ErrAlreadySubmitted.Message)
	case errors.Is(err, execerr.ErrNoSubmission):
		return fiber.NewError(fiber.StatusNotFound, execerr.ErrNoSubmission.Message)
	}
	if msg, ok := execerr.UserMessage(err); ok {
		return fiber.NewError(fiber.StatusBadRequest, msg)
	}
	return err
}

func (s *Server) listContainers(c *fiber.Ctx) error {
	return c.JSON(s.containers.All())
}

func (s *Server) getContainer(c *fiber.Ctx) error {
	mc, ok := s.containers.ForUser(c.Params("userId"))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "No running container for this user")
	}
	return c.JSON(mc)
}
