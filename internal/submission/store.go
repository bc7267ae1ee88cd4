package submission

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/sudankdk/icee/internal/execerr"
	"github.com/sudankdk/icee/internal/metrics"
	"github.com/sudankdk/icee/internal/model"
	"github.com/sudankdk/icee/internal/utils"
	"go.uber.org/zap"
)

const archiveExt = ".tar.gz"

var (
	// ErrExists is returned by Backend.Put when overwrite is off and the key is taken.
	ErrExists = errors.New("object already exists")
	// ErrNotFound is returned by Backend.Get for unknown keys.
	ErrNotFound = errors.New("object not found")
)

// Backend stores archives by key. Keys use forward slashes.
type Backend interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, overwrite bool) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns every key below prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateID rejects ids that are unsafe as a path or object key segment.
func ValidateID(kind, id string) error {
	if !idPattern.MatchString(id) || strings.Contains(id, "..") {
		return execerr.User("Invalid %s %q", kind, id)
	}
	return nil
}

// Store keeps one hand-in archive per (assignment, user).
type Store struct {
	backend       Backend
	allowResubmit bool
	log           *zap.Logger
}

func NewStore(backend Backend, allowResubmit bool, log *zap.Logger) *Store {
	return &Store{backend: backend, allowResubmit: allowResubmit, log: log}
}

func key(assignmentID, userID string) string {
	return path.Join(assignmentID, userID+archiveExt)
}

// Submit archives the payload's files for userID.
func (s *Store) Submit(ctx context.Context, payload model.Payload, userID string) error {
	err := s.submit(ctx, payload, userID)
	switch {
	case err == nil:
		metrics.SubmissionsTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, execerr.ErrAlreadySubmitted):
		metrics.SubmissionsTotal.WithLabelValues("duplicate").Inc()
	case execerr.KindOf(err) == execerr.KindUser:
		metrics.SubmissionsTotal.WithLabelValues("invalid").Inc()
	default:
		metrics.SubmissionsTotal.WithLabelValues("failed").Inc()
	}
	return err
}

func (s *Store) submit(ctx context.Context, payload model.Payload, userID string) error {
	if payload.AssignmentID == "" {
		return execerr.User("This payload cannot be handed in, because the assignment id is missing")
	}
	if len(payload.Files) == 0 {
		return execerr.User("This payload cannot be handed in, because there are no files to save")
	}
	if err := ValidateID("assignment id", payload.AssignmentID); err != nil {
		return err
	}
	if err := ValidateID("user id", userID); err != nil {
		return err
	}
	if err := utils.ValidateFiles(payload); err != nil {
		return err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := utils.WriteTar(gz, payload.Files); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("compress submission: %w", err)
	}

	k := key(payload.AssignmentID, userID)
	err := s.backend.Put(ctx, k, &buf, int64(buf.Len()), s.allowResubmit)
	if errors.Is(err, ErrExists) {
		return execerr.ErrAlreadySubmitted
	}
	if err != nil {
		return fmt.Errorf("store submission %s: %w", k, err)
	}
	s.log.Info("submission stored",
		zap.String("assignment", payload.AssignmentID),
		zap.String("user", userID),
		zap.String("files", utils.FilesSummary(payload.Files)),
	)
	return nil
}

// List returns the ids of users who handed in assignmentID, sorted.
func (s *Store) List(ctx context.Context, assignmentID string) ([]string, error) {
	if err := ValidateID("assignment id", assignmentID); err != nil {
		return nil, err
	}
	keys, err := s.backend.List(ctx, assignmentID+"/")
	if err != nil {
		return nil, fmt.Errorf("list submissions for %s: %w", assignmentID, err)
	}
	users := []string{}
	for _, k := range keys {
		name := path.Base(k)
		if path.Dir(k) != assignmentID || !strings.HasSuffix(name, archiveExt) {
			continue
		}
		users = append(users, strings.TrimSuffix(name, archiveExt))
	}
	sort.Strings(users)
	return users, nil
}

// Open returns the gzip compressed tar archive of one hand-in.
func (s *Store) Open(ctx context.Context, assignmentID, userID string) (io.ReadCloser, error) {
	if err := ValidateID("assignment id", assignmentID); err != nil {
		return nil, err
	}
	if err := ValidateID("user id", userID); err != nil {
		return nil, err
	}
	rc, err := s.backend.Get(ctx, key(assignmentID, userID))
	if errors.Is(err, ErrNotFound) {
		return nil, execerr.ErrNoSubmission
	}
	return rc, err
}

// FileName is the download name of a hand-in.
func FileName(assignmentID, userID string) string {
	return assignmentID + "-" + userID + archiveExt
}
