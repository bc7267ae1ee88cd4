package docker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sudankdk/icee/internal/execerr"
	"github.com/sudankdk/icee/internal/model"
)

// OutputStream is the output of a foreground stage.
type OutputStream interface {
	// ReadChunk copies the next piece of output into buf. n == 0 with a nil
	// error means the command has no more output.
	ReadChunk(ctx context.Context, buf []byte) (n int, ch model.StreamChannel, err error)
	// Result is only valid after end of output. It is memoized.
	Result(ctx context.Context) (model.ExecutionResult, error)
	Close() error
}

var errStreamClosed = errors.New("stream closed")

type chunk struct {
	data    []byte
	channel model.StreamChannel
}

// ExecStream demultiplexes an attached exec session into channel tagged chunks.
type ExecStream struct {
	stage   model.Stage
	conn    types.HijackedResponse
	inspect func(ctx context.Context) (int, error)

	chunks  chan chunk
	quit    chan struct{}
	pending chunk
	pumpErr error // written before chunks is closed
	eof     bool

	closeOnce  sync.Once
	resultOnce sync.Once
	result     model.ExecutionResult
	resultErr  error
}

func newExecStream(stage model.Stage, conn types.HijackedResponse, inspect func(ctx context.Context) (int, error)) *ExecStream {
	s := &ExecStream{
		stage:   stage,
		conn:    conn,
		inspect: inspect,
		chunks:  make(chan chunk),
		quit:    make(chan struct{}),
	}
	go s.pump()
	return s
}

// frameChunk caps how much of one frame is handed out as a single chunk.
const frameChunk = 32 * 1024

func (s *ExecStream) pump() {
	defer close(s.chunks)
	err := s.demux()
	if err == nil || errors.Is(err, errStreamClosed) {
		return
	}
	select {
	case <-s.quit:
		// read failed because Close tore the connection down
	default:
		s.pumpErr = err
	}
}

// demux reads the engine's multiplexed frames: an 8 byte header holding the
// stream label and a big endian payload length, then the payload.
func (s *ExecStream) demux() error {
	var hdr [8]byte
	for {
		if _, err := io.ReadFull(s.conn.Reader, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return execerr.Wrap(err, execerr.KindInfrastructure, "read %s output", s.stage)
		}
		size := int64(binary.BigEndian.Uint32(hdr[4:]))

		var ch model.StreamChannel
		switch stdcopy.StdType(hdr[0]) {
		case stdcopy.Stdin:
			ch = model.StdIn
		case stdcopy.Stdout:
			ch = model.StdOut
		case stdcopy.Stderr:
			ch = model.StdErr
		case stdcopy.Systemerr:
			msg, _ := io.ReadAll(io.LimitReader(s.conn.Reader, size))
			return execerr.Wrap(errors.New(string(msg)), execerr.KindInfrastructure, "engine error in %s output", s.stage)
		default:
			return execerr.Fatal(fmt.Errorf("stream label %d", hdr[0]), "unrecognized stream label from engine")
		}

		for size > 0 {
			data := make([]byte, min(size, frameChunk))
			if _, err := io.ReadFull(s.conn.Reader, data); err != nil {
				return execerr.Wrap(err, execerr.KindInfrastructure, "read %s output", s.stage)
			}
			if err := s.send(chunk{data: data, channel: ch}); err != nil {
				return err
			}
			size -= int64(len(data))
		}
	}
}

func (s *ExecStream) send(c chunk) error {
	select {
	case s.chunks <- c:
		return nil
	case <-s.quit:
		return errStreamClosed
	}
}

func (s *ExecStream) ReadChunk(ctx context.Context, buf []byte) (int, model.StreamChannel, error) {
	if len(s.pending.data) == 0 {
		if s.eof {
			return 0, model.StdOut, nil
		}
		select {
		case c, ok := <-s.chunks:
			if !ok {
				if s.pumpErr != nil {
					return 0, model.StdOut, s.pumpErr
				}
				s.eof = true
				return 0, model.StdOut, nil
			}
			s.pending = c
		case <-ctx.Done():
			return 0, model.StdOut, ctx.Err()
		}
	}
	n := copy(buf, s.pending.data)
	s.pending.data = s.pending.data[n:]
	return n, s.pending.channel, nil
}

func (s *ExecStream) Result(ctx context.Context) (model.ExecutionResult, error) {
	if !s.eof {
		return model.ExecutionResult{}, errors.New("exec result requested before end of output")
	}
	s.resultOnce.Do(func() {
		code, err := s.inspect(ctx)
		if err != nil {
			s.resultErr = execerr.Wrap(err, execerr.KindInfrastructure, "inspect %s exec", s.stage)
			return
		}
		s.result = model.ExecutionResult{Stage: s.stage, ReturnCode: code}
	})
	return s.result, s.resultErr
}

func (s *ExecStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.conn.Close()
	})
	return nil
}
