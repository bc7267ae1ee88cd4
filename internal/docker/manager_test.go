package docker

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/sudankdk/icee/internal/execerr"
	"github.com/sudankdk/icee/internal/model"
	"github.com/sudankdk/icee/internal/sandbox"
	"go.uber.org/zap"
)

func byteSize(n int64) *model.ByteSize {
	b := model.ByteSize(n)
	return &b
}

func csharpAssignment() model.Assignment {
	return model.Assignment{
		ID:    "CSharpHello",
		Name:  "Hello C#",
		Image: "mcr.microsoft.com/dotnet/sdk:8.0",
		Commands: []model.Command{
			{Command: "dotnet build", Stage: model.StageBuild, WaitForExit: true},
			{Command: "dotnet run --no-build", Stage: model.StageExec, WaitForExit: true},
		},
	}
}

func helloPayload() model.Payload {
	return model.Payload{
		AssignmentID: "CSharpHello",
		Files: []model.File{
			{Filepath: "Program.cs", Content: `Console.WriteLine("hi");`, ContentType: model.Utf8Text},
		},
	}
}

func newTestManager(engine *MockEngine, ports ...int) *Manager {
	m := NewManager(engine, zap.NewNop(), Options{Ports: ports})
	m.inspectInterval = time.Millisecond
	return m
}

// expectReadyContainer sets up the engine calls of a successful Acquire.
func expectReadyContainer(engine *MockEngine, id string) {
	engine.On("ImageInspect", mock.Anything, mock.Anything).Return(image.InspectResponse{}, nil)
	engine.On("Info", mock.Anything).Return(system.Info{
		Driver:       "overlay2",
		DriverStatus: [][2]string{{"Backing Filesystem", "xfs"}},
	}, nil)
	engine.On("ContainerCreate", mock.Anything, mock.Anything, mock.Anything).
		Return(container.CreateResponse{ID: id}, nil)
	engine.On("ContainerStart", mock.Anything, id).Return(nil)
	engine.On("CopyToContainer", mock.Anything, id, sandbox.DefaultWorkingDir, mock.Anything).Return(nil)
}

func TestAcquirePayloadTooBigTouchesNothing(t *testing.T) {
	engine := new(MockEngine)
	m := newTestManager(engine)

	rc := model.ResourceConfig{MaxPayloadSizeBytes: byteSize(10)}
	p := model.Payload{Files: []model.File{{Filepath: "a.txt", Content: strings.Repeat("x", 60)}}}

	h, err := m.Acquire(context.Background(), p, csharpAssignment(), rc, "alice")

	assert.Nil(t, h)
	var tooBig *execerr.PayloadTooBigError
	require.ErrorAs(t, err, &tooBig)
	assert.Equal(t, int64(10), tooBig.Limit)
	assert.Equal(t, int64(60), tooBig.Actual)
	assert.Contains(t, err.Error(), "exceeded by 50 bytes")
	engine.AssertExpectations(t)
	assert.Empty(t, engine.Calls)
}

func TestAcquireWithoutFreePortCreatesNothing(t *testing.T) {
	engine := new(MockEngine)
	m := newTestManager(engine)

	rc := model.ResourceConfig{HasVNCServer: true}
	h, err := m.Acquire(context.Background(), helloPayload(), csharpAssignment(), rc, "alice")

	assert.Nil(t, h)
	assert.ErrorIs(t, err, execerr.ErrNoPortsAvailable)
	assert.Empty(t, engine.Calls)
	assert.Empty(t, m.Ports().Available())
}

func TestAcquireWithoutCommandsCreatesNothing(t *testing.T) {
	engine := new(MockEngine)
	m := newTestManager(engine)

	a := csharpAssignment()
	a.Commands = []model.Command{{Command: "dotnet run", Stage: model.StageExec, WaitForExit: true}}
	p := helloPayload()
	p.BuildOnly = true

	_, err := m.Acquire(context.Background(), p, a, model.ResourceConfig{}, "alice")

	assert.ErrorIs(t, err, execerr.ErrNoCommands)
	assert.Empty(t, engine.Calls)
}

func TestAcquireRejectsMisconfiguredAssignment(t *testing.T) {
	engine := new(MockEngine)
	m := newTestManager(engine)

	a := csharpAssignment()
	a.Image = ""
	_, err := m.Acquire(context.Background(), helloPayload(), a, model.ResourceConfig{}, "alice")

	require.Error(t, err)
	assert.Equal(t, execerr.KindConfig, execerr.KindOf(err))
	assert.Empty(t, engine.Calls)
}

func TestAcquireRejectsEscapingPath(t *testing.T) {
	engine := new(MockEngine)
	m := newTestManager(engine)

	p := model.Payload{Files: []model.File{{Filepath: "../../etc/passwd", Content: "x"}}}
	_, err := m.Acquire(context.Background(), p, csharpAssignment(), model.ResourceConfig{}, "alice")

	require.Error(t, err)
	assert.Equal(t, execerr.KindUser, execerr.KindOf(err))
	assert.Empty(t, engine.Calls)
}

func TestAcquireCreatesPrimedContainer(t *testing.T) {
	engine := new(MockEngine)
	expectReadyContainer(engine, "c0ffee")
	m := newTestManager(engine, 5901)

	rc := model.ResourceConfig{
		MaxMemoryBytes:        byteSize(512 * 1024 * 1024),
		MaxContainerSizeBytes: byteSize(1024 * 1024),
		HasVNCServer:          true,
	}
	h, err := m.Acquire(context.Background(), helloPayload(), csharpAssignment(), rc, "alice")
	require.NoError(t, err)

	assert.Equal(t, "c0ffee", h.Container.ID)
	assert.Equal(t, 5901, h.Container.VNCPort)
	assert.True(t, h.HasBuildStage)
	require.Len(t, h.Stages, 2)
	assert.Equal(t, Foreground, h.Stages[0].Kind)
	assert.Equal(t, model.StageExec, h.Stages[1].Command.Stage)

	assert.True(t, m.Registry().Contains("c0ffee"))
	c, ok := m.Registry().ForUser("alice")
	require.True(t, ok)
	assert.Equal(t, "CSharpHello", c.AssignmentID)
	assert.Empty(t, m.Ports().Available())

	create := engine.Calls[2]
	require.Equal(t, "ContainerCreate", create.Method)
	cc := create.Arguments.Get(1).(*container.Config)
	hc := create.Arguments.Get(2).(*container.HostConfig)
	assert.Equal(t, "true", cc.Labels[sandbox.LabelManaged])
	assert.Equal(t, "alice", cc.Labels[sandbox.LabelUser])
	assert.Equal(t, int64(512*1024*1024), hc.Memory)
	assert.Equal(t, "1048576", hc.StorageOpt["size"])
	assert.Equal(t, "5901", hc.PortBindings["5900/tcp"][0].HostPort)

	// the upload is one tar holding the payload file
	var upload io.Reader
	for _, call := range engine.Calls {
		if call.Method == "CopyToContainer" {
			upload = call.Arguments.Get(3).(io.Reader)
		}
	}
	require.NotNil(t, upload)
	hdr, err := tar.NewReader(upload).Next()
	require.NoError(t, err)
	assert.Equal(t, "Program.cs", hdr.Name)
}

func TestAcquireBuildOnlySkipsExecStages(t *testing.T) {
	engine := new(MockEngine)
	expectReadyContainer(engine, "c0ffee")
	m := newTestManager(engine)

	p := helloPayload()
	p.BuildOnly = true
	h, err := m.Acquire(context.Background(), p, csharpAssignment(), model.ResourceConfig{}, "alice")
	require.NoError(t, err)

	require.Len(t, h.Stages, 1)
	assert.Equal(t, model.StageBuild, h.Stages[0].Command.Stage)
}

func TestAcquireSkipsStorageLimitOnUnsupportedDriver(t *testing.T) {
	engine := new(MockEngine)
	engine.On("ImageInspect", mock.Anything, mock.Anything).Return(image.InspectResponse{}, nil)
	engine.On("Info", mock.Anything).Return(system.Info{
		Driver:       "overlay2",
		DriverStatus: [][2]string{{"Backing Filesystem", "extfs"}},
	}, nil).Once()
	engine.On("ContainerCreate", mock.Anything, mock.Anything, mock.MatchedBy(func(hc *container.HostConfig) bool {
		return hc.StorageOpt == nil
	})).Return(container.CreateResponse{ID: "c1"}, nil)
	engine.On("ContainerStart", mock.Anything, "c1").Return(nil)
	engine.On("CopyToContainer", mock.Anything, "c1", mock.Anything, mock.Anything).Return(nil)
	m := newTestManager(engine)

	rc := model.ResourceConfig{MaxContainerSizeBytes: byteSize(1024)}
	for i := 0; i < 2; i++ {
		_, err := m.Acquire(context.Background(), helloPayload(), csharpAssignment(), rc, "alice")
		require.NoError(t, err)
	}
	engine.AssertNumberOfCalls(t, "Info", 1)
}

func TestAcquireStartFailureTearsDown(t *testing.T) {
	engine := new(MockEngine)
	engine.On("ImageInspect", mock.Anything, mock.Anything).Return(image.InspectResponse{}, nil)
	engine.On("ContainerCreate", mock.Anything, mock.Anything, mock.Anything).
		Return(container.CreateResponse{ID: "broken"}, nil)
	engine.On("ContainerStart", mock.Anything, "broken").Return(errors.New("oci runtime error"))
	engine.On("ContainerRemove", mock.Anything, "broken", mock.Anything).Return(nil).Once()
	m := newTestManager(engine, 5901)

	h, err := m.Acquire(context.Background(), helloPayload(), csharpAssignment(), model.ResourceConfig{HasVNCServer: true}, "alice")

	assert.Nil(t, h)
	require.Error(t, err)
	assert.Equal(t, execerr.KindInfrastructure, execerr.KindOf(err))
	engine.AssertExpectations(t)
	assert.False(t, m.Registry().Contains("broken"))
	assert.Equal(t, []int{5901}, m.Ports().Available())
}

func TestAcquireCancelledDuringUploadStillRemovesContainer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := new(MockEngine)
	engine.On("ImageInspect", mock.Anything, mock.Anything).Return(image.InspectResponse{}, nil)
	engine.On("ContainerCreate", mock.Anything, mock.Anything, mock.Anything).
		Return(container.CreateResponse{ID: "half"}, nil)
	engine.On("ContainerStart", mock.Anything, "half").Return(nil)
	engine.On("CopyToContainer", mock.Anything, "half", sandbox.DefaultWorkingDir, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(context.Canceled)
	var removeCtxErr error
	engine.On("ContainerRemove", mock.Anything, "half", mock.Anything).
		Run(func(args mock.Arguments) { removeCtxErr = args.Get(0).(context.Context).Err() }).
		Return(nil).Once()
	m := newTestManager(engine, 5901)

	h, err := m.Acquire(ctx, helloPayload(), csharpAssignment(), model.ResourceConfig{HasVNCServer: true}, "alice")

	assert.Nil(t, h)
	assert.ErrorIs(t, err, context.Canceled)
	engine.AssertExpectations(t)
	assert.NoError(t, removeCtxErr)
	assert.False(t, m.Registry().Contains("half"))
	assert.Equal(t, []int{5901}, m.Ports().Available())
}

func TestAcquireRejectsBadBase64BeforeCreate(t *testing.T) {
	engine := new(MockEngine)
	m := newTestManager(engine)

	p := model.Payload{Files: []model.File{{Filepath: "logo.bin", Content: "not base64!", ContentType: model.Base64Binary}}}
	_, err := m.Acquire(context.Background(), p, csharpAssignment(), model.ResourceConfig{}, "alice")

	require.Error(t, err)
	assert.Equal(t, execerr.KindUser, execerr.KindOf(err))
	assert.Empty(t, engine.Calls)
}

func TestReleaseIsIdempotent(t *testing.T) {
	engine := new(MockEngine)
	expectReadyContainer(engine, "c0ffee")
	engine.On("ContainerRemove", mock.Anything, "c0ffee", container.RemoveOptions{Force: true, RemoveVolumes: true}).Return(nil).Once()
	m := newTestManager(engine, 5901)

	h, err := m.Acquire(context.Background(), helloPayload(), csharpAssignment(), model.ResourceConfig{HasVNCServer: true}, "alice")
	require.NoError(t, err)

	m.Release(context.Background(), h)
	m.Release(context.Background(), h)

	engine.AssertNumberOfCalls(t, "ContainerRemove", 1)
	assert.Equal(t, []int{5901}, m.Ports().Available())
	assert.Empty(t, m.Registry().All())
}

func TestReleaseSwallowsMissingContainer(t *testing.T) {
	engine := new(MockEngine)
	engine.On("ContainerRemove", mock.Anything, "gone", mock.Anything).
		Return(fmt.Errorf("No such container: gone: %w", cerrdefs.ErrNotFound))
	m := newTestManager(engine)

	assert.NotPanics(t, func() {
		m.Release(context.Background(), NewHandle(model.ManagedContainer{ID: "gone"}, nil))
	})
	m.Release(context.Background(), nil)
}

func TestForegroundStageStreamsAndInspects(t *testing.T) {
	engine := new(MockEngine)
	m := newTestManager(engine)

	server, client := net.Pipe()
	defer server.Close()
	engine.On("ContainerExecCreate", mock.Anything, "c1", mock.MatchedBy(func(o container.ExecOptions) bool {
		return assert.ObjectsAreEqual([]string{"dotnet", "run", "--no-build"}, o.Cmd) && o.AttachStdout
	})).Return(container.ExecCreateResponse{ID: "exec1"}, nil).Once()
	engine.On("ContainerExecAttach", mock.Anything, "exec1", mock.Anything).
		Return(types.HijackedResponse{Conn: client, Reader: bufio.NewReader(client)}, nil)
	engine.On("ContainerExecInspect", mock.Anything, "exec1").Return(container.ExecInspect{Running: true}, nil).Once()
	engine.On("ContainerExecInspect", mock.Anything, "exec1").Return(container.ExecInspect{ExitCode: 2}, nil)

	cmd := model.Command{Command: "dotnet run --no-build", Stage: model.StageExec, WaitForExit: true}
	stage := m.newStage("c1", plannedCommand{cmd: cmd, argv: []string{"dotnet", "run", "--no-build"}})

	stream, err := stage.Start(context.Background())
	require.NoError(t, err)
	again, err := stage.Start(context.Background())
	require.NoError(t, err)
	assert.Same(t, stream, again)

	go func() {
		stdcopy.NewStdWriter(server, stdcopy.Stdout).Write([]byte("Hello"))
		server.Close()
	}()

	buf := make([]byte, 4096)
	n, ch, err := stream.ReadChunk(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, "Hello", string(buf[:n]))
	assert.Equal(t, model.StdOut, ch)
	n, _, err = stream.ReadChunk(context.Background(), buf)
	require.NoError(t, err)
	assert.Zero(t, n)

	res, err := stream.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.ReturnCode)
	engine.AssertNumberOfCalls(t, "ContainerExecCreate", 1)
	engine.AssertNumberOfCalls(t, "ContainerExecInspect", 2)
	stream.Close()
}

func TestBackgroundStageDetaches(t *testing.T) {
	engine := new(MockEngine)
	m := newTestManager(engine)
	engine.On("ContainerExecCreate", mock.Anything, "c1", mock.Anything).Return(container.ExecCreateResponse{ID: "bg"}, nil)
	engine.On("ContainerExecStart", mock.Anything, "bg", container.ExecStartOptions{Detach: true}).Return(nil).Once()

	cmd := model.Command{Command: "bash /startup.sh", Stage: model.StageBuild, WaitForExit: false}
	stage := m.newStage("c1", plannedCommand{cmd: cmd, argv: []string{"bash", "/startup.sh"}})
	require.Equal(t, Background, stage.Kind)

	stream, err := stage.Start(context.Background())
	require.NoError(t, err)
	assert.Nil(t, stream)
	_, _ = stage.Start(context.Background())
	engine.AssertExpectations(t)
}

func TestPlanTokenizesQuotedArguments(t *testing.T) {
	a := csharpAssignment()
	a.Commands = []model.Command{{Command: `sh -c "echo 'a b'"`, Stage: model.StageExec, WaitForExit: true}}

	cmds, err := plan(a, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"sh", "-c", "echo 'a b'"}, cmds[0].argv)

	a.Commands[0].Command = `sh -c "unterminated`
	_, err = plan(a, false)
	assert.Equal(t, execerr.KindConfig, execerr.KindOf(err))
}
