package assignments

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sudankdk/icee/internal/model"
)

const sample = `
assignments:
  - id: CSharpHello
    name: Simple CSharp with dotnet 8
    image: mcr.microsoft.com/dotnet/sdk:8.0
    commands:
      - command: dotnet build
        stage: Build
      - command: dotnet run
        stage: Exec
    executorConfig:
      timeout: 30s
      maxMemoryBytes: 512MiB
      maxPayloadSizeBytes: 2000
    initialPayload:
      - filepath: Program.cs
        content: Console.WriteLine("Hello World!");
  - name: Draft without an id
    image: alpine
  - id: VNCTest
    name: A very cool VNC example
    image: elestio/docker-desktop-vnc:V1
    commands:
      - command: bash /startup.sh
        stage: Exec
        waitForExit: false
`

func TestParse(t *testing.T) {
	c, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Equal(t, []model.AssignmentSummary{
		{ID: "CSharpHello", Name: "Simple CSharp with dotnet 8"},
		{ID: "VNCTest", Name: "A very cool VNC example"},
	}, c.GetAll())

	a, ok := c.Get("CSharpHello")
	require.True(t, ok)
	require.Len(t, a.Commands, 2)
	assert.True(t, a.Commands[0].WaitForExit, "waitForExit defaults to true")
	assert.Equal(t, model.StageExec, a.Commands[1].Stage)
	require.NotNil(t, a.Config)
	assert.Equal(t, 30*time.Second, a.Config.TimeoutOrZero())
	assert.Equal(t, int64(512*1024*1024), a.Config.MaxMemoryBytes.Int64())
	assert.Equal(t, int64(2000), a.Config.MaxPayloadSizeBytes.Int64())
	assert.Equal(t, "Program.cs", a.InitialPayload[0].Filepath)

	vnc, ok := c.Get("VNCTest")
	require.True(t, ok)
	assert.False(t, vnc.Commands[0].WaitForExit)

	_, ok = c.Get("")
	assert.False(t, ok)
}

func TestParseJSON(t *testing.T) {
	c, err := Parse(strings.NewReader(`{"assignments":[{"id":"PythonHello","name":"Plain python","image":"python:3.13","commands":[{"command":"python main.py","stage":"Exec"}]}]}`))
	require.NoError(t, err)

	a, ok := c.Get("PythonHello")
	require.True(t, ok)
	assert.True(t, a.Commands[0].WaitForExit)
}

func TestParseRejectsDuplicates(t *testing.T) {
	_, err := Parse(strings.NewReader("assignments:\n  - id: a\n  - id: a\n"))
	assert.ErrorContains(t, err, "duplicate id")
}

func TestLoadSeedCatalog(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "assignments.yaml"))
	require.NoError(t, err)

	ids := []string{}
	for _, s := range c.GetAll() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"CSharpHello", "PythonHello", "VNCTest"}, ids)

	vnc, _ := c.Get("VNCTest")
	require.NotNil(t, vnc.Config)
	assert.True(t, vnc.Config.HasVNCServer)
	assert.Contains(t, vnc.Config.EnvironmentVariables, "DISPLAY=:1.0")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
