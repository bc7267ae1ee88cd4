package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sudankdk/icee/internal/model"
)

func TestReadEvents(t *testing.T) {
	stream := "event: log\ndata: {\"message\":\"hi\"}\n\n" +
		": keep-alive\n\n" +
		"event: end\ndata: {\"failed\":false}\n\n"

	type ev struct{ name, data string }
	var got []ev
	err := readEvents(strings.NewReader(stream), func(event string, data []byte) error {
		got = append(got, ev{event, string(data)})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []ev{
		{"log", `{"message":"hi"}`},
		{"end", `{"failed":false}`},
	}, got)
}

func TestReadPayload(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "main.py"), []byte("print('hi')"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logo.bin"), []byte{0xff, 0x00, 0xfe}, 0o644))

	p, err := readPayload("PythonHello", dir, []string{"src/main.py", "logo.bin"})
	require.NoError(t, err)

	assert.Equal(t, "PythonHello", p.AssignmentID)
	assert.Equal(t, []model.File{
		{Filepath: "src/main.py", Content: "print('hi')"},
		{Filepath: "logo.bin", Content: "/wD+", ContentType: model.Base64Binary},
	}, p.Files)
}

func TestFormatSourceError(t *testing.T) {
	line, col := 7, 9
	se := model.SourceError{AffectedFile: "Program.cs", Line: &line, Column: &col, Type: "error", ErrorCode: "CS1002", ErrorMessage: " ; expected"}
	assert.Equal(t, "Program.cs:7:9: error CS1002:  ; expected", formatSourceError(se))

	assert.Equal(t, "main.c: warning: unused", formatSourceError(model.SourceError{AffectedFile: "main.c", Type: "warning", ErrorMessage: "unused"}))
}
