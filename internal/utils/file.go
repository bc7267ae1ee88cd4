package utils

import (
	"encoding/base64"
	"fmt"
	"path"
	"strings"

	"github.com/sudankdk/icee/internal/execerr"
	"github.com/sudankdk/icee/internal/model"
)

// CleanFilepath normalizes a payload path to a forward-slash relative path and
// rejects anything that would land outside the working directory.
func CleanFilepath(p string) (string, error) {
	raw := strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if raw == "" {
		return "", execerr.User("A file in the payload has an empty path")
	}
	if strings.HasPrefix(raw, "/") {
		return "", execerr.User("File path %q must be relative", p)
	}
	cleaned := path.Clean(raw)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", execerr.User("File path %q points outside the payload directory", p)
	}
	return cleaned, nil
}

// FileContent returns the raw bytes of f, decoding base64 content when needed.
func FileContent(f model.File) ([]byte, error) {
	if !f.IsBinary() {
		return []byte(f.Content), nil
	}
	data, err := base64.StdEncoding.DecodeString(f.Content)
	if err != nil {
		return nil, execerr.Wrap(err, execerr.KindUser, "failed to decode the content of %s", f.Filepath)
	}
	return data, nil
}

// EstimatePayloadSize returns the decoded size of every file in p without
// decoding anything.
func EstimatePayloadSize(p model.Payload) int64 {
	var total int64
	for _, f := range p.Files {
		total += estimateFileSize(f)
	}
	return total
}

func estimateFileSize(f model.File) int64 {
	if !f.IsBinary() {
		return int64(len(f.Content))
	}
	n := len(f.Content)
	padding := 0
	for i := n - 1; i >= 0 && i >= n-2 && f.Content[i] == '='; i-- {
		padding++
	}
	return max(int64(3*n/4-padding), 0)
}

// ValidateFiles checks every path and every base64 body of p before anything
// is uploaded.
func ValidateFiles(p model.Payload) error {
	seen := make(map[string]struct{}, len(p.Files))
	for _, f := range p.Files {
		name, err := CleanFilepath(f.Filepath)
		if err != nil {
			return err
		}
		if _, dup := seen[name]; dup {
			return execerr.User("File %q is included more than once", name)
		}
		seen[name] = struct{}{}
		if f.IsBinary() {
			if _, err := base64.StdEncoding.DecodeString(f.Content); err != nil {
				return execerr.User("The content of %s is not valid base64", name)
			}
		}
	}
	return nil
}

func humanCount(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
