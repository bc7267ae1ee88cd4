package utils

import (
	"archive/tar"
	"bytes"
	"io"
	"path"
	"time"

	"github.com/sudankdk/icee/internal/model"
)

// WriteTar packs the payload files into w as a tar stream. Entry names are the
// cleaned payload paths; parent directories get their own entries.
func WriteTar(w io.Writer, files []model.File) error {
	tw := tar.NewWriter(w)
	now := time.Now()
	dirs := make(map[string]struct{})

	for _, f := range files {
		name, err := CleanFilepath(f.Filepath)
		if err != nil {
			return err
		}
		content, err := FileContent(f)
		if err != nil {
			return err
		}

		for _, dir := range parentDirs(name) {
			if _, ok := dirs[dir]; ok {
				continue
			}
			dirs[dir] = struct{}{}
			hdr := &tar.Header{
				Name:     dir + "/",
				Mode:     0755,
				Typeflag: tar.TypeDir,
				ModTime:  now,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
		}

		hdr := &tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
			ModTime:  now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := tw.Write(content); err != nil {
			return err
		}
	}
	return tw.Close()
}

// TarPayload is WriteTar into memory, ready for a single upload call.
func TarPayload(files []model.File) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	if err := WriteTar(&buf, files); err != nil {
		return nil, err
	}
	return &buf, nil
}

// FilesSummary is used in log lines.
func FilesSummary(files []model.File) string {
	return humanCount(len(files), "file")
}

func parentDirs(name string) []string {
	var dirs []string
	for dir := path.Dir(name); dir != "." && dir != "/"; dir = path.Dir(dir) {
		dirs = append([]string{dir}, dirs...)
	}
	return dirs
}
