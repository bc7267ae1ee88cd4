package model

// FileType governs how File.Content is decoded before it is written into a container.
type FileType string

const (
	Utf8Text     FileType = "utf8"
	Base64Binary FileType = "base64"
)

type File struct {
	Filepath    string   `json:"filepath" yaml:"filepath"`
	Content     string   `json:"content" yaml:"content"`
	ContentType FileType `json:"contentType,omitempty" yaml:"contentType,omitempty"`
}

// IsBinary reports whether the content is base64 encoded. An empty type means text.
func (f File) IsBinary() bool {
	return f.ContentType == Base64Binary
}

// Payload is one unit of work submitted by a caller.
type Payload struct {
	AssignmentID string `json:"assignmentId"`
	BuildOnly    bool   `json:"buildOnly"`
	Files        []File `json:"files"`
}
