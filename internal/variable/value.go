// Package variable moves named parameter values between the request model
// and files in a session working directory, which is how operation programs
// receive inputs and hand back outputs.
package variable

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// Direction tells whether a binding feeds the process or is read back from it.
type Direction string

const (
	Input  Direction = "input"
	Output Direction = "output"
)

// Kind distinguishes plain JSON values from file-backed values.
type Kind string

const (
	KindJSON Kind = "json"
	KindFile Kind = "file"
)

// FileRef is the wire form of a file-backed value. Content is base64 and,
// when set, wins over Path. Path names a source file under the server's
// file root.
type FileRef struct {
	Kind    string `json:"kind"`
	Path    string `json:"path,omitempty"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content,omitempty"`
}

// Binding ties a variable name to its backing file.
type Binding struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Direction Direction `json:"direction"`
	Kind      Kind      `json:"kind"`
	// FileName is the original name of a file-backed value.
	FileName string `json:"file_name,omitempty"`
}

// AsFileRef reports whether v is a file-backed value and decodes it.
func AsFileRef(v json.RawMessage) (*FileRef, bool) {
	trimmed := strings.TrimSpace(string(v))
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var ref FileRef
	if err := json.Unmarshal([]byte(trimmed), &ref); err != nil {
		return nil, false
	}
	if ref.Kind != string(KindFile) {
		return nil, false
	}
	return &ref, true
}

// Ext returns the extension used when binding the file, taken from Name
// first and then from Path.
func (r *FileRef) Ext() string {
	if ext := filepath.Ext(r.Name); ext != "" {
		return ext
	}
	return filepath.Ext(r.Path)
}

// Bytes returns the referenced content from the inline base64 payload.
// ok is false when the reference carries no inline content.
func (r *FileRef) Bytes() (data []byte, ok bool, err error) {
	if r.Content == "" {
		return nil, false, nil
	}
	data, err = base64.StdEncoding.DecodeString(r.Content)
	if err != nil {
		return nil, true, fmt.Errorf("decode content of %q: %w", r.Name, err)
	}
	return data, true, nil
}

// NewFileValue encodes data as an inline file-backed value.
func NewFileValue(name string, data []byte) json.RawMessage {
	out, _ := json.Marshal(FileRef{
		Kind:    string(KindFile),
		Name:    name,
		Content: base64.StdEncoding.EncodeToString(data),
	})
	return out
}
