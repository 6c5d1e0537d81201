package variable

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrMarshal wraps every failure to materialize a value on disk.
	ErrMarshal = errors.New("variable marshal failed")
	// ErrMissing is returned by ReadOutput when the backing file is absent.
	ErrMissing = errors.New("variable file missing")
	// ErrPathNotAllowed is returned for a file value whose source path is
	// outside the file root. With no file root every source path is refused.
	ErrPathNotAllowed = errors.New("file path not allowed")
)

// ValidateName rejects names that cannot be used as a plain file name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty variable name", ErrMarshal)
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: invalid variable name %q", ErrMarshal, name)
	}
	return nil
}

// CheckValue reports whether value may be written. Only file values that
// name a source path can fail: the path must resolve, symlinks included, to
// a file under fileRoot.
func CheckValue(value json.RawMessage, fileRoot string) error {
	ref, ok := AsFileRef(value)
	if !ok || ref.Content != "" || ref.Path == "" {
		return nil
	}
	_, err := sourcePath(ref.Path, fileRoot)
	return err
}

// WriteInput writes value to a file named after the variable in dir. File
// values copied from a path are confined to fileRoot.
func WriteInput(dir, name string, value json.RawMessage, fileRoot string) (Binding, error) {
	return write(dir, name, value, Input, fileRoot)
}

// WriteOutput writes the initial value of an output variable. Programs
// overwrite the file; ReadOutput picks up whatever is there afterwards.
func WriteOutput(dir, name string, value json.RawMessage, fileRoot string) (Binding, error) {
	return write(dir, name, value, Output, fileRoot)
}

func write(dir, name string, value json.RawMessage, direction Direction, fileRoot string) (Binding, error) {
	if err := ValidateName(name); err != nil {
		return Binding{}, err
	}

	if ref, ok := AsFileRef(value); ok {
		b := Binding{
			Name:      name,
			Path:      filepath.Join(dir, name+ref.Ext()),
			Direction: direction,
			Kind:      KindFile,
			FileName:  ref.Name,
		}
		if err := writeFileRef(b.Path, ref, fileRoot); err != nil {
			return Binding{}, fmt.Errorf("%w: %s: %w", ErrMarshal, name, err)
		}
		return b, nil
	}

	b := Binding{Name: name, Path: filepath.Join(dir, name), Direction: direction, Kind: KindJSON}
	data := bytes.TrimSpace(value)
	if len(data) == 0 {
		data = []byte("null")
	}
	if err := os.WriteFile(b.Path, data, 0o644); err != nil { //nolint:gosec // G306: read by operation programs
		return Binding{}, fmt.Errorf("%w: %s: %w", ErrMarshal, name, err)
	}
	return b, nil
}

func writeFileRef(target string, ref *FileRef, fileRoot string) error {
	data, inline, err := ref.Bytes()
	if err != nil {
		return err
	}
	if inline {
		return os.WriteFile(target, data, 0o644) //nolint:gosec // G306: read by operation programs
	}
	if ref.Path == "" {
		// Output placeholders may carry neither content nor a source.
		return nil
	}
	src, err := sourcePath(ref.Path, fileRoot)
	if err != nil {
		return err
	}
	return copyFile(src, target)
}

// sourcePath resolves path, relative paths against root, and returns it
// only if it stays inside root after symlinks are followed.
func sourcePath(path, root string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("%w: %s: no file root configured", ErrPathNotAllowed, path)
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("%w: file root: %w", ErrPathNotAllowed, err)
	}
	realRoot, err = filepath.Abs(realRoot)
	if err != nil {
		return "", fmt.Errorf("%w: file root: %w", ErrPathNotAllowed, err)
	}

	src := filepath.Clean(path)
	if !filepath.IsAbs(src) {
		src = filepath.Join(realRoot, src)
	}
	resolved, err := filepath.EvalSymlinks(src)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrPathNotAllowed, path, err)
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrPathNotAllowed, path, err)
	}

	rel, err := filepath.Rel(realRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside the file root", ErrPathNotAllowed, path)
	}
	return resolved, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // G304: confined to the file root
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst) //nolint:gosec // G304: path under the session directory
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// ReadOutput reads the file behind b back into a value. JSON bindings whose
// file content is not valid JSON come back as a JSON string so programs may
// write plain text. File values carry their content inline and no path,
// since the session's files are removed once it finishes.
func ReadOutput(b Binding) (json.RawMessage, error) {
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, b.Path)
		}
		return nil, fmt.Errorf("read %s: %w", b.Path, err)
	}

	if b.Kind == KindFile {
		name := b.FileName
		if name == "" {
			name = filepath.Base(b.Path)
		}
		return NewFileValue(name, data), nil
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(trimmed), nil
	}
	text, err := json.Marshal(strings.TrimRight(string(data), "\r\n"))
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", b.Path, err)
	}
	return text, nil
}

// Remove deletes the files behind bindings. Files that are already gone are
// not an error.
func Remove(bindings []Binding) error {
	var errs []error
	for _, b := range bindings {
		if err := os.Remove(b.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
