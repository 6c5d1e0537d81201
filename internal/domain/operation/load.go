package operation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Environment variables expanded inside descriptor files. The MDT_ names
// are accepted for descriptors written against earlier servers.
const (
	EnvServerHome          = "OPERATION_SERVER_HOME"
	EnvOperationHome       = "OPERATION_HOME"
	LegacyEnvServerHome    = "MDT_OPERATION_SERVER_HOME"
	LegacyEnvOperationHome = "MDT_OPERATION_HOME"
)

// ErrNoDescriptor is returned by Load when the operation home directory or
// its descriptor file does not exist.
var ErrNoDescriptor = errors.New("no operation descriptor")

// ValidateID checks that an operation id is safe to use as a directory name.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("operation id is required")
	}
	if len(id) > 128 {
		return errors.New("operation id too long (max 128 chars)")
	}
	if strings.ContainsAny(id, `/\`) {
		return errors.New("operation id must not contain path separators")
	}
	if strings.Contains(id, "..") || id[0] == '.' {
		return errors.New("operation id must not start with '.' or contain '..'")
	}
	if filepath.Clean(id) != id {
		return errors.New("operation id contains invalid path characters")
	}
	return nil
}

// Load reads <homeDir>/<id>/operation.json, expands environment references
// and applies defaults. The returned descriptor is validated.
func Load(homeDir, id string) (*Descriptor, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	opHome := filepath.Join(homeDir, id)
	info, err := os.Stat(opHome)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: operation home %s", ErrNoDescriptor, opHome)
	}

	path := filepath.Join(opHome, DescriptorFile)
	data, err := os.ReadFile(path) //nolint:gosec // G304: id validated above
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoDescriptor, path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	d, err := Parse(data, homeDir, opHome)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if d.ID == "" {
		d.ID = id
	}
	if d.ID != id {
		return nil, fmt.Errorf("parse %s: id %q does not match directory %q", path, d.ID, id)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return d, nil
}

// placeholder matches ${NAME} references. Bare $NAME is left alone so shell
// snippets inside commands survive.
var placeholder = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}`)

// jsonEscape makes s safe to splice into a JSON string literal.
func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}

// Parse decodes descriptor JSON after expanding ${OPERATION_SERVER_HOME},
// ${OPERATION_HOME}, their MDT_ forms and process environment variables. Unknown references
// are kept verbatim. A relative or empty working directory is resolved
// against opHome.
func Parse(data []byte, homeDir, opHome string) (*Descriptor, error) {
	expanded := placeholder.ReplaceAllStringFunc(string(data), func(ref string) string {
		key := ref[2 : len(ref)-1]
		switch key {
		case EnvServerHome, LegacyEnvServerHome:
			return jsonEscape(homeDir)
		case EnvOperationHome, LegacyEnvOperationHome:
			return jsonEscape(opHome)
		}
		if v, ok := os.LookupEnv(key); ok {
			return jsonEscape(v)
		}
		return ref
	})

	var raw struct {
		Descriptor
		RunAsync *bool `json:"runAsync"`
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(expanded)))
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}

	d := raw.Descriptor
	if raw.RunAsync != nil {
		d.Async = *raw.RunAsync
	}
	if d.Kind == "" {
		d.Kind = KindProgram
	}
	switch {
	case d.WorkingDirectory == "":
		d.WorkingDirectory = opHome
	case !filepath.IsAbs(d.WorkingDirectory):
		d.WorkingDirectory = filepath.Join(opHome, d.WorkingDirectory)
	}
	return &d, nil
}

// Discover lists the operation ids found under homeDir: every subdirectory
// that contains a descriptor file.
func Discover(homeDir string) ([]string, error) {
	entries, err := os.ReadDir(homeDir)
	if err != nil {
		return nil, fmt.Errorf("read home %s: %w", homeDir, err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || ValidateID(e.Name()) != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(homeDir, e.Name(), DescriptorFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
