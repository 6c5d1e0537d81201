package config

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// DefaultEnvFile is read when ENV_FILE is unset.
const DefaultEnvFile = "config/env.file"

// EnvFilePath returns the env file location: ENV_FILE or DefaultEnvFile.
func EnvFilePath() string {
	if p := strings.TrimSpace(os.Getenv("ENV_FILE")); p != "" {
		return p
	}
	return DefaultEnvFile
}

// ParseEnvFile reads KEY=VALUE lines. Blank lines and lines starting with #
// are skipped, an "export " prefix is accepted and matching single or double
// quotes around the value are removed.
func ParseEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path) //nolint:gosec // G304: operator-supplied path
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	vars := make(map[string]string)
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%s:%d: expected KEY=VALUE", path, lineNo)
		}
		vars[key] = unquote(strings.TrimSpace(value))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return vars, nil
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// LoadEnvFile copies the variables of the env file into the process
// environment. Variables already set in the environment keep their value.
// A missing file is not an error.
func LoadEnvFile(path string) error {
	vars, err := ParseEnvFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("no environment file", "path", path)
			return nil
		}
		return err
	}

	for k, v := range vars {
		if _, set := os.LookupEnv(k); set {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("setenv %s: %w", k, err)
		}
	}
	slog.Info("environment file loaded", "path", path, "variables", len(vars))
	return nil
}
