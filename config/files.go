package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/c360/semwire/errors"
)

const (
	maxFileSize  = 1 << 20
	maxJSONDepth = 32
	maxEnvLength = 4096
)

// checkPath accepts JSON and YAML documents only.
func checkPath(path string) error {
	if path == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "checkPath", "empty path")
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json", ".yaml", ".yml":
		return nil
	default:
		return errors.WrapInvalid(fmt.Errorf("%w: unsupported extension %q", errors.ErrInvalidConfig, ext),
			"config", "checkPath", path)
	}
}

// readConfigFile reads a regular file of at most maxFileSize bytes.
func readConfigFile(path string) ([]byte, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "readConfigFile", "stat")
	}
	if !info.Mode().IsRegular() {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s is not a regular file", errors.ErrInvalidConfig, path),
			"config", "readConfigFile", "stat")
	}
	if info.Size() > maxFileSize {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %d bytes exceeds %d", errors.ErrInvalidConfig, info.Size(), maxFileSize),
			"config", "readConfigFile", "size")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config", "readConfigFile", "read")
	}
	return data, nil
}

// writeConfigFile writes data readable by the owner only.
func writeConfigFile(path string, data []byte) error {
	if err := checkPath(path); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "config", "writeConfigFile", "write")
	}
	return nil
}

func checkEnvValue(key, value string) error {
	if len(value) > maxEnvLength || strings.ContainsRune(value, 0) {
		return errors.WrapInvalid(fmt.Errorf("%w: malformed value of %s", errors.ErrInvalidConfig, key),
			"config", "checkEnvValue", key)
	}
	return nil
}

// checkJSONDepth rejects documents nested deeper than maxJSONDepth before they are
// decoded into maps.
func checkJSONDepth(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.WrapInvalid(err, "config", "checkJSONDepth", "tokenize")
		}
		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
			if depth > maxJSONDepth {
				return errors.WrapInvalid(fmt.Errorf("%w: nested deeper than %d", errors.ErrInvalidConfig, maxJSONDepth),
					"config", "checkJSONDepth", "depth")
			}
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
	}
}
