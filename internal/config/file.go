package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"processagent/internal/apperrors"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile decodes a JSON or YAML file into out, chosen by extension.
// Fields absent from the file keep their current value in out, so callers
// can prefill out with env-derived defaults and overlay the file on top.
func LoadFile(path string, out any) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
	default:
		return apperrors.Validationf("config", "unsupported config file extension %q (want .json, .yaml or .yml)", filepath.Ext(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	return Decode(data, out)
}

// Decode strictly decodes YAML (or JSON) bytes into out. Unknown keys are rejected.
func Decode(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperrors.Validationf("config", "decode config: %v", err)
	}
	return nil
}
