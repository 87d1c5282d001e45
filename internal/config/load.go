package config

import (
	"errors"
	"fmt"
	"os"
)

// Loaded is the result of resolving and reading a livecap config file.
type Loaded struct {
	Path     string
	Config   Config
	Warnings []Warning
	Exists   bool
}

// Load resolves the config path, reads the YAML file, and returns the
// merged audio, stream, reconnect, session, batch, notes, and server
// settings. A missing file is not an error: livecap runs fine on
// defaults, and the warning tells the user which path was checked.
func Load(explicitPath string) (Loaded, error) {
	resolvedPath, err := ResolvePath(explicitPath)
	if err != nil {
		return Loaded{}, err
	}

	base := Default()
	raw, err := os.ReadFile(resolvedPath)
	if errors.Is(err, os.ErrNotExist) {
		missing := Warning{Message: fmt.Sprintf("config file %q not found; using defaults", resolvedPath)}
		return Loaded{Path: resolvedPath, Config: base, Warnings: []Warning{missing}}, nil
	}
	if err != nil {
		return Loaded{}, fmt.Errorf("read config %q: %w", resolvedPath, err)
	}

	cfg, warnings, err := Parse(string(raw), base)
	if err != nil {
		return Loaded{}, fmt.Errorf("parse config %q: %w", resolvedPath, err)
	}

	return Loaded{Path: resolvedPath, Config: cfg, Warnings: warnings, Exists: true}, nil
}
