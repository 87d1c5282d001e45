package config

import (
	"errors"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse decodes YAML content over the given base configuration and
// validates the result. Fields absent from the content keep their base
// values; unknown fields are rejected.
func Parse(content string, base Config) (Config, []Warning, error) {
	cfg := base

	dec := yaml.NewDecoder(strings.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, nil, err
	}

	warnings, err := Validate(cfg)
	if err != nil {
		return Config{}, nil, err
	}

	return cfg, warnings, nil
}
