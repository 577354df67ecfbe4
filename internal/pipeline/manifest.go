package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatJSON  Format = "json"
	FormatJSONC Format = "jsonc"
	FormatYAML  Format = "yaml"
)

// FormatFromPath guesses the manifest format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".jsonc":
		return FormatJSONC, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("cannot determine manifest format of %s", path)
}

// ParseManifest decodes a pipeline manifest. Whatever the format, options
// end up in the shape encoding/json produces, so equal manifests yield
// equal cache keys.
func ParseManifest(data []byte, format Format) (*Pipeline, error) {
	switch format {
	case FormatJSON:
	case FormatJSONC:
		data = jsonc.ToJSON(data)
	case FormatYAML:
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("cannot parse manifest: %w", err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("cannot parse manifest: %w", err)
		}
		data = converted
	default:
		return nil, fmt.Errorf("unknown manifest format: %s", format)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var p Pipeline
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("cannot parse manifest: %w", err)
	}
	if p.Stages == nil {
		return nil, fmt.Errorf("manifest has no stages")
	}
	for i, s := range p.Stages {
		if s.Type == "" {
			return nil, fmt.Errorf("stage %d has no type", i)
		}
	}
	return &p, nil
}

// ReadManifest reads a manifest file, picking the format by extension.
// Relative input paths are resolved against the manifest's directory.
func ReadManifest(path string) (*Pipeline, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := ParseManifest(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	dir := filepath.Dir(path)
	for i := range p.Stages {
		for name, input := range p.Stages[i].Inputs {
			if !filepath.IsAbs(input) {
				p.Stages[i].Inputs[name] = filepath.Join(dir, input)
			}
		}
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return p, nil
}
