// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"gopkg.in/yaml.v3"

	"grimm.is/netemu/internal/errors"
)

// LoadFile loads the daemon config (HCL, JSON or YAML by extension; HCL with
// JSON fallback otherwise) and validates it. Defaults are not applied.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to read config file")
	}
	var cfg Config
	if err := decode(path, data, &cfg, decodeDaemonHCL); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadHCL decodes daemon config from HCL bytes.
func LoadHCL(data []byte, filename string) (*Config, error) {
	var cfg Config
	if err := decodeDaemonHCL(filename, data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

// LoadTopologyFile loads a topology file and validates it.
func LoadTopologyFile(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to read topology file")
	}
	return LoadTopology(path, data)
}

// LoadTopology decodes topology bytes; filename selects the format.
func LoadTopology(filename string, data []byte) (*Topology, error) {
	var t Topology
	if err := decode(filename, data, &t, decodeHCL); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

type hclDecoder func(filename string, data []byte, v any) error

func decode(filename string, data []byte, v any, hclDecode hclDecoder) error {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".hcl":
		return hclDecode(filename, data, v)
	case ".json":
		return decodeJSON(data, v)
	case ".yaml", ".yml":
		return decodeYAML(data, v)
	}

	// Try HCL first
	hclErr := hclDecode(filename, data, v)
	if hclErr == nil {
		return nil
	}
	jsonErr := decodeJSON(data, v)
	if jsonErr == nil {
		return nil
	}
	return errors.Wrap(fmt.Errorf("%w (JSON fallback error: %v)", hclErr, jsonErr),
		errors.KindInvalidParameter, "failed to parse as HCL or JSON")
}

// decodeDaemonHCL uses hclsimple, which also evaluates the file with an
// empty context so functions and variables are rejected.
func decodeDaemonHCL(filename string, data []byte, v any) error {
	if !strings.HasSuffix(filename, ".hcl") {
		filename += ".hcl"
	}
	if err := hclsimple.Decode(filename, data, nil, v); err != nil {
		return errors.Wrap(err, errors.KindInvalidParameter, "failed to decode HCL")
	}
	return nil
}

func decodeHCL(filename string, data []byte, v any) error {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return errors.Wrap(diags, errors.KindInvalidParameter, "failed to parse HCL")
	}
	if diags := gohcl.DecodeBody(file.Body, nil, v); diags.HasErrors() {
		return errors.Wrap(diags, errors.KindInvalidParameter, "failed to decode HCL")
	}
	return nil
}

func decodeJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, errors.KindInvalidParameter, "failed to parse JSON")
	}
	return nil
}

func decodeYAML(data []byte, v any) error {
	if err := yaml.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, errors.KindInvalidParameter, "failed to parse YAML")
	}
	return nil
}
