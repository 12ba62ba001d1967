// Package configs holds files embedded into the ketorank binary.
//
//   - weights.yaml: the built-in named weight profiles, loaded by internal/weights.
//   - config.example.yaml: written by `ketorank config init`.
//
// Edit the YAML files and rebuild to change them.
package configs

import _ "embed"

// WeightsYAML is the built-in weight profile table.
//
//go:embed weights.yaml
var WeightsYAML []byte

// ConfigTemplate is the commented config file written by `ketorank config init`.
//
//go:embed config.example.yaml
var ConfigTemplate string
