// Package defaults provides an embedded copy of the example
// configuration for the toolbridge init subcommand.
package defaults

import _ "embed"

//go:generate cp ../../examples/config.example.yaml .

// ConfigYAML is the example configuration written by init.
//
//go:embed config.example.yaml
var ConfigYAML []byte
