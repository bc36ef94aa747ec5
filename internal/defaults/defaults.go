// Package defaults embeds the example configuration written by the
// smartroam init subcommand.
package defaults

import _ "embed"

//go:generate cp ../../examples/config.example.yaml .

// ConfigYAML is the example configuration file.
//
//go:embed config.example.yaml
var ConfigYAML []byte
