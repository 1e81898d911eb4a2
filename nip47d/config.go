// Package nip47d wires the wallet service into a Core Lightning plugin:
// option parsing, command registration, the node subscription fan-in and
// the lifecycle of all long-running components.
package nip47d

import (
	"fmt"

	flags "github.com/jessevdk/go-flags"
)

// Plugin option names, consumed from the node's init handshake.
const (
	// OptRelays is the repeatable relay url option. At least one is
	// required.
	OptRelays = "nip47-relays"

	// OptNotifications enables NIP-47 notifications. Defaults to true.
	OptNotifications = "nip47-notifications"
)

// Config holds the command line configuration of the plugin process. The
// node passes no arguments to plugins, so everything here has a sensible
// default; the flags exist for wrapper scripts and debugging.
type Config struct {
	// DebugLevel is the logging verbosity.
	DebugLevel string `long:"debuglevel" description:"Logging verbosity: trace, debug, info, warn, error, critical"`

	// DBDir overrides the connection database directory. Defaults to a
	// nip47 directory inside the node's lightning dir.
	DBDir string `long:"dbdir" description:"Override the connection database directory"`
}

// DefaultConfig returns the config defaults.
func DefaultConfig() Config {
	return Config{
		DebugLevel: "info",
	}
}

// ParseConfig parses command line flags into the default config.
func ParseConfig(args []string) (*Config, error) {
	config := DefaultConfig()

	remaining, err := flags.NewParser(
		&config, flags.Default,
	).ParseArgs(args)
	if err != nil {
		return nil, err
	}
	if len(remaining) > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", remaining)
	}

	return &config, nil
}
