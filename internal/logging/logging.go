// Package logging sets log levels for the broker's subsystems.
package logging

import (
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

// Subsystems lists the named loggers used across the broker.
var Subsystems = []string{
	"broker",
	"server",
	"datastore",
	"queue",
	"heuristics",
	"dispatchclient",
	"filestore",
	"config",
	"cli",
}

// Setup applies level to every broker subsystem. Noisy subsystems can be
// raised afterwards with SetLevel.
func Setup(level string) error {
	if _, err := logging.LevelFromString(level); err != nil {
		return xerrors.Errorf("parse log level %q: %w", level, err)
	}
	for _, name := range Subsystems {
		_ = logging.Logger(name)
		if err := logging.SetLogLevel(name, level); err != nil {
			return xerrors.Errorf("set log level for %s: %w", name, err)
		}
	}
	return nil
}

// SetLevel changes the level of one subsystem.
func SetLevel(subsystem, level string) error {
	_ = logging.Logger(subsystem)
	if err := logging.SetLogLevel(subsystem, level); err != nil {
		return xerrors.Errorf("set log level for %s: %w", subsystem, err)
	}
	return nil
}
