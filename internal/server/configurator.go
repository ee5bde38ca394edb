package server

import (
	"log/slog"

	"github.com/muhamadazmy/diglett/internal/logging"
)

// Configurator is invoked when a registration binds to a local port,
// so external ingress (typically a reverse proxy) can be pointed at
// the tunneled service, and again when the registration goes away.
type Configurator interface {
	// OnRegister wires external ingress for name to the local port.
	// An error rejects the registration.
	OnRegister(name string, port uint16) error

	// OnUnregister tears the association down.
	OnUnregister(name string, port uint16)
}

// LogConfigurator is the default: it only prints the association.
type LogConfigurator struct {
	Logger *slog.Logger
}

// OnRegister logs the new association.
func (c *LogConfigurator) OnRegister(name string, port uint16) error {
	c.logger().Info("registration bound",
		logging.KeyName, name,
		logging.KeyPort, port)
	return nil
}

// OnUnregister logs the removed association.
func (c *LogConfigurator) OnUnregister(name string, port uint16) {
	c.logger().Info("registration released",
		logging.KeyName, name,
		logging.KeyPort, port)
}

func (c *LogConfigurator) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
