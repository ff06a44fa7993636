// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/streambridge/transport/channel"
	_ "github.com/drblury/streambridge/transport/io"
	_ "github.com/drblury/streambridge/transport/jetstream"
	_ "github.com/drblury/streambridge/transport/kafka"
	_ "github.com/drblury/streambridge/transport/pebble"
	_ "github.com/drblury/streambridge/transport/postgres"
	_ "github.com/drblury/streambridge/transport/rabbitmq"
	_ "github.com/drblury/streambridge/transport/sqlite"
)
