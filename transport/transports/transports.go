// Package transports registers every built-in transport with the default
// registry.
package transports

import (
	_ "github.com/drblury/rpcflow/transport/aws"
	_ "github.com/drblury/rpcflow/transport/channel"
	_ "github.com/drblury/rpcflow/transport/http"
	_ "github.com/drblury/rpcflow/transport/kafka"
	_ "github.com/drblury/rpcflow/transport/nats"
	_ "github.com/drblury/rpcflow/transport/rabbitmq"
)
