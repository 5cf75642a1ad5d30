/*
Package runtime implements the channels behind rpcflow.

# Architecture Overview

A ChannelFactory connects one transport (a Watermill publisher/subscriber
pair) and one blob store, then builds channels on top of them. Every channel
is a thin coordinator over three pieces:

  - an outbound pipeline per destination topic (serialize, compress,
    overflow, send), see package pipeline
  - a receive loop per subscription (receive, decompress, download,
    deserialize, observe, complete or abandon), see package receiver
  - a dispatcher that maps wire type names to typed handlers, see package
    handlers

# Channels

## RequestChannel (request_channel.go)

Sends requests to <destination>.request and waits for the response on a
per-session reply topic. Request channels of one factory that listen on the
same topic share one response loop; correlation.go matches each response to
its waiter by message id and fails waiters whose timeout elapses. A response
that arrives after its waiter gave up is dropped.

## ServiceChannel (service_channel.go)

Consumes <listen>.request, invokes the handler registered for the body's
type and sends the result, or the ErrorEnvelope for a failure, to the
requester's reply topic. One-way handlers send nothing back. A registered
exception handler may replace errors before they are wrapped.

## NotifyChannel (notify_channel.go)

Consumes <listen>.notify. Handlers can forward follow-up notifications
through a ServiceChannel set with SetServiceChannel.

# Status and Metrics

status.go serves /api/channels and /metrics when WebUIEnabled or
MetricsEnabled is set. Per-topic counters live in package metrics.

# Sub-packages

  - blob: resolves containers of the overflow blob store
  - bus: adapts Watermill publishers and subscribers to deliveries
  - codec: type registry and JSON/protobuf body encoding
  - config: Config, defaults and validation
  - envelope: the in-memory message shared by all stages
  - errors: sentinels, send/timeout errors and the remote error envelope
  - handlers: handler binding, invoke context and async outcomes
  - ids: ULID message, session and blob ids
  - logging: ServiceLogger and its slog, zerolog, logrus and Watermill adapters
  - metadata: message property keys
  - metrics: Prometheus collectors and topic counters
  - pipeline: ordered outbound and inbound stages
  - receiver: the receive loop

# Usage Example

	f, err := runtime.NewChannelFactory(ctx, &config.Config{PubSubSystem: "channel"}, logger, runtime.FactoryDependencies{})
	if err != nil {
		return err
	}
	defer f.Close()

	svc, _ := f.NewServiceChannel(ctx, "orders")
	_ = runtime.RegisterDispatch(svc, func(ctx context.Context, req PlaceOrder, ic handlers.InvokeContext) (OrderPlaced, error) {
		return OrderPlaced{ID: req.ID}, nil
	})
	_ = svc.StartReceiving(ctx)

	req, _ := f.NewRequestChannel(ctx, "shop", "orders")
	placed, err := runtime.Call[OrderPlaced](ctx, req, PlaceOrder{ID: "o-1"}, 5*time.Second)
*/
package runtime
