// Package rpcflow layers request/response, one-way and notification messaging
// over Watermill publishers and subscribers. Config selects the transport
// (Go channels, Kafka, RabbitMQ, NATS, HTTP or AWS SNS/SQS) and the blob store
// that receives payloads too large for the transport.
//
// A ChannelFactory owns the transport and hands out three kinds of channel:
//
//   - RequestChannel sends requests to a destination topic and waits for the
//     correlated response, or sends one-way requests and notifications.
//   - ServiceChannel receives requests, dispatches them by wire type to typed
//     handlers registered with RegisterDispatch and its variants, and replies.
//   - NotifyChannel receives notifications dispatched by RegisterNotifyDispatch.
//
// Handler failures travel back to the caller as an ErrorEnvelope. Error types
// registered with RegisterErrorKind are rebuilt on the calling side; any other
// failure surfaces as *ServiceError. Send failures report *SendError and
// missing responses report *TimeoutError.
//
// Outbound messages pass through a pipeline that encodes the body, compresses
// it with deflate and moves it to the blob store when it exceeds the
// transport's size limit. Inbound messages run the same stages in reverse.
//
//	f, err := rpcflow.NewChannelFactory(ctx, &rpcflow.Config{}, logger, rpcflow.FactoryDependencies{})
//	svc, _ := f.NewServiceChannel(ctx, "greeter")
//	_ = rpcflow.RegisterDispatch(svc, greet)
//	_ = svc.StartReceiving(ctx)
//	req, _ := f.NewRequestChannel(ctx, "caller", "greeter")
//	reply, err := rpcflow.Call[GreetReply](ctx, req, GreetRequest{Name: "ada"}, time.Second)
package rpcflow
