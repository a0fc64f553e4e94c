// Package escore is a Go client core for an event store's TCP protocol.
//
// The library is built around the operation lifecycle: every request becomes
// an operation that owns its correlation id, builds its own frames, classifies
// the server's reply and settles its caller-facing completion exactly once,
// however many times it is retried.
//
// # Architecture
//
// The library is organized into layers:
//
//   - Client: high-level API (AppendToStream, DeleteStream)
//   - dispatcher: correlation table, retries, timeouts, heartbeats
//   - operation: per-request state machine, error classifier, completion
//   - clientmessages: protobuf payloads and the requests built on them
//   - messages: TCP package header encoding
//   - framing: length prefix on the byte stream
//   - transport: packages over a net.Conn or any reader/writer pair
//
// # Basic Usage
//
//	client, err := escore.Dial(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	go client.Run(ctx)
//
//	result, err := client.AppendToStream(ctx, "orders-1", clientmessages.ExpectedVersionAny,
//	    clientmessages.NewEvent{EventType: "OrderPlaced", Data: payload})
//
// # Errors
//
// Failures can be matched with errors.Is against the sentinels of the
// operation and dispatcher packages, for example operation.ErrServerFatal for
// a deleted stream or dispatcher.ErrRetriesExhausted when the server kept
// answering with retryable codes.
package escore

// Version is the library version.
const Version = "0.1.0-dev"
