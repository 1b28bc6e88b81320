// Package grpcduplex provides tools for working with full-duplex streams,
// where each side of a conversation can send and receive independently.
//
// A duplex stream is made of two decoupled halves. The sending half is a
// Sender (or AsyncSender for callers that carry a context): a FIFO queue that
// producers write to and that some other goroutine, usually one owned by the
// RPC substrate, drains. The receiving half is anything that implements
// Receiver (or AsyncReceiver), which also exposes control of the call: whether
// it is still active, how long it has left, cancellation, and callbacks that
// run when it ends. DuplexStream and AsyncDuplexStream put the two together.
//
// Neither half knows about the other, so a slow consumer never holds up the
// sender and vice versa. Messages sent through one Sender are delivered in the
// order they were sent; there is no ordering between messages sent and
// messages received.
//
// The package also binds duplex streams to bidirectional gRPC streams. On the
// client side, Open starts a call on any grpc.ClientConnInterface and
// NewClientStream wraps a stream returned by a generated stub. On the server
// side, ServeDuplex adapts the stream passed to a service handler. In all
// cases, background goroutines move messages between the gRPC stream and the
// duplex stream, so sending never blocks on the network.
package grpcduplex
