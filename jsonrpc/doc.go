// Package jsonrpc implements a JSON-RPC 1.0 and 2.0 dispatcher for
// message-oriented transports.
//
// Handlers are plain Go functions registered into a named Namespace:
//
//	reg := jsonrpc.NewRegistry()
//	chat := reg.Namespace("chat")
//
//	func ping() string { return "pong" }
//
//	chat.MustExpose(ping)                            // "ping"
//	chat.MustExpose(add, jsonrpc.Name("math.add"))   // explicit name
//	chat.RegisterReceiver("room", &Rooms{})           // "room.Join", ...
//
// Supported handler signatures are
//
//	func([ctx context.Context,] args...) [R | error | (R, error)]
//
// Positional params bind to the arguments in order. Named params bind to a
// single struct argument by json field name, or to a single map argument.
// Method names starting with "_" are private and never resolve.
//
// A Dispatcher serves one namespace. Creating it seals the namespace; no
// registration is possible afterwards.
//
//	d := jsonrpc.NewDispatcher(chat, jsonrpc.WithLogger(logger))
//	out, err := d.HandleFrame(ctx, frame)
//
// # Errors
//
// Handlers return *Error to pick the code sent to the client. Any other
// error becomes an application error:
//
//	{"code": -32000, "message": err.Error(), "data": [err.Error()]}
//
// Errors implementing CodedError or DataError override the code or data.
// Panics are recovered and reported the same way. Error data is never sent
// to 1.0 clients.
//
// # Ordering
//
// A Controller schedules the frames of one connection:
//
//   - Unordered: every frame runs as soon as it arrives.
//   - Slight: handlers start in arrival order, completion order is free.
//   - Strict: a frame and its response complete before the next frame runs.
//     Batch elements also run one at a time.
package jsonrpc
