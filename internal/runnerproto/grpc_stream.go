package runnerproto

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// RunnerServiceName is this package's gRPC service name.
const RunnerServiceName = "runnerproto.Runner"

// jsonCodec lets this package's hand-defined Command/Event structs ride
// over gRPC without a .proto-generated protobuf codec: gRPC negotiates the
// wire codec per RPC by content-subtype (grpc.CallContentSubtype), so a
// client requesting subtype "json" and a server with this codec registered
// exchange plain JSON frames under the gRPC streaming envelope.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// DialOptions is the set of call options every client of this service must
// pass so the connection negotiates the json codec above instead of
// gRPC's default protobuf codec.
var DialOptions = []grpc.CallOption{grpc.CallContentSubtype("json")}

// streamDesc describes the single bidirectional-streaming method this
// service exposes, hand-written in place of protoc-gen-go-grpc output since
// the wire messages aren't protobuf.
var streamDesc = grpc.StreamDesc{
	StreamName:    "Stream",
	ServerStreams: true,
	ClientStreams: true,
}

// ServiceDesc registers Handler's Stream method as runnerproto.Runner/Stream.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: RunnerServiceName,
	HandlerType: (*Handler)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: streamDesc.StreamName,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(Handler).Stream(stream)
			},
			ServerStreams: streamDesc.ServerStreams,
			ClientStreams: streamDesc.ClientStreams,
		},
	},
}

// Handler is implemented by the process accepting runner connections
// (wraps Server.Attach with a grpc-backed Conn).
type Handler interface {
	Stream(grpc.ServerStream) error
}

// grpcConn adapts a grpc.ServerStream or grpc.ClientStream (both satisfy
// SendMsg/RecvMsg) to this package's transport-agnostic Conn.
type grpcConn struct {
	stream grpcStream
}

type grpcStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

func newGRPCConn(stream grpcStream) *grpcConn {
	return &grpcConn{stream: stream}
}

func (c *grpcConn) Send(cmd Command) error {
	return c.stream.SendMsg(&cmd)
}

func (c *grpcConn) Recv() (Event, error) {
	var ev Event
	if err := c.stream.RecvMsg(&ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (c *grpcConn) Close() error {
	if cs, ok := c.stream.(grpc.ClientStream); ok {
		return cs.CloseSend()
	}
	return nil
}

// ServeConn adapts an accepted grpc.ServerStream into a Conn and drives it
// on the calling goroutine until the stream ends, returning that error so a
// Handler implementation's Stream method can propagate it to gRPC — the RPC
// must stay open for as long as this call blocks.
func ServeConn(srv *Server, runnerID uuid.UUID, stream grpc.ServerStream) error {
	return srv.Run(runnerID, newGRPCConn(stream))
}

// Dial opens a runner-side connection to addr and returns the Conn the
// runner's own event loop sends Events on and receives Commands from.
func Dial(ctx context.Context, addr string, opts ...grpc.DialOption) (Conn, error) {
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	stream, err := grpc.NewClientStream(ctx, &streamDesc, cc, "/"+RunnerServiceName+"/Stream", DialOptions...)
	if err != nil {
		return nil, err
	}
	return newGRPCConn(stream), nil
}
