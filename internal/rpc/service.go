package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dense-identity/relaycall/internal/transport"
)

// The gateway speaks a two-method gRPC service whose messages are plain
// google.protobuf.Struct values carrying the relay's JSON documents.
const (
	ServiceName         = "relaycall.v1.Relay"
	executeFullMethod   = "/" + ServiceName + "/Execute"
	subscribeFullMethod = "/" + ServiceName + "/Subscribe"
)

// RelayServer is implemented by the gateway.
type RelayServer interface {
	Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Subscribe(req *structpb.Struct, stream RelaySubscribeServer) error
}

// RelaySubscribeServer is the server side of a Subscribe stream.
type RelaySubscribeServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type relaySubscribeServer struct {
	grpc.ServerStream
}

func (x *relaySubscribeServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: executeFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RelayServer).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(RelayServer).Subscribe(in, &relaySubscribeServer{stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RelayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "relaycall/v1/relay.proto",
}

// RegisterRelayServer registers srv on s.
func RegisterRelayServer(s grpc.ServiceRegistrar, srv RelayServer) {
	s.RegisterService(&serviceDesc, srv)
}

// executeRequest is the JSON shape of an Execute request.
type executeRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// toStruct converts a JSON object into a Struct. Empty and null documents
// become an empty Struct.
func toStruct(raw []byte) (*structpb.Struct, error) {
	st := &structpb.Struct{}
	if len(raw) == 0 || string(raw) == "null" {
		return st, nil
	}
	if err := protojson.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("converting to struct: %w", err)
	}
	return st, nil
}

// fromStruct decodes a Struct into v through its JSON form.
func fromStruct(st *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(st)
	if err != nil {
		return fmt.Errorf("converting from struct: %w", err)
	}
	return json.Unmarshal(raw, v)
}

func notificationToStruct(n transport.Notification) (*structpb.Struct, error) {
	raw, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return toStruct(raw)
}
