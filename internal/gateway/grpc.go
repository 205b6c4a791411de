package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// SessionMethod is the full gRPC method name of the session stream.
const SessionMethod = "/gameroom.v1.Gateway/Session"

// SessionServer is the gRPC service interface. Each message in either
// direction is a google.protobuf.Struct holding one JSON frame.
type SessionServer interface {
	Session(stream grpc.ServerStream) error
}

// ServiceDesc describes the gateway's gRPC service. It carries well-known
// Struct messages, so no generated code is needed on either side.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "gameroom.v1.Gateway",
	HandlerType: (*SessionServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       sessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "gameroom/v1/gateway.proto",
}

func sessionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(SessionServer).Session(stream)
}

// RegisterGRPC registers the session service on s.
func (g *Gateway) RegisterGRPC(s grpc.ServiceRegistrar) {
	s.RegisterService(&ServiceDesc, g)
}

// Session implements SessionServer. The token travels in the
// "authorization" metadata key.
func (g *Gateway) Session(stream grpc.ServerStream) error {
	var token string
	if md, ok := metadata.FromIncomingContext(stream.Context()); ok {
		if v := md.Get("authorization"); len(v) > 0 {
			token = v[0]
		}
	}
	id, err := g.verifier.Verify(token)
	if err != nil {
		g.logger.Debug("grpc session rejected", zap.Error(err))
		return status.Error(codes.Unauthenticated, err.Error())
	}
	if err := g.serve(stream.Context(), id, &grpcTransport{stream: stream}); err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return nil
}

type grpcTransport struct {
	stream grpc.ServerStream
}

func (t *grpcTransport) Recv(context.Context) ([]byte, error) {
	msg := new(structpb.Struct)
	if err := t.stream.RecvMsg(msg); err != nil {
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("receiving frame: %w", err)
	}
	data, err := protojson.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return data, nil
}

func (t *grpcTransport) Send(_ context.Context, frame []byte) error {
	msg, err := StructFrame(frame)
	if err != nil {
		return err
	}
	return t.stream.SendMsg(msg)
}

// StructFrame converts a JSON frame to its gRPC message form.
func StructFrame(frame []byte) (*structpb.Struct, error) {
	msg := new(structpb.Struct)
	if err := protojson.Unmarshal(frame, msg); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	return msg, nil
}
