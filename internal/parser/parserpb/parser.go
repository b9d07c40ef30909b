// Package parserpb is the wire contract between the job server and remote
// parser backends. Messages are google.protobuf.Struct, so both sides share
// one schema-free service without generated code.
package parserpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "alchemy.parser.v1.Parser"
	ParseMethod = "/alchemy.parser.v1.Parser/Parse"
)

type ParserServer interface {
	Parse(*structpb.Struct, Parser_ParseServer) error
}

type Parser_ParseServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type parserParseServer struct {
	grpc.ServerStream
}

func (x *parserParseServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func parseHandler(srv any, stream grpc.ServerStream) error {
	m := new(structpb.Struct)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ParserServer).Parse(m, &parserParseServer{stream})
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ParserServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Parse",
			Handler:       parseHandler,
			ServerStreams: true,
		},
	},
	Metadata: "alchemy/parser/v1/parser.proto",
}

func RegisterParserServer(s grpc.ServiceRegistrar, srv ParserServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type ParserClient interface {
	Parse(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (Parser_ParseClient, error)
}

type Parser_ParseClient interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type parserClient struct {
	cc grpc.ClientConnInterface
}

func NewParserClient(cc grpc.ClientConnInterface) ParserClient {
	return &parserClient{cc: cc}
}

func (c *parserClient) Parse(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (Parser_ParseClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], ParseMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &parserParseClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type parserParseClient struct {
	grpc.ClientStream
}

func (x *parserParseClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
