package lighthouse

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Handler is the Lighthouse side of the request/reply exchange
type Handler interface {
	Request(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
}

// HandlerFunc adapts a plain function to Handler
type HandlerFunc func(ctx context.Context, message string) (string, error)

// Request implements Handler
func (f HandlerFunc) Request(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	reply, err := f(ctx, req.GetValue())
	if err != nil {
		return nil, err
	}
	return wrapperspb.String(reply), nil
}

// RegisterServer registers h on s under the Lighthouse service name
func RegisterServer(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&serviceDesc, h)
}

// IdentityFromContext returns the connection identity a client presented
func IdentityFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(IdentityMetadataKey); len(v) > 0 {
		return v[0]
	}
	return ""
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Request",
			Handler:    requestHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lighthouse.proto",
}

func requestHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).Request(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: requestMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Handler).Request(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}
