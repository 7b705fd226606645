// Service descriptor and client for templates.v1.TemplateService.
// Requests and responses are google.protobuf.Struct messages.
package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "templates.v1.TemplateService"

// TemplateServiceServer is the server API for TemplateService
type TemplateServiceServer interface {
	Create(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Update(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	List(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Render(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Load(context.Context, *structpb.Struct) (*structpb.Struct, error)
	History(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(TemplateServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call unaryMethod) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(TemplateServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(TemplateServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// TemplateServiceDesc describes TemplateService for grpc.Server.RegisterService
var TemplateServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TemplateServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Create", TemplateServiceServer.Create),
		unaryHandler("Update", TemplateServiceServer.Update),
		unaryHandler("Delete", TemplateServiceServer.Delete),
		unaryHandler("Get", TemplateServiceServer.Get),
		unaryHandler("List", TemplateServiceServer.List),
		unaryHandler("Render", TemplateServiceServer.Render),
		unaryHandler("Load", TemplateServiceServer.Load),
		unaryHandler("History", TemplateServiceServer.History),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "templates/v1/templates.proto",
}

// RegisterTemplateServiceServer registers srv with s
func RegisterTemplateServiceServer(s grpc.ServiceRegistrar, srv TemplateServiceServer) {
	s.RegisterService(&TemplateServiceDesc, srv)
}

// Client calls TemplateService over a connection
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a TemplateService client
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Create calls TemplateService.Create
func (c *Client) Create(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Create", in, opts...)
}

// Update calls TemplateService.Update
func (c *Client) Update(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Update", in, opts...)
}

// Delete calls TemplateService.Delete
func (c *Client) Delete(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Delete", in, opts...)
}

// Get calls TemplateService.Get
func (c *Client) Get(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Get", in, opts...)
}

// List calls TemplateService.List
func (c *Client) List(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "List", in, opts...)
}

// Render calls TemplateService.Render
func (c *Client) Render(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Render", in, opts...)
}

// Load calls TemplateService.Load
func (c *Client) Load(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Load", in, opts...)
}

// History calls TemplateService.History
func (c *Client) History(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "History", in, opts...)
}
