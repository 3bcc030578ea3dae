package grpcapi

import (
	"context"

	"google.golang.org/grpc"

	"github.com/policy-hub/coordinator/internal/telemetry/dispatch"
	"github.com/policy-hub/coordinator/internal/telemetry/models"
)

// ServiceName is the full name of the NodeCoordinator service.
const ServiceName = "policyhub.coordinator.v1.NodeCoordinator"

// Full method names.
const (
	FetchPendingMethod     = "/" + ServiceName + "/FetchPending"
	SubmitResultMethod     = "/" + ServiceName + "/SubmitResult"
	IngestValidationMethod = "/" + ServiceName + "/IngestValidation"
	HeartbeatMethod        = "/" + ServiceName + "/Heartbeat"
)

// RegisterNodeCoordinatorServer registers srv with a gRPC server.
func RegisterNodeCoordinatorServer(s grpc.ServiceRegistrar, srv NodeCoordinatorServer) {
	s.RegisterService(&NodeCoordinator_ServiceDesc, srv)
}

// NodeCoordinator_ServiceDesc is the service descriptor for the NodeCoordinator service.
var NodeCoordinator_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*NodeCoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "FetchPending", Handler: fetchPendingHandler},
		{MethodName: "SubmitResult", Handler: submitResultHandler},
		{MethodName: "IngestValidation", Handler: ingestValidationHandler},
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "coordinator/v1/node.proto",
}

// unary receives the raw request frame and runs call through the interceptor chain.
// The frame is decoded into Req inside the chain, so authentication runs first and
// decode failures reach the client as InvalidArgument with a field list.
func unary[Req any](
	method string,
	call func(NodeCoordinatorServer, context.Context, *Req) (any, error),
) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		var frame rawFrame
		if err := dec(&frame); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, _ any) (any, error) {
			in := new(Req)
			if err := decodeFrame(frame, in); err != nil {
				return nil, err
			}
			return call(srv.(NodeCoordinatorServer), ctx, in)
		}
		if interceptor == nil {
			resp, err := handler(ctx, &frame)
			if err != nil {
				return nil, toStatus(err)
			}
			return resp, nil
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, &frame, info, handler)
	}
}

var (
	fetchPendingHandler = unary(FetchPendingMethod, func(s NodeCoordinatorServer, ctx context.Context, in *FetchPendingRequest) (any, error) {
		return s.FetchPending(ctx, in)
	})
	submitResultHandler = unary(SubmitResultMethod, func(s NodeCoordinatorServer, ctx context.Context, in *SubmitResultRequest) (any, error) {
		return s.SubmitResult(ctx, in)
	})
	ingestValidationHandler = unary(IngestValidationMethod, func(s NodeCoordinatorServer, ctx context.Context, in *models.ValidationIngestion) (any, error) {
		return s.IngestValidation(ctx, in)
	})
	heartbeatHandler = unary(HeartbeatMethod, func(s NodeCoordinatorServer, ctx context.Context, in *models.HeartbeatRequest) (any, error) {
		return s.Heartbeat(ctx, in)
	})
)

// Client implementation

type nodeCoordinatorClient struct {
	cc grpc.ClientConnInterface
}

// NewNodeCoordinatorClient creates a NodeCoordinator client. Connections should
// be dialed with WithCodec.
func NewNodeCoordinatorClient(cc grpc.ClientConnInterface) NodeCoordinatorClient {
	return &nodeCoordinatorClient{cc}
}

// WithCodec selects the JSON codec for every call on a connection.
func WithCodec() grpc.DialOption {
	return grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName))
}

func (c *nodeCoordinatorClient) FetchPending(ctx context.Context, in *FetchPendingRequest, opts ...grpc.CallOption) (*FetchPendingResponse, error) {
	out := new(FetchPendingResponse)
	if err := c.cc.Invoke(ctx, FetchPendingMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeCoordinatorClient) SubmitResult(ctx context.Context, in *SubmitResultRequest, opts ...grpc.CallOption) (*dispatch.SubmitResponse, error) {
	out := new(dispatch.SubmitResponse)
	if err := c.cc.Invoke(ctx, SubmitResultMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeCoordinatorClient) IngestValidation(ctx context.Context, in *models.ValidationIngestion, opts ...grpc.CallOption) (*models.IngestResult, error) {
	out := new(models.IngestResult)
	if err := c.cc.Invoke(ctx, IngestValidationMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeCoordinatorClient) Heartbeat(ctx context.Context, in *models.HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error) {
	out := new(HeartbeatResponse)
	if err := c.cc.Invoke(ctx, HeartbeatMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
