// Package grpc serves the query router over gRPC: a QueryRouter service
// carrying JSON-encoded turns and turn events, the standard health service
// fed by the backend monitor, and server reflection.
package grpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/queryrouter/commbus"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/observability"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/runtime"
)

const (
	ServiceName = "queryrouter.v1.QueryRouter"
	AskMethod   = "/" + ServiceName + "/Ask"
	WatchMethod = "/" + ServiceName + "/Watch"

	watchBuffer = 64
)

// WatchRequest selects the session whose events to stream.
type WatchRequest struct {
	SessionID string `json:"session_id"`
}

// WatchEvent is one turn event. Payload is the JSON form of the commbus
// event named by Type.
type WatchEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// QueryRouterServer is the server API of the QueryRouter service.
type QueryRouterServer interface {
	Ask(ctx context.Context, req *runtime.TurnRequest) (*runtime.TurnResponse, error)
	Watch(req *WatchRequest, stream WatchServer) error
}

// WatchServer is the server side of a Watch stream.
type WatchServer interface {
	Send(*WatchEvent) error
	grpc.ServerStream
}

// Runner executes turns. *runtime.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, req runtime.TurnRequest) *runtime.TurnResponse
}

// QueryService implements QueryRouterServer on top of a Runner and the
// event bus.
type QueryService struct {
	runner Runner
	bus    commbus.CommBus
	logger observability.Logger
}

// NewQueryService creates a QueryService. bus may be nil, in which case
// Watch is unavailable.
func NewQueryService(runner Runner, bus commbus.CommBus, logger observability.Logger) *QueryService {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &QueryService{runner: runner, bus: bus, logger: logger.Bind("component", "grpc_query")}
}

// Ask runs one turn. Turn failures are reported inside the response, not
// as gRPC errors.
func (s *QueryService) Ask(ctx context.Context, req *runtime.TurnRequest) (*runtime.TurnResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	resp := s.runner.Run(ctx, *req)
	if resp.ErrorKind == envelope.ErrorKindCancelled && ctx.Err() != nil {
		return nil, status.FromContextError(ctx.Err()).Err()
	}
	return resp, nil
}

// Watch streams the session's turn events until the client goes away.
// Events are dropped when the client falls behind.
func (s *QueryService) Watch(req *WatchRequest, stream WatchServer) error {
	if req.SessionID == "" {
		return status.Error(codes.InvalidArgument, "session_id is required")
	}
	if s.bus == nil {
		return status.Error(codes.Unavailable, "event stream unavailable")
	}
	logger := s.logger.Bind("session_id", req.SessionID)

	events := make(chan commbus.TurnEvent, watchBuffer)
	unsubscribe := commbus.SubscribeSession(s.bus, req.SessionID, func(e commbus.TurnEvent) {
		select {
		case events <- e:
		default:
			logger.Warn("event_dropped", "type", commbus.GetMessageType(e))
		}
	})
	defer unsubscribe()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			payload, err := json.Marshal(e)
			if err != nil {
				logger.Warn("event_encode_failed", "error", err.Error())
				continue
			}
			if err := stream.Send(&WatchEvent{Type: commbus.GetMessageType(e), Payload: payload}); err != nil {
				return err
			}
		}
	}
}

// =============================================================================
// SERVICE DESCRIPTOR
// =============================================================================

// RegisterQueryRouterServer registers srv on s.
func RegisterQueryRouterServer(s grpc.ServiceRegistrar, srv QueryRouterServer) {
	s.RegisterService(&queryRouterServiceDesc, srv)
}

var queryRouterServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QueryRouterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ask", Handler: askHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "queryrouter/v1/query_router",
}

func askHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(runtime.TurnRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QueryRouterServer).Ask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: AskMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(QueryRouterServer).Ask(ctx, req.(*runtime.TurnRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(QueryRouterServer).Watch(in, &watchServer{stream})
}

type watchServer struct {
	grpc.ServerStream
}

func (w *watchServer) Send(e *WatchEvent) error {
	return w.ServerStream.SendMsg(e)
}
