package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/runtime"
)

// Dial opens a plaintext, traced connection to a query router.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	conn, err := grpc.NewClient(target, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return conn, nil
}

// Client calls a remote QueryRouter service.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Ask runs one turn remotely.
func (c *Client) Ask(ctx context.Context, req *runtime.TurnRequest) (*runtime.TurnResponse, error) {
	out := new(runtime.TurnResponse)
	if err := c.conn.Invoke(ctx, AskMethod, req, out, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchStream receives turn events.
type WatchStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event.
func (w *WatchStream) Recv() (*WatchEvent, error) {
	e := new(WatchEvent)
	if err := w.stream.RecvMsg(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Watch subscribes to a session's turn events. The stream ends when ctx
// is cancelled.
func (c *Client) Watch(ctx context.Context, sessionID string) (*WatchStream, error) {
	stream, err := c.conn.NewStream(ctx, &queryRouterServiceDesc.Streams[0], WatchMethod, grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, err
	}
	// io.EOF means the server already ended the stream. Recv reports why.
	if err := stream.SendMsg(&WatchRequest{SessionID: sessionID}); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &WatchStream{stream: stream}, nil
}

// Health asks the standard health service about service ("" for the
// whole server).
func (c *Client) Health(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
