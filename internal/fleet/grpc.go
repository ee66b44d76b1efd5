package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/fleetsync/pkg/types"
)

// ServiceName is the fully-qualified gRPC service of the worker fleet
// control plane. Requests and responses are google.protobuf.Struct.
const ServiceName = "fleetsync.fleet.v1.WorkerFleet"

// ErrNotServing is returned by Ping when the health service reports the
// fleet as anything other than SERVING.
var ErrNotServing = errors.New("fleet: service not serving")

// Dial creates a client connection to a fleet control plane.
func Dial(target string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("fleet: dial %s: %w", target, err)
	}
	return conn, nil
}

// GRPCClient is a Client backed by a remote fleet.
type GRPCClient struct {
	conn   grpc.ClientConnInterface
	health grpc_health_v1.HealthClient
}

// NewGRPCClient wraps an established connection.
func NewGRPCClient(conn grpc.ClientConnInterface) *GRPCClient {
	return &GRPCClient{
		conn:   conn,
		health: grpc_health_v1.NewHealthClient(conn),
	}
}

func (c *GRPCClient) invoke(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("fleet: encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, fromStatus(method, err)
	}
	return out.AsMap(), nil
}

// ListWorkers implements Client.
func (c *GRPCClient) ListWorkers(ctx context.Context) ([]string, error) {
	resp, err := c.invoke(ctx, "ListWorkers", nil)
	if err != nil {
		return nil, err
	}
	raw, _ := resp["workers"].([]any)
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if id, ok := v.(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// GetState implements Client.
func (c *GRPCClient) GetState(ctx context.Context, workerID string) (*types.WorkerSnapshot, error) {
	resp, err := c.invoke(ctx, "GetState", map[string]any{"worker_id": workerID})
	if err != nil {
		return nil, err
	}
	if found, _ := resp["found"].(bool); !found {
		return nil, nil
	}
	snap, _ := resp["snapshot"].(map[string]any)
	return decodeSnapshot(workerID, snap)
}

// SetField implements Client.
func (c *GRPCClient) SetField(ctx context.Context, workerID, path string, value any) error {
	_, err := c.invoke(ctx, "SetField", map[string]any{"worker_id": workerID, "path": path, "value": value})
	return err
}

// Stop implements Client.
func (c *GRPCClient) Stop(ctx context.Context, workerID, reason string) error {
	_, err := c.invoke(ctx, "Stop", map[string]any{"worker_id": workerID, "reason": reason})
	return err
}

// SetPriority implements Client.
func (c *GRPCClient) SetPriority(ctx context.Context, workerID, priority string) error {
	_, err := c.invoke(ctx, "SetPriority", map[string]any{"worker_id": workerID, "priority": priority})
	return err
}

// UpdateConfig implements Client.
func (c *GRPCClient) UpdateConfig(ctx context.Context, workerID string, config map[string]any) error {
	_, err := c.invoke(ctx, "UpdateConfig", map[string]any{"worker_id": workerID, "config": config})
	return err
}

// Ping implements Client using the standard gRPC health protocol.
func (c *GRPCClient) Ping(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("fleet: health check: %w", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", ErrNotServing, resp.GetStatus())
	}
	return nil
}

// ============================================================================
// Server side
// ============================================================================

type handlerFunc func(ctx context.Context, impl Client, req map[string]any) (map[string]any, error)

// RegisterServer exposes impl as the WorkerFleet service on s.
func RegisterServer(s grpc.ServiceRegistrar, impl Client) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*Client)(nil),
		Methods: []grpc.MethodDesc{
			unary("ListWorkers", func(ctx context.Context, impl Client, _ map[string]any) (map[string]any, error) {
				ids, err := impl.ListWorkers(ctx)
				if err != nil {
					return nil, err
				}
				workers := make([]any, len(ids))
				for i, id := range ids {
					workers[i] = id
				}
				return map[string]any{"workers": workers}, nil
			}),
			unary("GetState", func(ctx context.Context, impl Client, req map[string]any) (map[string]any, error) {
				snap, err := impl.GetState(ctx, str(req, "worker_id"))
				if err != nil {
					return nil, err
				}
				if snap == nil {
					return map[string]any{"found": false}, nil
				}
				return map[string]any{"found": true, "snapshot": encodeSnapshot(snap)}, nil
			}),
			unary("SetField", func(ctx context.Context, impl Client, req map[string]any) (map[string]any, error) {
				return nil, impl.SetField(ctx, str(req, "worker_id"), str(req, "path"), req["value"])
			}),
			unary("Stop", func(ctx context.Context, impl Client, req map[string]any) (map[string]any, error) {
				return nil, impl.Stop(ctx, str(req, "worker_id"), str(req, "reason"))
			}),
			unary("SetPriority", func(ctx context.Context, impl Client, req map[string]any) (map[string]any, error) {
				return nil, impl.SetPriority(ctx, str(req, "worker_id"), str(req, "priority"))
			}),
			unary("UpdateConfig", func(ctx context.Context, impl Client, req map[string]any) (map[string]any, error) {
				config, _ := req["config"].(map[string]any)
				return nil, impl.UpdateConfig(ctx, str(req, "worker_id"), config)
			}),
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "fleetsync/fleet/v1/fleet.proto",
	}, impl)
}

func unary(name string, h handlerFunc) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req any) (any, error) {
				out, err := h(ctx, srv.(Client), req.(*structpb.Struct).AsMap())
				if err != nil {
					return nil, toStatus(err)
				}
				resp, err := structpb.NewStruct(out)
				if err != nil {
					return nil, status.Errorf(codes.Internal, "encode %s response: %v", name, err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, call)
		},
	}
}

// ============================================================================
// Encoding helpers
// ============================================================================

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func encodeSnapshot(s *types.WorkerSnapshot) map[string]any {
	data := s.Data
	if data == nil {
		data = map[string]any{}
	}
	return map[string]any{
		"worker_id": s.WorkerID,
		"task_id":   s.TaskID,
		"timestamp": s.Timestamp.UTC().Format(time.RFC3339Nano),
		"usage":     s.Usage,
		"data":      data,
	}
}

func decodeSnapshot(workerID string, m map[string]any) (*types.WorkerSnapshot, error) {
	snap := &types.WorkerSnapshot{WorkerID: workerID, TaskID: str(m, "task_id")}
	if id := str(m, "worker_id"); id != "" {
		snap.WorkerID = id
	}
	if ts := str(m, "timestamp"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("fleet: snapshot timestamp %q: %w", ts, err)
		}
		snap.Timestamp = t
	}
	snap.Usage, _ = m["usage"].(float64)
	snap.Data, _ = m["data"].(map[string]any)
	if snap.Data == nil {
		snap.Data = map[string]any{}
	}
	return snap, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrWorkerNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}

func fromStatus(method string, err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, status.Convert(err).Message())
	}
	return fmt.Errorf("fleet: rpc %s: %w", method, err)
}
