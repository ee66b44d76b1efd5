package fleet

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

var reportTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestFleet(t *testing.T) *Fleet {
	t.Helper()
	f := NewFleet()
	f.SetClock(func() time.Time { return reportTime })
	f.Register("w1", "t1")
	f.Register("w2", "t2")
	require.NoError(t, f.Report("w1", map[string]any{
		"status":     "running",
		"priority":   "medium",
		"parameters": map[string]any{"mode": "fast"},
		"result":     map[string]any{"score": 0.5},
	}, 1500))
	return f
}

// ============================================================================
// In-memory fleet
// ============================================================================

func TestFleetStateAndWrites(t *testing.T) {
	ctx := context.Background()
	f := newTestFleet(t)

	ids, err := f.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1", "w2"}, ids)

	snap, err := f.GetState(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, snap, "a worker that never reported has no snapshot")

	require.NoError(t, f.SetField(ctx, "w1", "parameters.limit", 10))
	require.NoError(t, f.SetPriority(ctx, "w1", "high"))
	require.NoError(t, f.UpdateConfig(ctx, "w1", map[string]any{"region": "eu"}))
	require.NoError(t, f.UpdateConfig(ctx, "w1", map[string]any{"retries": 2}))
	require.NoError(t, f.Stop(ctx, "w1", "cancelled by authority"))

	snap, err = f.GetState(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, reportTime, snap.Timestamp, "engine writes do not move the snapshot timestamp")
	assert.Equal(t, 1500.0, snap.Usage)
	assert.Equal(t, "high", snap.Data["priority"])
	assert.Equal(t, map[string]any{"mode": "fast", "limit": 10}, snap.Data["parameters"])
	assert.Equal(t, map[string]any{"region": "eu", "retries": 2}, snap.Data["config"])

	stopped, reason := f.Stopped("w1")
	assert.True(t, stopped)
	assert.Equal(t, "cancelled by authority", reason)
}

func TestFleetUnknownWorker(t *testing.T) {
	ctx := context.Background()
	f := NewFleet()

	_, err := f.GetState(ctx, "ghost")
	assert.ErrorIs(t, err, ErrWorkerNotFound)
	assert.ErrorIs(t, f.SetField(ctx, "ghost", "x", 1), ErrWorkerNotFound)
	assert.ErrorIs(t, f.Stop(ctx, "ghost", ""), ErrWorkerNotFound)
}

func TestFleetFailureHooks(t *testing.T) {
	ctx := context.Background()
	f := newTestFleet(t)
	boom := errors.New("timeout")

	f.FailState("w1", boom)
	_, err := f.GetState(ctx, "w1")
	assert.ErrorIs(t, err, boom)
	f.FailState("w1", nil)
	_, err = f.GetState(ctx, "w1")
	assert.NoError(t, err)

	f.FailSet(func(workerID, path string) error {
		if path == "parameters.bad" {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, f.SetField(ctx, "w1", "parameters.bad", 1), boom)
	assert.NoError(t, f.SetField(ctx, "w1", "parameters.good", 1))

	f.FailPing(boom)
	assert.ErrorIs(t, f.Ping(ctx), boom)
}

// ============================================================================
// gRPC transport
// ============================================================================

func startBufconn(t *testing.T, impl Client) (*GRPCClient, *health.Server) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	srv := grpc.NewServer()
	RegisterServer(srv, impl)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(srv, hs)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return NewGRPCClient(conn), hs
}

func TestGRPCClientRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f := newTestFleet(t)
	client, _ := startBufconn(t, f)

	ids, err := client.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1", "w2"}, ids)

	snap, err := client.GetState(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "w1", snap.WorkerID)
	assert.Equal(t, "t1", snap.TaskID)
	assert.True(t, reportTime.Equal(snap.Timestamp))
	assert.Equal(t, 1500.0, snap.Usage)
	assert.Equal(t, map[string]any{"score": 0.5}, snap.Data["result"])

	none, err := client.GetState(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, client.SetField(ctx, "w1", "parameters.limit", 10))
	require.NoError(t, client.SetPriority(ctx, "w1", "high"))
	require.NoError(t, client.UpdateConfig(ctx, "w1", map[string]any{"region": "eu"}))
	require.NoError(t, client.Stop(ctx, "w1", "done"))

	data, _ := f.Data("w1")
	assert.Equal(t, 10.0, data["parameters"].(map[string]any)["limit"], "numbers cross the wire as float64")
	assert.Equal(t, "high", data["priority"])
	stopped, reason := f.Stopped("w1")
	assert.True(t, stopped)
	assert.Equal(t, "done", reason)
}

func TestGRPCClientMapsNotFound(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, _ := startBufconn(t, NewFleet())

	_, err := client.GetState(ctx, "ghost")
	assert.ErrorIs(t, err, ErrWorkerNotFound)
	assert.ErrorIs(t, client.SetField(ctx, "ghost", "x", 1), ErrWorkerNotFound)
}

func TestGRPCClientPing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, hs := startBufconn(t, NewFleet())
	require.NoError(t, client.Ping(ctx))

	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	assert.ErrorIs(t, client.Ping(ctx), ErrNotServing)
}
