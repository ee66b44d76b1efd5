// Package health runs pluggable checks against the engine's external
// dependencies and aggregates them into one overall status.
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/fleetsync/internal/fleet"
	"github.com/ChuLiYu/fleetsync/pkg/types"
)

// Check kinds accepted in configuration
const (
	KindAPIReachability      = "api_reachability"
	KindDatabaseConnectivity = "database_connectivity"
	KindWorkerResponsiveness = "worker_responsiveness"
	KindGRPCHealth           = "grpc_health"
)

// Check probes one dependency. A returned error is always treated as
// critical regardless of the returned status.
type Check interface {
	Kind() string
	Check(ctx context.Context) (types.HealthStatus, error)
}

// ============================================================================
// api_reachability
// ============================================================================

// APIReachability issues an HTTP GET against URL.
// 2xx/3xx is healthy, 4xx degraded, 5xx critical.
type APIReachability struct {
	URL    string
	Client *http.Client
}

func (c *APIReachability) Kind() string { return KindAPIReachability }

func (c *APIReachability) Check(ctx context.Context) (types.HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return types.HealthCritical, fmt.Errorf("health: build request: %w", err)
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return types.HealthCritical, fmt.Errorf("health: GET %s: %w", c.URL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return types.HealthCritical, fmt.Errorf("health: GET %s: status %d", c.URL, resp.StatusCode)
	case resp.StatusCode >= 400:
		return types.HealthDegraded, nil
	default:
		return types.HealthHealthy, nil
	}
}

// ============================================================================
// database_connectivity
// ============================================================================

// Pinger is satisfied by *pgxpool.Pool and authority.Client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseConnectivity pings a database. A ping slower than SlowThreshold
// reports degraded.
type DatabaseConnectivity struct {
	DB            Pinger
	SlowThreshold time.Duration
}

func (c *DatabaseConnectivity) Kind() string { return KindDatabaseConnectivity }

func (c *DatabaseConnectivity) Check(ctx context.Context) (types.HealthStatus, error) {
	start := time.Now()
	if err := c.DB.Ping(ctx); err != nil {
		return types.HealthCritical, fmt.Errorf("health: database ping: %w", err)
	}
	if c.SlowThreshold > 0 && time.Since(start) > c.SlowThreshold {
		return types.HealthDegraded, nil
	}
	return types.HealthHealthy, nil
}

// ============================================================================
// worker_responsiveness
// ============================================================================

// WorkerResponsiveness probes the fleet control plane. An empty fleet is
// degraded.
type WorkerResponsiveness struct {
	Fleet fleet.Client
}

func (c *WorkerResponsiveness) Kind() string { return KindWorkerResponsiveness }

func (c *WorkerResponsiveness) Check(ctx context.Context) (types.HealthStatus, error) {
	if err := c.Fleet.Ping(ctx); err != nil {
		return types.HealthCritical, fmt.Errorf("health: fleet ping: %w", err)
	}
	ids, err := c.Fleet.ListWorkers(ctx)
	if err != nil {
		return types.HealthCritical, fmt.Errorf("health: list workers: %w", err)
	}
	if len(ids) == 0 {
		return types.HealthDegraded, nil
	}
	return types.HealthHealthy, nil
}

// ============================================================================
// grpc_health
// ============================================================================

// GRPCResponsiveness queries a remote grpc.health.v1 server.
type GRPCResponsiveness struct {
	Client  grpc_health_v1.HealthClient
	Service string
}

func (c *GRPCResponsiveness) Kind() string { return KindGRPCHealth }

func (c *GRPCResponsiveness) Check(ctx context.Context) (types.HealthStatus, error) {
	resp, err := c.Client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: c.Service})
	if err != nil {
		return types.HealthCritical, fmt.Errorf("health: grpc check %q: %w", c.Service, err)
	}
	switch resp.GetStatus() {
	case grpc_health_v1.HealthCheckResponse_SERVING:
		return types.HealthHealthy, nil
	case grpc_health_v1.HealthCheckResponse_NOT_SERVING:
		return types.HealthCritical, nil
	default:
		return types.HealthUnknown, nil
	}
}
