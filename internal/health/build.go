package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/fleetsync/internal/fleet"
)

// Spec is one configured health check
type Spec struct {
	Name     string        `yaml:"name"`
	Type     string        `yaml:"type"`
	Critical bool          `yaml:"critical"`
	Target   string        `yaml:"target"`  // URL, DSN or gRPC address depending on Type
	Service  string        `yaml:"service"` // grpc_health only
	Timeout  time.Duration `yaml:"timeout"`
}

// Deps are the already-constructed collaborators a check may reuse when its
// Spec has no Target of its own.
type Deps struct {
	HTTPClient *http.Client
	Database   Pinger
	Fleet      fleet.Client
	FleetConn  grpc.ClientConnInterface
}

// Build creates a Monitor from configuration. Connections opened for a
// Target are released by Monitor.Close.
func Build(ctx context.Context, specs []Spec, deps Deps) (*Monitor, error) {
	m := NewMonitor()
	for _, spec := range specs {
		check, err := m.buildOne(ctx, spec, deps)
		if err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("health: check %q: %w", spec.Name, err)
		}
		m.Register(spec.Name, spec.Critical, spec.Timeout, check)
	}
	return m, nil
}

func (m *Monitor) buildOne(ctx context.Context, spec Spec, deps Deps) (Check, error) {
	switch spec.Type {
	case KindAPIReachability:
		if spec.Target == "" {
			return nil, errors.New("api_reachability requires a target URL")
		}
		return &APIReachability{URL: spec.Target, Client: deps.HTTPClient}, nil

	case KindDatabaseConnectivity:
		if spec.Target != "" {
			pool, err := pgxpool.New(ctx, spec.Target)
			if err != nil {
				return nil, fmt.Errorf("create pool: %w", err)
			}
			m.closers = append(m.closers, poolCloser{pool})
			return &DatabaseConnectivity{DB: pool}, nil
		}
		if deps.Database == nil {
			return nil, errors.New("database_connectivity requires a target DSN")
		}
		return &DatabaseConnectivity{DB: deps.Database}, nil

	case KindWorkerResponsiveness:
		if deps.Fleet == nil {
			return nil, errors.New("worker_responsiveness requires a fleet client")
		}
		return &WorkerResponsiveness{Fleet: deps.Fleet}, nil

	case KindGRPCHealth:
		conn := deps.FleetConn
		if spec.Target != "" {
			c, err := grpc.NewClient(spec.Target, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return nil, fmt.Errorf("dial %s: %w", spec.Target, err)
			}
			m.closers = append(m.closers, c)
			conn = c
		}
		if conn == nil {
			return nil, errors.New("grpc_health requires a target address")
		}
		return &GRPCResponsiveness{Client: grpc_health_v1.NewHealthClient(conn), Service: spec.Service}, nil
	}
	return nil, fmt.Errorf("unknown type %q", spec.Type)
}

type poolCloser struct{ pool *pgxpool.Pool }

func (p poolCloser) Close() error {
	p.pool.Close()
	return nil
}
