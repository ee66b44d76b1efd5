// ============================================================================
// fleetsync Admin Server - 管理介面
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 對外暴露協調器的控制介面與狀態
//
// HTTP:
//   GET  /status   目前的 OrchestratorState（JSON）
//   POST /pause    暫停（?reason=...）
//   POST /resume   恢復
//   POST /stop     優雅停止
//   GET  /healthz  存活檢查；error / stopped 回 503
//   GET  /metrics  Prometheus 指標
//
// gRPC:
//   grpc.health.v1.Health，服務名稱 "fleetsync"
//   running → SERVING，其他狀態 → NOT_SERVING
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/fleetsync/internal/metrics"
	"github.com/ChuLiYu/fleetsync/internal/orchestrator"
	"github.com/ChuLiYu/fleetsync/pkg/types"
)

var log = slog.Default()

// ServiceName gRPC 健康服務中的服務名稱
const ServiceName = "fleetsync"

// healthRefresh gRPC 健康狀態同步間隔
const healthRefresh = time.Second

// Controller 協調器的控制介面
type Controller interface {
	Pause(reason string) error
	Resume() error
	Stop() error
	Snapshot() types.OrchestratorState
}

// Server 管理介面伺服器
type Server struct {
	ctrl     Controller
	gatherer prometheus.Gatherer
	health   *health.Server
}

// New 創建管理介面
//
// 參數：
//   - ctrl: 協調器
//   - gatherer: /metrics 的指標來源；nil 時使用預設 registry
func New(ctrl Controller, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		ctrl:     ctrl,
		gatherer: gatherer,
		health:   health.NewServer(),
	}
	s.SyncHealth()
	return s
}

// ============================================================================
// HTTP
// ============================================================================

// Handler 返回管理介面的 HTTP handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /pause", s.handleControl(func(r *http.Request) error {
		return s.ctrl.Pause(r.URL.Query().Get("reason"))
	}))
	mux.HandleFunc("POST /resume", s.handleControl(func(*http.Request) error { return s.ctrl.Resume() }))
	mux.HandleFunc("POST /stop", s.handleControl(func(*http.Request) error { return s.ctrl.Stop() }))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler(s.gatherer))
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleControl(op func(*http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(r); err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, orchestrator.ErrInvalidTransition) {
				code = http.StatusConflict
			}
			writeJSON(w, code, map[string]string{"error": err.Error()})
			return
		}
		s.SyncHealth()
		state := s.ctrl.Snapshot()
		log.Info("Admin control applied", "path", r.URL.Path, "status", state.Status)
		writeJSON(w, http.StatusOK, map[string]any{"status": state.Status})
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	state := s.ctrl.Snapshot()
	code := http.StatusOK
	if !alive(state.Status) {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":        state.Status,
		"health_status": state.HealthStatus,
	})
}

func alive(status types.OrchestratorStatus) bool {
	return status != types.StatusError && status != types.StatusStopped
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("Failed to write admin response", "error", err)
	}
}

// ServeHTTP 在 addr 上提供 HTTP 管理介面，直到 ctx 取消
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("Admin HTTP listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: http: %w", err)
	}
	return nil
}

// ============================================================================
// gRPC 健康服務
// ============================================================================

// SyncHealth 依協調器狀態更新 gRPC 健康狀態
func (s *Server) SyncHealth() {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if s.ctrl.Snapshot().Status == types.StatusRunning {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	s.health.SetServingStatus("", status)
}

// RegisterGRPC 把健康服務註冊到既有的 gRPC 伺服器
func (s *Server) RegisterGRPC(reg grpc.ServiceRegistrar) {
	grpc_health_v1.RegisterHealthServer(reg, s.health)
}

// ServeGRPC 在 addr 上提供 gRPC 健康服務，直到 ctx 取消
func (s *Server) ServeGRPC(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.serveGRPC(ctx, lis)
}

func (s *Server) serveGRPC(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	s.RegisterGRPC(srv)

	go func() {
		ticker := time.NewTicker(healthRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				srv.GracefulStop()
				return
			case <-ticker.C:
				s.SyncHealth()
			}
		}
	}()

	log.Info("Admin gRPC health listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("server: grpc: %w", err)
	}
	return nil
}
