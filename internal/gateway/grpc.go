// ABOUTME: gRPC server exposing grpc.health.v1 with one service name per agent
// ABOUTME: Keeps serving status in step with session health transitions

package gateway

import (
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/hvkshetry/codex-mcp-orchestra/internal/agent"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/auth"
)

// HealthServicePrefix prefixes the per-agent health service names.
const HealthServicePrefix = "agent."

// HealthCheckMethod is exempt from authentication so probes work without
// a token.
const HealthCheckMethod = "/grpc.health.v1.Health/Check"

// AgentHealthService returns the health service name for an agent.
func AgentHealthService(agentID string) string {
	return HealthServicePrefix + agentID
}

// healthReporter mirrors session health into the gRPC health server.
type healthReporter struct {
	server *health.Server
	pool   AgentPool
	logger *slog.Logger
}

func newHealthReporter(logger *slog.Logger) *healthReporter {
	return &healthReporter{
		server: health.NewServer(),
		logger: logger,
	}
}

func servingStatus(h agent.Health) healthpb.HealthCheckResponse_ServingStatus {
	if h.Serving() {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// update records one agent's health and recomputes the overall status,
// which is SERVING while any agent is.
func (h *healthReporter) update(agentID string, health agent.Health) {
	h.server.SetServingStatus(AgentHealthService(agentID), servingStatus(health))
	h.logger.Debug("health status updated", "agent_id", agentID, "health", health)
	h.refreshOverall()
}

func (h *healthReporter) refreshOverall() {
	if h.pool == nil {
		return
	}
	overall := healthpb.HealthCheckResponse_NOT_SERVING
	for _, info := range h.pool.List() {
		if info.Health.Serving() {
			overall = healthpb.HealthCheckResponse_SERVING
			break
		}
	}
	h.server.SetServingStatus("", overall)
}

// sync sets every agent's status from the pool.
func (h *healthReporter) sync() {
	for _, info := range h.pool.List() {
		h.server.SetServingStatus(AgentHealthService(info.AgentID), servingStatus(info.Health))
	}
	h.refreshOverall()
}

// createGRPCServer builds the gRPC server with keepalive settings and, when
// tokens is non-nil, authentication on every method except Check.
func createGRPCServer(tokens auth.TokenVerifier, logger *slog.Logger) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if tokens != nil {
		opts = append(opts,
			grpc.ChainUnaryInterceptor(auth.UnaryInterceptor(tokens, logger, HealthCheckMethod)),
			grpc.ChainStreamInterceptor(auth.StreamInterceptor(tokens, logger)),
		)
	}
	return grpc.NewServer(opts...)
}

func registerGRPCServices(s *grpc.Server, reporter *healthReporter) {
	healthpb.RegisterHealthServer(s, reporter.server)
	reflection.Register(s)
}
