// ABOUTME: gRPC server carrying the standard health service
// ABOUTME: Lets orchestrators and the health command check the gateway over gRPC

package gateway

import (
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is the health service name reported alongside the overall status.
const ServiceName = "consult.Gateway"

// createGRPCServer creates the gRPC server and registers hs on it.
func createGRPCServer(hs *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	grpc_health_v1.RegisterHealthServer(server, hs)
	return server
}

// setServing flips both the overall and the named service status.
func (g *Gateway) setServing(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(ServiceName, status)
}
