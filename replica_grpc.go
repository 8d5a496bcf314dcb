package replica

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// leaderHealthService is the health service name which reports SERVING only on the leader.
const leaderHealthService = "replica.leader"

// healthServer exposes the standard gRPC health service of a replica, for probing by the coordinator and by
// anything else which speaks grpc.health.v1.
type healthServer struct {
	addr       string
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server
	logger     *zap.SugaredLogger
}

func newHealthServer(addr string, verbose bool, metrics *metricsHolder, logger *zap.SugaredLogger) (*healthServer, error) {

	listener, err := listen(addr)
	if err != nil {
		logger.Errorw("health server failed to acquire socket", "addr", addr, replicaErrKeyword, err)
		return nil, err
	}

	unaryInterceptorChain := []grpc.UnaryServerInterceptor{
		grpc_ctxtags.UnaryServerInterceptor(),
	}

	if verbose {
		unaryInterceptorChain = append(unaryInterceptorChain,
			grpc_zap.UnaryServerInterceptor(
				logger.Named("GRPC_S").Desugar(),
				// All results are forced to debug level
				grpc_zap.WithLevels(func(code codes.Code) zapcore.Level { return zapcore.DebugLevel })))
	}

	if metrics != nil {
		sm := grpc_prometheus.NewServerMetrics()
		if metrics.detailed {
			sm.EnableHandlingTimeHistogram()
		}
		metrics.registry.MustRegister(sm)
		unaryInterceptorChain = append(unaryInterceptorChain, sm.UnaryServerInterceptor())
	}

	s := &healthServer{
		addr:     addr,
		listener: listener,
		grpcServer: grpc.NewServer(
			grpc_middleware.WithUnaryServerChain(unaryInterceptorChain...)),
		health: health.NewServer(),
		logger: logger,
	}
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(leaderHealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	return s, nil
}

func (s *healthServer) logKV() []interface{} {
	return []interface{}{"obj", "healthServer", "address", s.listener.Addr().String()}
}

// setLeader flips the leader service status as the replica gains or loses leadership.
func (s *healthServer) setLeader(leader bool) {
	if leader {
		s.health.SetServingStatus(leaderHealthService, healthpb.HealthCheckResponse_SERVING)
	} else {
		s.health.SetServingStatus(leaderHealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

func (s *healthServer) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	s.logger.Debugw("gRPC health server starting up", s.logKV()...)

	go func() {
		<-ctx.Done()
		s.logger.Debugw("gRPC health server graceful shut down requested", s.logKV()...)
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	err := backoff.RetryNotify(
		func() error {
			return s.grpcServer.Serve(s.listener)
		},
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 0),
		func(err error, next time.Duration) {
			s.logger.Errorw("gRPC health server exit",
				append(s.logKV(), replicaErrKeyword, err, "retryIn", next.String())...)
		})
	if err != nil && err != grpc.ErrServerStopped {
		s.logger.Errorw("gRPC health server shut down unexpectedly", append(s.logKV(), replicaErrKeyword, err)...)
	} else {
		s.logger.Debugw("gRPC health server shut down gracefully", s.logKV()...)
	}
}

// grpcProber checks liveness through grpc.health.v1 on the advertised health address.
type grpcProber struct {
	timeout time.Duration
	logger  *zap.SugaredLogger
}

func (p *grpcProber) Probe(ctx context.Context, target Replica) error {

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	unaryInterceptorChain := []grpc.UnaryClientInterceptor{
		grpc_zap.UnaryClientInterceptor(
			p.logger.Named("GRPC_C").Desugar(),
			grpc_zap.WithLevels(func(code codes.Code) zapcore.Level { return zapcore.DebugLevel })),
	}

	conn, err := grpc.DialContext(ctx, target.HealthAddr,
		grpc.WithInsecure(),
		grpc.WithBlock(),
		grpc.WithUnaryInterceptor(grpc_middleware.ChainUnaryClient(unaryInterceptorChain...)))
	if err != nil {
		return replicaErrorf(ReplicaErrorConnectionFailed, "dialing health endpoint %s [%v]", target.HealthAddr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return replicaErrorf(ReplicaErrorPeerUnavailable, "health check %s [%v]", target.HealthAddr, err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		return replicaErrorf(ReplicaErrorPeerUnavailable, "health check %s reports %s", target.HealthAddr, resp.Status)
	}
	return nil
}
