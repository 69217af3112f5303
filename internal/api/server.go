// Package api serves the flow cache over HTTP and reports health over gRPC.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"FlowGuard/internal/config"
	"FlowGuard/internal/eventloop"
	"FlowGuard/internal/flowcache"
	"FlowGuard/internal/query"
	"FlowGuard/internal/trigger"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported next to the
// server-wide status.
const ServiceName = "flowguard"

// BanLister lists active bans. It is called on the loop.
type BanLister interface {
	Bans() []trigger.Ban
}

// Server holds the HTTP and gRPC servers.
type Server struct {
	cfg     config.APIConfig
	loop    *eventloop.Loop
	cache   *flowcache.Cache
	bans    BanLister
	querier query.Querier
	router  *mux.Router

	httpServer *http.Server
	httpLis    net.Listener
	grpcServer *grpc.Server
	grpcLis    net.Listener
	health     *health.Server

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates the API. bans and querier may be nil.
func New(cfg config.APIConfig, loop *eventloop.Loop, cache *flowcache.Cache, bans BanLister, querier query.Querier) *Server {
	s := &Server{
		cfg:     cfg,
		loop:    loop,
		cache:   cache,
		bans:    bans,
		querier: querier,
		health:  health.NewServer(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthzHandler).Methods("GET")
	r.HandleFunc("/destinations", s.destinationsHandler).Methods("GET")
	r.HandleFunc("/destinations/{addr}", s.destinationHandler).Methods("GET")
	r.HandleFunc("/destinations/{addr}", s.clearDestinationHandler).Methods("DELETE")
	r.HandleFunc("/destinations/{addr}/flows", s.injectFlowHandler).Methods("POST")
	r.HandleFunc("/destinations/{addr}/sources/{src}/flows", s.flowsHandler).Methods("GET")
	r.HandleFunc("/destinations/{addr}/sources/{src}/flows/{sport:[0-9]+}/{dport:[0-9]+}", s.flowHandler).Methods("GET")
	r.HandleFunc("/bans", s.bansHandler).Methods("GET")
	r.HandleFunc("/history/{addr}", s.historyHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

// Handler returns the HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds both listeners and serves in the background. The gRPC server
// is skipped when no gRPC address is configured.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.HttpListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.HttpListenAddr, err)
	}
	s.httpLis = lis
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.cfg.GrpcListenAddr != "" {
		glis, err := net.Listen("tcp", s.cfg.GrpcListenAddr)
		if err != nil {
			lis.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.GrpcListenAddr, err)
		}
		s.grpcLis = glis
		s.grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(s.grpcServer, s.health)
		s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			log.Printf("gRPC health server starting on %s", glis.Addr())
			if err := s.grpcServer.Serve(glis); err != nil {
				log.Errorf("gRPC server failed: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Printf("HTTP API server starting on %s", lis.Addr())
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("HTTP server failed: %v", err)
		}
	}()
	return nil
}

// HTTPAddr returns the bound HTTP address once started.
func (s *Server) HTTPAddr() net.Addr {
	if s.httpLis == nil {
		return nil
	}
	return s.httpLis.Addr()
}

// GRPCAddr returns the bound gRPC address once started.
func (s *Server) GRPCAddr() net.Addr {
	if s.grpcLis == nil {
		return nil
	}
	return s.grpcLis.Addr()
}

// Stop reports NOT_SERVING, then shuts both servers down.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.health.Shutdown()
		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.httpServer.Shutdown(ctx); err != nil {
				log.Warnf("HTTP server forced to shutdown: %v", err)
			}
		}
		if s.grpcServer != nil {
			s.grpcServer.GracefulStop()
		}
		s.wg.Wait()
		log.Println("API servers stopped.")
	})
}
