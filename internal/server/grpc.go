package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"CoverLedger/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

const maxCommandBytes = 1 << 20

type Options struct {
	GRPCAddr         string
	HTTPAddr         string
	RateLimit        float64
	RateBurst        int
	EnableReflection bool
}

// GRPCServer serves the API over gRPC and as HTTP/JSON through a
// gateway mux. Both paths call the same Service.
type GRPCServer struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	handler    http.Handler
	opts       Options
	health     *observability.HealthChecker
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

func NewGRPCServer(opts Options, svc CoverLedgerServer, hc *observability.HealthChecker, metrics *observability.Metrics) (*GRPCServer, error) {
	s := &GRPCServer{
		opts:    opts,
		health:  hc,
		metrics: metrics,
		logger:  observability.NewLogger("server"),
	}
	limiter := NewRateLimiter(opts.RateLimit, opts.RateBurst)

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(
		limiter.UnaryInterceptor(),
		s.observeInterceptor(),
	))
	s.grpcServer.RegisterService(&ServiceDesc, svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, healthServer)
	servingStatus := func(ready bool) {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if ready {
			st = healthpb.HealthCheckResponse_SERVING
		}
		healthServer.SetServingStatus("", st)
		healthServer.SetServingStatus(ServiceName, st)
	}
	if hc != nil {
		servingStatus(hc.IsReady())
		hc.OnChange(servingStatus)
	} else {
		servingStatus(true)
	}

	if opts.EnableReflection {
		reflection.Register(s.grpcServer)
	}

	gateway, err := s.gateway(svc)
	if err != nil {
		return nil, err
	}
	httpMux := http.NewServeMux()
	if hc != nil {
		httpMux.HandleFunc("/healthz", hc.LivenessHandler)
		httpMux.HandleFunc("/readyz", hc.ReadinessHandler)
	}
	httpMux.Handle("/", limiter.Middleware(gateway))
	s.handler = httpMux
	return s, nil
}

// Handler is the HTTP surface: health probes plus the gateway routes.
func (s *GRPCServer) Handler() http.Handler {
	return s.handler
}

// StartGRPC serves gRPC until ctx is cancelled.
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.opts.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

func (s *GRPCServer) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves HTTP/JSON until ctx is cancelled.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.opts.HTTPAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.opts.HTTPAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *GRPCServer) observeInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		err = toStatus(err)
		s.observe(info.FullMethod, start, err)
		return resp, err
	}
}

func (s *GRPCServer) observe(method string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.QueryRequests.WithLabelValues(method).Inc()
		s.metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
	if err == nil {
		return
	}
	code := status.Code(err)
	if s.metrics != nil {
		s.metrics.QueryErrors.WithLabelValues(method, code.String()).Inc()
	}
	s.logger.Debug().Str("method", method).Str("code", code.String()).Err(err).Msg("request failed")
}

type routeFunc func(r *http.Request, params map[string]string) (any, error)

func (s *GRPCServer) gateway(svc CoverLedgerServer) (http.Handler, error) {
	mux := runtime.NewServeMux()
	routes := []struct {
		method, pattern, name string
		fn                    routeFunc
	}{
		{"POST", "/v1/commands/{type}", "Submit", func(r *http.Request, p map[string]string) (any, error) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes))
			if err != nil {
				return nil, fmt.Errorf("read body: %w", errBadRequest)
			}
			return svc.Submit(r.Context(), &SubmitRequest{Type: p["type"], Command: body})
		}},
		{"GET", "/v1/pools", "ListPools", func(r *http.Request, _ map[string]string) (any, error) {
			return svc.ListPools(r.Context(), &Empty{})
		}},
		{"GET", "/v1/pools/{pool_id}", "GetPool", func(r *http.Request, p map[string]string) (any, error) {
			id, at, err := idAndTime(r, p["pool_id"])
			if err != nil {
				return nil, err
			}
			return svc.GetPool(r.Context(), &PoolRequest{PoolID: id, At: at})
		}},
		{"GET", "/v1/pools/{pool_id}/overlaps", "GetOverlaps", func(r *http.Request, p map[string]string) (any, error) {
			id, err := parseID(p["pool_id"])
			if err != nil {
				return nil, err
			}
			return svc.GetOverlaps(r.Context(), &OverlapRequest{PoolID: id})
		}},
		{"GET", "/v1/pools/{pool_id}/claims", "ListClaims", func(r *http.Request, p map[string]string) (any, error) {
			id, err := parseID(p["pool_id"])
			if err != nil {
				return nil, err
			}
			limit, before, err := paging(r)
			if err != nil {
				return nil, err
			}
			return svc.ListClaims(r.Context(), &ClaimsRequest{PoolID: id, Limit: limit, Before: before})
		}},
		{"GET", "/v1/covers/{cover_id}", "GetCover", func(r *http.Request, p map[string]string) (any, error) {
			id, at, err := idAndTime(r, p["cover_id"])
			if err != nil {
				return nil, err
			}
			return svc.GetCover(r.Context(), &CoverRequest{CoverID: id, At: at})
		}},
		{"GET", "/v1/positions/{position_id}", "GetPosition", func(r *http.Request, p map[string]string) (any, error) {
			id, at, err := idAndTime(r, p["position_id"])
			if err != nil {
				return nil, err
			}
			return svc.GetPosition(r.Context(), &PositionRequest{PositionID: id, At: at})
		}},
		{"GET", "/v1/accounts/{owner}/positions", "ListPositions", func(r *http.Request, p map[string]string) (any, error) {
			return svc.ListPositions(r.Context(), &OwnerRequest{Owner: p["owner"]})
		}},
		{"GET", "/v1/accounts/{owner}/covers", "ListCovers", func(r *http.Request, p map[string]string) (any, error) {
			active := r.URL.Query().Get("active_only") == "true"
			return svc.ListCovers(r.Context(), &OwnerRequest{Owner: p["owner"], ActiveOnly: active})
		}},
		{"GET", "/v1/accounts/{owner}/balances", "ListBalances", func(r *http.Request, p map[string]string) (any, error) {
			return svc.ListBalances(r.Context(), &OwnerRequest{Owner: p["owner"]})
		}},
		{"GET", "/v1/accounts/{owner}/journals", "ListJournals", func(r *http.Request, p map[string]string) (any, error) {
			limit, before, err := paging(r)
			if err != nil {
				return nil, err
			}
			return svc.ListJournals(r.Context(), &OwnerRequest{Owner: p["owner"], Limit: limit, Before: before})
		}},
		{"GET", "/v1/admin/integrity", "VerifyIntegrity", func(r *http.Request, _ map[string]string) (any, error) {
			return svc.VerifyIntegrity(r.Context(), &Empty{})
		}},
		{"POST", "/v1/admin/snapshot", "TakeSnapshot", func(r *http.Request, _ map[string]string) (any, error) {
			return svc.TakeSnapshot(r.Context(), &Empty{})
		}},
		{"POST", "/v1/admin/rebuild", "RebuildProjections", func(r *http.Request, _ map[string]string) (any, error) {
			return svc.RebuildProjections(r.Context(), &Empty{})
		}},
	}

	for _, rt := range routes {
		fn, method := rt.fn, FullMethod(rt.name)
		err := mux.HandlePath(rt.method, rt.pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			start := time.Now()
			resp, err := fn(r, params)
			err = toStatus(err)
			s.observe(method, start, err)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		})
		if err != nil {
			return nil, fmt.Errorf("route %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{Code: st.Code().String(), Message: st.Message()})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("id %q: %w", s, errBadRequest)
	}
	return id, nil
}

func idAndTime(r *http.Request, raw string) (uint64, int64, error) {
	id, err := parseID(raw)
	if err != nil {
		return 0, 0, err
	}
	at, err := optionalInt(r, "at")
	return id, at, err
}

func paging(r *http.Request) (int, int64, error) {
	limit, err := optionalInt(r, "limit")
	if err != nil {
		return 0, 0, err
	}
	before, err := optionalInt(r, "before")
	return int(limit), before, err
}

func optionalInt(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s %q: %w", name, raw, errBadRequest)
	}
	return v, nil
}
