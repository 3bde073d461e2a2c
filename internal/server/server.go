package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/storacha/rtracker/internal/metrics"
	"github.com/storacha/rtracker/internal/service"
	"github.com/storacha/rtracker/web"
)

var log = logging.Logger("server")

type config struct {
	metricsEndpointToken string
	adminUser            string
	adminPassword        string
}

type Option func(*config)

func WithMetricsEndpoint(authToken string) Option {
	return func(c *config) {
		c.metricsEndpointToken = authToken
	}
}

func WithAdminCreds(user, password string) Option {
	return func(c *config) {
		c.adminUser = user
		c.adminPassword = password
	}
}

type Server struct {
	cfg     *config
	svc     service.Service
	httpSrv *http.Server
}

func New(svc service.Service, opts ...Option) (*Server, error) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.metricsEndpointToken != "" {
		if err := metrics.Init(); err != nil {
			return nil, fmt.Errorf("initializing metrics: %w", err)
		}
	} else {
		log.Warnf("Metrics endpoint is disabled")
	}

	s := &Server{cfg: cfg, svc: svc}
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.getRootHandler())
	mux.HandleFunc("GET /rounds/current", s.getCurrentRoundHandler())
	mux.HandleFunc("GET /rounds/{id}", s.getRoundHandler())
	mux.HandleFunc("GET /rounds/contract/{address}/{index}", s.getContractRoundHandler())
	mux.HandleFunc("POST /rounds/{id}/measurements", s.postMeasurementsHandler())
	mux.HandleFunc("POST /subnet-groups", s.postSubnetGroupHandler())
	mux.HandleFunc("POST /deals", s.postDealHandler())

	if s.cfg.adminUser != "" {
		mux.HandleFunc("GET /admin", web.BasicAuthMiddleware(web.AdminHandler(s.svc), s.cfg.adminUser, s.cfg.adminPassword))
	} else {
		log.Warnf("Admin dashboard is disabled")
	}

	if s.cfg.metricsEndpointToken != "" {
		mux.Handle("GET /metrics", s.getMetricsHandler())
	}

	return mux
}

func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	log.Infof("Listening on %s", addr)
	err = s.httpSrv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
