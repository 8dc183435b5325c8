package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mnehpets/onerpc/auth"
	"github.com/mnehpets/onerpc/endpoint"
	"github.com/mnehpets/onerpc/internal/config"
	"github.com/mnehpets/onerpc/jsonrpc"
	"github.com/mnehpets/onerpc/middleware"
	"github.com/mnehpets/onerpc/wsrpc"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var (
		addr     string
		ordering jsonrpc.Ordering
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the demo namespace over WebSocket and HTTP",
		Long: `Serve the demo namespace. Settings come from ONERPC_* variables and
dotenv files; flags override them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(envFiles(cmd)...)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Addr = addr
			}
			if flags.Changed("ordering") {
				cfg.Ordering = ordering
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := config.NewLogger(cfg.LogLevel, cfg.Development)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (ONERPC_ADDR)")
	cmd.Flags().Var(&ordering, "ordering", "unordered, slight or strict (ONERPC_ORDERING)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (ONERPC_LOG_LEVEL)")
	return cmd
}

// app is the wired server.
type app struct {
	handler http.Handler
	rpc     *wsrpc.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := jsonrpc.NewMetrics(reg)
	if err != nil {
		return nil, err
	}

	hub := wsrpc.NewHub(logger.Named("wsrpc.hub"))
	ns := jsonrpc.NewRegistry(jsonrpc.WithRegistryLogger(logger.Named("jsonrpc.registry"))).Namespace("demo")
	if err := registerDemo(ns, hub); err != nil {
		return nil, err
	}
	d := jsonrpc.NewDispatcher(ns,
		jsonrpc.WithLogger(logger.Named("jsonrpc.dispatcher")),
		jsonrpc.WithMetrics(metrics),
		jsonrpc.WithBatchConcurrency(cfg.BatchConcurrency))

	headers := middleware.NewHeadersProcessor(cfg.OriginPatterns...)
	processors, err := handshakeProcessors(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	connLogger := logger.Named("wsrpc.server")
	rpc := wsrpc.NewServer(d,
		wsrpc.WithHub(hub),
		wsrpc.WithOrdering(cfg.Ordering),
		wsrpc.WithMaxInFlight(cfg.MaxInFlight),
		wsrpc.WithReadLimit(cfg.ReadLimit),
		wsrpc.WithWriteTimeout(cfg.WriteTimeout),
		wsrpc.WithPingInterval(cfg.PingInterval),
		wsrpc.WithOriginPatterns(cfg.OriginPatterns...),
		wsrpc.WithHTTPPost(cfg.HTTPPost),
		wsrpc.WithProcessors(append([]endpoint.Processor{headers}, processors...)...),
		wsrpc.WithMetrics(metrics),
		wsrpc.WithLogger(connLogger),
		wsrpc.WithHooks(wsrpc.Hooks{
			OnConnect: func(ctx context.Context, id string) error {
				connLogger.Info("client connected", zap.String("conn", id), zap.String("subject", subjectOf(ctx)))
				return nil
			},
			OnDisconnect: func(_ context.Context, id string, err error) {
				connLogger.Info("client disconnected", zap.String("conn", id), zap.Error(err))
			},
		}),
	)

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, rpc)
	mux.Handle("GET "+cfg.Path+"/methods", endpoint.Handler(methodsEndpoint(ns), headers).WithLogger(logger))
	if cfg.MetricsPath != "" {
		mux.Handle("GET "+cfg.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return &app{handler: mux, rpc: rpc}, nil
}

// handshakeProcessors builds the session and auth processors run before the
// upgrade.
func handshakeProcessors(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]endpoint.Processor, error) {
	var processors []endpoint.Processor
	if cfg.SessionsEnabled() {
		keys, err := cfg.SessionKeyBytes()
		if err != nil {
			return nil, err
		}
		sealer, err := middleware.NewSealer(cfg.SessionKeyID, keys)
		if err != nil {
			return nil, err
		}
		codec, err := middleware.NewCookieCodec(middleware.DefaultSessionCookie, sealer,
			middleware.WithPath(cfg.Path),
			middleware.WithSecure(cfg.SessionSecure),
			middleware.WithSameSite(http.SameSiteLaxMode))
		if err != nil {
			return nil, err
		}
		processors = append(processors, middleware.NewSessionProcessor(codec,
			middleware.WithSessionLogger(logger.Named("middleware.session"))))
	}

	if !cfg.AuthEnabled() {
		return processors, nil
	}
	var verifiers []auth.Verifier
	if cfg.JWTSecret != "" {
		v, err := auth.NewHMACVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer)
		if err != nil {
			return nil, err
		}
		verifiers = append(verifiers, v)
	}
	if cfg.OIDCIssuer != "" {
		v, err := auth.NewOIDCVerifier(ctx, cfg.OIDCIssuer, cfg.OIDCClientID)
		if err != nil {
			return nil, err
		}
		verifiers = append(verifiers, v)
	}
	opts := []auth.ProcessorOption{auth.WithLogger(logger.Named("auth"))}
	if cfg.AuthOptional {
		opts = append(opts, auth.Optional())
	}
	return append(processors, auth.NewProcessor(verifiers, opts...)), nil
}

func subjectOf(ctx context.Context) string {
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		return p.ID()
	}
	return ""
}

type methodList struct {
	Namespace string   `json:"namespace"`
	Methods   []string `json:"methods"`
}

func methodsEndpoint(ns *jsonrpc.Namespace) endpoint.EndpointFunc[struct{}] {
	return func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (endpoint.Renderer, error) {
		return &endpoint.JSONRenderer{Value: methodList{Namespace: ns.Name(), Methods: ns.Methods()}}, nil
	}
}

// serve runs the server until ctx is done, then drains it.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Addr), zap.String("path", cfg.Path), zap.Stringer("ordering", cfg.Ordering))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked WebSocket connections are not tracked by Shutdown.
		err := errors.Join(srv.Shutdown(shutdownCtx), a.rpc.Close())
		logger.Info("stopped", zap.Error(err))
		return err
	})
	return g.Wait()
}
