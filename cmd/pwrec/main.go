package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pwrec/internal/config"
	"pwrec/internal/handlers"
	"pwrec/internal/manager"
	"pwrec/internal/metrics"
	"pwrec/internal/middleware"
	"pwrec/internal/utils"
	"pwrec/internal/version"
)

type App struct {
	config      *config.Config
	log         *utils.Logger
	manager     *manager.Manager
	authService *middleware.AuthService
	wsHub       *middleware.Hub
	rateLimiter *middleware.RateLimiter
	registry    *prometheus.Registry
}

var app *App

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file (defaults to $PWREC_CONFIG)")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err = newApp(ctx, cfg)
	if err != nil {
		log.Fatalf("initialise: %v", err)
	}
	defer app.log.Close()
	logger := app.log.Named("http")

	if err := app.manager.Start(); err != nil {
		logger.Fatal("manager failed to start", zap.Error(err))
	}

	srv := &http.Server{
		Addr:           cfg.Server.Address,
		Handler:        setupRouter(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		var err error
		if cfg.Server.TLSEnabled {
			logger.Info("starting HTTPS server", zap.String("addr", srv.Addr), zap.String("version", version.String()))
			err = srv.ListenAndServeTLS(cfg.Server.TLSCertPath, cfg.Server.TLSKeyPath)
		} else {
			logger.Info("starting server", zap.String("addr", srv.Addr), zap.String("version", version.String()))
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	// recorders keep running across restarts and are re-attached on the next start
	app.manager.Shutdown(false)
	app.rateLimiter.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	logger.Info("server exited")
}

// newApp wires the services for cfg. The websocket hub runs until ctx ends.
func newApp(ctx context.Context, cfg *config.Config) (*App, error) {
	paths := utils.NewPaths(cfg.Paths.Root)
	logger := utils.NewLoggerWithOptions(paths.LogFile(), utils.LogOptions{
		Level: cfg.Logging.Level,
		JSON:  cfg.Logging.JSON,
	})

	hub := middleware.NewHub(logger.Named("ws"), cfg.Server.AllowedOrigins)
	go hub.Run(ctx)

	mgr, err := manager.New(cfg, logger, hub)
	if err != nil {
		logger.Close()
		return nil, err
	}

	a := &App{
		config:      cfg,
		log:         logger,
		manager:     mgr,
		wsHub:       hub,
		rateLimiter: middleware.NewRateLimiter(rate.Limit(cfg.Server.RateLimit), cfg.Server.RateBurst),
	}
	if cfg.Auth.Enabled {
		a.authService = middleware.NewAuthService(cfg.Auth)
	}
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		if err := metrics.Register(a.registry); err != nil {
			logger.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return a, nil
}

func setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	if app.config.Server.VerboseHTTP {
		r.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC1123),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		}))
	}

	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(app.config.Server.AllowedOrigins))
	r.Use(app.rateLimiter.Middleware())

	managerHandlers := handlers.NewManagerHandlers(app.manager)

	r.GET("/healthz", handlers.Healthz)
	r.GET("/version", handlers.Version)
	r.GET("/readyz", managerHandlers.Readyz)
	if app.registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	if app.authService != nil {
		authHandlers := handlers.NewAuthHandlers(app.authService, app.log.Zap())
		api.POST("/login", authHandlers.APILogin)
		api.POST("/logout", authHandlers.APILogout)

		protected := api.Group("")
		protected.Use(app.authService.RequireAPIAuth())
		managerHandlers.RegisterAPI(protected)

		ws := r.Group("/ws")
		ws.Use(app.authService.RequireAPIAuth())
		ws.GET("", app.wsHub.HandleWebSocket())
	} else {
		managerHandlers.RegisterAPI(api)
		r.GET("/ws", app.wsHub.HandleWebSocket())
	}

	return r
}
