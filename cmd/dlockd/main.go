// Command dlockd serves the lock monitor API, Prometheus metrics and a
// sample order service guarded by distributed locks.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/infigaming-com/go-dlock/config"
	"github.com/infigaming-com/go-dlock/k8s"
	"github.com/infigaming-com/go-dlock/lock"
	"github.com/infigaming-com/go-dlock/lock/driver/database"
	"github.com/infigaming-com/go-dlock/locker"
	"github.com/infigaming-com/go-dlock/observability/metrics"
	"github.com/infigaming-com/go-dlock/util"
	"github.com/infigaming-com/go-dlock/web"
	"github.com/infigaming-com/go-dlock/web/middleware"
)

type CLI struct {
	config.Config `embed:""`

	Port             int64  `env:"PORT" default:"8080" help:"HTTP port."`
	GinMode          string `name:"gin-mode" env:"GIN_MODE" default:"release" enum:"debug,release,test" help:"Gin mode."`
	HTTPDebug        bool   `name:"http-debug" env:"HTTP_DEBUG" help:"Log request and response bodies."`
	OTLPEndpoint     string `name:"otlp-endpoint" env:"OTLP_ENDPOINT" help:"OTLP HTTP endpoint. Empty disables OTLP export."`
	OTLPGRPCEndpoint string `name:"otlp-grpc-endpoint" env:"OTLP_GRPC_ENDPOINT" help:"OTLP gRPC endpoint, preferred over HTTP when set."`
	Environment      string `env:"ENVIRONMENT" default:"development" help:"Deployment environment reported with metrics."`
}

func loadEnv() {
	envPath := os.Getenv("DLOCK_ENV_FILE")
	if envPath == "" {
		envPath = ".env"
	}
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Printf("Warning: Error loading .env file from %s: %v\n", envPath, err)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loadEnv()

	var cli CLI
	parser := kong.Must(&cli,
		kong.Name("dlockd"),
		kong.Description("Distributed lock daemon."),
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.UsageOnError())

	app, parseErr := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(parseErr)

	appErr := cli.Run(ctx)
	app.FatalIfErrorf(appErr)
}

func (cli *CLI) Run(ctx context.Context) error {
	lg, cleanup := util.NewLogger("dlockd")
	defer cleanup()

	if err := cli.Validate(); err != nil {
		return err
	}
	lg = lg.With(zap.String("instance", k8s.PodIdentity()), zap.String("driver", string(cli.Driver)))

	provider, closeProvider, err := openProvider(ctx, lg, cli.Config)
	if err != nil {
		return fmt.Errorf("open %s provider: %w", cli.Driver, err)
	}
	defer closeProvider()

	stats := lock.NewStats()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promHook, err := metrics.NewPrometheusLockMetrics(reg)
	if err != nil {
		return err
	}
	hooks := []lock.MetricsHook{stats, promHook}

	if cli.OTLPEndpoint != "" || cli.OTLPGRPCEndpoint != "" {
		exporter, shutdown, err := metrics.NewMetricExporter(
			metrics.WithServiceName("dlockd"),
			metrics.WithEnvironment(cli.Environment),
			metrics.WithOTLPEndpoint(cli.OTLPEndpoint),
			metrics.WithOTLPGRPCEndpoint(cli.OTLPGRPCEndpoint),
		)
		if err != nil {
			return err
		}
		defer shutdown()
		otelHook, err := metrics.NewLockMetrics(exporter.Meter())
		if err != nil {
			return err
		}
		hooks = append(hooks, otelHook)
	}

	c := lock.NewCoordinator(provider, lock.WithLogger(lg), lock.WithMetrics(lock.MultiMetrics(hooks...)))
	guard := lock.NewGuard(c, lock.WithGuardLogger(lg), lock.WithDefaults(cli.Policy()))

	server := web.NewServer(lg,
		web.WithMode(cli.GinMode),
		web.WithPort(cli.Port),
		web.WithCustomHandler(middleware.CorrelationIdMiddleware()),
		web.WithCustomHandler(middleware.LoggingMiddleware(
			middleware.WithLogger(lg),
			middleware.WithDebugEnabled(cli.HTTPDebug),
			middleware.WithExcludePaths([]string{"/metrics", "/healthcheck"}),
		)),
	)
	engine := server.Engine()
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	web.NewMonitor(lg, c, stats).Register(engine)
	newOrderService(lg, guard, locker.New(lg, c), cli.Prefix).Register(engine)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return server.Run(egCtx)
	})
	if dbp, ok := provider.(*database.Provider); ok && cli.Database.PurgeEvery > 0 {
		eg.Go(func() error {
			purgeExpired(egCtx, lg, dbp, cli.Database.PurgeEvery)
			return nil
		})
	}
	return eg.Wait()
}

func purgeExpired(ctx context.Context, lg *zap.Logger, p *database.Provider, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PurgeExpired(ctx)
			if err != nil {
				lg.Error("failed to purge expired locks", zap.Error(err))
				continue
			}
			if n > 0 {
				lg.Info("purged expired locks", zap.Int64("rows", n))
			}
		}
	}
}
