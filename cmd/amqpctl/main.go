// Command amqpctl sends and receives messages over AMQP 1.0.
//
//	amqpctl send [flags] <address> <body>...
//	amqpctl receive [flags] <address>
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/israelio/amqp10-go-client/amqp"
	"github.com/israelio/amqp10-go-client/internal/config"
	"github.com/israelio/amqp10-go-client/internal/observability"
)

type globalFlags struct {
	configPath  string
	uri         string
	logLevel    string
	metricsAddr string
}

func (g *globalFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&g.configPath, "config", "", "path to a YAML config file")
	fs.StringVar(&g.uri, "uri", "", "endpoint URI, overrides connection.uri")
	fs.StringVar(&g.logLevel, "log-level", "", "log level, overrides log.level")
	fs.StringVar(&g.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
}

// env is what every subcommand runs with
type env struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics amqp.MetricsCollector
}

func (e *env) connect(ctx context.Context, extra ...amqp.Option) (*amqp.Connection, *amqp.Session, error) {
	opts := append(e.cfg.Connection.Options(),
		amqp.WithLogger(e.logger),
		amqp.WithMetrics(e.metrics),
	)
	conn, err := amqp.NewConnection(e.cfg.Connection.URI, append(opts, extra...)...)
	if err != nil {
		return nil, nil, err
	}
	if err := conn.Open(ctx, amqp.WaitFor(e.cfg.Connection.DialTimeout)); err != nil {
		return nil, nil, fmt.Errorf("open: %w", err)
	}
	sess, err := conn.CreateSession(ctx, e.cfg.Session.Options()...)
	if err != nil {
		conn.Close(ctx, nil, amqp.NoWait)
		return nil, nil, err
	}
	if err := sess.WaitMapped(ctx, amqp.WaitFor(e.cfg.Connection.DialTimeout)); err != nil {
		conn.Close(ctx, nil, amqp.NoWait)
		return nil, nil, fmt.Errorf("begin session: %w", err)
	}
	return conn, sess, nil
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var run func(ctx context.Context, e *env, args []string) error
	fs := pflag.NewFlagSet(os.Args[1], pflag.ExitOnError)
	switch os.Args[1] {
	case "send":
		cmd := &sendCommand{}
		cmd.register(fs)
		run = cmd.run
	case "receive":
		cmd := &receiveCommand{}
		cmd.register(fs)
		run = cmd.run
	default:
		usage()
		os.Exit(2)
	}
	var g globalFlags
	g.register(fs)
	_ = fs.Parse(os.Args[2:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, shutdown, err := setup(&g)
	if err != nil {
		fmt.Fprintln(os.Stderr, "amqpctl:", err)
		os.Exit(1)
	}
	err = run(ctx, e, fs.Args())
	shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "amqpctl:", err)
		os.Exit(1)
	}
}

func setup(g *globalFlags) (*env, func(), error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.uri != "" {
		cfg.Connection.URI = g.uri
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	e := &env{cfg: cfg, logger: logger, metrics: amqp.NewNoOpMetricsCollector()}
	shutdown := func() { _ = logger.Sync() }
	if g.metricsAddr == "" {
		return e, shutdown, nil
	}

	reg := prometheus.NewRegistry()
	m, err := amqp.NewPrometheusMetricsCollector(reg)
	if err != nil {
		return nil, nil, err
	}
	e.metrics = m

	srv := &http.Server{
		Addr:              g.metricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", g.metricsAddr))

	return e, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = logger.Sync()
	}, nil
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  amqpctl send [flags] <address> <body>...
  amqpctl receive [flags] <address>

Run a subcommand with --help for its flags.`)
}
