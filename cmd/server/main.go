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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arohanajit/nodeclient/internal/api/rest"
	"github.com/arohanajit/nodeclient/internal/client"
	"github.com/arohanajit/nodeclient/internal/config"
	"github.com/arohanajit/nodeclient/internal/discovery"
	"github.com/arohanajit/nodeclient/internal/metrics"
	"github.com/arohanajit/nodeclient/internal/transport"
)

const (
	etcdDialTimeout = 5 * time.Second
	shutdownTimeout = 30 * time.Second // Default timeout for graceful shutdown
)

var (
	configPath string
	listenAddr string
	addresses  []string
	logLevel   string
)

// rootCmd runs the client with its admin API
var rootCmd = &cobra.Command{
	Use:   "nodeclient",
	Short: "Round-robin client for a cluster of nodes",
	Long: "nodeclient keeps connections to a set of node addresses, drops unreachable or\n" +
		"incompatible nodes, and spreads requests over the rest. It exposes an admin API\n" +
		"for managing addresses, inspecting nodes and sending requests.",
	Version:      "0.1.0",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file (environment variables override it)")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "admin API listen address")
	rootCmd.Flags().StringSliceVar(&addresses, "addresses", nil, "node addresses (host:port), replaces configured ones")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.ClientConfig, error) {
	var (
		cfg config.ClientConfig
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadConfigFile(configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return cfg, err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if len(addresses) > 0 {
		cfg.Addresses = addresses
	}
	return cfg, cfg.Validate()
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := config.InitLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer config.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	clientMetrics := metrics.NewClientMetrics(reg)

	dialer := transport.NewHTTPDialer(&http.Client{Timeout: cfg.RequestTimeout})
	c, err := client.New(cfg, dialer, nil,
		client.WithLogger(logger),
		client.WithMetrics(clientMetrics),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Address discovery through etcd
	var (
		etcdClient *clientv3.Client
		source     *discovery.EtcdSource
	)
	if len(cfg.EtcdEndpoints) > 0 {
		etcdClient, err = clientv3.New(clientv3.Config{
			Endpoints:   cfg.EtcdEndpoints,
			DialTimeout: etcdDialTimeout,
			Logger:      logger.Named("etcd"),
		})
		if err != nil {
			return multierr.Append(fmt.Errorf("failed to connect to etcd: %w", err), c.Close())
		}
		source = discovery.NewEtcdSource(etcdClient, etcdClient, cfg.EtcdPrefix, c, logger)
		if err := source.Start(ctx); err != nil {
			return multierr.Combine(err, etcdClient.Close(), c.Close())
		}
		logger.Info("Address discovery started",
			zap.String("prefix", cfg.EtcdPrefix),
			zap.Int("registrations", len(source.Addresses())))
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      rest.NewRouter(c, clientMetrics, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	logger.Info("Admin API started", zap.String("address", cfg.ListenAddr))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case runErr = <-serveErr:
		logger.Error("Admin API failed", zap.Error(runErr))
	}

	return multierr.Append(runErr, shutdown(logger, server, source, etcdClient, c))
}

// shutdown stops the admin API, then discovery, then the client
func shutdown(logger *zap.Logger, server *http.Server, source *discovery.EtcdSource, etcdClient *clientv3.Client, c *client.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs error

	// Step 1: Stop accepting new requests
	logger.Info("Stopping admin API")
	if err := server.Shutdown(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("admin API shutdown: %w", err))
	}

	// Step 2: Stop following etcd
	if source != nil {
		logger.Info("Stopping address discovery")
		source.Close()
	}
	if etcdClient != nil {
		errs = multierr.Append(errs, etcdClient.Close())
	}

	// Step 3: Close node connections
	errs = multierr.Append(errs, c.Close())

	if errs != nil {
		logger.Error("Shutdown completed with errors", zap.Error(errs))
	} else {
		logger.Info("Shutdown completed")
	}
	return errs
}
