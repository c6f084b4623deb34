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

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arohanajit/nodeclient/internal/config"
	"github.com/arohanajit/nodeclient/internal/discovery"
	"github.com/arohanajit/nodeclient/internal/storage"
	"github.com/arohanajit/nodeclient/internal/transport"
)

const shutdownTimeout = 10 * time.Second

var (
	listenAddr    string
	advertiseAddr string
	nodeID        string
	nodeName      string
	clusterName   string
	nodeVersion   string
	etcdEndpoints []string
	etcdPrefix    string
	leaseTTL      int64
	logLevel      string
)

// rootCmd runs a key-value node the client can connect to
var rootCmd = &cobra.Command{
	Use:          "node",
	Short:        "In-memory key-value node served over the node HTTP protocol",
	Version:      "0.1.0",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	defaults := config.DefaultConfig()

	rootCmd.Flags().StringVar(&listenAddr, "listen", "0.0.0.0:9300", "listen address")
	rootCmd.Flags().StringVar(&advertiseAddr, "advertise", "", "address registered in etcd (defaults to --listen)")
	rootCmd.Flags().StringVar(&nodeID, "node-id", "", "node id (random if empty)")
	rootCmd.Flags().StringVar(&nodeName, "name", "", "human readable node name")
	rootCmd.Flags().StringVar(&clusterName, "cluster", defaults.ClusterName, "cluster name reported to clients")
	rootCmd.Flags().StringVar(&nodeVersion, "node-version", "1.0.0", "version reported to clients")
	rootCmd.Flags().StringSliceVar(&etcdEndpoints, "etcd-endpoints", nil, "etcd endpoints to register with")
	rootCmd.Flags().StringVar(&etcdPrefix, "etcd-prefix", defaults.EtcdPrefix, "etcd key prefix for registrations")
	rootCmd.Flags().Int64Var(&leaseTTL, "lease-ttl", 30, "registration lease TTL in seconds")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := config.InitLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer config.Sync()

	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	if nodeName == "" {
		nodeName = nodeID
	}
	if advertiseAddr == "" {
		advertiseAddr = listenAddr
	}
	advertise, err := transport.ParseAddress(advertiseAddr)
	if err != nil {
		return fmt.Errorf("invalid advertise address: %w", err)
	}

	identity := transport.Identity{
		NodeID:      nodeID,
		Name:        nodeName,
		ClusterName: clusterName,
		Version:     nodeVersion,
	}
	store := storage.NewStore()
	server := &http.Server{
		Addr:        listenAddr,
		Handler:     transport.NewServer(identity, storage.Actions(store), logger).Router(),
		ReadTimeout: 15 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	logger.Info("Node started",
		zap.String("node_id", nodeID),
		zap.String("cluster", clusterName),
		zap.String("address", listenAddr))

	var (
		etcdClient *clientv3.Client
		registrar  *discovery.Registrar
	)
	if len(etcdEndpoints) > 0 {
		etcdClient, err = clientv3.New(clientv3.Config{
			Endpoints:   etcdEndpoints,
			DialTimeout: 5 * time.Second,
			Logger:      logger.Named("etcd"),
		})
		if err != nil {
			return multierr.Append(fmt.Errorf("failed to connect to etcd: %w", err), server.Close())
		}
		registrar, err = discovery.NewRegistrar(etcdClient, etcdPrefix, nodeID, advertise, leaseTTL, logger)
		if err == nil {
			err = registrar.Register(ctx)
		}
		if err != nil {
			return multierr.Combine(err, etcdClient.Close(), server.Close())
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case runErr = <-serveErr:
		logger.Error("Node server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Deregister first so clients stop selecting this node
	if registrar != nil {
		runErr = multierr.Append(runErr, registrar.Deregister(shutdownCtx))
	}
	if etcdClient != nil {
		runErr = multierr.Append(runErr, etcdClient.Close())
	}
	runErr = multierr.Append(runErr, server.Shutdown(shutdownCtx))

	logger.Info("Node stopped", zap.Int("keys", store.Len()))
	return runErr
}
