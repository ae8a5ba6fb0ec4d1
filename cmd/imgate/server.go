package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/imgate/internal/auth"
	"github.com/MarcoPoloResearchLab/imgate/internal/cluster"
	"github.com/MarcoPoloResearchLab/imgate/internal/config"
	"github.com/MarcoPoloResearchLab/imgate/internal/database"
	"github.com/MarcoPoloResearchLab/imgate/internal/delivery"
	"github.com/MarcoPoloResearchLab/imgate/internal/directory"
	"github.com/MarcoPoloResearchLab/imgate/internal/fanout"
	"github.com/MarcoPoloResearchLab/imgate/internal/logging"
	"github.com/MarcoPoloResearchLab/imgate/internal/messages"
	"github.com/MarcoPoloResearchLab/imgate/internal/metrics"
	"github.com/MarcoPoloResearchLab/imgate/internal/offline"
	"github.com/MarcoPoloResearchLab/imgate/internal/presence"
	"github.com/MarcoPoloResearchLab/imgate/internal/relay"
	"github.com/MarcoPoloResearchLab/imgate/internal/router"
	"github.com/MarcoPoloResearchLab/imgate/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	etcdDialTimeout     = 5 * time.Second
	shutdownGrace       = 10 * time.Second
	leaseHeartbeatRatio = 3
)

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(logging.Options{
		Level:    appConfig.LogLevel,
		Encoding: appConfig.LogEncoding,
		NodeID:   appConfig.NodeID,
	})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	gatewayMetrics := metrics.New(promRegistry)

	store, err := directory.NewStore(directory.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	if released, err := store.ReleaseNode(ctx, appConfig.NodeID); err != nil {
		logger.Warn("stale presence cleanup failed", zap.Error(err))
	} else if released > 0 {
		logger.Info("stale presence cleared", zap.Int64("users", released))
	}

	queue, err := offline.NewQueue(offline.QueueConfig{
		Database: db,
		TTL:      appConfig.OfflineTTL,
		Logger:   logger,
		Metrics:  gatewayMetrics,
	})
	if err != nil {
		return err
	}

	publisher := presence.NewPublisher(presence.PublisherConfig{
		Directory: store,
		NodeID:    appConfig.NodeID,
		Logger:    logger,
		Metrics:   gatewayMetrics,
	})
	registry := presence.NewRegistry(presence.RegistryConfig{
		NodeID:  appConfig.NodeID,
		Sink:    publisher,
		Logger:  logger,
		Metrics: gatewayMetrics,
	})

	clusterDirectory, closeDirectory, err := openClusterDirectory(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDirectory()

	membership, err := cluster.NewMembership(cluster.MembershipConfig{
		Directory:         clusterDirectory,
		NodeID:            appConfig.NodeID,
		Address:           appConfig.HTTPAddress,
		Load:              registry.Count,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		RegisterAttempts:  appConfig.RegisterAttempts,
		Logger:            logger,
		Metrics:           gatewayMetrics,
	})
	if err != nil {
		return err
	}

	nodeRelay, closeRelay, err := openRelay(appConfig, logger, gatewayMetrics)
	if err != nil {
		return err
	}
	defer closeRelay()

	groups := directory.NewCachedGroupDirectory(store, appConfig.GroupCacheTTL, nil)
	history := directory.NewAsyncMessageStore(store, appConfig.HistoryBuffer, logger)

	replayer := router.NewReplayer(router.ReplayerConfig{Registry: registry, Offline: queue, Logger: logger})
	dispatcher := delivery.NewDispatcher(delivery.Config{
		NodeID:    appConfig.NodeID,
		Local:     registry,
		Locator:   store,
		Relay:     nodeRelay,
		Queue:     queue,
		Redeliver: replayer,
		Logger:    logger,
		Metrics:   gatewayMetrics,
	})
	engine := fanout.NewEngine(fanout.Config{
		Groups:     groups,
		Dispatcher: dispatcher,
		Queue:      queue,
		MaxMembers: appConfig.FanoutMaxMembers,
		Workers:    appConfig.FanoutWorkers,
		Logger:     logger,
		Metrics:    gatewayMetrics,
	})

	var authenticator router.Authenticator
	if appConfig.AuthSigningSecret != "" {
		validator, err := auth.NewTokenValidator(auth.ValidatorConfig{
			SigningSecret: []byte(appConfig.AuthSigningSecret),
			Issuer:        appConfig.AuthIssuer,
		})
		if err != nil {
			return err
		}
		authenticator = validator
	} else {
		logger.Warn("auth.signing_secret not set, auth frames are accepted without token validation")
	}

	connRouter := router.New(router.Config{
		Registry:      registry,
		Dispatcher:    dispatcher,
		Fanout:        engine,
		Offline:       queue,
		Replayer:      replayer,
		Presence:      publisher,
		Blacklist:     store,
		Store:         history,
		Authenticator: authenticator,
		IDs:           messages.NewUUIDProvider(),
		Logger:        logger,
		Metrics:       gatewayMetrics,
	})

	if err := membership.Register(ctx); err != nil {
		return err
	}
	if err := nodeRelay.Listen(dispatcher.HandleRemote); err != nil {
		_ = membership.Deregister(context.WithoutCancel(ctx))
		return err
	}

	backgroundCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBackground()
	var background errgroup.Group
	background.Go(func() error { publisher.Run(backgroundCtx); return nil })
	background.Go(func() error { history.Run(backgroundCtx); return nil })
	background.Go(func() error { membership.Run(backgroundCtx); return nil })
	background.Go(func() error { queue.RunReaper(backgroundCtx, appConfig.OfflineReapEvery); return nil })
	background.Go(func() error { engine.RunReconciler(backgroundCtx, appConfig.ReconcileInterval); return nil })

	connCtx, closeConnections := context.WithCancel(context.WithoutCancel(ctx))
	defer closeConnections()
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Context:       connCtx,
		Router:        connRouter,
		Sessions:      registry,
		Cluster:       membership,
		Directory:     store,
		GroupCache:    groups,
		Gatherer:      promRegistry,
		WebSocketPath: appConfig.WebSocketPath,
		Transport: server.TransportConfig{
			ReadIdle:      appConfig.ReadIdle,
			WriteIdle:     appConfig.WriteIdle,
			WriteTimeout:  appConfig.WriteTimeout,
			MaxFrameBytes: appConfig.MaxFrameBytes,
		},
		AdminToken: appConfig.AdminToken,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("websocket_path", appConfig.WebSocketPath),
			zap.String("directory_backend", appConfig.DirectoryBackend))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	closeConnections()
	registry.CloseAll()
	if err := nodeRelay.Close(); err != nil {
		logger.Warn("relay close failed", zap.Error(err))
	}
	_ = membership.Deregister(shutdownCtx)
	stopBackground()
	_ = background.Wait()
	logger.Info("server stopped")
	return serveErr
}

// openClusterDirectory builds the configured membership backend and its closer.
func openClusterDirectory(appConfig config.AppConfig, logger *zap.Logger) (cluster.Directory, func(), error) {
	switch appConfig.DirectoryBackend {
	case config.DirectoryBackendEtcd:
		client, err := cluster.DialEtcd(appConfig.EtcdEndpoints, etcdDialTimeout)
		if err != nil {
			return nil, nil, err
		}
		etcdDirectory := cluster.NewEtcdDirectory(cluster.EtcdConfig{
			Client:   client,
			Prefix:   appConfig.EtcdPrefix,
			LeaseTTL: leaseHeartbeatRatio * appConfig.HeartbeatInterval,
			Logger:   logger,
		})
		return etcdDirectory, func() { _ = client.Close() }, nil
	case config.DirectoryBackendMemberlist:
		gossip, err := cluster.NewMemberlistDirectory(cluster.MemberlistConfig{
			NodeID:      appConfig.NodeID,
			BindAddress: appConfig.MemberlistBind,
			Seeds:       appConfig.MemberlistSeeds,
			Logger:      logger,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("memberlist started", zap.String("gossip_address", gossip.LocalAddress()))
		return gossip, func() {}, nil
	default:
		logger.Warn("static cluster directory in use, this node only sees itself")
		return cluster.NewMemoryDirectory(), func() {}, nil
	}
}

// openRelay connects the inter-node relay. Without a NATS URL or embedded
// server the node runs standalone and every hop falls back to the queue.
func openRelay(appConfig config.AppConfig, logger *zap.Logger, gatewayMetrics *metrics.Metrics) (relay.Relay, func(), error) {
	closers := []func(){}
	closeAll := func() {
		for index := len(closers) - 1; index >= 0; index-- {
			closers[index]()
		}
	}

	natsURL := appConfig.NATSURL
	if appConfig.RelayEmbedListen != "" {
		embedded, err := relay.StartEmbedded(appConfig.RelayEmbedListen, sanitizeNodeName(appConfig.NodeID), logger)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, embedded.Shutdown)
		if natsURL == "" {
			natsURL = embedded.ClientURL()
		}
	}

	if natsURL == "" {
		logger.Warn("no relay configured, cross-node deliveries fall back to the offline queue")
		return relay.NewLocalNetwork().Relay(appConfig.NodeID, appConfig.RelayTimeout), closeAll, nil
	}

	conn, err := relay.Connect(natsURL, appConfig.NodeID, logger)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	closers = append(closers, conn.Close)
	natsRelay := relay.NewNATSRelay(relay.NATSConfig{
		Conn:          conn,
		NodeID:        appConfig.NodeID,
		SubjectPrefix: appConfig.RelaySubjectPrefix,
		Timeout:       appConfig.RelayTimeout,
		Logger:        logger,
		Metrics:       gatewayMetrics,
	})
	return natsRelay, closeAll, nil
}

// sanitizeNodeName turns a host:port node id into a NATS server name.
func sanitizeNodeName(nodeID string) string {
	host, port, err := net.SplitHostPort(nodeID)
	if err != nil {
		return nodeID
	}
	return host + "-" + port
}
