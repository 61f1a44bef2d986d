package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rhkrohan/pigeon/internal/bus"
	"github.com/rhkrohan/pigeon/internal/config"
	"github.com/rhkrohan/pigeon/internal/gateway"
	"github.com/rhkrohan/pigeon/internal/identity"
	"github.com/rhkrohan/pigeon/internal/link"
	"github.com/rhkrohan/pigeon/internal/logging"
	"github.com/rhkrohan/pigeon/internal/mesh"
	"github.com/rhkrohan/pigeon/internal/server"
	"github.com/rhkrohan/pigeon/internal/storage"
	"github.com/rhkrohan/pigeon/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	kv, err := storage.Open(cfg.Storage.Path, storage.Options{Passphrase: cfg.Passphrase()})
	if err != nil {
		logger.Fatal("open storage", zap.String("path", cfg.Storage.Path), zap.Error(err))
	}

	ident, err := identity.Load(kv)
	if err != nil {
		logger.Fatal("load identity", zap.Error(err))
	}
	if cfg.DeviceName != "" && cfg.DeviceName != ident.DeviceName() {
		if err := ident.SetDeviceName(cfg.DeviceName); err != nil {
			logger.Warn("apply configured device name", zap.Error(err))
		}
	}
	logger.Info("node identity",
		zap.String("device_id", ident.DeviceID()),
		zap.String("device_name", ident.DeviceName()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventBus := bus.New(logger)
	defer eventBus.Close()

	st, err := store.New(store.Config{Log: logger, KV: kv})
	if err != nil {
		logger.Fatal("load message store", zap.Error(err))
	}
	topo := mesh.NewTopology(ident.DeviceID())

	staticPeers := make([]link.StaticPeer, 0, len(cfg.Link.StaticPeers))
	for _, sp := range cfg.Link.StaticPeers {
		staticPeers = append(staticPeers, link.StaticPeer{DeviceID: sp.DeviceID, Addr: sp.Addr})
	}
	lanLink, err := link.NewLANLink(link.LANConfig{
		Log:            logger,
		DeviceID:       ident.DeviceID(),
		ListenAddr:     cfg.Link.ListenAddr,
		BeaconPort:     cfg.Link.BeaconPort,
		BeaconInterval: cfg.Link.BeaconInterval,
		StaticPeers:    staticPeers,
	})
	if err != nil {
		logger.Fatal("init lan link", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	router, err := mesh.NewRouter(mesh.RouterConfig{
		Log:                 logger,
		Store:               st,
		Link:                lanLink,
		Topology:            topo,
		Bus:                 eventBus,
		Metrics:             mesh.NewMetrics(reg),
		DeviceID:            ident.DeviceID(),
		DeviceName:          ident.DeviceName(),
		AutoConnectInterval: cfg.Mesh.AutoConnectInterval,
		SweepInterval:       cfg.Mesh.SweepInterval,
	})
	if err != nil {
		logger.Fatal("init mesh router", zap.Error(err))
	}

	var uploader *gateway.Uploader
	if cfg.Gateway.Endpoint != "" {
		monitor := gateway.NewProbeMonitor(logger, cfg.Gateway.Endpoint, cfg.Gateway.ProbeInterval)
		uploader, err = gateway.NewUploader(gateway.UploaderConfig{
			Log:               logger,
			KV:                kv,
			Store:             st,
			Broadcaster:       router,
			Monitor:           monitor,
			Bus:               eventBus,
			Metrics:           gateway.NewMetrics(reg),
			DeviceID:          ident.DeviceID(),
			DeviceName:        ident.DeviceName(),
			Endpoint:          cfg.Gateway.Endpoint,
			SyncInterval:      cfg.Gateway.SyncInterval,
			BroadcastInterval: cfg.Gateway.BroadcastInterval,
		})
		if err != nil {
			logger.Fatal("init gateway uploader", zap.Error(err))
		}
		go func() {
			if err := monitor.Run(ctx); err != nil {
				logger.Warn("reachability monitor exited", zap.Error(err))
			}
		}()
		go func() {
			if err := uploader.Run(ctx); err != nil {
				logger.Warn("uploader exited", zap.Error(err))
			}
		}()
	} else {
		logger.Info("gateway role disabled: no collector endpoint configured")
	}

	go func() {
		if err := router.Run(ctx); err != nil {
			logger.Error("mesh router exited", zap.Error(err))
			stop()
		}
	}()

	adminSrv, err := server.New(server.Config{
		Log:                 logger,
		Address:             cfg.AdminAddress,
		Registry:            reg,
		Identity:            ident,
		Store:               st,
		Topology:            topo,
		Router:              router,
		Uploader:            uploader,
		ShutdownGracePeriod: cfg.ShutdownGracePeriod,
	})
	if err != nil {
		logger.Fatal("init admin server", zap.Error(err))
	}
	if err := adminSrv.Start(ctx); err != nil {
		logger.Fatal("admin server exited with error", zap.Error(err))
	}
}
