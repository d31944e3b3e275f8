package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"p2pchat/config"
	"p2pchat/discovery"
	"p2pchat/gateway"
	"p2pchat/models"
	"p2pchat/network"
	"p2pchat/observability"
	"p2pchat/registry"
	"p2pchat/router"
	"p2pchat/storage"
)

func main() {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		log.Fatalf("startup failed while configuring logging: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, cfgPath, logger); err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
}

func run(cfg *config.Config, cfgPath string, logger *zap.Logger) error {
	reg := registry.New(models.Peer{
		ID:          cfg.DeviceID,
		Username:    cfg.Username,
		DisplayName: cfg.DisplayName,
		Status:      models.PeerStatusOnline,
	}, logger)

	store, err := storage.OpenMemory()
	if err != nil {
		return fmt.Errorf("open message history: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("history close error", zap.Error(err))
		}
	}()

	manager, err := network.NewPeerManager(network.PeerManagerOptions{
		Registry:      reg,
		ListenAddress: ":" + strconv.Itoa(cfg.ListenPort()),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	r, err := router.New(router.Options{
		Registry:    reg,
		Store:       store,
		Connections: manager,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	r.AddMessageListener(func(m models.Message) {
		if m.SenderID == reg.Local().ID {
			return
		}
		from := m.SenderID
		if peer, ok := reg.Get(m.SenderID); ok {
			from = peer.Name()
		}
		text := m.Content
		if m.HasAttachment() {
			text = models.AttachmentLabel(m.Kind, m.FileName)
		}
		logger.Info("message received", zap.String("from", from), zap.String("text", text))
	})

	if err := manager.Start(r); err != nil {
		return err
	}
	defer manager.Stop()

	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		gw, err = gateway.New(gateway.Options{
			Registry:   reg,
			Injector:   r,
			Port:       cfg.Gateway.Port,
			PublicHost: cfg.Gateway.PublicHost,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		if err := gw.Start(); err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := gw.Stop(ctx); err != nil {
				logger.Warn("gateway shutdown error", zap.Error(err))
			}
		}()
		r.SetChannelSink(gw)
		seedChannels(gw, cfg.Channels, logger)
	}

	disc, err := discovery.NewService(discovery.BroadcastConfig{
		Port:             cfg.Discovery.Port,
		BroadcastAddress: cfg.Discovery.BroadcastAddress,
		Interval:         time.Duration(cfg.Discovery.IntervalSeconds) * time.Second,
		Local:            reg.Local,
		OnPeer:           manager.OnPeerDiscovered,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	if err := disc.Start(); err != nil {
		return err
	}
	defer disc.Stop()

	if cfg.Discovery.MDNSEnabled {
		mdns, err := discovery.StartMDNS(discovery.MDNSConfig{
			Local:      reg.Local(),
			OnPeer:     manager.OnPeerDiscovered,
			OnPeerLost: manager.OnPeerLost,
			Logger:     logger,
		})
		if err != nil {
			logger.Warn("mDNS startup failed", zap.Error(err))
		} else {
			defer mdns.Stop()
		}
	}

	local := reg.Local()
	logger.Info("p2p chat running",
		zap.String("device_id", local.ID),
		zap.String("name", local.Name()),
		zap.Int("port", local.Port),
		zap.Int("discovery_port", cfg.Discovery.Port),
		zap.Bool("gateway", cfg.Gateway.Enabled),
		zap.String("config", cfgPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func seedChannels(gw *gateway.Gateway, seeds []config.ChannelSeed, logger *zap.Logger) {
	for _, seed := range seeds {
		var (
			channel *gateway.Channel
			err     error
		)
		switch {
		case seed.Password != "":
			channel, err = gw.CreateSecureChannel(seed.Name, seed.Password)
		case seed.ExpiryMinutes > 0:
			channel, err = gw.CreateTemporaryChannel(seed.Name, seed.ExpiryMinutes)
		default:
			channel, err = gw.CreateChannel(seed.Name, gateway.DefaultChannelConfig())
		}
		if err != nil {
			logger.Warn("channel seed skipped", zap.String("name", seed.Name), zap.Error(err))
			continue
		}
		logger.Info("channel open", zap.String("name", channel.Name), zap.String("url", gw.ChannelURL(channel.ID)))
	}
}
