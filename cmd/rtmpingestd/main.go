package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aminofox/rtmpingest/pkg/audit"
	"github.com/aminofox/rtmpingest/pkg/config"
	"github.com/aminofox/rtmpingest/pkg/control"
	"github.com/aminofox/rtmpingest/pkg/logger"
	"github.com/aminofox/rtmpingest/pkg/registry"
	"github.com/aminofox/rtmpingest/pkg/rtmp"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configFile := flag.String("config", "config.yaml", "Path to config file")
	devMode := flag.Bool("dev", false, "Enable development mode")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rtmpingestd %s (commit: %s, built: %s)\n", version, commit, date)
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *devMode {
		cfg.Server.DevMode = true
	}

	logLevel := logger.ParseLevel(cfg.Logging.Level)
	log := logger.NewDefaultLogger(logLevel, cfg.Logging.Format)
	if cfg.Server.DevMode {
		log = logger.NewDefaultLogger(logger.DebugLevel, cfg.Logging.Format)
		log.Info("rtmpingestd: running in development mode")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var reg *registry.Registry
	if cfg.Registry.Enabled {
		client := registry.NewClient(cfg.Registry.Address, cfg.Registry.Password, cfg.Registry.DB)
		reg = registry.New(client, cfg.Registry.LeaseTTL, log)
		defer reg.Close()
		log.Info("rtmpingestd: registry enabled", logger.String("address", cfg.Registry.Address))
	}

	var archiver *audit.Archiver
	if cfg.Audit.Enabled {
		archiver, err = audit.New(ctx, audit.Config{
			Endpoint:        cfg.Audit.Endpoint,
			Region:          cfg.Audit.Region,
			Bucket:          cfg.Audit.Bucket,
			AccessKeyID:     cfg.Audit.AccessKeyID,
			SecretAccessKey: cfg.Audit.SecretAccessKey,
		}, log)
		if err != nil {
			log.Error("rtmpingestd: failed to initialize audit archiver", logger.Err(err))
			os.Exit(1)
		}
		log.Info("rtmpingestd: audit archival enabled", logger.String("bucket", cfg.Audit.Bucket))
	}

	var feed *control.Feed
	if cfg.Control.Enabled {
		feed = control.NewFeed(log)
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", feed.HandleWebSocket)
		controlAddr := fmt.Sprintf("%s:%d", cfg.Control.Host, cfg.Control.Port)
		controlSrv := &http.Server{Addr: controlAddr, Handler: mux}
		go func() {
			log.Info("rtmpingestd: control feed listening", logger.String("addr", controlAddr))
			if err := controlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("rtmpingestd: control feed error", logger.Err(err))
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			controlSrv.Shutdown(shutdownCtx)
		}()
	}

	sessionCfg := rtmp.SessionConfig{
		HandshakeTimeout:        cfg.RTMP.HandshakeTimeout,
		IdleTimeout:             cfg.RTMP.IdleTimeout,
		InboundChunkSizeDefault: cfg.RTMP.InboundChunkSizeDefault,
		OutboundChunkSize:       cfg.RTMP.OutboundChunkSize,
		WindowAckSize:           cfg.RTMP.WindowAckSize,
		PeerBandwidth:           cfg.RTMP.PeerBandwidth,
		MaxTrackedChunkStreams:  cfg.RTMP.MaxTrackedChunkStreams,
	}

	sinkFor := func(remote net.Addr) rtmp.Sink {
		return newFleetSink(sinkDeps{
			capacity: cfg.RTMP.SinkQueueCapacity,
			registry: reg,
			archiver: archiver,
			feed:     feed,
			log:      log,
			remote:   remote,
		})
	}

	server := rtmp.NewServer(sessionCfg, sinkFor, log)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	log.Info("rtmpingestd started", logger.String("addr", addr))
	log.Info("press Ctrl+C to shut down")

	if err := server.Serve(ctx, addr); err != nil {
		log.Error("rtmpingestd: server error", logger.Err(err))
		os.Exit(1)
	}

	log.Info("rtmpingestd stopped")
}
