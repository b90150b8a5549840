// Command meshringd runs a single meshring cluster node: load config,
// build the logger, wire kernel/gossip/dlm/dsm, bring the cluster node up
// through load -> start, then block until an interrupt tears it down.
// There is no interactive REPL or subcommand beyond this entrypoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/adred-codev/meshring/internal/clusternode"
	"github.com/adred-codev/meshring/internal/config"
	"github.com/adred-codev/meshring/internal/dlm"
	"github.com/adred-codev/meshring/internal/dsm"
	"github.com/adred-codev/meshring/internal/gossip"
	"github.com/adred-codev/meshring/internal/kernel"
	"github.com/adred-codev/meshring/internal/logging"
	"github.com/adred-codev/meshring/internal/metrics"
	"github.com/adred-codev/meshring/internal/node"
	"github.com/adred-codev/meshring/internal/store"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	_ "go.uber.org/automaxprocs"
)

func main() {
	var (
		debug    = flag.Bool("debug", false, "enable debug logging (overrides MESH_LOG_LEVEL)")
		nodeID   = flag.String("id", "", "this node's id (required)")
		host     = flag.String("host", "", "override MESH_KERNEL_HOST")
		port     = flag.Uint("port", 0, "override MESH_KERNEL_PORT")
		meetAddr = flag.String("meet", "", "host:port of an existing peer to join on startup")
	)
	flag.Parse()

	if *nodeID == "" {
		os.Stderr.WriteString("meshringd: -id is required\n")
		os.Exit(1)
	}

	bootLogger := logging.New(logging.Config{Level: logging.LevelInfo, Format: logging.FormatJSON})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}
	if *host != "" {
		cfg.Kernel.Host = *host
	}
	if *port != 0 {
		cfg.Kernel.Port = uint16(*port)
	}

	logger := logging.New(logging.Config{
		Level:   logging.Level(cfg.Logging.Level),
		Format:  logging.Format(cfg.Logging.Format),
		Service: "meshring",
	})

	self := node.Node{ID: *nodeID, Host: cfg.Kernel.Host, Port: cfg.Kernel.Port}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	guard := metrics.NewCPUGuard(cfg.Metrics.CPUBudget, logger)
	guard.Start(ctx, 5*time.Second)

	k := kernel.New(kernel.Config{
		Self:       self,
		Cookie:     cfg.Kernel.Cookie,
		Logger:     logger,
		Retry:      cfg.Kernel.Retry,
		MaxRetries: cfg.Kernel.MaxRetries,
		Silent:     cfg.Kernel.Silent,
		Admission:  guard.Allow,
	})

	g := gossip.New(k, gossip.Config{
		RFactor:       cfg.Gossip.RFactor,
		PFactor:       cfg.Gossip.PFactor,
		Interval:      cfg.Gossip.Interval,
		FlushInterval: cfg.Gossip.FlushInterval,
		Logger:        logger,
	}, logger)

	var persist store.Store = store.NewNull()
	if cfg.Gossip.FlushPath != "" {
		persist = store.NewFile(store.FileConfig{
			Dir:          cfg.Gossip.FlushPath,
			Name:         "gossip",
			AutoSave:     true,
			SaveInterval: cfg.Gossip.FlushInterval,
			Logger:       logger,
		})
		if err := persist.Load(); err != nil {
			logger.Fatal().Err(err).Msg("failed to load persisted ring state")
		}
	}
	g.OnLeave(func() { logger.Info().Msg("gossip: left the ring") })
	g.OnClose(func() { logger.Info().Msg("gossip: closed") })

	var natsConn *nats.Conn
	if cfg.Nats.URL != "" {
		var err error
		natsConn, err = nats.Connect(cfg.Nats.URL)
		if err != nil {
			logger.Warn().Err(err).Str("url", cfg.Nats.URL).Msg("nats connect failed, mutation publishing disabled")
		} else {
			defer natsConn.Close()
		}
	}

	dlmStore := openAuditStore(cfg.DLM.Disk, store.FileConfig{
		Dir:            cfg.DLM.Path,
		Name:           "dlm",
		AutoSave:       cfg.DLM.AutoSave,
		SaveInterval:   cfg.DLM.FsyncInterval,
		WriteThreshold: cfg.DLM.WriteThreshold,
		Logger:         logger,
	}, logger)

	dsmStore := openAuditStore(cfg.DSM.Disk, store.FileConfig{
		Dir:            cfg.DSM.Path,
		Name:           "dsm",
		AutoSave:       cfg.DSM.AutoSave,
		SaveInterval:   cfg.DSM.FsyncInterval,
		WriteThreshold: cfg.DSM.WriteThreshold,
		Logger:         logger,
	}, logger)

	lockMgr := dlm.New(k, g, dlm.Config{
		RQuorum:        cfg.DLM.RQuorum,
		WQuorum:        cfg.DLM.WQuorum,
		RFactor:        cfg.DLM.RFactor,
		MinWaitTimeout: cfg.DLM.MinWaitTimeout,
		MaxWaitTimeout: cfg.DLM.MaxWaitTimeout,
		Store:          dlmStore,
		Nats:           natsConn,
		RingID:         cfg.Gossip.RingID,
	}, logger)

	semMgr := dsm.New(k, g, dsm.Config{
		MinWaitTimeout: cfg.DSM.MinWaitTimeout,
		MaxWaitTimeout: cfg.DSM.MaxWaitTimeout,
		Store:          dsmStore,
		Nats:           natsConn,
		RingID:         cfg.Gossip.RingID,
	}, logger)

	cluster := clusternode.New(k, g, persist, logger)
	if err := cluster.Load(); err != nil {
		logger.Fatal().Err(err).Msg("cluster node load failed")
	}
	if err := cluster.Start(cfg.Gossip.RingID); err != nil {
		logger.Fatal().Err(err).Msg("cluster node start failed")
	}
	if err := lockMgr.Start(); err != nil {
		logger.Fatal().Err(err).Msg("lock manager start failed")
	}
	if err := semMgr.Start(); err != nil {
		logger.Fatal().Err(err).Msg("semaphore manager start failed")
	}

	if *meetAddr != "" {
		peer, err := parsePeerAddr(*meetAddr)
		if err != nil {
			logger.Fatal().Err(err).Str("addr", *meetAddr).Msg("invalid -meet address")
		}
		if err := g.Meet(peer); err != nil {
			logger.Warn().Err(err).Str("addr", *meetAddr).Msg("initial meet failed")
		}
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if cluster.Ready() {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ok"))
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready"))
		})
		adminServer := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			defer logging.RecoverPanic(logger, "admin-http", nil)
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("admin http server stopped")
			}
		}()
		defer adminServer.Close()
	}

	logger.Info().Str("node", self.String()).Str("ring", cfg.Gossip.RingID).Msg("meshring node ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	lockMgr.Stop()
	semMgr.Stop()
	cluster.Stop(true)
}

// openAuditStore returns nil when disabled (the manager then skips
// persistence entirely, per its cfg.Store == nil check), or a loaded File
// store rooted at fc.Dir/fc.Name otherwise.
func openAuditStore(enabled bool, fc store.FileConfig, logger zerolog.Logger) store.Store {
	if !enabled {
		return nil
	}
	s := store.NewFile(fc)
	if err := s.Load(); err != nil {
		logger.Fatal().Err(err).Str("dir", fc.Dir).Msg("failed to load audit store")
	}
	return s
}

func parsePeerAddr(addr string) (node.Node, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return node.Node{}, fmt.Errorf("parse peer address: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return node.Node{}, fmt.Errorf("parse peer port: %w", err)
	}
	return node.Node{ID: addr, Host: host, Port: uint16(port)}, nil
}
