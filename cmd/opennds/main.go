package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sevlyar/go-daemon"

	"opennds-go/pkg/admin"
	"opennds-go/pkg/auth"
	"opennds-go/pkg/cmdsock"
	"opennds-go/pkg/config"
	"opennds-go/pkg/conntrack"
	"opennds-go/pkg/core"
	"opennds-go/pkg/firewall"
	"opennds-go/pkg/metrics"
	"opennds-go/pkg/neighbor"
	"opennds-go/pkg/script"
	"opennds-go/pkg/securestore"
)

const shutdownTimeout = 10 * time.Second

// setupLogging writes human readable output to stderr, or JSON lines to the
// configured file when running in the background.
func setupLogging(cfg *config.Config, debug, foreground bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil || cfg.Logging.Level == "" {
		level = zerolog.InfoLevel
	}
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	dest := cfg.Logging.Destination
	if foreground || dest == "" || dest == "stderr" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		log.Error().Err(err).Str("dest", dest).Msg("Failed to open log file, logging to stderr")
		return
	}
	log.Logger = zerolog.New(f).With().Timestamp().Logger()
}

func main() {
	configPath := flag.String("c", "/etc/opennds/opennds.yaml", "Path to the configuration file (yaml or toml)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	foreground := flag.Bool("f", false, "Run in the foreground even if daemon is set")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("Error loading configuration")
	}

	var dctx *daemon.Context
	if cfg.Daemon && !*foreground {
		dctx = &daemon.Context{
			PidFileName: cfg.PIDFile,
			PidFilePerm: 0o644,
			WorkDir:     "/",
			Umask:       0o027,
		}
		child, err := dctx.Reborn()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to daemonize")
		}
		if child != nil {
			return
		}
	}
	setupLogging(cfg, *debug, *foreground || !cfg.Daemon)

	code := run(*configPath, cfg, log.Logger)
	memguard.Purge()
	if dctx != nil {
		if err := dctx.Release(); err != nil {
			log.Warn().Err(err).Msg("Failed to release pid file")
		}
	}
	os.Exit(code)
}

func run(configPath string, cfg *config.Config, logger zerolog.Logger) int {
	logger.Info().Str("interface", cfg.GatewayInterface).Str("net", cfg.GatewayNetStr).Msg("Starting openNDS")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recorder, err := metrics.New(cfg.Metrics)
	if err != nil {
		logger.Error().Err(err).Msg("Error creating metrics recorder")
		return 1
	}

	fw, ipt, err := firewall.New(cfg, recorder, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Error creating firewall backend")
		return 1
	}
	if err := fw.Initialize(); err != nil {
		logger.Error().Err(err).Msg("Error initializing firewall")
		return 1
	}
	defer func() {
		if err := fw.Cleanup(); err != nil {
			logger.Error().Err(err).Msg("Firewall cleanup failed")
		}
	}()
	fwState := func() string { return "unguarded" }
	if b, ok := fw.(*firewall.Breaker); ok {
		fwState = b.State
	}

	reloader := config.NewReloader(configPath, logger)
	reloader.Register(fw)

	var counters core.CounterSource
	switch cfg.Counters.Source {
	case "conntrack":
		src, err := conntrack.Open(ctx, cfg, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Error opening conntrack")
			return 1
		}
		defer src.Close()
		reloader.Register(src)
		counters = src
	default:
		if ipt != nil {
			counters = ipt
		} else {
			logger.Warn().Str("backend", cfg.Firewall.Backend).Msg("No traffic counters available, quotas and rates are not enforced")
		}
	}

	key := securestore.NewSecret(cfg.GatewayKeyStr)
	defer key.Destroy()

	hook := script.NewRunner(cfg, logger)
	resolver := neighbor.NewResolver(cfg, logger)
	reg := core.NewRegistry(cfg, nil, recorder, logger)
	watchdog := core.NewWatchdog(cfg, reg, fw, counters, hook, recorder, logger)
	workflow := auth.NewWorkflow(cfg, auth.Deps{
		Registry: reg,
		Firewall: fw,
		Hook:     hook,
		Resolver: resolver,
		Key:      key,
		Kicker:   watchdog,
	}, logger)
	reloader.Register(hook, resolver, reg, watchdog, workflow)

	cmds := &commander{
		reg:      reg,
		ctl:      workflow,
		reloader: reloader,
		fwState:  fwState,
		started:  time.Now(),
		logger:   logger.With().Str("component", "ndsctl").Logger(),
	}
	sock := cmdsock.NewListener(cfg.CmdSocket, cmds.processCommand, logger)
	if err := sock.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Error starting command socket")
		return 1
	}

	adminServer := admin.NewServer(cfg, admin.Deps{
		Registry:      reg,
		Controller:    workflow,
		Recorder:      recorder,
		Reloader:      reloader,
		FirewallState: fwState,
	}, logger)
	if err := adminServer.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Error starting admin API")
		sock.Stop()
		return 1
	}
	reloader.Register(adminServer)

	watchdog.Start(ctx)
	logger.Info().Msg("openNDS is running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)
	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			if err := reloader.PerformReload(); err != nil {
				logger.Error().Err(err).Msg("Configuration reload failed")
			}
			continue
		}
		logger.Info().Str("signal", sig.String()).Msg("Shutting down openNDS")
		break
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Admin API did not shut down cleanly")
	}
	sock.Stop()
	watchdog.Stop()
	flush(shutdownCtx, reg, fw, hook, logger)
	cancel()
	sock.Wait()
	return 0
}

// flush revokes every remaining client once the watchdog has stopped. The
// firewall chains are removed afterwards by Cleanup.
func flush(ctx context.Context, reg *core.Registry, fw core.Firewall, hook core.Hook, logger zerolog.Logger) {
	clients := reg.Drain()
	for _, c := range clients {
		if c.State != core.Authenticated {
			continue
		}
		if err := fw.Deauthenticate(ctx, c); err != nil {
			logger.Warn().Err(err).Uint64("id", c.ID).Str("ip", c.IP).Msg("Failed to remove client rules at shutdown")
		}
		if err := hook.Run(ctx, core.EventShutdownDeauth, c); err != nil {
			logger.Warn().Err(err).Str("mac", c.MAC).Msg("Shutdown hook failed")
		}
	}
	logger.Info().Int("clients", len(clients)).Msg("Flushed client table")
}
