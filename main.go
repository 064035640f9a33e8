package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atvirokodosprendimai/ctldisco/pkg/config"
	"github.com/atvirokodosprendimai/ctldisco/pkg/controller"
	"github.com/atvirokodosprendimai/ctldisco/pkg/crypto"
	"github.com/atvirokodosprendimai/ctldisco/pkg/daemon"
	"github.com/atvirokodosprendimai/ctldisco/pkg/discovery"
	"github.com/atvirokodosprendimai/ctldisco/pkg/logging"
	"github.com/atvirokodosprendimai/ctldisco/pkg/metrics"
	"github.com/atvirokodosprendimai/ctldisco/pkg/overlay"
	"github.com/atvirokodosprendimai/ctldisco/pkg/status"
	"go.uber.org/zap"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	app = kingpin.New("ctldisco", "Discover robot controllers on the local network.")

	configFile   = app.Flag("config", "Path to configuration file.").Default("ctldisco.yaml").String()
	secret       = app.Flag("secret", "Overlay secret (raw or ctldisco://v1/...).").String()
	secretPrompt = app.Flag("secret-prompt", "Read the overlay secret from the terminal.").Bool()
	service      = app.Flag("service", "Service group to discover or announce.").String()
	name         = app.Flag("name", "Display name advertised on the overlay.").String()
	iface        = app.Flag("interface", "Network interface for multicast.").String()
	dht          = app.Flag("dht", "Also rendezvous through the BitTorrent DHT.").Bool()
	logLevel     = app.Flag("log.level", "Log level (debug, info, warn, error).").String()
	logFormat    = app.Flag("log.format", "Log format (console, json).").String()

	watchCmd       = app.Command("watch", "Watch controllers appear and disappear.")
	watchConnect   = watchCmd.Flag("connect", "Connect to the first controller found.").Bool()
	metricsAddress = watchCmd.Flag("metrics.listen-address", "Address for /metrics, /endpoints and /healthz.").String()

	announceCmd       = app.Command("announce", "Advertise a controller service until interrupted.")
	announceEndpoints = announceCmd.Flag("endpoint", "Endpoint to advertise, e.g. tcp://:10789 (repeatable).").Required().Strings()

	secretCmd = app.Command("secret", "Generate a new overlay secret.")

	installCmd       = app.Command("install-service", "Install the announcer as a systemd service.")
	installEndpoints = installCmd.Flag("endpoint", "Endpoint to advertise (repeatable).").Required().Strings()

	uninstallCmd     = app.Command("uninstall-service", "Remove the announcer systemd service.")
	serviceStatusCmd = app.Command("service-status", "Show the announcer systemd service status.")
)

func main() {
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	var err error
	switch cmd {
	case watchCmd.FullCommand():
		err = runWatch()
	case announceCmd.FullCommand():
		err = runAnnounce()
	case secretCmd.FullCommand():
		err = runSecret()
	case installCmd.FullCommand():
		err = runInstall()
	case uninstallCmd.FullCommand():
		err = daemon.UninstallSystemdService()
		if err == nil {
			fmt.Println("ctldisco announcer service removed")
		}
	case serviceStatusCmd.FullCommand():
		fmt.Println(daemon.ServiceStatus())
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, then applies environment and flag overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configFile)
	if errors.Is(err, config.ErrNotFound) {
		cfg = config.Default()
	} else if err != nil {
		return nil, err
	}

	if *secretPrompt {
		s, err := crypto.ReadSecret("Enter overlay secret: ")
		if err != nil {
			return nil, err
		}
		cfg.Overlay.Secret = s
	} else if *secret != "" {
		cfg.Overlay.Secret = *secret
	}
	if *service != "" {
		cfg.Service = *service
	}
	if *name != "" {
		cfg.Name = *name
	}
	if *iface != "" {
		cfg.Overlay.Interface = *iface
	}
	if *dht {
		cfg.Overlay.DHT = true
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runWatch() error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if *metricsAddress != "" {
		cfg.Metrics.ListenAddress = *metricsAddress
	}

	m := metrics.New()
	network, err := overlay.NewNetwork(cfg, logger.Named("overlay"), m)
	if err != nil {
		return err
	}

	session := controller.NewSession(discovery.NetworkOpener(network), cfg.Service, controller.TCPDialer{}, logger,
		discovery.WithLogger(logger),
		discovery.WithMetrics(m),
		discovery.WithName(cfg.Name),
		discovery.WithAnnounceInterval(cfg.GetAnnounceInterval()),
		discovery.WithSettleDelay(cfg.GetSettleDelay()))
	if err := session.Start(); err != nil {
		return err
	}
	defer session.Stop()
	actorDone := session.Done()

	if cfg.Metrics.ListenAddress != "" {
		srv := status.NewServer(session, m.Registry, cfg.Metrics.Path, logger)
		go func() {
			if err := srv.ListenAndServe(cfg.Metrics.ListenAddress); err != nil {
				logger.Error("Status server failed", zap.Error(err))
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Watching for %s controllers (Ctrl+C to stop)\n", cfg.Service)

	var shown []discovery.Endpoint
	for {
		select {
		case <-ctx.Done():
			return session.Stop()

		case <-actorDone:
			return fmt.Errorf("discovery stopped: %w", session.Health())

		case <-session.Updates():
			current := session.Endpoints()
			added, removed := controller.Diff(shown, current)
			for _, e := range removed {
				fmt.Printf("- %-24s %s\n", e.Name, e.Address)
			}
			for _, e := range added {
				fmt.Printf("+ %-24s %s\n", e.Name, e.Address)
			}
			shown = current

			if _, connected := session.Controller(); *watchConnect && !connected && len(current) > 0 {
				if err := session.Connect(ctx, current[0]); err != nil {
					logger.Warn("Failed to connect", zap.Stringer("controller", current[0]), zap.Error(err))
				} else {
					fmt.Printf("* connected to %s\n", current[0])
				}
			}
		}
	}
}

func runAnnounce() error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if *name == "" && cfg.Name == config.DefaultName {
		if hostname, err := os.Hostname(); err == nil {
			cfg.Name = hostname
		}
	}

	network, err := overlay.NewNetwork(cfg, logger.Named("overlay"), nil)
	if err != nil {
		return err
	}

	d, err := daemon.NewDaemon(cfg, network, *announceEndpoints, logger)
	if err != nil {
		return err
	}
	return d.Run()
}

func runSecret() error {
	s, err := config.GenerateSecret()
	if err != nil {
		return err
	}

	fmt.Println(config.FormatSecretURI(s))
	return nil
}

func runInstall() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	err = daemon.InstallSystemdService(daemon.SystemdServiceConfig{
		Secret:    cfg.Overlay.Secret,
		Service:   cfg.Service,
		Name:      *name,
		Endpoints: *installEndpoints,
		Interface: cfg.Overlay.Interface,
		DHT:       cfg.Overlay.DHT,
	})
	if err != nil {
		return err
	}

	fmt.Printf("ctldisco announcer installed as %s (%s)\n", daemon.ServiceUnitName, daemon.ServiceStatus())
	return nil
}
