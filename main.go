package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jnesss/vmi-recorder/database"
	"github.com/jnesss/vmi-recorder/metrics"
	"github.com/jnesss/vmi-recorder/platform"
	"github.com/jnesss/vmi-recorder/sigma"
	"github.com/jnesss/vmi-recorder/simulator"
	"github.com/jnesss/vmi-recorder/tracking"
	"github.com/jnesss/vmi-recorder/web"
	"github.com/jnesss/vmi-recorder/xen"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	overrides := defaultConfig()

	cmd := &cobra.Command{
		Use:          "vmi-recorder",
		Short:        "Record and police vm_events from a Xen guest",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			applyFlags(cmd, cfg, overrides)
			if err := cfg.validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flags.StringVarP(&overrides.Domain, "domain", "d", overrides.Domain, "domain id or name to monitor")
	flags.StringVar(&overrides.DataDir, "data-dir", overrides.DataDir, "directory for the event database")
	flags.StringVar(&overrides.RulesDir, "rules-dir", overrides.RulesDir, "directory holding enabled_rules and disabled_rules")
	flags.StringVar(&overrides.Listen, "listen", overrides.Listen, "web interface listen address")
	flags.BoolVar(&overrides.Simulate, "simulate", overrides.Simulate, "run against an in-process simulated hypervisor")
	flags.StringVar(&overrides.LogLevel, "log-level", overrides.LogLevel, "log level (debug, info, warn, error)")
	flags.DurationVar(&overrides.StatsInterval, "stats-interval", overrides.StatsInterval, "ring statistics sampling interval")
	return cmd
}

// applyFlags copies explicitly set flags over the file configuration.
func applyFlags(cmd *cobra.Command, cfg, flags *Config) {
	changed := cmd.Flags().Changed
	if changed("domain") {
		cfg.Domain = flags.Domain
	}
	if changed("data-dir") {
		cfg.DataDir = flags.DataDir
	}
	if changed("rules-dir") {
		cfg.RulesDir = flags.RulesDir
	}
	if changed("listen") {
		cfg.Listen = flags.Listen
	}
	if changed("simulate") {
		cfg.Simulate = flags.Simulate
	}
	if changed("log-level") {
		cfg.LogLevel = flags.LogLevel
	}
	if changed("stats-interval") {
		cfg.StatsInterval = flags.StatsInterval
	}
}

func run(ctx context.Context, cfg *Config) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	ctrl, dom, workload, err := openControl(cfg)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	// The event channel device is root-only, so it is opened here and
	// handed to the monitor.
	evtchn, err := ctrl.OpenEventChannel()
	if err != nil {
		return fmt.Errorf("failed to open event channel: %w", err)
	}
	handedOff := false
	defer func() {
		if !handedOff {
			evtchn.Close()
		}
	}()

	// Every root-only handle is open; everything after this runs as the
	// invoking user.
	if err := maybeDropPrivileges(); err != nil {
		return fmt.Errorf("failed to drop privileges: %w", err)
	}

	db, err := database.NewDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	detector, err := sigma.NewDetector(cfg.RulesDir, db.Db)
	if err != nil {
		return fmt.Errorf("failed to initialize sigma detector: %w", err)
	}
	defer detector.Stop()

	m := metrics.New()
	monitor, err := platform.NewXenMonitor(ctrl, db, detector, m, platform.MonitorConfig{
		Domain: dom,
		Events: cfg.Events,
		AltP2M: cfg.AltP2M,
	})
	if err != nil {
		return err
	}
	monitor.UseEventChannel(evtchn)
	handedOff = true
	server := web.NewServer(db, detector, monitor, m, cfg.Listen)
	collector := tracking.NewStatsCollector(db, monitor, cfg.StatsInterval)

	fmt.Printf("Web interface available at http://%s\n", cfg.Listen)
	fmt.Printf("Monitoring domain %s... Press Ctrl+C to stop\n", dom)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Start(gctx) })
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return ignoreCanceled(collector.Start(gctx)) })
	g.Go(func() error { return detector.Start(gctx) })
	if workload != nil {
		g.Go(func() error { return workload.Run(gctx) })
	}

	err = g.Wait()
	fmt.Println("Shutting down...")
	return err
}

// openControl returns the hypervisor handle and the resolved domain. In
// simulation it also returns the workload driving the simulated guest.
func openControl(cfg *Config) (xen.Control, xen.DomainID, *simulator.Workload, error) {
	if cfg.Simulate {
		hv := simulator.New()
		hv.AddDomain(1, simulatedDomain, 2)
		name := cfg.Domain
		if name == "" {
			name = simulatedDomain
		}
		dom, err := xen.ResolveDomain(hv, name)
		if err != nil {
			return nil, 0, nil, fmt.Errorf("failed to resolve domain %q: %w", name, err)
		}
		workload := &simulator.Workload{HV: hv, Domain: dom, GFNs: cfg.AltP2M.GFNs}
		return hv, dom, workload, nil
	}

	ctrl, err := platform.OpenControl()
	if err != nil {
		return nil, 0, nil, fmt.Errorf("failed to open xen control interface: %w", err)
	}
	var names xen.NameResolver
	if xs, err := xen.DialXenstore(); err != nil {
		logrus.WithError(err).Debug("xenstore unavailable, only numeric domain ids resolve")
	} else {
		defer xs.Close()
		names = xs
	}
	dom, err := xen.ResolveDomain(names, cfg.Domain)
	if err != nil {
		ctrl.Close()
		return nil, 0, nil, fmt.Errorf("failed to resolve domain %q: %w", cfg.Domain, err)
	}
	return ctrl, dom, nil, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
