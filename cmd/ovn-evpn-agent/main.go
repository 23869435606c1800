// SPDX-License-Identifier:Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/openperouter/ovn-evpn-agent/api/static"
	"github.com/openperouter/ovn-evpn-agent/internal/accelerator"
	"github.com/openperouter/ovn-evpn-agent/internal/conversion"
	"github.com/openperouter/ovn-evpn-agent/internal/filewatcher"
	"github.com/openperouter/ovn-evpn-agent/internal/frr"
	"github.com/openperouter/ovn-evpn-agent/internal/frr/vtysh"
	"github.com/openperouter/ovn-evpn-agent/internal/hostnetwork"
	"github.com/openperouter/ovn-evpn-agent/internal/hostnetwork/bridgerefresh"
	"github.com/openperouter/ovn-evpn-agent/internal/logging"
	"github.com/openperouter/ovn-evpn-agent/internal/metrics"
	"github.com/openperouter/ovn-evpn-agent/internal/ovnsb"
	"github.com/openperouter/ovn-evpn-agent/internal/ovs"
	"github.com/openperouter/ovn-evpn-agent/internal/reconcile"
	"github.com/openperouter/ovn-evpn-agent/internal/staticconfiguration"
	"github.com/openperouter/ovn-evpn-agent/internal/status"
	"github.com/openperouter/ovn-evpn-agent/internal/sysctl"
	"github.com/openperouter/ovn-evpn-agent/internal/vlan"
	"github.com/openperouter/ovn-evpn-agent/internal/vrf"
	"github.com/spf13/cobra"
	"k8s.io/utils/ptr"
)

const defaultConfigPath = "/etc/ovn-evpn-agent/config.yaml"

type options struct {
	configPath         string
	logLevel           string
	metricsBindAddress string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:          "ovn-evpn-agent",
		Short:        "Stretch OVN networks over a BGP EVPN fabric",
		Long:         "ovn-evpn-agent watches the OVN southbound database for EVPN annotated networks and ports and provisions the host dataplane and FRR accordingly",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", defaultConfigPath, "path of the agent configuration file")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error), overrides the configuration file")
	cmd.Flags().StringVar(&opts.metricsBindAddress, "metrics-bind-address", "", "metrics listener address, overrides the configuration file, 0 disables it")
	return cmd
}

func loadConfig(opts options) (*static.AgentConfig, error) {
	cfg, err := staticconfiguration.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.metricsBindAddress != "" {
		cfg.Metrics.BindAddress = opts.metricsBindAddress
	}
	return cfg, nil
}

func run(ctx context.Context, opts options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := logging.New(os.Stderr, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger.Logger)
	logger.Info("starting ovn-evpn-agent", "config", opts.configPath, "loglevel", cfg.LogLevel)

	if err := sysctl.Apply(
		sysctl.IPv4Forwarding(),
		sysctl.IPv6Forwarding(),
		sysctl.ArpAcceptAll(),
		sysctl.ArpAcceptDefault(),
		sysctl.AcceptUntrackedNAAll(),
		sysctl.AcceptUntrackedNADefault(),
	); err != nil {
		return fmt.Errorf("failed to ensure sysctls: %w", err)
	}

	vtep, err := hostnetwork.DiscoverVTEP(cfg.EVPN.LocalIP, cfg.EVPN.NIC)
	if err != nil {
		return fmt.Errorf("refusing to start without a vtep: %w", err)
	}
	logger.Info("vtep discovered", "vtep", vtep)

	timeout := staticconfiguration.Seconds(cfg.OVSDBConnectionTimeout)
	ovsClient, err := ovs.New(ctx, ovs.DialConfig{
		Endpoint: cfg.OVSDBConnection,
		Timeout:  timeout,
		Logger:   logger.Logr(),
	}, logger.Logger)
	if err != nil {
		return err
	}
	defer ovsClient.Close()

	identity, err := ovsClient.Identity(ctx)
	if err != nil {
		return fmt.Errorf("failed to read the chassis identity: %w", err)
	}
	sbEndpoint := cfg.OVNSB.Connection
	if sbEndpoint == "" {
		sbEndpoint = identity.OVNRemote
	}
	if sbEndpoint == "" {
		return errors.New("no southbound connection configured and external_ids:ovn-remote is not set")
	}
	logger.Info("chassis identity", "chassis", identity.Chassis, "southbound", sbEndpoint)

	sb, err := ovnsb.Connect(ctx, ovs.DialConfig{
		Endpoint:    sbEndpoint,
		Timeout:     timeout,
		PrivateKey:  cfg.OVNSB.PrivateKey,
		Certificate: cfg.OVNSB.Certificate,
		CACert:      cfg.OVNSB.CACert,
		Logger:      logger.Logr(),
	})
	if err != nil {
		return err
	}
	defer sb.Close()

	dataplane := hostnetwork.Dataplane{}
	if cfg.VRF.ClearRoutesOnStartup {
		removed, err := dataplane.FlushEVPNVRFRoutes()
		if err != nil {
			logger.Error("failed to clear vrf routes", "error", err)
		}
		logger.Info("cleared vrf routes", "count", removed)
	}

	registry := vrf.NewRegistry(hostnetwork.VRFDevices{}, !cfg.VRF.DeleteOnDisconnect, logger.Logger)
	provisioner := hostnetwork.NewProvisioner(hostnetwork.Params{
		Bridge:    cfg.EVPN.Bridge,
		OVSBridge: cfg.EVPN.OVSBridge,
		VTEP:      vtep,
		VXLanPort: cfg.EVPN.UDPDstPort,
		MTU:       cfg.EVPN.NetworkDeviceMTU,
	}, registry, ovsClient, logger.Logger)
	vlans, err := vlan.NewAllocator(cfg.EVPN.VLANRangeMin, cfg.EVPN.VLANRangeMax, logger.Logger)
	if err != nil {
		return err
	}
	accel := accelerator.New(dataplane, cfg.EVPN.Bridge, acceleratorOptions(cfg), logger.Logger)
	configurator := frr.NewConfigurator(frr.Config{
		ASN:          cfg.BGPAS,
		VTEP:         vtep,
		Redistribute: cfg.FRR.Redistribute,
	}, vtysh.Runner{
		Path:    cfg.FRR.VtyshPath,
		Timeout: staticconfiguration.Seconds(cfg.FRR.CommandTimeout),
	}.Run, logger.Logger)

	var refreshers reconcile.Refreshers
	if cfg.EVPN.NeighborRefresh.Enabled {
		neighbors := bridgerefresh.NewRegistry(cfg.EVPN.Bridge, bridgerefresh.Options{
			RefreshPeriod: staticconfiguration.Seconds(cfg.EVPN.NeighborRefresh.Period),
		})
		defer neighbors.StopAll()
		refreshers = neighbors
	}

	statusManager := status.NewStatusManager(logger.Logger)
	metricsServer := metrics.NewServer(logger.Logger)

	engine := reconcile.NewEngine(reconcile.Config{
		LocalChassis: identity.Chassis,
		Defaults:     conversion.Defaults{MTU: cfg.EVPN.NetworkDeviceMTU},
	}, reconcile.Collaborators{
		Lister:       ovnsb.NewLister(sb, logger.Logger),
		Provisioner:  provisioner,
		VRFs:         registry,
		Configurator: configurator,
		Accelerator:  accel,
		VLANs:        vlans,
		Refreshers:   refreshers,
		Status:       statusManager,
		Observer:     metricsServer.Recorder(),
	}, logger.Logger)
	runner := reconcile.NewRunner(engine,
		staticconfiguration.Seconds(cfg.ReconcileInterval),
		staticconfiguration.Seconds(cfg.FRRReconcileInterval),
		logger.Logger)
	watcher := ovnsb.NewWatcher(sb, engine, logger.Logger)

	if err := configurator.EnsureGlobalEvpnEnabled(ctx); err != nil {
		logger.Error("failed to enable evpn in frr, retrying on the next routing sync", "error", err)
	}

	reload := make(chan struct{}, 1)
	fw, err := filewatcher.New(filepath.Dir(opts.configPath), reload, logger.Logger)
	if err != nil {
		return err
	}
	if err := fw.OnlyFile(filepath.Base(opts.configPath)).Start(ctx); err != nil {
		logger.Warn("config file changes will not be applied", "error", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		watcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		runner.Run(ctx)
	}()

	if address := cfg.Metrics.BindAddress; address != staticconfiguration.MetricsDisabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := metricsServer.Serve(ctx, address, metrics.Sources{
				Snapshot: func() metrics.Snapshot {
					s := engine.Snapshot()
					s.FailedByKind = map[string]int{}
					for kind, n := range statusManager.FailedByKind() {
						s.FailedByKind[string(kind)] = n
					}
					return s
				},
				Status: statusManager,
				Health: engine.Health,
				Phase:  func() string { return string(engine.Phase()) },
			})
			if err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			wg.Wait()
			return nil
		case <-reload:
			cfg = applyReload(opts, cfg, logger, accel)
			runner.Trigger()
		}
	}
}

// applyReload applies the options that can change at runtime and returns
// the configuration now in effect.
func applyReload(opts options, current *static.AgentConfig, logger *logging.Logger, accel *accelerator.Accelerator) *static.AgentConfig {
	updated, err := loadConfig(opts)
	if err != nil {
		logger.Error("ignoring invalid configuration", "config", opts.configPath, "error", err)
		return current
	}
	if err := logger.SetLevel(updated.LogLevel); err != nil {
		logger.Error("failed to set log level", "error", err)
	}
	accel.SetOptions(acceleratorOptions(updated))
	if ignored := staticconfiguration.RestartRequired(current, updated); len(ignored) > 0 {
		logger.Warn("configuration changes ignored until restart", "options", ignored)
	}
	logger.Info("configuration reloaded", "loglevel", updated.LogLevel)
	return updated
}

func acceleratorOptions(cfg *static.AgentConfig) accelerator.Options {
	return accelerator.Options{
		StaticFDB:       ptr.Deref(cfg.EVPN.StaticFDB, true),
		StaticNeighbors: ptr.Deref(cfg.EVPN.StaticNeighbors, true),
	}
}
